// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package peer

import (
	"encoding/base64"
	"net/http"
	"strconv"

	jsoniter "github.com/json-iterator/go"

	"storj.io/reconstructor/fragstore"
)

// Header names of the peer protocol.
const (
	HeaderPolicyIndex   = "X-Backend-Storage-Policy-Index"
	HeaderRingVersion   = "X-Backend-Ring-Version"
	HeaderTransID       = "X-Trans-Id"
	HeaderFragment      = "X-Backend-Fragment-Header"
	HeaderFragmentMeta  = "X-Backend-Fragment-Meta"
	HeaderETag          = "X-Object-Sysmeta-Ec-Etag"
	HeaderContentLength = "X-Object-Sysmeta-Ec-Content-Length"
	HeaderFragIndex     = "X-Object-Sysmeta-Ec-Frag-Index"
	HeaderTimestamp     = "X-Timestamp"
	HeaderDurable       = "X-Backend-Durable"
	HeaderBodyHash      = "X-Backend-Body-Hash"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// encodeValue serializes v into a header safe value.
func encodeValue(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", Error.Wrap(err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

func decodeValue(value string, v interface{}) error {
	data, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(json.Unmarshal(data, v))
}

// writeArchiveHeaders describes an archive in h.
func writeArchiveHeaders(h http.Header, header fragstore.Header, meta *fragstore.Meta) error {
	value, err := encodeValue(header)
	if err != nil {
		return err
	}
	h.Set(HeaderFragment, value)
	if meta != nil {
		value, err := encodeValue(meta)
		if err != nil {
			return err
		}
		h.Set(HeaderFragmentMeta, value)
	}

	h.Set(HeaderETag, header.ETag)
	h.Set(HeaderContentLength, strconv.FormatInt(header.ContentLength, 10))
	h.Set(HeaderFragIndex, strconv.Itoa(header.FragmentIndex))
	h.Set(HeaderTimestamp, header.Timestamp.String())
	h.Set(HeaderDurable, strconv.FormatBool(header.Durable))
	h.Set(HeaderBodyHash, header.BodyHash)
	for key, value := range fragstore.EffectiveMetadata(header, meta) {
		h.Set(key, value)
	}
	return nil
}

// readArchiveHeaders parses the description of an archive from h.
func readArchiveHeaders(h http.Header) (header fragstore.Header, meta *fragstore.Meta, err error) {
	value := h.Get(HeaderFragment)
	if value == "" {
		return header, nil, Error.New("missing %s", HeaderFragment)
	}
	if err := decodeValue(value, &header); err != nil {
		return header, nil, err
	}
	if value := h.Get(HeaderFragmentMeta); value != "" {
		meta = new(fragstore.Meta)
		if err := decodeValue(value, meta); err != nil {
			return header, nil, err
		}
	}
	return header, meta, nil
}

func parseUint(value string) uint64 {
	v, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
