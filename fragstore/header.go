// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package fragstore

import (
	"encoding/binary"
	"io"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

const (
	// HeaderReservedArea is the space reserved at the beginning of every
	// fragment archive. The serialized header is written into it once the
	// body is complete; the rest of the area stays zero.
	HeaderReservedArea = 4096

	// headerFramingSize is the size of the length prefix of the serialized
	// header inside the reserved area.
	headerFramingSize = 2

	// HeaderVersion is the current header format.
	HeaderVersion = 1

	// MetaPrefix is the prefix of user metadata keys.
	MetaPrefix = "x-object-meta-"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Header describes a fragment archive.
type Header struct {
	Version       int               `json:"version"`
	Object        string            `json:"object"`
	PolicyIndex   int               `json:"policy"`
	Partition     uint32            `json:"partition"`
	FragmentIndex int               `json:"frag_index"`
	Timestamp     Timestamp         `json:"timestamp"`
	ETag          string            `json:"etag"`
	ContentLength int64             `json:"content_length"`
	FragmentSize  int64             `json:"fragment_size"`
	BodyHash      string            `json:"body_hash"`
	Durable       bool              `json:"durable"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Meta is a metadata update applied to an object after it was written.
// It replaces the user metadata of the archive when its timestamp is newer.
type Meta struct {
	Object    string            `json:"object"`
	Timestamp Timestamp         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata"`
}

// EffectiveMetadata returns the user metadata visible for an archive,
// taking a newer metadata update into account.
func EffectiveMetadata(header Header, meta *Meta) map[string]string {
	source := header.Metadata
	if meta != nil && meta.Timestamp > header.Timestamp {
		source = meta.Metadata
	}
	result := make(map[string]string, len(source))
	for key, value := range source {
		result[key] = value
	}
	return result
}

// NormalizeMetadata lowercases keys and drops everything that isn't user
// metadata.
func NormalizeMetadata(metadata map[string]string) map[string]string {
	result := make(map[string]string, len(metadata))
	for key, value := range metadata {
		key = strings.ToLower(key)
		if !strings.HasPrefix(key, MetaPrefix) {
			continue
		}
		result[key] = value
	}
	return result
}

// MatchesArchive reports whether two headers describe fragments of the same
// object write.
func (header Header) MatchesArchive(other Header) bool {
	return header.Object == other.Object &&
		header.Timestamp == other.Timestamp &&
		header.ETag == other.ETag &&
		header.ContentLength == other.ContentLength
}

func marshalHeader(header Header) ([]byte, error) {
	data, err := json.Marshal(header)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if len(data)+headerFramingSize > HeaderReservedArea {
		return nil, Error.New("serialized header too large: %d bytes", len(data))
	}
	area := make([]byte, headerFramingSize+len(data))
	binary.BigEndian.PutUint16(area, uint16(len(data)))
	copy(area[headerFramingSize:], data)
	return area, nil
}

func readHeader(r io.ReaderAt) (Header, error) {
	area := make([]byte, HeaderReservedArea)
	if _, err := r.ReadAt(area, 0); err != nil {
		return Header{}, ErrCorrupt.New("reading header: %v", err)
	}
	size := int(binary.BigEndian.Uint16(area))
	if size == 0 || size > HeaderReservedArea-headerFramingSize {
		return Header{}, ErrCorrupt.New("invalid header size %d", size)
	}
	var header Header
	if err := json.Unmarshal(area[headerFramingSize:headerFramingSize+size], &header); err != nil {
		return Header{}, ErrCorrupt.New("decoding header: %v", err)
	}
	if header.Version != HeaderVersion {
		return Header{}, ErrCorrupt.New("unsupported header version %d", header.Version)
	}
	return header, nil
}
