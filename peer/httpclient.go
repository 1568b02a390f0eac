// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package peer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"storj.io/reconstructor/fragstore"
	"storj.io/reconstructor/ring"
)

// ClientConfig is the configuration of the HTTP peer client.
type ClientConfig struct {
	Timeout      time.Duration `help:"timeout of a single peer call" default:"10s"`
	Retries      int           `help:"number of retries of idempotent peer calls on transport errors" default:"2"`
	RetryBackoff time.Duration `help:"initial delay between retries" default:"100ms"`
}

// HTTPClient implements Client over the HTTP peer protocol.
type HTTPClient struct {
	log         *zap.Logger
	config      ClientConfig
	client      *http.Client
	ringVersion func() uint64
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a client. ringVersion returns the ring version sent
// with every request.
func NewHTTPClient(log *zap.Logger, config ClientConfig, ringVersion func() uint64) *HTTPClient {
	return &HTTPClient{
		log:    log,
		config: config,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		ringVersion: ringVersion,
	}
}

func objectURL(device ring.Device, partition ring.Partition, object string) string {
	return fmt.Sprintf("http://%s/%s/%d/%s", device.Node, url.PathEscape(device.Name), partition, escapeObject(object))
}

func escapeObject(object string) string {
	return (&url.URL{Path: object}).EscapedPath()
}

func fragmentURL(device ring.Device, ref fragstore.Ref) string {
	u := objectURL(device, ref.Partition, ref.Object)
	if ref.FragmentIndex != fragstore.AnyIndex {
		u += "?frag=" + strconv.Itoa(ref.FragmentIndex)
	}
	return u
}

// do sends a request built by build and passes a successful response to
// handle. Transport failures of idempotent calls are retried.
func (client *HTTPClient) do(ctx context.Context, idempotent bool, policy int, build func(ctx context.Context) (*http.Request, error), handle func(resp *http.Response) error) error {
	transID := uuid.NewString()
	attempt := func() error {
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if client.config.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, client.config.Timeout)
		}
		defer cancel()

		req, err := build(callCtx)
		if err != nil {
			return backoff.Permanent(Error.Wrap(err))
		}
		req.Header.Set(HeaderTransID, transID)
		req.Header.Set(HeaderPolicyIndex, strconv.Itoa(policy))
		if client.ringVersion != nil {
			req.Header.Set(HeaderRingVersion, strconv.FormatUint(client.ringVersion(), 10))
		}
		if version := ringVersionFrom(ctx); version != 0 {
			req.Header.Set(HeaderRingVersion, strconv.FormatUint(version, 10))
		}

		resp, err := client.client.Do(req)
		if err != nil {
			err = ErrPeerUnavailable.Wrap(err)
			if !idempotent || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		if err := responseError(resp); err != nil {
			return backoff.Permanent(err)
		}
		if err := handle(resp); err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	policyBackoff := backoff.NewExponentialBackOff()
	policyBackoff.InitialInterval = client.config.RetryBackoff
	policyBackoff.MaxElapsedTime = 0
	retries := client.config.Retries
	if retries < 0 || !idempotent {
		retries = 0
	}
	return backoff.RetryNotify(attempt,
		backoff.WithContext(backoff.WithMaxRetries(policyBackoff, uint64(retries)), ctx),
		func(err error, delay time.Duration) {
			client.log.Debug("retrying peer call",
				zap.String("trans_id", transID),
				zap.Duration("delay", delay),
				zap.Error(err))
		})
}

// responseError converts a non-success response to an error of the matching class.
func responseError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	message, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	detail := fmt.Sprintf("%s %s: %s %s", resp.Request.Method, resp.Request.URL.Path, resp.Status, bytes.TrimSpace(message))
	switch resp.StatusCode {
	case http.StatusNotFound:
		return ErrPeerAbsent.New("%s", detail)
	case http.StatusUnprocessableEntity:
		return ErrFragmentCorrupt.New("%s", detail)
	case http.StatusConflict:
		return ErrRingMismatch.New("%s", detail)
	default:
		return ErrPeerUnavailable.New("%s", detail)
	}
}

func responseInfo(resp *http.Response) (Info, error) {
	header, meta, err := readArchiveHeaders(resp.Header)
	if err != nil {
		return Info{}, ErrPeerUnavailable.Wrap(err)
	}
	return Info{
		Header:      header,
		Meta:        meta,
		RingVersion: parseUint(resp.Header.Get(HeaderRingVersion)),
	}, nil
}

// Head implements Client.
func (client *HTTPClient) Head(ctx context.Context, device ring.Device, ref fragstore.Ref) (info Info, err error) {
	defer mon.Task()(&ctx)(&err)
	err = client.do(ctx, true, ref.Policy, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodHead, fragmentURL(device, ref), nil)
	}, func(resp *http.Response) (err error) {
		info, err = responseInfo(resp)
		return err
	})
	return info, err
}

// Get implements Client.
func (client *HTTPClient) Get(ctx context.Context, device ring.Device, ref fragstore.Ref) (info Info, body []byte, err error) {
	defer mon.Task()(&ctx)(&err)
	err = client.do(ctx, true, ref.Policy, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, fragmentURL(device, ref), nil)
	}, func(resp *http.Response) (err error) {
		info, err = responseInfo(resp)
		if err != nil {
			return err
		}
		body, err = ReadBody(resp.Body, info.Header.FragmentSize)
		if err != nil {
			return ErrPeerUnavailable.Wrap(err)
		}
		if int64(len(body)) != info.Header.FragmentSize {
			return ErrPeerUnavailable.New("received %d bytes, expected %d", len(body), info.Header.FragmentSize)
		}
		if hash := fragstore.HashBody(body); hash != info.Header.BodyHash {
			return ErrFragmentCorrupt.New("%s: body hash %s, expected %s", device, hash, info.Header.BodyHash)
		}
		return nil
	})
	if err != nil {
		return Info{}, nil, err
	}
	return info, body, nil
}

// Put implements Client.
func (client *HTTPClient) Put(ctx context.Context, device ring.Device, ref fragstore.Ref, header fragstore.Header, body io.Reader) (committed fragstore.Header, err error) {
	defer mon.Task()(&ctx)(&err)
	err = client.do(ctx, false, ref.Policy, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, fragmentURL(device, ref), body)
		if err != nil {
			return nil, err
		}
		if header.FragmentSize > 0 {
			req.ContentLength = header.FragmentSize
		}
		return req, writeArchiveHeaders(req.Header, header, nil)
	}, func(resp *http.Response) error {
		info, err := responseInfo(resp)
		committed = info.Header
		return err
	})
	return committed, err
}

// Post implements Client.
func (client *HTTPClient) Post(ctx context.Context, device ring.Device, policy int, partition ring.Partition, meta fragstore.Meta) (err error) {
	defer mon.Task()(&ctx)(&err)
	data, err := json.Marshal(meta)
	if err != nil {
		return Error.Wrap(err)
	}
	return client.do(ctx, true, policy, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodPost, objectURL(device, partition, meta.Object), bytes.NewReader(data))
	}, func(resp *http.Response) error { return nil })
}

// List implements Client.
func (client *HTTPClient) List(ctx context.Context, device ring.Device, policy int, partition ring.Partition) (listings []Listing, err error) {
	defer mon.Task()(&ctx)(&err)
	err = client.do(ctx, true, policy, func(ctx context.Context) (*http.Request, error) {
		u := fmt.Sprintf("http://%s/%s/%d", device.Node, url.PathEscape(device.Name), partition)
		return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	}, func(resp *http.Response) error {
		listings = nil
		return ErrPeerUnavailable.Wrap(json.NewDecoder(resp.Body).Decode(&listings))
	})
	return listings, err
}
