// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package erasure

import (
	"bytes"
	"context"
	"io"

	"storj.io/reconstructor/ring"
)

// Codec encodes objects segment by segment. Every segment of SegmentSize
// bytes (the last one may be shorter) is padded to a multiple of k and split
// into n shares; fragment archive i is the concatenation of share i of every
// segment.
type Codec struct {
	scheme      Scheme
	segmentSize int64
}

// NewCodec returns a codec for the scheme and segment size.
func NewCodec(scheme Scheme, segmentSize int64) (*Codec, error) {
	if segmentSize <= 0 {
		return nil, Error.New("invalid segment size %d", segmentSize)
	}
	return &Codec{scheme: scheme, segmentSize: segmentSize}, nil
}

// CodecForPolicy returns the codec for a ring policy.
func CodecForPolicy(policy ring.Policy) (*Codec, error) {
	scheme, err := SchemeForPolicy(policy)
	if err != nil {
		return nil, err
	}
	return NewCodec(scheme, policy.SegmentSize)
}

// Scheme returns the underlying scheme.
func (codec *Codec) Scheme() Scheme { return codec.scheme }

// RequiredCount returns k.
func (codec *Codec) RequiredCount() int { return codec.scheme.RequiredCount() }

// TotalCount returns n.
func (codec *Codec) TotalCount() int { return codec.scheme.TotalCount() }

// segments calls fn with the plain and share size of every segment of an
// object with contentLength bytes.
func (codec *Codec) segments(contentLength int64, fn func(plain, share int64) error) error {
	required := int64(codec.scheme.RequiredCount())
	for offset := int64(0); offset < contentLength; offset += codec.segmentSize {
		plain := codec.segmentSize
		if remaining := contentLength - offset; remaining < plain {
			plain = remaining
		}
		share := (plain + required - 1) / required
		if err := fn(plain, share); err != nil {
			return err
		}
	}
	return nil
}

// FragmentSize returns the size of every fragment archive body of an object
// with contentLength bytes.
func (codec *Codec) FragmentSize(contentLength int64) int64 {
	var total int64
	_ = codec.segments(contentLength, func(_, share int64) error {
		total += share
		return nil
	})
	return total
}

// Encode reads contentLength bytes from r and writes fragment i to outputs[i].
func (codec *Codec) Encode(ctx context.Context, r io.Reader, contentLength int64, outputs []io.Writer) (err error) {
	defer mon.Task()(&ctx)(&err)
	if len(outputs) != codec.scheme.TotalCount() {
		return Error.New("expected %d outputs, got %d", codec.scheme.TotalCount(), len(outputs))
	}

	required := int64(codec.scheme.RequiredCount())
	return codec.segments(contentLength, func(plain, share int64) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		stripe := make([]byte, share*required)
		if _, err := io.ReadFull(r, stripe[:plain]); err != nil {
			return Error.New("reading segment: %w", err)
		}
		shares, err := codec.scheme.Encode(stripe)
		if err != nil {
			return err
		}
		for num, data := range shares {
			if _, err := outputs[num].Write(data); err != nil {
				return Error.Wrap(err)
			}
		}
		return nil
	})
}

// EncodeBytes encodes data in memory and returns the fragment bodies.
func (codec *Codec) EncodeBytes(ctx context.Context, data []byte) ([][]byte, error) {
	buffers := make([]bytes.Buffer, codec.scheme.TotalCount())
	outputs := make([]io.Writer, len(buffers))
	for i := range buffers {
		outputs[i] = &buffers[i]
	}
	if err := codec.Encode(ctx, bytes.NewReader(data), int64(len(data)), outputs); err != nil {
		return nil, err
	}
	fragments := make([][]byte, len(buffers))
	for i := range buffers {
		fragments[i] = buffers[i].Bytes()
	}
	return fragments, nil
}

// Decode reads RequiredCount fragments and writes the original contentLength
// bytes of the object to w.
func (codec *Codec) Decode(ctx context.Context, fragments map[int]io.Reader, contentLength int64, w io.Writer) (err error) {
	defer mon.Task()(&ctx)(&err)
	required := int64(codec.scheme.RequiredCount())
	return codec.stripes(ctx, fragments, contentLength, func(shares [][]byte, plain, share int64) error {
		stripe := make([]byte, 0, share*required)
		for num := 0; num < int(required); num++ {
			stripe = append(stripe, shares[num]...)
		}
		_, err := w.Write(stripe[:plain])
		return Error.Wrap(err)
	})
}

// Rebuild reads RequiredCount fragments and writes the bytes of fragment
// target to w. The output is byte-identical to what Encode produced for target.
func (codec *Codec) Rebuild(ctx context.Context, fragments map[int]io.Reader, contentLength int64, target int, w io.Writer) (err error) {
	defer mon.Task()(&ctx)(&err)
	if target < 0 || target >= codec.scheme.TotalCount() {
		return Error.New("target fragment %d out of range", target)
	}
	return codec.stripes(ctx, fragments, contentLength, func(shares [][]byte, _, _ int64) error {
		_, err := w.Write(shares[target])
		return Error.Wrap(err)
	})
}

// stripes reads one share per fragment for every segment, reconstructs the
// missing shares and calls fn with the complete set.
func (codec *Codec) stripes(ctx context.Context, fragments map[int]io.Reader, contentLength int64, fn func(shares [][]byte, plain, share int64) error) error {
	total := codec.scheme.TotalCount()
	if len(fragments) < codec.scheme.RequiredCount() {
		return ErrNotEnoughShares.New("%d available < %d required", len(fragments), codec.scheme.RequiredCount())
	}
	for num := range fragments {
		if num < 0 || num >= total {
			return Error.New("fragment %d out of range", num)
		}
	}

	return codec.segments(contentLength, func(plain, share int64) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		shares := make([][]byte, total)
		for num, r := range fragments {
			data := make([]byte, share)
			if _, err := io.ReadFull(r, data); err != nil {
				return Error.New("reading fragment %d: %w", num, err)
			}
			shares[num] = data
		}
		if err := codec.scheme.Reconstruct(shares); err != nil {
			return err
		}
		return fn(shares, plain, share)
	})
}
