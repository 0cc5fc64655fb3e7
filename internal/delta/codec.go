package delta

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/kr/binarydist"

	"github.com/velopack/velopack-sub005/internal/bytediff"
)

// Codec produces and replays a byte-level patch between two versions of one
// file. The codec name is recorded in the package header so the apply side
// picks the same implementation.
type Codec interface {
	Name() string
	Diff(old, new []byte) ([]byte, error)
	Patch(old, patch []byte) ([]byte, error)
}

const (
	CodecNative = "native"
	CodecZstd   = "zstd"
	CodecBsdiff = "bsdiff"
)

// DefaultCodec is the in-process copy/insert codec.
func DefaultCodec() Codec { return NativeCodec{} }

// CodecByName returns the codec registered under name. Empty means native.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", CodecNative:
		return NativeCodec{}, nil
	case CodecZstd:
		return ZstdCodec{}, nil
	case CodecBsdiff:
		return BsdiffCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// NativeCodec wraps the bytediff block-matching codec.
type NativeCodec struct{}

func (NativeCodec) Name() string { return CodecNative }

func (NativeCodec) Diff(old, new []byte) ([]byte, error) {
	return bytediff.Encode(bytediff.Diff(old, new)), nil
}

func (NativeCodec) Patch(old, patch []byte) ([]byte, error) {
	p, err := bytediff.Decode(patch)
	if err != nil {
		return nil, err
	}
	return bytediff.Apply(old, p)
}

// ZstdCodec compresses the new file using the old file as a raw zstd
// dictionary. Level 0 means the library default.
type ZstdCodec struct {
	Level int
}

// zstdDictID tags frames that depend on the old file. Zero would mean
// "no dictionary" in the frame header.
const zstdDictID = 1

// Files shorter than this are compressed without a dictionary; the decoder
// makes the same choice from len(old).
const zstdMinDict = 8

func (ZstdCodec) Name() string { return CodecZstd }

func (c ZstdCodec) Diff(old, new []byte) ([]byte, error) {
	opts := []zstd.EOption{
		zstd.WithEncoderConcurrency(1),
		zstd.WithWindowSize(zstdWindow(len(old) + len(new))),
	}
	if c.Level != 0 {
		opts = append(opts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(c.Level)))
	}
	if len(old) >= zstdMinDict {
		opts = append(opts, zstd.WithEncoderDictRaw(zstdDictID, old))
	}
	enc, err := zstd.NewWriter(nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(new, nil), nil
}

func (ZstdCodec) Patch(old, patch []byte) ([]byte, error) {
	opts := []zstd.DOption{
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxWindow(uint64(zstd.MaxWindowSize)),
	}
	if len(old) >= zstdMinDict {
		opts = append(opts, zstd.WithDecoderDictRaw(zstdDictID, old))
	}
	dec, err := zstd.NewReader(nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(patch, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %v", ErrPatchFailed, err)
	}
	return out, nil
}

// zstdWindow returns the smallest power of two window covering n bytes,
// clamped to the sizes zstd accepts.
func zstdWindow(n int) int {
	w := zstd.MinWindowSize
	for w < n && w < zstd.MaxWindowSize {
		w <<= 1
	}
	return w
}

// BsdiffCodec is the classic bsdiff algorithm. Slow to build, small patches
// on executables.
type BsdiffCodec struct{}

func (BsdiffCodec) Name() string { return CodecBsdiff }

func (BsdiffCodec) Diff(old, new []byte) ([]byte, error) {
	var patch bytes.Buffer
	if err := binarydist.Diff(bytes.NewReader(old), bytes.NewReader(new), &patch); err != nil {
		return nil, fmt.Errorf("bsdiff: %w", err)
	}
	return patch.Bytes(), nil
}

func (BsdiffCodec) Patch(old, patch []byte) ([]byte, error) {
	var out bytes.Buffer
	if err := binarydist.Patch(bytes.NewReader(old), &out, bytes.NewReader(patch)); err != nil {
		return nil, fmt.Errorf("%w: bsdiff: %v", ErrPatchFailed, err)
	}
	return out.Bytes(), nil
}
