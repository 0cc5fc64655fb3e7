package bytediff

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Encode serializes p as: uvarint new size, uvarint op count, then per op a
// kind byte followed by uvarint offset and length (copy) or uvarint length
// and the literal bytes (insert).
func Encode(p *Patch) []byte {
	var buf bytes.Buffer
	var tmp [binary.MaxVarintLen64]byte
	putUvarint := func(v uint64) {
		n := binary.PutUvarint(tmp[:], v)
		buf.Write(tmp[:n])
	}

	putUvarint(uint64(p.NewSize))
	putUvarint(uint64(len(p.Ops)))
	for _, op := range p.Ops {
		buf.WriteByte(byte(op.Kind))
		switch op.Kind {
		case OpCopy:
			putUvarint(uint64(op.Offset))
			putUvarint(uint64(op.Length))
		case OpInsert:
			putUvarint(uint64(len(op.Data)))
			buf.Write(op.Data)
		}
	}
	return buf.Bytes()
}

// Decode parses a patch produced by Encode. It does not check the patch
// against any base; Apply does that.
func Decode(b []byte) (*Patch, error) {
	r := bytes.NewReader(b)
	size, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("%w: read size: %v", ErrMalformedPatch, err)
	}
	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("%w: read op count: %v", ErrMalformedPatch, err)
	}
	// Every op takes at least two bytes on the wire.
	if count > uint64(r.Len())/2 || size > 1<<62 {
		return nil, fmt.Errorf("%w: header out of range", ErrMalformedPatch)
	}

	p := &Patch{NewSize: int64(size), Ops: make([]Op, 0, count)}
	for i := uint64(0); i < count; i++ {
		kind, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: op %d: %v", ErrMalformedPatch, i, err)
		}
		switch OpKind(kind) {
		case OpCopy:
			off, err1 := binary.ReadUvarint(r)
			n, err2 := binary.ReadUvarint(r)
			if err1 != nil || err2 != nil || off > 1<<62 || n > 1<<62 {
				return nil, fmt.Errorf("%w: op %d: bad copy operands", ErrMalformedPatch, i)
			}
			p.Ops = append(p.Ops, Op{Kind: OpCopy, Offset: int64(off), Length: int64(n)})
		case OpInsert:
			n, err := binary.ReadUvarint(r)
			if err != nil || n > uint64(r.Len()) {
				return nil, fmt.Errorf("%w: op %d: bad insert length", ErrMalformedPatch, i)
			}
			data := make([]byte, n)
			if _, err := io.ReadFull(r, data); err != nil {
				return nil, fmt.Errorf("%w: op %d: %v", ErrMalformedPatch, i, err)
			}
			p.Ops = append(p.Ops, Op{Kind: OpInsert, Data: data})
		default:
			return nil, fmt.Errorf("%w: op %d has unknown kind %d", ErrMalformedPatch, i, kind)
		}
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedPatch, r.Len())
	}
	return p, nil
}
