// Package bytediff computes and applies copy/insert patches between two byte
// buffers. It is the default in-process codec behind delta packages.
package bytediff

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
)

// ErrMalformedPatch is returned when a patch cannot be applied to the given
// base or cannot be decoded.
var ErrMalformedPatch = errors.New("bytediff: malformed patch")

// OpKind identifies a patch operation.
type OpKind uint8

const (
	// OpCopy copies Length bytes starting at Offset in the old buffer.
	OpCopy OpKind = 1
	// OpInsert appends Data verbatim.
	OpInsert OpKind = 2
)

func (k OpKind) String() string {
	switch k {
	case OpCopy:
		return "copy"
	case OpInsert:
		return "insert"
	default:
		return fmt.Sprintf("op(%d)", uint8(k))
	}
}

// Op is a single patch instruction.
type Op struct {
	Kind   OpKind
	Offset int64
	Length int64
	Data   []byte
}

// Patch reconstructs a buffer of NewSize bytes from an old buffer.
type Patch struct {
	NewSize int64
	Ops     []Op
}

// CopiedBytes returns how many output bytes come from the old buffer.
func (p *Patch) CopiedBytes() int64 {
	var n int64
	for _, op := range p.Ops {
		if op.Kind == OpCopy {
			n += op.Length
		}
	}
	return n
}

// InsertedBytes returns how many output bytes are carried literally.
func (p *Patch) InsertedBytes() int64 {
	var n int64
	for _, op := range p.Ops {
		if op.Kind == OpInsert {
			n += int64(len(op.Data))
		}
	}
	return n
}

const (
	// blockSize is the match granularity. Matches shorter than this are
	// emitted as literals.
	blockSize = 8
	// maxCandidates bounds how many earlier positions are compared per probe.
	maxCandidates = 64
)

// Diff returns a patch that turns old into new. Output is deterministic:
// at each position the longest match in old wins, and among equally long
// matches the one with the lowest offset is used.
func Diff(old, new []byte) *Patch {
	p := &Patch{NewSize: int64(len(new))}
	if len(new) == 0 {
		return p
	}
	if len(old) < blockSize || len(new) < blockSize {
		p.insert(new)
		return p
	}

	idx := newIndex(old)
	literalStart := 0
	i := 0
	for i+blockSize <= len(new) {
		off, n := idx.longestMatch(old, new, i)
		if n < blockSize {
			i++
			continue
		}
		if literalStart < i {
			p.insert(new[literalStart:i])
		}
		p.copy(int64(off), int64(n))
		i += n
		literalStart = i
	}
	if literalStart < len(new) {
		p.insert(new[literalStart:])
	}
	return p
}

func (p *Patch) insert(b []byte) {
	data := make([]byte, len(b))
	copy(data, b)
	p.Ops = append(p.Ops, Op{Kind: OpInsert, Data: data})
}

func (p *Patch) copy(off, n int64) {
	if last := len(p.Ops) - 1; last >= 0 {
		prev := &p.Ops[last]
		if prev.Kind == OpCopy && prev.Offset+prev.Length == off {
			prev.Length += n
			return
		}
	}
	p.Ops = append(p.Ops, Op{Kind: OpCopy, Offset: off, Length: n})
}

// Apply replays p against old. All operations are validated against old's
// bounds and the declared size before any byte is copied.
func Apply(old []byte, p *Patch) ([]byte, error) {
	if p == nil || p.NewSize < 0 {
		return nil, ErrMalformedPatch
	}
	oldLen := int64(len(old))
	var total int64
	for i, op := range p.Ops {
		var n int64
		switch op.Kind {
		case OpCopy:
			if op.Offset < 0 || op.Length <= 0 || op.Offset > oldLen || op.Length > oldLen-op.Offset {
				return nil, fmt.Errorf("%w: op %d copies [%d,+%d) from %d-byte base", ErrMalformedPatch, i, op.Offset, op.Length, oldLen)
			}
			n = op.Length
		case OpInsert:
			if len(op.Data) == 0 {
				return nil, fmt.Errorf("%w: op %d is an empty insert", ErrMalformedPatch, i)
			}
			n = int64(len(op.Data))
		default:
			return nil, fmt.Errorf("%w: op %d has unknown kind %d", ErrMalformedPatch, i, op.Kind)
		}
		if n > p.NewSize-total {
			return nil, fmt.Errorf("%w: output exceeds declared size %d", ErrMalformedPatch, p.NewSize)
		}
		total += n
	}
	if total != p.NewSize {
		return nil, fmt.Errorf("%w: output is %d bytes, declared %d", ErrMalformedPatch, total, p.NewSize)
	}

	out := make([]byte, 0, p.NewSize)
	for _, op := range p.Ops {
		if op.Kind == OpCopy {
			out = append(out, old[op.Offset:op.Offset+op.Length]...)
		} else {
			out = append(out, op.Data...)
		}
	}
	return out, nil
}

// index maps block hashes of old to the positions where they occur. Chains
// are built back to front so walking one visits offsets in ascending order.
type index struct {
	shift uint
	head  []int
	next  []int
}

func newIndex(old []byte) *index {
	positions := len(old) - blockSize + 1
	hashBits := bits.Len(uint(positions))
	if hashBits < 10 {
		hashBits = 10
	}
	if hashBits > 20 {
		hashBits = 20
	}
	idx := &index{
		shift: uint(64 - hashBits),
		head:  make([]int, 1<<hashBits),
		next:  make([]int, positions),
	}
	for i := range idx.head {
		idx.head[i] = -1
	}
	for j := positions - 1; j >= 0; j-- {
		h := idx.hash(old[j:])
		idx.next[j] = idx.head[h]
		idx.head[h] = j
	}
	return idx
}

func (idx *index) hash(b []byte) uint64 {
	return (binary.LittleEndian.Uint64(b) * 0x9E3779B97F4A7C15) >> idx.shift
}

func (idx *index) longestMatch(old, new []byte, at int) (off, n int) {
	tries := 0
	for j := idx.head[idx.hash(new[at:])]; j >= 0 && tries < maxCandidates; j = idx.next[j] {
		tries++
		if l := matchLen(old[j:], new[at:]); l > n {
			off, n = j, l
			if at+n == len(new) {
				break
			}
		}
	}
	return off, n
}

func matchLen(a, b []byte) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}
