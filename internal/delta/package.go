// Package delta builds and applies delta packages: the per-file differences
// between two application trees, in a single binary container.
package delta

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

var (
	// ErrBaseMismatch means the tree on disk is not the tree the package was
	// built against. Nothing has been modified when it is returned.
	ErrBaseMismatch = errors.New("delta: base tree does not match package")
	// ErrPatchFailed means reconstruction produced content whose hash does
	// not match the package, or a codec rejected its input.
	ErrPatchFailed = errors.New("delta: patch application failed")
	// ErrFormat means the container could not be parsed.
	ErrFormat = errors.New("delta: invalid package format")
	// ErrUnknownCodec means the header names a codec this build lacks.
	ErrUnknownCodec = errors.New("delta: unknown codec")
)

const (
	magic         = "VDLT"
	formatVersion = 1

	maxStringLen = 4096
)

// Op is a per-file instruction.
type Op uint8

const (
	// OpAdd creates a file that exists only in the target.
	OpAdd Op = 1
	// OpDelete removes a file that exists only in the base.
	OpDelete Op = 2
	// OpReplace overwrites a file with literal content.
	OpReplace Op = 3
	// OpDiff rebuilds a file from its base version and a codec patch.
	OpDiff Op = 4
)

func (o Op) String() string {
	switch o {
	case OpAdd:
		return "add"
	case OpDelete:
		return "delete"
	case OpReplace:
		return "replace"
	case OpDiff:
		return "diff"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Entry is one file instruction. Data holds literal content for add and
// replace, and the codec patch for diff.
type Entry struct {
	Op      Op
	Path    string
	Mode    fs.FileMode
	OldHash string
	NewHash string
	Data    []byte
}

// Package is a decoded delta container.
type Package struct {
	Codec       string
	FromVersion string
	ToVersion   string
	BaseHash    string
	TargetHash  string
	Entries     []Entry
}

// WriteTo encodes the package. Layout: magic, uint16 format version, codec,
// from version, to version, base hash, target hash, uvarint entry count, then
// entries. Strings and byte fields are uvarint length prefixed.
func (p *Package) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: bufio.NewWriter(w)}
	cw.write([]byte(magic))
	var ver [2]byte
	binary.BigEndian.PutUint16(ver[:], formatVersion)
	cw.write(ver[:])
	for _, s := range []string{p.Codec, p.FromVersion, p.ToVersion, p.BaseHash, p.TargetHash} {
		cw.blob([]byte(s))
	}
	cw.uvarint(uint64(len(p.Entries)))
	for _, e := range p.Entries {
		cw.write([]byte{byte(e.Op)})
		cw.blob([]byte(e.Path))
		cw.uvarint(uint64(e.Mode.Perm()))
		switch e.Op {
		case OpDiff:
			cw.blob([]byte(e.OldHash))
			cw.blob([]byte(e.NewHash))
			cw.blob(e.Data)
		case OpAdd, OpReplace:
			cw.blob([]byte(e.NewHash))
			cw.blob(e.Data)
		}
	}
	if cw.err == nil {
		cw.err = cw.w.(*bufio.Writer).Flush()
	}
	return cw.n, cw.err
}

// WriteFile encodes the package to path.
func (p *Package) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create delta package: %w", err)
	}
	if _, err := p.WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("write delta package: %w", err)
	}
	return f.Close()
}

// Read decodes a package written by WriteTo.
func Read(r io.Reader) (*Package, error) {
	br := &reader{r: bufio.NewReader(r)}
	head := make([]byte, len(magic)+2)
	if _, err := io.ReadFull(br.r, head); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrFormat, err)
	}
	if string(head[:len(magic)]) != magic {
		return nil, fmt.Errorf("%w: bad magic", ErrFormat)
	}
	if v := binary.BigEndian.Uint16(head[len(magic):]); v != formatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrFormat, v)
	}

	p := &Package{
		Codec:       br.str(),
		FromVersion: br.str(),
		ToVersion:   br.str(),
		BaseHash:    br.str(),
		TargetHash:  br.str(),
	}
	count := br.uvarint()
	for i := uint64(0); i < count && br.err == nil; i++ {
		var e Entry
		e.Op = Op(br.readByte())
		e.Path = br.str()
		e.Mode = fs.FileMode(br.uvarint()).Perm()
		switch e.Op {
		case OpDiff:
			e.OldHash = br.str()
			e.NewHash = br.str()
			e.Data = br.data()
		case OpAdd, OpReplace:
			e.NewHash = br.str()
			e.Data = br.data()
		case OpDelete:
		default:
			if br.err == nil {
				br.err = fmt.Errorf("entry %d has unknown op %d", i, e.Op)
			}
		}
		if br.err == nil && !fs.ValidPath(e.Path) {
			br.err = fmt.Errorf("entry %d has invalid path %q", i, e.Path)
		}
		p.Entries = append(p.Entries, e)
	}
	if br.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, br.err)
	}
	return p, nil
}

// ReadFile decodes the package at path.
func ReadFile(path string) (*Package, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (c *countingWriter) write(b []byte) {
	if c.err != nil {
		return
	}
	n, err := c.w.Write(b)
	c.n += int64(n)
	c.err = err
}

func (c *countingWriter) uvarint(v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	c.write(tmp[:binary.PutUvarint(tmp[:], v)])
}

func (c *countingWriter) blob(b []byte) {
	c.uvarint(uint64(len(b)))
	c.write(b)
}

type reader struct {
	r   *bufio.Reader
	err error
}

func (r *reader) readByte() byte {
	if r.err != nil {
		return 0
	}
	b, err := r.r.ReadByte()
	r.err = err
	return b
}

func (r *reader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, err := binary.ReadUvarint(r.r)
	r.err = err
	return v
}

func (r *reader) str() string {
	n := r.uvarint()
	if r.err != nil {
		return ""
	}
	if n > maxStringLen {
		r.err = fmt.Errorf("string length %d too large", n)
		return ""
	}
	b := make([]byte, n)
	_, r.err = io.ReadFull(r.r, b)
	return string(b)
}

// data reads a length-prefixed blob. The buffer grows as bytes arrive so a
// corrupt length cannot force a large allocation up front.
func (r *reader) data() []byte {
	n := r.uvarint()
	if r.err != nil {
		return nil
	}
	var buf bytes.Buffer
	copied, err := io.CopyN(&buf, r.r, int64(n))
	if err != nil || uint64(copied) != n {
		if err == nil || err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		r.err = err
		return nil
	}
	return buf.Bytes()
}
