package bytediff

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
)

func randomBytes(r *rand.Rand, n int) []byte {
	b := make([]byte, n)
	r.Read(b)
	return b
}

func mutate(r *rand.Rand, src []byte) []byte {
	out := append([]byte(nil), src...)
	for i := 0; i < 20 && len(out) > 0; i++ {
		pos := r.Intn(len(out))
		switch r.Intn(3) {
		case 0:
			out[pos] ^= 0xFF
		case 1:
			ins := randomBytes(r, 1+r.Intn(64))
			out = append(out[:pos], append(ins, out[pos:]...)...)
		case 2:
			end := min(len(out), pos+1+r.Intn(64))
			out = append(out[:pos], out[end:]...)
		}
	}
	return out
}

func TestRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	base := randomBytes(r, 64*1024)

	tests := []struct {
		name string
		old  []byte
		new  []byte
	}{
		{"both empty", nil, nil},
		{"empty old", nil, []byte("hello world, this is new content")},
		{"empty new", []byte("some old content here"), nil},
		{"short buffers", []byte("abc"), []byte("abd")},
		{"identical", base, base},
		{"prefix added", base, append([]byte("PREFIX--"), base...)},
		{"suffix added", base, append(append([]byte(nil), base...), []byte("--SUFFIX")...)},
		{"mutated", base, mutate(r, base)},
		{"unrelated", base, randomBytes(r, 4096)},
		{"repetitive", bytes.Repeat([]byte("abcdefgh"), 512), bytes.Repeat([]byte("abcdefghX"), 400)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Diff(tt.old, tt.new)
			got, err := Apply(tt.old, p)
			if err != nil {
				t.Fatalf("Apply: %v", err)
			}
			if !bytes.Equal(got, tt.new) {
				t.Fatalf("reconstructed %d bytes, want %d bytes", len(got), len(tt.new))
			}

			decoded, err := Decode(Encode(p))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			got, err = Apply(tt.old, decoded)
			if err != nil {
				t.Fatalf("Apply decoded: %v", err)
			}
			if !bytes.Equal(got, tt.new) {
				t.Fatal("decoded patch reconstructs different bytes")
			}
		})
	}
}

func TestRoundTripRandomPairs(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		old := randomBytes(r, r.Intn(2048))
		new := mutate(r, old)
		got, err := Apply(old, Diff(old, new))
		if err != nil {
			t.Fatalf("pair %d: %v", i, err)
		}
		if !bytes.Equal(got, new) {
			t.Fatalf("pair %d: mismatch", i)
		}
	}
}

func TestDiffIsCompactForSimilarInput(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	old := randomBytes(r, 256*1024)
	new := append([]byte(nil), old...)
	copy(new[1000:], []byte("changed region"))

	p := Diff(old, new)
	enc := Encode(p)
	if len(enc) > 256 {
		t.Fatalf("encoded patch is %d bytes, expected a small patch", len(enc))
	}
	if p.InsertedBytes() > 64 {
		t.Fatalf("inserted %d bytes, expected only the changed region", p.InsertedBytes())
	}
}

func TestDiffDeterministic(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	old := randomBytes(r, 8192)
	new := mutate(r, old)
	a := Encode(Diff(old, new))
	b := Encode(Diff(old, new))
	if !bytes.Equal(a, b) {
		t.Fatal("Diff output differs between runs")
	}
}

func TestDiffPrefersEarliestOffset(t *testing.T) {
	block := []byte("abcdefgh")
	old := append(append([]byte(nil), block...), block...)
	p := Diff(old, block)
	if len(p.Ops) != 1 {
		t.Fatalf("got %d ops, want 1", len(p.Ops))
	}
	if op := p.Ops[0]; op.Kind != OpCopy || op.Offset != 0 || op.Length != 8 {
		t.Fatalf("got %+v, want copy at offset 0", op)
	}
}

func TestApplyRejectsOutOfBounds(t *testing.T) {
	old := []byte("0123456789")
	tests := []struct {
		name string
		p    *Patch
	}{
		{"nil", nil},
		{"copy past end", &Patch{NewSize: 5, Ops: []Op{{Kind: OpCopy, Offset: 8, Length: 5}}}},
		{"negative offset", &Patch{NewSize: 2, Ops: []Op{{Kind: OpCopy, Offset: -1, Length: 2}}}},
		{"zero length copy", &Patch{NewSize: 0, Ops: []Op{{Kind: OpCopy, Offset: 0, Length: 0}}}},
		{"size too small", &Patch{NewSize: 3, Ops: []Op{{Kind: OpCopy, Offset: 0, Length: 5}}}},
		{"size too large", &Patch{NewSize: 20, Ops: []Op{{Kind: OpCopy, Offset: 0, Length: 5}}}},
		{"empty insert", &Patch{NewSize: 0, Ops: []Op{{Kind: OpInsert}}}},
		{"unknown op", &Patch{NewSize: 1, Ops: []Op{{Kind: 9, Length: 1}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Apply(old, tt.p)
			if !errors.Is(err, ErrMalformedPatch) {
				t.Fatalf("got %v, want ErrMalformedPatch", err)
			}
		})
	}
}

func TestApplyAgainstShorterBase(t *testing.T) {
	r := rand.New(rand.NewSource(9))
	old := randomBytes(r, 4096)
	new := mutate(r, old)
	p := Diff(old, new)
	if _, err := Apply(old[:100], p); !errors.Is(err, ErrMalformedPatch) {
		t.Fatalf("got %v, want ErrMalformedPatch", err)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	enc := Encode(Diff([]byte("the quick brown fox jumps"), []byte("the quick brown cat jumps")))
	tests := map[string][]byte{
		"empty":      {},
		"truncated":  enc[:len(enc)-1],
		"trailing":   append(append([]byte(nil), enc...), 0),
		"bad kind":   {4, 1, 7, 1, 1},
		"huge count": {1, 0xFF, 0xFF, 0xFF, 0x0F},
	}
	for name, b := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Decode(b); !errors.Is(err, ErrMalformedPatch) {
				t.Fatalf("got %v, want ErrMalformedPatch", err)
			}
		})
	}
}
