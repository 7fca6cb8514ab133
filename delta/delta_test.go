// delta/delta_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package delta

import (
	"bytes"
	"errors"
	"math/rand"
	"os"
	"testing"

	"github.com/mmp/rbk/record"
)

func TestSplitCorrectAndDistribution(t *testing.T) {
	seed := int64(os.Getpid())
	rng := rand.New(rand.NewSource(seed))
	t.Logf("Seed %d", seed)

	const sz = 4 * 1024 * 1024
	b := make([]byte, sz+rng.Intn(sz))
	rng.Read(b)

	for sb := 10; sb <= 16; sb++ {
		s, err := NewSplitter(uint(sb))
		if err != nil {
			t.Fatal(err)
		}
		var sliced, buf []byte
		reader := bytes.NewReader(b)
		numSlices := 0
		for {
			buf, err = s.Next(reader, buf)
			if err != nil {
				t.Fatal(err)
			}
			if len(buf) == 0 {
				break
			}
			numSlices++
			sliced = append(sliced, buf...)
		}

		if !bytes.Equal(b, sliced) {
			t.Fatalf("Contents don't match.")
		}

		expectedSlices := len(b) >> uint(sb)
		if numSlices < expectedSlices/2 || numSlices > expectedSlices*3/2 {
			t.Errorf("Got %d slices for %d bits; expected ~%d", numSlices, sb, expectedSlices)
		}
	}
}

func TestSplitterBits(t *testing.T) {
	if _, err := NewSplitter(7); err == nil {
		t.Errorf("expected error for 7 bits")
	}
	if _, err := NewSplitter(19); err == nil {
		t.Errorf("expected error for 19 bits")
	}
}

func roundTrip(t *testing.T, basis, target []byte, splitBits uint) []byte {
	var sig bytes.Buffer
	if err := WriteSignature(bytes.NewReader(basis), &sig, splitBits); err != nil {
		t.Fatal(err)
	}
	var d bytes.Buffer
	hash, err := Delta(&sig, bytes.NewReader(target), &d)
	if err != nil {
		t.Fatal(err)
	}
	if expected, _ := record.HashReader(bytes.NewReader(target)); hash != expected {
		t.Errorf("delta hash %s, expected %s", hash, expected)
	}
	delta := append([]byte(nil), d.Bytes()...)

	var out bytes.Buffer
	if err := Patch(bytes.NewReader(basis), &d, &out); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out.Bytes(), target) {
		t.Fatalf("patched result doesn't match: %d bytes vs %d expected", out.Len(), len(target))
	}
	return delta
}

func TestDeltaRoundTrip(t *testing.T) {
	seed := int64(os.Getpid())
	rng := rand.New(rand.NewSource(seed))
	t.Logf("Seed %d", seed)

	for iter := 0; iter < 20; iter++ {
		basis := make([]byte, rng.Intn(256*1024))
		rng.Read(basis)
		target := append([]byte(nil), basis...)
		for i := 0; i < rng.Intn(10) && len(target) > 2; i++ {
			offset := rng.Intn(len(target) - 1)
			switch rng.Intn(3) {
			case 0:
				target[offset]++
			case 1:
				ins := make([]byte, 1+rng.Intn(5000))
				rng.Read(ins)
				target = append(target[:offset], append(ins, target[offset:]...)...)
			case 2:
				end := min(len(target), offset+rng.Intn(5000))
				target = append(target[:offset], target[end:]...)
			}
		}
		roundTrip(t, basis, target, uint(MinSplitBits+rng.Intn(MaxSplitBits-MinSplitBits)))
	}
}

func TestDeltaEdgeCases(t *testing.T) {
	roundTrip(t, nil, nil, DefaultSplitBits)
	roundTrip(t, nil, []byte("hello"), DefaultSplitBits)
	roundTrip(t, []byte("hello"), nil, DefaultSplitBits)
	roundTrip(t, []byte("hello"), []byte("hello"), DefaultSplitBits)
}

// A small edit in the middle of a large file gives a delta that is
// mostly copies.
func TestDeltaSmallChange(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	basis := make([]byte, 2*1024*1024)
	rng.Read(basis)
	target := append([]byte(nil), basis...)
	target[len(target)/2] ^= 0xff

	d := roundTrip(t, basis, target, DefaultSplitBits)
	if len(d) > 64*1024 {
		t.Errorf("delta of %d bytes for a 1-byte change", len(d))
	}
}

func TestPatchErrors(t *testing.T) {
	var out bytes.Buffer
	if err := Patch(bytes.NewReader(nil), bytes.NewReader([]byte("garbage")), &out); !errors.Is(err, ErrBadMagic) {
		t.Errorf("expected ErrBadMagic, got %v", err)
	}

	truncated := []byte(deltaMagic + string([]byte{opLiteral, 10, 'a'}))
	if err := Patch(bytes.NewReader(nil), bytes.NewReader(truncated), &out); !errors.Is(err, ErrCorrupt) {
		t.Errorf("expected ErrCorrupt, got %v", err)
	}

	pastEnd := []byte(deltaMagic + string([]byte{opCopy, 0, 10, opEnd}))
	if err := Patch(bytes.NewReader([]byte("abc")), bytes.NewReader(pastEnd), &out); !errors.Is(err, ErrCorrupt) {
		t.Errorf("expected ErrCorrupt, got %v", err)
	}

	if _, err := ReadSignature(bytes.NewReader([]byte("nope!"))); !errors.Is(err, ErrBadMagic) {
		t.Errorf("expected ErrBadMagic, got %v", err)
	}
}
