// rdso/rdso_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package rdso

import (
	"bytes"
	"encoding/gob"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
)

// Each case is encoded, corrupted in as many shards per segment as the
// parity allows, checked, and restored.
func TestEncodeCheckRestore(t *testing.T) {
	for i, c := range []struct {
		size                       int
		nShards, nParity, hashRate int
	}{
		{1, 1, 1, 1024},
		{4096, 4, 2, 1024},        // exactly one segment
		{3*8*512 + 17, 8, 3, 512}, // partial last segment
		{1 << 20, DefaultDataShards, DefaultParityShards, DefaultHashRate},
		{300000, 3, 7, 2048}, // more parity than data
	} {
		rng := rand.New(rand.NewSource(int64(i + 1)))
		data := make([]byte, c.size)
		rng.Read(data)
		orig := dupe(data)

		var rs bytes.Buffer
		if err := Encode(bytes.NewReader(data), int64(len(data)), &rs, c.nShards, c.nParity, c.hashRate); err != nil {
			t.Fatalf("case %d: %s", i, err)
		}
		origRs := dupe(rs.Bytes())
		if err := Check(bytes.NewReader(data), bytes.NewReader(rs.Bytes()), nil); err != nil {
			t.Fatalf("case %d: initial check: %s", i, err)
		}

		dataErrors := rng.Intn(c.nParity + 1)
		corrupt(rng, data, dataErrors, c.nShards*c.hashRate)
		if err := corruptRS(rng, orig, rs.Bytes(), c.nParity-dataErrors); err != nil {
			t.Fatalf("case %d: %s", i, err)
		}

		err := Check(bytes.NewReader(data), bytes.NewReader(rs.Bytes()), nil)
		if !errors.Is(err, ErrFileCorrupt) {
			t.Fatalf("case %d: expected ErrFileCorrupt from check of corrupted data, got %v", i, err)
		}

		var restored, restoredRs bytes.Buffer
		if err := Restore(bytes.NewReader(data), bytes.NewReader(rs.Bytes()),
			int64(len(data)), &restored, &restoredRs, nil); err != nil {
			t.Fatalf("case %d: %s", i, err)
		}
		if !bytes.Equal(orig, restored.Bytes()) {
			t.Errorf("case %d: restored data doesn't match", i)
		}
		if !bytes.Equal(origRs, restoredRs.Bytes()) {
			t.Errorf("case %d: restored parity doesn't match", i)
		}
	}
}

func TestEncodeBadArguments(t *testing.T) {
	var rs bytes.Buffer
	if err := Encode(bytes.NewReader(nil), 0, &rs, 4, 2, 0); err == nil {
		t.Errorf("zero hash rate accepted")
	}
	if err := Encode(bytes.NewReader([]byte("short")), 100, &rs, 4, 2, 16); err == nil {
		t.Errorf("short input accepted")
	}
}

func dupe(b []byte) []byte {
	return append([]byte(nil), b...)
}

// corrupt changes bytes in n shards of each segment of b; segments are
// segSize bytes long.
func corrupt(rng *rand.Rand, b []byte, n int, segSize int) {
	for len(b) > 0 {
		seg := b[:min(segSize, len(b))]
		for i := 0; i < n; i++ {
			seg[rng.Intn(len(seg))] += byte(1 + rng.Intn(255))
		}
		b = b[len(seg):]
	}
}

// corruptRS changes bytes in n parity shards of each segment of the
// encoding rs of data, leaving the hashes alone.
func corruptRS(rng *rand.Rand, data, rs []byte, n int) error {
	if n == 0 {
		return nil
	}

	var w bytes.Buffer
	enc := gob.NewEncoder(&w)
	first := true
	err := forEachSegment(bytes.NewReader(data), bytes.NewReader(rs), nil,
		func(h rsFileHeader, hashes []hash, shards [][]byte) error {
			if first {
				if err := enc.Encode(h); err != nil {
					return err
				}
				first = false
			}
			parity := shards[h.NDataShards:]
			for _, p := range rng.Perm(len(parity))[:n] {
				parity[p][rng.Intn(len(parity[p]))] += byte(1 + rng.Intn(255))
			}
			return enc.Encode(rsFileSegment{hashes, parity})
		})
	if err != nil {
		return err
	}
	copy(rs, w.Bytes())
	return nil
}

func TestFiles(t *testing.T) {
	dir := t.TempDir()
	fn := filepath.Join(dir, "data")
	rsfn := ParityPath(fn)

	rng := rand.New(rand.NewSource(1))
	data := make([]byte, 100000)
	rng.Read(data)
	if err := os.WriteFile(fn, data, 0644); err != nil {
		t.Fatal(err)
	}
	if err := EncodeFile(fn, rsfn, DefaultDataShards, DefaultParityShards, DefaultHashRate); err != nil {
		t.Fatal(err)
	}
	if err := CheckFile(fn, rsfn, nil); err != nil {
		t.Fatalf("initial check: %s", err)
	}

	// Flip a byte in two different shards of the first segment.
	bad := dupe(data)
	bad[10]++
	bad[3*DefaultHashRate+10]++
	if err := os.WriteFile(fn, bad, 0644); err != nil {
		t.Fatal(err)
	}
	if err := CheckFile(fn, rsfn, nil); !errors.Is(err, ErrFileCorrupt) {
		t.Fatalf("expected ErrFileCorrupt, got %v", err)
	}

	if err := RestoreFile(fn, rsfn, nil); err != nil {
		t.Fatal(err)
	}
	restored, err := os.ReadFile(fn)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(restored, data) {
		t.Errorf("restored file doesn't match")
	}
	if err := CheckFile(fn, rsfn, nil); err != nil {
		t.Errorf("check after restore: %s", err)
	}
}
