// rdso/rdso.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package rdso applies Reed-Solomon encoding to byte streams, based on
// github.com/klauspost/reedsolomon. It provides facilities to check the
// integrity of encoded data and to recover it when it's been corrupted.
//
// The data is processed in segments of NDataShards*HashRate bytes, the
// last one zero-padded. Each segment is split into data shards of
// HashRate bytes, and parity shards are computed for them. The .rs
// stream is gob-encoded: an rsFileHeader followed by one rsFileSegment
// per segment, holding the hashes of all of the segment's shards (data
// first) and its parity shards.
package rdso

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/reedsolomon"
	"github.com/mmp/rbk/record"
	u "github.com/mmp/rbk/util"
	"golang.org/x/crypto/sha3"
)

// ErrFileCorrupt is returned when data doesn't match its hashes.
var ErrFileCorrupt = errors.New("file corrupt")

const (
	DefaultDataShards   = 16
	DefaultParityShards = 4
	DefaultHashRate     = 4096
)

type hash [32]byte

func hashBytes(b []byte) (h hash) {
	sha3.ShakeSum256(h[:], b)
	return
}

type rsFileHeader struct {
	NDataShards, NParityShards int
	HashRate                   int
	Size                       int64
}

type rsFileSegment struct {
	Hashes []hash
	Parity [][]byte
}

// Encode reads size bytes from r and writes their Reed-Solomon encoding
// to w.
func Encode(r io.Reader, size int64, w io.Writer, nShards, nParity, hashRate int) error {
	if hashRate <= 0 {
		return fmt.Errorf("hash rate %d: must be positive", hashRate)
	}
	enc, err := reedsolomon.New(nShards, nParity)
	if err != nil {
		return err
	}

	genc := gob.NewEncoder(w)
	h := rsFileHeader{NDataShards: nShards, NParityShards: nParity, HashRate: hashRate, Size: size}
	if err := genc.Encode(h); err != nil {
		return err
	}

	buf := make([]byte, nShards*hashRate)
	lr := io.LimitReader(r, size)
	for remaining := size; remaining > 0; {
		n, err := io.ReadFull(lr, buf)
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			if int64(n) != remaining {
				return fmt.Errorf("short read: got %d bytes, expected %d", n, remaining)
			}
		} else if err != nil {
			return err
		}
		remaining -= int64(n)
		clear(buf[n:])

		shards := shard(buf, hashRate)
		for i := 0; i < nParity; i++ {
			shards = append(shards, make([]byte, hashRate))
		}
		if err := enc.Encode(shards); err != nil {
			return err
		}

		seg := rsFileSegment{Parity: shards[nShards:]}
		for _, s := range shards {
			seg.Hashes = append(seg.Hashes, hashBytes(s))
		}
		if err := genc.Encode(seg); err != nil {
			return err
		}
	}
	return nil
}

func shard(b []byte, size int) (s [][]byte) {
	for len(b) > 0 {
		s = append(s, b[:size])
		b = b[size:]
	}
	return
}

// forEachSegment reads the header and then each segment of the .rs
// stream, calling f with the data shards read from r followed by the
// segment's parity shards.
func forEachSegment(r io.Reader, rsR io.Reader, log *u.Logger,
	f func(h rsFileHeader, hashes []hash, shards [][]byte) error) error {
	dec := gob.NewDecoder(rsR)
	var h rsFileHeader
	if err := dec.Decode(&h); err != nil {
		return fmt.Errorf("reading header: %w", err)
	}
	if h.NDataShards <= 0 || h.NParityShards <= 0 || h.HashRate <= 0 {
		return fmt.Errorf("invalid header %+v", h)
	}
	segSize := h.NDataShards * h.HashRate
	nSegments := (h.Size + int64(segSize) - 1) / int64(segSize)

	for i := int64(0); i < nSegments; i++ {
		var seg rsFileSegment
		if err := dec.Decode(&seg); err != nil {
			return fmt.Errorf("segment %d: %w", i, err)
		}
		if len(seg.Hashes) != h.NDataShards+h.NParityShards || len(seg.Parity) != h.NParityShards {
			return fmt.Errorf("segment %d: malformed", i)
		}

		buf := make([]byte, segSize)
		n, err := io.ReadFull(r, buf)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return err
		}
		if n < segSize {
			log.Debug("segment %d: %d bytes short", i, segSize-n)
		}
		shards := append(shard(buf, h.HashRate), seg.Parity...)
		if err := f(h, seg.Hashes, shards); err != nil {
			return err
		}
	}
	return nil
}

// badShards returns the indices of shards that don't match their hashes.
func badShards(hashes []hash, shards [][]byte) []int {
	var bad []int
	for i, s := range shards {
		if len(s) == 0 || hashBytes(s) != hashes[i] {
			bad = append(bad, i)
		}
	}
	return bad
}

// Check verifies r's contents against the Reed-Solomon encoding in rsR.
// It returns ErrFileCorrupt if anything doesn't match.
func Check(r io.Reader, rsR io.Reader, log *u.Logger) error {
	nbad := 0
	seg := 0
	err := forEachSegment(r, rsR, log, func(h rsFileHeader, hashes []hash, shards [][]byte) error {
		for _, i := range badShards(hashes, shards) {
			if i < h.NDataShards {
				log.Error("segment %d: data shard %d hash mismatch", seg, i)
			} else {
				log.Error("segment %d: parity shard %d hash mismatch", seg, i-h.NDataShards)
			}
			nbad++
		}
		seg++
		return nil
	})
	if err != nil {
		return err
	}
	if nbad > 0 {
		return ErrFileCorrupt
	}
	return nil
}

// Restore reconstructs the original data from r and the encoding in rsR,
// writing size bytes of it to w and a repaired encoding to wRs.
func Restore(r io.Reader, rsR io.Reader, size int64, w io.Writer, wRs io.Writer, log *u.Logger) error {
	genc := gob.NewEncoder(wRs)
	first := true
	var enc reedsolomon.Encoder
	seg := 0

	err := forEachSegment(r, rsR, log, func(h rsFileHeader, hashes []hash, shards [][]byte) error {
		if first {
			first = false
			if h.Size != size {
				return fmt.Errorf("size %d doesn't match encoded size %d", size, h.Size)
			}
			var err error
			if enc, err = reedsolomon.New(h.NDataShards, h.NParityShards); err != nil {
				return err
			}
			if err := genc.Encode(h); err != nil {
				return err
			}
		}

		if bad := badShards(hashes, shards); len(bad) > 0 {
			log.Warning("segment %d: reconstructing %d shards", seg, len(bad))
			for _, i := range bad {
				shards[i] = nil
			}
			if err := enc.Reconstruct(shards); err != nil {
				return fmt.Errorf("segment %d: %w", seg, err)
			}
			if len(badShards(hashes, shards)) > 0 {
				return fmt.Errorf("segment %d: %w after reconstruction", seg, ErrFileCorrupt)
			}
		}
		seg++

		for _, s := range shards[:h.NDataShards] {
			n := min(int64(len(s)), size)
			if _, err := w.Write(s[:n]); err != nil {
				return err
			}
			size -= n
		}
		return genc.Encode(rsFileSegment{Hashes: hashes, Parity: shards[h.NDataShards:]})
	})
	return err
}

///////////////////////////////////////////////////////////////////////////
// Files

// ParityPath returns the name of the .rs file for a file.
func ParityPath(fn string) string {
	return fn + ".rs"
}

// EncodeFile writes the Reed-Solomon encoding of fn to rsfn.
func EncodeFile(fn, rsfn string, nShards, nParity, hashRate int) error {
	f, err := os.Open(fn)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	return record.WriteFileAtomic(rsfn, 0644, func(w io.Writer) error {
		return Encode(f, fi.Size(), w, nShards, nParity, hashRate)
	})
}

func CheckFile(fn, rsfn string, log *u.Logger) error {
	f, err := os.Open(fn)
	if err != nil {
		return err
	}
	defer f.Close()
	rs, err := os.Open(rsfn)
	if err != nil {
		return err
	}
	defer rs.Close()
	if err := Check(f, rs, log); err != nil {
		return fmt.Errorf("%s: %w", fn, err)
	}
	return nil
}

// RestoreFile repairs fn and its encoding in rsfn in place.
func RestoreFile(fn, rsfn string, log *u.Logger) error {
	rs, err := os.Open(rsfn)
	if err != nil {
		return err
	}
	defer rs.Close()
	var h rsFileHeader
	if err := gob.NewDecoder(rs).Decode(&h); err != nil {
		return fmt.Errorf("%s: %w", rsfn, err)
	}
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return err
	}

	f, err := os.Open(fn)
	if err != nil {
		return err
	}
	defer f.Close()

	tmp := record.TempPath(filepath.Dir(fn))
	tmpRs := record.TempPath(filepath.Dir(rsfn))
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	outRs, err := os.Create(tmpRs)
	if err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}

	err = Restore(f, rs, h.Size, out, outRs, log)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if cerr := outRs.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		if err = os.Rename(tmp, fn); err == nil {
			err = os.Rename(tmpRs, rsfn)
		}
	}
	if err != nil {
		os.Remove(tmp)
		os.Remove(tmpRs)
		return fmt.Errorf("%s: %w", fn, err)
	}
	return nil
}
