// delta/delta.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package delta implements a signature/delta/patch codec for file
// contents. A signature lists the hashes of a file's content-defined
// chunks; a delta describes a new version of the file in terms of copies
// from the old one plus literal bytes, and patch applies it.
//
// Signature format: the magic "rbks1", one byte of split bits, then for
// each chunk its 32-byte hash and uvarint length.
//
// Delta format: the magic "rbkd1", then a sequence of ops, each a single
// byte followed by its arguments: opCopy(uvarint offset, uvarint length),
// opLiteral(uvarint length, bytes), and opEnd.
package delta

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/mmp/rbk/record"
	"golang.org/x/crypto/sha3"
)

const (
	signatureMagic = "rbks1"
	deltaMagic     = "rbkd1"

	opEnd     = 0
	opCopy    = 1
	opLiteral = 2

	// Literal runs are flushed once they reach this size.
	maxLiteral = 1 << 20
)

var (
	ErrBadMagic = errors.New("bad magic number")
	ErrCorrupt  = errors.New("corrupt delta")
)

type chunkHash [record.HashSize]byte

func hashChunk(b []byte) (h chunkHash) {
	sha3.ShakeSum256(h[:], b)
	return
}

type chunk struct {
	offset, length int64
}

// Signature describes the chunks of a basis file.
type Signature struct {
	SplitBits uint
	Chunks    int
	Size      int64
	byHash    map[chunkHash]chunk
}

func byteReader(r io.Reader) io.ByteReader {
	if br, ok := r.(io.ByteReader); ok {
		return br
	}
	return bufio.NewReaderSize(r, 64*1024)
}

// WriteSignature writes the signature of basis's contents to w.
func WriteSignature(basis io.Reader, w io.Writer, splitBits uint) error {
	s, err := NewSplitter(splitBits)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	bw.WriteString(signatureMagic)
	bw.WriteByte(byte(splitBits))

	br := byteReader(basis)
	var buf []byte
	var v [binary.MaxVarintLen64]byte
	for {
		buf, err = s.Next(br, buf)
		if err != nil {
			return err
		}
		if len(buf) == 0 {
			break
		}
		h := hashChunk(buf)
		bw.Write(h[:])
		bw.Write(v[:binary.PutUvarint(v[:], uint64(len(buf)))])
	}
	return bw.Flush()
}

// ReadSignature parses a signature written by WriteSignature.
func ReadSignature(r io.Reader) (*Signature, error) {
	br := bufio.NewReader(r)
	if err := readMagic(br, signatureMagic); err != nil {
		return nil, fmt.Errorf("signature: %w", err)
	}
	bits, err := br.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("signature: %w", err)
	}
	sig := &Signature{SplitBits: uint(bits), byHash: make(map[chunkHash]chunk)}
	for {
		var h chunkHash
		if _, err := io.ReadFull(br, h[:]); err == io.EOF {
			return sig, nil
		} else if err != nil {
			return nil, fmt.Errorf("signature: %w", err)
		}
		n, err := binary.ReadUvarint(br)
		if err != nil {
			return nil, fmt.Errorf("signature: chunk length: %w", err)
		}
		if _, ok := sig.byHash[h]; !ok {
			sig.byHash[h] = chunk{sig.Size, int64(n)}
		}
		sig.Size += int64(n)
		sig.Chunks++
	}
}

func readMagic(br *bufio.Reader, magic string) error {
	b := make([]byte, len(magic))
	if _, err := io.ReadFull(br, b); err != nil {
		return err
	}
	if string(b) != magic {
		return ErrBadMagic
	}
	return nil
}

// deltaWriter accumulates ops, coalescing adjacent copies and literals.
type deltaWriter struct {
	w          *bufio.Writer
	copyOffset int64
	copyLength int64
	literal    []byte
}

func (d *deltaWriter) uvarint(n int64) {
	var v [binary.MaxVarintLen64]byte
	d.w.Write(v[:binary.PutUvarint(v[:], uint64(n))])
}

func (d *deltaWriter) flushCopy() {
	if d.copyLength > 0 {
		d.w.WriteByte(opCopy)
		d.uvarint(d.copyOffset)
		d.uvarint(d.copyLength)
		d.copyLength = 0
	}
}

func (d *deltaWriter) flushLiteral() {
	if len(d.literal) > 0 {
		d.w.WriteByte(opLiteral)
		d.uvarint(int64(len(d.literal)))
		d.w.Write(d.literal)
		d.literal = d.literal[:0]
	}
}

func (d *deltaWriter) copy(c chunk) {
	d.flushLiteral()
	if d.copyLength > 0 && d.copyOffset+d.copyLength == c.offset {
		d.copyLength += c.length
		return
	}
	d.flushCopy()
	d.copyOffset, d.copyLength = c.offset, c.length
}

func (d *deltaWriter) add(b []byte) {
	d.flushCopy()
	d.literal = append(d.literal, b...)
	if len(d.literal) >= maxLiteral {
		d.flushLiteral()
	}
}

func (d *deltaWriter) finish() error {
	d.flushCopy()
	d.flushLiteral()
	d.w.WriteByte(opEnd)
	return d.w.Flush()
}

// Delta reads a signature from sig and writes to w a delta that turns
// the signature's basis into newFile's contents. It returns the content
// hash of newFile.
func Delta(sig io.Reader, newFile io.Reader, w io.Writer) (string, error) {
	s, err := ReadSignature(sig)
	if err != nil {
		return "", err
	}
	return s.Delta(newFile, w)
}

// Delta writes a delta from the signature's basis to newFile's contents
// and returns newFile's content hash.
func (s *Signature) Delta(newFile io.Reader, w io.Writer) (string, error) {
	sp, err := NewSplitter(s.SplitBits)
	if err != nil {
		return "", err
	}
	hasher := record.NewHasher()
	br := byteReader(io.TeeReader(newFile, hasher))

	dw := &deltaWriter{w: bufio.NewWriter(w)}
	dw.w.WriteString(deltaMagic)

	var buf []byte
	for {
		buf, err = sp.Next(br, buf)
		if err != nil {
			return "", err
		}
		if len(buf) == 0 {
			break
		}
		if c, ok := s.byHash[hashChunk(buf)]; ok && c.length == int64(len(buf)) {
			dw.copy(c)
		} else {
			dw.add(buf)
		}
	}
	if err := dw.finish(); err != nil {
		return "", err
	}
	return hasher.Sum(), nil
}

// Patch applies a delta to basis and writes the result to w.
func Patch(basis io.ReaderAt, delta io.Reader, w io.Writer) error {
	br := bufio.NewReader(delta)
	if err := readMagic(br, deltaMagic); err != nil {
		return fmt.Errorf("delta: %w", err)
	}

	corrupt := func(err error) error {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	for {
		op, err := br.ReadByte()
		if err != nil {
			return corrupt(err)
		}
		switch op {
		case opEnd:
			return nil
		case opCopy:
			offset, err := binary.ReadUvarint(br)
			if err != nil {
				return corrupt(err)
			}
			length, err := binary.ReadUvarint(br)
			if err != nil {
				return corrupt(err)
			}
			sr := io.NewSectionReader(basis, int64(offset), int64(length))
			if n, err := io.Copy(w, sr); err != nil {
				return err
			} else if n != int64(length) {
				return fmt.Errorf("%w: copy of %d bytes at %d past end of basis",
					ErrCorrupt, length, offset)
			}
		case opLiteral:
			length, err := binary.ReadUvarint(br)
			if err != nil {
				return corrupt(err)
			}
			if _, err := io.CopyN(w, br, int64(length)); err != nil {
				return corrupt(err)
			}
		default:
			return fmt.Errorf("%w: unknown op %d", ErrCorrupt, op)
		}
	}
}
