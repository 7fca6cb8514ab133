// delta/split.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package delta

import (
	"fmt"
	"io"
)

// Rolling checksum from bup. Chunk boundaries depend only on the bytes in
// a small window, so an edit in one place leaves the chunks elsewhere in
// the file unchanged.

const (
	splitterCharOffset = 31
	splitWindowBits    = 6
	splitWindowSize    = 1 << splitWindowBits

	MinSplitBits     = 8
	MaxSplitBits     = 18
	DefaultSplitBits = 13
)

// Splitter finds content-defined chunk boundaries with an average chunk
// size of 1<<splitBits bytes.
type Splitter struct {
	splitBits uint
	s1, s2    uint32
	window    [splitWindowSize]byte
	wofs      int
	count     int
}

func NewSplitter(splitBits uint) (*Splitter, error) {
	if splitBits < MinSplitBits || splitBits > MaxSplitBits {
		return nil, fmt.Errorf("split bits %d: must be between %d and %d",
			splitBits, MinSplitBits, MaxSplitBits)
	}
	s := &Splitter{splitBits: splitBits}
	s.Reset()
	return s, nil
}

func (s *Splitter) Reset() {
	s.s1 = splitWindowSize * splitterCharOffset
	s.s2 = splitWindowSize * (splitWindowSize - 1) * splitterCharOffset
	s.wofs = 0
	s.count = 0
	s.window = [splitWindowSize]byte{}
}

func (s *Splitter) addByte(b byte) {
	drop := s.window[s.wofs]
	s.s1 += uint32(b) - uint32(drop)
	s.s2 += s.s1 - (splitWindowSize * uint32(drop+splitterCharOffset))
	s.window[s.wofs] = b
	s.wofs = (s.wofs + 1) % splitWindowSize
	s.count++
}

func (s *Splitter) splitNow() bool {
	// Enforce a minimum chunk size.
	if s.count < 8*splitWindowSize {
		return false
	}
	digest := (s.s1 << 16) | (s.s2 & 0xffff)
	mask := uint32(1)<<s.splitBits - 1
	return digest&mask == mask
}

// Next returns the next chunk from r, appended to buf[:0]. An empty
// chunk means r is exhausted. The splitter is reset afterward.
func (s *Splitter) Next(r io.ByteReader, buf []byte) ([]byte, error) {
	buf = buf[:0]
	defer s.Reset()
	for {
		b, err := r.ReadByte()
		if err == io.EOF {
			return buf, nil
		} else if err != nil {
			return buf, err
		}

		s.addByte(b)
		buf = append(buf, b)
		if s.splitNow() {
			return buf, nil
		}
	}
}
