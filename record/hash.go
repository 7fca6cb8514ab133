// record/hash.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package record

import (
	"encoding/hex"
	"io"

	"golang.org/x/crypto/sha3"
)

// HashSize is the number of bytes of SHAKE256 output used for content
// hashes.
const HashSize = 32

// Hasher accumulates the content hash of the bytes written to it.
type Hasher struct {
	h sha3.ShakeHash
	n int64
}

func NewHasher() *Hasher {
	return &Hasher{h: sha3.NewShake256()}
}

func (h *Hasher) Write(b []byte) (int, error) {
	h.n += int64(len(b))
	return h.h.Write(b)
}

// Size returns the number of bytes hashed so far.
func (h *Hasher) Size() int64 {
	return h.n
}

// Sum returns the hex-encoded hash; the Hasher can't be written to
// afterward.
func (h *Hasher) Sum() string {
	var b [HashSize]byte
	h.h.Read(b[:])
	return hex.EncodeToString(b[:])
}

// HashReader returns the content hash of everything r produces.
func HashReader(r io.Reader) (string, error) {
	h := NewHasher()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return h.Sum(), nil
}
