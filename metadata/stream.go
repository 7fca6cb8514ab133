// metadata/stream.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package metadata

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mmp/rbk/record"
	u "github.com/mmp/rbk/util"
)

// Writer writes a gzip-compressed stream of gob-encoded records. The
// file only appears at its final path once Close succeeds.
type Writer struct {
	path, tmp string
	f         *os.File
	bw        *bufio.Writer
	gz        io.WriteCloser
	enc       *gob.Encoder
	last      record.Index
	n         int
}

func NewWriter(path string) (*Writer, error) {
	tmp := record.TempPath(filepath.Dir(path))
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	w := &Writer{path: path, tmp: tmp, f: f, bw: bufio.NewWriter(f)}
	w.gz = u.NewGzipWriter(w.bw)
	w.enc = gob.NewEncoder(w.gz)
	return w, nil
}

// Write appends a record; records must be written in index order.
func (w *Writer) Write(r *record.Record) error {
	if w.n > 0 && r.Index.Compare(w.last) <= 0 {
		return fmt.Errorf("%s: metadata record after %s: %w", r.Index, w.last, ErrOutOfOrder)
	}
	if err := w.enc.Encode(r); err != nil {
		return fmt.Errorf("%s: %w", w.tmp, err)
	}
	w.last = r.Index
	w.n++
	return nil
}

// Count returns the number of records written so far.
func (w *Writer) Count() int {
	return w.n
}

func (w *Writer) Path() string {
	return w.path
}

// Close finishes the stream and renames it into place.
func (w *Writer) Close() error {
	err := w.gz.Close()
	if err == nil {
		err = w.bw.Flush()
	}
	if err == nil {
		err = w.f.Sync()
	}
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(w.tmp, w.path)
	}
	if err != nil {
		os.Remove(w.tmp)
	}
	return err
}

// Abort discards everything written.
func (w *Writer) Abort() {
	w.gz.Close()
	w.f.Close()
	os.Remove(w.tmp)
}

// Reader reads a stream written by Writer.
type Reader struct {
	path string
	r    io.ReadCloser
	dec  *gob.Decoder
}

func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	gz, err := u.NewGzipReader(bufio.NewReader(f))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &Reader{path: path, r: &readCloser{gz, f}, dec: gob.NewDecoder(gz)}, nil
}

type readCloser struct {
	io.Reader
	f *os.File
}

func (r *readCloser) Close() error {
	if c, ok := r.Reader.(io.Closer); ok {
		c.Close()
	}
	return r.f.Close()
}

func (r *Reader) Next() (*record.Record, error) {
	var rec record.Record
	if err := r.dec.Decode(&rec); err == io.EOF {
		return nil, io.EOF
	} else if err != nil {
		return nil, fmt.Errorf("%s: %w", r.path, err)
	}
	return &rec, nil
}

func (r *Reader) Close() error {
	return r.r.Close()
}
