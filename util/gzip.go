// util/gzip.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package util

import (
	"bytes"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// Reusing gzip writers gives a big win when many small files are
// compressed, thanks to much less GC.
var gzipWriterPool = sync.Pool{
	New: func() interface{} {
		return gzip.NewWriter(io.Discard)
	},
}

var gzipReaderPool = sync.Pool{
	New: func() interface{} {
		// "foo", gzip compressed, to give us a valid initial reader
		// without an error being issued. (Its state will be reset
		// immediately after it's fetched from the pool.)
		foo := []byte{0x1f, 0x8b, 0x8, 0x0, 0x0, 0x9, 0x6e, 0x88, 0x0, 0xff}
		r, _ := gzip.NewReader(bytes.NewReader(foo))
		return r
	},
}

type gzipWriteCloser struct {
	gzw *gzip.Writer
	c   io.Closer
}

func (z *gzipWriteCloser) Write(b []byte) (int, error) {
	return z.gzw.Write(b)
}

// Close finishes the gzip stream and then closes the underlying writer,
// if it's an io.Closer.
func (z *gzipWriteCloser) Close() error {
	if z.gzw == nil {
		return nil
	}
	err := z.gzw.Close()
	gzipWriterPool.Put(z.gzw)
	z.gzw = nil
	if z.c != nil {
		if cerr := z.c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// NewGzipWriter returns a writer that gzip compresses what's written to
// it and passes it along to w.
func NewGzipWriter(w io.Writer) io.WriteCloser {
	gzw := gzipWriterPool.Get().(*gzip.Writer)
	gzw.Reset(w)
	c, _ := w.(io.Closer)
	return &gzipWriteCloser{gzw: gzw, c: c}
}

type gzipReadCloser struct {
	gzr *gzip.Reader
	c   io.Closer
}

func (z *gzipReadCloser) Read(b []byte) (int, error) {
	return z.gzr.Read(b)
}

func (z *gzipReadCloser) Close() error {
	if z.gzr != nil {
		gzipReaderPool.Put(z.gzr)
		z.gzr = nil
	}
	if z.c != nil {
		return z.c.Close()
	}
	return nil
}

// NewGzipReader returns a reader that decompresses r's contents. Closing
// it also closes r, if it's an io.Closer.
func NewGzipReader(r io.Reader) (io.ReadCloser, error) {
	gzr := gzipReaderPool.Get().(*gzip.Reader)
	if err := gzr.Reset(r); err != nil {
		gzipReaderPool.Put(gzr)
		return nil, err
	}
	c, _ := r.(io.Closer)
	return &gzipReadCloser{gzr: gzr, c: c}, nil
}
