// util/util_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package util

import (
	"bytes"
	"io"
	"testing"
	"time"
)

func TestFmtBytes(t *testing.T) {
	for _, c := range []struct {
		n    int64
		want string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{2048, "2.0 KiB"},
		{-2048, "-2.0 KiB"},
	} {
		if got := FmtBytes(c.n); got != c.want {
			t.Errorf("FmtBytes(%d) = %q, expected %q", c.n, got, c.want)
		}
	}
}

func TestLimiterPassesData(t *testing.T) {
	l := NewLimiter(1 << 20)
	defer l.Stop()

	buf := bytes.Repeat([]byte("x"), 64*1024)
	start := time.Now()
	got, err := io.ReadAll(l.Reader(bytes.NewReader(buf)))
	if err != nil {
		t.Fatalf("%s", err)
	}
	if !bytes.Equal(got, buf) {
		t.Errorf("limited reader mangled data")
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("limited read took %s", time.Since(start))
	}
}

func TestNilLimiter(t *testing.T) {
	var l *Limiter
	r := bytes.NewReader([]byte("abc"))
	if l.Reader(r) != io.Reader(r) {
		t.Errorf("nil limiter should return the reader unchanged")
	}
	l.Stop()
}

func TestReportingReader(t *testing.T) {
	data := bytes.Repeat([]byte("y"), 35)
	r := &ReportingReader{R: bytes.NewReader(data), Msg: "test", Every: 10}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("%s", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("reporting reader mangled data")
	}
	if r.reports != 3 {
		t.Errorf("%d reports for 35 bytes every 10, expected 3", r.reports)
	}
	if err := r.Close(); err != nil {
		t.Errorf("%s", err)
	}
	if r.reports != 4 {
		t.Errorf("no final report")
	}

	small := &ReportingReader{R: bytes.NewReader([]byte("abc"))}
	if _, err := io.ReadAll(small); err != nil {
		t.Fatalf("%s", err)
	}
	small.Close()
	if small.reports != 0 {
		t.Errorf("small read was reported")
	}
}
