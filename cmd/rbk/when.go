// cmd/rbk/when.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/mmp/rbk/increment"
	"github.com/mmp/rbk/repo"
)

var errNotRepo = errors.New("not a backup destination")

// openRepo opens the destination at path, which must already hold a
// backup.
func openRepo(path string) (*repo.Repo, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	r := repo.Open(abs, log)
	if !r.Exists() {
		return nil, fmt.Errorf("%s: %w", abs, errNotRepo)
	}
	return r, nil
}

// asRoot reports whether file ownership can be restored.
func asRoot() bool {
	return os.Geteuid() == 0
}

var (
	sessionsBackRegexp = regexp.MustCompile(`^([0-9]+)B$`)
	intervalRegexp     = regexp.MustCompile(`^([0-9]+)([smhDWMY])`)
)

var intervalUnits = map[string]time.Duration{
	"s": time.Second,
	"m": time.Minute,
	"h": time.Hour,
	"D": 24 * time.Hour,
	"W": 7 * 24 * time.Hour,
	"M": 30 * 24 * time.Hour,
	"Y": 365 * 24 * time.Hour,
}

// parseWhen interprets a time given on the command line. It accepts
// "now", an RFC 3339 time, a date, an interval before now such as
// "3D12h", or "<n>B" for the session n sessions before the newest.
// sessions must be sorted oldest first.
func parseWhen(s string, sessions []time.Time, now time.Time) (time.Time, error) {
	if s == "now" {
		return now, nil
	}
	if t, err := increment.ParseTime(s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(time.DateOnly, s, time.Local); err == nil {
		return t, nil
	}
	if m := sessionsBackRegexp.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n >= len(sessions) {
			return time.Time{}, fmt.Errorf("%s: only %d sessions", s, len(sessions))
		}
		return sessions[len(sessions)-1-n], nil
	}

	var d time.Duration
	for rest := s; rest != ""; {
		m := intervalRegexp.FindStringSubmatch(rest)
		if m == nil {
			return time.Time{}, fmt.Errorf("%s: unrecognized time", s)
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return time.Time{}, fmt.Errorf("%s: %w", s, err)
		}
		d += time.Duration(n) * intervalUnits[m[2]]
		rest = rest[len(m[0]):]
	}
	if d == 0 {
		return time.Time{}, fmt.Errorf("%q: unrecognized time", s)
	}
	return now.Add(-d), nil
}
