// stats/errors.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package stats

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/mmp/rbk/record"
	u "github.com/mmp/rbk/util"
)

type ErrorKind int

const (
	// ListError: a directory couldn't be listed or a file couldn't be
	// examined.
	ListError ErrorKind = iota
	// UpdateError: a file couldn't be read or written, or its mirror copy
	// didn't match what was expected.
	UpdateError
	// SpecialFileError: a device, fifo, socket or symlink couldn't be
	// created.
	SpecialFileError
)

func (k ErrorKind) String() string {
	switch k {
	case ListError:
		return "ListError"
	case UpdateError:
		return "UpdateError"
	case SpecialFileError:
		return "SpecialFileError"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// FileError is a recoverable error affecting a single file.
type FileError struct {
	Kind  ErrorKind
	Index record.Index
	Err   error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Index, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// ErrorSink receives recoverable per-file errors.
type ErrorSink interface {
	Record(kind ErrorKind, idx record.Index, cause error)
}

// ErrorList is an ErrorSink that keeps the errors in memory.
type ErrorList struct {
	mu     sync.Mutex
	Errors []*FileError
}

func (l *ErrorList) Record(kind ErrorKind, idx record.Index, cause error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Errors = append(l.Errors, &FileError{kind, idx, cause})
}

func (l *ErrorList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.Errors)
}

// ErrorLog is an ErrorSink that logs each error, writes it to the
// session's error_log file, and counts it in the session statistics.
type ErrorLog struct {
	mu    sync.Mutex
	f     *os.File
	log   *u.Logger
	stats *SessionStats
	ErrorList
}

// NewErrorLog returns an ErrorLog writing to path; an empty path only
// logs and counts.
func NewErrorLog(path string, log *u.Logger, stats *SessionStats) (*ErrorLog, error) {
	e := &ErrorLog{log: log, stats: stats}
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, err
		}
		e.f = f
	}
	return e, nil
}

func (e *ErrorLog) Record(kind ErrorKind, idx record.Index, cause error) {
	e.ErrorList.Record(kind, idx, cause)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stats != nil {
		e.stats.Errors++
	}
	msg := strings.ReplaceAll(fmt.Sprint(cause), "\n", " ")
	e.log.Warning("%s %s: %s", kind, idx, msg)
	if e.f != nil {
		fmt.Fprintf(e.f, "%s %s %s\n", kind, strings.ReplaceAll(idx.String(), "\n", "\\n"), msg)
	}
}

func (e *ErrorLog) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.f == nil {
		return nil
	}
	err := e.f.Close()
	e.f = nil
	return err
}
