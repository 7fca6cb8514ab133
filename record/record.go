// record/record.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package record defines the metadata-only description of one filesystem
// object at one endpoint, along with the streams of them that the rest of
// the engine walks.
package record

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

type Kind uint8

const (
	Absent Kind = iota
	Regular
	Directory
	Symlink
	Device
	Fifo
	Socket
)

func (k Kind) String() string {
	switch k {
	case Absent:
		return "absent"
	case Regular:
		return "regular"
	case Directory:
		return "directory"
	case Symlink:
		return "symlink"
	case Device:
		return "device"
	case Fifo:
		return "fifo"
	case Socket:
		return "socket"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Record is a snapshot of one filesystem object's metadata. Records are
// gob-encoded into the metadata files, so fields are only ever added.
type Record struct {
	Index Index
	Kind  Kind

	Size         int64
	Perms        uint32 // permission bits, including setuid/setgid/sticky
	UID, GID     int
	UName, GName string

	// Times are in seconds since the epoch.
	ModTime, AccessTime, ChangeTime int64

	LinkTarget string

	// Block or character device numbers.
	DevMajor, DevMinor uint32
	CharDevice         bool

	NLink         uint64
	Device, Inode uint64

	// Hex-encoded content hash of a regular file, if known.
	Hash string

	attached *Attachment
}

// NewAbsent returns a record stating that nothing exists at idx.
func NewAbsent(idx Index) *Record {
	return &Record{Index: idx, Kind: Absent}
}

func (r *Record) Exists() bool {
	return r != nil && r.Kind != Absent
}

func (r *Record) IsReg() bool {
	return r != nil && r.Kind == Regular
}

func (r *Record) IsDir() bool {
	return r != nil && r.Kind == Directory
}

func (r *Record) IsSpecial() bool {
	return r != nil && (r.Kind == Device || r.Kind == Fifo || r.Kind == Socket)
}

// Linkable reports whether the record is a regular file with more than
// one hard link.
func (r *Record) Linkable() bool {
	return r.IsReg() && r.NLink > 1
}

// InodeKey identifies the storage shared by hard-linked files.
type InodeKey struct {
	Device, Inode uint64
}

func (r *Record) InodeKey() InodeKey {
	return InodeKey{r.Device, r.Inode}
}

// FileMode returns the record's type and permissions as an os.FileMode.
func (r *Record) FileMode() os.FileMode {
	m := os.FileMode(r.Perms & 0777)
	if r.Perms&0o4000 != 0 {
		m |= os.ModeSetuid
	}
	if r.Perms&0o2000 != 0 {
		m |= os.ModeSetgid
	}
	if r.Perms&0o1000 != 0 {
		m |= os.ModeSticky
	}
	switch r.Kind {
	case Directory:
		m |= os.ModeDir
	case Symlink:
		m |= os.ModeSymlink
	case Device:
		m |= os.ModeDevice
		if r.CharDevice {
			m |= os.ModeCharDevice
		}
	case Fifo:
		m |= os.ModeNamedPipe
	case Socket:
		m |= os.ModeSocket
	}
	return m
}

// Clone returns a copy of the record without any attached content.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.attached = nil
	c.Index = append(Index{}, r.Index...)
	return &c
}

func (r *Record) String() string {
	if r == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s (%s)", r.Index, r.Kind)
}

// Equal reports whether two records describe the same filesystem state
// as far as a restore can reproduce it. Ownership is only compared when
// owner is set; device/inode numbers, link counts, access and change
// times never are. Nil and absent records are equal to each other.
func Equal(a, b *Record, owner bool) bool {
	if !a.Exists() || !b.Exists() {
		return a.Exists() == b.Exists()
	}
	if a.Kind != b.Kind {
		return false
	}
	if owner && (a.UID != b.UID || a.GID != b.GID) {
		return false
	}

	switch a.Kind {
	case Regular:
		return a.Perms == b.Perms && a.Size == b.Size && a.ModTime == b.ModTime
	case Directory:
		return a.Perms == b.Perms && a.ModTime == b.ModTime
	case Symlink:
		return a.LinkTarget == b.LinkTarget
	case Device:
		return a.Perms == b.Perms && a.CharDevice == b.CharDevice &&
			a.DevMajor == b.DevMajor && a.DevMinor == b.DevMinor
	default:
		return a.Perms == b.Perms
	}
}

// EqualLoose is Equal without ownership; it is the test used to decide
// whether a file on disk already holds the state a record describes.
func EqualLoose(a, b *Record) bool {
	return Equal(a, b, false)
}

///////////////////////////////////////////////////////////////////////////
// Attachment

type AttachKind uint8

const (
	// Snapshot content is the file's full contents.
	Snapshot AttachKind = iota + 1
	// Diff content is a delta against the destination's current content.
	Diff
)

func (k AttachKind) String() string {
	switch k {
	case Snapshot:
		return "snapshot"
	case Diff:
		return "diff"
	default:
		return "none"
	}
}

var ErrConsumed = errors.New("attached content already consumed")

// Attachment is a single-use content stream carried alongside a record.
type Attachment struct {
	Kind AttachKind
	mu   sync.Mutex
	open func() (io.ReadCloser, error)
	used bool
}

func NewAttachment(kind AttachKind, open func() (io.ReadCloser, error)) *Attachment {
	return &Attachment{Kind: kind, open: open}
}

// Open returns the content stream; it may only be called once.
func (a *Attachment) Open() (io.ReadCloser, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.used {
		return nil, ErrConsumed
	}
	a.used = true
	return a.open()
}

func (a *Attachment) Used() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

func (r *Record) Attach(a *Attachment) {
	r.attached = a
}

// Attached returns the content attached to the record, or nil.
func (r *Record) Attached() *Attachment {
	if r == nil {
		return nil
	}
	return r.attached
}
