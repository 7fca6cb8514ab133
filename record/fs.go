// record/fs.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package record

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Lstat returns the record for the file at idx under root. A file that
// doesn't exist yields an absent record and no error.
func Lstat(root string, idx Index) (*Record, error) {
	return LstatPath(idx.Path(root), idx)
}

// LstatPath is like Lstat but takes the file's path directly; the
// returned record has the given index.
func LstatPath(path string, idx Index) (*Record, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		if err == unix.ENOENT || err == unix.ENOTDIR {
			return NewAbsent(idx), nil
		}
		return nil, &os.PathError{Op: "lstat", Path: path, Err: err}
	}
	r := fromStat(idx, &st)
	if r.Kind == Symlink {
		target, err := os.Readlink(path)
		if err != nil {
			return nil, err
		}
		r.LinkTarget = target
	}
	return r, nil
}

func fromStat(idx Index, st *unix.Stat_t) *Record {
	r := &Record{
		Index:      append(Index{}, idx...),
		Size:       int64(st.Size),
		Perms:      uint32(st.Mode) & 07777,
		UID:        int(st.Uid),
		GID:        int(st.Gid),
		ModTime:    int64(st.Mtim.Sec),
		AccessTime: int64(st.Atim.Sec),
		ChangeTime: int64(st.Ctim.Sec),
		NLink:      uint64(st.Nlink),
		Device:     uint64(st.Dev),
		Inode:      uint64(st.Ino),
	}
	r.UName = userName(r.UID)
	r.GName = groupName(r.GID)

	switch uint32(st.Mode) & unix.S_IFMT {
	case unix.S_IFREG:
		r.Kind = Regular
	case unix.S_IFDIR:
		r.Kind = Directory
	case unix.S_IFLNK:
		r.Kind = Symlink
	case unix.S_IFIFO:
		r.Kind = Fifo
	case unix.S_IFSOCK:
		r.Kind = Socket
	case unix.S_IFCHR, unix.S_IFBLK:
		r.Kind = Device
		r.CharDevice = uint32(st.Mode)&unix.S_IFMT == unix.S_IFCHR
		r.DevMajor = unix.Major(uint64(st.Rdev))
		r.DevMinor = unix.Minor(uint64(st.Rdev))
	}
	if r.Kind != Regular {
		r.Size = 0
	}
	return r
}

var (
	userNames  sync.Map
	groupNames sync.Map
)

func userName(uid int) string {
	if n, ok := userNames.Load(uid); ok {
		return n.(string)
	}
	name := ""
	if u, err := user.LookupId(strconv.Itoa(uid)); err == nil {
		name = u.Username
	}
	userNames.Store(uid, name)
	return name
}

func groupName(gid int) string {
	if n, ok := groupNames.Load(gid); ok {
		return n.(string)
	}
	name := ""
	if g, err := user.LookupGroupId(strconv.Itoa(gid)); err == nil {
		name = g.Name
	}
	groupNames.Store(gid, name)
	return name
}

// CopyAttribs applies r's ownership (if owner is set), permissions and
// times to the file at path.
func CopyAttribs(r *Record, path string, owner bool) error {
	if owner {
		if err := os.Lchown(path, r.UID, r.GID); err != nil {
			return err
		}
	}
	if r.Kind == Symlink {
		return nil
	}
	if err := unix.Chmod(path, r.Perms); err != nil {
		return &os.PathError{Op: "chmod", Path: path, Err: err}
	}
	atime := r.AccessTime
	if atime == 0 {
		atime = r.ModTime
	}
	ts := []unix.Timespec{
		unix.NsecToTimespec(atime * 1e9),
		unix.NsecToTimespec(r.ModTime * 1e9),
	}
	if err := unix.UtimesNano(path, ts); err != nil {
		return &os.PathError{Op: "utimes", Path: path, Err: err}
	}
	return nil
}

// Make creates the filesystem object described by r at path, without
// content or attributes. Regular files are created empty and
// directories are created owner-accessible only.
func Make(r *Record, path string) error {
	var err error
	switch r.Kind {
	case Regular:
		var f *os.File
		if f, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600); err == nil {
			err = f.Close()
		}
	case Directory:
		err = os.Mkdir(path, 0700)
	case Symlink:
		err = os.Symlink(r.LinkTarget, path)
	case Fifo:
		err = unix.Mkfifo(path, 0600)
	case Socket:
		err = unix.Mknod(path, unix.S_IFSOCK|0600, 0)
	case Device:
		mode := uint32(unix.S_IFBLK)
		if r.CharDevice {
			mode = unix.S_IFCHR
		}
		err = unix.Mknod(path, mode|0600, int(unix.Mkdev(r.DevMajor, r.DevMinor)))
	case Absent:
		return nil
	default:
		return fmt.Errorf("%s: can't create %s", path, r.Kind)
	}
	if errno, ok := err.(unix.Errno); ok {
		err = &os.PathError{Op: "mknod", Path: path, Err: errno}
	}
	return err
}

// MakeWithAttribs creates r at path and copies its attributes over.
func MakeWithAttribs(r *Record, path string, owner bool) error {
	if err := Make(r, path); err != nil {
		return err
	}
	if !r.Exists() {
		return nil
	}
	return CopyAttribs(r, path, owner)
}

///////////////////////////////////////////////////////////////////////////
// Temporary files

var tempCounter int64

// TempPath returns an unused name in dir for a temporary sibling file.
func TempPath(dir string) string {
	for {
		n := atomic.AddInt64(&tempCounter, 1)
		p := filepath.Join(dir, fmt.Sprintf("rbk.tmp.%d.%d", os.Getpid(), n))
		if _, err := os.Lstat(p); os.IsNotExist(err) {
			return p
		}
	}
}

// IsTempName reports whether a file name is one TempPath produces.
func IsTempName(name string) bool {
	var pid, n int
	_, err := fmt.Sscanf(name, "rbk.tmp.%d.%d", &pid, &n)
	return err == nil
}

// WriteFileAtomic writes a file by handing a temporary sibling to write
// and renaming it into place once write returns successfully. A crash
// at any point leaves either the old file or the new one at path.
func WriteFileAtomic(path string, perm os.FileMode, write func(w io.Writer) error) error {
	tmp := TempPath(filepath.Dir(path))
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if err = write(f); err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, path)
	}
	if err != nil {
		os.Remove(tmp)
	}
	return err
}

// SyncDir flushes a directory's entries, so that renames within it are
// durable before later steps rely on them.
func SyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	err = f.Sync()
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}
