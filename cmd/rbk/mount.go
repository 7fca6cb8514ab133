// cmd/rbk/mount.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

// Read-only access to every session of a backup via FUSE.

import (
	"bytes"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/mmp/rbk/record"
	"github.com/mmp/rbk/repo"
	"github.com/mmp/rbk/restore"
	"github.com/spf13/cobra"
	"golang.org/x/net/context"
)

var mountCmd = &cobra.Command{
	Use:   "mount <destination> <mountpoint>",
	Short: "Mount all backup sessions as a read-only filesystem",
	Long: `Serve the sessions in destination as a read-only FUSE filesystem at
mountpoint. The first two levels of the hierarchy are the yymmdd and
hhmmss (UTC) of each session; below that is the backed-up tree as it was
at the end of that session. Backups of destination wait until the
filesystem is unmounted.`,
	Args: cobra.ExactArgs(2),
	RunE: runMount,
}

func runMount(cmd *cobra.Command, args []string) error {
	r, err := openRepo(args[0])
	if err != nil {
		return err
	}
	if err := lockForReading(r); err != nil {
		return err
	}
	defer r.Unlock()

	sessions, err := r.Sessions()
	if err != nil {
		return err
	}
	return mountFUSE(args[1], createPseudoHierarchy(r, sessions))
}

// mountFUSE serves root at dir until the filesystem is unmounted or the
// process is interrupted.
func mountFUSE(dir string, root *pseudoDir) error {
	conn, err := fuse.Mount(
		dir,
		fuse.FSName("rbkfs"),
		fuse.Subtype("rbkfs"),
		fuse.VolumeName("backups"),
		fuse.ReadOnly(),
	)
	if err != nil {
		return err
	}
	defer conn.Close()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)
	go func() {
		if _, ok := <-sig; ok {
			log.Verbose("unmounting %s", dir)
			if err := fuse.Unmount(dir); err != nil {
				log.Error("%s: %s", dir, err)
			}
		}
	}()

	log.Verbose("serving %d sessions at %s", root.count(), dir)
	if err := fs.Serve(conn, root); err != nil {
		return err
	}
	<-conn.Ready
	return conn.MountError
}

///////////////////////////////////////////////////////////////////////////

// Implements the FUSE interfaces for the top two levels of the
// hierarchy: yymmdd/hhmmss.
type pseudoDir struct {
	name string
	// Each pseudoDir either has subdirectories in entries, or a non-nil
	// session at the node where the backup starts.
	entries []*pseudoDir
	session *session
}

func createPseudoHierarchy(r *repo.Repo, times []time.Time) *pseudoDir {
	var root pseudoDir
	for _, t := range times {
		u := t.UTC()
		comps := []string{u.Format("060102"), u.Format("150405")}
		pseudoAddRecursive(&root, comps, &session{r: r, t: t})
	}
	return &root
}

func pseudoAddRecursive(pd *pseudoDir, comps []string, s *session) {
	if len(comps) == 0 {
		pd.session = s
		return
	}
	for _, e := range pd.entries {
		if e.name == comps[0] {
			pseudoAddRecursive(e, comps[1:], s)
			return
		}
	}
	pd.entries = append(pd.entries, &pseudoDir{name: comps[0]})
	pseudoAddRecursive(pd.entries[len(pd.entries)-1], comps[1:], s)
}

func (pd *pseudoDir) count() int {
	if pd.session != nil {
		return 1
	}
	n := 0
	for _, e := range pd.entries {
		n += e.count()
	}
	return n
}

// Root is only called for the root node passed to fs.Serve.
func (pd *pseudoDir) Root() (fs.Node, error) {
	return pd, nil
}

func (pd *pseudoDir) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Mode = os.ModeDir | 0500
	return nil
}

// Implements fs.NodeStringLookuper
func (pd *pseudoDir) Lookup(ctx context.Context, name string) (fs.Node, error) {
	for _, entry := range pd.entries {
		if entry.name != name {
			continue
		}
		if entry.session != nil {
			// Hand off to the session's own tree below here.
			return entry.session.root()
		}
		return entry, nil
	}
	return nil, fuse.ENOENT
}

// Implements fs.HandleReadDirAller
func (pd *pseudoDir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	var de []fuse.Dirent
	for _, entry := range pd.entries {
		de = append(de, fuse.Dirent{Name: entry.name, Type: fuse.DT_Dir})
	}
	return de, nil
}

///////////////////////////////////////////////////////////////////////////

// session is the tree of one backup session, read from its metadata the
// first time it's visited.
type session struct {
	r *repo.Repo
	t time.Time

	once  sync.Once
	top   *fileNode
	err   error
	cache contentCache
}

func (s *session) root() (fs.Node, error) {
	s.once.Do(func() {
		s.top, s.err = s.load()
		if s.err != nil {
			log.Error("session %s: %s", s.t.Format(time.RFC3339), s.err)
		}
	})
	if s.err != nil {
		return nil, fuse.EIO
	}
	return s.top, nil
}

func (s *session) load() (*fileNode, error) {
	md, err := s.r.Metadata().ReadAt(s.t)
	if err != nil {
		return nil, err
	}
	defer md.Close()

	nodes := make(map[string]*fileNode)
	var top *fileNode
	for {
		rec, err := md.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}
		n := &fileNode{rec: rec, s: s}
		if rec.IsDir() {
			n.byName = make(map[string]*fileNode)
			nodes[rec.Index.Key()] = n
		}
		if rec.Index.IsRoot() {
			top = n
			continue
		}
		parent, ok := nodes[rec.Index.Parent().Key()]
		if !ok {
			log.Warning("%s: no parent directory in session %s", rec.Index, s.t.Format(time.RFC3339))
			continue
		}
		parent.children = append(parent.children, n)
		parent.byName[rec.Index.Base()] = n
	}
	if top == nil || !top.rec.IsDir() {
		return nil, os.ErrNotExist
	}
	return top, nil
}

// fileNode is one object in a session's tree.
type fileNode struct {
	rec      *record.Record
	s        *session
	children []*fileNode
	byName   map[string]*fileNode
}

func (n *fileNode) Attr(ctx context.Context, a *fuse.Attr) error {
	r := n.rec
	a.Mode = r.FileMode()
	a.Size = uint64(r.Size)
	a.Mtime = time.Unix(r.ModTime, 0)
	a.Atime = time.Unix(r.AccessTime, 0)
	a.Ctime = time.Unix(r.ChangeTime, 0)
	a.Uid, a.Gid = uint32(r.UID), uint32(r.GID)
	a.Nlink = 1
	if r.IsDir() {
		a.Size = 0
	}
	return nil
}

// Implements fs.NodeStringLookuper
func (n *fileNode) Lookup(ctx context.Context, name string) (fs.Node, error) {
	if c, ok := n.byName[name]; ok {
		return c, nil
	}
	return nil, fuse.ENOENT
}

// Implements fs.HandleReadDirAller
func (n *fileNode) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	var dirents []fuse.Dirent
	for _, c := range n.children {
		de := fuse.Dirent{Name: c.rec.Index.Base()}
		switch c.rec.Kind {
		case record.Directory:
			de.Type = fuse.DT_Dir
		case record.Regular:
			de.Type = fuse.DT_File
		case record.Symlink:
			de.Type = fuse.DT_Link
		case record.Device:
			de.Type = fuse.DT_Block
			if c.rec.CharDevice {
				de.Type = fuse.DT_Char
			}
		case record.Fifo:
			de.Type = fuse.DT_FIFO
		case record.Socket:
			de.Type = fuse.DT_Socket
		}
		dirents = append(dirents, de)
	}
	return dirents, nil
}

// Implements fs.NodeReadlinker
func (n *fileNode) Readlink(ctx context.Context, req *fuse.ReadlinkRequest) (string, error) {
	if n.rec.Kind != record.Symlink {
		return "", fuse.Errno(syscall.EINVAL)
	}
	return n.rec.LinkTarget, nil
}

// Implements fs.HandleReadAller
func (n *fileNode) ReadAll(ctx context.Context) ([]byte, error) {
	if !n.rec.IsReg() {
		return nil, fuse.Errno(syscall.EINVAL)
	}
	b, err := n.s.cache.get(n.rec.Index.Key(), func() ([]byte, error) {
		var buf bytes.Buffer
		buf.Grow(int(n.rec.Size))
		_, err := restore.Contents(n.s.r, n.rec.Index, n.s.t, &buf)
		return buf.Bytes(), err
	})
	if err != nil {
		log.Error("%s: %s", n.rec.Index, err)
		return nil, fuse.EIO
	}
	return b, nil
}

// contentCache keeps the most recently restored file, which is often
// opened several times in a row.
type contentCache struct {
	mu   sync.Mutex
	key  string
	data []byte
}

func (c *contentCache) get(key string, load func() ([]byte, error)) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data != nil && c.key == key {
		return c.data, nil
	}
	b, err := load()
	if err != nil {
		return nil, err
	}
	c.key, c.data = key, b
	return b, nil
}
