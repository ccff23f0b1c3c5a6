// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

// Additional infrastructure to allow accessing backups via FUSE.

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/mmp/bkpack/catalog"
	"github.com/pkg/errors"
)

// mountFUSE exports a read-only FUSE filesystem at dir where the first
// two levels of the directory hierarchy are the yyyymmdd and the hhmmss
// of when each backup set was made. Below that are the paths that were
// backed up, starting from the root. It returns once the filesystem is
// unmounted or ctx is canceled.
func mountFUSE(ctx context.Context, dir string, r *repo) error {
	sets, err := r.c.ListBackupSets()
	if err != nil {
		return err
	}
	if len(sets) == 0 {
		return errors.Errorf("no backup sets to mount")
	}

	conn, err := fuse.Mount(
		dir,
		fuse.FSName("bkfs"),
		fuse.Subtype("bkfs"),
		fuse.VolumeName("backups"),
		fuse.ReadOnly(),
	)
	if err != nil {
		return err
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			if err := fuse.Unmount(dir); err != nil {
				log.Warning("%s: unmount: %s", dir, err)
			}
		case <-done:
		}
	}()

	log.Verbose("%s: serving %d backup sets", dir, len(sets))
	if err := fs.Serve(conn, createPseudoHierarchy(sets, r)); err != nil {
		return err
	}

	<-conn.Ready
	return conn.MountError
}

// Implements various FUSE interfaces for the top levels of the
// hierarchy: yyyymmdd/hhmmss.
type pseudoDir struct {
	name string
	// Each pseudoDir either has 1+ subdirectories in entries, or is the
	// hhmmss directory of a backup set, in which case set is non-nil.
	entries []*pseudoDir
	set     *setTree
}

// Given the backup sets, create the corresponding *pseudoDir hierarchy.
func createPseudoHierarchy(sets []catalog.BackupSet, r *repo) *pseudoDir {
	var root pseudoDir
	seen := make(map[string]bool)
	for _, s := range sets {
		day, tod := s.Time.Format("20060102"), s.Time.Format("150405")
		// Sets made in the same second get their id added.
		if seen[day+tod] {
			tod = fmt.Sprintf("%s.%d", tod, s.ID)
		}
		seen[day+tod] = true
		pseudoAddRecursive(&root, []string{day, tod}, &setTree{set: s, r: r})
	}
	return &root
}

func pseudoAddRecursive(pd *pseudoDir, comps []string, st *setTree) {
	if len(comps) == 0 {
		// Reached the hhmmss directory; below here, it's all provided by
		// the backup set's files.
		pd.set = st
		return
	}

	// If we already have a pseudoDir for the current path component,
	// proceed recursively with it.
	for _, e := range pd.entries {
		if e.name == comps[0] {
			pseudoAddRecursive(e, comps[1:], st)
			return
		}
	}
	// Otherwise add the component to the current pseudoDir and recurse.
	pd.entries = append(pd.entries, &pseudoDir{name: comps[0]})
	pseudoAddRecursive(pd.entries[len(pd.entries)-1], comps[1:], st)
}

// Root() should only be called with the root node passed to fs.Serve;
// since pseudoDir also implements the additional Node and Handle
// interfaces for a directory entry, we can just return it directly.
func (pd *pseudoDir) Root() (fs.Node, error) {
	return pd, nil
}

func (pd *pseudoDir) Attr(ctx context.Context, a *fuse.Attr) error {
	// All pseudoDirs are directories.
	a.Mode = os.ModeDir | 0500
	return nil
}

// Implements fuse.fs.NodeStringLookuper interface (OMGWTFBBQ naming)
func (pd *pseudoDir) Lookup(ctx context.Context, name string) (fs.Node, error) {
	for _, entry := range pd.entries {
		if entry.name != name {
			continue
		}
		if entry.set != nil {
			// Hand-off to the backup set's files for subsequent levels
			// down the hierarchy.
			n, err := entry.set.root()
			if err != nil {
				return nil, err
			}
			return n, nil
		}
		return entry, nil
	}
	return nil, fuse.ENOENT
}

// Implements fuse.fs.HandleReadDirAller
func (pd *pseudoDir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	var de []fuse.Dirent
	for _, entry := range pd.entries {
		de = append(de, fuse.Dirent{Name: entry.name, Type: fuse.DT_Dir})
	}
	return de, nil
}

///////////////////////////////////////////////////////////////////////////

// setTree is the directory hierarchy of one backup set, built from the
// catalog the first time it's needed.
type setTree struct {
	set catalog.BackupSet
	r   *repo

	once sync.Once
	top  *fileNode
	err  error
}

func (st *setTree) root() (*fileNode, error) {
	st.once.Do(func() {
		var files []catalog.FileVersion
		files, st.err = st.r.cat.ListFiles(st.set.ID)
		if st.err != nil {
			log.Error("backup set %d: %s", st.set.ID, st.err)
			st.err = fuse.Errno(syscall.EIO)
			return
		}
		st.top = &fileNode{r: st.r}
		for i := range files {
			st.top.add(pathComponents(files[i].Path), &files[i])
		}
		st.top.sort()
	})
	return st.top, st.err
}

// pathComponents splits an absolute path into its components.
func pathComponents(p string) []string {
	p = strings.TrimPrefix(p, filepath.VolumeName(p))
	var comps []string
	for _, c := range strings.Split(p, string(filepath.Separator)) {
		if c != "" {
			comps = append(comps, c)
		}
	}
	return comps
}

// fileNode is a file, directory or symlink in a backup set. Directories
// above the backed-up paths have no file version of their own.
type fileNode struct {
	name     string
	fv       *catalog.FileVersion
	children []*fileNode
	r        *repo
}

func (n *fileNode) add(comps []string, fv *catalog.FileVersion) {
	if len(comps) == 0 {
		n.fv = fv
		return
	}
	for _, c := range n.children {
		if c.name == comps[0] {
			c.add(comps[1:], fv)
			return
		}
	}
	c := &fileNode{name: comps[0], r: n.r}
	n.children = append(n.children, c)
	c.add(comps[1:], fv)
}

func (n *fileNode) sort() {
	sort.Slice(n.children, func(i, j int) bool { return n.children[i].name < n.children[j].name })
	for _, c := range n.children {
		c.sort()
	}
}

func (n *fileNode) mode() os.FileMode {
	if n.fv == nil {
		return os.ModeDir | 0500
	}
	return os.FileMode(n.fv.Mode)
}

func (n *fileNode) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Mode = n.mode()
	if n.fv != nil {
		if n.mode().IsRegular() {
			a.Size = uint64(n.fv.Size)
		}
		a.Mtime = n.fv.ModTime
	}
	return nil
}

// Implements fuse.fs.NodeStringLookuper interface
func (n *fileNode) Lookup(ctx context.Context, name string) (fs.Node, error) {
	i := sort.Search(len(n.children), func(i int) bool { return n.children[i].name >= name })
	if i < len(n.children) && n.children[i].name == name {
		return n.children[i], nil
	}
	return nil, fuse.ENOENT
}

// Implements fuse.fs.HandleReadDirAller
func (n *fileNode) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	var dirents []fuse.Dirent
	for _, c := range n.children {
		de := fuse.Dirent{Name: c.name}
		switch m := c.mode(); {
		case m.IsDir():
			de.Type = fuse.DT_Dir
		case m&os.ModeSymlink != 0:
			de.Type = fuse.DT_Link
		default:
			de.Type = fuse.DT_File
		}
		dirents = append(dirents, de)
	}
	return dirents, nil
}

// Implements fuse.fs.NodeReadlinker
func (n *fileNode) Readlink(ctx context.Context, req *fuse.ReadlinkRequest) (string, error) {
	if n.fv == nil || n.mode()&os.ModeSymlink == 0 {
		return "", fuse.Errno(syscall.EINVAL)
	}
	return n.fv.LinkTarget, nil
}

// Implements fuse.fs.HandleReadAller
func (n *fileNode) ReadAll(ctx context.Context) ([]byte, error) {
	if n.fv == nil || !n.mode().IsRegular() {
		return nil, fuse.Errno(syscall.EIO)
	}
	b, err := n.r.c.ReadFile(ctx, *n.fv)
	if err != nil {
		log.Error("%s: %s", n.fv.Path, err)
		return nil, fuse.Errno(syscall.EIO)
	}
	return b, nil
}
