package remotefs

import (
	"io"
	"os"
	"path"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
)

// LocalFS provides the local-side file operations used by the
// synchronizer, backed by a billy filesystem so tests can run against an
// in-memory tree. Paths are relative to the filesystem root and use forward
// slashes.
type LocalFS struct {
	fs billy.Filesystem
}

// NewLocalFS roots a LocalFS at a directory on the host filesystem. A
// leading ~ is expanded.
func NewLocalFS(root string) *LocalFS {
	return &LocalFS{fs: osfs.New(ExpandLocalPath(root))}
}

// NewLocalFSFrom wraps an existing billy filesystem.
func NewLocalFSFrom(fs billy.Filesystem) *LocalFS {
	return &LocalFS{fs: fs}
}

// Root returns the underlying filesystem root.
func (l *LocalFS) Root() string { return l.fs.Root() }

// List returns the listing of a directory, directories first then lexical.
func (l *LocalFS) List(dir string) ([]FileEntry, error) {
	infos, err := l.fs.ReadDir(dir)
	if err != nil {
		return nil, classifyPathError(dir, err)
	}

	out := make([]FileEntry, 0, len(infos))
	for _, info := range infos {
		out = append(out, l.entryFromInfo(dir, info))
	}
	sortEntries(out)
	return out, nil
}

func (l *LocalFS) entryFromInfo(dir string, info os.FileInfo) FileEntry {
	full := path.Join(dir, info.Name())
	entry := FileEntry{
		Name:        info.Name(),
		Path:        full,
		Size:        info.Size(),
		Type:        EntryFile,
		ModTime:     info.ModTime(),
		Permissions: info.Mode().String(),
	}

	switch {
	case info.IsDir():
		entry.Type = EntryDir
		entry.Size = DirSizeUnknown
	case info.Mode()&os.ModeSymlink != 0:
		entry.Type = EntrySymlink
		if target, err := l.fs.Readlink(full); err == nil {
			entry.LinkTarget = target
		} else {
			entry.LinkTarget = "(unresolved)"
		}
	}
	return entry
}

// Stat returns the entry for a single path.
func (l *LocalFS) Stat(p string) (FileEntry, error) {
	info, err := l.fs.Lstat(p)
	if err != nil {
		return FileEntry{}, classifyPathError(p, err)
	}
	entry := l.entryFromInfo(parentPath(p), info)
	entry.Path = normalizePath(p)
	if entry.Type == EntryDir {
		entry.Size = info.Size()
	}
	return entry, nil
}

// Read returns up to maxBytes of a file (everything if maxBytes is zero or
// negative).
func (l *LocalFS) Read(p string, maxBytes int64) ([]byte, error) {
	f, err := l.fs.Open(p)
	if err != nil {
		return nil, classifyPathError(p, err)
	}
	defer f.Close()

	var reader io.Reader = f
	if maxBytes > 0 {
		reader = io.LimitReader(f, maxBytes)
	}
	return io.ReadAll(reader)
}

// Write stores content at a path, creating missing parent directories.
func (l *LocalFS) Write(p string, content []byte) error {
	if dir := parentPath(p); dir != "" && dir != "." {
		if err := l.fs.MkdirAll(dir, 0o755); err != nil {
			return classifyPathError(dir, err)
		}
	}
	return util.WriteFile(l.fs, p, content, 0o644)
}

// MkdirAll creates a directory and any missing parents.
func (l *LocalFS) MkdirAll(p string) error {
	return classifyPathError(p, l.fs.MkdirAll(p, 0o755))
}

// Copy duplicates a file or directory tree.
func (l *LocalFS) Copy(src, dst string) error {
	info, err := l.fs.Lstat(src)
	if err != nil {
		return classifyPathError(src, err)
	}

	if !info.IsDir() {
		return l.copyFile(src, dst)
	}

	type pair struct{ src, dst string }
	stack := []pair{{src: src, dst: dst}}

	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if err := l.fs.MkdirAll(top.dst, 0o755); err != nil {
			return classifyPathError(top.dst, err)
		}
		infos, err := l.fs.ReadDir(top.src)
		if err != nil {
			return classifyPathError(top.src, err)
		}
		for _, info := range infos {
			childSrc := path.Join(top.src, info.Name())
			childDst := path.Join(top.dst, info.Name())
			if info.IsDir() {
				stack = append(stack, pair{src: childSrc, dst: childDst})
				continue
			}
			if err := l.copyFile(childSrc, childDst); err != nil {
				return err
			}
		}
	}
	return nil
}

func (l *LocalFS) copyFile(src, dst string) error {
	rf, err := l.fs.Open(src)
	if err != nil {
		return classifyPathError(src, err)
	}
	defer rf.Close()

	if dir := parentPath(dst); dir != "" && dir != "." {
		if err := l.fs.MkdirAll(dir, 0o755); err != nil {
			return classifyPathError(dir, err)
		}
	}
	wf, err := l.fs.Create(dst)
	if err != nil {
		return classifyPathError(dst, err)
	}

	_, copyErr := io.Copy(wf, rf)
	if err := wf.Close(); copyErr == nil {
		copyErr = err
	}
	return copyErr
}

// Move renames a node, falling back to copy-and-delete across devices.
func (l *LocalFS) Move(src, dst string) error {
	if err := l.fs.Rename(src, dst); err == nil {
		return nil
	}
	if err := l.Copy(src, dst); err != nil {
		return err
	}
	return l.Delete(src, true)
}

// Delete removes a file or, with recursive, a whole subtree.
func (l *LocalFS) Delete(p string, recursive bool) error {
	if recursive {
		return classifyPathError(p, util.RemoveAll(l.fs, p))
	}
	return classifyPathError(p, l.fs.Remove(p))
}
