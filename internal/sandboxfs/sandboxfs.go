// Package sandboxfs wraps an OS directory capability (*os.Root) so that
// every path-taking operation is evaluated relative to that capability,
// with symlink traversal confined to the subtree. It is grounded on the
// os.Root-wrapping pattern shown by the gwangyi-fsx osfs adapter and on
// C2FO-vfs's backend/os operation shapes, generalized from a single
// rooted filesystem to the per-mount capability schlep needs.
//
// Every exported operation fails with a classified *sftperr.Error rather
// than a host-specific error; see §7 of the specification.
package sandboxfs

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/schlep-sftp/schlep/internal/sftperr"
)

// FS is a sandboxed directory capability rooted at a local directory.
type FS struct {
	localRoot string
	root      *os.Root
}

// Open creates a capability rooted at localRoot. The directory must
// already exist; mounts are immutable for the process lifetime, so
// capabilities are never created dynamically from within a session.
func Open(localRoot string) (*FS, error) {
	r, err := os.OpenRoot(localRoot)
	if err != nil {
		return nil, sftperr.New(sftperr.KindIOFailure, "open_root", localRoot, err)
	}
	return &FS{localRoot: localRoot, root: r}, nil
}

// Close releases the underlying OS capability. Called only at process
// shutdown; mount teardown is not part of the per-session lifecycle.
func (fsys *FS) Close() error { return fsys.root.Close() }

// LocalRoot returns the host path the capability is rooted at, used only
// for logging/diagnostics — never for constructing paths outside Root.
func (fsys *FS) LocalRoot() string { return fsys.localRoot }

func classify(op, path string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case os.IsNotExist(err):
		return sftperr.New(sftperr.KindNotFound, op, path, err)
	case os.IsPermission(err):
		return sftperr.New(sftperr.KindPermissionDenied, op, path, err)
	case os.IsExist(err):
		return sftperr.New(sftperr.KindIOFailure, op, path, err)
	default:
		return sftperr.New(sftperr.KindIOFailure, op, path, err)
	}
}

// OpenFlags mirror the SFTP OPEN flags (§6), independent of the wire
// encoding so this package has no dependency on the protocol layer.
type OpenFlags struct {
	Read   bool
	Write  bool
	Append bool
	Creat  bool
	Trunc  bool
	Excl   bool
}

func (f OpenFlags) osFlags() int {
	var flag int
	switch {
	case f.Read && f.Write:
		flag = os.O_RDWR
	case f.Write:
		flag = os.O_WRONLY
	default:
		flag = os.O_RDONLY
	}
	if f.Append {
		flag |= os.O_APPEND
	}
	if f.Creat {
		flag |= os.O_CREATE
	}
	if f.Trunc {
		flag |= os.O_TRUNC
	}
	if f.Excl {
		flag |= os.O_EXCL
	}
	return flag
}

// OpenFile opens relPath under the capability with the given flags/mode.
func (fsys *FS) OpenFile(relPath string, flags OpenFlags, mode fs.FileMode) (*os.File, error) {
	f, err := fsys.root.OpenFile(relPath, flags.osFlags(), mode)
	if err != nil {
		return nil, classify("open", relPath, err)
	}
	return f, nil
}

// DirEntry is a single directory listing entry.
type DirEntry struct {
	Name string
	Info fs.FileInfo
}

// OpenDir lists the entries of relPath, a directory under the capability.
func (fsys *FS) OpenDir(relPath string) ([]DirEntry, error) {
	f, err := fsys.root.Open(trimLeadingSlash(relPath))
	if err != nil {
		return nil, classify("opendir", relPath, err)
	}
	defer f.Close()

	names, err := f.Readdirnames(-1)
	if err != nil {
		return nil, classify("opendir", relPath, err)
	}

	entries := make([]DirEntry, 0, len(names))
	for _, name := range names {
		info, err := fsys.Lstat(filepath.Join(relPath, name))
		if err != nil {
			continue
		}
		entries = append(entries, DirEntry{Name: name, Info: info})
	}
	return entries, nil
}

// Stat stats relPath, following a trailing symlink.
func (fsys *FS) Stat(relPath string) (fs.FileInfo, error) {
	fi, err := fs.Stat(fsys.root.FS(), trimLeadingSlash(relPath))
	if err != nil {
		return nil, classify("stat", relPath, err)
	}
	return fi, nil
}

// Lstat stats relPath without following a trailing symlink.
func (fsys *FS) Lstat(relPath string) (fs.FileInfo, error) {
	fi, err := fsys.root.Lstat(relPath)
	if err != nil {
		return nil, classify("lstat", relPath, err)
	}
	return fi, nil
}

// Mkdir creates relPath as a directory.
func (fsys *FS) Mkdir(relPath string, mode fs.FileMode) error {
	return classify("mkdir", relPath, fsys.root.Mkdir(relPath, mode))
}

// Rmdir removes the empty directory at relPath.
func (fsys *FS) Rmdir(relPath string) error {
	return classify("rmdir", relPath, fsys.root.Remove(relPath))
}

// Remove removes the file at relPath.
func (fsys *FS) Remove(relPath string) error {
	return classify("remove", relPath, fsys.root.Remove(relPath))
}

// Rename renames oldRel to newRel, both within the same capability.
// Cross-mount rename is rejected one layer up (§4.8); this method never
// sees a foreign capability.
func (fsys *FS) Rename(oldRel, newRel string) error {
	return classify("rename", oldRel, fsys.root.Rename(oldRel, newRel))
}

// Readlink reads the target of the symlink at relPath.
func (fsys *FS) Readlink(relPath string) (string, error) {
	target, err := fsys.root.Readlink(relPath)
	if err != nil {
		return "", classify("readlink", relPath, err)
	}
	return target, nil
}

// Symlink creates a symlink at newRel pointing at target. target is the
// raw client-supplied string; callers must reject targets that would
// escape the mount (§4.8) before calling this.
func (fsys *FS) Symlink(target, newRel string) error {
	return classify("symlink", newRel, fsys.root.Symlink(target, newRel))
}

// SetTimes sets the atime/mtime of relPath. The path is resolved through
// the capability (not joined and handed to a path-taking syscall) so a
// symlink inside the mount cannot be used to touch a file outside it.
func (fsys *FS) SetTimes(relPath string, atime, mtime time.Time) error {
	f, err := fsys.root.OpenFile(relPath, os.O_RDWR, 0)
	if err != nil {
		f, err = fsys.root.OpenFile(relPath, os.O_RDONLY, 0)
	}
	if err != nil {
		return classify("set_times", relPath, err)
	}
	defer f.Close()
	return classify("set_times", relPath, futimes(f, atime, mtime))
}

// SetPermissions sets the mode of relPath, operating on the already
// resolved file descriptor.
func (fsys *FS) SetPermissions(relPath string, mode fs.FileMode) error {
	f, err := fsys.root.OpenFile(relPath, os.O_RDONLY, 0)
	if err != nil {
		return classify("set_permissions", relPath, err)
	}
	defer f.Close()
	return classify("set_permissions", relPath, f.Chmod(mode))
}

// Truncate resizes relPath to size bytes, operating on the already
// resolved file descriptor.
func (fsys *FS) Truncate(relPath string, size int64) error {
	f, err := fsys.root.OpenFile(relPath, os.O_WRONLY, 0)
	if err != nil {
		return classify("truncate", relPath, err)
	}
	defer f.Close()
	return classify("truncate", relPath, f.Truncate(size))
}

// ReadAt reads from an already-open handle at off.
func ReadAt(f *os.File, buf []byte, off int64) (int, error) {
	n, err := f.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return n, classify("read", f.Name(), err)
	}
	return n, err
}

// WriteAt writes to an already-open handle at off.
func WriteAt(f *os.File, buf []byte, off int64) (int, error) {
	n, err := f.WriteAt(buf, off)
	if err != nil {
		return n, classify("write", f.Name(), err)
	}
	return n, nil
}

func trimLeadingSlash(p string) string {
	for len(p) > 0 && p[0] == '/' {
		p = p[1:]
	}
	if p == "" {
		return "."
	}
	return p
}
