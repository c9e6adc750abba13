// Package vfs composes a mount.Table into a single virtual tree: listing
// directories, dispatching reads/writes/creates to the owning mount, and
// synthesizing the read-only ancestor directories implied by the table.
package vfs

import (
	"io/fs"
	"time"

	"github.com/schlep-sftp/schlep/internal/mount"
	"github.com/schlep-sftp/schlep/internal/sandboxfs"
	"github.com/schlep-sftp/schlep/internal/sftperr"
)

// DefaultDirMode and DefaultFileMode are applied when a client omits a
// mode on CREAT/MKDIR (§6).
const (
	DefaultDirMode  fs.FileMode = 0o777
	DefaultFileMode fs.FileMode = 0o666
)

// VFS is the composed virtual filesystem over a mount table.
type VFS struct {
	table     *mount.Table
	startTime time.Time
}

// New composes a VFS over table. startTime is used as the mtime of
// synthesized ancestor directories (§4.3).
func New(table *mount.Table, startTime time.Time) *VFS {
	return &VFS{table: table, startTime: startTime}
}

// Entry describes one entry of a directory listing, whether synthesized
// or backed by a host directory.
type Entry struct {
	Name    string
	Mode    fs.FileMode
	IsDir   bool
	Size    int64
	ModTime time.Time
}

// Resolve maps a client path to a mount.Resolution.
func (v *VFS) Resolve(cwd, path string) (*mount.Resolution, error) {
	r, err := v.table.Resolve(cwd, path)
	if err != nil {
		return nil, sftperr.New(sftperr.KindInvalidInput, "resolve", path, err)
	}
	return r, nil
}

// synthDirEntry is the attribute set for a synthesized ancestor directory
// (§4.3 rule 2): mode = default_dir_mode, size = 0, mtime = process start.
func (v *VFS) synthDirEntry(name string) Entry {
	return Entry{Name: name, Mode: DefaultDirMode | fs.ModeDir, IsDir: true, ModTime: v.startTime}
}

// SynthRootAttr returns the attributes reported for any synthesized
// directory (used to answer STAT on "/" and ancestors).
func (v *VFS) SynthRootAttr() Entry {
	return Entry{Name: "/", Mode: DefaultDirMode | fs.ModeDir, IsDir: true, ModTime: v.startTime}
}

// ReadDir lists the directory at r, following §4.3's three cases.
func (v *VFS) ReadDir(r *mount.Resolution) ([]Entry, error) {
	if r.Synthetic {
		children := v.table.Children(r.VFSPath)
		entries := make([]Entry, 0, len(children))
		for _, c := range children {
			entries = append(entries, v.synthDirEntry(c))
		}
		return entries, nil
	}

	hostEntries, err := r.Mount.FS.OpenDir(r.RelPath)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(hostEntries))
	for _, e := range hostEntries {
		entries = append(entries, Entry{
			Name:    e.Name,
			Mode:    e.Info.Mode(),
			IsDir:   e.Info.IsDir(),
			Size:    e.Info.Size(),
			ModTime: e.Info.ModTime(),
		})
	}
	return entries, nil
}

// RequireMounted returns a permission error if r is synthetic: writes,
// creates, and deletes are only legal at mounted paths (§4.3).
func RequireMounted(r *mount.Resolution, op string) error {
	if r.Synthetic {
		return sftperr.New(sftperr.KindPermissionDenied, op, r.VFSPath, errSyntheticWrite)
	}
	return nil
}

var errSyntheticWrite = &syntheticWriteError{}

type syntheticWriteError struct{}

func (*syntheticWriteError) Error() string {
	return "vfs: write/create/delete not permitted on a synthetic ancestor path"
}

// SameMount reports whether a and b are resolutions into the same mount,
// used to reject cross-mount RENAME (§4.8).
func SameMount(a, b *mount.Resolution) bool {
	if a.Synthetic || b.Synthetic {
		return false
	}
	return a.Mount.FS == b.Mount.FS
}

// FS exposes the owning mount's sandboxed filesystem for a mounted
// resolution; callers must check !r.Synthetic first.
func FS(r *mount.Resolution) *sandboxfs.FS { return r.Mount.FS }
