// Package mount implements the path & mount resolver and the mount table:
// normalizing client-supplied virtual paths, mapping them to a (Mount,
// relative path) pair, and synthesizing the ancestor directories implied
// by a set of mounts.
package mount

import (
	"fmt"
	"sort"
	"strings"

	"github.com/schlep-sftp/schlep/internal/sandboxfs"
)

// Mount binds a virtual subtree to a local directory capability.
type Mount struct {
	VFSRoot string // normalized, absolute, slash-separated, no trailing slash (except "/")
	FS      *sandboxfs.FS
}

// Table is an ordered, read-only-after-construction set of mounts.
type Table struct {
	mounts   []Mount
	byPrefix map[string]*Mount
}

// ErrOverlap is returned by NewTable when two mounts overlap.
type ErrOverlap struct{ A, B string }

func (e *ErrOverlap) Error() string {
	return fmt.Sprintf("mount %q overlaps mount %q", e.A, e.B)
}

// NewTable builds a mount table, enforcing the no-overlap invariant: no two
// mounts share a vfs_root, and no vfs_root is a proper prefix of another.
func NewTable(mounts []Mount) (*Table, error) {
	norm := make([]Mount, len(mounts))
	for i, m := range mounts {
		v, err := Normalize(m.VFSRoot)
		if err != nil {
			return nil, fmt.Errorf("mount %q: %w", m.VFSRoot, err)
		}
		norm[i] = Mount{VFSRoot: v, FS: m.FS}
	}

	sort.Slice(norm, func(i, j int) bool { return norm[i].VFSRoot < norm[j].VFSRoot })

	for i := 0; i < len(norm); i++ {
		for j := i + 1; j < len(norm); j++ {
			a, b := norm[i].VFSRoot, norm[j].VFSRoot
			if a == b {
				return nil, &ErrOverlap{A: a, B: b}
			}
			if isProperPrefix(a, b) || isProperPrefix(b, a) {
				return nil, &ErrOverlap{A: a, B: b}
			}
		}
	}

	byPrefix := make(map[string]*Mount, len(norm))
	t := &Table{mounts: norm}
	for i := range t.mounts {
		byPrefix[t.mounts[i].VFSRoot] = &t.mounts[i]
	}
	t.byPrefix = byPrefix
	return t, nil
}

func isProperPrefix(prefix, s string) bool {
	if prefix == "/" {
		return s != "/"
	}
	return strings.HasPrefix(s, prefix+"/")
}

// Mounts returns the table's mounts in sorted vfs_root order.
func (t *Table) Mounts() []Mount { return t.mounts }

// Resolution is the outcome of resolving a client path.
type Resolution struct {
	// Synthetic is true when Path is a virtual ancestor covered by no mount.
	Synthetic bool
	// Mount is set when Synthetic is false.
	Mount *Mount
	// VFSPath is the normalized absolute virtual path that was resolved.
	VFSPath string
	// RelPath is the host-relative path under Mount.FS, valid only when !Synthetic.
	RelPath string
}

// Resolve normalizes path (optionally relative to cwd) and maps it to a
// mount or a synthesized ancestor. Selection is by longest vfs_root prefix
// match. Normalization is purely lexical; it never touches the filesystem.
func (t *Table) Resolve(cwd, path string) (*Resolution, error) {
	abs := path
	if !strings.HasPrefix(path, "/") {
		abs = joinVirtual(cwd, path)
	}

	vfsPath, err := Normalize(abs)
	if err != nil {
		return nil, err
	}

	if m := t.longestPrefixMatch(vfsPath); m != nil {
		rel := strings.TrimPrefix(vfsPath, m.VFSRoot)
		rel = strings.TrimPrefix(rel, "/")
		return &Resolution{Mount: m, VFSPath: vfsPath, RelPath: rel}, nil
	}

	if t.isAncestor(vfsPath) {
		return &Resolution{Synthetic: true, VFSPath: vfsPath}, nil
	}

	return nil, fmt.Errorf("mount: no mount covers %q", vfsPath)
}

func (t *Table) longestPrefixMatch(vfsPath string) *Mount {
	var best *Mount
	for i := range t.mounts {
		m := &t.mounts[i]
		if m.VFSRoot == vfsPath || isProperPrefix(m.VFSRoot, vfsPath) {
			if best == nil || len(m.VFSRoot) > len(best.VFSRoot) {
				best = m
			}
		}
	}
	return best
}

// isAncestor reports whether vfsPath is "/" or a strict ancestor of at
// least one mount's vfs_root.
func (t *Table) isAncestor(vfsPath string) bool {
	if vfsPath == "/" {
		return true
	}
	for i := range t.mounts {
		if isProperPrefix(vfsPath, t.mounts[i].VFSRoot) {
			return true
		}
	}
	return false
}

// Children returns the set of next-path-components of mounts that are
// strict descendants of vfsPath, used to synthesize ancestor directory
// listings (§4.3 rule 2).
func (t *Table) Children(vfsPath string) []string {
	seen := map[string]bool{}
	var out []string
	prefix := vfsPath
	if prefix != "/" {
		prefix += "/"
	}
	for i := range t.mounts {
		root := t.mounts[i].VFSRoot
		if !strings.HasPrefix(root, prefix) {
			continue
		}
		rest := strings.TrimPrefix(root, prefix)
		if rest == "" {
			continue
		}
		comp := strings.SplitN(rest, "/", 2)[0]
		if !seen[comp] {
			seen[comp] = true
			out = append(out, comp)
		}
	}
	return out
}

func joinVirtual(cwd, path string) string {
	if cwd == "" {
		cwd = "/"
	}
	if !strings.HasSuffix(cwd, "/") {
		cwd += "/"
	}
	return cwd + path
}

// Normalize collapses consecutive separators and resolves "." and ".."
// purely lexically. It rejects any result escaping "/" or retaining "..".
func Normalize(p string) (string, error) {
	if !strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("mount: path %q is not absolute", p)
	}
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("mount: path contains NUL byte")
	}

	segments := strings.Split(p, "/")
	var stack []string
	for _, seg := range segments {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(stack) == 0 {
				return "", fmt.Errorf("mount: path %q escapes root", p)
			}
			stack = stack[:len(stack)-1]
		default:
			stack = append(stack, seg)
		}
	}

	if len(stack) == 0 {
		return "/", nil
	}
	return "/" + strings.Join(stack, "/"), nil
}
