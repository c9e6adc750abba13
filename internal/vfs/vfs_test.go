package vfs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schlep-sftp/schlep/internal/mount"
	"github.com/schlep-sftp/schlep/internal/sandboxfs"
)

func newTestVFS(t *testing.T) (*VFS, *mount.Table) {
	t.Helper()
	aliceFS, err := sandboxfs.Open(t.TempDir())
	require.NoError(t, err)
	bobFS, err := sandboxfs.Open(t.TempDir())
	require.NoError(t, err)

	table, err := mount.NewTable([]mount.Mount{
		{VFSRoot: "/tenants/alice", FS: aliceFS},
		{VFSRoot: "/tenants/bob", FS: bobFS},
	})
	require.NoError(t, err)

	return New(table, time.Now()), table
}

func TestReadDirSynthesizesAncestors(t *testing.T) {
	tree, _ := newTestVFS(t)

	res, err := tree.Resolve("/", "/tenants")
	require.NoError(t, err)
	require.True(t, res.Synthetic)

	entries, err := tree.ReadDir(res)
	require.NoError(t, err)

	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
		assert.True(t, e.IsDir)
	}
	assert.ElementsMatch(t, []string{"alice", "bob"}, names)
}

func TestRequireMountedRejectsSynthetic(t *testing.T) {
	tree, _ := newTestVFS(t)

	res, err := tree.Resolve("/", "/")
	require.NoError(t, err)

	err = RequireMounted(res, "mkdir")
	assert.Error(t, err)
}

func TestSameMountRejectsCrossTenant(t *testing.T) {
	tree, _ := newTestVFS(t)

	a, err := tree.Resolve("/", "/tenants/alice/x.txt")
	require.NoError(t, err)
	b, err := tree.Resolve("/", "/tenants/bob/y.txt")
	require.NoError(t, err)

	assert.False(t, SameMount(a, b))

	c, err := tree.Resolve("/", "/tenants/alice/y.txt")
	require.NoError(t, err)
	assert.True(t, SameMount(a, c))
}
