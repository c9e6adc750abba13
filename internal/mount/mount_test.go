package mount

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	t.Run("CollapsesDotAndDotDot", func(t *testing.T) {
		got, err := Normalize("/a/./b/../c")
		require.NoError(t, err)
		assert.Equal(t, "/a/c", got)
	})

	t.Run("CollapsesRepeatedSeparators", func(t *testing.T) {
		got, err := Normalize("/a//b///c")
		require.NoError(t, err)
		assert.Equal(t, "/a/b/c", got)
	})

	t.Run("RootStaysRoot", func(t *testing.T) {
		got, err := Normalize("/")
		require.NoError(t, err)
		assert.Equal(t, "/", got)
	})

	t.Run("RejectsEscapingDotDot", func(t *testing.T) {
		_, err := Normalize("/a/../../b")
		assert.Error(t, err)
	})

	t.Run("RejectsRelativePath", func(t *testing.T) {
		_, err := Normalize("a/b")
		assert.Error(t, err)
	})

	t.Run("RejectsNulByte", func(t *testing.T) {
		_, err := Normalize("/a\x00b")
		assert.Error(t, err)
	})
}

func TestNewTableRejectsOverlap(t *testing.T) {
	t.Run("IdenticalRoots", func(t *testing.T) {
		_, err := NewTable([]Mount{{VFSRoot: "/a"}, {VFSRoot: "/a"}})
		var overlap *ErrOverlap
		assert.ErrorAs(t, err, &overlap)
	})

	t.Run("ProperPrefix", func(t *testing.T) {
		_, err := NewTable([]Mount{{VFSRoot: "/a"}, {VFSRoot: "/a/b"}})
		var overlap *ErrOverlap
		assert.ErrorAs(t, err, &overlap)
	})

	t.Run("SiblingsAreFine", func(t *testing.T) {
		table, err := NewTable([]Mount{{VFSRoot: "/a"}, {VFSRoot: "/b"}})
		require.NoError(t, err)
		assert.Len(t, table.Mounts(), 2)
	})
}

func TestTableResolve(t *testing.T) {
	table, err := NewTable([]Mount{{VFSRoot: "/tenants/alice"}, {VFSRoot: "/tenants/bob"}})
	require.NoError(t, err)

	t.Run("ResolvesIntoOwningMount", func(t *testing.T) {
		r, err := table.Resolve("/", "/tenants/alice/docs/report.txt")
		require.NoError(t, err)
		assert.False(t, r.Synthetic)
		assert.Equal(t, "docs/report.txt", r.RelPath)
		assert.Equal(t, "/tenants/alice", r.Mount.VFSRoot)
	})

	t.Run("SynthesizesAncestors", func(t *testing.T) {
		r, err := table.Resolve("/", "/tenants")
		require.NoError(t, err)
		assert.True(t, r.Synthetic)
		assert.Equal(t, "/tenants", r.VFSPath)
	})

	t.Run("RootIsSynthetic", func(t *testing.T) {
		r, err := table.Resolve("/", "/")
		require.NoError(t, err)
		assert.True(t, r.Synthetic)
	})

	t.Run("UncoveredSiblingErrors", func(t *testing.T) {
		_, err := table.Resolve("/", "/tenants/carol/x")
		assert.Error(t, err)
	})

	t.Run("RelativeToCwd", func(t *testing.T) {
		r, err := table.Resolve("/tenants/alice", "docs")
		require.NoError(t, err)
		assert.Equal(t, "docs", r.RelPath)
	})
}

func TestTableChildren(t *testing.T) {
	table, err := NewTable([]Mount{{VFSRoot: "/tenants/alice"}, {VFSRoot: "/tenants/bob"}, {VFSRoot: "/shared"}})
	require.NoError(t, err)

	children := table.Children("/tenants")
	assert.ElementsMatch(t, []string{"alice", "bob"}, children)

	rootChildren := table.Children("/")
	assert.ElementsMatch(t, []string{"tenants", "shared"}, rootChildren)
}
