package sftpserver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schlep-sftp/schlep/internal/mount"
	"github.com/schlep-sftp/schlep/internal/sandboxfs"
	"github.com/schlep-sftp/schlep/internal/session"
	"github.com/schlep-sftp/schlep/internal/sftpwire"
	"github.com/schlep-sftp/schlep/internal/vfs"
)

func newTestEngine(t *testing.T) (*Engine, *session.Session) {
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

	tree := vfs.New(table, time.Now())
	return New(tree, nil), session.New("sid-test", "alice")
}

func decodeHandle(t *testing.T, payload []byte) string {
	t.Helper()
	require.Equal(t, byte(sftpwire.SSHFXPHandle), payload[0])
	r := newTestReader(payload[1:])
	r.uint32() // id
	return r.string()
}

// newTestReader is a tiny local re-implementation of sftpwire's unexported
// reader, since tests live in a different package than the codec.
type testReader struct {
	buf []byte
}

func newTestReader(buf []byte) *testReader { return &testReader{buf: buf} }

func (r *testReader) uint32() uint32 {
	v := uint32(r.buf[0])<<24 | uint32(r.buf[1])<<16 | uint32(r.buf[2])<<8 | uint32(r.buf[3])
	r.buf = r.buf[4:]
	return v
}

func (r *testReader) string() string {
	n := r.uint32()
	s := string(r.buf[:n])
	r.buf = r.buf[n:]
	return s
}

func TestOpenWriteReadClose(t *testing.T) {
	e, sess := newTestEngine(t)
	ctx := context.Background()

	openReq := sftpwire.Request{
		Type: sftpwire.ReqOpen, ID: 1, Path: "/tenants/alice/report.txt",
		PFlags: sftpwire.FXFWrite | sftpwire.FXFCreat | sftpwire.FXFTrunc,
	}
	openReply := e.dispatch(ctx, sess, openReq)
	require.True(t, openReply.ok)
	handle := decodeHandle(t, openReply.payload)

	writeReply := e.dispatch(ctx, sess, sftpwire.Request{
		Type: sftpwire.ReqWrite, ID: 2, Handle: handle, Offset: 0, Data: []byte("hello world"),
	})
	assert.True(t, writeReply.ok)

	closeReply := e.dispatch(ctx, sess, sftpwire.Request{Type: sftpwire.ReqClose, ID: 3, Handle: handle})
	assert.True(t, closeReply.ok)

	openReadReq := sftpwire.Request{
		Type: sftpwire.ReqOpen, ID: 4, Path: "/tenants/alice/report.txt", PFlags: sftpwire.FXFRead,
	}
	openReadReply := e.dispatch(ctx, sess, openReadReq)
	require.True(t, openReadReply.ok)
	readHandle := decodeHandle(t, openReadReply.payload)

	readReply := e.dispatch(ctx, sess, sftpwire.Request{
		Type: sftpwire.ReqRead, ID: 5, Handle: readHandle, Offset: 0, Length: 32,
	})
	require.True(t, readReply.ok)
	assert.Equal(t, byte(sftpwire.SSHFXPData), readReply.payload[0])
}

func TestOpendirReaddirDrain(t *testing.T) {
	e, sess := newTestEngine(t)
	ctx := context.Background()

	for _, name := range []string{"/tenants/alice/a.txt", "/tenants/alice/b.txt"} {
		r := e.dispatch(ctx, sess, sftpwire.Request{
			Type: sftpwire.ReqOpen, ID: 1, Path: name,
			PFlags: sftpwire.FXFWrite | sftpwire.FXFCreat,
		})
		require.True(t, r.ok)
		h := decodeHandle(t, r.payload)
		require.True(t, e.dispatch(ctx, sess, sftpwire.Request{Type: sftpwire.ReqClose, ID: 2, Handle: h}).ok)
	}

	openDirReply := e.dispatch(ctx, sess, sftpwire.Request{Type: sftpwire.ReqOpendir, ID: 3, Path: "/tenants/alice"})
	require.True(t, openDirReply.ok)
	dirHandle := decodeHandle(t, openDirReply.payload)

	readDirReply := e.dispatch(ctx, sess, sftpwire.Request{Type: sftpwire.ReqReaddir, ID: 4, Handle: dirHandle})
	require.True(t, readDirReply.ok)
	assert.Equal(t, byte(sftpwire.SSHFXPName), readDirReply.payload[0])

	eofReply := e.dispatch(ctx, sess, sftpwire.Request{Type: sftpwire.ReqReaddir, ID: 5, Handle: dirHandle})
	assert.Equal(t, byte(sftpwire.SSHFXPStatus), eofReply.payload[0])
}

func TestRealpathOnSyntheticAncestor(t *testing.T) {
	e, sess := newTestEngine(t)
	ctx := context.Background()

	r := e.dispatch(ctx, sess, sftpwire.Request{Type: sftpwire.ReqRealpath, ID: 1, Path: "/tenants"})
	require.True(t, r.ok)
	assert.Equal(t, byte(sftpwire.SSHFXPName), r.payload[0])
}

func TestCrossMountRenameRejected(t *testing.T) {
	e, sess := newTestEngine(t)
	ctx := context.Background()

	openReply := e.dispatch(ctx, sess, sftpwire.Request{
		Type: sftpwire.ReqOpen, ID: 1, Path: "/tenants/alice/x.txt",
		PFlags: sftpwire.FXFWrite | sftpwire.FXFCreat,
	})
	require.True(t, openReply.ok)
	h := decodeHandle(t, openReply.payload)
	require.True(t, e.dispatch(ctx, sess, sftpwire.Request{Type: sftpwire.ReqClose, ID: 2, Handle: h}).ok)

	renameReply := e.dispatch(ctx, sess, sftpwire.Request{
		Type: sftpwire.ReqRename, ID: 3, Path: "/tenants/alice/x.txt", NewPath: "/tenants/bob/x.txt",
	})
	assert.False(t, renameReply.ok)
	assert.Equal(t, byte(sftpwire.SSHFXPStatus), renameReply.payload[0])
}

func TestWriteOnUnknownHandleReturnsInvalidHandleStatus(t *testing.T) {
	e, sess := newTestEngine(t)
	ctx := context.Background()

	r := e.dispatch(ctx, sess, sftpwire.Request{Type: sftpwire.ReqWrite, ID: 1, Handle: "nonexistent", Data: []byte("x")})
	assert.False(t, r.ok)
	require.Equal(t, byte(sftpwire.SSHFXPStatus), r.payload[0])

	sr := newTestReader(r.payload[1:])
	sr.uint32() // id
	assert.Equal(t, uint32(sftpwire.StatusInvalidHandle), sr.uint32())
}

func TestSymlinkEscapingMountIsRejected(t *testing.T) {
	e, sess := newTestEngine(t)
	ctx := context.Background()

	r := e.dispatch(ctx, sess, sftpwire.Request{
		Type: sftpwire.ReqSymlink, ID: 1, Path: "/tenants/alice/evil-link", LinkTarget: "../../../etc/passwd",
	})
	assert.False(t, r.ok)
}

func TestMkdirOnSyntheticPathRejected(t *testing.T) {
	e, sess := newTestEngine(t)
	ctx := context.Background()

	r := e.dispatch(ctx, sess, sftpwire.Request{Type: sftpwire.ReqMkdir, ID: 1, Path: "/tenants"})
	assert.False(t, r.ok)
}
