// Package sftpserver is the SFTP v3 request dispatch loop (§4.8): it
// reads packets off the session channel, routes each to a handler by
// opcode, and writes replies tagged with the originating request id.
// Requests on distinct handles run concurrently; requests on the same
// handle are serialized by the handle's own lock.
package sftpserver

import (
	"context"
	"io"
	"io/fs"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/schlep-sftp/schlep/internal/logger"
	"github.com/schlep-sftp/schlep/internal/metrics"
	"github.com/schlep-sftp/schlep/internal/mount"
	"github.com/schlep-sftp/schlep/internal/sandboxfs"
	"github.com/schlep-sftp/schlep/internal/session"
	"github.com/schlep-sftp/schlep/internal/sftperr"
	"github.com/schlep-sftp/schlep/internal/sftpwire"
	"github.com/schlep-sftp/schlep/internal/vfs"
)

// readdirBatchSize bounds how many names a single READDIR reply carries.
const readdirBatchSize = 128

// Engine dispatches SFTP requests against a composed vfs.VFS.
type Engine struct {
	vfs     *vfs.VFS
	metrics metrics.Recorder
}

// New creates an Engine over tree.
func New(tree *vfs.VFS, rec metrics.Recorder) *Engine {
	if rec == nil {
		rec = metrics.NoOp()
	}
	return &Engine{vfs: tree, metrics: rec}
}

// Serve reads and dispatches packets from ch until it returns EOF, ctx is
// cancelled, or a framing error occurs. An ssh.Channel satisfies ch, so a
// closure over Serve can act as an sshserver.ChannelHandler.
func (e *Engine) Serve(ctx context.Context, sess *session.Session, ch io.ReadWriter) error {
	log := logger.ForSession(sess.ID, sess.Username)

	var writeMu sync.Mutex
	send := func(payload []byte) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := sftpwire.WritePacket(ch, payload); err != nil {
			log.Debug("write reply failed", zap.Error(err))
		}
	}

	msgType, payload, err := sftpwire.ReadPacket(ch)
	if err != nil {
		return err
	}
	if msgType != sftpwire.SSHFXPInit {
		return nil
	}
	_ = sftpwire.DecodeInit(payload)
	send(sftpwire.EncodeVersion(sftpwire.ProtocolVersion))

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgType, payload, err := sftpwire.ReadPacket(ch)
		if err != nil {
			return err
		}

		req, derr := sftpwire.DecodeRequest(msgType, payload)
		if derr != nil {
			continue // malformed framing; nothing to reply to, drop and keep reading
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			reply := e.dispatch(ctx, sess, req)
			e.metrics.ObserveSFTPRequest(opName(req.Type), time.Since(start), reply.ok)
			send(reply.payload)
		}()
	}
}

type reply struct {
	payload []byte
	ok      bool
}

func statusReply(id uint32, err error) reply {
	if err == nil {
		return reply{payload: sftpwire.EncodeStatus(id, sftpwire.StatusOK, "OK"), ok: true}
	}
	return reply{payload: sftpwire.EncodeStatus(id, statusCodeFor(err), err.Error())}
}

func statusCodeFor(err error) uint32 {
	switch sftperr.KindOf(err) {
	case sftperr.KindNotFound:
		return sftpwire.StatusNoSuchFile
	case sftperr.KindInvalidHandle:
		return sftpwire.StatusInvalidHandle
	case sftperr.KindPermissionDenied:
		return sftpwire.StatusPermissionDenied
	case sftperr.KindInvalidInput:
		return sftpwire.StatusBadMessage
	case sftperr.KindUnsupported:
		return sftpwire.StatusOPUnsupported
	default:
		return sftpwire.StatusFailure
	}
}

func (e *Engine) dispatch(ctx context.Context, sess *session.Session, req sftpwire.Request) reply {
	switch req.Type {
	case sftpwire.ReqOpen:
		return e.open(sess, req)
	case sftpwire.ReqClose:
		return e.close(sess, req)
	case sftpwire.ReqRead:
		return e.read(sess, req)
	case sftpwire.ReqWrite:
		return e.write(sess, req)
	case sftpwire.ReqLstat:
		return e.statPath(sess, req, false)
	case sftpwire.ReqStat:
		return e.statPath(sess, req, true)
	case sftpwire.ReqFstat:
		return e.fstat(sess, req)
	case sftpwire.ReqSetstat:
		return e.setstatPath(sess, req)
	case sftpwire.ReqFsetstat:
		return e.fsetstat(sess, req)
	case sftpwire.ReqOpendir:
		return e.opendir(sess, req)
	case sftpwire.ReqReaddir:
		return e.readdir(sess, req)
	case sftpwire.ReqRemove:
		return e.remove(sess, req)
	case sftpwire.ReqMkdir:
		return e.mkdir(sess, req)
	case sftpwire.ReqRmdir:
		return e.rmdir(sess, req)
	case sftpwire.ReqRealpath:
		return e.realpath(sess, req)
	case sftpwire.ReqRename:
		return e.rename(sess, req)
	case sftpwire.ReqReadlink:
		return e.readlink(sess, req)
	case sftpwire.ReqSymlink:
		return e.symlink(sess, req)
	default:
		return statusReply(req.ID, sftperr.New(sftperr.KindInvalidInput, "dispatch", "", errUnknownRequest))
	}
}

var errUnknownRequest = unknownRequestError{}

type unknownRequestError struct{}

func (unknownRequestError) Error() string { return "sftpserver: unknown request type" }

func (e *Engine) open(sess *session.Session, req sftpwire.Request) reply {
	res, err := e.vfs.Resolve(sess.Cwd(), req.Path)
	if err != nil {
		return statusReply(req.ID, err)
	}

	flags := sandboxfs.OpenFlags{
		Read:   req.PFlags&sftpwire.FXFRead != 0,
		Write:  req.PFlags&sftpwire.FXFWrite != 0,
		Append: req.PFlags&sftpwire.FXFAppend != 0,
		Creat:  req.PFlags&sftpwire.FXFCreat != 0,
		Trunc:  req.PFlags&sftpwire.FXFTrunc != 0,
		Excl:   req.PFlags&sftpwire.FXFExcl != 0,
	}
	if flags.Creat {
		if err := vfs.RequireMounted(res, "open"); err != nil {
			return statusReply(req.ID, err)
		}
	} else if res.Synthetic {
		return statusReply(req.ID, sftperr.New(sftperr.KindNotFound, "open", req.Path, errSyntheticNotAFile))
	}

	mode := fs.FileMode(vfs.DefaultFileMode)
	if req.Attrs.HasPermissions() {
		mode = fs.FileMode(req.Attrs.Permissions & 0o7777)
	}

	f, err := vfs.FS(res).OpenFile(res.RelPath, flags, mode)
	if err != nil {
		return statusReply(req.ID, err)
	}

	h := sess.NewHandle(session.KindFile, res)
	h.File = f
	return reply{payload: sftpwire.EncodeHandle(req.ID, h.ID), ok: true}
}

var errSyntheticNotAFile = syntheticNotAFileError{}

type syntheticNotAFileError struct{}

func (syntheticNotAFileError) Error() string { return "sftpserver: no such file" }

func (e *Engine) close(sess *session.Session, req sftpwire.Request) reply {
	return statusReply(req.ID, sess.Close(req.Handle))
}

func (e *Engine) read(sess *session.Session, req sftpwire.Request) reply {
	h, err := sess.Lookup(req.Handle)
	if err != nil {
		return statusReply(req.ID, err)
	}
	h.Lock()
	defer h.Unlock()

	if h.File == nil {
		return statusReply(req.ID, sftperr.New(sftperr.KindInvalidInput, "read", req.Handle, errNotAFileHandle))
	}

	buf := make([]byte, req.Length)
	n, err := sandboxfs.ReadAt(h.File, buf, int64(req.Offset))
	if n == 0 && err == io.EOF {
		return reply{payload: sftpwire.EncodeStatus(req.ID, sftpwire.StatusEOF, "EOF")}
	}
	if err != nil && err != io.EOF {
		return statusReply(req.ID, err)
	}
	return reply{payload: sftpwire.EncodeData(req.ID, buf[:n]), ok: true}
}

var errNotAFileHandle = notAFileHandleError{}

type notAFileHandleError struct{}

func (notAFileHandleError) Error() string { return "sftpserver: handle is not a file handle" }

func (e *Engine) write(sess *session.Session, req sftpwire.Request) reply {
	h, err := sess.Lookup(req.Handle)
	if err != nil {
		return statusReply(req.ID, err)
	}
	h.Lock()
	defer h.Unlock()

	if h.File == nil {
		return statusReply(req.ID, sftperr.New(sftperr.KindInvalidInput, "write", req.Handle, errNotAFileHandle))
	}

	_, err = sandboxfs.WriteAt(h.File, req.Data, int64(req.Offset))
	return statusReply(req.ID, err)
}

func (e *Engine) statPath(sess *session.Session, req sftpwire.Request, followSymlink bool) reply {
	res, err := e.vfs.Resolve(sess.Cwd(), req.Path)
	if err != nil {
		return statusReply(req.ID, err)
	}
	attrs, err := e.statResolution(res, followSymlink)
	if err != nil {
		return statusReply(req.ID, err)
	}
	return reply{payload: sftpwire.EncodeAttrs(req.ID, attrs), ok: true}
}

func (e *Engine) statResolution(res *mount.Resolution, followSymlink bool) (sftpwire.Attrs, error) {
	if res.Synthetic {
		entry := e.vfs.SynthRootAttr()
		return sftpwire.AttrsFromFileInfo(entry.Size, uint32(entry.Mode.Perm()), true, entry.ModTime), nil
	}

	var fi fs.FileInfo
	var err error
	if followSymlink {
		fi, err = vfs.FS(res).Stat(res.RelPath)
	} else {
		fi, err = vfs.FS(res).Lstat(res.RelPath)
	}
	if err != nil {
		return sftpwire.Attrs{}, err
	}
	return sftpwire.AttrsFromFileInfo(fi.Size(), uint32(fi.Mode().Perm()), fi.IsDir(), fi.ModTime()), nil
}

func (e *Engine) fstat(sess *session.Session, req sftpwire.Request) reply {
	h, err := sess.Lookup(req.Handle)
	if err != nil {
		return statusReply(req.ID, err)
	}
	h.Lock()
	defer h.Unlock()

	attrs, err := e.statResolution(h.Resolution, true)
	if err != nil {
		return statusReply(req.ID, err)
	}
	return reply{payload: sftpwire.EncodeAttrs(req.ID, attrs), ok: true}
}

func (e *Engine) setstatPath(sess *session.Session, req sftpwire.Request) reply {
	res, err := e.vfs.Resolve(sess.Cwd(), req.Path)
	if err != nil {
		return statusReply(req.ID, err)
	}
	if err := vfs.RequireMounted(res, "setstat"); err != nil {
		return statusReply(req.ID, err)
	}
	return statusReply(req.ID, applyAttrs(vfs.FS(res), res.RelPath, req.Attrs))
}

func (e *Engine) fsetstat(sess *session.Session, req sftpwire.Request) reply {
	h, err := sess.Lookup(req.Handle)
	if err != nil {
		return statusReply(req.ID, err)
	}
	h.Lock()
	defer h.Unlock()

	if err := vfs.RequireMounted(h.Resolution, "fsetstat"); err != nil {
		return statusReply(req.ID, err)
	}
	return statusReply(req.ID, applyAttrs(vfs.FS(h.Resolution), h.Resolution.RelPath, req.Attrs))
}

func applyAttrs(fsys *sandboxfs.FS, relPath string, attrs sftpwire.Attrs) error {
	if attrs.HasPermissions() {
		if err := fsys.SetPermissions(relPath, fs.FileMode(attrs.Permissions&0o7777)); err != nil {
			return err
		}
	}
	if attrs.HasSize() {
		if err := fsys.Truncate(relPath, int64(attrs.Size)); err != nil {
			return err
		}
	}
	if attrs.HasTimes() {
		atime := time.Unix(int64(attrs.ATime), 0)
		mtime := time.Unix(int64(attrs.MTime), 0)
		if err := fsys.SetTimes(relPath, atime, mtime); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) opendir(sess *session.Session, req sftpwire.Request) reply {
	res, err := e.vfs.Resolve(sess.Cwd(), req.Path)
	if err != nil {
		return statusReply(req.ID, err)
	}

	entries, err := e.vfs.ReadDir(res)
	if err != nil {
		return statusReply(req.ID, err)
	}

	names := make([]string, len(entries))
	for i, en := range entries {
		names[i] = en.Name
	}

	h := sess.NewHandle(session.KindDir, res)
	h.SetDirEntries(names)
	return reply{payload: sftpwire.EncodeHandle(req.ID, h.ID), ok: true}
}

func (e *Engine) readdir(sess *session.Session, req sftpwire.Request) reply {
	h, err := sess.Lookup(req.Handle)
	if err != nil {
		return statusReply(req.ID, err)
	}
	h.Lock()
	defer h.Unlock()

	batch, exhausted := h.NextDirBatch(readdirBatchSize)
	if len(batch) == 0 && exhausted {
		return reply{payload: sftpwire.EncodeStatus(req.ID, sftpwire.StatusEOF, "EOF")}
	}

	entries := make([]sftpwire.NameEntry, 0, len(batch))
	for _, name := range batch {
		childRes, err := e.vfs.Resolve("/", joinVFS(h.Resolution.VFSPath, name))
		if err != nil {
			continue
		}
		attrs, err := e.statResolution(childRes, false)
		if err != nil {
			continue
		}
		entries = append(entries, sftpwire.NameEntry{Filename: name, Longname: name, Attrs: attrs})
	}
	return reply{payload: sftpwire.EncodeName(req.ID, entries), ok: true}
}

func joinVFS(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

func (e *Engine) remove(sess *session.Session, req sftpwire.Request) reply {
	res, err := e.vfs.Resolve(sess.Cwd(), req.Path)
	if err != nil {
		return statusReply(req.ID, err)
	}
	if err := vfs.RequireMounted(res, "remove"); err != nil {
		return statusReply(req.ID, err)
	}
	return statusReply(req.ID, vfs.FS(res).Remove(res.RelPath))
}

func (e *Engine) mkdir(sess *session.Session, req sftpwire.Request) reply {
	res, err := e.vfs.Resolve(sess.Cwd(), req.Path)
	if err != nil {
		return statusReply(req.ID, err)
	}
	if err := vfs.RequireMounted(res, "mkdir"); err != nil {
		return statusReply(req.ID, err)
	}
	mode := fs.FileMode(vfs.DefaultDirMode)
	if req.Attrs.HasPermissions() {
		mode = fs.FileMode(req.Attrs.Permissions & 0o7777)
	}
	return statusReply(req.ID, vfs.FS(res).Mkdir(res.RelPath, mode))
}

func (e *Engine) rmdir(sess *session.Session, req sftpwire.Request) reply {
	res, err := e.vfs.Resolve(sess.Cwd(), req.Path)
	if err != nil {
		return statusReply(req.ID, err)
	}
	if err := vfs.RequireMounted(res, "rmdir"); err != nil {
		return statusReply(req.ID, err)
	}
	return statusReply(req.ID, vfs.FS(res).Rmdir(res.RelPath))
}

func (e *Engine) realpath(sess *session.Session, req sftpwire.Request) reply {
	res, err := e.vfs.Resolve(sess.Cwd(), req.Path)
	if err != nil {
		return statusReply(req.ID, err)
	}
	attrs, err := e.statResolution(res, true)
	if err != nil {
		return statusReply(req.ID, err)
	}
	return reply{payload: sftpwire.EncodeName(req.ID, []sftpwire.NameEntry{
		{Filename: res.VFSPath, Longname: res.VFSPath, Attrs: attrs},
	}), ok: true}
}

func (e *Engine) rename(sess *session.Session, req sftpwire.Request) reply {
	oldRes, err := e.vfs.Resolve(sess.Cwd(), req.Path)
	if err != nil {
		return statusReply(req.ID, err)
	}
	newRes, err := e.vfs.Resolve(sess.Cwd(), req.NewPath)
	if err != nil {
		return statusReply(req.ID, err)
	}
	if err := vfs.RequireMounted(oldRes, "rename"); err != nil {
		return statusReply(req.ID, err)
	}
	if !vfs.SameMount(oldRes, newRes) {
		return statusReply(req.ID, sftperr.New(sftperr.KindUnsupported, "rename", req.Path, errCrossMount))
	}
	return statusReply(req.ID, vfs.FS(oldRes).Rename(oldRes.RelPath, newRes.RelPath))
}

var errCrossMount = crossMountError{}

type crossMountError struct{}

func (crossMountError) Error() string { return "sftpserver: cross-mount operation is unsupported" }

func (e *Engine) readlink(sess *session.Session, req sftpwire.Request) reply {
	res, err := e.vfs.Resolve(sess.Cwd(), req.Path)
	if err != nil {
		return statusReply(req.ID, err)
	}
	if err := vfs.RequireMounted(res, "readlink"); err != nil {
		return statusReply(req.ID, err)
	}
	target, err := vfs.FS(res).Readlink(res.RelPath)
	if err != nil {
		return statusReply(req.ID, err)
	}
	return reply{payload: sftpwire.EncodeName(req.ID, []sftpwire.NameEntry{
		{Filename: target, Longname: target},
	}), ok: true}
}

func (e *Engine) symlink(sess *session.Session, req sftpwire.Request) reply {
	res, err := e.vfs.Resolve(sess.Cwd(), req.Path)
	if err != nil {
		return statusReply(req.ID, err)
	}
	if err := vfs.RequireMounted(res, "symlink"); err != nil {
		return statusReply(req.ID, err)
	}
	if escapesMount(req.LinkTarget) {
		return statusReply(req.ID, sftperr.New(sftperr.KindUnsupported, "symlink", req.Path, errLinkEscapesMount))
	}
	return statusReply(req.ID, vfs.FS(res).Symlink(req.LinkTarget, res.RelPath))
}

var errLinkEscapesMount = linkEscapesMountError{}

type linkEscapesMountError struct{}

func (linkEscapesMountError) Error() string {
	return "sftpserver: symlink target escapes the mount"
}

// escapesMount rejects absolute targets and any relative target whose
// lexical ".." component count exceeds the directories it descends into
// first, which would walk above the mount root (§4.8).
func escapesMount(target string) bool {
	if strings.HasPrefix(target, "/") {
		return true
	}
	depth := 0
	for _, seg := range strings.Split(target, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			depth--
			if depth < 0 {
				return true
			}
		default:
			depth++
		}
	}
	return false
}

func opName(t sftpwire.RequestType) string {
	names := [...]string{
		"open", "close", "read", "write", "lstat", "fstat", "stat",
		"setstat", "fsetstat", "opendir", "readdir", "remove", "mkdir",
		"rmdir", "realpath", "rename", "readlink", "symlink", "unknown",
	}
	if int(t) < len(names) {
		return names[t]
	}
	return "unknown"
}
