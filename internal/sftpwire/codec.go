package sftpwire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// Attrs is the SFTP v3 ATTRS structure: a presence-flag bitmap followed
// by whichever fields the flags select.
type Attrs struct {
	Flags       uint32
	Size        uint64
	UID, GID    uint32
	Permissions uint32
	ATime       uint32
	MTime       uint32
}

// HasSize reports whether Size is present.
func (a Attrs) HasSize() bool { return a.Flags&AttrSize != 0 }

// HasPermissions reports whether Permissions is present.
func (a Attrs) HasPermissions() bool { return a.Flags&AttrPermissions != 0 }

// HasTimes reports whether ATime/MTime are present.
func (a Attrs) HasTimes() bool { return a.Flags&AttrACModTime != 0 }

// AttrsFromFileInfo builds an Attrs carrying size, permissions, and
// mtime (atime is set equal to mtime — the sandbox layer does not track
// access time separately).
func AttrsFromFileInfo(size int64, mode uint32, isDir bool, modTime time.Time) Attrs {
	perm := mode
	if isDir {
		perm |= 0o040000 // S_IFDIR, so clients render directories correctly
	} else {
		perm |= 0o100000 // S_IFREG
	}
	t := uint32(modTime.Unix())
	return Attrs{
		Flags:       AttrSize | AttrPermissions | AttrACModTime,
		Size:        uint64(size),
		Permissions: perm,
		ATime:       t,
		MTime:       t,
	}
}

// reader wraps a byte slice with sequential big-endian decoding and
// tracks the first decode error so callers can chain calls and check
// once at the end.
type reader struct {
	buf []byte
	err error
}

func newReader(buf []byte) *reader { return &reader{buf: buf} }

func (r *reader) need(n int) []byte {
	if r.err != nil || len(r.buf) < n {
		if r.err == nil {
			r.err = fmt.Errorf("sftpwire: short packet, need %d bytes, have %d", n, len(r.buf))
		}
		return nil
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b
}

func (r *reader) uint32() uint32 {
	b := r.need(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) uint64() uint64 {
	b := r.need(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *reader) byte() byte {
	b := r.need(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) string() string {
	n := r.uint32()
	b := r.need(int(n))
	if b == nil {
		return ""
	}
	return string(b)
}

func (r *reader) bytes() []byte {
	n := r.uint32()
	b := r.need(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (r *reader) attrs() Attrs {
	var a Attrs
	a.Flags = r.uint32()
	if a.Flags&AttrSize != 0 {
		a.Size = r.uint64()
	}
	if a.Flags&AttrUIDGID != 0 {
		a.UID = r.uint32()
		a.GID = r.uint32()
	}
	if a.Flags&AttrPermissions != 0 {
		a.Permissions = r.uint32()
	}
	if a.Flags&AttrACModTime != 0 {
		a.ATime = r.uint32()
		a.MTime = r.uint32()
	}
	if a.Flags&AttrExtended != 0 {
		count := r.uint32()
		for i := uint32(0); i < count; i++ {
			r.string()
			r.string()
		}
	}
	return a
}

// writer accumulates a packet body in big-endian wire form.
type writer struct{ buf bytes.Buffer }

func newWriter() *writer { return &writer{} }

func (w *writer) byte(v byte) *writer { w.buf.WriteByte(v); return w }

func (w *writer) uint32(v uint32) *writer {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
	return w
}

func (w *writer) uint64(v uint64) *writer {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
	return w
}

func (w *writer) string(s string) *writer {
	w.uint32(uint32(len(s)))
	w.buf.WriteString(s)
	return w
}

func (w *writer) bytes(b []byte) *writer {
	w.uint32(uint32(len(b)))
	w.buf.Write(b)
	return w
}

func (w *writer) attrs(a Attrs) *writer {
	w.uint32(a.Flags)
	if a.Flags&AttrSize != 0 {
		w.uint64(a.Size)
	}
	if a.Flags&AttrUIDGID != 0 {
		w.uint32(a.UID)
		w.uint32(a.GID)
	}
	if a.Flags&AttrPermissions != 0 {
		w.uint32(a.Permissions)
	}
	if a.Flags&AttrACModTime != 0 {
		w.uint32(a.ATime)
		w.uint32(a.MTime)
	}
	return w
}

func (w *writer) bodyWithType(msgType byte) []byte {
	body := make([]byte, 0, w.buf.Len()+1)
	body = append(body, msgType)
	body = append(body, w.buf.Bytes()...)
	return body
}

// ReadPacket reads one length-prefixed SFTP packet from r: a uint32
// length followed by that many bytes, the first of which is the
// message type byte.
func ReadPacket(r io.Reader) (msgType byte, payload []byte, err error) {
	var lenBuf [4]byte
	if _, err = io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 || length > maxPacketLength {
		return 0, nil, fmt.Errorf("sftpwire: invalid packet length %d", length)
	}

	body := make([]byte, length)
	if _, err = io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return body[0], body[1:], nil
}

// WritePacket frames payload (which must already carry the message type
// as its first byte) with a uint32 length prefix and writes it to w.
func WritePacket(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
