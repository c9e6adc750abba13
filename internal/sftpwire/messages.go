package sftpwire

// Request is a decoded client packet together with its request id
// (SSH_FXP_INIT carries no id and is handled separately by the caller).
type Request struct {
	Type RequestType
	ID   uint32

	Path       string // OPEN, LSTAT, STAT, SETSTAT, OPENDIR, REMOVE, MKDIR, RMDIR, REALPATH, READLINK
	Handle     string // CLOSE, READ, WRITE, FSTAT, FSETSTAT, READDIR
	PFlags     uint32 // OPEN
	Attrs      Attrs  // OPEN, MKDIR, SETSTAT, FSETSTAT
	Offset     uint64 // READ, WRITE
	Length     uint32 // READ
	Data       []byte // WRITE
	NewPath    string // RENAME destination
	LinkTarget string // SYMLINK target
}

// RequestType names the decoded opcode; distinct from the raw wire byte
// so callers get exhaustiveness checking on a small enum.
type RequestType int

const (
	ReqOpen RequestType = iota
	ReqClose
	ReqRead
	ReqWrite
	ReqLstat
	ReqFstat
	ReqStat
	ReqSetstat
	ReqFsetstat
	ReqOpendir
	ReqReaddir
	ReqRemove
	ReqMkdir
	ReqRmdir
	ReqRealpath
	ReqRename
	ReqReadlink
	ReqSymlink
	ReqUnknown
)

// DecodeRequest parses a non-INIT client packet body (msgType already
// stripped by ReadPacket's caller convention: payload here starts right
// after the type byte, and msgType is passed separately).
func DecodeRequest(msgType byte, payload []byte) (Request, error) {
	r := newReader(payload)
	id := r.uint32()

	req := Request{ID: id}
	switch msgType {
	case SSHFXPOpen:
		req.Type = ReqOpen
		req.Path = r.string()
		req.PFlags = r.uint32()
		req.Attrs = r.attrs()
	case SSHFXPClose:
		req.Type = ReqClose
		req.Handle = r.string()
	case SSHFXPRead:
		req.Type = ReqRead
		req.Handle = r.string()
		req.Offset = r.uint64()
		req.Length = r.uint32()
	case SSHFXPWrite:
		req.Type = ReqWrite
		req.Handle = r.string()
		req.Offset = r.uint64()
		req.Data = r.bytes()
	case SSHFXPLstat:
		req.Type = ReqLstat
		req.Path = r.string()
	case SSHFXPFstat:
		req.Type = ReqFstat
		req.Handle = r.string()
	case SSHFXPStat:
		req.Type = ReqStat
		req.Path = r.string()
	case SSHFXPSetstat:
		req.Type = ReqSetstat
		req.Path = r.string()
		req.Attrs = r.attrs()
	case SSHFXPFsetstat:
		req.Type = ReqFsetstat
		req.Handle = r.string()
		req.Attrs = r.attrs()
	case SSHFXPOpendir:
		req.Type = ReqOpendir
		req.Path = r.string()
	case SSHFXPReaddir:
		req.Type = ReqReaddir
		req.Handle = r.string()
	case SSHFXPRemove:
		req.Type = ReqRemove
		req.Path = r.string()
	case SSHFXPMkdir:
		req.Type = ReqMkdir
		req.Path = r.string()
		req.Attrs = r.attrs()
	case SSHFXPRmdir:
		req.Type = ReqRmdir
		req.Path = r.string()
	case SSHFXPRealpath:
		req.Type = ReqRealpath
		req.Path = r.string()
	case SSHFXPRename:
		req.Type = ReqRename
		req.Path = r.string()
		req.NewPath = r.string()
	case SSHFXPReadlink:
		req.Type = ReqReadlink
		req.Path = r.string()
	case SSHFXPSymlink:
		req.Type = ReqSymlink
		// The draft orders SYMLINK as (linkpath, targetpath); OpenSSH's
		// server and clients swap it to (targetpath, linkpath), and
		// OpenSSH's order is what real clients send.
		req.LinkTarget = r.string()
		req.Path = r.string()
	default:
		req.Type = ReqUnknown
	}

	if r.err != nil {
		return Request{}, r.err
	}
	return req, nil
}

// NameEntry is one entry of an SSH_FXP_NAME reply (REALPATH, READDIR).
type NameEntry struct {
	Filename string
	Longname string
	Attrs    Attrs
}

// EncodeStatus builds an SSH_FXP_STATUS reply.
func EncodeStatus(id uint32, code uint32, message string) []byte {
	w := newWriter()
	w.uint32(id).uint32(code).string(message).string("en")
	return w.bodyWithType(SSHFXPStatus)
}

// EncodeHandle builds an SSH_FXP_HANDLE reply.
func EncodeHandle(id uint32, handle string) []byte {
	w := newWriter()
	w.uint32(id).string(handle)
	return w.bodyWithType(SSHFXPHandle)
}

// EncodeData builds an SSH_FXP_DATA reply.
func EncodeData(id uint32, data []byte) []byte {
	w := newWriter()
	w.uint32(id).bytes(data)
	return w.bodyWithType(SSHFXPData)
}

// EncodeAttrs builds an SSH_FXP_ATTRS reply.
func EncodeAttrs(id uint32, attrs Attrs) []byte {
	w := newWriter()
	w.uint32(id).attrs(attrs)
	return w.bodyWithType(SSHFXPAttrs)
}

// EncodeName builds an SSH_FXP_NAME reply carrying one or more entries.
func EncodeName(id uint32, entries []NameEntry) []byte {
	w := newWriter()
	w.uint32(id).uint32(uint32(len(entries)))
	for _, e := range entries {
		w.string(e.Filename).string(e.Longname).attrs(e.Attrs)
	}
	return w.bodyWithType(SSHFXPName)
}

// EncodeVersion builds the server's SSH_FXP_VERSION reply to INIT.
func EncodeVersion(version uint32) []byte {
	w := newWriter()
	w.uint32(version)
	return w.bodyWithType(SSHFXPVersion)
}

// DecodeInit reads the client's requested protocol version from an
// SSH_FXP_INIT packet payload (no request id on this message).
func DecodeInit(payload []byte) uint32 {
	r := newReader(payload)
	return r.uint32()
}
