// Package session implements per-connection session state: the
// authenticated identity and the open-handle table. A handle id is a
// per-session token (spec §9, open question 2: the token space is
// per-session, not global), generated with crypto/rand so it cannot be
// guessed by a client probing for another session's handles.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"sync"

	"github.com/schlep-sftp/schlep/internal/mount"
	"github.com/schlep-sftp/schlep/internal/sftperr"
)

// HandleKind distinguishes file handles from directory handles.
type HandleKind int

const (
	KindFile HandleKind = iota
	KindDir
)

// Handle is a per-session open file or directory.
type Handle struct {
	ID         string
	Kind       HandleKind
	Resolution *mount.Resolution

	mu       sync.Mutex
	File     *os.File // nil for directory handles
	Position int64

	dirEntries []string // cached names for READDIR pagination
	dirCursor  int
}

// Lock serializes requests against this handle (§5: "within a single
// handle, operations observe program order").
func (h *Handle) Lock()   { h.mu.Lock() }
func (h *Handle) Unlock() { h.mu.Unlock() }

// SetDirEntries seeds the iteration cursor for a freshly opened directory handle.
func (h *Handle) SetDirEntries(names []string) {
	h.dirEntries = names
	h.dirCursor = 0
}

// NextDirBatch returns up to n unread directory entry names and advances
// the cursor; the second return value is true once exhausted.
func (h *Handle) NextDirBatch(n int) ([]string, bool) {
	if h.dirCursor >= len(h.dirEntries) {
		return nil, true
	}
	end := h.dirCursor + n
	if end > len(h.dirEntries) {
		end = len(h.dirEntries)
	}
	batch := h.dirEntries[h.dirCursor:end]
	h.dirCursor = end
	return batch, h.dirCursor >= len(h.dirEntries)
}

// Session is the per-connection state created on successful SSH
// authentication and destroyed when the transport closes.
type Session struct {
	ID       string
	Username string

	mu      sync.RWMutex
	handles map[string]*Handle
	cwd     string
}

// New creates a session for username, with cwd defaulting to "/".
func New(id, username string) *Session {
	return &Session{
		ID:       id,
		Username: username,
		handles:  make(map[string]*Handle),
		cwd:      "/",
	}
}

// Cwd returns the session's current working directory.
func (s *Session) Cwd() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cwd
}

// NewHandle allocates a handle with a random 128-bit printable token and
// registers it in the session's table.
func (s *Session) NewHandle(kind HandleKind, res *mount.Resolution) *Handle {
	h := &Handle{ID: newHandleID(), Kind: kind, Resolution: res}
	s.mu.Lock()
	s.handles[h.ID] = h
	s.mu.Unlock()
	return h
}

// Lookup returns the handle for id, or an INVALID_HANDLE-classified error.
func (s *Session) Lookup(id string) (*Handle, error) {
	s.mu.RLock()
	h, ok := s.handles[id]
	s.mu.RUnlock()
	if !ok {
		return nil, sftperr.New(sftperr.KindInvalidHandle, "handle_lookup", id, errUnknownHandle)
	}
	return h, nil
}

// Close destroys the handle identified by id, closing any owned
// descriptor. CLOSE and session teardown are the only two ways a handle
// is destroyed (§3), whichever comes first.
func (s *Session) Close(id string) error {
	s.mu.Lock()
	h, ok := s.handles[id]
	if ok {
		delete(s.handles, id)
	}
	s.mu.Unlock()
	if !ok {
		return sftperr.New(sftperr.KindInvalidHandle, "close", id, errUnknownHandle)
	}
	return closeHandle(h)
}

// Teardown closes every open handle. Called once, when the SSH transport
// closes the connection; the handle table is empty afterward (§8 invariant).
func (s *Session) Teardown() {
	s.mu.Lock()
	handles := s.handles
	s.handles = make(map[string]*Handle)
	s.mu.Unlock()

	for _, h := range handles {
		_ = closeHandle(h)
	}
}

// Len reports the number of open handles, used by the §8 invariant tests.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handles)
}

func closeHandle(h *Handle) error {
	h.Lock()
	defer h.Unlock()
	if h.File != nil {
		if h.Kind == KindFile {
			_ = h.File.Sync()
		}
		return h.File.Close()
	}
	return nil
}

var errUnknownHandle = unknownHandleError{}

type unknownHandleError struct{}

func (unknownHandleError) Error() string { return "session: unknown or already-closed handle" }

func newHandleID() string {
	var buf [16]byte // 128 bits
	if _, err := rand.Read(buf[:]); err != nil {
		panic("session: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(buf[:])
}
