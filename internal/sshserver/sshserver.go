// Package sshserver is the SSH transport (§4.7): it accepts TCP
// connections, negotiates SSH, restricts clients to a single "sftp"
// subsystem request on a session channel, and hands the resulting
// channel off to the SFTP protocol engine.
package sshserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/schlep-sftp/schlep/internal/logger"
	"github.com/schlep-sftp/schlep/internal/metrics"
	"github.com/schlep-sftp/schlep/internal/session"
)

// maxAuthTries closes the connection after this many failed auth
// attempts (§4.7); x/crypto/ssh enforces it through
// ServerConfig.MaxAuthTries, which New sets from this constant.
const maxAuthTries = 3

// ChannelHandler serves one accepted "session" channel carrying an SFTP
// subsystem request for the given session. It owns the channel's
// lifetime and must return when the channel closes or ctx is done.
type ChannelHandler func(ctx context.Context, sess *session.Session, ch ssh.Channel) error

// Config is the sftp configuration surface (§6) relevant to the
// transport: listen address, host keys, and which auth methods are on.
type Config struct {
	Address           string
	Port              int
	PrivateHostKeyDir string
	AllowPassword     bool
	AllowPublicKey    bool
}

// Server is the SSH listener.
type Server struct {
	cfg      Config
	sshCfg   *ssh.ServerConfig
	handler  ChannelHandler
	metrics  metrics.Recorder
	listener net.Listener

	mu   sync.Mutex
	wg   sync.WaitGroup
}

// New builds a Server. verifier supplies the PublicKeyCallback and
// PasswordCallback implementations; handler serves each accepted sftp
// subsystem channel.
func New(cfg Config, verifier interface {
	PublicKey(ssh.ConnMetadata, ssh.PublicKey) (*ssh.Permissions, error)
	Password(ssh.ConnMetadata, []byte) (*ssh.Permissions, error)
}, handler ChannelHandler, rec metrics.Recorder) (*Server, error) {
	if rec == nil {
		rec = metrics.NoOp()
	}

	sshCfg := &ssh.ServerConfig{
		ServerVersion: "SSH-2.0-schlep",
		MaxAuthTries:  maxAuthTries,
	}
	if cfg.AllowPublicKey {
		sshCfg.PublicKeyCallback = verifier.PublicKey
	}
	if cfg.AllowPassword {
		sshCfg.PasswordCallback = verifier.Password
	}
	if !cfg.AllowPublicKey && !cfg.AllowPassword {
		return nil, fmt.Errorf("sshserver: at least one of allow_publickey/allow_password must be set")
	}

	keys, err := loadHostKeys(cfg.PrivateHostKeyDir)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		sshCfg.AddHostKey(k)
	}

	return &Server{cfg: cfg, sshCfg: sshCfg, handler: handler, metrics: rec}, nil
}

// loadHostKeys parses every file in dir as an OpenSSH private key.
// Startup aborts if any file in the directory fails to parse, rather
// than silently skipping it (§4.7).
func loadHostKeys(dir string) ([]ssh.Signer, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("sshserver: read host key dir: %w", err)
	}

	var signers []ssh.Signer
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("sshserver: read host key %s: %w", path, err)
		}
		signer, err := ssh.ParsePrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("sshserver: parse host key %s: %w", path, err)
		}
		signers = append(signers, signer)
	}
	if len(signers) == 0 {
		return nil, fmt.Errorf("sshserver: no usable host keys found in %s", dir)
	}
	return signers, nil
}

// Serve accepts connections until ctx is cancelled or the listener is
// closed; other accept errors are logged and accepting continues. It
// blocks until all in-flight connections have been torn down.
func (s *Server) Serve(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("sshserver: listen %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	logger.L().Info("sftp server listening", zap.String("addr", addr))

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		raw, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
				if errors.Is(err, net.ErrClosed) {
					s.wg.Wait()
					return nil
				}
				logger.L().Warn("accept error", zap.Error(err))
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, raw)
		}()
	}
}

// Stop closes the listener, unblocking Serve's Accept loop.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

func (s *Server) serveConn(ctx context.Context, raw net.Conn) {
	defer raw.Close()

	s.metrics.IncConnection()
	defer s.metrics.DecConnection()

	sshConn, chans, reqs, err := ssh.NewServerConn(raw, s.sshCfg)
	if err != nil {
		// The large majority of auth failures surface here; nothing
		// more to log than the remote address, to avoid leaking
		// credential-guessing signal into logs.
		logger.L().Debug("ssh handshake failed", zap.String("remote", raw.RemoteAddr().String()))
		return
	}
	defer sshConn.Close()

	username := sshConn.Permissions.Extensions["username"]
	if username == "" {
		username = sshConn.User()
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess := session.New(sessionID(sshConn), username)
	defer sess.Teardown()

	connLog := logger.ForSession(sess.ID, username)
	connLog.Info("connection opened", zap.String("remote", sshConn.RemoteAddr().String()))
	defer connLog.Info("connection closed")

	go ssh.DiscardRequests(reqs)

	var chwg sync.WaitGroup
	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			newCh.Reject(ssh.UnknownChannelType, "only session channels are supported")
			continue
		}

		ch, inReqs, err := newCh.Accept()
		if err != nil {
			continue
		}

		chwg.Add(1)
		go func() {
			defer chwg.Done()
			s.serveChannel(sessionCtx, sess, ch, inReqs, connLog)
		}()
	}
	chwg.Wait()
}

func (s *Server) serveChannel(ctx context.Context, sess *session.Session, ch ssh.Channel, reqs <-chan *ssh.Request, log *zap.Logger) {
	defer ch.Close()

	for req := range reqs {
		if req.Type != "subsystem" {
			req.Reply(false, nil)
			continue
		}

		name := parseSubsystemName(req.Payload)
		if name != "sftp" {
			req.Reply(false, nil)
			log.Debug("rejected subsystem request", zap.String("subsystem", name))
			continue
		}
		req.Reply(true, nil)

		if err := s.handler(ctx, sess, ch); err != nil {
			log.Warn("sftp subsystem handler exited with error", zap.Error(err))
		}
		return
	}
}

// parseSubsystemName decodes RFC 4254's "subsystem" request payload: a
// single SSH string (uint32 length prefix + bytes).
func parseSubsystemName(payload []byte) string {
	if len(payload) < 4 {
		return ""
	}
	n := int(payload[0])<<24 | int(payload[1])<<16 | int(payload[2])<<8 | int(payload[3])
	if n < 0 || 4+n > len(payload) {
		return ""
	}
	return string(payload[4 : 4+n])
}

func sessionID(conn *ssh.ServerConn) string {
	return fmt.Sprintf("%x", conn.SessionID())
}
