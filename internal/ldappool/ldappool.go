// Package ldappool bounds the number of concurrent authenticated LDAP
// connections (§4.5): bind-and-search for SSH keys, and a discard-after-
// use bind for password verification. Connections are not reused between
// checkouts.
package ldappool

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/schlep-sftp/schlep/internal/metrics"
)

// Config is the auth.ldap configuration surface (§6).
type Config struct {
	URL             string
	BaseDN          string
	BindDN          string
	BindPassword    string
	UserAttribute   string
	SSHKeyAttribute string
	ConnTimeout     time.Duration // default 120s
	PoolMaxSize     int
	StartTLS        bool
	TLSNoVerify     bool
}

const defaultConnTimeout = 120 * time.Second

// Pool limits the number of service-bound LDAP connections in use at
// once to PoolMaxSize slots; callers wait for a free slot. The wait has
// no configurable queue discipline.
type Pool struct {
	cfg     Config
	slots   chan struct{}
	metrics metrics.Recorder
}

// New creates a pool. It does not itself connect; each checkout dials
// and binds a fresh connection, which is closed when it is released or
// when the dial or bind fails.
func New(cfg Config, rec metrics.Recorder) *Pool {
	if cfg.ConnTimeout == 0 {
		cfg.ConnTimeout = defaultConnTimeout
	}
	if cfg.PoolMaxSize <= 0 {
		cfg.PoolMaxSize = 8
	}
	if rec == nil {
		rec = metrics.NoOp()
	}
	return &Pool{cfg: cfg, slots: make(chan struct{}, cfg.PoolMaxSize), metrics: rec}
}

// acquire blocks (respecting ctx) until a pool slot is free, dials a
// fresh connection bound as the service identity, and returns it
// together with a release func that must be called exactly once.
func (p *Pool) acquire(ctx context.Context) (*ldap.Conn, func(), error) {
	start := time.Now()
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	p.metrics.ObserveLDAPPoolWait(time.Since(start))

	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnTimeout)
	defer cancel()

	conn, err := p.dial(dialCtx)
	if err != nil {
		<-p.slots
		return nil, nil, err
	}

	if err := conn.Bind(p.cfg.BindDN, p.cfg.BindPassword); err != nil {
		conn.Close()
		<-p.slots
		return nil, nil, fmt.Errorf("ldappool: service bind: %w", err)
	}

	release := func() {
		conn.Close()
		<-p.slots
	}
	return conn, release, nil
}

func (p *Pool) dial(ctx context.Context) (*ldap.Conn, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: p.cfg.TLSNoVerify} //nolint:gosec // explicit opt-in per §4.5

	conn, err := ldap.DialURL(p.cfg.URL, ldap.DialWithTLSConfig(tlsConfig))
	if err != nil {
		return nil, fmt.Errorf("ldappool: dial: %w", err)
	}
	if p.cfg.StartTLS {
		if err := conn.StartTLS(tlsConfig); err != nil {
			conn.Close()
			return nil, fmt.Errorf("ldappool: starttls: %w", err)
		}
	}
	return conn, nil
}

func (p *Pool) searchUser(conn *ldap.Conn, username string) (*ldap.Entry, error) {
	req := ldap.NewSearchRequest(
		p.cfg.BaseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
		fmt.Sprintf("(%s=%s)", p.cfg.UserAttribute, ldap.EscapeFilter(username)),
		[]string{p.cfg.SSHKeyAttribute, "dn"},
		nil,
	)
	res, err := conn.Search(req)
	if err != nil {
		return nil, fmt.Errorf("ldappool: search: %w", err)
	}
	if len(res.Entries) != 1 {
		return nil, fmt.Errorf("ldappool: user %q not found or not unique", username)
	}
	return res.Entries[0], nil
}

// FetchSSHKeys binds as the service identity, searches for username, and
// returns its ssh_key_attribute values as raw OpenSSH-formatted key lines.
func (p *Pool) FetchSSHKeys(ctx context.Context, username string) ([]string, error) {
	conn, release, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	entry, err := p.searchUser(conn, username)
	if err != nil {
		return nil, err
	}
	return entry.GetAttributeValues(p.cfg.SSHKeyAttribute), nil
}

// VerifyPassword resolves username's DN via the pooled service bind,
// then attempts a bind as that DN with password on a connection that is
// discarded regardless of outcome — probing binds are never returned to
// the pool (§4.5).
func (p *Pool) VerifyPassword(ctx context.Context, username, password string) (bool, error) {
	conn, release, err := p.acquire(ctx)
	if err != nil {
		return false, err
	}

	entry, err := p.searchUser(conn, username)
	release() // the service-bound connection is closed and its slot freed now...
	if err != nil {
		return false, err
	}

	// ...the password probe always happens on a fresh, discarded connection.
	probe, err := p.dial(ctx)
	if err != nil {
		return false, err
	}
	defer probe.Close()

	if err := probe.Bind(entry.DN, password); err != nil {
		if isInvalidCredentials(err) {
			return false, nil
		}
		return false, fmt.Errorf("ldappool: password bind: %w", err)
	}
	return true, nil
}

func isInvalidCredentials(err error) bool {
	le, ok := err.(*ldap.Error)
	if !ok {
		return false
	}
	return le.ResultCode == ldap.LDAPResultInvalidCredentials
}
