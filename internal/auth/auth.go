// Package auth implements the two SSH auth callbacks (§4.6): public-key
// membership against the cached key set, and password verification via
// the cache-then-LDAP path. Both callbacks are budget-bounded; a timeout
// is surfaced as an authentication failure, never a protocol error.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/schlep-sftp/schlep/internal/authcache"
	"github.com/schlep-sftp/schlep/internal/ldappool"
	"github.com/schlep-sftp/schlep/internal/metrics"
	"github.com/schlep-sftp/schlep/internal/ratelimiter"
)

// Budget bounds how long either callback may take before being treated
// as a failed auth attempt (§4.6).
const Budget = 5 * time.Second

// Verifier implements the SSH public-key and password callbacks.
type Verifier struct {
	cache   *authcache.Cache
	ldap    *ldappool.Pool
	limiter *ratelimiter.KeyedSet
	metrics metrics.Recorder
}

// New creates a Verifier backed by cache and ldap.
func New(cache *authcache.Cache, ldap *ldappool.Pool, limiter *ratelimiter.KeyedSet, rec metrics.Recorder) *Verifier {
	if rec == nil {
		rec = metrics.NoOp()
	}
	return &Verifier{cache: cache, ldap: ldap, limiter: limiter, metrics: rec}
}

// PublicKey implements ssh.ServerConfig's PublicKeyCallback.
func (v *Verifier) PublicKey(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	if v.limiter != nil && !v.limiter.Allow(conn.RemoteAddr().String()) {
		v.metrics.IncAuthAttempt("publickey", false)
		return nil, errors.New("auth: rate limited")
	}

	ctx, cancel := context.WithTimeout(context.Background(), Budget)
	defer cancel()

	username := conn.User()
	wire := string(key.Marshal())

	outcome, err := v.cache.Get(ctx, cacheKeyPublicKey(username, wire), func(ctx context.Context) (authcache.Outcome, error) {
		keys, err := v.ldap.FetchSSHKeys(ctx, username)
		if err != nil {
			return authcache.Outcome{}, err
		}
		return authcache.Outcome{Allowed: keySetContains(keys, wire)}, nil
	})

	if err != nil || ctx.Err() != nil || !outcome.Allowed {
		v.metrics.IncAuthAttempt("publickey", false)
		return nil, errAuthFailed
	}

	v.metrics.IncAuthAttempt("publickey", true)
	return &ssh.Permissions{Extensions: map[string]string{"username": username}}, nil
}

// Password implements ssh.ServerConfig's PasswordCallback.
func (v *Verifier) Password(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	if v.limiter != nil && !v.limiter.Allow(conn.RemoteAddr().String()) {
		v.metrics.IncAuthAttempt("password", false)
		return nil, errors.New("auth: rate limited")
	}

	ctx, cancel := context.WithTimeout(context.Background(), Budget)
	defer cancel()

	username := conn.User()
	key := cacheKeyPassword(username, password)

	outcome, err := v.cache.Get(ctx, key, func(ctx context.Context) (authcache.Outcome, error) {
		ok, err := v.ldap.VerifyPassword(ctx, username, string(password))
		if err != nil {
			return authcache.Outcome{}, err
		}
		return authcache.Outcome{Allowed: ok}, nil
	})

	if err != nil || ctx.Err() != nil || !outcome.Allowed {
		v.metrics.IncAuthAttempt("password", false)
		return nil, errAuthFailed
	}

	v.metrics.IncAuthAttempt("password", true)
	return &ssh.Permissions{Extensions: map[string]string{"username": username}}, nil
}

var errAuthFailed = errors.New("auth: verification failed")

func keySetContains(keys []string, wire string) bool {
	for _, raw := range keys {
		pk, _, _, _, err := ssh.ParseAuthorizedKey([]byte(raw))
		if err != nil {
			continue
		}
		if string(pk.Marshal()) == wire {
			return true
		}
	}
	return false
}

// cacheKeyPublicKey binds the username and the offered key's wire form
// into one cache key, since "credential" here is the specific key being
// tested, not the user's whole key set.
func cacheKeyPublicKey(username, wire string) string {
	h := sha256.Sum256([]byte(wire))
	return "pubkey:" + username + ":" + hex.EncodeToString(h[:])
}

// cacheKeyPassword includes a salted hash of the password so a cached
// positive outcome is only reused for the same password (§4.6).
func cacheKeyPassword(username string, password []byte) string {
	h := sha256.New()
	h.Write([]byte("schlep-password-salt-v1:"))
	h.Write([]byte(username))
	h.Write([]byte{0})
	h.Write(password)
	return "password:" + username + ":" + hex.EncodeToString(h.Sum(nil))
}
