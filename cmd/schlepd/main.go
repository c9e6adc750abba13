package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/schlep-sftp/schlep/internal/auth"
	"github.com/schlep-sftp/schlep/internal/authcache"
	"github.com/schlep-sftp/schlep/internal/config"
	"github.com/schlep-sftp/schlep/internal/ldappool"
	"github.com/schlep-sftp/schlep/internal/logger"
	"github.com/schlep-sftp/schlep/internal/metrics"
	"github.com/schlep-sftp/schlep/internal/mount"
	"github.com/schlep-sftp/schlep/internal/ratelimiter"
	"github.com/schlep-sftp/schlep/internal/sandboxfs"
	"github.com/schlep-sftp/schlep/internal/session"
	"github.com/schlep-sftp/schlep/internal/sftpserver"
	"github.com/schlep-sftp/schlep/internal/sshserver"
	"github.com/schlep-sftp/schlep/internal/vfs"
)

const authRateLimitPerSecond = 5
const authRateLimitBurst = 10
const authRateLimitIdleEvict = 10 * time.Minute

func main() {
	configPath := flag.String("config", "", "path to schlepd config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "schlepd: config error: %v\n", err)
		os.Exit(1)
	}

	logger.Init(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	log := logger.L()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tree, err := buildVFS(cfg.FS)
	if err != nil {
		log.Fatal("failed to build mount table", zap.Error(err))
	}

	reg := prometheus.NewRegistry()
	rec := metrics.NewPrometheus(reg)

	if cfg.Metrics.EnableMetricsExport || cfg.Metrics.EnableHealthCheck {
		startMetricsServer(cfg, reg)
	}

	ldapPool := ldappool.New(ldappool.Config{
		URL:             cfg.Auth.LDAP.URL,
		BaseDN:          cfg.Auth.LDAP.BaseDN,
		BindDN:          cfg.Auth.LDAP.BindDN,
		BindPassword:    cfg.Auth.LDAP.BindPassword,
		UserAttribute:   cfg.Auth.LDAP.UserAttribute,
		SSHKeyAttribute: cfg.Auth.LDAP.SSHKeyAttribute,
		ConnTimeout:     cfg.Auth.LDAP.ConnTimeout,
		PoolMaxSize:     cfg.Auth.LDAP.PoolMaxSize,
		StartTLS:        cfg.Auth.LDAP.StartTLS,
		TLSNoVerify:     cfg.Auth.LDAP.TLSNoVerify,
	}, rec)

	cacheOpts := []authcache.Option{authcache.WithMetrics(rec)}
	if cfg.Redis.Enabled {
		cacheOpts = append(cacheOpts, authcache.WithRedis(redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.URL,
			PoolSize: cfg.Redis.PoolSize,
		})))
	}
	cache := authcache.New(5*time.Minute, cacheOpts...)

	limiter := ratelimiter.NewKeyedSet(authRateLimitPerSecond, authRateLimitBurst, authRateLimitIdleEvict)
	verifier := auth.New(cache, ldapPool, limiter, rec)

	engine := sftpserver.New(tree, rec)
	handler := func(ctx context.Context, sess *session.Session, ch ssh.Channel) error {
		return engine.Serve(ctx, sess, ch)
	}

	sshSrv, err := sshserver.New(sshserver.Config{
		Address:           firstOrDefault(cfg.SFTP.Address, "127.0.0.1"),
		Port:              cfg.SFTP.Port,
		PrivateHostKeyDir: cfg.SFTP.PrivateHostKeyDir,
		AllowPassword:     cfg.SFTP.AllowPassword,
		AllowPublicKey:    cfg.SFTP.AllowPublicKey,
	}, verifier, handler, rec)
	if err != nil {
		log.Fatal("failed to initialize ssh transport", zap.Error(err))
	}

	serveDone := make(chan error, 1)
	go func() { serveDone <- sshSrv.Serve(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Info("schlepd started", zap.Int("port", cfg.SFTP.Port))

	select {
	case <-sigCh:
		log.Info("shutdown signal received")
		cancel()
		sshSrv.Stop()
		if err := <-serveDone; err != nil {
			log.Error("server exited with error", zap.Error(err))
			os.Exit(1)
		}
	case err := <-serveDone:
		if err != nil {
			log.Error("server exited with error", zap.Error(err))
			os.Exit(1)
		}
	}
}

// buildVFS opens a sandboxfs capability per configured mount and
// composes them into a single mount table and virtual tree.
func buildVFS(mounts []config.MountConfig) (*vfs.VFS, error) {
	entries := make([]mount.Mount, 0, len(mounts))
	for _, m := range mounts {
		fsys, err := sandboxfs.Open(m.LocalDir)
		if err != nil {
			return nil, fmt.Errorf("mount %s: %w", m.VFSRoot, err)
		}
		entries = append(entries, mount.Mount{VFSRoot: m.VFSRoot, FS: fsys})
	}

	table, err := mount.NewTable(entries)
	if err != nil {
		return nil, err
	}
	return vfs.New(table, time.Now()), nil
}

func firstOrDefault(addrs []string, def string) string {
	if len(addrs) == 0 {
		return def
	}
	return addrs[0]
}

func startMetricsServer(cfg *config.Config, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	if cfg.Metrics.EnableMetricsExport {
		mux.Handle("/metrics", metrics.Handler(reg))
	}
	if cfg.Metrics.EnableHealthCheck {
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	}

	addr := fmt.Sprintf("%s:%d", cfg.Metrics.Address, cfg.Metrics.Port)
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.L().Warn("metrics server exited", zap.Error(err))
		}
	}()
}
