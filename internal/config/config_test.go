package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "schlepd.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

const minimalValidConfig = `
auth:
  ldap:
    url: "ldaps://ldap.internal:636"
    base_dn: "dc=example,dc=com"
    bind_dn: "cn=svc,dc=example,dc=com"
    bind_password: "secret"
    user_attribute: "uid"
    ssh_key_attribute: "sshPublicKey"

fs:
  - vfs_root: "/tenants/alice"
    local_dir: "/srv/schlep/alice"

sftp:
  private_host_key_dir: "/etc/schlepd/host_keys"
`

func TestLoad_AppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, minimalValidConfig)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Logging.Level != "info" {
		t.Errorf("expected default logging level 'info', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "console" {
		t.Errorf("expected default logging format 'console', got %q", cfg.Logging.Format)
	}
	if cfg.SFTP.Port != 2222 {
		t.Errorf("expected default sftp port 2222, got %d", cfg.SFTP.Port)
	}
	if !cfg.SFTP.AllowPublicKey {
		t.Error("expected public key auth enabled by default when neither method is set")
	}
	if cfg.SFTP.AllowPassword {
		t.Error("expected password auth to stay disabled unless explicitly enabled")
	}
	if cfg.Auth.LDAP.ConnTimeout != 120*time.Second {
		t.Errorf("expected default LDAP conn_timeout 120s, got %v", cfg.Auth.LDAP.ConnTimeout)
	}
	if cfg.Auth.LDAP.PoolMaxSize != 8 {
		t.Errorf("expected default LDAP pool_max_size 8, got %d", cfg.Auth.LDAP.PoolMaxSize)
	}
	if cfg.Redis.PoolSize != 10 {
		t.Errorf("expected default redis pool_size 10, got %d", cfg.Redis.PoolSize)
	}
}

func TestLoad_MissingRequiredFieldFails(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
auth:
  ldap:
    url: "ldaps://ldap.internal:636"
    base_dn: "dc=example,dc=com"
    bind_dn: "cn=svc,dc=example,dc=com"
    bind_password: "secret"
    user_attribute: "uid"
    ssh_key_attribute: "sshPublicKey"

sftp:
  private_host_key_dir: "/etc/schlepd/host_keys"
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for missing fs mounts, got nil")
	}
}

func TestLoad_InvalidYAMLFails(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "fs: [[[not yaml")

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed YAML, got nil")
	}
}

func TestValidateCustomRules_DuplicateMountRejected(t *testing.T) {
	cfg := validConfigForCustomRules()
	cfg.FS = append(cfg.FS, cfg.FS[0])

	if err := Validate(&cfg); err == nil {
		t.Fatal("expected error for duplicate vfs_root, got nil")
	}
}

func TestValidateCustomRules_RedisEnabledWithoutURLRejected(t *testing.T) {
	cfg := validConfigForCustomRules()
	cfg.Redis.Enabled = true
	cfg.Redis.URL = ""

	if err := Validate(&cfg); err == nil {
		t.Fatal("expected error for redis enabled without url, got nil")
	}
}

func TestValidateCustomRules_ValidConfigPasses(t *testing.T) {
	cfg := validConfigForCustomRules()
	if err := Validate(&cfg); err != nil {
		t.Fatalf("expected valid config to pass, got: %v", err)
	}
}

func validConfigForCustomRules() Config {
	cfg := Config{
		Logging: LoggingConfig{Level: "info", Format: "console"},
		Auth: AuthConfig{LDAP: LDAPConfig{
			URL: "ldaps://ldap.internal:636", BaseDN: "dc=example,dc=com",
			BindDN: "cn=svc,dc=example,dc=com", BindPassword: "secret",
			UserAttribute: "uid", SSHKeyAttribute: "sshPublicKey",
		}},
		FS: []MountConfig{
			{VFSRoot: "/tenants/alice", LocalDir: "/srv/schlep/alice"},
		},
		SFTP: SFTPConfig{
			Port: 2222, AllowPublicKey: true,
			PrivateHostKeyDir: "/etc/schlepd/host_keys",
		},
	}
	return cfg
}
