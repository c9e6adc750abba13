package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate runs struct-tag validation plus the cross-field rules that
// don't fit in a tag (duplicate vfs_root, redis enabled without a url).
// Prefix overlap between mounts is not checked here; mount.NewTable
// rejects it when the mount table is built.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

func validateCustomRules(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.FS))
	for i, m := range cfg.FS {
		if seen[m.VFSRoot] {
			return fmt.Errorf("fs[%d]: duplicate vfs_root %q", i, m.VFSRoot)
		}
		seen[m.VFSRoot] = true
	}

	if cfg.Redis.Enabled && cfg.Redis.URL == "" {
		return fmt.Errorf("redis: enabled but url is empty")
	}

	return nil
}

func formatValidationError(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	msg := "invalid configuration:"
	for _, fe := range verrs {
		msg += fmt.Sprintf(" %s (%s)", fe.Namespace(), fe.Tag())
	}
	return fmt.Errorf("%s", msg)
}
