// Package config exposes the JWOC tunables (spec.md §6's Configuration
// table) through a narrow Provider interface, so components depend on the
// handful of values they actually read instead of the whole
// common.Config tree.
package config

import (
	"time"

	"github.com/ternarybob/quaero/internal/common"
)

// Provider is the ConfigProvider every JWOC component depends on instead of
// importing internal/common directly.
type Provider interface {
	JWOC() common.JWOCConfig
	Queue() common.QueueConfig
	Storage() common.StorageConfig
	Server() common.ServerConfig
}

// fromCommon adapts a *common.Config, already loaded via
// common.LoadFromFile, to Provider.
type fromCommon struct {
	cfg *common.Config
}

// New wraps cfg as a Provider.
func New(cfg *common.Config) Provider {
	return fromCommon{cfg: cfg}
}

func (f fromCommon) JWOC() common.JWOCConfig       { return f.cfg.JWOC }
func (f fromCommon) Queue() common.QueueConfig     { return f.cfg.Queue }
func (f fromCommon) Storage() common.StorageConfig { return f.cfg.Storage }
func (f fromCommon) Server() common.ServerConfig   { return f.cfg.Server }

// ParseDuration parses the QueueConfig duration strings ("1s", "5m"),
// falling back to a caller-supplied default if the string is empty or
// malformed rather than failing startup over one bad value.
func ParseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
