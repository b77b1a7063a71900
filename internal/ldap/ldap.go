// Package ldap manages the directory-login configuration. The config lives in
// the settings table so it survives restarts and can be edited at runtime
// through the API without redeploying.
package ldap

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	ldapv3 "github.com/go-ldap/ldap/v3"

	"github.com/zigroninc/loom/internal/store"
)

// SettingKey is where the serialized config is stored.
const SettingKey = "features.ldap"

// Connection security modes.
const (
	SecurityNone     = "none"
	SecurityTLS      = "tls"
	SecurityStartTLS = "starttls"
)

// Config is the directory connection configuration.
type Config struct {
	Enabled                bool   `json:"enabled"`
	Host                   string `json:"host"`
	Port                   int    `json:"port"`
	Security               string `json:"security"`
	BaseDN                 string `json:"baseDn"`
	BindDN                 string `json:"bindDn"`
	BindPassword           string `json:"bindPassword"`
	UserFilter             string `json:"userFilter"`
	LoginIDAttribute       string `json:"loginIdAttribute"`
	EmailAttribute         string `json:"emailAttribute"`
	AllowUnauthorizedCerts bool   `json:"allowUnauthorizedCerts"`
}

// DefaultConfig is what GetConfig returns before anything has been saved.
func DefaultConfig() Config {
	return Config{
		Security:         SecurityNone,
		Port:             389,
		LoginIDAttribute: "uid",
		EmailAttribute:   "mail",
	}
}

// Validate checks the config for contradictions before it is persisted or
// used to open a connection.
func (c Config) Validate() error {
	switch c.Security {
	case SecurityNone, SecurityTLS, SecurityStartTLS:
	default:
		return fmt.Errorf("unknown security mode %q", c.Security)
	}
	if !c.Enabled {
		return nil
	}
	if c.Host == "" {
		return errors.New("host is required when login is enabled")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.BaseDN == "" {
		return errors.New("baseDn is required when login is enabled")
	}
	if c.LoginIDAttribute == "" {
		return errors.New("loginIdAttribute is required when login is enabled")
	}
	return nil
}

// URL returns the dial URL for the configured host.
func (c Config) URL() string {
	scheme := "ldap"
	if c.Security == SecurityTLS {
		scheme = "ldaps"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Host, c.Port)
}

// Settings is the slice of the store the manager needs.
type Settings interface {
	GetSetting(ctx context.Context, key string) (string, error)
	PutSetting(ctx context.Context, key, value string) error
}

// Manager loads, saves and probes the directory configuration.
type Manager struct {
	settings Settings
	logger   *slog.Logger
}

func NewManager(settings Settings, logger *slog.Logger) *Manager {
	return &Manager{settings: settings, logger: logger}
}

// GetConfig returns the stored config, or the default one when none has been
// saved yet.
func (m *Manager) GetConfig(ctx context.Context) (Config, error) {
	raw, err := m.settings.GetSetting(ctx, SettingKey)
	if errors.Is(err, store.ErrNotFound) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("load ldap config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode ldap config: %w", err)
	}
	return cfg, nil
}

// UpdateConfig validates and persists cfg.
func (m *Manager) UpdateConfig(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode ldap config: %w", err)
	}
	if err := m.settings.PutSetting(ctx, SettingKey, string(raw)); err != nil {
		return fmt.Errorf("save ldap config: %w", err)
	}
	m.logger.Info("ldap config updated", "enabled", cfg.Enabled, "host", cfg.Host)
	return nil
}

// TestConnection dials the configured server and binds with the admin
// credentials. It validates first so a broken config fails fast instead of
// producing a confusing network error.
func (m *Manager) TestConnection(ctx context.Context) error {
	cfg, err := m.GetConfig(ctx)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if !cfg.Enabled {
		return errors.New("ldap login is disabled")
	}

	var opts []ldapv3.DialOpt
	if cfg.Security == SecurityTLS {
		opts = append(opts, ldapv3.DialWithTLSConfig(&tls.Config{
			InsecureSkipVerify: cfg.AllowUnauthorizedCerts,
		}))
	}
	conn, err := ldapv3.DialURL(cfg.URL(), opts...)
	if err != nil {
		return fmt.Errorf("dial %s: %w", cfg.URL(), err)
	}
	defer conn.Close()

	if cfg.Security == SecurityStartTLS {
		if err := conn.StartTLS(&tls.Config{InsecureSkipVerify: cfg.AllowUnauthorizedCerts}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}

	if cfg.BindDN != "" {
		if err := conn.Bind(cfg.BindDN, cfg.BindPassword); err != nil {
			return fmt.Errorf("bind as %s: %w", cfg.BindDN, err)
		}
	}
	return nil
}
