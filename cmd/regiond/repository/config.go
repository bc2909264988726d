package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/metalgrid/regiond/common/db"
)

// ConfigStore holds region-wide settings as a key-value table. Values are
// stored as JSON so callers keep their native types across restarts.
type ConfigStore struct {
	db *db.DB
}

func NewConfigStore(database *db.DB) *ConfigStore {
	return &ConfigStore{db: database}
}

// Get reads one setting into out, returning ErrNotFound when unset.
func (s *ConfigStore) Get(ctx context.Context, name string, out any) error {
	var raw []byte
	err := s.db.QueryRow(ctx,
		`SELECT value FROM config WHERE name = $1`, name).Scan(&raw)
	if err != nil {
		return fmt.Errorf("config %s: %w", name, notFound(err))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode config %s: %w", name, err)
	}
	return nil
}

// Set stores one setting, replacing any previous value.
func (s *ConfigStore) Set(ctx context.Context, name string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode config %s: %w", name, err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO config (name, value) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET value = $2
	`, name, raw)
	if err != nil {
		return fmt.Errorf("set config %s: %w", name, err)
	}
	return nil
}

// ClusterUUID returns the stable cluster identity, creating it on first
// call. The INSERT ... ON CONFLICT keeps concurrent first callers agreeing
// on a single value.
func (s *ConfigStore) ClusterUUID(ctx context.Context) (string, error) {
	candidate, err := json.Marshal(uuid.NewString())
	if err != nil {
		return "", fmt.Errorf("encode cluster uuid: %w", err)
	}
	var raw []byte
	err = s.db.QueryRow(ctx, `
		INSERT INTO config (name, value) VALUES ('uuid', $1)
		ON CONFLICT (name) DO UPDATE SET value = config.value
		RETURNING value
	`, candidate).Scan(&raw)
	if err != nil {
		return "", fmt.Errorf("cluster uuid: %w", err)
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return "", fmt.Errorf("decode cluster uuid: %w", err)
	}
	return id, nil
}

// BootDefaults is the fallback boot configuration used when a machine has
// no specific boot profile.
type BootDefaults struct {
	OS           string `json:"osystem"`
	Release      string `json:"release"`
	Architecture string `json:"architecture"`
	Purpose      string `json:"purpose"`
	Domain       string `json:"domain"`
	ExtraOpts    string `json:"extra_opts"`
}

// DefaultBootDefaults matches a fresh installation.
func DefaultBootDefaults() BootDefaults {
	return BootDefaults{
		OS:           "ubuntu",
		Release:      "noble",
		Architecture: "amd64",
		Purpose:      "commissioning",
		Domain:       "maas",
	}
}

// TimeConfiguration names the NTP servers racks should chime against.
type TimeConfiguration struct {
	Servers []string `json:"servers"`
	Peers   []string `json:"peers"`
}

// DNSConfiguration names the upstream DNS resolvers and trusted networks.
type DNSConfiguration struct {
	Servers        []string `json:"servers"`
	TrustedNetwork []string `json:"trusted_networks"`
}

// ProxyConfiguration carries the HTTP proxy settings racks pull on connect.
type ProxyConfiguration struct {
	Enabled      bool     `json:"enabled"`
	Port         int      `json:"port"`
	Prefer       string   `json:"prefer,omitempty"`
	AllowedCIDRs []string `json:"allowed_cidrs,omitempty"`
}

// SyslogConfiguration carries the remote syslog forwarding port.
type SyslogConfiguration struct {
	Port int `json:"port"`
}
