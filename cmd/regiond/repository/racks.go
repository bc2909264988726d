package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/metalgrid/regiond/cmd/regiond/models"
	"github.com/metalgrid/regiond/common/db"
	"github.com/metalgrid/regiond/common/locks"
)

// RackStore executes rack registration under the cluster-wide startup lock.
// The lock prevents two racks registering concurrently from creating
// duplicate identities through a race on the hostname/MAC lookup.
type RackStore struct {
	db *db.DB
}

// NewRackStore creates the registration store.
func NewRackStore(database *db.DB) *RackStore {
	return &RackStore{db: database}
}

// WithStartupLock runs fn inside one transaction holding the startup lock
// for the whole registration. The lock is transaction-scoped: commit or
// rollback releases it.
func (s *RackStore) WithStartupLock(ctx context.Context, fn func(ctx context.Context, tx RackTx) error) error {
	return s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		lock := locks.NewTransactionLock(tx, locks.ClassStartup, 0, locks.Exclusive)
		if err := lock.Acquire(ctx); err != nil {
			return fmt.Errorf("acquire startup lock: %w", err)
		}
		return fn(ctx, &rackTx{q: tx})
	})
}

// ControllerType reads the node type of one controller outside any lock.
func (s *RackStore) ControllerType(ctx context.Context, systemID string) (models.NodeType, error) {
	var t models.NodeType
	err := s.db.QueryRow(ctx,
		`SELECT node_type FROM node WHERE system_id = $1`, systemID).Scan(&t)
	if err != nil {
		return 0, fmt.Errorf("controller type: %w", notFound(err))
	}
	return t, nil
}

// UpdateInterfaces replaces a controller's interface set outside the
// registration path, for periodic topology reports.
func (s *RackStore) UpdateInterfaces(ctx context.Context, systemID string, ifaces []models.Interface) error {
	return s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		var exists bool
		err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM node WHERE system_id = $1)`, systemID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check controller: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return (&rackTx{q: tx}).ReplaceInterfaces(ctx, systemID, ifaces)
	})
}

// RackTx is the registration data surface inside one locked transaction.
type RackTx interface {
	ControllerBySystemID(ctx context.Context, systemID string) (*models.Controller, error)
	ControllerByHostname(ctx context.Context, hostname string) (*models.Controller, error)
	ControllerByMAC(ctx context.Context, mac string) (*models.Controller, error)
	CreateController(ctx context.Context, c *models.Controller) error
	UpdateController(ctx context.Context, c *models.Controller) error
	ReplaceInterfaces(ctx context.Context, systemID string, ifaces []models.Interface) error
	DomainByName(ctx context.Context, name string) (*models.Domain, error)
	CreateDomain(ctx context.Context, name string, authoritative bool) (*models.Domain, error)
	DefaultDomain(ctx context.Context) (*models.Domain, error)
	MigrateLegacyCluster(ctx context.Context, nodegroupUUID, rackSystemID string) (bool, error)
}

type rackTx struct {
	q Querier
}

const controllerColumns = `system_id, hostname, domain_id, node_type, owner, version, created, updated`

func scanController(row pgx.Row) (*models.Controller, error) {
	var c models.Controller
	err := row.Scan(
		&c.SystemID,
		&c.Hostname,
		&c.DomainID,
		&c.Type,
		&c.Owner,
		&c.Version,
		&c.Created,
		&c.Updated,
	)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (t *rackTx) ControllerBySystemID(ctx context.Context, systemID string) (*models.Controller, error) {
	query := `SELECT ` + controllerColumns + ` FROM node WHERE system_id = $1`
	c, err := scanController(t.q.QueryRow(ctx, query, systemID))
	if err != nil {
		return nil, fmt.Errorf("controller by system_id: %w", err)
	}
	return c, nil
}

func (t *rackTx) ControllerByHostname(ctx context.Context, hostname string) (*models.Controller, error) {
	query := `SELECT ` + controllerColumns + ` FROM node WHERE hostname = $1`
	c, err := scanController(t.q.QueryRow(ctx, query, hostname))
	if err != nil {
		return nil, fmt.Errorf("controller by hostname: %w", err)
	}
	return c, nil
}

func (t *rackTx) ControllerByMAC(ctx context.Context, mac string) (*models.Controller, error) {
	query := `
		SELECT ` + controllerColumns + `
		FROM node
		WHERE system_id = (
			SELECT node_system_id FROM interface WHERE mac = $1 LIMIT 1
		)
	`
	c, err := scanController(t.q.QueryRow(ctx, query, mac))
	if err != nil {
		return nil, fmt.Errorf("controller by mac: %w", err)
	}
	return c, nil
}

func (t *rackTx) CreateController(ctx context.Context, c *models.Controller) error {
	query := `
		INSERT INTO node (system_id, hostname, domain_id, node_type, owner, version, created, updated)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
	`
	_, err := t.q.Exec(ctx, query,
		c.SystemID, c.Hostname, c.DomainID, c.Type, c.Owner, c.Version)
	if err != nil {
		return fmt.Errorf("create controller: %w", err)
	}
	return nil
}

func (t *rackTx) UpdateController(ctx context.Context, c *models.Controller) error {
	query := `
		UPDATE node
		SET hostname = $2, domain_id = $3, node_type = $4, owner = $5, version = $6, updated = now()
		WHERE system_id = $1
	`
	_, err := t.q.Exec(ctx, query,
		c.SystemID, c.Hostname, c.DomainID, c.Type, c.Owner, c.Version)
	if err != nil {
		return fmt.Errorf("update controller: %w", err)
	}
	return nil
}

// ReplaceInterfaces makes the reported interface set authoritative: stale
// interfaces not present in the report are removed.
func (t *rackTx) ReplaceInterfaces(ctx context.Context, systemID string, ifaces []models.Interface) error {
	if _, err := t.q.Exec(ctx, `DELETE FROM interface WHERE node_system_id = $1`, systemID); err != nil {
		return fmt.Errorf("clear interfaces: %w", err)
	}
	for _, iface := range ifaces {
		_, err := t.q.Exec(ctx, `
			INSERT INTO interface (node_system_id, name, mac, type, enabled)
			VALUES ($1, $2, $3, $4, $5)
		`, systemID, iface.Name, iface.MAC, iface.Type, iface.Enabled)
		if err != nil {
			return fmt.Errorf("insert interface %s: %w", iface.Name, err)
		}
	}
	return nil
}

func (t *rackTx) DomainByName(ctx context.Context, name string) (*models.Domain, error) {
	var d models.Domain
	err := t.q.QueryRow(ctx,
		`SELECT id, name, authoritative FROM domain WHERE name = $1`, name,
	).Scan(&d.ID, &d.Name, &d.Authoritative)
	if err != nil {
		return nil, fmt.Errorf("domain by name: %w", notFound(err))
	}
	return &d, nil
}

func (t *rackTx) CreateDomain(ctx context.Context, name string, authoritative bool) (*models.Domain, error) {
	var d models.Domain
	err := t.q.QueryRow(ctx, `
		INSERT INTO domain (name, authoritative) VALUES ($1, $2)
		RETURNING id, name, authoritative
	`, name, authoritative).Scan(&d.ID, &d.Name, &d.Authoritative)
	if err != nil {
		return nil, fmt.Errorf("create domain: %w", err)
	}
	return &d, nil
}

func (t *rackTx) DefaultDomain(ctx context.Context) (*models.Domain, error) {
	var d models.Domain
	err := t.q.QueryRow(ctx,
		`SELECT id, name, authoritative FROM domain ORDER BY id LIMIT 1`,
	).Scan(&d.ID, &d.Name, &d.Authoritative)
	if err != nil {
		return nil, fmt.Errorf("default domain: %w", notFound(err))
	}
	return &d, nil
}

// MigrateLegacyCluster moves a legacy per-cluster DHCP configuration onto
// the rack-as-primary-DHCP-server model and deletes the legacy record.
// Repeat calls are no-ops once migrated.
func (t *rackTx) MigrateLegacyCluster(ctx context.Context, nodegroupUUID, rackSystemID string) (bool, error) {
	tag, err := t.q.Exec(ctx, `
		INSERT INTO rack_dhcp_primary (rack_system_id, subnet_cidr)
		SELECT $2, subnet_cidr FROM nodegroup_dhcp WHERE nodegroup_uuid = $1
		ON CONFLICT DO NOTHING
	`, nodegroupUUID, rackSystemID)
	if err != nil {
		return false, fmt.Errorf("migrate legacy cluster: %w", err)
	}
	if _, err := t.q.Exec(ctx,
		`DELETE FROM nodegroup_dhcp WHERE nodegroup_uuid = $1`, nodegroupUUID); err != nil {
		return false, fmt.Errorf("delete legacy cluster: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
