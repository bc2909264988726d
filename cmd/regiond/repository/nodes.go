package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/metalgrid/regiond/cmd/regiond/models"
	"github.com/metalgrid/regiond/common/db"
)

// ErrMACInUse is returned when node creation would claim a MAC address
// already attached to another node.
var ErrMACInUse = fmt.Errorf("mac address already in use")

// NodeStore covers machine lifecycle operations driven from rack RPC
// commands: creation, commissioning, and power parameter queries.
type NodeStore struct {
	db *db.DB
}

func NewNodeStore(database *db.DB) *NodeStore {
	return &NodeStore{db: database}
}

// NodeBySystemID fetches a single node.
func (s *NodeStore) NodeBySystemID(ctx context.Context, systemID string) (*models.Node, error) {
	var (
		n      models.Node
		params []byte
	)
	err := s.db.QueryRow(ctx, `
		SELECT system_id, hostname, architecture, status, power_type,
		       power_parameters, power_state, created
		FROM node WHERE system_id = $1
	`, systemID).Scan(
		&n.SystemID, &n.Hostname, &n.Architecture, &n.Status, &n.PowerType,
		&params, &n.PowerState, &n.Created,
	)
	if err != nil {
		return nil, fmt.Errorf("node by system_id: %w", notFound(err))
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &n.PowerParameters); err != nil {
			return nil, fmt.Errorf("decode power parameters: %w", err)
		}
	}
	return &n, nil
}

// CreateNode inserts a new machine discovered by a rack. Repeated MAC
// addresses in the request collapse onto one interface; a collision with
// any existing interface aborts the creation.
func (s *NodeStore) CreateNode(ctx context.Context, n *models.Node, macs []string) error {
	macs = dedupe(macs)
	for _, mac := range macs {
		var count int
		err := s.db.QueryRow(ctx,
			`SELECT count(*) FROM interface WHERE mac = $1`, mac).Scan(&count)
		if err != nil {
			return fmt.Errorf("check mac %s: %w", mac, err)
		}
		if count > 0 {
			return fmt.Errorf("%w: %s", ErrMACInUse, mac)
		}
	}

	params, err := json.Marshal(n.PowerParameters)
	if err != nil {
		return fmt.Errorf("encode power parameters: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO node (system_id, hostname, architecture, status, node_type,
		                  power_type, power_parameters, created, updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
	`, n.SystemID, n.Hostname, n.Architecture, n.Status, models.TypeMachine,
		n.PowerType, params)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}
	for i, mac := range macs {
		_, err := s.db.Exec(ctx, `
			INSERT INTO interface (node_system_id, name, mac, type, enabled)
			VALUES ($1, $2, $3, 'physical', true)
		`, n.SystemID, fmt.Sprintf("eth%d", i), mac)
		if err != nil {
			return fmt.Errorf("create node interface: %w", err)
		}
	}
	return nil
}

// SetStatus transitions a node's lifecycle status.
func (s *NodeStore) SetStatus(ctx context.Context, systemID string, status models.NodeStatus) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE node SET status = $2, updated = now() WHERE system_id = $1`,
		systemID, status)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// PowerParameters returns up to limit nodes with usable power configuration,
// least recently queried first so periodic status polling spreads evenly.
func (s *NodeStore) PowerParameters(ctx context.Context, limit int) ([]models.PowerParametersEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT system_id, hostname, power_type, power_parameters
		FROM node
		WHERE power_type <> '' AND power_type <> 'manual'
		ORDER BY power_queried NULLS FIRST
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("power parameters: %w", err)
	}
	defer rows.Close()

	var entries []models.PowerParametersEntry
	for rows.Next() {
		var (
			e      models.PowerParametersEntry
			params []byte
		)
		if err := rows.Scan(&e.SystemID, &e.Hostname, &e.PowerType, &params); err != nil {
			return nil, fmt.Errorf("scan power parameters: %w", err)
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &e.PowerParameters); err != nil {
				return nil, fmt.Errorf("decode power parameters: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkPowerQueried timestamps the nodes just handed out for polling so the
// next PowerParameters call rotates to others.
func (s *NodeStore) MarkPowerQueried(ctx context.Context, systemIDs []string) error {
	if len(systemIDs) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx,
		`UPDATE node SET power_queried = now() WHERE system_id = ANY($1)`, systemIDs)
	if err != nil {
		return fmt.Errorf("mark power queried: %w", err)
	}
	return nil
}

// dedupe collapses repeated MAC addresses, keeping first-occurrence order.
func dedupe(macs []string) []string {
	seen := make(map[string]struct{}, len(macs))
	out := macs[:0:0]
	for _, mac := range macs {
		if _, ok := seen[mac]; ok {
			continue
		}
		seen[mac] = struct{}{}
		out = append(out, mac)
	}
	return out
}

// SetPowerState records the state reported by a rack power query.
func (s *NodeStore) SetPowerState(ctx context.Context, systemID, state string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE node SET power_state = $2, updated = now() WHERE system_id = $1`,
		systemID, state)
	if err != nil {
		return fmt.Errorf("set power state: %w", err)
	}
	return nil
}
