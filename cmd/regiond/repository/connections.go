package repository

import (
	"context"
	"fmt"

	"github.com/metalgrid/regiond/cmd/regiond/models"
	"github.com/metalgrid/regiond/common/db"
)

// ConnectionStore mirrors live rack RPC connections into the database so
// every region process can see which racks are reachable cluster-wide.
type ConnectionStore struct {
	db *db.DB
}

func NewConnectionStore(database *db.DB) *ConnectionStore {
	return &ConnectionStore{db: database}
}

// Upsert records one rack connection owned by a region process.
func (s *ConnectionStore) Upsert(ctx context.Context, c models.RackConnection) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO rack_connection (rack_system_id, process, endpoint, version, beacon_aware, connected_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (rack_system_id, process, endpoint)
		DO UPDATE SET version = $4, beacon_aware = $5, connected_at = now()
	`, c.RackSystemID, c.Process, c.Endpoint, c.Version, c.BeaconAware)
	if err != nil {
		return fmt.Errorf("upsert rack connection: %w", err)
	}
	return nil
}

// Delete removes one rack connection record.
func (s *ConnectionStore) Delete(ctx context.Context, rackSystemID, process, endpoint string) error {
	_, err := s.db.Exec(ctx, `
		DELETE FROM rack_connection
		WHERE rack_system_id = $1 AND process = $2 AND endpoint = $3
	`, rackSystemID, process, endpoint)
	if err != nil {
		return fmt.Errorf("delete rack connection: %w", err)
	}
	return nil
}

// PurgeProcess drops every connection record owned by one region process.
// Run at startup so records from a crashed predecessor with the same
// identity do not linger.
func (s *ConnectionStore) PurgeProcess(ctx context.Context, process string) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM rack_connection WHERE process = $1`, process)
	if err != nil {
		return 0, fmt.Errorf("purge process connections: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListForRack returns every region process currently connected to a rack.
func (s *ConnectionStore) ListForRack(ctx context.Context, rackSystemID string) ([]models.RackConnection, error) {
	rows, err := s.db.Query(ctx, `
		SELECT rack_system_id, process, endpoint, version, beacon_aware, connected_at
		FROM rack_connection WHERE rack_system_id = $1
	`, rackSystemID)
	if err != nil {
		return nil, fmt.Errorf("list rack connections: %w", err)
	}
	defer rows.Close()

	var conns []models.RackConnection
	for rows.Next() {
		var c models.RackConnection
		err := rows.Scan(&c.RackSystemID, &c.Process, &c.Endpoint, &c.Version, &c.BeaconAware, &c.ConnectedAt)
		if err != nil {
			return nil, fmt.Errorf("scan rack connection: %w", err)
		}
		conns = append(conns, c)
	}
	return conns, rows.Err()
}
