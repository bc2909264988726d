package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/metalgrid/regiond/common/db"
)

// EventStore records node lifecycle events streamed from racks.
type EventStore struct {
	db *db.DB
}

func NewEventStore(database *db.DB) *EventStore {
	return &EventStore{db: database}
}

// ErrNoSuchEventType is returned when a rack reports an event with an
// unregistered type name.
var ErrNoSuchEventType = fmt.Errorf("no such event type")

// Insert stores one event for a node, resolved by system_id.
func (s *EventStore) Insert(ctx context.Context, systemID, typeName, description string, created time.Time) error {
	typeID, err := s.eventTypeID(ctx, typeName)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO event (node_system_id, type_id, description, created)
		VALUES ($1, $2, $3, $4)
	`, systemID, typeID, description, created)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// InsertByMAC stores one event for the node owning the given MAC address.
// Events for unknown MACs are dropped silently: racks report for machines
// the region may not have enlisted yet.
func (s *EventStore) InsertByMAC(ctx context.Context, mac, typeName, description string, created time.Time) error {
	var systemID string
	err := s.db.QueryRow(ctx,
		`SELECT node_system_id FROM interface WHERE mac = $1 LIMIT 1`, mac).Scan(&systemID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("resolve mac %s: %w", mac, err)
	}
	return s.Insert(ctx, systemID, typeName, description, created)
}

// InsertByIP stores one event for the node holding the given IP address,
// dropping it when no node matches.
func (s *EventStore) InsertByIP(ctx context.Context, ip, typeName, description string, created time.Time) error {
	var systemID string
	err := s.db.QueryRow(ctx, `
		SELECT i.node_system_id
		FROM interface i JOIN ip_address a ON a.interface_id = i.id
		WHERE a.ip = $1 LIMIT 1
	`, ip).Scan(&systemID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("resolve ip %s: %w", ip, err)
	}
	return s.Insert(ctx, systemID, typeName, description, created)
}

func (s *EventStore) eventTypeID(ctx context.Context, typeName string) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx,
		`SELECT id FROM event_type WHERE name = $1`, typeName).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w: %s", ErrNoSuchEventType, typeName)
		}
		return 0, fmt.Errorf("event type %s: %w", typeName, err)
	}
	return id, nil
}
