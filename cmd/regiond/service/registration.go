// Package service implements the region controller's domain operations on
// top of the repository layer and the rack RPC surface.
package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/metalgrid/regiond/cmd/regiond/models"
	"github.com/metalgrid/regiond/cmd/regiond/repository"
	"github.com/metalgrid/regiond/common/logger"
)

// RackStore is the locked transaction surface registration runs against.
type RackStore interface {
	WithStartupLock(ctx context.Context, fn func(ctx context.Context, tx repository.RackTx) error) error
}

// RegistrationRequest carries everything a rack reports when it connects.
type RegistrationRequest struct {
	SystemID      string
	Hostname      string
	Interfaces    []models.Interface
	Version       string
	NodeGroupUUID string
	BeaconAware   bool
}

// RegistrationService admits rack controllers into the region. One
// registration runs as a single transaction under the cluster startup lock,
// so concurrent registrations from the same host collapse onto one record.
type RegistrationService struct {
	store RackStore
	log   *logger.Logger
}

func NewRegistrationService(store RackStore, log *logger.Logger) *RegistrationService {
	return &RegistrationService{store: store, log: log}
}

// Register finds or creates the controller record for a rack. Repeating the
// same request yields the same record.
func (s *RegistrationService) Register(ctx context.Context, req RegistrationRequest) (*models.Controller, error) {
	if req.Hostname == "" {
		return nil, errors.New("registration requires a hostname")
	}
	host, domainName := splitFQDN(req.Hostname)
	if req.Version == "" {
		req.Version = models.LegacyVersion
	}

	var registered *models.Controller
	err := s.store.WithStartupLock(ctx, func(ctx context.Context, tx repository.RackTx) error {
		domain, err := s.resolveDomain(ctx, tx, domainName)
		if err != nil {
			return err
		}

		existing, err := s.resolveIdentity(ctx, tx, req, host)
		if err != nil {
			return err
		}

		if existing == nil {
			registered, err = s.createRack(ctx, tx, req, host, domain)
		} else {
			registered, err = s.updateRack(ctx, tx, existing, req, host, domain)
		}
		if err != nil {
			return err
		}

		if err := tx.ReplaceInterfaces(ctx, registered.SystemID, req.Interfaces); err != nil {
			return err
		}

		if req.NodeGroupUUID != "" {
			migrated, err := tx.MigrateLegacyCluster(ctx, req.NodeGroupUUID, registered.SystemID)
			if err != nil {
				return err
			}
			if migrated {
				s.log.Info("migrated legacy cluster",
					"nodegroup", req.NodeGroupUUID, "system_id", registered.SystemID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("register rack controller: %w", err)
	}
	return registered, nil
}

// resolveIdentity finds an existing record for the registering host, trying
// system ID first, then hostname, then any reported MAC.
func (s *RegistrationService) resolveIdentity(ctx context.Context, tx repository.RackTx, req RegistrationRequest, host string) (*models.Controller, error) {
	if req.SystemID != "" {
		c, err := tx.ControllerBySystemID(ctx, req.SystemID)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
	}
	c, err := tx.ControllerByHostname(ctx, host)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	for _, iface := range req.Interfaces {
		if iface.MAC == "" {
			continue
		}
		c, err := tx.ControllerByMAC(ctx, iface.MAC)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

func (s *RegistrationService) resolveDomain(ctx context.Context, tx repository.RackTx, name string) (*models.Domain, error) {
	if name == "" {
		return tx.DefaultDomain(ctx)
	}
	domain, err := tx.DomainByName(ctx, name)
	if err == nil {
		return domain, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	// Domains learned from rack FQDNs are not served authoritatively.
	return tx.CreateDomain(ctx, name, false)
}

func (s *RegistrationService) createRack(ctx context.Context, tx repository.RackTx, req RegistrationRequest, host string, domain *models.Domain) (*models.Controller, error) {
	c := &models.Controller{
		SystemID: NewSystemID(),
		Hostname: host,
		DomainID: domain.ID,
		Type:     models.TypeRackController,
		Owner:    models.WorkerUser,
		Version:  req.Version,
	}
	if err := tx.CreateController(ctx, c); err != nil {
		return nil, err
	}
	s.log.Info("new rack controller registered",
		"system_id", c.SystemID, "hostname", c.Hostname)
	return c, nil
}

func (s *RegistrationService) updateRack(ctx context.Context, tx repository.RackTx, existing *models.Controller, req RegistrationRequest, host string, domain *models.Domain) (*models.Controller, error) {
	existing.Hostname = host
	existing.DomainID = domain.ID
	existing.Version = req.Version
	if existing.Owner == "" {
		existing.Owner = models.WorkerUser
	}
	if upgraded := upgradeType(existing.Type); upgraded != existing.Type {
		s.log.Info("controller promoted to rack duties",
			"system_id", existing.SystemID,
			"old_type", existing.Type.String(),
			"new_type", upgraded.String())
		existing.Type = upgraded
	}
	if err := tx.UpdateController(ctx, existing); err != nil {
		return nil, err
	}
	return existing, nil
}

// upgradeType promotes a node to carry rack duties without ever removing
// region duties it already holds.
func upgradeType(t models.NodeType) models.NodeType {
	switch t {
	case models.TypeRegionController, models.TypeRegionAndRackController:
		return models.TypeRegionAndRackController
	default:
		return models.TypeRackController
	}
}

func splitFQDN(hostname string) (host, domain string) {
	if i := strings.IndexByte(hostname, '.'); i > 0 {
		return hostname[:i], hostname[i+1:]
	}
	return hostname, ""
}

// sysIDAlphabet omits lookalike characters so IDs survive being read aloud.
const sysIDAlphabet = "abcdefghkmnpqrtwxy346789"

func NewSystemID() string {
	b := make([]byte, 6)
	max := big.NewInt(int64(len(sysIDAlphabet)))
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(fmt.Sprintf("read random: %v", err))
		}
		b[i] = sysIDAlphabet[n.Int64()]
	}
	return string(b)
}
