package models

import "time"

// NodeType distinguishes the roles a node record can hold. The numeric
// values are stable in the database.
type NodeType int

const (
	TypeMachine NodeType = iota
	TypeDevice
	TypeRackController
	TypeRegionController
	TypeRegionAndRackController
)

func (t NodeType) String() string {
	switch t {
	case TypeMachine:
		return "machine"
	case TypeDevice:
		return "device"
	case TypeRackController:
		return "rack controller"
	case TypeRegionController:
		return "region controller"
	case TypeRegionAndRackController:
		return "region and rack controller"
	default:
		return "unknown"
	}
}

// IsRack reports whether the node terminates rack duties.
func (t NodeType) IsRack() bool {
	return t == TypeRackController || t == TypeRegionAndRackController
}

// IsRegion reports whether the node carries region duties.
func (t NodeType) IsRegion() bool {
	return t == TypeRegionController || t == TypeRegionAndRackController
}

// LegacyVersion is recorded for racks that predate version reporting.
const LegacyVersion = "2.2 or below"

// WorkerUser is the unprivileged identity that owns controllers nobody has
// claimed. A machine converted into a rack keeps its existing owner.
const WorkerUser = "metal-worker"

// Controller is a rack or region controller identity.
type Controller struct {
	SystemID string
	Hostname string
	DomainID int64
	Type     NodeType
	Owner    string
	Version  string
	Created  time.Time
	Updated  time.Time
}

// Interface is one reported network interface on a controller.
type Interface struct {
	ID       int64
	SystemID string
	Name     string
	MAC      string
	Type     string
	Enabled  bool
}

// Domain is a DNS domain known to the region.
type Domain struct {
	ID            int64
	Name          string
	Authoritative bool
}

// RackConnection is one live RPC session as recorded in the cross-process
// connection table. Multiple rows may exist per rack, one per region worker
// process holding a session.
type RackConnection struct {
	RackSystemID string
	Process      string // host:pid of the owning region worker
	Endpoint     string
	Version      int
	BeaconAware  bool
	ConnectedAt  time.Time
}
