package models

import "time"

// NodeStatus is the lifecycle state of a machine.
type NodeStatus int

const (
	StatusNew NodeStatus = iota
	StatusCommissioning
	StatusReady
	StatusDeployed
	StatusBroken
)

// Node is a machine known to the region.
type Node struct {
	SystemID        string
	Hostname        string
	Architecture    string
	Status          NodeStatus
	PowerType       string
	PowerParameters map[string]any
	PowerState      string
	PowerQueried    time.Time
	Created         time.Time
}

// PowerParametersEntry is one element of the ListNodePowerParameters
// response: just enough for a rack to query the BMC.
type PowerParametersEntry struct {
	SystemID        string         `json:"system_id"`
	Hostname        string         `json:"hostname"`
	PowerType       string         `json:"power_type"`
	PowerParameters map[string]any `json:"context"`
}

// Event is one audit log entry attached to a node.
type Event struct {
	ID           int64
	NodeSystemID string
	TypeName     string
	Description  string
	Created      time.Time
}

// DNSPublication is one recorded DNS state change carrying the zone serial.
// The newest row's serial is what the generated zone files advertise.
type DNSPublication struct {
	ID      int64
	Serial  uint32
	Source  string
	Created time.Time
}

// PowerDriverSchema describes one power driver for presentation, as
// aggregated from the driver registry.
type PowerDriverSchema struct {
	DriverType      string         `json:"driver_type"`
	Name            string         `json:"name"`
	Description     string         `json:"description"`
	Fields          []any          `json:"fields"`
	MissingPackages []string       `json:"missing_packages"`
	Queryable       bool           `json:"queryable"`
	Extra           map[string]any `json:"-"`
}
