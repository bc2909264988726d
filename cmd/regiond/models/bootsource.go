package models

import "time"

// BootSource is a remote image-stream origin.
type BootSource struct {
	ID              int64
	URL             string
	KeyringFilename string
	Priority        int
}

// ImageSpec is the identity tuple of one image product. Cache entries with
// the same spec describe the same product.
type ImageSpec struct {
	OS      string
	Arch    string
	SubArch string
	Release string
	KFlavor string
	Label   string
}

// BootSourceCache is one discovered image product owned by exactly one
// boot source.
type BootSourceCache struct {
	ID           int64
	BootSourceID int64
	ImageSpec
	Title          string
	SupportEOL     time.Time
	BootloaderType string
}

// ImageDescriptor is one product reported by the upstream description
// source on refresh.
type ImageDescriptor struct {
	ImageSpec
	Title          string
	SupportEOL     time.Time
	BootloaderType string
}

// CachePlan is the delta between a source's current cache rows and a fresh
// refresh. Rows surviving the refresh keep their identity through Update
// rather than delete-and-recreate.
type CachePlan struct {
	Delete []int64
	Update []BootSourceCache
	Insert []ImageDescriptor
}

// ComponentError is a standing, user-visible failure record. It persists
// until the component recovers, unlike a one-shot log line.
type ComponentError struct {
	ID        int64
	Component string
	Error     string
	Created   time.Time
}

// Component names used for standing error records.
const (
	ComponentImageImport     = "image-import"
	ComponentRackControllers = "rack-controllers"
)
