// Package blob is the entry point to blob storage. Callers depend on Store and
// obtain a backend through Open; the implementations live under internal/infra/blob.
package blob

import (
	"ciomsdb/internal/blob/core"
)

type (
	// Driver identifies a blob backend driver.
	Driver = core.Driver
	// PutOptions configures a blob write.
	PutOptions = core.PutOptions
	// Info describes stored blob metadata.
	Info = core.Info
	// Store is the interface for blob storage backends.
	Store = core.Store
)

const (
	DriverFilesystem = core.DriverFilesystem
	DriverS3         = core.DriverS3
	DriverMemory     = core.DriverMemory
)

var (
	// ErrNotFound is returned for a missing key.
	ErrNotFound = core.ErrNotFound
	// ErrExists is returned when writing to a taken key.
	ErrExists = core.ErrExists
)
