package blob

import (
	"context"
	"fmt"
	"strings"

	"ciomsdb/internal/infra/blob/fs"
	"ciomsdb/internal/infra/blob/memory"
	"ciomsdb/internal/infra/blob/s3"
)

// DefaultFSRoot is the directory used by the filesystem driver when none is configured.
const DefaultFSRoot = "./exports"

// S3Config carries the S3 backend settings.
type S3Config = s3.Config

// Config selects and parameterizes a backend.
type Config struct {
	Driver Driver
	FSRoot string
	S3     S3Config
}

// Open constructs the configured backend. The filesystem driver is the default.
func Open(ctx context.Context, cfg Config) (Store, error) {
	driver := Driver(strings.ToLower(strings.TrimSpace(string(cfg.Driver))))
	if driver == "" {
		driver = DriverFilesystem
	}
	switch driver {
	case DriverFilesystem:
		root := cfg.FSRoot
		if root == "" {
			root = DefaultFSRoot
		}
		return fs.New(root)
	case DriverS3:
		return s3.New(ctx, cfg.S3)
	case DriverMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", cfg.Driver)
	}
}
