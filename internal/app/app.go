// Package app wires configuration, attic storage and the generation manager
// for the geoinv tools.
package app

import (
	"context"
	"fmt"
	"log"

	"github.com/bcdev/geo-inventory-sub000/internal/config"
	"github.com/bcdev/geo-inventory-sub000/internal/generation"
	"github.com/bcdev/geo-inventory-sub000/internal/storage"
)

// App holds the resources shared by all subcommands.
type App struct {
	cfg     *config.Config
	attic   storage.ObjectStorage
	manager *generation.Manager
}

// Mode selects what New prepares on disk.
type Mode int

const (
	// ReadOnly opens whatever index exists. No directory is created and no
	// attic is opened, so the manager can query and dump only.
	ReadOnly Mode = iota
	// ReadWrite creates the index and attic directories and opens the attic.
	ReadWrite
)

// New resolves and validates cfg and builds the generation manager. In
// ReadWrite mode it also creates the index and attic directories and opens
// the attic backend.
func New(ctx context.Context, cfg *config.Config, mode Mode) (*App, error) {
	// Resolve paths and validate
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &App{cfg: cfg}
	if mode == ReadWrite {
		if err := cfg.EnsureDirectories(); err != nil {
			return nil, fmt.Errorf("failed to create directories: %w", err)
		}
		if err := a.initAttic(ctx); err != nil {
			return nil, err
		}
	}
	a.manager = generation.NewManager(cfg, a.attic)
	return a, nil
}

// initAttic opens the storage backend receiving archived sources.
func (a *App) initAttic(ctx context.Context) error {
	var err error

	switch a.cfg.Attic.Type {
	case config.AtticLocal:
		a.attic, err = storage.NewLocalStorage(a.cfg.Attic.Dir)
	case config.AtticS3:
		s3Cfg := storage.DefaultS3Config()
		if a.cfg.Attic.S3.Region != "" {
			s3Cfg.Region = a.cfg.Attic.S3.Region
		}
		if a.cfg.Attic.S3.Endpoint != "" {
			s3Cfg.Endpoint = a.cfg.Attic.S3.Endpoint
			s3Cfg.UsePathStyle = true
		}
		s3Cfg.Prefix = a.cfg.Attic.S3.Prefix
		a.attic, err = storage.NewS3Storage(ctx, a.cfg.Attic.S3.Bucket, s3Cfg)
	default:
		return fmt.Errorf("unsupported attic type: %s", a.cfg.Attic.Type)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize attic: %w", err)
	}

	log.Printf("Attic initialized: type=%s", a.cfg.Attic.Type)
	if a.cfg.Attic.Type == config.AtticS3 {
		log.Printf("S3 Config: Bucket=%s, Region=%s, Endpoint=%s",
			a.cfg.Attic.S3.Bucket, a.cfg.Attic.S3.Region, a.cfg.Attic.S3.Endpoint)
	}
	return nil
}

// Config returns the resolved configuration.
func (a *App) Config() *config.Config {
	return a.cfg
}

// Attic returns the archive backend, nil in ReadOnly mode.
func (a *App) Attic() storage.ObjectStorage {
	return a.attic
}

// Manager returns the generation manager.
func (a *App) Manager() *generation.Manager {
	return a.manager
}
