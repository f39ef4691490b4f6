package pipelinemodule

import (
	"github.com/mantonx/mediadex/internal/database"
	"github.com/mantonx/mediadex/internal/logger"
	"github.com/mantonx/mediadex/internal/modules/modulemanager"
	"gorm.io/gorm"
)

const (
	// ModuleID is the unique identifier for the pipeline module.
	ModuleID = "system.pipeline"

	// ModuleName is the display name for the pipeline module.
	ModuleName = "Media Pipeline"
)

// Module wires the pipeline's storage into the module system. The pipeline
// itself is constructed explicitly by the caller, which owns actor and
// mailbox wiring.
type Module struct {
	pipeline *Pipeline
}

// NewModule creates a new pipeline module around an existing pipeline.
func NewModule(pipeline *Pipeline) *Module {
	return &Module{pipeline: pipeline}
}

// ID returns the unique module identifier.
func (m *Module) ID() string { return ModuleID }

// Name returns the module display name.
func (m *Module) Name() string { return ModuleName }

// Core returns whether this is a core module.
func (m *Module) Core() bool { return true }

// Migrate performs database migrations for the media index and reference
// entities.
func (m *Module) Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&database.MediaFile{},
		&database.MovieReference{},
		&database.SeriesReference{},
		&database.SeasonReference{},
		&database.EpisodeReference{},
	)
}

// Init logs readiness; the pipeline has no startup work of its own.
func (m *Module) Init() error {
	logger.Info("pipeline module initialized")
	return nil
}

// Pipeline returns the underlying pipeline driver.
func (m *Module) Pipeline() *Pipeline { return m.pipeline }

// Register registers this module with the module system.
func Register(pipeline *Pipeline) *Module {
	module := NewModule(pipeline)
	modulemanager.Register(module)
	return module
}
