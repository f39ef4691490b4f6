package scannermodule

import (
	"github.com/mantonx/mediadex/internal/database"
	"github.com/mantonx/mediadex/internal/events"
	"github.com/mantonx/mediadex/internal/logger"
	"github.com/mantonx/mediadex/internal/modules/modulemanager"
	"gorm.io/gorm"
)

const (
	// ModuleID is the unique identifier for the scanner module.
	ModuleID = "system.scanner"

	// ModuleName is the display name for the scanner module.
	ModuleName = "Scan Orchestrator"
)

// Module wires the scan orchestrator into the module system.
type Module struct {
	db           *gorm.DB
	eventBus     events.EventBus
	maxErrors    int
	orchestrator *Orchestrator
}

// NewModule creates a new scanner module. The orchestrator is available
// immediately so other components can be wired against it; recovery runs at
// Init, after migrations.
func NewModule(db *gorm.DB, eventBus events.EventBus, maxErrors int) *Module {
	return &Module{
		db:           db,
		eventBus:     eventBus,
		maxErrors:    maxErrors,
		orchestrator: NewOrchestrator(db, eventBus, maxErrors),
	}
}

// ID returns the unique module identifier.
func (m *Module) ID() string { return ModuleID }

// Name returns the module display name.
func (m *Module) Name() string { return ModuleName }

// Core returns whether this is a core module.
func (m *Module) Core() bool { return true }

// Migrate performs database migrations for scan jobs.
func (m *Module) Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&database.ScanJob{})
}

// Init recovers scans interrupted by a previous process death.
func (m *Module) Init() error {
	if err := m.orchestrator.RecoverInterruptedScans(); err != nil {
		return err
	}
	logger.Info("scanner module initialized")
	return nil
}

// Orchestrator returns the underlying scan orchestrator.
func (m *Module) Orchestrator() *Orchestrator {
	return m.orchestrator
}

// Register registers this module with the module system.
func Register(db *gorm.DB, eventBus events.EventBus, maxErrors int) *Module {
	module := NewModule(db, eventBus, maxErrors)
	modulemanager.Register(module)
	return module
}
