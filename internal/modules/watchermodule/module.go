package watchermodule

import (
	"errors"
	"fmt"

	"github.com/mantonx/mediadex/internal/config"
	"github.com/mantonx/mediadex/internal/database"
	"github.com/mantonx/mediadex/internal/events"
	"github.com/mantonx/mediadex/internal/logger"
	"github.com/mantonx/mediadex/internal/modules/modulemanager"
	"gorm.io/gorm"
)

const (
	// ModuleID is the unique identifier for the watcher module.
	ModuleID = "system.watcher"

	// ModuleName is the display name for the watcher module.
	ModuleName = "Filesystem Watcher"
)

// Module wires the watcher and maintenance scheduler into the module system.
type Module struct {
	db         *gorm.DB
	eventBus   events.EventBus
	dispatcher Dispatcher
	cfg        config.WatcherConfig
	seed       []config.LibraryConfig

	watcher   *Watcher
	scheduler *SweepScheduler
}

// NewModule creates a new watcher module. seed lists libraries to create on
// startup when they do not exist yet.
func NewModule(db *gorm.DB, eventBus events.EventBus, dispatcher Dispatcher, cfg config.WatcherConfig, seed []config.LibraryConfig) *Module {
	return &Module{db: db, eventBus: eventBus, dispatcher: dispatcher, cfg: cfg, seed: seed}
}

// ID returns the unique module identifier.
func (m *Module) ID() string { return ModuleID }

// Name returns the module display name.
func (m *Module) Name() string { return ModuleName }

// Core returns whether this is a core module.
func (m *Module) Core() bool { return true }

// Migrate performs database migrations for libraries and the event log.
func (m *Module) Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&database.MediaLibrary{},
		&database.LibraryRoot{},
		&database.FileEvent{},
	)
}

// Init seeds configured libraries, creates the watcher and scheduler, and
// registers every known library. The scheduler is created but not started;
// the caller decides when maintenance begins.
func (m *Module) Init() error {
	if err := m.seedLibraries(); err != nil {
		return err
	}

	m.watcher = NewWatcher(m.db, m.eventBus, m.dispatcher, m.cfg)
	m.scheduler = NewSweepScheduler(m.db, m.dispatcher, m.watcher, m.eventBus, m.cfg)

	var libraries []database.MediaLibrary
	if err := m.db.Preload("Roots").Find(&libraries).Error; err != nil {
		return err
	}
	for i := range libraries {
		if err := m.watcher.RegisterLibrary(&libraries[i]); err != nil {
			logger.Error("failed to register library",
				"library_id", libraries[i].ID, "name", libraries[i].Name, "error", err)
		}
	}

	logger.Info("watcher module initialized", "libraries", len(libraries))
	return nil
}

// seedLibraries creates configured libraries that do not exist yet. Existing
// libraries are left untouched; config is a bootstrap, not a sync source.
func (m *Module) seedLibraries() error {
	for _, lib := range m.seed {
		var existing database.MediaLibrary
		err := m.db.Where("name = ?", lib.Name).First(&existing).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to look up library %s: %w", lib.Name, err)
		}

		record := database.MediaLibrary{Name: lib.Name, Type: lib.Type}
		for _, root := range lib.Roots {
			record.Roots = append(record.Roots, database.LibraryRoot{Path: root})
		}
		if err := m.db.Create(&record).Error; err != nil {
			return fmt.Errorf("failed to seed library %s: %w", lib.Name, err)
		}
		logger.Info("seeded library", "name", lib.Name, "roots", len(lib.Roots))
	}
	return nil
}

// Watcher returns the underlying watcher.
func (m *Module) Watcher() *Watcher { return m.watcher }

// Scheduler returns the maintenance sweep scheduler.
func (m *Module) Scheduler() *SweepScheduler { return m.scheduler }

// Register registers this module with the module system.
func Register(db *gorm.DB, eventBus events.EventBus, dispatcher Dispatcher, cfg config.WatcherConfig, seed []config.LibraryConfig) *Module {
	module := NewModule(db, eventBus, dispatcher, cfg, seed)
	modulemanager.Register(module)
	return module
}
