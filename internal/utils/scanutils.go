package utils

import (
	"fmt"
	"time"

	"github.com/mantonx/mediadex/internal/database"
	"gorm.io/gorm"
)

// ScanJobCleanupDays defines how many days old terminal jobs are kept.
const ScanJobCleanupDays = 30

// LibraryStats represents statistics for a scanned library.
type LibraryStats struct {
	TotalFiles int64 `json:"total_files"`
	TotalSize  int64 `json:"total_size"`
}

// ValidateNewScan checks that a scan can be created for the given library:
// the library must exist and must not already have a pending or running scan.
func ValidateNewScan(db *gorm.DB, libraryID uint) error {
	var library database.MediaLibrary
	if err := db.First(&library, libraryID).Error; err != nil {
		return fmt.Errorf("library not found: %w", err)
	}

	var existing database.ScanJob
	err := db.Where("library_id = ? AND status IN ?", libraryID, []string{
		database.ScanStatusPending,
		database.ScanStatusRunning,
	}).First(&existing).Error

	if err == nil {
		return fmt.Errorf("scan already active for library %d (job %d)", libraryID, existing.ID)
	} else if err != gorm.ErrRecordNotFound {
		return fmt.Errorf("database error while checking for existing scans: %w", err)
	}

	return nil
}

// CleanupOldScanJobs removes terminal scan jobs older than the retention
// window. Returns the number of jobs removed.
func CleanupOldScanJobs(db *gorm.DB) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -ScanJobCleanupDays)

	result := db.Where("status IN ? AND completed_at < ?", []string{
		database.ScanStatusCompleted,
		database.ScanStatusFailed,
		database.ScanStatusCancelled,
	}, cutoff).Delete(&database.ScanJob{})

	if result.Error != nil {
		return 0, fmt.Errorf("failed to cleanup old scan jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// CleanupOrphanedScanJobs removes scan jobs whose library no longer exists.
func CleanupOrphanedScanJobs(db *gorm.DB) (int64, error) {
	var libraryIDs []uint
	if err := db.Model(&database.MediaLibrary{}).Pluck("id", &libraryIDs).Error; err != nil {
		return 0, fmt.Errorf("failed to list library ids: %w", err)
	}

	query := db
	if len(libraryIDs) > 0 {
		query = db.Where("library_id NOT IN ?", libraryIDs)
	}
	result := query.Delete(&database.ScanJob{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to cleanup orphaned scan jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// GetLibraryStatistics returns file count and total size for a library.
func GetLibraryStatistics(db *gorm.DB, libraryID uint) (*LibraryStats, error) {
	var stats LibraryStats
	err := db.Model(&database.MediaFile{}).
		Where("library_id = ?", libraryID).
		Select("COUNT(*) as total_files, COALESCE(SUM(size_bytes), 0) as total_size").
		Scan(&stats).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get library stats: %w", err)
	}
	return &stats, nil
}
