package watchermodule

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mantonx/mediadex/internal/config"
	"github.com/mantonx/mediadex/internal/database"
	"github.com/mantonx/mediadex/internal/logger"
	"github.com/shirou/gopsutil/v4/cpu"
)

// Backoff bounds for the polling strategy. Idle polls back off exponentially
// up to maxIdleBackoff times the base interval; high system load stretches
// the interval further.
const (
	maxIdleBackoff  = 8
	highLoadPercent = 85.0
	highLoadStretch = 2
	maxTotalStretch = 16
)

// pollingDetector watches one root by periodically snapshotting the tree and
// diffing against the previous snapshot. Used when native watching is
// unavailable (network mounts, exhausted inotify watches).
type pollingDetector struct {
	lw   *libraryWatch
	root database.LibraryRoot
	cfg  config.WatcherConfig

	snapshot map[string]fileStat
	modTimes map[string]time.Time

	// cpuPercent is swappable in tests.
	cpuPercent func(ctx context.Context) float64

	stop chan struct{}
	wg   sync.WaitGroup
}

func newPollingDetector(lw *libraryWatch, root database.LibraryRoot, cfg config.WatcherConfig) *pollingDetector {
	return &pollingDetector{
		lw:         lw,
		root:       root,
		cfg:        cfg,
		snapshot:   make(map[string]fileStat),
		modTimes:   make(map[string]time.Time),
		cpuPercent: systemCPUPercent,
		stop:       make(chan struct{}),
	}
}

func systemCPUPercent(ctx context.Context) float64 {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil || len(percents) == 0 {
		return 0
	}
	return percents[0]
}

// Start takes the initial snapshot without emitting events, then polls. The
// first pass only establishes the baseline; changes before startup belong to
// the maintenance sweep, not the watcher.
func (d *pollingDetector) Start(ctx context.Context) error {
	d.walk(func(path string, stat fileStat, modTime time.Time) {
		d.snapshot[path] = stat
		d.modTimes[path] = modTime
	})

	d.wg.Add(1)
	go d.loop(ctx)
	return nil
}

func (d *pollingDetector) loop(ctx context.Context) {
	defer d.wg.Done()

	idleStreak := 0
	for {
		interval := nextPollInterval(d.cfg.PollInterval, idleStreak, d.cpuPercent(ctx))
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-time.After(interval):
		}

		changes := d.poll()
		if changes == 0 {
			idleStreak++
		} else {
			idleStreak = 0
		}
	}
}

// nextPollInterval doubles per consecutive idle poll up to maxIdleBackoff
// times the base, and doubles again while CPU load is high. The combined
// stretch is capped so a busy idle host still polls eventually.
func nextPollInterval(base time.Duration, idleStreak int, cpuPct float64) time.Duration {
	mult := 1
	for i := 0; i < idleStreak && mult < maxIdleBackoff; i++ {
		mult *= 2
	}
	if cpuPct > highLoadPercent {
		mult *= highLoadStretch
	}
	if mult > maxTotalStretch {
		mult = maxTotalStretch
	}
	return base * time.Duration(mult)
}

// poll snapshots the tree and emits the diff against the previous snapshot.
// Returns the number of changes observed.
func (d *pollingDetector) poll() int {
	next := make(map[string]fileStat, len(d.snapshot))
	nextMod := make(map[string]time.Time, len(d.modTimes))
	d.walk(func(path string, stat fileStat, modTime time.Time) {
		next[path] = stat
		nextMod[path] = modTime
	})

	changes := 0
	now := time.Now()

	for path, prev := range d.snapshot {
		if _, exists := next[path]; !exists {
			d.push(RawEvent{
				RootID:     d.root.ID,
				Kind:       database.EventDelete,
				Path:       path,
				Size:       prev.size,
				Inode:      prev.inode,
				DetectedAt: now,
			})
			changes++
		}
	}
	for path, cur := range next {
		prev, existed := d.snapshot[path]
		switch {
		case !existed:
			d.push(RawEvent{
				RootID:     d.root.ID,
				Kind:       database.EventCreate,
				Path:       path,
				Size:       cur.size,
				Inode:      cur.inode,
				DetectedAt: now,
			})
			changes++
		case prev.size != cur.size || !d.modTimes[path].Equal(nextMod[path]):
			d.push(RawEvent{
				RootID:     d.root.ID,
				Kind:       database.EventModify,
				Path:       path,
				Size:       cur.size,
				Inode:      cur.inode,
				DetectedAt: now,
			})
			changes++
		}
	}

	d.snapshot = next
	d.modTimes = nextMod
	return changes
}

// walk traverses the root up to the configured depth, calling visit for each
// regular file.
func (d *pollingDetector) walk(visit func(path string, stat fileStat, modTime time.Time)) {
	maxDepth := d.cfg.PollMaxDepth
	err := filepath.WalkDir(d.root.Path, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			logger.Debug("polling skipped unreadable path", "path", path, "error", err)
			return nil
		}
		if entry.IsDir() {
			if maxDepth > 0 && pathDepth(d.root.Path, path) >= maxDepth {
				return filepath.SkipDir
			}
			return nil
		}
		info, ierr := entry.Info()
		if ierr != nil {
			return nil
		}
		visit(path, fileStat{size: info.Size(), inode: fileInode(info)}, info.ModTime())
		return nil
	})
	if err != nil {
		logger.Warn("polling walk failed", "root_id", d.root.ID, "error", err)
	}
}

func pathDepth(root, path string) int {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return 0
	}
	return strings.Count(rel, string(filepath.Separator)) + 1
}

func (d *pollingDetector) push(raw RawEvent) {
	select {
	case d.lw.raw <- raw:
	default:
		d.lw.markOverflow(d.root.ID)
	}
}

func (d *pollingDetector) Stop() {
	select {
	case <-d.stop:
	default:
		close(d.stop)
	}
	d.wg.Wait()
}
