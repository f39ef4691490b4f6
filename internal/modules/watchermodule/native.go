package watchermodule

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mantonx/mediadex/internal/database"
	"github.com/mantonx/mediadex/internal/logger"
)

// nativeDetector watches one root with OS notifications. fsnotify is not
// recursive, so every directory under the root gets its own watch, and new
// directories are added as their create events arrive.
type nativeDetector struct {
	lw      *libraryWatch
	root    database.LibraryRoot
	watcher *fsnotify.Watcher
	wg      sync.WaitGroup

	// seen caches the last stat of each file so deletes and rename sources
	// can carry the size and inode the coalescer needs for move pairing.
	seen map[string]fileStat
}

type fileStat struct {
	size  int64
	inode uint64
}

func newNativeDetector(lw *libraryWatch, root database.LibraryRoot) (*nativeDetector, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &nativeDetector{lw: lw, root: root, watcher: fw, seen: make(map[string]fileStat)}, nil
}

// Start adds watches for the root and all nested directories, then runs the
// event loop until the context ends or the watcher closes.
func (d *nativeDetector) Start(ctx context.Context) error {
	err := filepath.WalkDir(d.root.Path, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			logger.Warn("skipping unreadable path", "path", path, "error", err)
			return nil
		}
		if entry.IsDir() {
			if werr := d.watcher.Add(path); werr != nil {
				logger.Warn("failed to watch directory", "path", path, "error", werr)
			}
			return nil
		}
		if info, ierr := entry.Info(); ierr == nil {
			d.seen[path] = fileStat{size: info.Size(), inode: fileInode(info)}
		}
		return nil
	})
	if err != nil {
		return err
	}

	d.wg.Add(1)
	go d.loop(ctx)
	return nil
}

func (d *nativeDetector) loop(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case fsEvent, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			d.handle(fsEvent)
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				d.lw.markOverflow(d.root.ID)
				continue
			}
			logger.Error("native watcher error", "root_id", d.root.ID, "error", err)
		}
	}
}

// handle maps one fsnotify event to a raw event. Directory creates extend
// the watch set instead of emitting events; the files inside arrive as their
// own creates.
func (d *nativeDetector) handle(fsEvent fsnotify.Event) {
	var kind database.EventKind
	switch {
	case fsEvent.Has(fsnotify.Create):
		kind = database.EventCreate
	case fsEvent.Has(fsnotify.Write):
		kind = database.EventModify
	case fsEvent.Has(fsnotify.Remove):
		kind = database.EventDelete
	case fsEvent.Has(fsnotify.Rename):
		// The rename source looks like a delete; if the destination lands in
		// a watched directory its create arrives separately and the
		// coalescer pairs the two into a move.
		kind = database.EventDelete
	default:
		return
	}

	raw := RawEvent{
		RootID:     d.root.ID,
		Kind:       kind,
		Path:       fsEvent.Name,
		Size:       -1,
		DetectedAt: time.Now(),
	}

	if kind == database.EventDelete {
		if stat, ok := d.seen[fsEvent.Name]; ok {
			raw.Size = stat.size
			raw.Inode = stat.inode
			delete(d.seen, fsEvent.Name)
		}
	} else {
		info, err := os.Stat(fsEvent.Name)
		if err == nil {
			if info.IsDir() {
				if kind == database.EventCreate {
					if werr := d.watcher.Add(fsEvent.Name); werr != nil {
						logger.Warn("failed to watch new directory", "path", fsEvent.Name, "error", werr)
					}
				}
				return
			}
			raw.Size = info.Size()
			raw.Inode = fileInode(info)
			d.seen[fsEvent.Name] = fileStat{size: raw.Size, inode: raw.Inode}
		}
	}

	d.push(raw)
}

// push offers the event without blocking; a full channel counts as overflow
// rather than stalling the OS notification loop.
func (d *nativeDetector) push(raw RawEvent) {
	select {
	case d.lw.raw <- raw:
	default:
		d.lw.markOverflow(d.root.ID)
	}
}

func (d *nativeDetector) Stop() {
	d.watcher.Close()
	d.wg.Wait()
}

// fileInode extracts the inode when the platform exposes one. Inodes
// strengthen move pairing; zero just means size-only matching.
func fileInode(info os.FileInfo) uint64 {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return st.Ino
	}
	return 0
}
