package storage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/qlandys/FusionTerminal-sub000/internal/book"
)

// BookSnapshot is a point-in-time JSON capture of the visible book, written
// after each resync so a desync can be inspected after the fact.
type BookSnapshot struct {
	Symbol   string     `json:"symbol"`
	Exchange string     `json:"exchange"`
	TsUnix   int64      `json:"ts"`
	Reason   string     `json:"reason"`
	TickSize float64    `json:"tickSize"`
	Rows     []book.Row `json:"rows"`
}

// SnapshotManager writes and prunes book snapshot files in one directory.
type SnapshotManager struct {
	dir  string
	keep int
}

// NewSnapshotManager creates a manager that retains the keep most recent
// snapshot files.
func NewSnapshotManager(dir string, keep int) *SnapshotManager {
	if keep < 1 {
		keep = 5
	}
	return &SnapshotManager{dir: dir, keep: keep}
}

// Capture builds a snapshot from the live book and saves it.
func (sm *SnapshotManager) Capture(bk *book.Book, symbol, exchangeName, reason string, windowLevels int) error {
	rows, _, _, _ := bk.Ladder(windowLevels)
	return sm.Save(&BookSnapshot{
		Symbol:   symbol,
		Exchange: exchangeName,
		TsUnix:   time.Now().Unix(),
		Reason:   reason,
		TickSize: bk.TickSize(),
		Rows:     rows,
	})
}

// Save writes one snapshot to disk and prunes old files.
func (sm *SnapshotManager) Save(snap *BookSnapshot) error {
	if err := os.MkdirAll(sm.dir, 0755); err != nil {
		return fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	filename := fmt.Sprintf("book_%s_%d_%d.json", snap.Exchange, snap.TsUnix, time.Now().UnixNano())
	path := filepath.Join(sm.dir, filename)

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	slog.Info("Book snapshot saved",
		slog.String("path", path),
		slog.Int("rows", len(snap.Rows)))

	return sm.prune()
}

// LoadLatest loads the most recent snapshot. Returns nil without error when
// none exists.
func (sm *SnapshotManager) LoadLatest() (*BookSnapshot, error) {
	files, err := sm.list()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(files) == 0 {
		return nil, nil
	}

	data, err := os.ReadFile(files[len(files)-1])
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	var snap BookSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// list returns snapshot paths in ascending mtime order.
func (sm *SnapshotManager) list() ([]string, error) {
	entries, err := os.ReadDir(sm.dir)
	if err != nil {
		return nil, err
	}

	type snapFile struct {
		path string
		mod  time.Time
	}
	var files []snapFile
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, snapFile{
			path: filepath.Join(sm.dir, entry.Name()),
			mod:  info.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].mod.Equal(files[j].mod) {
			return files[i].path < files[j].path
		}
		return files[i].mod.Before(files[j].mod)
	})

	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.path
	}
	return out, nil
}

func (sm *SnapshotManager) prune() error {
	files, err := sm.list()
	if err != nil {
		return err
	}
	for len(files) > sm.keep {
		if err := os.Remove(files[0]); err != nil {
			slog.Warn("Failed to remove old snapshot", slog.String("path", files[0]))
		}
		files = files[1:]
	}
	return nil
}
