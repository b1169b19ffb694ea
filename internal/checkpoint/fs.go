package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// FSStore keeps one JSON file per session under a base directory. Writes go
// through a temp file plus rename so a crash never leaves a torn snapshot.
type FSStore struct {
	baseDir string
	opts    Options
	now     func() time.Time
}

// NewFSStore creates the base directory if needed and verifies it is writable.
func NewFSStore(baseDir string, opts Options) (*FSStore, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}
	probe := filepath.Join(baseDir, ".writable_test")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return nil, fmt.Errorf("checkpoint directory is not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return nil, fmt.Errorf("clean up probe file: %w", err)
	}
	return &FSStore{baseDir: baseDir, opts: opts.withDefaults(), now: time.Now}, nil
}

// Save writes the snapshot atomically.
func (s *FSStore) Save(ctx context.Context, snap *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.sessionPath(snap.SessionID)
	if err != nil {
		return err
	}
	snap.UpdatedAt = s.now().UTC()
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = snap.UpdatedAt
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot for sessionID.
func (s *FSStore) Load(ctx context.Context, sessionID string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.sessionPath(sessionID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// CanResume reports whether the session exists, is incomplete, and has not
// expired.
func (s *FSStore) CanResume(ctx context.Context, sessionID string) (bool, error) {
	snap, err := s.Load(ctx, sessionID)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if snap.Completed {
		return false, nil
	}
	if s.now().Sub(snap.UpdatedAt) > s.opts.Expiry {
		return false, nil
	}
	return true, nil
}

// Prune removes expired sessions and, beyond the retention count, the oldest
// completed ones.
func (s *FSStore) Prune(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return 0, fmt.Errorf("list checkpoint directory: %w", err)
	}

	type fileInfo struct {
		path      string
		updatedAt time.Time
		completed bool
	}
	var files []fileInfo
	removed := 0
	now := s.now()

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.baseDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var snap Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			// Unreadable snapshots are junk; remove them.
			if os.Remove(path) == nil {
				removed++
			}
			continue
		}
		if now.Sub(snap.UpdatedAt) > s.opts.Expiry {
			if os.Remove(path) == nil {
				removed++
			}
			continue
		}
		files = append(files, fileInfo{path: path, updatedAt: snap.UpdatedAt, completed: snap.Completed})
	}

	if len(files) > s.opts.Retention {
		sort.Slice(files, func(i, j int) bool {
			return files[i].updatedAt.Before(files[j].updatedAt)
		})
		excess := len(files) - s.opts.Retention
		for _, f := range files {
			if excess == 0 {
				break
			}
			if !f.completed {
				continue
			}
			if os.Remove(f.path) == nil {
				removed++
				excess--
			}
		}
	}
	return removed, nil
}

// Close implements Store; the filesystem store holds no resources.
func (s *FSStore) Close() error {
	return nil
}

// sessionPath validates the id and maps it into the base directory. The
// cleanliness check prevents path traversal through crafted session IDs.
func (s *FSStore) sessionPath(sessionID string) (string, error) {
	if strings.TrimSpace(sessionID) == "" {
		return "", fmt.Errorf("session id is required")
	}
	name := sessionID + ".json"
	full := filepath.Join(s.baseDir, name)
	cleanBase := filepath.Clean(s.baseDir)
	if !strings.HasPrefix(filepath.Clean(full), cleanBase+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid session id %q", sessionID)
	}
	return full, nil
}
