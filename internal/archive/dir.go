package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/asr-task-worker/internal/logging"
)

const sidecarSuffix = ".json"

// DirStore writes objects under a local directory, each with a JSON sidecar
// holding its metadata. It stands in for object storage in development and
// on hosts without bucket credentials.
type DirStore struct {
	Dir string
}

// Sidecar is the JSON document written next to every stored object.
type Sidecar struct {
	Key        string            `json:"key"`
	ObjectPath string            `json:"object_path"`
	Size       int               `json:"size"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

func NewDirStore(dir string) (*DirStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("archive: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &DirStore{Dir: dir}, nil
}

func (d *DirStore) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" {
		return "", fmt.Errorf("archive: invalid key %q", key)
	}
	return filepath.Join(d.Dir, clean), nil
}

func (d *DirStore) Put(ctx context.Context, key string, body []byte, meta map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := d.path(key)
	if err != nil {
		return err
	}
	if err := SaveFileAtomic(p, body, 0o644); err != nil {
		return fmt.Errorf("write object %s: %w", key, err)
	}
	sc := Sidecar{Key: key, ObjectPath: p, Size: len(body), Metadata: meta, CreatedAt: time.Now().UTC()}
	b, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return err
	}
	if err := SaveFileAtomic(p+sidecarSuffix, b, 0o644); err != nil {
		return fmt.Errorf("write sidecar %s: %w", key, err)
	}
	return nil
}

// ReadSidecar loads the sidecar stored for key.
func (d *DirStore) ReadSidecar(key string) (Sidecar, error) {
	var sc Sidecar
	p, err := d.path(key)
	if err != nil {
		return sc, err
	}
	b, err := os.ReadFile(p + sidecarSuffix)
	if err != nil {
		return sc, err
	}
	err = json.Unmarshal(b, &sc)
	return sc, err
}

// SaveFileAtomic writes data to path by writing a tmp file in the same
// directory, fsyncing and renaming it into place.
func SaveFileAtomic(path string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	cleanup := func(err error) error {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if _, err := f.Write(data); err != nil {
		return cleanup(err)
	}
	if err := f.Sync(); err != nil {
		return cleanup(err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// Prune removes objects older than retention, then the oldest ones beyond
// maxFiles (when positive). It returns how many objects were removed.
func (d *DirStore) Prune(retention time.Duration, maxFiles int) (int, error) {
	type entry struct {
		sidecar string
		object  string
		mod     time.Time
	}
	var entries []entry
	err := filepath.WalkDir(d.Dir, func(p string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if de.IsDir() || !strings.HasSuffix(p, sidecarSuffix) {
			return nil
		}
		info, err := de.Info()
		if err != nil {
			return nil
		}
		entries = append(entries, entry{sidecar: p, object: strings.TrimSuffix(p, sidecarSuffix), mod: info.ModTime()})
		return nil
	})
	if err != nil {
		return 0, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].mod.Before(entries[j].mod) })

	remove := func(e entry) {
		_ = os.Remove(e.object)
		_ = os.Remove(e.sidecar)
	}
	removed := 0
	cutoff := time.Now().Add(-retention)
	for _, e := range entries {
		if retention > 0 && e.mod.Before(cutoff) {
			remove(e)
			removed++
		}
	}
	if left := len(entries) - removed; maxFiles > 0 && left > maxFiles {
		excess := left - maxFiles
		for _, e := range entries[removed:] {
			if excess == 0 {
				break
			}
			remove(e)
			removed++
			excess--
		}
	}
	return removed, nil
}

// StartCleaner runs Prune every interval until ctx is done. Caller must call
// wg.Add(1) first; the goroutine calls wg.Done on exit.
func (d *DirStore) StartCleaner(ctx context.Context, wg *sync.WaitGroup, retention, interval time.Duration, maxFiles int) {
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := d.Prune(retention, maxFiles)
				if err != nil {
					logging.Debugw("archive: cleanup failed", "dir", d.Dir, "err", err)
					continue
				}
				if n > 0 {
					logging.Infow("archive: pruned objects", "dir", d.Dir, "removed", n)
				}
			}
		}
	}()
}
