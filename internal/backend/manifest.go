package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/facebookgo/atomicfile"
)

const (
	manifestName   = "manifest.json"
	activeName     = "current.log"
	archiveDir     = "archive"
	manifestFormat = 1
)

// ManifestEntry describes one log segment. Entries are immutable once the
// segment has been rotated.
type ManifestEntry struct {
	Segment      uint64     `json:"segment"`
	Filename     string     `json:"filename"`
	StartTime    time.Time  `json:"start_time"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	EventCount   int64      `json:"event_count"`
	SizeBytes    int64      `json:"size_bytes"`
	MerkleRoot   string     `json:"merkle_root"`
	IsActive     bool       `json:"is_active"`
	IsCompressed bool       `json:"is_compressed"`
}

func (e ManifestEntry) clone() ManifestEntry {
	if e.EndTime != nil {
		t := *e.EndTime
		e.EndTime = &t
	}
	return e
}

// Manifest is the durable index of every segment, oldest first. It is the
// sole authority for backend state on restart.
type Manifest struct {
	Version int             `json:"version"`
	Files   []ManifestEntry `json:"files"`
}

func (m *Manifest) active() *ManifestEntry {
	for i := range m.Files {
		if m.Files[i].IsActive {
			return &m.Files[i]
		}
	}
	return nil
}

func (m *Manifest) nextSegment() uint64 {
	var last uint64
	for _, f := range m.Files {
		if f.Segment > last {
			last = f.Segment
		}
	}
	return last + 1
}

func (m *Manifest) lastRoot() string {
	if len(m.Files) == 0 {
		return ""
	}
	return m.Files[len(m.Files)-1].MerkleRoot
}

// loadManifest reads the manifest. A missing file is not an error: it yields
// an empty manifest and false.
func loadManifest(path string) (*Manifest, bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Manifest{Version: manifestFormat, Files: []ManifestEntry{}}, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	if m.Version != manifestFormat {
		return nil, false, fmt.Errorf("unsupported manifest version %d", m.Version)
	}
	if m.Files == nil {
		m.Files = []ManifestEntry{}
	}

	active := 0
	for _, f := range m.Files {
		if f.IsActive {
			active++
		}
	}
	if active > 1 {
		return nil, false, fmt.Errorf("manifest lists %d active segments", active)
	}
	return &m, true, nil
}

// saveManifest replaces the manifest atomically: a crash leaves either the
// old or the new document, never a torn one.
func saveManifest(path string, m *Manifest) error {
	f, err := atomicfile.New(path, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create manifest: %w", err)
	}

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(m); err != nil {
		f.Abort()
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Abort()
		return fmt.Errorf("failed to sync manifest: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to commit manifest: %w", err)
	}
	return syncDir(filepath.Dir(path))
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return fmt.Errorf("failed to sync directory %s: %w", dir, err)
	}
	return nil
}
