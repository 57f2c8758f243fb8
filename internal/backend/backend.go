// Package backend persists serialized audit records to rotating segment files
// described by a durable manifest.
package backend

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/facebookgo/atomicfile"
	"github.com/filecoin-project/go-clock"
	"github.com/klauspost/compress/gzip"
	"github.com/witnz/auditvault/internal/metrics"
)

// Rotation triggers, in the order they are checked.
const (
	TriggerSize  = "size"
	TriggerCount = "count"
	TriggerTime  = "time"
)

const archiveTimeLayout = "20060102T150405.000000Z"

type Config struct {
	BasePath string
	// MaxFileSize rotates the active segment once it reaches this many
	// bytes. Zero disables the trigger.
	MaxFileSize int64
	// MaxEventsPerFile rotates once the active segment holds this many
	// records. Zero disables the trigger.
	MaxEventsPerFile int64
	// RotationInterval rotates a non-empty segment this long after it was
	// opened. Zero disables the trigger.
	RotationInterval time.Duration
	Compression      bool
	RetentionDays    int
	// FlushIntervalEvents fsyncs the active segment every N records.
	FlushIntervalEvents int
	// SyncOnWrite fsyncs after every record.
	SyncOnWrite bool
	Clock       clock.Clock
}

// FileBackend owns the segment files and the manifest. It is safe for
// concurrent use; rotation holds the same lock as writes.
type FileBackend struct {
	mu       sync.Mutex
	cfg      Config
	clock    clock.Clock
	logger   *slog.Logger
	manifest *Manifest

	file    *os.File
	w       *bufio.Writer
	pending int
	failed  error
	closed  bool

	onRotate func(archived ManifestEntry)
}

// Open loads or creates the backend under cfg.BasePath, repairing the
// manifest after an interrupted rotation.
func Open(cfg Config, logger *slog.Logger) (*FileBackend, error) {
	if cfg.BasePath == "" {
		return nil, errors.New("backend base path is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.FlushIntervalEvents <= 0 {
		cfg.FlushIntervalEvents = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Join(cfg.BasePath, archiveDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	manifest, existed, err := loadManifest(filepath.Join(cfg.BasePath, manifestName))
	if err != nil {
		return nil, err
	}

	b := &FileBackend{
		cfg:      cfg,
		clock:    cfg.Clock,
		logger:   logger,
		manifest: manifest,
	}
	if err := b.reconcile(existed); err != nil {
		return nil, err
	}
	if err := b.openActive(); err != nil {
		return nil, err
	}

	active := b.manifest.active()
	logger.Info("File backend opened",
		"path", cfg.BasePath,
		"segments", len(b.manifest.Files),
		"active_events", active.EventCount)
	return b, nil
}

func (b *FileBackend) path(name string) string {
	return filepath.Join(b.cfg.BasePath, filepath.FromSlash(name))
}

func (b *FileBackend) manifestPath() string {
	return b.path(manifestName)
}

// reconcile brings the manifest back in line with the files on disk.
func (b *FileBackend) reconcile(existed bool) error {
	listed := make(map[string]bool)
	for _, f := range b.manifest.Files {
		listed[f.Filename] = true
	}

	// Temporary files from interrupted atomic writes.
	for _, dir := range []string{"", archiveDir} {
		entries, err := os.ReadDir(b.path(dir))
		if err != nil {
			return fmt.Errorf("failed to scan %s: %w", b.path(dir), err)
		}
		for _, e := range entries {
			if e.IsDir() || !isTempName(dir, e.Name()) {
				continue
			}
			if err := os.Remove(b.path(filepath.ToSlash(filepath.Join(dir, e.Name())))); err != nil {
				return fmt.Errorf("failed to remove stale temp file: %w", err)
			}
			b.logger.Warn("Removed stale temporary file", "file", e.Name())
		}
	}

	orphans, err := b.orphanArchives(listed)
	if err != nil {
		return err
	}

	active := b.manifest.active()
	_, statErr := os.Stat(b.path(activeName))
	activeExists := statErr == nil
	if statErr != nil && !errors.Is(statErr, fs.ErrNotExist) {
		return fmt.Errorf("failed to stat active segment: %w", statErr)
	}

	switch {
	case active != nil && !activeExists && len(orphans) == 1:
		// Crash after the segment was archived but before the manifest
		// recorded it.
		if err := b.adopt(active, orphans[0]); err != nil {
			return err
		}
		orphans = nil
	case active != nil && !activeExists && active.EventCount > 0:
		return fmt.Errorf("active segment %s is missing but manifest records %d events", activeName, active.EventCount)
	case activeExists && len(orphans) == 1 && active != nil:
		// Compressed copy finished but the original was not yet removed:
		// the active file is authoritative.
		if err := os.Remove(b.path(orphans[0])); err != nil {
			return fmt.Errorf("failed to remove duplicate archive: %w", err)
		}
		b.logger.Warn("Removed duplicate archive of active segment", "file", orphans[0])
		orphans = nil
	case active == nil && activeExists && !existed:
		b.logger.Warn("Manifest missing; rebuilding from active segment")
	}
	if len(orphans) > 0 {
		return fmt.Errorf("unlisted archive segments found: %s", strings.Join(orphans, ", "))
	}

	if b.manifest.active() == nil {
		b.manifest.Files = append(b.manifest.Files, b.newEntry())
	}
	if err := b.recount(b.manifest.active()); err != nil {
		return err
	}
	return saveManifest(b.manifestPath(), b.manifest)
}

// isTempName matches the temporary files atomicfile creates next to the
// manifest and next to compressed archives.
func isTempName(dir, name string) bool {
	if dir == "" {
		return strings.HasPrefix(name, manifestName) && name != manifestName
	}
	return !strings.HasSuffix(name, ".log") && !strings.HasSuffix(name, ".log.gz")
}

func (b *FileBackend) orphanArchives(listed map[string]bool) ([]string, error) {
	entries, err := os.ReadDir(b.path(archiveDir))
	if err != nil {
		return nil, fmt.Errorf("failed to scan archive directory: %w", err)
	}
	var orphans []string
	for _, e := range entries {
		name := archiveDir + "/" + e.Name()
		if !e.IsDir() && !listed[name] {
			orphans = append(orphans, name)
		}
	}
	return orphans, nil
}

func (b *FileBackend) adopt(entry *ManifestEntry, archive string) error {
	info, err := os.Stat(b.path(archive))
	if err != nil {
		return fmt.Errorf("failed to stat orphan archive: %w", err)
	}
	end := info.ModTime().UTC()
	entry.Filename = archive
	entry.IsActive = false
	entry.IsCompressed = strings.HasSuffix(archive, ".gz")
	entry.EndTime = &end
	entry.SizeBytes = info.Size()

	count, err := b.countRecords(*entry)
	if err != nil {
		return err
	}
	entry.EventCount = count
	b.logger.Warn("Adopted archive left by interrupted rotation",
		"file", archive,
		"events", count)
	return nil
}

func (b *FileBackend) countRecords(entry ManifestEntry) (int64, error) {
	var n int64
	for _, err := range b.readEntry(entry) {
		if err != nil {
			return 0, err
		}
		n++
	}
	return n, nil
}

// recount derives the active entry's counters from the file and drops a torn
// trailing record left by a crash mid-write.
func (b *FileBackend) recount(entry *ManifestEntry) error {
	path := b.path(activeName)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		entry.EventCount, entry.SizeBytes = 0, 0
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read active segment: %w", err)
	}

	if len(data) > 0 && data[len(data)-1] != '\n' {
		cut := bytes.LastIndexByte(data, '\n') + 1
		if err := os.Truncate(path, int64(cut)); err != nil {
			return fmt.Errorf("failed to truncate torn record: %w", err)
		}
		b.logger.Warn("Truncated torn trailing record", "file", activeName, "bytes", len(data)-cut)
		data = data[:cut]
	}
	entry.EventCount = int64(bytes.Count(data, []byte{'\n'}))
	entry.SizeBytes = int64(len(data))
	return nil
}

func (b *FileBackend) newEntry() ManifestEntry {
	return ManifestEntry{
		Segment:    b.manifest.nextSegment(),
		Filename:   activeName,
		StartTime:  b.clock.Now().UTC(),
		MerkleRoot: b.manifest.lastRoot(),
		IsActive:   true,
	}
}

func (b *FileBackend) openActive() error {
	f, err := os.OpenFile(b.path(activeName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open active segment: %w", err)
	}
	b.file = f
	b.w = bufio.NewWriter(f)
	b.pending = 0
	return nil
}

// Write appends one record. Rotation triggers are checked first. The record
// must not contain a newline. Any I/O failure is returned and poisons the
// backend: later writes fail with the same error. A record whose write
// failed is cut from the active segment so it cannot be replayed on restart.
func (b *FileBackend) Write(record []byte, merkleRoot string) error {
	if bytes.IndexByte(record, '\n') >= 0 {
		return errors.New("record contains a newline")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.usableLocked(); err != nil {
		return err
	}
	if trigger := b.rotationTriggerLocked(); trigger != "" {
		if err := b.rotateLocked(trigger); err != nil {
			return b.fail(err)
		}
	}

	active := b.manifest.active()
	saved := *active

	n, err := b.w.Write(record)
	if err == nil {
		err = b.w.WriteByte('\n')
		n++
	}
	if err != nil {
		return b.abortLocked(saved, fmt.Errorf("failed to append record: %w", err))
	}

	active.EventCount++
	active.SizeBytes += int64(n)
	active.MerkleRoot = merkleRoot

	b.pending++
	if b.cfg.SyncOnWrite || b.pending >= b.cfg.FlushIntervalEvents {
		if err := b.flushLocked(); err != nil {
			return b.abortLocked(saved, err)
		}
	}
	metrics.RecordBytesPersisted(n)
	return nil
}

// abortLocked undoes a failed Write: buffered bytes are dropped, the active
// segment is truncated back to where the record started and the manifest
// counters are restored. The backend is poisoned either way.
func (b *FileBackend) abortLocked(saved ManifestEntry, cause error) error {
	*b.manifest.active() = saved
	b.w.Reset(b.file)
	b.pending = 0

	info, err := b.file.Stat()
	if err != nil {
		b.logger.Error("Failed to stat active segment after write failure", "error", err)
		return b.fail(cause)
	}
	if info.Size() > saved.SizeBytes {
		if err := b.file.Truncate(saved.SizeBytes); err != nil {
			b.logger.Error("Failed to truncate active segment after write failure",
				"size", saved.SizeBytes, "error", err)
			return b.fail(cause)
		}
		if err := b.file.Sync(); err != nil {
			b.logger.Error("Failed to sync truncated active segment", "error", err)
		}
	}
	return b.fail(cause)
}

func (b *FileBackend) usableLocked() error {
	if b.closed {
		return errors.New("backend is closed")
	}
	return b.failed
}

func (b *FileBackend) fail(err error) error {
	b.failed = fmt.Errorf("backend failed: %w", err)
	b.logger.Error("File backend failed", "error", err)
	return b.failed
}

func (b *FileBackend) rotationTriggerLocked() string {
	active := b.manifest.active()
	switch {
	case b.cfg.MaxFileSize > 0 && active.SizeBytes >= b.cfg.MaxFileSize:
		return TriggerSize
	case b.cfg.MaxEventsPerFile > 0 && active.EventCount >= b.cfg.MaxEventsPerFile:
		return TriggerCount
	case b.cfg.RotationInterval > 0 && active.EventCount > 0 &&
		b.clock.Since(active.StartTime) >= b.cfg.RotationInterval:
		return TriggerTime
	}
	return ""
}

// flushLocked writes buffered records through to the OS and fsyncs them,
// then records the counters in the manifest.
func (b *FileBackend) flushLocked() error {
	if err := b.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush active segment: %w", err)
	}
	if err := b.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync active segment: %w", err)
	}
	b.pending = 0
	return saveManifest(b.manifestPath(), b.manifest)
}

// Flush forces buffered records to stable storage.
func (b *FileBackend) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usableLocked(); err != nil {
		return err
	}
	if err := b.flushLocked(); err != nil {
		return b.fail(err)
	}
	return nil
}

// Rotate closes the active segment now, if it holds any records.
func (b *FileBackend) Rotate() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usableLocked(); err != nil {
		return err
	}
	if b.manifest.active().EventCount == 0 {
		return nil
	}
	if err := b.rotateLocked("manual"); err != nil {
		return b.fail(err)
	}
	return nil
}

// rotateLocked archives the active segment. The active file is only removed
// after its archived copy is durable, and the manifest is rewritten in one
// atomic step, so a crash at any point leaves recoverable state.
func (b *FileBackend) rotateLocked(trigger string) error {
	if err := b.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush before rotation: %w", err)
	}
	if err := b.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync before rotation: %w", err)
	}
	if err := b.file.Close(); err != nil {
		return fmt.Errorf("failed to close active segment: %w", err)
	}
	b.file, b.w = nil, nil

	now := b.clock.Now().UTC()
	active := b.manifest.active()
	name := fmt.Sprintf("%s/audit-%06d-%s.log", archiveDir, active.Segment, now.Format(archiveTimeLayout))
	if b.cfg.Compression {
		name += ".gz"
		if err := compressFile(b.path(activeName), b.path(name)); err != nil {
			return err
		}
		if err := os.Remove(b.path(activeName)); err != nil {
			return fmt.Errorf("failed to remove rotated segment: %w", err)
		}
	} else if err := os.Rename(b.path(activeName), b.path(name)); err != nil {
		return fmt.Errorf("failed to archive segment: %w", err)
	}
	if err := os.Chmod(b.path(name), 0o444); err != nil {
		return fmt.Errorf("failed to protect archive: %w", err)
	}
	if err := syncDir(b.path(archiveDir)); err != nil {
		return err
	}

	info, err := os.Stat(b.path(name))
	if err != nil {
		return fmt.Errorf("failed to stat archive: %w", err)
	}
	active.Filename = name
	active.IsActive = false
	active.IsCompressed = b.cfg.Compression
	active.EndTime = &now
	active.SizeBytes = info.Size()

	b.manifest.Files = append(b.manifest.Files, b.newEntry())
	if err := saveManifest(b.manifestPath(), b.manifest); err != nil {
		return err
	}
	if err := b.openActive(); err != nil {
		return err
	}

	archived := b.manifest.Files[len(b.manifest.Files)-2].clone()
	metrics.RecordRotation(trigger)
	b.logger.Info("Segment rotated",
		"trigger", trigger,
		"archive", name,
		"events", archived.EventCount)
	if b.onRotate != nil {
		b.onRotate(archived)
	}
	return nil
}

// SetRotationHandler registers fn to run after every rotation with the
// manifest entry of the segment just archived. fn runs under the backend
// lock and must not call back into the backend.
func (b *FileBackend) SetRotationHandler(fn func(archived ManifestEntry)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onRotate = fn
}

func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open segment for compression: %w", err)
	}
	defer in.Close()

	out, err := atomicfile.New(dst, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	gz, err := gzip.NewWriterLevel(out, gzip.BestCompression)
	if err != nil {
		out.Abort()
		return err
	}
	if _, err := io.Copy(gz, in); err != nil {
		out.Abort()
		return fmt.Errorf("failed to compress segment: %w", err)
	}
	if err := gz.Close(); err != nil {
		out.Abort()
		return fmt.Errorf("failed to finish archive: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Abort()
		return fmt.Errorf("failed to sync archive: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to commit archive: %w", err)
	}
	return nil
}

// Close flushes the active segment and persists the manifest.
func (b *FileBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	var errs []error
	if b.failed == nil {
		if err := b.flushLocked(); err != nil {
			errs = append(errs, err)
		}
	}
	if b.file != nil {
		if err := b.file.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Manifest returns a copy of the current manifest entries, oldest first.
func (b *FileBackend) Manifest() []ManifestEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entriesLocked()
}

func (b *FileBackend) entriesLocked() []ManifestEntry {
	out := make([]ManifestEntry, len(b.manifest.Files))
	for i, f := range b.manifest.Files {
		out[i] = f.clone()
	}
	return out
}

// Active returns the active segment's entry.
func (b *FileBackend) Active() ManifestEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.manifest.active().clone()
}

func (b *FileBackend) BasePath() string {
	return b.cfg.BasePath
}
