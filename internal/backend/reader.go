package backend

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

// readLines yields every newline-terminated record of r. A trailing record
// without a newline is yielded as well, unless it starts at or past settled:
// such a record is still being written. A negative settled yields it always.
func readLines(r io.Reader, settled int64, yield func([]byte, error) bool) bool {
	br := bufio.NewReaderSize(r, 64*1024)
	var offset int64
	for {
		line, err := br.ReadBytes('\n')
		start := offset
		offset += int64(len(line))
		if errors.Is(err, io.EOF) && settled >= 0 && start >= settled {
			return true
		}
		line = bytes.TrimRight(line, "\n")
		if len(line) > 0 {
			if !yield(line, nil) {
				return false
			}
		}
		if errors.Is(err, io.EOF) {
			return true
		}
		if err != nil {
			return yield(nil, fmt.Errorf("failed to read segment: %w", err))
		}
	}
}

func openSegment(path string, compressed bool) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment: %w", err)
	}
	if !compressed {
		return f, nil
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to open compressed segment %s: %w", path, err)
	}
	return &gzipFile{Reader: gz, f: f}, nil
}

type gzipFile struct {
	*gzip.Reader
	f *os.File
}

func (g *gzipFile) Close() error {
	return errors.Join(g.Reader.Close(), g.f.Close())
}

func (b *FileBackend) readEntry(entry ManifestEntry) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		r, err := openSegment(b.path(entry.Filename), entry.IsCompressed)
		if err != nil {
			yield(nil, err)
			return
		}
		defer r.Close()
		readLines(r, -1, yield)
	}
}

// activeSnapshot is the active file opened under the backend lock together
// with the manifest at that instant. Bytes past settled belong to writes that
// started after the snapshot.
type activeSnapshot struct {
	entries []ManifestEntry
	f       *os.File
	settled int64
}

func (s *activeSnapshot) lines(yield func([]byte, error) bool) {
	readLines(s.f, s.settled, yield)
}

func (s *activeSnapshot) Close() error {
	return s.f.Close()
}

// snapshotActive flushes buffered records and opens the active file so that a
// concurrent rotation cannot hide records from the reader.
func (b *FileBackend) snapshotActive() (*activeSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.w != nil {
		if err := b.w.Flush(); err != nil {
			return nil, fmt.Errorf("failed to flush active segment: %w", err)
		}
	}
	f, err := os.Open(b.path(activeName))
	if err != nil {
		return nil, fmt.Errorf("failed to open active segment: %w", err)
	}
	var settled int64
	if active := b.manifest.active(); active != nil {
		settled = active.SizeBytes
	}
	return &activeSnapshot{entries: b.entriesLocked(), f: f, settled: settled}, nil
}

// ReadCurrent yields the records of the active segment. Each range over the
// result re-opens the file from the beginning.
func (b *FileBackend) ReadCurrent() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		snap, err := b.snapshotActive()
		if err != nil {
			yield(nil, err)
			return
		}
		defer snap.Close()
		snap.lines(yield)
	}
}

// ReadArchive yields the records of a rotated segment, decompressing it when
// needed. name is either the manifest filename or its base name.
func (b *FileBackend) ReadArchive(name string) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		entry, ok := b.findArchive(name)
		if !ok {
			yield(nil, fmt.Errorf("archive %s not found in manifest", name))
			return
		}
		for line, err := range b.readEntry(entry) {
			if !yield(line, err) {
				return
			}
		}
	}
}

func (b *FileBackend) findArchive(name string) (ManifestEntry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, f := range b.manifest.Files {
		if !f.IsActive && (f.Filename == name || path.Base(f.Filename) == name) {
			return f.clone(), true
		}
	}
	return ManifestEntry{}, false
}

// ReadAll yields every record of every segment in write order, archives
// first and the active segment last.
func (b *FileBackend) ReadAll() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		snap, err := b.snapshotActive()
		if err != nil {
			yield(nil, err)
			return
		}
		defer snap.Close()

		for _, entry := range snap.entries {
			if entry.IsActive {
				continue
			}
			for line, err := range b.readEntry(entry) {
				if !yield(line, err) {
					return
				}
				if err != nil {
					return
				}
			}
		}
		snap.lines(yield)
	}
}

// Archive lists rotated segments that started before the cutoff. Nothing is
// deleted: removal or offload is left to the caller.
func (b *FileBackend) Archive(before time.Time) []ManifestEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]ManifestEntry, 0)
	for _, f := range b.manifest.Files {
		if !f.IsActive && f.StartTime.Before(before) {
			out = append(out, f.clone())
		}
	}
	return out
}

// RetentionCandidates applies the configured retention window to Archive.
// It returns nothing when retention is disabled.
func (b *FileBackend) RetentionCandidates() []ManifestEntry {
	if b.cfg.RetentionDays <= 0 {
		return []ManifestEntry{}
	}
	cutoff := b.clock.Now().Add(-time.Duration(b.cfg.RetentionDays) * 24 * time.Hour)
	return b.Archive(cutoff)
}

// ArchiveNames returns the base names of rotated segments, oldest first.
func (b *FileBackend) ArchiveNames() []string {
	var names []string
	for _, f := range b.Manifest() {
		if !f.IsActive {
			names = append(names, strings.TrimPrefix(f.Filename, archiveDir+"/"))
		}
	}
	return names
}
