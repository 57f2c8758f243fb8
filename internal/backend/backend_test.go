package backend

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/filecoin-project/go-clock"
	"github.com/witnz/auditvault/internal/audit"
	"github.com/witnz/auditvault/internal/event"
	"github.com/witnz/auditvault/internal/timestamp"
)

type fixture struct {
	backend *FileBackend
	store   *audit.Store
	clock   *clock.Mock
	cfg     Config
}

func newFixture(t *testing.T, mutate func(cfg *Config)) *fixture {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 10, 18, 8, 0, 0, 0, time.UTC))

	cfg := Config{
		BasePath:            t.TempDir(),
		MaxFileSize:         100 * 1024 * 1024,
		MaxEventsPerFile:    100000,
		RotationInterval:    24 * time.Hour,
		RetentionDays:       30,
		FlushIntervalEvents: 100,
		Clock:               mock,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return openFixture(t, cfg, mock)
}

func openFixture(t *testing.T, cfg Config, mock *clock.Mock) *fixture {
	t.Helper()
	b, err := Open(cfg, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { b.Close() })

	store := audit.NewStore(timestamp.NewAuthority(timestamp.Config{Clock: mock}), nil)
	store.SetPersister(b)
	return &fixture{backend: b, store: store, clock: mock, cfg: cfg}
}

func (f *fixture) write(t *testing.T, action string) audit.StoredEvent {
	t.Helper()
	ev, err := event.New(event.TypeDataModification, action, event.Actor{ActorType: "service", ActorID: "writer"})
	if err != nil {
		t.Fatal(err)
	}
	stored, err := f.store.Write(ev)
	if err != nil {
		t.Fatalf("Write(%s) failed: %v", action, err)
	}
	return stored
}

func collect(t *testing.T, seq func(func([]byte, error) bool)) []audit.StoredEvent {
	t.Helper()
	var out []audit.StoredEvent
	for line, err := range seq {
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		se, err := audit.ParseStoredEvent(line)
		if err != nil {
			t.Fatalf("parse failed: %v", err)
		}
		out = append(out, se)
	}
	return out
}

func TestRotationByEventCount(t *testing.T) {
	for _, compression := range []bool{false, true} {
		t.Run(fmt.Sprintf("compression=%v", compression), func(t *testing.T) {
			f := newFixture(t, func(cfg *Config) {
				cfg.MaxEventsPerFile = 2
				cfg.Compression = compression
			})
			for i := 0; i < 5; i++ {
				f.write(t, fmt.Sprintf("event-%d", i))
			}

			entries := f.backend.Manifest()
			if len(entries) != 3 {
				t.Fatalf("expected 3 manifest entries, got %d", len(entries))
			}
			for i, e := range entries[:2] {
				if e.IsActive || e.EndTime == nil || e.EventCount != 2 || e.IsCompressed != compression {
					t.Errorf("archived entry %d: %+v", i, e)
				}
				if !strings.HasPrefix(e.Filename, "archive/") {
					t.Errorf("archived entry %d has filename %s", i, e.Filename)
				}
			}
			if !entries[2].IsActive || entries[2].EventCount != 1 {
				t.Errorf("active entry: %+v", entries[2])
			}
			if entries[2].MerkleRoot != f.store.MerkleRoot() {
				t.Error("active entry should carry the latest Merkle root")
			}

			events := collect(t, f.backend.ReadAll())
			if len(events) != 5 {
				t.Fatalf("ReadAll yielded %d events", len(events))
			}
			for i, se := range events {
				if se.Event.Action != fmt.Sprintf("event-%d", i) || se.StorageIndex != uint64(i) {
					t.Errorf("event %d out of order: %s/%d", i, se.Event.Action, se.StorageIndex)
				}
			}

			if got := collect(t, f.backend.ReadArchive(f.backend.ArchiveNames()[1])); len(got) != 2 || got[0].StorageIndex != 2 {
				t.Errorf("second archive yielded %d events", len(got))
			}
			if got := collect(t, f.backend.ReadCurrent()); len(got) != 1 || got[0].StorageIndex != 4 {
				t.Errorf("active segment yielded %d events", len(got))
			}
		})
	}
}

func TestRotationHandler(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.MaxEventsPerFile = 2 })

	var archived []ManifestEntry
	f.backend.SetRotationHandler(func(entry ManifestEntry) {
		archived = append(archived, entry)
	})

	f.write(t, "a")
	second := f.write(t, "b")
	rootAfterTwo := f.store.MerkleRoot()
	f.write(t, "c")

	if len(archived) != 1 {
		t.Fatalf("expected 1 rotation, got %d", len(archived))
	}
	if archived[0].EventCount != 2 || archived[0].IsActive {
		t.Errorf("unexpected archived entry: %+v", archived[0])
	}
	if archived[0].MerkleRoot != rootAfterTwo {
		t.Errorf("archived root should be the root after index %d", second.StorageIndex)
	}
}

func TestReadersAreRestartable(t *testing.T) {
	f := newFixture(t, nil)
	f.write(t, "a")
	f.write(t, "b")

	seq := f.backend.ReadAll()
	first := collect(t, seq)
	f.write(t, "c")
	second := collect(t, seq)
	if len(first) != 2 || len(second) != 3 {
		t.Errorf("expected 2 then 3 records, got %d and %d", len(first), len(second))
	}
}

func TestRotationBySizeAndTime(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.MaxFileSize = 1
		cfg.RotationInterval = time.Hour
	})
	f.write(t, "a")
	f.write(t, "b")
	if n := len(f.backend.Manifest()); n != 2 {
		t.Errorf("size trigger: expected 2 segments, got %d", n)
	}

	g := newFixture(t, func(cfg *Config) { cfg.RotationInterval = time.Hour })
	g.clock.Add(2 * time.Hour)
	g.write(t, "first")
	if n := len(g.backend.Manifest()); n != 1 {
		t.Fatalf("an empty segment must not rotate on time, got %d segments", n)
	}
	g.clock.Add(2 * time.Hour)
	g.write(t, "second")
	entries := g.backend.Manifest()
	if len(entries) != 2 || entries[0].EventCount != 1 {
		t.Errorf("time trigger: %+v", entries)
	}
}

func TestTamperedRecordIsReported(t *testing.T) {
	tests := []struct {
		name   string
		tamper func(line []byte) []byte
		kind   string
	}{
		{"edited field", func(line []byte) []byte {
			return bytes.Replace(line, []byte(`"action":"B"`), []byte(`"action":"X"`), 1)
		}, IssueEventHash},
		{"invalid json", func(line []byte) []byte { return line[:len(line)/2] }, IssueInvalidJSON},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(cfg *Config) { cfg.SyncOnWrite = true })
			for _, action := range []string{"A", "B", "C"} {
				f.write(t, action)
			}
			if err := f.store.Verify(); err != nil {
				t.Fatalf("store Verify failed: %v", err)
			}
			bundle, _ := f.store.Proof(1)
			if !audit.VerifyProof(bundle) || bundle.MerkleRoot != f.store.Stats().MerkleRoot {
				t.Fatal("proof for B did not verify")
			}

			path := filepath.Join(f.cfg.BasePath, activeName)
			data, err := os.ReadFile(path)
			if err != nil {
				t.Fatal(err)
			}
			lines := bytes.Split(bytes.TrimRight(data, "\n"), []byte("\n"))
			lines[1] = tt.tamper(lines[1])
			if err := os.WriteFile(path, append(bytes.Join(lines, []byte("\n")), '\n'), 0o644); err != nil {
				t.Fatal(err)
			}

			report := f.backend.VerifyFile(activeName)
			if report.OK() || len(report.Issues) != 1 {
				t.Fatalf("expected exactly one issue, got %+v", report.Issues)
			}
			if report.Issues[0].Line != 2 || report.Issues[0].Kind != tt.kind {
				t.Errorf("issue = %+v, want line 2 kind %s", report.Issues[0], tt.kind)
			}
			if report.Lines != 3 || report.Valid != 2 {
				t.Errorf("lines=%d valid=%d", report.Lines, report.Valid)
			}

			// The in-memory chain is untouched.
			if err := f.store.Verify(); err != nil {
				t.Errorf("in-memory store affected: %v", err)
			}

			reloaded := audit.NewStore(timestamp.NewAuthority(timestamp.Config{Clock: f.clock}), nil)
			_, err = reloaded.Restore(f.backend.ReadAll())
			if ce := audit.AsChainIntegrityError(err); ce == nil || ce.Index != 1 {
				t.Errorf("Restore should fail at index 1, got %v", err)
			}
		})
	}
}

func TestVerifyAllAcrossSegments(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.MaxEventsPerFile = 2
		cfg.Compression = true
	})
	for i := 0; i < 5; i++ {
		f.write(t, "op")
	}
	for _, r := range f.backend.VerifyAll() {
		if !r.OK() {
			t.Errorf("%s: %+v", r.Filename, r.Issues)
		}
	}
	name := f.backend.ArchiveNames()[0]
	if r := f.backend.VerifyFile(name); !r.OK() || r.Valid != 2 {
		t.Errorf("VerifyFile(%s) = %+v", name, r)
	}
}

func TestConcurrentWritesReadsAndRotation(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.MaxEventsPerFile = 7
		cfg.Compression = true
		cfg.FlushIntervalEvents = 3
	})
	const writers, perWriter = 8, 25
	const total = writers * perWriter

	stop := make(chan struct{})
	var readers sync.WaitGroup
	for r := 0; r < 3; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			seen := 0
			for {
				select {
				case <-stop:
					return
				default:
				}

				n := 0
				for line, err := range f.backend.ReadAll() {
					if err != nil {
						t.Errorf("ReadAll failed: %v", err)
						return
					}
					se, err := audit.ParseStoredEvent(line)
					if err != nil {
						t.Errorf("record %d unreadable: %v", n, err)
						return
					}
					if se.StorageIndex != uint64(n) {
						t.Errorf("record %d carries storage index %d", n, se.StorageIndex)
						return
					}
					n++
				}
				if n < seen {
					t.Errorf("ReadAll went backwards from %d to %d records", seen, n)
					return
				}
				seen = n

				if st := f.store.Stats(); !st.IsValid {
					t.Errorf("store reported invalid at %d events", st.EventCount)
					return
				}
				for _, r := range f.backend.VerifyAll() {
					if !r.OK() {
						t.Errorf("%s: %+v", r.Filename, r.Issues)
						return
					}
				}
			}
		}()
	}

	var writersWG sync.WaitGroup
	for w := 0; w < writers; w++ {
		writersWG.Add(1)
		go func(w int) {
			defer writersWG.Done()
			for i := 0; i < perWriter; i++ {
				ev, err := event.New(event.TypeDataAccess, fmt.Sprintf("read-%d-%d", w, i),
					event.Actor{ActorType: "service", ActorID: fmt.Sprintf("worker-%d", w)})
				if err != nil {
					t.Errorf("Failed to build event: %v", err)
					return
				}
				if _, err := f.store.Write(ev); err != nil {
					t.Errorf("writer %d: Write failed: %v", w, err)
					return
				}
			}
		}(w)
	}
	writersWG.Wait()
	close(stop)
	readers.Wait()
	if t.Failed() {
		t.FailNow()
	}

	if f.store.Len() != total {
		t.Fatalf("expected %d events, got %d", total, f.store.Len())
	}
	if err := f.store.Verify(); err != nil {
		t.Fatalf("store Verify failed: %v", err)
	}
	for _, r := range f.backend.VerifyAll() {
		if !r.OK() {
			t.Errorf("%s: %+v", r.Filename, r.Issues)
		}
	}

	var counted int64
	for _, entry := range f.backend.Manifest() {
		counted += entry.EventCount
	}
	if counted != total {
		t.Errorf("manifest counts %d events, want %d", counted, total)
	}
	if got := len(f.backend.ArchiveNames()); got != total/7 {
		t.Errorf("expected %d archives, got %d", total/7, got)
	}

	restored := audit.NewStore(timestamp.NewAuthority(timestamp.Config{Clock: f.clock}), nil)
	n, err := restored.Restore(f.backend.ReadAll())
	if err != nil || n != total {
		t.Fatalf("Restore = %d, %v", n, err)
	}
	if restored.MerkleRoot() != f.store.MerkleRoot() {
		t.Errorf("restored root %s differs from %s", restored.MerkleRoot(), f.store.MerkleRoot())
	}
}

func TestReadLinesSettledTail(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		settled int64
		want    []string
	}{
		{"all terminated", "a\nb\n", 4, []string{"a", "b"}},
		{"torn record inside settled bytes", "a\nbb", 4, []string{"a", "bb"}},
		{"write in progress", "a\nbb", 2, []string{"a"}},
		{"complete record past settled", "a\nb\n", 2, []string{"a", "b"}},
		{"no cut", "a\nbb", -1, []string{"a", "bb"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			readLines(strings.NewReader(tt.data), tt.settled, func(line []byte, err error) bool {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				got = append(got, string(line))
				return true
			})
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReopenRestoresState(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.MaxEventsPerFile = 3 })
	for i := 0; i < 7; i++ {
		f.write(t, "op")
	}
	root := f.store.MerkleRoot()
	if err := f.backend.Close(); err != nil {
		t.Fatal(err)
	}

	g := openFixture(t, f.cfg, f.clock)
	entries := g.backend.Manifest()
	if len(entries) != 3 || g.backend.Active().EventCount != 1 {
		t.Fatalf("unexpected manifest after reopen: %+v", entries)
	}
	n, err := g.store.Restore(g.backend.ReadAll())
	if err != nil || n != 7 {
		t.Fatalf("Restore = %d, %v", n, err)
	}
	if g.store.MerkleRoot() != root {
		t.Error("restored root differs")
	}

	g.write(t, "after")
	if got := collect(t, g.backend.ReadAll()); len(got) != 8 {
		t.Errorf("expected 8 records after reopen, got %d", len(got))
	}
}

func TestReconcileAfterInterruptedRotation(t *testing.T) {
	t.Run("archived but not recorded", func(t *testing.T) {
		f := newFixture(t, nil)
		f.write(t, "a")
		f.write(t, "b")
		f.backend.Close()

		orphan := filepath.Join(f.cfg.BasePath, archiveDir, "audit-000001-20261018T080000.000000Z.log")
		if err := os.Rename(filepath.Join(f.cfg.BasePath, activeName), orphan); err != nil {
			t.Fatal(err)
		}
		stale := filepath.Join(f.cfg.BasePath, manifestName+"123456")
		os.WriteFile(stale, []byte("{"), 0o644)

		g := openFixture(t, f.cfg, f.clock)
		entries := g.backend.Manifest()
		if len(entries) != 2 || entries[0].IsActive || entries[0].EventCount != 2 || !entries[1].IsActive {
			t.Fatalf("orphan not adopted: %+v", entries)
		}
		if _, err := os.Stat(stale); !os.IsNotExist(err) {
			t.Error("stale temp file should be removed")
		}
		if got := collect(t, g.backend.ReadAll()); len(got) != 2 {
			t.Errorf("expected 2 records, got %d", len(got))
		}
	})

	t.Run("torn trailing record", func(t *testing.T) {
		f := newFixture(t, nil)
		f.write(t, "a")
		f.backend.Close()

		path := filepath.Join(f.cfg.BasePath, activeName)
		fh, _ := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
		fh.WriteString(`{"event":{"event_id"`)
		fh.Close()

		g := openFixture(t, f.cfg, f.clock)
		if g.backend.Active().EventCount != 1 {
			t.Errorf("expected 1 event after truncation, got %d", g.backend.Active().EventCount)
		}
		if r := g.backend.VerifyFile(activeName); !r.OK() {
			t.Errorf("active file should verify after truncation: %+v", r.Issues)
		}
	})

	t.Run("missing active segment", func(t *testing.T) {
		f := newFixture(t, func(cfg *Config) { cfg.SyncOnWrite = true })
		f.write(t, "a")
		f.backend.Close()
		os.Remove(filepath.Join(f.cfg.BasePath, activeName))

		if _, err := Open(f.cfg, nil); err == nil {
			t.Error("Open should fail when recorded events are missing")
		}
	})
}

func TestArchiveAndRetention(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.MaxEventsPerFile = 1
		cfg.RetentionDays = 10
	})
	f.write(t, "day0")
	f.clock.Add(5 * 24 * time.Hour)
	f.write(t, "day5")
	f.clock.Add(7 * 24 * time.Hour)
	f.write(t, "day12")

	if got := f.backend.Archive(f.clock.Now()); len(got) != 2 {
		t.Errorf("Archive(now) = %d entries, want 2", len(got))
	}
	candidates := f.backend.RetentionCandidates()
	if len(candidates) != 1 || candidates[0].Segment != 1 {
		t.Errorf("retention candidates: %+v", candidates)
	}
	if _, err := os.Stat(filepath.Join(f.cfg.BasePath, filepath.FromSlash(candidates[0].Filename))); err != nil {
		t.Error("Archive must not delete files")
	}
}

func TestWriteRejectsBadInput(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.backend.Write([]byte("a\nb"), ""); err == nil {
		t.Error("expected error for embedded newline")
	}
	f.backend.Close()
	if err := f.backend.Write([]byte("{}"), ""); err == nil {
		t.Error("expected error after Close")
	}
	if _, err := f.store.Write(mustEvent(t)); !audit.IsStorageError(err) {
		t.Errorf("store write through a closed backend should fail closed, got %v", err)
	}
	if f.store.Len() != 0 {
		t.Error("failed write must not be visible")
	}
}

func TestFailedWriteLeavesNoRecord(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *Config)
	}{
		{"sync on write", func(cfg *Config) { cfg.SyncOnWrite = true }},
		{"batched flush", func(cfg *Config) { cfg.FlushIntervalEvents = 2 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.mutate)
			f.write(t, "first")

			// A non-empty directory in place of the manifest makes the
			// atomic rename fail after the record was flushed.
			manifest := filepath.Join(f.cfg.BasePath, manifestName)
			if err := os.Remove(manifest); err != nil && !os.IsNotExist(err) {
				t.Fatal(err)
			}
			if err := os.MkdirAll(filepath.Join(manifest, "blocker"), 0o755); err != nil {
				t.Fatal(err)
			}

			if _, err := f.store.Write(mustEvent(t)); !audit.IsStorageError(err) {
				t.Fatalf("expected storage error, got %v", err)
			}
			if f.store.Len() != 1 {
				t.Errorf("failed write must not be visible, store has %d events", f.store.Len())
			}
			if f.backend.Active().EventCount != 1 {
				t.Errorf("expected active count 1, got %d", f.backend.Active().EventCount)
			}

			data, err := os.ReadFile(filepath.Join(f.cfg.BasePath, activeName))
			if err != nil {
				t.Fatal(err)
			}
			if n := bytes.Count(data, []byte{'\n'}); n != 1 {
				t.Fatalf("expected 1 record on disk, got %d", n)
			}

			restored := audit.NewStore(timestamp.NewAuthority(timestamp.Config{Clock: f.clock}), nil)
			n, err := restored.Restore(f.backend.ReadAll())
			if err != nil || n != 1 {
				t.Fatalf("Restore = %d, %v", n, err)
			}
			if restored.MerkleRoot() != f.store.MerkleRoot() {
				t.Error("restored root differs from the store that saw the failure")
			}

			if err := f.backend.Write([]byte("{}"), ""); err == nil {
				t.Error("backend should stay failed after a write error")
			}
		})
	}
}

func mustEvent(t *testing.T) event.AuditEvent {
	t.Helper()
	ev, err := event.New(event.TypeSystem, "heartbeat", event.Actor{ActorType: "service", ActorID: "monitor"})
	if err != nil {
		t.Fatal(err)
	}
	return ev
}

func TestFollowAcrossRotation(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.MaxEventsPerFile = 2
		cfg.SyncOnWrite = true
	})
	f.write(t, "before-follow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	received := make(chan string, 16)
	done := make(chan error, 1)
	go func() {
		done <- f.backend.Follow(ctx, func(record []byte) error {
			se, err := audit.ParseStoredEvent(record)
			if err != nil {
				return err
			}
			received <- se.Event.Action
			return nil
		})
	}()

	// Give the watcher time to register before writing.
	time.Sleep(200 * time.Millisecond)
	want := []string{"one", "two", "three"}
	for _, action := range want {
		f.write(t, action)
	}

	// Each idle wait advances the mock clock one poll period, so records
	// arrive through the fallback ticker even if a watch event is missed.
	for _, action := range want {
		var got string
		for attempt := 0; got == "" && attempt < 50; attempt++ {
			select {
			case got = <-received:
			case <-time.After(100 * time.Millisecond):
				f.clock.Add(followPoll)
			}
		}
		if got == "" {
			t.Fatalf("timed out waiting for %s", action)
		}
		if got != action {
			t.Fatalf("expected %s, got %s", action, got)
		}
	}

	cancel()
	if err := <-done; err != context.Canceled {
		t.Errorf("Follow returned %v", err)
	}
}
