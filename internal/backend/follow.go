package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/filecoin-project/go-clock"
	"github.com/fsnotify/fsnotify"
)

// followPoll catches changes fsnotify may coalesce or miss.
const followPoll = time.Second

// Follow calls fn for every record flushed to the active segment after the
// call, following the active file across rotations. It blocks until ctx is
// cancelled or fn returns an error.
func (b *FileBackend) Follow(ctx context.Context, fn func(record []byte) error) error {
	return Follow(ctx, b.cfg.BasePath, b.clock, b.logger, fn)
}

// Follow tails the active segment under basePath without opening the
// backend, so it can run beside another process that owns the writes. The
// fallback poll runs on clk.
func Follow(ctx context.Context, basePath string, clk clock.Clock, logger *slog.Logger, fn func(record []byte) error) error {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(basePath); err != nil {
		return fmt.Errorf("watching directory %s: %w", basePath, err)
	}

	t := &tail{path: filepath.Join(basePath, activeName), fn: fn}
	if err := t.open(true); err != nil {
		return err
	}
	defer t.close()

	ticker := clk.Ticker(followPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != activeName {
				continue
			}
			if err := t.poll(); err != nil {
				return err
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Follow watcher error", "error", err)
		case <-ticker.C:
			if err := t.poll(); err != nil {
				return err
			}
		}
	}
}

type tail struct {
	path    string
	fn      func([]byte) error
	f       *os.File
	partial []byte
}

func (t *tail) open(atEnd bool) error {
	f, err := os.Open(t.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open active segment: %w", err)
	}
	if atEnd {
		if _, err := f.Seek(0, io.SeekEnd); err != nil {
			f.Close()
			return err
		}
	}
	t.f = f
	t.partial = nil
	return nil
}

func (t *tail) close() {
	if t.f != nil {
		t.f.Close()
		t.f = nil
	}
}

// poll drains new records, then switches to a fresh active file when the
// one being read has been rotated away.
func (t *tail) poll() error {
	if err := t.drain(); err != nil {
		return err
	}
	if t.f != nil {
		current, err := os.Stat(t.path)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		held, err := t.f.Stat()
		if err != nil {
			return err
		}
		if os.SameFile(current, held) {
			return nil
		}
		t.close()
	}
	if err := t.open(false); err != nil {
		return err
	}
	return t.drain()
}

func (t *tail) drain() error {
	if t.f == nil {
		return nil
	}
	data, err := io.ReadAll(t.f)
	if err != nil {
		return fmt.Errorf("failed to read active segment: %w", err)
	}
	data = append(t.partial, data...)
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		if i > 0 {
			if err := t.fn(append([]byte(nil), data[:i]...)); err != nil {
				return err
			}
		}
		data = data[i+1:]
	}
	t.partial = append([]byte(nil), data...)
	return nil
}
