package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/filecoin-project/go-clock"
	"github.com/witnz/auditvault/internal/audit"
	"github.com/witnz/auditvault/internal/backend"
	"github.com/witnz/auditvault/internal/config"
	"github.com/witnz/auditvault/internal/storage"
	"github.com/witnz/auditvault/internal/timestamp"
)

// vault wires the segment backend, the bbolt index and the in-memory store
// restored from the segments.
type vault struct {
	cfg     *config.Config
	clock   clock.Clock
	logger  *slog.Logger
	backend *backend.FileBackend
	index   *storage.Storage
	store   *audit.Store

	// restoreErr is set when the segments could not be replayed. The store
	// is then empty and must not accept writes.
	restoreErr error

	// archivedEvents counts the events held by archived segments. It is
	// only touched from the rotation handler, which runs under the
	// backend lock.
	archivedEvents uint64
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func openVault(cfg *config.Config, logger *slog.Logger) (*vault, error) {
	if logger == nil {
		logger = slog.Default()
	}
	clk := clock.New()

	if err := os.MkdirAll(cfg.Storage.BasePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Index.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}

	be, err := backend.Open(cfg.BackendConfig(clk), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open backend: %w", err)
	}

	index, err := storage.New(cfg.Index.Path)
	if err != nil {
		be.Close()
		return nil, fmt.Errorf("failed to open index: %w", err)
	}

	// One authority per process: a vault reopened in the same process keeps
	// issuing from the authority that stamped the restored events.
	authority, err := timestamp.Init(cfg.AuthorityConfig(clk))
	if errors.Is(err, timestamp.ErrAlreadyInitialized) {
		authority = timestamp.Default()
	} else if err != nil {
		index.Close()
		be.Close()
		return nil, fmt.Errorf("failed to initialize timestamp authority: %w", err)
	}

	v := &vault{
		cfg:     cfg,
		clock:   clk,
		logger:  logger,
		backend: be,
		index:   index,
		store:   audit.NewStore(authority, logger),
	}

	if _, err := v.store.Restore(be.ReadAll()); err != nil {
		v.restoreErr = err
		logger.Error("Failed to restore audit store from segments", "error", err)
		return v, nil
	}

	if added, err := index.Reindex(v.store.ReadAll()); err != nil {
		v.Close()
		return nil, fmt.Errorf("index disagrees with segments: %w", err)
	} else if added > 0 {
		logger.Info("Index caught up with segments", "added", added)
	}

	if err := v.reapplySeal(); err != nil {
		v.Close()
		return nil, err
	}

	for _, entry := range be.Manifest() {
		if !entry.IsActive {
			v.archivedEvents += uint64(entry.EventCount)
		}
	}

	v.store.SetPersister(be)
	v.store.AddObserver(index)
	be.SetRotationHandler(v.recordRotation)
	return v, nil
}

// reapplySeal keeps a sealed store sealed across restarts.
func (v *vault) reapplySeal() error {
	seal, found, err := v.index.Seal()
	if err != nil {
		return fmt.Errorf("failed to read seal record: %w", err)
	}
	if !found {
		return nil
	}
	root := v.store.Seal()
	if root != seal.MerkleRoot || uint64(v.store.Len()) != seal.EventCount {
		return fmt.Errorf("sealed root %s over %d events does not match restored root %s over %d events",
			seal.MerkleRoot, seal.EventCount, root, v.store.Len())
	}
	return nil
}

// recordRotation runs while the store holds its write lock, so it must not
// call back into the store.
func (v *vault) recordRotation(archived backend.ManifestEntry) {
	v.archivedEvents += uint64(archived.EventCount)
	end := v.clock.Now().UTC()
	if archived.EndTime != nil {
		end = *archived.EndTime
	}
	_, err := v.index.SaveCheckpoint(storage.Checkpoint{
		Kind:       storage.CheckpointRotation,
		MerkleRoot: archived.MerkleRoot,
		EventCount: v.archivedEvents,
		Segment:    archived.Filename,
		CreatedAt:  end,
	})
	if err != nil {
		v.logger.Warn("Failed to record rotation checkpoint", "segment", archived.Filename, "error", err)
	}
}

// writable fails closed when the store could not be restored.
func (v *vault) writable() error {
	if v.restoreErr != nil {
		return fmt.Errorf("audit store unavailable, segments failed to restore: %w", v.restoreErr)
	}
	return nil
}

func (v *vault) Close() error {
	var errs []error
	if v.backend != nil {
		errs = append(errs, v.backend.Close())
	}
	if v.index != nil {
		errs = append(errs, v.index.Close())
	}
	return errors.Join(errs...)
}
