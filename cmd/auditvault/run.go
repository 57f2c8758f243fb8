package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/witnz/auditvault/internal/alert"
	"github.com/witnz/auditvault/internal/capture"
	"github.com/witnz/auditvault/internal/config"
	"github.com/witnz/auditvault/internal/metrics"
	"github.com/witnz/auditvault/internal/verify"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the audit store with periodic verification and optional change capture",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger()

		v, err := openVault(cfg, logger)
		if err != nil {
			return err
		}
		defer v.Close()
		if err := v.writable(); err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		alerts := alert.NewManager(cfg.Alerts.Enabled, cfg.Alerts.SlackWebhook)

		if cfg.Metrics.Addr != "" {
			go func() {
				if err := metrics.Serve(ctx, cfg.Metrics.Addr); err != nil {
					logger.Error("Metrics server stopped", "error", err)
				}
			}()
			fmt.Printf("Serving metrics on %s/metrics\n", cfg.Metrics.Addr)
		}

		verifier := verify.NewVerifier(v.store, v.backend, v.clock, logger)
		verifier.SetAlertManager(alerts)
		verifier.SetCheckpointRecorder(v.index)
		if err := verifier.Start(ctx, cfg.Verify.Interval); err != nil {
			return fmt.Errorf("failed to start verifier: %w", err)
		}
		defer verifier.Stop()

		var manager *capture.Manager
		if cfg.Capture.Enabled {
			manager, err = startCapture(ctx, cfg, v, alerts)
			if err != nil {
				return err
			}
		}

		fmt.Printf("auditvault is running with %d events, root %s. Press Ctrl+C to stop.\n",
			v.store.Len(), v.store.MerkleRoot())

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nShutting down...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if manager != nil {
			if err := manager.Stop(shutdownCtx); err != nil {
				logger.Error("Failed to stop change capture", "error", err)
			}
		}
		cancel()
		if err := v.backend.Flush(); err != nil {
			return fmt.Errorf("failed to flush segments: %w", err)
		}

		fmt.Println("auditvault stopped")
		return nil
	},
}

func startCapture(ctx context.Context, cfg *config.Config, v *vault, alerts *alert.Manager) (*capture.Manager, error) {
	db := cfg.Capture.Database
	handler := capture.NewHandler(v.store, db.Database, v.logger)
	handler.SetAlertManager(alerts)

	protected := make(map[string]bool, len(cfg.Capture.ProtectedTables))
	for _, name := range cfg.Capture.ProtectedTables {
		protected[name] = true
	}
	seen := make(map[string]bool)
	for _, name := range append(append([]string{}, cfg.Capture.Tables...), cfg.Capture.ProtectedTables...) {
		if seen[name] {
			continue
		}
		seen[name] = true
		if err := handler.AddTable(&capture.TableConfig{Name: name, Protected: protected[name]}); err != nil {
			return nil, fmt.Errorf("failed to add table %s: %w", name, err)
		}
		if protected[name] {
			fmt.Printf("Capturing table: %s (protected)\n", name)
		} else {
			fmt.Printf("Capturing table: %s\n", name)
		}
	}

	manager := capture.NewManager(cfg.Capture.ReplicationConfig(), v.logger)
	manager.AddHandler(handler)
	manager.SetAlertManager(alerts)

	fmt.Printf("Connecting to PostgreSQL: %s:%d/%s\n", db.Host, db.Port, db.Database)
	if err := manager.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize change capture: %w", err)
	}
	if err := manager.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start change capture: %w", err)
	}
	return manager, nil
}
