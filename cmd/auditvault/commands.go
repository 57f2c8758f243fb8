package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/filecoin-project/go-clock"
	"github.com/spf13/cobra"
	"github.com/witnz/auditvault/internal/audit"
	"github.com/witnz/auditvault/internal/backend"
	"github.com/witnz/auditvault/internal/event"
	"github.com/witnz/auditvault/internal/storage"
)

func init() {
	verifyCmd.Flags().Bool("json", false, "print the report as JSON")

	archiveCmd.Flags().Duration("older-than", 0, "list archives started before now minus this duration (retention window when zero)")

	recordCmd.Flags().String("type", string(event.TypeSystem), "event type")
	recordCmd.Flags().String("action", "", "action performed (required)")
	recordCmd.Flags().String("actor-type", "user", "actor type")
	recordCmd.Flags().String("actor-id", "", "actor id (required)")
	recordCmd.Flags().String("severity", string(event.SeverityInfo), "severity")
	recordCmd.Flags().String("target-type", "", "target type")
	recordCmd.Flags().String("target-id", "", "target id")
	recordCmd.Flags().StringArray("detail", nil, "detail as key=value, repeatable")
	recordCmd.Flags().StringSlice("tag", nil, "tags")
	_ = recordCmd.MarkFlagRequired("action")
	_ = recordCmd.MarkFlagRequired("actor-id")
}

// withVault loads the config, opens the vault and closes it after fn.
func withVault(fn func(v *vault) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	v, err := openVault(cfg, newLogger())
	if err != nil {
		return err
	}
	defer v.Close()
	return fn(v)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the data directory, manifest and index",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withVault(func(v *vault) error {
			if err := v.index.SetMetadata("initialized_at", v.clock.Now().UTC().Format(time.RFC3339)); err != nil {
				return err
			}
			fmt.Printf("Data directory: %s\n", v.backend.BasePath())
			fmt.Printf("Index path: %s\n", v.cfg.Index.Path)
			fmt.Printf("Events: %d\n", v.store.Len())
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Display store status and segment manifest",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withVault(func(v *vault) error {
			fmt.Printf("Data Directory: %s\n", v.backend.BasePath())
			if v.restoreErr != nil {
				fmt.Printf("Store: UNAVAILABLE (%v)\n", v.restoreErr)
			} else {
				stats := v.store.Stats()
				fmt.Printf("Events: %s\n", humanize.Comma(int64(stats.EventCount)))
				fmt.Printf("Merkle root: %s\n", stats.MerkleRoot)
				fmt.Printf("Chain valid: %t\n", stats.IsValid)
				fmt.Printf("Sealed: %t\n", stats.Sealed)
				fmt.Printf("Approx size: %s\n", humanize.Bytes(uint64(stats.ApproxSizeBytes)))
			}

			if cp, ok, err := v.index.LatestCheckpoint(); err == nil && ok {
				fmt.Printf("Latest checkpoint: #%d %s over %d events (%s)\n",
					cp.Sequence, cp.Kind, cp.EventCount, humanize.Time(cp.CreatedAt))
			}

			fmt.Printf("\nSegments:\n")
			for _, entry := range v.backend.Manifest() {
				state := "archived"
				if entry.IsActive {
					state = "active"
				}
				fmt.Printf("  - %s (%s) %s events, %s, started %s\n",
					entry.Filename, state,
					humanize.Comma(entry.EventCount),
					humanize.Bytes(uint64(entry.SizeBytes)),
					humanize.Time(entry.StartTime))
			}
			return nil
		})
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify [segment]",
	Short: "Verify the hash chain, Merkle root and segment files",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		return withVault(func(v *vault) error {
			var reports []backend.FileReport
			if len(args) > 0 {
				reports = append(reports, v.backend.VerifyFile(args[0]))
			} else {
				reports = v.backend.VerifyAll()
			}

			storeErr := v.restoreErr
			if storeErr == nil && len(args) == 0 {
				storeErr = v.store.Verify()
			}

			if asJSON {
				out := struct {
					MerkleRoot string               `json:"merkle_root,omitempty"`
					StoreError string               `json:"store_error,omitempty"`
					Segments   []backend.FileReport `json:"segments"`
				}{Segments: reports}
				if v.restoreErr == nil {
					out.MerkleRoot = v.store.MerkleRoot()
				}
				if storeErr != nil {
					out.StoreError = storeErr.Error()
				}
				data, err := json.MarshalIndent(out, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
			} else {
				printVerification(storeErr, reports)
			}

			failed := storeErr != nil
			for _, r := range reports {
				if !r.OK() {
					failed = true
				}
			}
			if failed {
				return fmt.Errorf("verification failed")
			}
			return nil
		})
	},
}

func printVerification(storeErr error, reports []backend.FileReport) {
	if storeErr != nil {
		fmt.Printf("Store: FAILED: %v\n", storeErr)
		if cie := audit.AsChainIntegrityError(storeErr); cie != nil {
			fmt.Printf("  first bad index: %d\n", cie.Index)
		}
	}
	for _, r := range reports {
		fmt.Printf("Verifying segment: %s\n", r.Filename)
		if r.OK() {
			fmt.Printf("  OK: %d records intact\n", r.Lines)
			continue
		}
		fmt.Printf("  FAILED: %d of %d records valid\n", r.Valid, r.Lines)
		for _, issue := range r.Issues {
			fmt.Printf("    line %d: %s %s\n", issue.Line, issue.Kind, issue.Detail)
		}
	}
}

var proofCmd = &cobra.Command{
	Use:   "proof <index|event_id>",
	Short: "Print an inclusion proof bundle for one event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withVault(func(v *vault) error {
			if err := v.writable(); err != nil {
				return err
			}
			index, err := resolveIndex(v.index, args[0])
			if err != nil {
				return err
			}
			bundle, ok := v.store.Proof(index)
			if !ok {
				return fmt.Errorf("no event at index %d", index)
			}
			data, err := json.MarshalIndent(bundle, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		})
	},
}

func resolveIndex(index *storage.Storage, arg string) (uint64, error) {
	if n, err := strconv.ParseUint(arg, 10, 64); err == nil {
		return n, nil
	}
	entry, found, err := index.Lookup(arg)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("event not found: %s", arg)
	}
	return entry.StorageIndex, nil
}

var verifyProofCmd = &cobra.Command{
	Use:   "verify-proof <file>",
	Short: "Check a proof bundle offline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read proof: %w", err)
		}
		var bundle audit.ProofBundle
		if err := json.Unmarshal(data, &bundle); err != nil {
			return fmt.Errorf("failed to parse proof: %w", err)
		}
		if !audit.VerifyProof(bundle) {
			return fmt.Errorf("proof does not verify against root %s", bundle.MerkleRoot)
		}
		fmt.Printf("OK: event %s is entry %d of %d under root %s\n",
			bundle.Event.EventID, bundle.StorageIndex, bundle.TotalEvents, bundle.MerkleRoot)
		return nil
	},
}

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "List archived segments eligible for offload",
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")
		return withVault(func(v *vault) error {
			var entries []backend.ManifestEntry
			if olderThan > 0 {
				entries = v.backend.Archive(v.clock.Now().Add(-olderThan))
			} else {
				entries = v.backend.RetentionCandidates()
			}
			if len(entries) == 0 {
				fmt.Println("No archives eligible")
				return nil
			}
			for _, entry := range entries {
				fmt.Printf("%s\t%d events\t%s\troot %s\n",
					entry.Filename, entry.EventCount, humanize.Bytes(uint64(entry.SizeBytes)), entry.MerkleRoot)
			}
			return nil
		})
	},
}

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Follow newly persisted events",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		err = backend.Follow(ctx, cfg.Storage.BasePath, clock.New(), newLogger(), func(record []byte) error {
			stored, err := audit.ParseStoredEvent(record)
			if err != nil {
				fmt.Printf("INVALID %v\n", err)
				return nil
			}
			ev := stored.Event
			fmt.Printf("%d\t%s\t%s\t%s\t%s:%s\n",
				stored.StorageIndex, ev.Timestamp, ev.EventType, ev.Action, ev.Actor.ActorType, ev.Actor.ActorID)
			return nil
		})
		if err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}

var sealCmd = &cobra.Command{
	Use:   "seal",
	Short: "Seal the store permanently and print the sealing root",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withVault(func(v *vault) error {
			if err := v.writable(); err != nil {
				return err
			}
			if err := v.backend.Flush(); err != nil {
				return fmt.Errorf("failed to flush segments: %w", err)
			}
			root := v.store.Seal()
			err := v.index.SaveSeal(storage.SealRecord{
				MerkleRoot: root,
				EventCount: uint64(v.store.Len()),
				SealedAt:   v.clock.Now().UTC(),
			})
			if err != nil {
				return fmt.Errorf("failed to record seal: %w", err)
			}
			fmt.Printf("Sealed %d events\n", v.store.Len())
			fmt.Printf("Merkle root: %s\n", root)
			return nil
		})
	},
}

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Append one audit event",
	RunE: func(cmd *cobra.Command, args []string) error {
		ev, err := eventFromFlags(cmd)
		if err != nil {
			return err
		}
		return withVault(func(v *vault) error {
			if err := v.writable(); err != nil {
				return err
			}
			stored, err := v.store.Write(ev)
			if err != nil {
				return err
			}
			if err := v.backend.Flush(); err != nil {
				return fmt.Errorf("failed to flush segments: %w", err)
			}
			fmt.Printf("Recorded %s at index %d\n", stored.Event.EventID, stored.StorageIndex)
			fmt.Printf("Timestamp: %s\n", stored.Event.Timestamp)
			fmt.Printf("Merkle root: %s\n", v.store.MerkleRoot())
			return nil
		})
	},
}

func eventFromFlags(cmd *cobra.Command) (event.AuditEvent, error) {
	flags := cmd.Flags()
	eventType, _ := flags.GetString("type")
	action, _ := flags.GetString("action")
	actorType, _ := flags.GetString("actor-type")
	actorID, _ := flags.GetString("actor-id")
	severity, _ := flags.GetString("severity")
	targetType, _ := flags.GetString("target-type")
	targetID, _ := flags.GetString("target-id")
	pairs, _ := flags.GetStringArray("detail")
	tags, _ := flags.GetStringSlice("tag")

	details, err := parseDetails(pairs)
	if err != nil {
		return event.AuditEvent{}, err
	}

	opts := []event.Option{
		event.WithSeverity(event.Severity(severity)),
		event.WithDetails(details),
		event.WithTags(tags...),
	}
	if targetType != "" || targetID != "" {
		opts = append(opts, event.WithTarget(event.Target{TargetType: targetType, TargetID: targetID}))
	}
	return event.New(event.EventType(eventType), action,
		event.Actor{ActorType: actorType, ActorID: actorID}, opts...)
}

// parseDetails turns key=value pairs into string details.
func parseDetails(pairs []string) (event.Details, error) {
	kv := make([]interface{}, 0, len(pairs)*2)
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return event.Details{}, fmt.Errorf("invalid detail %q, expected key=value", pair)
		}
		kv = append(kv, key, value)
	}
	return event.NewDetails(kv...)
}
