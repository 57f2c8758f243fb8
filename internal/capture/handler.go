package capture

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/witnz/auditvault/internal/audit"
	"github.com/witnz/auditvault/internal/event"
	"github.com/witnz/auditvault/internal/hash"
	"github.com/witnz/auditvault/internal/timestamp"
)

var validTableNameRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Writer is the audit store the handler appends to.
type Writer interface {
	Write(ev event.AuditEvent) (audit.StoredEvent, error)
}

type ProtectedChangeAlerter interface {
	SendProtectedChangeAlert(tableName, operation, recordID string) error
}

type TableConfig struct {
	Name string
	// Protected tables are append-only: UPDATE and DELETE are recorded as
	// critical security events.
	Protected bool
}

// Handler records every captured change in the audit store. A change that
// cannot be recorded is returned as an error so replication does not move
// past it.
type Handler struct {
	writer       Writer
	source       string
	logger       *slog.Logger
	mu           sync.RWMutex
	tableConfigs map[string]*TableConfig
	alertManager ProtectedChangeAlerter
}

// NewHandler writes to w. source names the captured database in the actor of
// every event.
func NewHandler(w Writer, source string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		writer:       w,
		source:       source,
		logger:       logger,
		tableConfigs: make(map[string]*TableConfig),
	}
}

func (h *Handler) SetAlertManager(am ProtectedChangeAlerter) {
	h.alertManager = am
}

// AddTable restricts capture to the configured tables. With no table added
// every table in the publication is captured.
func (h *Handler) AddTable(config *TableConfig) error {
	if !validTableNameRegex.MatchString(config.Name) {
		return fmt.Errorf("invalid table name: %s", config.Name)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if existing, ok := h.tableConfigs[config.Name]; ok {
		existing.Protected = existing.Protected || config.Protected
		return nil
	}
	cfg := *config
	h.tableConfigs[config.Name] = &cfg
	return nil
}

func (h *Handler) lookup(table string) (captured, protected bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.tableConfigs) == 0 {
		return true, false
	}
	cfg, ok := h.tableConfigs[table]
	if !ok {
		return false, false
	}
	return true, cfg.Protected
}

func (h *Handler) HandleChange(change *ChangeEvent) error {
	captured, protected := h.lookup(change.TableName)
	if !captured {
		return nil
	}

	ev, err := h.buildEvent(change, protected)
	if err != nil {
		return fmt.Errorf("failed to build audit event for %s: %w", change.TableName, err)
	}

	stored, err := h.writer.Write(ev)
	if err != nil {
		return fmt.Errorf("failed to record %s on %s: %w", change.Operation, change.TableName, err)
	}

	if ev.EventType == event.TypeSecurity {
		h.logger.Warn("Protected table modified",
			"table", change.TableName,
			"operation", change.Operation,
			"record", ev.Target.TargetID,
			"storage_index", stored.StorageIndex)
		if h.alertManager != nil {
			if err := h.alertManager.SendProtectedChangeAlert(change.TableName, string(change.Operation), ev.Target.TargetID); err != nil {
				h.logger.Warn("Failed to send protected change alert", "error", err)
			}
		}
	}
	return nil
}

func (h *Handler) buildEvent(change *ChangeEvent, protected bool) (event.AuditEvent, error) {
	op := strings.ToLower(string(change.Operation))

	details, err := changeDetails(change)
	if err != nil {
		return event.AuditEvent{}, err
	}

	recordID := "unknown"
	if len(change.PrimaryKey) > 0 {
		raw, err := hash.Canonical(change.PrimaryKey)
		if err != nil {
			return event.AuditEvent{}, err
		}
		recordID = string(raw)
	}

	actor := event.Actor{ActorType: "database", ActorID: h.source}
	target := event.Target{
		TargetType: "table_row",
		TargetID:   recordID,
		TargetName: change.TableName,
	}
	tags := []string{"capture", op}
	opts := []event.Option{event.WithTarget(target), event.WithDetails(details)}
	if change.TransactionID != 0 {
		opts = append(opts, event.WithCorrelationID("xid:"+strconv.FormatUint(uint64(change.TransactionID), 10)))
	}

	if protected && change.Operation != OperationInsert {
		tags = append(tags, "protected")
		opts = append(opts,
			event.WithSeverity(event.SeverityCritical),
			event.WithOutcome(event.OutcomeFailure, "append-only table modified"),
			event.WithTags(tags...))
		return event.NewSecurityEvent(actor, "protected_row_"+op, opts...)
	}

	opts = append(opts, event.WithTags(tags...))
	return event.New(event.TypeDataModification, "row_"+op, actor, opts...)
}

// changeDetails records the change position and the row images. A row too
// large for one detail value is recorded by its hash only.
func changeDetails(change *ChangeEvent) (event.Details, error) {
	d, err := event.NewDetails(
		"table", change.TableName,
		"operation", string(change.Operation),
	)
	if err != nil {
		return event.Details{}, err
	}
	if !change.Timestamp.IsZero() {
		if d, err = d.With("commit_time", timestamp.Format(change.Timestamp)); err != nil {
			return event.Details{}, err
		}
	}
	if change.LSN != 0 {
		if d, err = d.With("lsn", strconv.FormatUint(change.LSN, 10)); err != nil {
			return event.Details{}, err
		}
	}
	for _, row := range []struct {
		key  string
		data map[string]interface{}
	}{
		{"new_row", change.NewData},
		{"old_row", change.OldData},
	} {
		if row.data == nil {
			continue
		}
		if d, err = withRow(d, row.key, row.data); err != nil {
			return event.Details{}, err
		}
	}
	return d, nil
}

func withRow(d event.Details, key string, row map[string]interface{}) (event.Details, error) {
	raw, err := hash.Canonical(row)
	if err != nil {
		return event.Details{}, err
	}
	d, err = d.With(key+"_hash", hash.Sum(raw))
	if err != nil {
		return event.Details{}, err
	}
	if len(raw) > event.MaxDetailValueBytes {
		return d.With(key+"_truncated", true)
	}
	return d.With(key, row)
}
