// Package verify runs full integrity checks of the audit store and its
// segment files, on demand and on an interval. It reports damage and never
// repairs it.
package verify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/filecoin-project/go-clock"
	"github.com/witnz/auditvault/internal/audit"
	"github.com/witnz/auditvault/internal/backend"
	"github.com/witnz/auditvault/internal/metrics"
	"github.com/witnz/auditvault/internal/storage"
)

// StoreChecker is the part of audit.Store a verification run needs.
type StoreChecker interface {
	Verify() error
	MerkleRoot() string
	Len() int
}

// SegmentChecker checks persisted segments, typically a backend.FileBackend.
type SegmentChecker interface {
	VerifyAll() []backend.FileReport
}

type Alerter interface {
	SendIntegrityAlert(index uint64, reason, merkleRoot string) error
	SendSegmentAlert(filename string, issues []string) error
}

type CheckpointRecorder interface {
	SaveCheckpoint(cp storage.Checkpoint) (storage.Checkpoint, error)
}

// Report is the outcome of one verification run.
type Report struct {
	CheckedAt  time.Time
	Events     int
	MerkleRoot string
	StoreErr   error
	Segments   []backend.FileReport
}

func (r Report) OK() bool {
	if r.StoreErr != nil {
		return false
	}
	for _, s := range r.Segments {
		if !s.OK() {
			return false
		}
	}
	return true
}

// Err returns the first problem of the report as an IntegrityError, or nil.
func (r Report) Err() error {
	if r.StoreErr != nil {
		if ce := audit.AsChainIntegrityError(r.StoreErr); ce != nil {
			return NewIntegrityError("store", int64(ce.Index), ce.Reason)
		}
		return NewIntegrityError("store", -1, r.StoreErr.Error())
	}
	for _, s := range r.Segments {
		if !s.OK() {
			issue := s.Issues[0]
			return NewIntegrityError(s.Filename, int64(issue.Line), fmt.Sprintf("%s: %s", issue.Kind, issue.Detail))
		}
	}
	return nil
}

// signature identifies a failure so the same damage is alerted once.
func (r Report) signature() string {
	if err := r.Err(); err != nil {
		return err.Error()
	}
	return ""
}

type Verifier struct {
	store       StoreChecker
	segments    SegmentChecker
	alerter     Alerter
	checkpoints CheckpointRecorder
	clock       clock.Clock
	logger      *slog.Logger

	mu        sync.Mutex
	last      Report
	lastAlert string
	onReport  func(Report)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewVerifier checks store and, when segments is non-nil, the persisted
// segments behind it.
func NewVerifier(store StoreChecker, segments SegmentChecker, clk clock.Clock, logger *slog.Logger) *Verifier {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		store:    store,
		segments: segments,
		clock:    clk,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

func (v *Verifier) SetAlertManager(a Alerter) {
	v.alerter = a
}

// SetCheckpointRecorder records a verify checkpoint after every clean run.
func (v *Verifier) SetCheckpointRecorder(r CheckpointRecorder) {
	v.checkpoints = r
}

// OnReport registers fn to receive every periodic report.
func (v *Verifier) OnReport(fn func(Report)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onReport = fn
}

// RunOnce performs one full verification.
func (v *Verifier) RunOnce() Report {
	report := Report{
		CheckedAt:  v.clock.Now().UTC(),
		Events:     v.store.Len(),
		MerkleRoot: v.store.MerkleRoot(),
		StoreErr:   v.store.Verify(),
	}
	if v.segments != nil {
		report.Segments = v.segments.VerifyAll()
	}

	ok := report.OK()
	metrics.RecordVerification(ok)

	v.mu.Lock()
	v.last = report
	alertNeeded := false
	if ok {
		v.lastAlert = ""
	} else if sig := report.signature(); sig != v.lastAlert {
		v.lastAlert = sig
		alertNeeded = true
	}
	v.mu.Unlock()

	if ok {
		v.logger.Info("Audit trail verified", "events", report.Events, "merkle_root", report.MerkleRoot)
		v.recordCheckpoint(report)
		return report
	}

	v.logger.Error("Audit trail verification failed", "error", report.Err())
	if alertNeeded {
		v.sendAlerts(report)
	}
	return report
}

func (v *Verifier) recordCheckpoint(report Report) {
	if v.checkpoints == nil || report.Events == 0 {
		return
	}
	_, err := v.checkpoints.SaveCheckpoint(storage.Checkpoint{
		Kind:       storage.CheckpointVerify,
		MerkleRoot: report.MerkleRoot,
		EventCount: uint64(report.Events),
		CreatedAt:  report.CheckedAt,
	})
	if err != nil {
		v.logger.Warn("Failed to record verify checkpoint", "error", err)
	}
}

func (v *Verifier) sendAlerts(report Report) {
	if v.alerter == nil {
		return
	}
	if report.StoreErr != nil {
		var index uint64
		reason := report.StoreErr.Error()
		if ce := audit.AsChainIntegrityError(report.StoreErr); ce != nil {
			index, reason = ce.Index, ce.Reason
		}
		if err := v.alerter.SendIntegrityAlert(index, reason, report.MerkleRoot); err != nil {
			v.logger.Warn("Failed to send integrity alert", "error", err)
		}
	}
	for _, s := range report.Segments {
		if s.OK() {
			continue
		}
		issues := make([]string, 0, len(s.Issues))
		for _, issue := range s.Issues {
			issues = append(issues, fmt.Sprintf("line %d: %s", issue.Line, issue.Kind))
		}
		if err := v.alerter.SendSegmentAlert(s.Filename, issues); err != nil {
			v.logger.Warn("Failed to send segment alert", "segment", s.Filename, "error", err)
		}
	}
}

// Last returns the most recent report.
func (v *Verifier) Last() Report {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.last
}

// Start runs a verification immediately and then every interval until ctx
// is cancelled or Stop is called.
func (v *Verifier) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("invalid verify interval: %s", interval)
	}

	report := v.RunOnce()
	if !report.OK() {
		v.logger.Warn("Startup verification found problems", "summary", summarize(report))
	}

	ticker := v.clock.Ticker(interval)
	v.wg.Add(1)
	go v.run(ctx, ticker)
	return nil
}

func (v *Verifier) Stop() {
	close(v.stopCh)
	v.wg.Wait()
}

func (v *Verifier) run(ctx context.Context, ticker *clock.Ticker) {
	defer v.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-v.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := v.RunOnce()
			v.mu.Lock()
			fn := v.onReport
			v.mu.Unlock()
			if fn != nil {
				fn(report)
			}
		}
	}
}

func summarize(r Report) string {
	var parts []string
	if r.StoreErr != nil {
		parts = append(parts, "store: "+r.StoreErr.Error())
	}
	for _, s := range r.Segments {
		if !s.OK() {
			parts = append(parts, fmt.Sprintf("%s: %d issues", s.Filename, len(s.Issues)))
		}
	}
	return strings.Join(parts, "; ")
}
