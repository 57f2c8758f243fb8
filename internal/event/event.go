// Package event defines the audit event schema, its validation rules and its
// lossless JSON codec.
package event

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/filecoin-project/go-clock"
	"github.com/google/uuid"
	"github.com/witnz/auditvault/internal/hash"
	"github.com/witnz/auditvault/internal/timestamp"
)

type EventType string

const (
	TypeAuthentication   EventType = "authentication"
	TypeAuthorization    EventType = "authorization"
	TypeDataAccess       EventType = "data_access"
	TypeDataModification EventType = "data_modification"
	TypeConfiguration    EventType = "configuration"
	TypeSecurity         EventType = "security"
	TypeSystem           EventType = "system"
	TypeCompliance       EventType = "compliance"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeUnknown Outcome = "unknown"
)

func (o Outcome) valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomeUnknown:
		return true
	}
	return false
}

type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

func (s Severity) valid() bool {
	switch s {
	case SeverityDebug, SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

type Actor struct {
	ActorType string `json:"actor_type"`
	ActorID   string `json:"actor_id"`
	ActorName string `json:"actor_name,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

type Target struct {
	TargetType string `json:"target_type"`
	TargetID   string `json:"target_id"`
	TargetName string `json:"target_name,omitempty"`
	TargetPath string `json:"target_path,omitempty"`
}

// AuditEvent is one audit record. Treat it as a value: every method that
// changes a field returns a new event with a recomputed hash.
type AuditEvent struct {
	EventID        string    `json:"event_id"`
	EventType      EventType `json:"event_type"`
	Action         string    `json:"action"`
	Actor          Actor     `json:"actor"`
	Target         *Target   `json:"target,omitempty"`
	Outcome        Outcome   `json:"outcome"`
	OutcomeReason  string    `json:"outcome_reason,omitempty"`
	Severity       Severity  `json:"severity"`
	CorrelationID  string    `json:"correlation_id,omitempty"`
	Timestamp      string    `json:"timestamp"`
	SequenceNumber uint64    `json:"sequence_number"`
	Details        Details   `json:"details"`
	Tags           Tags      `json:"tags"`
	Hash           string    `json:"hash"`
}

type Option func(*AuditEvent)

func WithTarget(t Target) Option {
	return func(e *AuditEvent) { e.Target = &t }
}

func WithOutcome(o Outcome, reason string) Option {
	return func(e *AuditEvent) {
		e.Outcome = o
		e.OutcomeReason = reason
	}
}

func WithSeverity(s Severity) Option {
	return func(e *AuditEvent) { e.Severity = s }
}

func WithCorrelationID(id string) Option {
	return func(e *AuditEvent) { e.CorrelationID = id }
}

func WithDetails(d Details) Option {
	return func(e *AuditEvent) { e.Details = d }
}

func WithTags(tags ...string) Option {
	return func(e *AuditEvent) { e.Tags = NewTags(tags...) }
}

// WithEventID overrides the generated identifier.
func WithEventID(id string) Option {
	return func(e *AuditEvent) { e.EventID = id }
}

// WithClock stamps the provisional timestamp from clk instead of the wall
// clock. A later WithTimestamp wins.
func WithClock(clk clock.Clock) Option {
	return func(e *AuditEvent) { e.Timestamp = timestamp.Format(clk.Now()) }
}

// WithTimestamp sets a provisional timestamp. A store replaces it with its
// authoritative one on write.
func WithTimestamp(ts string) Option {
	return func(e *AuditEvent) { e.Timestamp = ts }
}

// New builds an event with a fresh identifier, outcome success, severity info
// and the current time, then applies opts. The returned event is hashed and
// validated.
func New(eventType EventType, action string, actor Actor, opts ...Option) (AuditEvent, error) {
	e := AuditEvent{
		EventID:   NewEventID(),
		EventType: eventType,
		Action:    action,
		Actor:     actor,
		Outcome:   OutcomeSuccess,
		Severity:  SeverityInfo,
		Timestamp: timestamp.Format(wallClock.Now()),
	}
	for _, opt := range opts {
		opt(&e)
	}

	h, err := e.ComputeHash()
	if err != nil {
		return AuditEvent{}, err
	}
	e.Hash = h
	if err := e.Validate(); err != nil {
		return AuditEvent{}, err
	}
	return e, nil
}

var wallClock = clock.New()

// NewEventID returns 128 random bits as 32 lowercase hex characters.
func NewEventID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

func validEventID(id string) bool {
	if len(id) != 32 {
		return false
	}
	_, err := hex.DecodeString(id)
	return err == nil && strings.ToLower(id) == id
}

// ComputeHash returns the SHA-256 of the canonical serialization of every
// field except the hash itself.
func (e AuditEvent) ComputeHash() (string, error) {
	e.Hash = ""
	raw, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var body map[string]interface{}
	if err := dec.Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode event: %w", err)
	}
	delete(body, "hash")
	return hash.Calculate(body)
}

// Restamp returns a copy carrying the given authoritative timestamp and
// sequence number, with the hash recomputed.
func (e AuditEvent) Restamp(ts string, sequence uint64) (AuditEvent, error) {
	c := e.Clone()
	c.Timestamp = ts
	c.SequenceNumber = sequence
	h, err := c.ComputeHash()
	if err != nil {
		return AuditEvent{}, err
	}
	c.Hash = h
	return c, nil
}

// Clone returns a copy that shares no mutable state with e.
func (e AuditEvent) Clone() AuditEvent {
	if e.Target != nil {
		t := *e.Target
		e.Target = &t
	}
	return e
}

// ValidationError lists every problem found in an event.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid audit event: %s", strings.Join(e.Problems, "; "))
}

// Validate checks required fields, enum values, the timestamp format, the
// details limits, UTF-8 encoding of text and the stored hash.
func (e AuditEvent) Validate() error {
	var problems []string
	if e.EventID == "" {
		problems = append(problems, "event_id is required")
	} else if !validEventID(e.EventID) {
		problems = append(problems, "event_id must be 32 lowercase hex characters")
	}
	if e.EventType == "" {
		problems = append(problems, "event_type is required")
	}
	if e.Action == "" {
		problems = append(problems, "action is required")
	}
	if e.Actor.ActorType == "" {
		problems = append(problems, "actor.actor_type is required")
	}
	if e.Actor.ActorID == "" {
		problems = append(problems, "actor.actor_id is required")
	}
	if e.Target != nil && e.Target.TargetType == "" {
		problems = append(problems, "target.target_type is required when target is set")
	}
	if !e.Outcome.valid() {
		problems = append(problems, fmt.Sprintf("unknown outcome %q", e.Outcome))
	}
	if !e.Severity.valid() {
		problems = append(problems, fmt.Sprintf("unknown severity %q", e.Severity))
	}
	if e.Timestamp == "" {
		problems = append(problems, "timestamp is required")
	} else if _, err := timestamp.Parse(e.Timestamp); err != nil {
		problems = append(problems, "timestamp is not ISO-8601")
	}
	problems = append(problems, e.Details.validate()...)
	problems = append(problems, e.textProblems()...)

	if h, err := e.ComputeHash(); err != nil {
		problems = append(problems, err.Error())
	} else if h != e.Hash {
		problems = append(problems, "hash does not match event contents")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// textProblems reports every string field, detail key and tag that is not
// valid UTF-8.
func (e AuditEvent) textProblems() []string {
	fields := []struct {
		name  string
		value string
	}{
		{"event_id", e.EventID},
		{"event_type", string(e.EventType)},
		{"action", e.Action},
		{"actor.actor_type", e.Actor.ActorType},
		{"actor.actor_id", e.Actor.ActorID},
		{"actor.actor_name", e.Actor.ActorName},
		{"actor.ip_address", e.Actor.IPAddress},
		{"actor.user_agent", e.Actor.UserAgent},
		{"actor.session_id", e.Actor.SessionID},
		{"outcome", string(e.Outcome)},
		{"outcome_reason", e.OutcomeReason},
		{"severity", string(e.Severity)},
		{"correlation_id", e.CorrelationID},
		{"timestamp", e.Timestamp},
	}
	if e.Target != nil {
		fields = append(fields, []struct {
			name  string
			value string
		}{
			{"target.target_type", e.Target.TargetType},
			{"target.target_id", e.Target.TargetID},
			{"target.target_name", e.Target.TargetName},
			{"target.target_path", e.Target.TargetPath},
		}...)
	}

	var problems []string
	for _, f := range fields {
		if !utf8.ValidString(f.value) {
			problems = append(problems, f.name+" is not valid UTF-8")
		}
	}
	for i, d := range e.Details.entries {
		if !utf8.ValidString(d.key) {
			problems = append(problems, fmt.Sprintf("details key %d is not valid UTF-8", i))
		}
	}
	for i, tag := range e.Tags.values {
		if !utf8.ValidString(tag) {
			problems = append(problems, fmt.Sprintf("tag %d is not valid UTF-8", i))
		}
	}
	return problems
}
