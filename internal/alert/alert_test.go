package alert

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/filecoin-project/go-clock"
)

type mockHTTPClient struct {
	statusCode int
	err        error
	lastReq    *http.Request
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	m.lastReq = req
	if m.err != nil {
		return nil, m.err
	}
	return &http.Response{
		StatusCode: m.statusCode,
		Body:       http.NoBody,
	}, nil
}

func TestNewManager(t *testing.T) {
	m := NewManager(true, "https://hooks.slack.com/test")
	if m == nil {
		t.Fatal("expected non-nil manager")
	}
	if !m.enabled {
		t.Error("expected enabled to be true")
	}
	if m.slackWebhook != "https://hooks.slack.com/test" {
		t.Error("expected slack webhook to be set")
	}
}

func decodeMessage(t *testing.T, req *http.Request) slackMessage {
	t.Helper()
	var msg slackMessage
	if err := json.NewDecoder(req.Body).Decode(&msg); err != nil {
		t.Fatalf("failed to decode request body: %v", err)
	}
	return msg
}

func TestSendIntegrityAlert_Disabled(t *testing.T) {
	m := NewManager(false, "https://hooks.slack.com/test")
	err := m.SendIntegrityAlert(3, "link hash mismatch", "abc")
	if err != nil {
		t.Errorf("expected nil error when disabled, got: %v", err)
	}
}

func TestSendIntegrityAlert_EmptyWebhook(t *testing.T) {
	m := NewManager(true, "")
	err := m.SendIntegrityAlert(3, "link hash mismatch", "abc")
	if err != nil {
		t.Errorf("expected nil error with empty webhook, got: %v", err)
	}
}

func TestSendIntegrityAlert_Success(t *testing.T) {
	mock := &mockHTTPClient{statusCode: http.StatusOK}
	m := NewManagerWithClient(true, "https://hooks.slack.com/test", mock)

	err := m.SendIntegrityAlert(42, "previous hash mismatch", "deadbeef")
	if err != nil {
		t.Errorf("expected nil error, got: %v", err)
	}
	if mock.lastReq == nil {
		t.Fatal("expected request to be made")
	}
	if mock.lastReq.Method != http.MethodPost {
		t.Errorf("expected POST method, got: %s", mock.lastReq.Method)
	}
	if mock.lastReq.Header.Get("Content-Type") != "application/json" {
		t.Error("expected Content-Type to be application/json")
	}

	msg := decodeMessage(t, mock.lastReq)
	if len(msg.Attachments) != 1 || msg.Attachments[0].Fields[0].Value != "42" {
		t.Errorf("expected index field 42, got %+v", msg.Attachments)
	}
}

func TestSendIntegrityAlert_SlackError(t *testing.T) {
	mock := &mockHTTPClient{statusCode: http.StatusInternalServerError}
	m := NewManagerWithClient(true, "https://hooks.slack.com/test", mock)

	err := m.SendIntegrityAlert(1, "data hash mismatch", "abc")
	if err == nil {
		t.Error("expected error for non-200 response")
	}
}

func TestSendIntegrityAlert_TransportError(t *testing.T) {
	mock := &mockHTTPClient{err: errors.New("connection refused")}
	m := NewManagerWithClient(true, "https://hooks.slack.com/test", mock)

	if err := m.SendIntegrityAlert(1, "data hash mismatch", "abc"); err == nil {
		t.Error("expected transport error to be returned")
	}
}

func TestSendSegmentAlert_TruncatesIssues(t *testing.T) {
	mock := &mockHTTPClient{statusCode: http.StatusOK}
	m := NewManagerWithClient(true, "https://hooks.slack.com/test", mock)

	issues := make([]string, 15)
	for i := range issues {
		issues[i] = fmt.Sprintf("line %d: event_hash_mismatch", i+1)
	}
	if err := m.SendSegmentAlert("archive/audit-000001.log.gz", issues); err != nil {
		t.Fatalf("expected nil error, got: %v", err)
	}

	msg := decodeMessage(t, mock.lastReq)
	fields := msg.Attachments[0].Fields
	if fields[1].Value != "15" {
		t.Errorf("expected issue count 15, got %s", fields[1].Value)
	}
	if !strings.Contains(fields[2].Value, "and 5 more") {
		t.Errorf("expected truncated details, got %q", fields[2].Value)
	}
}

func TestSendProtectedChangeAlert_Success(t *testing.T) {
	mock := &mockHTTPClient{statusCode: http.StatusOK}
	m := NewManagerWithClient(true, "https://hooks.slack.com/test", mock)

	if err := m.SendProtectedChangeAlert("ledger", "DELETE", "789"); err != nil {
		t.Errorf("expected nil error, got: %v", err)
	}
	if mock.lastReq == nil {
		t.Fatal("expected request to be made")
	}
}

func TestSendSystemAlert_Severity(t *testing.T) {
	tests := []struct {
		severity string
		color    string
	}{
		{"critical", "danger"},
		{"warning", "warning"},
		{"good", "good"},
	}

	for _, tt := range tests {
		t.Run(tt.severity, func(t *testing.T) {
			mock := &mockHTTPClient{statusCode: http.StatusOK}
			m := NewManagerWithClient(true, "https://hooks.slack.com/test", mock)

			if err := m.SendSystemAlert("Backend failure", "disk full", tt.severity); err != nil {
				t.Fatalf("expected nil error, got: %v", err)
			}
			msg := decodeMessage(t, mock.lastReq)
			if msg.Attachments[0].Color != tt.color {
				t.Errorf("expected color %s, got %s", tt.color, msg.Attachments[0].Color)
			}
		})
	}
}

func TestAlertTimestampUsesClock(t *testing.T) {
	mock := &mockHTTPClient{statusCode: http.StatusOK}
	m := NewManagerWithClient(true, "https://hooks.slack.com/test", mock)
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC))
	m.SetClock(clk)

	if err := m.SendSystemAlert("Backend failure", "disk full", "critical"); err != nil {
		t.Fatalf("expected nil error, got: %v", err)
	}
	msg := decodeMessage(t, mock.lastReq)
	if msg.Attachments[0].Ts != clk.Now().Unix() {
		t.Errorf("expected ts %d, got %d", clk.Now().Unix(), msg.Attachments[0].Ts)
	}
}
