package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/filecoin-project/go-clock"
)

const maxListedIssues = 10

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Manager posts operator alerts to a Slack webhook. A disabled manager or
// one without a webhook drops every alert.
type Manager struct {
	enabled      bool
	slackWebhook string
	httpClient   HTTPClient
	clock        clock.Clock
}

type slackMessage struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer"`
	Ts     int64        `json:"ts"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

func NewManager(enabled bool, slackWebhook string) *Manager {
	return NewManagerWithClient(enabled, slackWebhook, &http.Client{Timeout: 10 * time.Second})
}

func NewManagerWithClient(enabled bool, slackWebhook string, client HTTPClient) *Manager {
	return &Manager{
		enabled:      enabled,
		slackWebhook: slackWebhook,
		httpClient:   client,
		clock:        clock.New(),
	}
}

// SetClock replaces the clock used for message timestamps.
func (m *Manager) SetClock(clk clock.Clock) {
	m.clock = clk
}

func (m *Manager) active() bool {
	return m.enabled && m.slackWebhook != ""
}

// post sends one message with a single attachment.
func (m *Manager) post(text, color, title, footer string, fields ...slackField) error {
	return m.sendSlackMessage(slackMessage{
		Text: text,
		Attachments: []slackAttachment{{
			Color:  color,
			Title:  title,
			Fields: fields,
			Footer: footer,
			Ts:     m.clock.Now().Unix(),
		}},
	})
}

// SendIntegrityAlert reports a chain integrity failure found by verification.
// Index is the first link that failed.
func (m *Manager) SendIntegrityAlert(index uint64, reason, merkleRoot string) error {
	if !m.active() {
		return nil
	}
	return m.post("🚨 *AUDIT CHAIN INTEGRITY VIOLATION*", "danger", "Hash Chain Broken", "auditvault verification",
		slackField{Title: "Index", Value: strconv.FormatUint(index, 10), Short: true},
		slackField{Title: "Reason", Value: reason},
		slackField{Title: "Merkle Root", Value: merkleRoot},
	)
}

// SendSegmentAlert reports damaged records in a segment file. At most
// maxListedIssues are listed.
func (m *Manager) SendSegmentAlert(filename string, issues []string) error {
	if !m.active() {
		return nil
	}

	shown := issues
	if len(shown) > maxListedIssues {
		shown = shown[:maxListedIssues]
	}
	detail := strings.Join(shown, "\n")
	if len(issues) > len(shown) {
		detail += fmt.Sprintf("\n... and %d more", len(issues)-len(shown))
	}

	return m.post("🚨 *AUDIT SEGMENT TAMPERING DETECTED*", "danger", "Segment Verification Failed", "auditvault verification",
		slackField{Title: "Segment", Value: filename, Short: true},
		slackField{Title: "Issues", Value: strconv.Itoa(len(issues)), Short: true},
		slackField{Title: "Details", Value: detail},
	)
}

// SendProtectedChangeAlert reports an UPDATE or DELETE on a protected table
// seen by change capture.
func (m *Manager) SendProtectedChangeAlert(tableName, operation, recordID string) error {
	if !m.active() {
		return nil
	}
	return m.post("🚨 *PROTECTED TABLE MODIFIED*", "danger", "Protected Table Change", "auditvault capture",
		slackField{Title: "Table", Value: tableName, Short: true},
		slackField{Title: "Operation", Value: operation, Short: true},
		slackField{Title: "Record ID", Value: recordID, Short: true},
	)
}

// SendSystemAlert reports an operational failure. Severity "warning" and
// "good" map to their Slack colors; anything else is "danger".
func (m *Manager) SendSystemAlert(title, message, severity string) error {
	if !m.active() {
		return nil
	}

	color := "danger"
	switch severity {
	case "warning", "good":
		color = severity
	}
	return m.post(fmt.Sprintf("🚨 *SYSTEM ALERT: %s*", title), color, title, "auditvault",
		slackField{Title: "Message", Value: message},
	)
}

func (m *Manager) sendSlackMessage(msg slackMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal slack message: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, m.slackWebhook, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send slack message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned non-200 status: %d", resp.StatusCode)
	}
	return nil
}
