package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/johndauphine/aep-harvest/internal/config"
)

const footer = "aep-harvest"

// Notifier sends notifications to a Slack incoming webhook
type Notifier struct {
	config     *config.SlackConfig
	httpClient *http.Client
}

// SlackMessage represents a Slack webhook message
type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack message attachment
type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

const (
	colorGood    = "#36a64f"
	colorWarning = "#ffc107"
	colorDanger  = "#dc3545"
)

// New creates a new Slack notifier
func New(cfg *config.SlackConfig) *Notifier {
	if cfg == nil {
		cfg = &config.SlackConfig{Enabled: false}
	}
	return &Notifier{
		config: cfg,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// IsEnabled returns true if notifications are enabled
func (n *Notifier) IsEnabled() bool {
	return n.config != nil && n.config.Enabled && n.config.WebhookURL != ""
}

func (n *Notifier) message(icon, text string, att SlackAttachment) SlackMessage {
	att.Footer = footer
	att.Timestamp = time.Now().Unix()
	return SlackMessage{
		Channel:     n.config.Channel,
		Username:    n.username(),
		IconEmoji:   icon,
		Text:        text,
		Attachments: []SlackAttachment{att},
	}
}

// HarvestStarted announces a new harvest
func (n *Notifier) HarvestStarted(harvestID, portalURL string, groupingCount int) error {
	if !n.IsEnabled() {
		return nil
	}
	return n.send(n.message(":seedling:", "", SlackAttachment{
		Color: colorGood,
		Title: "Harvest Started",
		Fields: []SlackField{
			{Title: "Harvest ID", Value: harvestID, Short: true},
			{Title: "Groupings", Value: fmt.Sprintf("%d", groupingCount), Short: true},
			{Title: "Portal", Value: portalURL, Short: false},
		},
	}))
}

// HarvestCompleted reports a fully successful harvest
func (n *Notifier) HarvestCompleted(harvestID string, startTime time.Time, duration time.Duration, saved int, bytes int64, restarts int) error {
	if !n.IsEnabled() {
		return nil
	}
	text := fmt.Sprintf("Harvest completed. Saved %d workbooks (%s).", saved, formatBytes(bytes))
	return n.send(n.message(":white_check_mark:", text, SlackAttachment{
		Color: colorGood,
		Fields: []SlackField{
			{Title: "Harvest ID", Value: harvestID, Short: true},
			{Title: "Started", Value: startTime.UTC().Format("2006-01-02 15:04:05 UTC"), Short: true},
			{Title: "Duration", Value: formatDuration(duration), Short: true},
			{Title: "Restarts", Value: fmt.Sprintf("%d", restarts), Short: true},
		},
	}))
}

// HarvestCompletedWithErrors reports a finished run with failed groupings
func (n *Notifier) HarvestCompletedWithErrors(harvestID string, startTime time.Time, duration time.Duration, saved, failed int, failures []string) error {
	if !n.IsEnabled() {
		return nil
	}
	text := fmt.Sprintf("Harvest completed with errors. %d groupings saved, %d failed.", saved, failed)
	return n.send(n.message(":warning:", text, SlackAttachment{
		Color: colorWarning,
		Fields: []SlackField{
			{Title: "Harvest ID", Value: harvestID, Short: true},
			{Title: "Started", Value: startTime.UTC().Format("2006-01-02 15:04:05 UTC"), Short: true},
			{Title: "Duration", Value: formatDuration(duration), Short: true},
			{Title: "Failed Groupings", Value: summarize(failures, 5), Short: false},
		},
	}))
}

// HarvestFailed reports a harvest that ended without a completed run
func (n *Notifier) HarvestFailed(harvestID string, err error, duration time.Duration) error {
	if !n.IsEnabled() {
		return nil
	}
	return n.send(n.message(":x:", "", SlackAttachment{
		Color: colorDanger,
		Title: "Harvest Failed",
		Fields: []SlackField{
			{Title: "Harvest ID", Value: harvestID, Short: true},
			{Title: "Duration", Value: formatDuration(duration), Short: true},
			{Title: "Error", Value: truncate(errText(err), 500), Short: false},
		},
	}))
}

// RestartTriggered reports a hang recovery
func (n *Notifier) RestartTriggered(harvestID string, restart, maxRestarts int, reason error) error {
	if !n.IsEnabled() {
		return nil
	}
	return n.send(n.message(":arrows_counterclockwise:", "", SlackAttachment{
		Color: colorWarning,
		Title: "Portal Hung, Restarting",
		Fields: []SlackField{
			{Title: "Harvest ID", Value: harvestID, Short: true},
			{Title: "Restart", Value: fmt.Sprintf("%d of %d", restart, maxRestarts), Short: true},
			{Title: "Reason", Value: truncate(errText(reason), 500), Short: false},
		},
	}))
}

// GroupingFailed reports one grouping that was skipped
func (n *Notifier) GroupingFailed(runID, grouping, stage string, err error) error {
	if !n.IsEnabled() {
		return nil
	}
	return n.send(n.message(":warning:", "", SlackAttachment{
		Color: colorWarning,
		Title: "Grouping Failed",
		Fields: []SlackField{
			{Title: "Run ID", Value: runID, Short: true},
			{Title: "Grouping", Value: grouping, Short: true},
			{Title: "Stage", Value: stage, Short: true},
			{Title: "Error", Value: truncate(errText(err), 500), Short: false},
		},
	}))
}

func (n *Notifier) send(msg SlackMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	resp, err := n.httpClient.Post(n.config.WebhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("sending to Slack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Slack returned status %d", resp.StatusCode)
	}
	return nil
}

func (n *Notifier) username() string {
	if n.config.Username != "" {
		return n.config.Username
	}
	return footer
}

func errText(err error) string {
	if err == nil {
		return "Unknown error"
	}
	return err.Error()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func summarize(items []string, max int) string {
	if len(items) <= max {
		return strings.Join(items, ", ")
	}
	return fmt.Sprintf("%s... and %d more", strings.Join(items[:max], ", "), len(items)-max)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
