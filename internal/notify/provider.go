package notify

import "time"

// Provider defines the notification contract for harvest events.
// Implementations besides Slack only need these six calls.
type Provider interface {
	// HarvestStarted is sent once per harvest, before the first attempt.
	HarvestStarted(harvestID, portalURL string, groupingCount int) error

	// HarvestCompleted is sent when every grouping was saved.
	HarvestCompleted(harvestID string, startTime time.Time, duration time.Duration, saved int, bytes int64, restarts int) error

	// HarvestCompletedWithErrors is sent when the run finished but some groupings failed.
	HarvestCompletedWithErrors(harvestID string, startTime time.Time, duration time.Duration, saved, failed int, failures []string) error

	// HarvestFailed is sent when the harvest ended without finishing a run.
	HarvestFailed(harvestID string, err error, duration time.Duration) error

	// RestartTriggered is sent each time a hang forces a fresh session.
	RestartTriggered(harvestID string, restart, maxRestarts int, reason error) error

	// GroupingFailed is sent for individual grouping failures.
	GroupingFailed(runID, grouping, stage string, err error) error
}

// Ensure Notifier implements Provider
var _ Provider = (*Notifier)(nil)
