package tourwatch

import "time"

// Trigger identifies what started a sync pass.
type Trigger string

const (
	TriggerTimer   Trigger = "timer"
	TriggerManual  Trigger = "manual"
	TriggerStartup Trigger = "startup"
	TriggerCLI     Trigger = "cli"
)

// TourFailure records why one tour could not be synced.
type TourFailure struct {
	Locator string `json:"locator"`
	Reason  string `json:"reason"`
	TourID  int64  `json:"tour_id"`
}

// SyncReport summarizes one sync pass.
type SyncReport struct {
	StartedAt            time.Time     `json:"started_at"`
	FinishedAt           time.Time     `json:"finished_at"`
	RunID                string        `json:"run_id"`
	Trigger              Trigger       `json:"trigger"`
	Error                string        `json:"error,omitempty"`
	Failures             []TourFailure `json:"failures"`
	Total                int           `json:"total"`
	Succeeded            int           `json:"succeeded"`
	Failed               int           `json:"failed"`
	Skipped              int           `json:"skipped"`
	PriceChanges         int           `json:"price_changes"`
	AlertsTriggered      int           `json:"alerts_triggered"`
	NotificationsCreated int           `json:"notifications_created"`
	Cancelled            bool          `json:"cancelled"`
}

// Duration returns how long the pass took.
func (r *SyncReport) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
