// Package tourwatch contains the core domain types for the tour price tracking service.
package tourwatch

import (
	"context"
	"time"
)

// AlertType is the closed set of rules an alert can watch for.
type AlertType string

const (
	AlertPriceDrop      AlertType = "price_drop"
	AlertPriceIncrease  AlertType = "price_increase"
	AlertPercentageDrop AlertType = "percentage_drop"
	AlertPriceChange    AlertType = "price_change"
)

// Valid reports whether t is one of the known alert types.
func (t AlertType) Valid() bool {
	switch t {
	case AlertPriceDrop, AlertPriceIncrease, AlertPercentageDrop, AlertPriceChange:
		return true
	}
	return false
}

// NeedsPrice reports whether the alert type requires ThresholdPrice.
func (t AlertType) NeedsPrice() bool {
	return t == AlertPriceDrop || t == AlertPriceIncrease
}

// NeedsPercentage reports whether the alert type requires ThresholdPercentage.
func (t AlertType) NeedsPercentage() bool {
	return t == AlertPercentageDrop
}

// AlertStatus is the lifecycle state of an alert.
type AlertStatus string

const (
	StatusActive    AlertStatus = "active"
	StatusPaused    AlertStatus = "paused"
	StatusTriggered AlertStatus = "triggered"
)

// Tour is a tracked listing on the source site.
type Tour struct {
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CurrentPrice   *float64   `json:"current_price"`
	MinPrice       *float64   `json:"min_price"`
	MaxPrice       *float64   `json:"max_price"`
	AvgPrice       *float64   `json:"avg_price"`
	LastSyncedAt   *time.Time `json:"last_synced_at"`
	LastRecordedAt *time.Time `json:"last_recorded_at"`
	Locator        string     `gorm:"size:512;uniqueIndex;not null" json:"locator"`
	Name           string     `gorm:"size:255" json:"name"`
	Destination    string     `gorm:"size:128;index" json:"destination"`
	Category       string     `gorm:"size:128" json:"category"`
	Currency       string     `gorm:"size:3" json:"currency"`
	ID             int64      `gorm:"primaryKey" json:"id"`
	PriceCount     int64      `gorm:"not null" json:"price_count"` // Backs the incremental mean
	IsActive       bool       `gorm:"index;not null" json:"is_active"`
}

// PriceRecord is one observed price. Records are append-only.
type PriceRecord struct {
	RecordedAt         time.Time `gorm:"uniqueIndex:idx_price_records_tour_recorded,priority:2;not null" json:"recorded_at"`
	PriceChange        *float64  `json:"price_change"`         // Versus the previous record
	PriceChangePercent *float64  `json:"price_change_percent"` // Versus the previous record
	Currency           string    `gorm:"size:3" json:"currency"`
	ID                 int64     `gorm:"primaryKey" json:"id"`
	TourID             int64     `gorm:"uniqueIndex:idx_price_records_tour_recorded,priority:1;not null" json:"tour_id"`
	Price              float64   `gorm:"not null" json:"price"`
}

// Alert is a user's standing watch on one tour.
type Alert struct {
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
	ThresholdPrice      *float64    `json:"threshold_price,omitempty"`
	ThresholdPercentage *float64    `json:"threshold_percentage,omitempty"`
	LastTriggeredAt     *time.Time  `json:"last_triggered_at,omitempty"`
	Type                AlertType   `gorm:"column:alert_type;size:32;not null" json:"alert_type"`
	Status              AlertStatus `gorm:"size:16;index:idx_alerts_tour_status,priority:2;not null" json:"status"`
	ID                  int64       `gorm:"primaryKey" json:"id"`
	UserID              int64       `gorm:"index;not null" json:"user_id"`
	TourID              int64       `gorm:"index:idx_alerts_tour_status,priority:1;not null" json:"tour_id"`
	TriggerCount        int         `gorm:"not null" json:"trigger_count"`
}

// Notification is the durable record of one fired alert.
type Notification struct {
	SentAt             time.Time `json:"sent_at"`
	AlertType          AlertType `gorm:"size:32" json:"alert_type"`
	Currency           string    `gorm:"size:3" json:"currency"`
	Message            string    `gorm:"type:text" json:"message"`
	DedupKey           string    `gorm:"size:36;uniqueIndex;not null" json:"-"`
	ID                 int64     `gorm:"primaryKey" json:"id"`
	UserID             int64     `gorm:"index;not null" json:"user_id"`
	TourID             int64     `gorm:"index;not null" json:"tour_id"`
	AlertID            int64     `gorm:"index;not null" json:"alert_id"`
	OldPrice           float64   `json:"old_price"`
	NewPrice           float64   `json:"new_price"`
	PriceChange        float64   `json:"price_change"`
	PriceChangePercent float64   `json:"price_change_percent"`
	IsRead             bool      `gorm:"index;not null" json:"is_read"`
}

// User is read-only to the sync engine; only the address is used.
type User struct {
	CreatedAt time.Time `json:"created_at"`
	Email     string    `gorm:"size:254;uniqueIndex;not null" json:"email"`
	ID        int64     `gorm:"primaryKey" json:"id"`
}

// TourRef is what a sync pass needs to know about a tracked tour.
type TourRef struct {
	Locator string
	Name    string
	ID      int64
}

// Quote is one successful fetch of a tour page.
type Quote struct {
	Metadata map[string]string
	Currency string
	Name     string
	Price    float64
}

// PriceChangeEvent is emitted when an ingested price differs from the previous one.
type PriceChangeEvent struct {
	RecordedAt time.Time
	TourName   string
	Locator    string
	Currency   string
	TourID     int64
	OldPrice   float64
	NewPrice   float64
}

// Change returns new minus old.
func (e *PriceChangeEvent) Change() float64 {
	return e.NewPrice - e.OldPrice
}

// ChangePercent returns the change relative to the old price, or 0 when the old price is 0.
func (e *PriceChangeEvent) ChangePercent() float64 {
	if e.OldPrice == 0 {
		return 0
	}
	return (e.NewPrice - e.OldPrice) / e.OldPrice * 100
}

// AlertTriggered pairs a fired alert with the event that fired it.
type AlertTriggered struct {
	TriggeredAt  time.Time
	Event        PriceChangeEvent
	Alert        Alert
	TriggerCount int
}

// PriceState is the per-tour state the ingestor reads before applying a quote.
type PriceState struct {
	LastRecordedAt time.Time
	Name           string
	Locator        string
	Currency       string
	TourID         int64
	PriceCount     int64
	CurrentPrice   float64
	MinPrice       float64
	MaxPrice       float64
	AvgPrice       float64
	HasPrice       bool
}

// TourSummary is the set of derived fields written back after ingestion.
type TourSummary struct {
	LastSyncedAt   time.Time
	LastRecordedAt time.Time
	Name           string
	Currency       string
	TourID         int64
	PriceCount     int64
	CurrentPrice   float64
	MinPrice       float64
	MaxPrice       float64
	AvgPrice       float64
}

// PriceStats is a tour's summary plus its price trend. A change is nil when the
// tour has no current price or no record falls inside the window.
type PriceStats struct {
	CurrentPrice   *float64 `json:"current_price"`
	MinPrice       *float64 `json:"min_price"`
	MaxPrice       *float64 `json:"max_price"`
	AvgPrice       *float64 `json:"avg_price"`
	PriceChange24h *float64 `json:"price_change_24h"`
	PriceChange7d  *float64 `json:"price_change_7d"`
	PriceChange30d *float64 `json:"price_change_30d"`
	Currency       string   `json:"currency"`
	TourID         int64    `json:"tour_id"`
	TotalRecords   int64    `json:"total_records"`
}

// TourTx is the transactional view of one tour's price data.
type TourTx interface {
	LoadTourPriceState(ctx context.Context, tourID int64) (*PriceState, error)
	AppendPriceRecord(ctx context.Context, rec *PriceRecord) error
	UpdateTourSummary(ctx context.Context, sum TourSummary) error
}
