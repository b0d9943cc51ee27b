package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tourwatch/pkg/tourwatch"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ListTrackedTours returns every active tour in id order.
func (s *Store) ListTrackedTours(ctx context.Context) ([]tourwatch.TourRef, error) {
	var tours []tourwatch.Tour
	err := s.db.WithContext(ctx).
		Select("id", "locator", "name").
		Where("is_active = ?", true).
		Order("id").
		Find(&tours).Error
	if err != nil {
		return nil, fmt.Errorf("list tracked tours: %w", err)
	}

	refs := make([]tourwatch.TourRef, 0, len(tours))
	for i := range tours {
		refs = append(refs, tourwatch.TourRef{ID: tours[i].ID, Locator: tours[i].Locator, Name: tours[i].Name})
	}
	return refs, nil
}

// TrackTour starts tracking a locator. A known but inactive tour is reactivated.
func (s *Store) TrackTour(ctx context.Context, locator, name string) (*tourwatch.Tour, error) {
	var t tourwatch.Tour
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("locator = ?", locator).First(&t).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			t = tourwatch.Tour{Locator: locator, Name: name, IsActive: true}
			return tx.Create(&t).Error
		}
		if err != nil {
			return err
		}
		if t.IsActive {
			return nil
		}
		t.IsActive = true
		return tx.Model(&t).Update("is_active", true).Error
	})
	if err != nil {
		return nil, fmt.Errorf("track tour: %w", err)
	}
	return &t, nil
}

// Tour loads one tour.
func (s *Store) Tour(ctx context.Context, id int64) (*tourwatch.Tour, error) {
	var t tourwatch.Tour
	if err := s.db.WithContext(ctx).First(&t, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// PriceHistory returns a tour's records oldest first.
func (s *Store) PriceHistory(ctx context.Context, tourID int64) ([]tourwatch.PriceRecord, error) {
	var recs []tourwatch.PriceRecord
	err := s.db.WithContext(ctx).
		Where("tour_id = ?", tourID).
		Order("id").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("load price history: %w", err)
	}
	return recs, nil
}

// PriceStats reports a tour's summary and how its current price moved over the
// last 24 hours, 7 days and 30 days, each measured against the earliest record
// inside the window.
func (s *Store) PriceStats(ctx context.Context, tourID int64, now time.Time) (*tourwatch.PriceStats, error) {
	tour, err := s.Tour(ctx, tourID)
	if err != nil {
		return nil, err
	}

	// Records are appended with strictly increasing recorded_at, so id order is time order.
	var recs []tourwatch.PriceRecord
	err = s.db.WithContext(ctx).
		Select("id", "price", "recorded_at").
		Where("tour_id = ?", tourID).
		Order("id").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("load price history: %w", err)
	}

	stats := &tourwatch.PriceStats{
		TourID:       tour.ID,
		Currency:     tour.Currency,
		CurrentPrice: tour.CurrentPrice,
		MinPrice:     tour.MinPrice,
		MaxPrice:     tour.MaxPrice,
		AvgPrice:     tour.AvgPrice,
		TotalRecords: int64(len(recs)),
	}
	if tour.CurrentPrice == nil {
		return stats, nil
	}
	stats.PriceChange24h = changeSince(recs, *tour.CurrentPrice, now.Add(-24*time.Hour))
	stats.PriceChange7d = changeSince(recs, *tour.CurrentPrice, now.AddDate(0, 0, -7))
	stats.PriceChange30d = changeSince(recs, *tour.CurrentPrice, now.AddDate(0, 0, -30))
	return stats, nil
}

func changeSince(recs []tourwatch.PriceRecord, current float64, cutoff time.Time) *float64 {
	for i := range recs {
		if !recs[i].RecordedAt.Before(cutoff) {
			change := current - recs[i].Price
			return &change
		}
	}
	return nil
}

// InTx runs fn in a transaction. fn's error rolls everything back.
func (s *Store) InTx(ctx context.Context, fn func(tx tourwatch.TourTx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&tourTx{db: tx})
	})
}

type tourTx struct {
	db *gorm.DB
}

func (t *tourTx) LoadTourPriceState(ctx context.Context, tourID int64) (*tourwatch.PriceState, error) {
	q := t.db.WithContext(ctx)
	if q.Dialector.Name() != DriverSQLite {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var tour tourwatch.Tour
	if err := q.First(&tour, tourID).Error; err != nil {
		return nil, notFound(err)
	}

	st := &tourwatch.PriceState{
		TourID:     tour.ID,
		Name:       tour.Name,
		Locator:    tour.Locator,
		Currency:   tour.Currency,
		PriceCount: tour.PriceCount,
	}
	if tour.LastRecordedAt != nil {
		st.LastRecordedAt = tour.LastRecordedAt.UTC()
	}
	if tour.CurrentPrice == nil {
		return st, nil
	}
	st.HasPrice = true
	st.CurrentPrice = *tour.CurrentPrice
	st.MinPrice = deref(tour.MinPrice, st.CurrentPrice)
	st.MaxPrice = deref(tour.MaxPrice, st.CurrentPrice)
	st.AvgPrice = deref(tour.AvgPrice, st.CurrentPrice)
	return st, nil
}

func (t *tourTx) AppendPriceRecord(ctx context.Context, rec *tourwatch.PriceRecord) error {
	return t.db.WithContext(ctx).Create(rec).Error
}

func (t *tourTx) UpdateTourSummary(ctx context.Context, sum tourwatch.TourSummary) error {
	updates := map[string]any{
		"currency":         sum.Currency,
		"current_price":    sum.CurrentPrice,
		"min_price":        sum.MinPrice,
		"max_price":        sum.MaxPrice,
		"avg_price":        sum.AvgPrice,
		"price_count":      sum.PriceCount,
		"last_synced_at":   sum.LastSyncedAt,
		"last_recorded_at": sum.LastRecordedAt,
	}
	if sum.Name != "" {
		updates["name"] = sum.Name
	}
	return t.db.WithContext(ctx).
		Model(&tourwatch.Tour{}).
		Where("id = ?", sum.TourID).
		Updates(updates).Error
}

func deref(p *float64, fallback float64) float64 {
	if p == nil {
		return fallback
	}
	return *p
}
