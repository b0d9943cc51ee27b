package database

import (
	"context"
	"fmt"
	"time"

	"tourwatch/alert"
	"tourwatch/pkg/tourwatch"

	"gorm.io/gorm"
)

// ValidateAlert checks that an alert carries the threshold its type needs.
func ValidateAlert(a *tourwatch.Alert) error {
	if !a.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidAlert, a.Type)
	}
	if a.Type.NeedsPrice() && (a.ThresholdPrice == nil || *a.ThresholdPrice <= 0) {
		return fmt.Errorf("%w: %s needs a positive threshold_price", ErrInvalidAlert, a.Type)
	}
	if a.Type.NeedsPercentage() && (a.ThresholdPercentage == nil || *a.ThresholdPercentage <= 0 || *a.ThresholdPercentage > 100) {
		return fmt.Errorf("%w: %s needs threshold_percentage in (0, 100]", ErrInvalidAlert, a.Type)
	}
	return nil
}

// CreateAlert validates and stores a new active alert.
func (s *Store) CreateAlert(ctx context.Context, a *tourwatch.Alert) error {
	if err := ValidateAlert(a); err != nil {
		return err
	}
	if _, err := s.Tour(ctx, a.TourID); err != nil {
		return fmt.Errorf("load tour %d: %w", a.TourID, err)
	}
	a.Status = tourwatch.StatusActive
	a.TriggerCount = 0
	a.LastTriggeredAt = nil
	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		return fmt.Errorf("create alert: %w", err)
	}
	s.logger.Info("Alert created", "alert_id", a.ID, "user_id", a.UserID, "tour_id", a.TourID, "alert_type", a.Type)
	return nil
}

// Alert loads one alert.
func (s *Store) Alert(ctx context.Context, id int64) (*tourwatch.Alert, error) {
	var a tourwatch.Alert
	if err := s.db.WithContext(ctx).First(&a, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

// PauseAlert stops an alert from being evaluated.
func (s *Store) PauseAlert(ctx context.Context, userID, alertID int64) error {
	return s.setAlertStatus(ctx, userID, alertID, tourwatch.StatusPaused)
}

// ResumeAlert makes a paused alert active again.
func (s *Store) ResumeAlert(ctx context.Context, userID, alertID int64) error {
	return s.setAlertStatus(ctx, userID, alertID, tourwatch.StatusActive)
}

func (s *Store) setAlertStatus(ctx context.Context, userID, alertID int64, status tourwatch.AlertStatus) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var a tourwatch.Alert
		if err := tx.Where("id = ? AND user_id = ?", alertID, userID).First(&a).Error; err != nil {
			return notFound(err)
		}
		if a.Status == status {
			return nil
		}
		if err := tx.Model(&a).Update("status", status).Error; err != nil {
			return fmt.Errorf("set alert %d %s: %w", alertID, status, err)
		}
		s.logger.Info("Alert status changed", "alert_id", alertID, "user_id", userID, "status", status)
		return nil
	})
}

// ListActiveAlerts returns the active alerts on a tour. Paused alerts are never returned.
func (s *Store) ListActiveAlerts(ctx context.Context, tourID int64) ([]tourwatch.Alert, error) {
	var alerts []tourwatch.Alert
	err := s.db.WithContext(ctx).
		Where("tour_id = ? AND status = ?", tourID, tourwatch.StatusActive).
		Order("id").
		Find(&alerts).Error
	if err != nil {
		return nil, err
	}
	return alerts, nil
}

// RecordAlertTrigger bumps the trigger count of an active alert. The alert passes
// through triggered and back to active inside one transaction, so it keeps firing
// on later changes. ErrAlertNotActive is returned when the alert is no longer active.
func (s *Store) RecordAlertTrigger(ctx context.Context, alertID int64, at time.Time) (int, error) {
	var count int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&tourwatch.Alert{}).
			Where("id = ? AND status = ?", alertID, tourwatch.StatusActive).
			Updates(map[string]any{
				"status":            tourwatch.StatusTriggered,
				"trigger_count":     gorm.Expr("trigger_count + ?", 1),
				"last_triggered_at": at.UTC().Truncate(time.Millisecond),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return alert.ErrAlertNotActive
		}

		if err := tx.Model(&tourwatch.Alert{}).Where("id = ?", alertID).Update("status", tourwatch.StatusActive).Error; err != nil {
			return err
		}

		var a tourwatch.Alert
		if err := tx.Select("trigger_count").First(&a, alertID).Error; err != nil {
			return err
		}
		count = a.TriggerCount
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}
