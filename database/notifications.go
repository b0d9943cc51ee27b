package database

import (
	"context"
	"fmt"

	"tourwatch/pkg/tourwatch"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreateNotification inserts n unless its dedup key is already stored.
func (s *Store) CreateNotification(ctx context.Context, n *tourwatch.Notification) (bool, error) {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "dedup_key"}},
			DoNothing: true,
		}).
		Create(n)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// NotificationByDedupKey loads the notification written for a trigger.
func (s *Store) NotificationByDedupKey(ctx context.Context, key string) (*tourwatch.Notification, error) {
	var n tourwatch.Notification
	if err := s.db.WithContext(ctx).Where("dedup_key = ?", key).First(&n).Error; err != nil {
		return nil, notFound(err)
	}
	return &n, nil
}

// MarkNotificationRead flags one of the user's notifications as read.
func (s *Store) MarkNotificationRead(ctx context.Context, userID, id int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n tourwatch.Notification
		if err := tx.Select("id", "is_read").Where("id = ? AND user_id = ?", id, userID).First(&n).Error; err != nil {
			return notFound(err)
		}
		if n.IsRead {
			return nil
		}
		if err := tx.Model(&tourwatch.Notification{}).Where("id = ?", id).Update("is_read", true).Error; err != nil {
			return fmt.Errorf("mark notification %d read: %w", id, err)
		}
		return nil
	})
}

// DeleteNotification removes one of the user's notifications.
func (s *Store) DeleteNotification(ctx context.Context, userID, id int64) error {
	res := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).Delete(&tourwatch.Notification{})
	if res.Error != nil {
		return fmt.Errorf("delete notification %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return tourwatch.ErrNotFound
	}
	return nil
}
