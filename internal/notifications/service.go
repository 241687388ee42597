// Package notifications stores the notifications fanned out by the triggers.
package notifications

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/windsayl/internal/apperrors"
	"github.com/MarcoPoloResearchLab/windsayl/internal/validation"
)

const (
	defaultListLimit = 10

	opServiceNew       = "notifications.service.new"
	opCreate           = "notifications.create_for_child"
	opDelete           = "notifications.delete_by_id"
	opListForRecipient = "notifications.list_for_recipient"
	opMarkRead         = "notifications.mark_read"
)

var errMissingDatabase = errors.New("database handle is required")

type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperrors.Internal(opServiceNew+".missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// CreateForChild stores the notification unless one with the same id already exists.
// It reports whether a row was written, which makes redelivered events harmless.
func (s *Service) CreateForChild(ctx context.Context, notification Notification) (bool, error) {
	if notification.CreatedAt.IsZero() {
		notification.CreatedAt = s.clock().UTC()
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(&notification)
	if result.Error != nil {
		return false, s.serviceError(opCreate, "insert_failed", result.Error, zap.String("notification_id", notification.ID))
	}
	return result.RowsAffected == 1, nil
}

// DeleteByID removes the notification with id. A missing notification is not an error.
func (s *Service) DeleteByID(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Where("id = ?", id).Delete(&Notification{}).Error; err != nil {
		return s.serviceError(opDelete, "delete_failed", err, zap.String("notification_id", id))
	}
	return nil
}

// ListForRecipient returns the newest notifications addressed to handle.
func (s *Service) ListForRecipient(ctx context.Context, handle string, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	notifications := make([]Notification, 0, limit)
	if err := s.db.WithContext(ctx).
		Where("recipient = ?", handle).
		Order("created_at DESC").
		Limit(limit).
		Find(&notifications).Error; err != nil {
		return nil, s.serviceError(opListForRecipient, "query_failed", err, zap.String("handle", handle))
	}
	return notifications, nil
}

// MarkRead flags the listed notifications addressed to recipient as read in one transaction.
func (s *Service) MarkRead(ctx context.Context, recipient string, ids []string) (int64, error) {
	cleaned := make([]string, 0, len(ids))
	for _, id := range ids {
		if !validation.IsEmpty(id) {
			cleaned = append(cleaned, strings.TrimSpace(id))
		}
	}
	if len(cleaned) == 0 {
		return 0, apperrors.Validation(opMarkRead+".invalid_request", map[string]string{
			"notifications": validation.MessageEmpty,
		})
	}

	var updated int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Notification{}).
			Where("recipient = ? AND id IN ?", recipient, cleaned).
			Update("is_read", true)
		if result.Error != nil {
			return result.Error
		}
		updated = result.RowsAffected
		return nil
	})
	if err != nil {
		return 0, s.serviceError(opMarkRead, "update_failed", err, zap.String("handle", recipient))
	}
	return updated, nil
}

func (s *Service) serviceError(operation, reason string, err error, fields ...zap.Field) error {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	s.logger.Error("notifications service error", append(attrs, fields...)...)
	return apperrors.Internal(operation+"."+reason, err)
}
