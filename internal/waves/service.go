// Package waves owns waves and the comments, splashes and ripples attached to them.
package waves

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/windsayl/internal/apperrors"
	"github.com/MarcoPoloResearchLab/windsayl/internal/events"
	"github.com/MarcoPoloResearchLab/windsayl/internal/notifications"
	"github.com/MarcoPoloResearchLab/windsayl/internal/validation"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

const (
	opServiceNew           = "waves.service.new"
	opListWaves            = "waves.list_waves"
	opGetWave              = "waves.get_wave"
	opCreateWave           = "waves.create_wave"
	opDeleteWave           = "waves.delete_wave"
	opCreateComment        = "waves.create_comment"
	opDeleteComment        = "waves.delete_comment"
	opCreateSplash         = "waves.create_splash"
	opDeleteSplash         = "waves.delete_splash"
	opCreateRipple         = "waves.create_ripple"
	opDeleteRipple         = "waves.delete_ripple"
	opListWavesByHandle    = "waves.list_waves_by_handle"
	opListSplashesByHandle = "waves.list_splashes_by_handle"
	opPropagatePicture     = "waves.propagate_display_picture"
	opChildExists          = "waves.child_exists"

	messageWaveNotFound    = "Wave not found"
	messageCommentNotFound = "Comment not found"
	messageUnauthorized    = "Unauthorized"
	messageAlreadySplashed = "Wave already splashed"
	messageNotSplashed     = "Wave not splashed"
	messageAlreadyRippled  = "Wave already rippled"
	messageNotRippled      = "Wave not rippled"

	columnSplashCount  = "splash_count"
	columnCommentCount = "comment_count"
	columnRippleCount  = "ripple_count"
)

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Publisher  events.Publisher
	Logger     *zap.Logger
}

type IDProvider interface {
	NewID() (string, error)
}

type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	publisher  events.Publisher
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperrors.Internal(opServiceNew+".missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, apperrors.Internal(opServiceNew+".missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		publisher:  cfg.Publisher,
		logger:     logger,
	}, nil
}

// ListWaves returns every wave, newest first.
func (s *Service) ListWaves(ctx context.Context) ([]Wave, error) {
	waves := make([]Wave, 0)
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&waves).Error; err != nil {
		return nil, s.serviceError(opListWaves, "query_failed", err)
	}
	return waves, nil
}

// LookupWave loads a single wave without its comments.
func (s *Service) LookupWave(ctx context.Context, waveID string) (Wave, error) {
	wave, err := loadWave(s.db.WithContext(ctx), waveID)
	if err != nil {
		return Wave{}, s.mapLoadError(opGetWave, waveID, err)
	}
	return wave, nil
}

// ChildExists reports whether the comment, splash or ripple with id is still stored.
func (s *Service) ChildExists(ctx context.Context, collection, id string) (bool, error) {
	var model any
	switch collection {
	case events.CollectionComments:
		model = &Comment{}
	case events.CollectionSplashes:
		model = &Splash{}
	case events.CollectionRipples:
		model = &Ripple{}
	default:
		return false, apperrors.Internal(opChildExists+".unknown_collection", errors.New("waves: unknown child collection "+collection))
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(model).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, s.serviceError(opChildExists, "query_failed", err, zap.String("collection", collection), zap.String("id", id))
	}
	return count > 0, nil
}

func (s *Service) GetWave(ctx context.Context, waveID string) (WaveDetail, error) {
	wave, err := s.LookupWave(ctx, waveID)
	if err != nil {
		return WaveDetail{}, err
	}
	comments := make([]Comment, 0)
	if err := s.db.WithContext(ctx).
		Where("wave_id = ?", waveID).
		Order("created_at DESC").
		Find(&comments).Error; err != nil {
		return WaveDetail{}, s.serviceError(opGetWave, "comments_query_failed", err, zap.String("wave_id", waveID))
	}
	return WaveDetail{Wave: wave, Comments: comments}, nil
}

func (s *Service) CreateWave(ctx context.Context, author Author, body string) (Wave, error) {
	if validation.IsEmpty(body) {
		return Wave{}, apperrors.Validation(opCreateWave+".invalid_body", map[string]string{"body": validation.MessageEmpty})
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		return Wave{}, s.serviceError(opCreateWave, "id_generation_failed", err)
	}
	wave := Wave{
		ID:             id,
		Body:           strings.TrimSpace(body),
		Handle:         author.Handle,
		DisplayPicture: author.DisplayPicture,
		CreatedAt:      s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&wave).Error; err != nil {
		return Wave{}, s.serviceError(opCreateWave, "insert_failed", err, zap.String("handle", author.Handle))
	}
	s.publish(ctx, events.CollectionWaves, events.KindCreated, wave.ID, nil, wave)
	return wave, nil
}

// DeleteWave removes a wave with its comments, splashes and notifications.
// Ripples survive with their snapshot replaced by a deleted marker.
func (s *Service) DeleteWave(ctx context.Context, author Author, waveID string) error {
	var deleted Wave
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wave, err := loadWave(tx, waveID)
		if err != nil {
			return s.mapLoadError(opDeleteWave, waveID, err)
		}
		if wave.Handle != author.Handle {
			return apperrors.Forbidden(opDeleteWave+".not_author", messageUnauthorized)
		}
		if err := tx.Where("wave_id = ?", waveID).Delete(&Comment{}).Error; err != nil {
			return s.serviceError(opDeleteWave, "comments_delete_failed", err, zap.String("wave_id", waveID))
		}
		if err := tx.Where("wave_id = ?", waveID).Delete(&Splash{}).Error; err != nil {
			return s.serviceError(opDeleteWave, "splashes_delete_failed", err, zap.String("wave_id", waveID))
		}
		if err := tx.Where("wave_id = ?", waveID).Delete(&notifications.Notification{}).Error; err != nil {
			return s.serviceError(opDeleteWave, "notifications_delete_failed", err, zap.String("wave_id", waveID))
		}
		if err := tx.Model(&Ripple{}).Where("wave_id = ?", waveID).Updates(map[string]any{
			"wave_body": DeletedWaveBody,
			"wave_id":   waveID + DeletedWaveSuffix,
		}).Error; err != nil {
			return s.serviceError(opDeleteWave, "ripples_update_failed", err, zap.String("wave_id", waveID))
		}
		if err := tx.Delete(&wave).Error; err != nil {
			return s.serviceError(opDeleteWave, "wave_delete_failed", err, zap.String("wave_id", waveID))
		}
		deleted = wave
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(ctx, events.CollectionWaves, events.KindDeleted, deleted.ID, deleted, nil)
	return nil
}

func (s *Service) CreateComment(ctx context.Context, author Author, waveID, body string) (Comment, error) {
	if validation.IsEmpty(body) {
		return Comment{}, apperrors.Validation(opCreateComment+".invalid_body", map[string]string{"body": validation.MessageEmpty})
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		return Comment{}, s.serviceError(opCreateComment, "id_generation_failed", err)
	}
	comment := Comment{
		ID:             id,
		WaveID:         waveID,
		Body:           strings.TrimSpace(body),
		Handle:         author.Handle,
		DisplayPicture: author.DisplayPicture,
		CreatedAt:      s.clock().UTC(),
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := loadWave(tx, waveID); err != nil {
			return s.mapLoadError(opCreateComment, waveID, err)
		}
		if err := tx.Create(&comment).Error; err != nil {
			return s.serviceError(opCreateComment, "insert_failed", err, zap.String("wave_id", waveID))
		}
		if err := adjustCounter(tx, waveID, columnCommentCount, 1); err != nil {
			return s.serviceError(opCreateComment, "counter_update_failed", err, zap.String("wave_id", waveID))
		}
		return nil
	})
	if err != nil {
		return Comment{}, err
	}
	s.publish(ctx, events.CollectionComments, events.KindCreated, comment.ID, nil, comment)
	return comment, nil
}

// DeleteComment removes the author's comment and returns the wave with its decremented counter.
func (s *Service) DeleteComment(ctx context.Context, author Author, waveID, commentID string) (Wave, error) {
	var (
		updated Wave
		removed Comment
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := loadWave(tx, waveID); err != nil {
			return s.mapLoadError(opDeleteComment, waveID, err)
		}
		var comment Comment
		err := tx.Where("id = ? AND wave_id = ?", commentID, waveID).Take(&comment).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.NotFound(opDeleteComment+".comment_not_found", messageCommentNotFound)
		}
		if err != nil {
			return s.serviceError(opDeleteComment, "comment_select_failed", err, zap.String("comment_id", commentID))
		}
		if comment.Handle != author.Handle {
			return apperrors.Forbidden(opDeleteComment+".not_author", messageUnauthorized)
		}
		if err := tx.Delete(&comment).Error; err != nil {
			return s.serviceError(opDeleteComment, "delete_failed", err, zap.String("comment_id", commentID))
		}
		if err := adjustCounter(tx, waveID, columnCommentCount, -1); err != nil {
			return s.serviceError(opDeleteComment, "counter_update_failed", err, zap.String("wave_id", waveID))
		}
		wave, err := loadWave(tx, waveID)
		if err != nil {
			return s.serviceError(opDeleteComment, "wave_reload_failed", err, zap.String("wave_id", waveID))
		}
		updated = wave
		removed = comment
		return nil
	})
	if err != nil {
		return Wave{}, err
	}
	s.publish(ctx, events.CollectionComments, events.KindDeleted, removed.ID, removed, nil)
	return updated, nil
}

func (s *Service) CreateSplash(ctx context.Context, author Author, waveID string) (Wave, error) {
	id, err := s.idProvider.NewID()
	if err != nil {
		return Wave{}, s.serviceError(opCreateSplash, "id_generation_failed", err)
	}
	splash := Splash{ID: id, WaveID: waveID, Handle: author.Handle, CreatedAt: s.clock().UTC()}

	var updated Wave
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := loadWave(tx, waveID); err != nil {
			return s.mapLoadError(opCreateSplash, waveID, err)
		}
		exists, err := childExists(tx, &Splash{}, author.Handle, waveID)
		if err != nil {
			return s.serviceError(opCreateSplash, "lookup_failed", err, zap.String("wave_id", waveID))
		}
		if exists {
			return apperrors.Conflict(opCreateSplash+".already_splashed", messageAlreadySplashed)
		}
		if err := tx.Create(&splash).Error; err != nil {
			if isDuplicateKey(err) {
				return apperrors.Conflict(opCreateSplash+".already_splashed", messageAlreadySplashed)
			}
			return s.serviceError(opCreateSplash, "insert_failed", err, zap.String("wave_id", waveID))
		}
		if err := adjustCounter(tx, waveID, columnSplashCount, 1); err != nil {
			return s.serviceError(opCreateSplash, "counter_update_failed", err, zap.String("wave_id", waveID))
		}
		if updated, err = loadWave(tx, waveID); err != nil {
			return s.serviceError(opCreateSplash, "wave_reload_failed", err, zap.String("wave_id", waveID))
		}
		return nil
	})
	if err != nil {
		return Wave{}, err
	}
	s.publish(ctx, events.CollectionSplashes, events.KindCreated, splash.ID, nil, splash)
	return updated, nil
}

func (s *Service) DeleteSplash(ctx context.Context, author Author, waveID string) (Wave, error) {
	var (
		updated Wave
		removed Splash
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := loadWave(tx, waveID); err != nil {
			return s.mapLoadError(opDeleteSplash, waveID, err)
		}
		err := tx.Where("handle = ? AND wave_id = ?", author.Handle, waveID).Take(&removed).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.Conflict(opDeleteSplash+".not_splashed", messageNotSplashed)
		}
		if err != nil {
			return s.serviceError(opDeleteSplash, "lookup_failed", err, zap.String("wave_id", waveID))
		}
		if err := tx.Delete(&removed).Error; err != nil {
			return s.serviceError(opDeleteSplash, "delete_failed", err, zap.String("wave_id", waveID))
		}
		if err := adjustCounter(tx, waveID, columnSplashCount, -1); err != nil {
			return s.serviceError(opDeleteSplash, "counter_update_failed", err, zap.String("wave_id", waveID))
		}
		if updated, err = loadWave(tx, waveID); err != nil {
			return s.serviceError(opDeleteSplash, "wave_reload_failed", err, zap.String("wave_id", waveID))
		}
		return nil
	})
	if err != nil {
		return Wave{}, err
	}
	s.publish(ctx, events.CollectionSplashes, events.KindDeleted, removed.ID, removed, nil)
	return updated, nil
}

func (s *Service) CreateRipple(ctx context.Context, author Author, waveID string) (Wave, error) {
	id, err := s.idProvider.NewID()
	if err != nil {
		return Wave{}, s.serviceError(opCreateRipple, "id_generation_failed", err)
	}

	var (
		updated Wave
		ripple  Ripple
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wave, err := loadWave(tx, waveID)
		if err != nil {
			return s.mapLoadError(opCreateRipple, waveID, err)
		}
		exists, err := childExists(tx, &Ripple{}, author.Handle, waveID)
		if err != nil {
			return s.serviceError(opCreateRipple, "lookup_failed", err, zap.String("wave_id", waveID))
		}
		if exists {
			return apperrors.Conflict(opCreateRipple+".already_rippled", messageAlreadyRippled)
		}
		ripple = Ripple{
			ID:             id,
			WaveID:         waveID,
			Handle:         author.Handle,
			DisplayPicture: author.DisplayPicture,
			WaveBody:       wave.Body,
			WaveHandle:     wave.Handle,
			CreatedAt:      s.clock().UTC(),
		}
		if err := tx.Create(&ripple).Error; err != nil {
			if isDuplicateKey(err) {
				return apperrors.Conflict(opCreateRipple+".already_rippled", messageAlreadyRippled)
			}
			return s.serviceError(opCreateRipple, "insert_failed", err, zap.String("wave_id", waveID))
		}
		if err := adjustCounter(tx, waveID, columnRippleCount, 1); err != nil {
			return s.serviceError(opCreateRipple, "counter_update_failed", err, zap.String("wave_id", waveID))
		}
		if updated, err = loadWave(tx, waveID); err != nil {
			return s.serviceError(opCreateRipple, "wave_reload_failed", err, zap.String("wave_id", waveID))
		}
		return nil
	})
	if err != nil {
		return Wave{}, err
	}
	s.publish(ctx, events.CollectionRipples, events.KindCreated, ripple.ID, nil, ripple)
	return updated, nil
}

func (s *Service) DeleteRipple(ctx context.Context, author Author, waveID string) (Wave, error) {
	var (
		updated Wave
		removed Ripple
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := loadWave(tx, waveID); err != nil {
			return s.mapLoadError(opDeleteRipple, waveID, err)
		}
		err := tx.Where("handle = ? AND wave_id = ?", author.Handle, waveID).Take(&removed).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.Conflict(opDeleteRipple+".not_rippled", messageNotRippled)
		}
		if err != nil {
			return s.serviceError(opDeleteRipple, "lookup_failed", err, zap.String("wave_id", waveID))
		}
		if err := tx.Delete(&removed).Error; err != nil {
			return s.serviceError(opDeleteRipple, "delete_failed", err, zap.String("wave_id", waveID))
		}
		if err := adjustCounter(tx, waveID, columnRippleCount, -1); err != nil {
			return s.serviceError(opDeleteRipple, "counter_update_failed", err, zap.String("wave_id", waveID))
		}
		if updated, err = loadWave(tx, waveID); err != nil {
			return s.serviceError(opDeleteRipple, "wave_reload_failed", err, zap.String("wave_id", waveID))
		}
		return nil
	})
	if err != nil {
		return Wave{}, err
	}
	s.publish(ctx, events.CollectionRipples, events.KindDeleted, removed.ID, removed, nil)
	return updated, nil
}

func (s *Service) ListWavesByHandle(ctx context.Context, handle string) ([]Wave, error) {
	waves := make([]Wave, 0)
	if err := s.db.WithContext(ctx).
		Where("handle = ?", handle).
		Order("created_at DESC").
		Find(&waves).Error; err != nil {
		return nil, s.serviceError(opListWavesByHandle, "query_failed", err, zap.String("handle", handle))
	}
	return waves, nil
}

func (s *Service) ListSplashesByHandle(ctx context.Context, handle string) ([]Splash, error) {
	splashes := make([]Splash, 0)
	if err := s.db.WithContext(ctx).
		Where("handle = ?", handle).
		Order("created_at DESC").
		Find(&splashes).Error; err != nil {
		return nil, s.serviceError(opListSplashesByHandle, "query_failed", err, zap.String("handle", handle))
	}
	return splashes, nil
}

// PropagateDisplayPicture rewrites the picture snapshot on every wave, comment
// and ripple authored by handle in a single transaction.
func (s *Service) PropagateDisplayPicture(ctx context.Context, handle, displayPicture string) (int64, error) {
	var touched int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []any{&Wave{}, &Comment{}, &Ripple{}} {
			result := tx.Model(model).Where("handle = ?", handle).UpdateColumn("display_picture", displayPicture)
			if result.Error != nil {
				return result.Error
			}
			touched += result.RowsAffected
		}
		return nil
	})
	if err != nil {
		return 0, s.serviceError(opPropagatePicture, "update_failed", err, zap.String("handle", handle))
	}
	return touched, nil
}

func (s *Service) publish(ctx context.Context, collection string, kind events.Kind, documentID string, before, after any) {
	if s.publisher == nil {
		return
	}
	event, err := events.NewEvent(collection, kind, documentID, before, after)
	if err != nil {
		s.logger.Error("change event encode failed",
			zap.String("collection", collection),
			zap.String("document_id", documentID),
			zap.Error(err))
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Error("change event publish failed",
			zap.String("subject", event.Subject()),
			zap.String("document_id", documentID),
			zap.Error(err))
	}
}

func (s *Service) mapLoadError(operation, waveID string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperrors.NotFound(operation+".wave_not_found", messageWaveNotFound)
	}
	return s.serviceError(operation, "wave_select_failed", err, zap.String("wave_id", waveID))
}

func (s *Service) serviceError(operation, reason string, err error, fields ...zap.Field) error {
	s.logError(operation, reason, err, fields...)
	return apperrors.Internal(operation+"."+reason, err)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("waves service error", attrs...)
}

func loadWave(db *gorm.DB, waveID string) (Wave, error) {
	var wave Wave
	err := db.Where("id = ?", waveID).Take(&wave).Error
	return wave, err
}

func childExists(tx *gorm.DB, model any, handle, waveID string) (bool, error) {
	var count int64
	if err := tx.Model(model).Where("handle = ? AND wave_id = ?", handle, waveID).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// adjustCounter applies delta with a single SQL expression. Decrements never go below zero.
func adjustCounter(tx *gorm.DB, waveID, column string, delta int) error {
	query := tx.Model(&Wave{}).Where("id = ?", waveID)
	if delta < 0 {
		query = query.Where(column + " > 0")
	}
	return query.UpdateColumn(column, gorm.Expr(column+" + ?", delta)).Error
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
