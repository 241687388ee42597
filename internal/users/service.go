// Package users manages profiles, sign-up and login on top of the identity provider.
package users

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/windsayl/internal/apperrors"
	"github.com/MarcoPoloResearchLab/windsayl/internal/auth"
	"github.com/MarcoPoloResearchLab/windsayl/internal/events"
	"github.com/MarcoPoloResearchLab/windsayl/internal/notifications"
	"github.com/MarcoPoloResearchLab/windsayl/internal/storage"
	"github.com/MarcoPoloResearchLab/windsayl/internal/validation"
	"github.com/MarcoPoloResearchLab/windsayl/internal/waves"
)

const (
	opServiceNew         = "users.service.new"
	opSignUp             = "users.sign_up"
	opLogin              = "users.login"
	opGetPublicProfile   = "users.get_public_profile"
	opGetPrivateData     = "users.get_private_data"
	opUpdateDetails      = "users.update_details"
	opUpdateDisplayPic   = "users.update_display_picture"
	opFindActorByUserID  = "users.find_actor_by_user_id"
	privateNotifications = 10

	// MaxDisplayPictureBytes bounds uploaded display pictures.
	MaxDisplayPictureBytes = 5 << 20

	messageHandleTaken     = "This handle is already taken"
	messageEmailInUse      = "Email is already in use"
	messageWrongCredential = "Wrong credentials, please try again"
	messageUserNotFound    = "User not found"
	messageWrongFileType   = "Wrong file type submitted"
	messageImageTooLarge   = "Image is too large"
)

// ErrActorNotFound indicates a verified token whose uid has no profile.
var ErrActorNotFound = errors.New("users: no profile for token subject")

// AccountStore is the identity provider the service signs users up and in with.
type AccountStore interface {
	CreateAccount(ctx context.Context, email, password string) (auth.Account, error)
	SignIn(ctx context.Context, email, password string) (auth.Account, error)
	DeleteAccount(ctx context.Context, uid string) error
}

type TokenSource interface {
	IssueToken(ctx context.Context, account auth.Account) (string, int64, error)
}

type WaveReader interface {
	ListWavesByHandle(ctx context.Context, handle string) ([]waves.Wave, error)
	ListSplashesByHandle(ctx context.Context, handle string) ([]waves.Splash, error)
}

type NotificationReader interface {
	ListForRecipient(ctx context.Context, handle string, limit int) ([]notifications.Notification, error)
}

// ObjectStore receives uploaded display pictures.
type ObjectStore interface {
	Put(ctx context.Context, name string, content io.Reader) (string, error)
}

type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the profile service.
type ServiceConfig struct {
	Database              *gorm.DB
	Accounts              AccountStore
	Tokens                TokenSource
	Waves                 WaveReader
	Notifications         NotificationReader
	Bucket                ObjectStore
	IDProvider            IDProvider
	Cache                 ProfileCache
	Publisher             events.Publisher
	DefaultDisplayPicture string
	Clock                 func() time.Time
	Logger                *zap.Logger
}

// Service manages user profiles and the credentials behind them.
type Service struct {
	db                    *gorm.DB
	accounts              AccountStore
	tokens                TokenSource
	waves                 WaveReader
	notifications         NotificationReader
	bucket                ObjectStore
	idProvider            IDProvider
	cache                 ProfileCache
	publisher             events.Publisher
	defaultDisplayPicture string
	now                   func() time.Time
	logger                *zap.Logger
}

// NewService validates the dependencies and constructs the profile service.
func NewService(cfg ServiceConfig) (*Service, error) {
	switch {
	case cfg.Database == nil:
		return nil, apperrors.Internal(opServiceNew+".missing_database", errors.New("users: database connection required"))
	case cfg.Accounts == nil:
		return nil, apperrors.Internal(opServiceNew+".missing_accounts", errors.New("users: account store required"))
	case cfg.Tokens == nil:
		return nil, apperrors.Internal(opServiceNew+".missing_tokens", errors.New("users: token source required"))
	case cfg.Waves == nil:
		return nil, apperrors.Internal(opServiceNew+".missing_waves", errors.New("users: wave reader required"))
	case cfg.Notifications == nil:
		return nil, apperrors.Internal(opServiceNew+".missing_notifications", errors.New("users: notification reader required"))
	case cfg.Bucket == nil:
		return nil, apperrors.Internal(opServiceNew+".missing_bucket", errors.New("users: object store required"))
	case cfg.IDProvider == nil:
		return nil, apperrors.Internal(opServiceNew+".missing_id_provider", errors.New("users: id provider required"))
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	cache := cfg.Cache
	if cache == nil {
		cache = NewMemoryCache()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:                    cfg.Database,
		accounts:              cfg.Accounts,
		tokens:                cfg.Tokens,
		waves:                 cfg.Waves,
		notifications:         cfg.Notifications,
		bucket:                cfg.Bucket,
		idProvider:            cfg.IDProvider,
		cache:                 cache,
		publisher:             cfg.Publisher,
		defaultDisplayPicture: cfg.DefaultDisplayPicture,
		now:                   clock,
		logger:                logger,
	}, nil
}

type SignUpRequest struct {
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
	Handle          string `json:"handle"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Session is the bearer token handed back after sign-up or login.
type Session struct {
	Token     string
	ExpiresIn int64
}

type PublicProfile struct {
	User  User         `json:"user"`
	Waves []waves.Wave `json:"waves"`
}

type PrivateData struct {
	Credentials   User                         `json:"credentials"`
	Splashes      []waves.Splash               `json:"splashes"`
	Notifications []notifications.Notification `json:"notifications"`
}

// SignUp creates the identity provider account and the profile, then issues a token.
// The account is removed again when the profile cannot be stored.
func (s *Service) SignUp(ctx context.Context, request SignUpRequest) (Session, error) {
	request.Email = normalize(request.Email)
	request.Handle = normalize(request.Handle)

	fields := map[string]string{}
	switch {
	case validation.IsEmpty(request.Email):
		fields["email"] = validation.MessageEmpty
	case !validation.IsEmail(request.Email):
		fields["email"] = validation.MessageInvalidEmail
	}
	if validation.IsEmpty(request.Password) {
		fields["password"] = validation.MessageEmpty
	}
	if request.Password != request.ConfirmPassword {
		fields["confirmPassword"] = validation.MessagePasswordMatch
	}
	if validation.IsEmpty(request.Handle) {
		fields["handle"] = validation.MessageEmpty
	}
	if len(fields) > 0 {
		return Session{}, apperrors.Validation(opSignUp+".invalid_request", fields)
	}

	taken, err := s.handleTaken(ctx, request.Handle)
	if err != nil {
		return Session{}, s.serviceError(opSignUp, "handle_lookup_failed", err, zap.String("handle", request.Handle))
	}
	if taken {
		return Session{}, apperrors.Validation(opSignUp+".handle_taken", map[string]string{"handle": messageHandleTaken})
	}

	account, err := s.accounts.CreateAccount(ctx, request.Email, request.Password)
	if err != nil {
		switch auth.ProviderCode(err) {
		case auth.CodeEmailAlreadyInUse:
			return Session{}, apperrors.Validation(opSignUp+".email_in_use", map[string]string{"email": messageEmailInUse})
		case auth.CodeWeakPassword:
			return Session{}, apperrors.Validation(opSignUp+".weak_password", map[string]string{"password": validation.MessageWeakPassword})
		case auth.CodePasswordTooLong:
			return Session{}, apperrors.Validation(opSignUp+".password_too_long", map[string]string{"password": validation.MessageLongPassword})
		case auth.CodeInvalidEmail:
			return Session{}, apperrors.Validation(opSignUp+".invalid_email", map[string]string{"email": validation.MessageInvalidEmail})
		}
		return Session{}, s.serviceError(opSignUp, "account_create_failed", err)
	}

	user := User{
		Handle:         request.Handle,
		UserID:         account.UID,
		Email:          account.Email,
		DisplayPicture: s.defaultDisplayPicture,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		if rollbackErr := s.accounts.DeleteAccount(ctx, account.UID); rollbackErr != nil {
			s.logger.Error("account rollback failed",
				zap.String("operation", opSignUp),
				zap.String("uid", account.UID),
				zap.Error(rollbackErr))
		}
		if isDuplicateKey(err) {
			return Session{}, apperrors.Validation(opSignUp+".handle_taken", map[string]string{"handle": messageHandleTaken})
		}
		return Session{}, s.serviceError(opSignUp, "profile_create_failed", err, zap.String("handle", request.Handle))
	}

	session, err := s.issue(ctx, opSignUp, account)
	if err != nil {
		return Session{}, err
	}
	s.publish(ctx, events.KindCreated, user.Handle, nil, user)
	return session, nil
}

func (s *Service) Login(ctx context.Context, request LoginRequest) (Session, error) {
	fields := map[string]string{}
	if validation.IsEmpty(request.Email) {
		fields["email"] = validation.MessageEmpty
	}
	if validation.IsEmpty(request.Password) {
		fields["password"] = validation.MessageEmpty
	}
	if len(fields) > 0 {
		return Session{}, apperrors.Validation(opLogin+".invalid_request", fields)
	}

	account, err := s.accounts.SignIn(ctx, request.Email, request.Password)
	if err != nil {
		switch auth.ProviderCode(err) {
		case auth.CodeWrongPassword, auth.CodeUserNotFound, auth.CodeInvalidEmail:
			return Session{}, apperrors.ForbiddenFields(opLogin+".wrong_credentials", map[string]string{"general": messageWrongCredential})
		}
		return Session{}, s.serviceError(opLogin, "sign_in_failed", err)
	}
	return s.issue(ctx, opLogin, account)
}

func (s *Service) GetPublicProfile(ctx context.Context, handle string) (PublicProfile, error) {
	user, err := s.loadByHandle(ctx, handle)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PublicProfile{}, apperrors.NotFound(opGetPublicProfile+".user_not_found", messageUserNotFound)
	}
	if err != nil {
		return PublicProfile{}, s.serviceError(opGetPublicProfile, "user_select_failed", err, zap.String("handle", handle))
	}
	authored, err := s.waves.ListWavesByHandle(ctx, user.Handle)
	if err != nil {
		return PublicProfile{}, err
	}
	return PublicProfile{User: user, Waves: authored}, nil
}

// GetPrivateData returns the actor's credentials, splashes and latest notifications.
func (s *Service) GetPrivateData(ctx context.Context, actor Actor) (PrivateData, error) {
	user, err := s.loadByHandle(ctx, actor.Handle)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PrivateData{}, apperrors.NotFound(opGetPrivateData+".user_not_found", messageUserNotFound)
	}
	if err != nil {
		return PrivateData{}, s.serviceError(opGetPrivateData, "user_select_failed", err, zap.String("handle", actor.Handle))
	}
	splashes, err := s.waves.ListSplashesByHandle(ctx, user.Handle)
	if err != nil {
		return PrivateData{}, err
	}
	recent, err := s.notifications.ListForRecipient(ctx, user.Handle, privateNotifications)
	if err != nil {
		return PrivateData{}, err
	}
	return PrivateData{Credentials: user, Splashes: splashes, Notifications: recent}, nil
}

// UpdateDetails stores the non-empty cleaned profile fields.
func (s *Service) UpdateDetails(ctx context.Context, actor Actor, details validation.UserDetails) error {
	cleaned := validation.CleanUserDetails(details)
	updates := map[string]any{}
	if cleaned.Bio != "" {
		updates["bio"] = cleaned.Bio
	}
	if cleaned.Website != "" {
		updates["website"] = cleaned.Website
	}
	if cleaned.Location != "" {
		updates["location"] = cleaned.Location
	}
	if len(updates) == 0 {
		return nil
	}
	before, after, err := s.updateProfile(ctx, opUpdateDetails, actor, updates)
	if err != nil {
		return err
	}
	s.publish(ctx, events.KindUpdated, after.Handle, before, after)
	return nil
}

// UpdateDisplayPicture stores an uploaded image and points the profile at it.
func (s *Service) UpdateDisplayPicture(ctx context.Context, actor Actor, content io.Reader) (string, error) {
	payload, err := io.ReadAll(io.LimitReader(content, MaxDisplayPictureBytes+1))
	if err != nil {
		return "", s.serviceError(opUpdateDisplayPic, "read_failed", err, zap.String("handle", actor.Handle))
	}
	if len(payload) > MaxDisplayPictureBytes {
		return "", apperrors.Validation(opUpdateDisplayPic+".too_large", map[string]string{"error": messageImageTooLarge})
	}
	image, err := storage.SniffImage(payload)
	if errors.Is(err, storage.ErrNotAnImage) {
		return "", apperrors.Validation(opUpdateDisplayPic+".wrong_file_type", map[string]string{"error": messageWrongFileType})
	}
	if err != nil {
		return "", s.serviceError(opUpdateDisplayPic, "sniff_failed", err)
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		return "", s.serviceError(opUpdateDisplayPic, "id_generation_failed", err)
	}
	url, err := s.bucket.Put(ctx, id+image.Extension, bytes.NewReader(payload))
	if err != nil {
		return "", s.serviceError(opUpdateDisplayPic, "upload_failed", err, zap.String("handle", actor.Handle))
	}

	before, after, err := s.updateProfile(ctx, opUpdateDisplayPic, actor, map[string]any{"display_picture": url})
	if err != nil {
		return "", err
	}
	s.publish(ctx, events.KindUpdated, after.Handle, before, after)
	return url, nil
}

// FindActorByUserID resolves the profile behind a verified token subject.
func (s *Service) FindActorByUserID(ctx context.Context, userID string) (Actor, error) {
	userID = normalize(userID)
	if userID == "" {
		return Actor{}, ErrActorNotFound
	}
	if cached, ok, err := s.cache.Get(ctx, userID); err != nil {
		s.logger.Warn("profile cache read failed", zap.String("user_id", userID), zap.Error(err))
	} else if ok {
		return cached.Actor(), nil
	}

	var user User
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Actor{}, ErrActorNotFound
	}
	if err != nil {
		return Actor{}, s.serviceError(opFindActorByUserID, "user_select_failed", err, zap.String("user_id", userID))
	}
	if err := s.cache.Set(ctx, user); err != nil {
		s.logger.Warn("profile cache write failed", zap.String("user_id", userID), zap.Error(err))
	}
	return user.Actor(), nil
}

func (s *Service) updateProfile(ctx context.Context, operation string, actor Actor, updates map[string]any) (User, User, error) {
	var before, after User
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("handle = ?", actor.Handle).Take(&before).Error; err != nil {
			return err
		}
		if err := tx.Model(&User{}).Where("handle = ?", actor.Handle).Updates(updates).Error; err != nil {
			return err
		}
		return tx.Where("handle = ?", actor.Handle).Take(&after).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, User{}, apperrors.NotFound(operation+".user_not_found", messageUserNotFound)
	}
	if err != nil {
		return User{}, User{}, s.serviceError(operation, "update_failed", err, zap.String("handle", actor.Handle))
	}
	if err := s.cache.Invalidate(ctx, after.UserID); err != nil {
		s.logger.Warn("profile cache invalidation failed", zap.String("user_id", after.UserID), zap.Error(err))
	}
	return before, after, nil
}

func (s *Service) issue(ctx context.Context, operation string, account auth.Account) (Session, error) {
	token, expiresIn, err := s.tokens.IssueToken(ctx, account)
	if err != nil {
		return Session{}, s.serviceError(operation, "token_issue_failed", err)
	}
	return Session{Token: token, ExpiresIn: expiresIn}, nil
}

func (s *Service) handleTaken(ctx context.Context, handle string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&User{}).Where("handle = ?", handle).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Service) loadByHandle(ctx context.Context, handle string) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("handle = ?", normalize(handle)).Take(&user).Error
	return user, err
}

func (s *Service) publish(ctx context.Context, kind events.Kind, handle string, before, after any) {
	if s.publisher == nil {
		return
	}
	event, err := events.NewEvent(events.CollectionUsers, kind, handle, before, after)
	if err == nil {
		err = s.publisher.Publish(ctx, event)
	}
	if err != nil {
		s.logger.Error("change event publish failed",
			zap.String("collection", events.CollectionUsers),
			zap.String("handle", handle),
			zap.Error(err))
	}
}

func (s *Service) serviceError(operation, reason string, err error, fields ...zap.Field) error {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	s.logger.Error("users service error", append(attrs, fields...)...)
	return apperrors.Internal(operation+"."+reason, err)
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
