package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// Provider error codes surfaced to callers so they can map them onto field messages.
const (
	CodeEmailAlreadyInUse = "auth/email-already-in-use"
	CodeWrongPassword     = "auth/wrong-password"
	CodeUserNotFound      = "auth/user-not-found"
	CodeWeakPassword      = "auth/weak-password"
	CodePasswordTooLong   = "auth/password-too-long"
	CodeInvalidEmail      = "auth/invalid-email"
	CodeInternal          = "auth/internal-error"

	minPasswordLength = 6
	// MaxPasswordBytes is the longest password bcrypt accepts.
	MaxPasswordBytes = 72
)

// ProviderError is returned by the identity provider with a stable code.
type ProviderError struct {
	Code string
	err  error
}

func (e *ProviderError) Error() string {
	if e.err == nil {
		return e.Code
	}
	return fmt.Sprintf("%s: %v", e.Code, e.err)
}

func (e *ProviderError) Unwrap() error {
	return e.err
}

// ProviderCode returns the provider code carried by err, or "".
func ProviderCode(err error) string {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Code
	}
	return ""
}

// Account is an email and password login owned by the identity provider.
type Account struct {
	UID          string    `gorm:"column:uid;primaryKey;size:190;not null"`
	Email        string    `gorm:"column:email;size:320;not null;uniqueIndex"`
	PasswordHash string    `gorm:"column:password_hash;size:100;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing identity provider accounts.
func (Account) TableName() string {
	return "auth_accounts"
}

// IDProvider issues account identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// AccountsConfig describes the dependencies of the account store.
type AccountsConfig struct {
	Database   *gorm.DB
	IDProvider IDProvider
	Cost       int
	Logger     *zap.Logger
}

// Accounts stores email and password accounts and verifies sign-ins.
type Accounts struct {
	db         *gorm.DB
	idProvider IDProvider
	cost       int
	logger     *zap.Logger
}

// NewAccounts constructs the account store.
func NewAccounts(cfg AccountsConfig) (*Accounts, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("auth: database connection required")
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("auth: id provider required")
	}
	cost := cfg.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Accounts{
		db:         cfg.Database,
		idProvider: cfg.IDProvider,
		cost:       cost,
		logger:     logger,
	}, nil
}

// CreateAccount registers a new email and password pair.
func (a *Accounts) CreateAccount(ctx context.Context, email, password string) (Account, error) {
	email = normalizeEmail(email)
	if email == "" {
		return Account{}, &ProviderError{Code: CodeInvalidEmail}
	}
	if len(password) < minPasswordLength {
		return Account{}, &ProviderError{Code: CodeWeakPassword}
	}
	if len(password) > MaxPasswordBytes {
		return Account{}, &ProviderError{Code: CodePasswordTooLong}
	}

	var existing int64
	if err := a.db.WithContext(ctx).Model(&Account{}).Where("email = ?", email).Count(&existing).Error; err != nil {
		return Account{}, &ProviderError{Code: CodeInternal, err: err}
	}
	if existing > 0 {
		return Account{}, &ProviderError{Code: CodeEmailAlreadyInUse}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), a.cost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return Account{}, &ProviderError{Code: CodePasswordTooLong, err: err}
	}
	if err != nil {
		return Account{}, &ProviderError{Code: CodeInternal, err: err}
	}
	uid, err := a.idProvider.NewID()
	if err != nil {
		return Account{}, &ProviderError{Code: CodeInternal, err: err}
	}

	account := Account{
		UID:          uid,
		Email:        email,
		PasswordHash: string(hash),
	}
	if err := a.db.WithContext(ctx).Create(&account).Error; err != nil {
		if isDuplicateKey(err) {
			return Account{}, &ProviderError{Code: CodeEmailAlreadyInUse, err: err}
		}
		return Account{}, &ProviderError{Code: CodeInternal, err: err}
	}
	a.logger.Debug("account created", zap.String("uid", uid))
	return account, nil
}

// SignIn verifies the credentials and returns the matching account.
func (a *Accounts) SignIn(ctx context.Context, email, password string) (Account, error) {
	var account Account
	err := a.db.WithContext(ctx).Where("email = ?", normalizeEmail(email)).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, &ProviderError{Code: CodeUserNotFound}
	}
	if err != nil {
		return Account{}, &ProviderError{Code: CodeInternal, err: err}
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return Account{}, &ProviderError{Code: CodeWrongPassword}
	}
	return account, nil
}

// DeleteAccount removes an account; used to roll back a signup whose profile write failed.
func (a *Accounts) DeleteAccount(ctx context.Context, uid string) error {
	if err := a.db.WithContext(ctx).Where("uid = ?", uid).Delete(&Account{}).Error; err != nil {
		return &ProviderError{Code: CodeInternal, err: err}
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func isDuplicateKey(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE constraint failed")
}
