package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/windsayl/internal/auth"
	"github.com/MarcoPoloResearchLab/windsayl/internal/notifications"
	"github.com/MarcoPoloResearchLab/windsayl/internal/users"
	"github.com/MarcoPoloResearchLab/windsayl/internal/waves"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Models lists every table owned by the API, in migration order.
func Models() []any {
	return []any{
		&auth.Account{},
		&users.User{},
		&waves.Wave{},
		&waves.Comment{},
		&waves.Splash{},
		&waves.Ripple{},
		&notifications.Notification{},
		&migrationRecord{},
	}
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
