package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/windsayl/internal/notifications"
	"github.com/MarcoPoloResearchLab/windsayl/internal/waves"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

func TestApplyMigrationsRepairsWaveState(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(Models()...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	wave := waves.Wave{ID: "wave-1", Body: "hello", Handle: "alice", CreatedAt: now, SplashCount: 9, CommentCount: 0, RippleCount: 4}
	if err := database.Create(&wave).Error; err != nil {
		testContext.Fatalf("failed to insert wave: %v", err)
	}
	seed := []any{
		&waves.Comment{ID: "comment-1", WaveID: wave.ID, Body: "one", Handle: "bob", CreatedAt: now},
		&waves.Comment{ID: "comment-2", WaveID: wave.ID, Body: "two", Handle: "carol", CreatedAt: now},
		&waves.Splash{ID: "splash-1", WaveID: wave.ID, Handle: "bob", CreatedAt: now},
		&notifications.Notification{ID: "comment-1", Recipient: "alice", Sender: "bob", Type: notifications.TypeComment, WaveID: wave.ID, CreatedAt: now},
		&notifications.Notification{ID: "stale", Recipient: "alice", Sender: "bob", Type: notifications.TypeSplash, WaveID: "gone", CreatedAt: now},
	}
	for _, record := range seed {
		if err := database.Create(record).Error; err != nil {
			testContext.Fatalf("failed to seed %T: %v", record, err)
		}
	}

	core, recorded := observer.New(zap.InfoLevel)
	if err := applyMigrations(database, zap.New(core)); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored waves.Wave
	if err := database.Where("id = ?", wave.ID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload wave: %v", err)
	}
	if stored.CommentCount != 2 || stored.SplashCount != 1 || stored.RippleCount != 0 {
		testContext.Fatalf("unexpected counters after recount: %+v", stored)
	}

	var remaining int64
	database.Model(&notifications.Notification{}).Count(&remaining)
	if remaining != 1 {
		testContext.Fatalf("expected orphaned notification to be pruned, %d remain", remaining)
	}

	var records []migrationRecord
	if err := database.Find(&records).Error; err != nil {
		testContext.Fatalf("failed to load migration ledger: %v", err)
	}
	if len(records) != len(migrations()) {
		testContext.Fatalf("expected %d migration records, got %d", len(migrations()), len(records))
	}
	for _, record := range records {
		if record.AppliedAtSeconds == 0 {
			testContext.Fatalf("expected migration timestamp to be set for %s", record.Name)
		}
	}
	if recorded.FilterMessage("database migration applied").Len() != len(migrations()) {
		testContext.Fatalf("expected one log entry per applied migration")
	}

	if err := database.Model(&waves.Wave{}).Where("id = ?", wave.ID).Update("splash_count", 5).Error; err != nil {
		testContext.Fatalf("failed to skew counter: %v", err)
	}
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("second run failed: %v", err)
	}
	if err := database.Where("id = ?", wave.ID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload wave: %v", err)
	}
	if stored.SplashCount != 5 {
		testContext.Fatalf("expected recorded migrations to be skipped, splash count %d", stored.SplashCount)
	}
}

func TestOpenSQLiteCreatesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "windsayl.db")
	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("open failed: %v", err)
	}
	for _, model := range Models() {
		if !database.Migrator().HasTable(model) {
			testContext.Fatalf("expected table for %T", model)
		}
	}
	if _, err := OpenSQLite("", nil); err == nil {
		testContext.Fatalf("expected empty path to be rejected")
	}
}
