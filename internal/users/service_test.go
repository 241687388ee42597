package users

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/spf13/afero"
	"golang.org/x/crypto/bcrypt"
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
	testDefaultPicture = "http://localhost:8080/media/no-img.png"
	testPNGBase64      = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNk+M9QDwADhgGAWjR9awAAAABJRU5ErkJggg=="
)

type sequenceIDProvider struct {
	mu     sync.Mutex
	prefix string
	next   int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("%s-%03d", p.prefix, p.next), nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, event events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) last() events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[len(p.events)-1]
}

type testHarness struct {
	service   *Service
	db        *gorm.DB
	waves     *waves.Service
	issuer    *auth.TokenIssuer
	publisher *recordingPublisher
	fs        afero.Fs
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&User{}, &auth.Account{}, &waves.Wave{}, &waves.Comment{}, &waves.Splash{}, &waves.Ripple{}, &notifications.Notification{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	clock := func() time.Time { return time.Unix(1700000000, 0).UTC() }
	accounts, err := auth.NewAccounts(auth.AccountsConfig{
		Database:   db,
		IDProvider: &sequenceIDProvider{prefix: "uid"},
		Cost:       bcrypt.MinCost,
	})
	if err != nil {
		t.Fatalf("failed to create accounts: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("secret"),
		Issuer:        "windsayl-test",
		Audience:      "windsayl-api",
		TokenTTL:      time.Hour,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to create token issuer: %v", err)
	}
	publisher := &recordingPublisher{}
	waveService, err := waves.NewService(waves.ServiceConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: &sequenceIDProvider{prefix: "wave"},
		Publisher:  publisher,
	})
	if err != nil {
		t.Fatalf("failed to create wave service: %v", err)
	}
	notificationService, err := notifications.NewService(notifications.ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to create notification service: %v", err)
	}
	fs := afero.NewMemMapFs()
	bucket, err := storage.NewBucket(storage.BucketConfig{Fs: fs, Root: "/media", PublicURL: "http://localhost:8080/media/"})
	if err != nil {
		t.Fatalf("failed to create bucket: %v", err)
	}

	service, err := NewService(ServiceConfig{
		Database:              db,
		Accounts:              accounts,
		Tokens:                issuer,
		Waves:                 waveService,
		Notifications:         notificationService,
		Bucket:                bucket,
		IDProvider:            &sequenceIDProvider{prefix: "img"},
		Publisher:             publisher,
		DefaultDisplayPicture: testDefaultPicture,
		Clock:                 clock,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return &testHarness{service: service, db: db, waves: waveService, issuer: issuer, publisher: publisher, fs: fs}
}

func (h *testHarness) mustSignUp(t *testing.T, handle string) Actor {
	t.Helper()
	email := handle + "@example.com"
	session, err := h.service.SignUp(context.Background(), SignUpRequest{
		Email:           email,
		Password:        "secret-password",
		ConfirmPassword: "secret-password",
		Handle:          handle,
	})
	if err != nil {
		t.Fatalf("sign up failed: %v", err)
	}
	claims, err := h.issuer.ValidateToken(session.Token)
	if err != nil {
		t.Fatalf("issued token invalid: %v", err)
	}
	actor, err := h.service.FindActorByUserID(context.Background(), claims.Subject)
	if err != nil {
		t.Fatalf("actor lookup failed: %v", err)
	}
	return actor
}

func TestSignUpCreatesProfileWithDefaultPicture(t *testing.T) {
	harness := newTestHarness(t)
	actor := harness.mustSignUp(t, "alice")

	if actor.Handle != "alice" || actor.Email != "alice@example.com" {
		t.Fatalf("unexpected actor: %+v", actor)
	}
	if actor.DisplayPicture != testDefaultPicture {
		t.Fatalf("expected default picture, got %q", actor.DisplayPicture)
	}
	if event := harness.publisher.last(); event.Subject() != "windsayl.users.created" {
		t.Fatalf("unexpected event subject %s", event.Subject())
	}
}

func TestSignUpValidation(t *testing.T) {
	harness := newTestHarness(t)
	_, err := harness.service.SignUp(context.Background(), SignUpRequest{
		Email:           "not-an-email",
		Password:        "",
		ConfirmPassword: "different",
		Handle:          " ",
	})
	classified, ok := apperrors.As(err)
	if !ok || classified.Kind() != apperrors.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	fields := classified.Fields()
	expected := map[string]string{
		"email":           validation.MessageInvalidEmail,
		"password":        validation.MessageEmpty,
		"confirmPassword": validation.MessagePasswordMatch,
		"handle":          validation.MessageEmpty,
	}
	for field, message := range expected {
		if fields[field] != message {
			t.Fatalf("expected %s=%q, got %q", field, message, fields[field])
		}
	}
}

func TestSignUpRejectsTakenHandleAndEmail(t *testing.T) {
	harness := newTestHarness(t)
	harness.mustSignUp(t, "alice")

	_, err := harness.service.SignUp(context.Background(), SignUpRequest{
		Email: "other@example.com", Password: "secret-password", ConfirmPassword: "secret-password", Handle: "alice",
	})
	classified, ok := apperrors.As(err)
	if !ok || classified.Fields()["handle"] != "This handle is already taken" {
		t.Fatalf("expected handle taken, got %v", err)
	}

	_, err = harness.service.SignUp(context.Background(), SignUpRequest{
		Email: "alice@example.com", Password: "secret-password", ConfirmPassword: "secret-password", Handle: "alice2",
	})
	classified, ok = apperrors.As(err)
	if !ok || classified.Fields()["email"] != "Email is already in use" {
		t.Fatalf("expected email in use, got %v", err)
	}

	var profiles int64
	harness.db.Model(&User{}).Count(&profiles)
	if profiles != 1 {
		t.Fatalf("expected a single profile, got %d", profiles)
	}
}

func TestSignUpRejectsWeakPassword(t *testing.T) {
	harness := newTestHarness(t)
	_, err := harness.service.SignUp(context.Background(), SignUpRequest{
		Email: "weak@example.com", Password: "abc", ConfirmPassword: "abc", Handle: "weak",
	})
	classified, ok := apperrors.As(err)
	if !ok || classified.Fields()["password"] != validation.MessageWeakPassword {
		t.Fatalf("expected weak password error, got %v", err)
	}
}

func TestSignUpRejectsOverlongPassword(t *testing.T) {
	harness := newTestHarness(t)
	password := strings.Repeat("a", auth.MaxPasswordBytes+1)
	_, err := harness.service.SignUp(context.Background(), SignUpRequest{
		Email: "long@example.com", Password: password, ConfirmPassword: password, Handle: "long",
	})
	classified, ok := apperrors.As(err)
	if !ok || classified.Kind() != apperrors.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if classified.Fields()["password"] != validation.MessageLongPassword {
		t.Fatalf("unexpected fields %v", classified.Fields())
	}
	var accounts int64
	harness.db.Model(&auth.Account{}).Count(&accounts)
	if accounts != 0 {
		t.Fatalf("expected no account to be created, got %d", accounts)
	}
}

func TestLogin(t *testing.T) {
	harness := newTestHarness(t)
	harness.mustSignUp(t, "alice")
	ctx := context.Background()

	session, err := harness.service.Login(ctx, LoginRequest{Email: "alice@example.com", Password: "secret-password"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if session.Token == "" || session.ExpiresIn != int64(time.Hour.Seconds()) {
		t.Fatalf("unexpected session: %+v", session)
	}

	for _, request := range []LoginRequest{
		{Email: "alice@example.com", Password: "wrong-password"},
		{Email: "nobody@example.com", Password: "secret-password"},
	} {
		_, err := harness.service.Login(ctx, request)
		classified, ok := apperrors.As(err)
		if !ok || classified.Kind() != apperrors.KindForbidden {
			t.Fatalf("expected forbidden for %s, got %v", request.Email, err)
		}
		if classified.Fields()["general"] != "Wrong credentials, please try again" {
			t.Fatalf("unexpected general message: %v", classified.Fields())
		}
	}

	_, err = harness.service.Login(ctx, LoginRequest{})
	if apperrors.KindOf(err) != apperrors.KindValidation {
		t.Fatalf("expected validation error for empty login, got %v", err)
	}
}

func TestPublicProfileAndPrivateData(t *testing.T) {
	harness := newTestHarness(t)
	ctx := context.Background()
	alice := harness.mustSignUp(t, "alice")
	bob := harness.mustSignUp(t, "bob")

	wave, err := harness.waves.CreateWave(ctx, alice.Author(), "hello")
	if err != nil {
		t.Fatalf("create wave failed: %v", err)
	}
	if _, err := harness.waves.CreateSplash(ctx, bob.Author(), wave.ID); err != nil {
		t.Fatalf("splash failed: %v", err)
	}

	profile, err := harness.service.GetPublicProfile(ctx, "alice")
	if err != nil {
		t.Fatalf("public profile failed: %v", err)
	}
	if profile.User.Handle != "alice" || len(profile.Waves) != 1 {
		t.Fatalf("unexpected profile: %+v", profile)
	}
	if _, err := harness.service.GetPublicProfile(ctx, "nobody"); apperrors.KindOf(err) != apperrors.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}

	data, err := harness.service.GetPrivateData(ctx, bob)
	if err != nil {
		t.Fatalf("private data failed: %v", err)
	}
	if data.Credentials.Handle != "bob" || len(data.Splashes) != 1 || data.Splashes[0].WaveID != wave.ID {
		t.Fatalf("unexpected private data: %+v", data)
	}
	if data.Notifications == nil {
		t.Fatalf("expected notifications to encode as an empty list")
	}
}

func TestUpdateDetailsKeepsEmptyFields(t *testing.T) {
	harness := newTestHarness(t)
	ctx := context.Background()
	alice := harness.mustSignUp(t, "alice")

	if err := harness.service.UpdateDetails(ctx, alice, validation.UserDetails{Bio: "hi", Website: "example.com"}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if err := harness.service.UpdateDetails(ctx, alice, validation.UserDetails{Location: "Lisbon"}); err != nil {
		t.Fatalf("second update failed: %v", err)
	}

	var stored User
	if err := harness.db.Where("handle = ?", "alice").Take(&stored).Error; err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if stored.Bio != "hi" || stored.Website != "http://example.com" || stored.Location != "Lisbon" {
		t.Fatalf("unexpected details: %+v", stored)
	}
	if event := harness.publisher.last(); event.Subject() != "windsayl.users.updated" {
		t.Fatalf("unexpected event subject %s", event.Subject())
	}
}

func TestUpdateDisplayPicture(t *testing.T) {
	harness := newTestHarness(t)
	ctx := context.Background()
	alice := harness.mustSignUp(t, "alice")

	png, err := base64.StdEncoding.DecodeString(testPNGBase64)
	if err != nil {
		t.Fatalf("decode fixture: %v", err)
	}
	url, err := harness.service.UpdateDisplayPicture(ctx, alice, bytes.NewReader(png))
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if url != "http://localhost:8080/media/img-001.png" {
		t.Fatalf("unexpected url %q", url)
	}
	if exists, _ := afero.Exists(harness.fs, "/media/img-001.png"); !exists {
		t.Fatalf("expected object to be stored")
	}

	event := harness.publisher.last()
	var before, after User
	if err := event.DecodeBefore(&before); err != nil {
		t.Fatalf("decode before: %v", err)
	}
	if err := event.DecodeAfter(&after); err != nil {
		t.Fatalf("decode after: %v", err)
	}
	if before.DisplayPicture != testDefaultPicture || after.DisplayPicture != url {
		t.Fatalf("unexpected picture transition %q -> %q", before.DisplayPicture, after.DisplayPicture)
	}

	actor, err := harness.service.FindActorByUserID(ctx, alice.UserID)
	if err != nil {
		t.Fatalf("actor lookup failed: %v", err)
	}
	if actor.DisplayPicture != url {
		t.Fatalf("expected cache to be invalidated, got %q", actor.DisplayPicture)
	}
}

func TestUpdateDisplayPictureRejectsNonImage(t *testing.T) {
	harness := newTestHarness(t)
	alice := harness.mustSignUp(t, "alice")
	_, err := harness.service.UpdateDisplayPicture(context.Background(), alice, strings.NewReader("plain text, not an image"))
	classified, ok := apperrors.As(err)
	if !ok || classified.Fields()["error"] != "Wrong file type submitted" {
		t.Fatalf("expected wrong file type, got %v", err)
	}
}

func TestFindActorByUserIDMissing(t *testing.T) {
	harness := newTestHarness(t)
	if _, err := harness.service.FindActorByUserID(context.Background(), "ghost"); err != ErrActorNotFound {
		t.Fatalf("expected ErrActorNotFound, got %v", err)
	}
}
