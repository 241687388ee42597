package triggers

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/windsayl/internal/events"
	"github.com/MarcoPoloResearchLab/windsayl/internal/notifications"
	"github.com/MarcoPoloResearchLab/windsayl/internal/waves"
)

var (
	alice = waves.Author{Handle: "alice", DisplayPicture: "http://media/alice.png"}
	bob   = waves.Author{Handle: "bob", DisplayPicture: "http://media/bob.png"}
)

type sequenceIDProvider struct {
	mu   sync.Mutex
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("doc-%03d", p.next), nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	pushed map[string][]notifications.Notification
}

func (n *recordingNotifier) NotifyRecipient(recipient string, notification notifications.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.pushed == nil {
		n.pushed = map[string][]notifications.Notification{}
	}
	n.pushed[recipient] = append(n.pushed[recipient], notification)
}

func (n *recordingNotifier) count(recipient string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pushed[recipient])
}

type fixture struct {
	db       *gorm.DB
	bus      *events.LocalBus
	waves    *waves.Service
	notifier *recordingNotifier
	logs     *observer.ObservedLogs
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&waves.Wave{}, &waves.Comment{}, &waves.Splash{}, &waves.Ripple{}, &notifications.Notification{}))

	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)
	bus := events.NewLocalBus(logger)
	t.Cleanup(func() { _ = bus.Close() })

	clock := func() time.Time { return time.Unix(1700000000, 0).UTC() }
	waveService, err := waves.NewService(waves.ServiceConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: &sequenceIDProvider{},
		Publisher:  bus,
		Logger:     logger,
	})
	require.NoError(t, err)
	notificationService, err := notifications.NewService(notifications.ServiceConfig{Database: db, Clock: clock})
	require.NoError(t, err)

	notifier := &recordingNotifier{}
	triggers, err := New(Config{
		Waves:         waveService,
		Notifications: notificationService,
		Notifier:      notifier,
		Clock:         clock,
		Logger:        logger,
	})
	require.NoError(t, err)
	require.NoError(t, triggers.Register(bus))

	return &fixture{db: db, bus: bus, waves: waveService, notifier: notifier, logs: logs}
}

func (f *fixture) notificationCount(t *testing.T) int64 {
	t.Helper()
	var count int64
	require.NoError(t, f.db.Model(&notifications.Notification{}).Count(&count).Error)
	return count
}

func TestCommentCreatesAndDeletesNotification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wave, err := f.waves.CreateWave(ctx, alice, "hello")
	require.NoError(t, err)

	comment, err := f.waves.CreateComment(ctx, bob, wave.ID, "nice")
	require.NoError(t, err)

	var stored notifications.Notification
	require.NoError(t, f.db.Where("id = ?", comment.ID).Take(&stored).Error)
	require.Equal(t, "alice", stored.Recipient)
	require.Equal(t, "bob", stored.Sender)
	require.Equal(t, notifications.TypeComment, stored.Type)
	require.Equal(t, wave.ID, stored.WaveID)
	require.False(t, stored.Read)
	require.Equal(t, 1, f.notifier.count("alice"))

	_, err = f.waves.DeleteComment(ctx, bob, wave.ID, comment.ID)
	require.NoError(t, err)
	require.Zero(t, f.notificationCount(t))
}

func TestSelfInteractionDoesNotNotify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wave, err := f.waves.CreateWave(ctx, alice, "hello")
	require.NoError(t, err)

	_, err = f.waves.CreateComment(ctx, alice, wave.ID, "replying to myself")
	require.NoError(t, err)
	_, err = f.waves.CreateSplash(ctx, alice, wave.ID)
	require.NoError(t, err)
	_, err = f.waves.CreateRipple(ctx, alice, wave.ID)
	require.NoError(t, err)

	require.Zero(t, f.notificationCount(t))
	require.Zero(t, f.notifier.count("alice"))
}

func TestCreatedEventForRemovedChildIsSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wave, err := f.waves.CreateWave(ctx, alice, "hello")
	require.NoError(t, err)

	// The delete already ran, so only the stale created event is left to consume.
	event, err := events.NewEvent(events.CollectionComments, events.KindCreated, "comment-gone", nil, waves.Comment{
		ID: "comment-gone", WaveID: wave.ID, Body: "late", Handle: "bob",
	})
	require.NoError(t, err)
	require.NoError(t, f.bus.Publish(ctx, event))

	require.Zero(t, f.notificationCount(t))
	require.Zero(t, f.notifier.count("alice"))
	require.Zero(t, f.logs.FilterMessage("trigger failed").Len())
}

// vanishingWaveStore reports the child as present on the first check only.
type vanishingWaveStore struct {
	wave   waves.Wave
	checks int
}

func (s *vanishingWaveStore) LookupWave(context.Context, string) (waves.Wave, error) {
	return s.wave, nil
}

func (s *vanishingWaveStore) ChildExists(context.Context, string, string) (bool, error) {
	s.checks++
	return s.checks == 1, nil
}

func (s *vanishingWaveStore) PropagateDisplayPicture(context.Context, string, string) (int64, error) {
	return 0, nil
}

func TestNotificationWithdrawnWhenChildRemovedDuringInsert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	notificationService, err := notifications.NewService(notifications.ServiceConfig{Database: f.db})
	require.NoError(t, err)
	store := &vanishingWaveStore{wave: waves.Wave{ID: "wave-1", Handle: "alice"}}
	notifier := &recordingNotifier{}
	triggers, err := New(Config{Waves: store, Notifications: notificationService, Notifier: notifier})
	require.NoError(t, err)

	event, err := events.NewEvent(events.CollectionSplashes, events.KindCreated, "splash-1", nil, waves.Splash{
		ID: "splash-1", WaveID: "wave-1", Handle: "bob",
	})
	require.NoError(t, err)
	handler := triggers.createNotification(events.CollectionSplashes, notifications.TypeSplash)
	require.NoError(t, handler(ctx, event))

	require.Equal(t, 2, store.checks)
	require.Zero(t, f.notificationCount(t))
	require.Zero(t, notifier.count("alice"))
}

func TestSplashAndRippleToggleNotifications(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wave, err := f.waves.CreateWave(ctx, alice, "hello")
	require.NoError(t, err)

	_, err = f.waves.CreateSplash(ctx, bob, wave.ID)
	require.NoError(t, err)
	_, err = f.waves.CreateRipple(ctx, bob, wave.ID)
	require.NoError(t, err)
	require.EqualValues(t, 2, f.notificationCount(t))

	_, err = f.waves.DeleteSplash(ctx, bob, wave.ID)
	require.NoError(t, err)
	_, err = f.waves.DeleteRipple(ctx, bob, wave.ID)
	require.NoError(t, err)
	require.Zero(t, f.notificationCount(t))
}

func TestRedeliveredEventDoesNotDuplicateNotification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wave, err := f.waves.CreateWave(ctx, alice, "hello")
	require.NoError(t, err)

	splash := waves.Splash{ID: "splash-1", WaveID: wave.ID, Handle: "bob", CreatedAt: time.Unix(1700000000, 0).UTC()}
	require.NoError(t, f.db.Create(&splash).Error)
	event, err := events.NewEvent(events.CollectionSplashes, events.KindCreated, splash.ID, nil, splash)
	require.NoError(t, err)
	require.NoError(t, f.bus.Publish(ctx, event))
	require.NoError(t, f.bus.Publish(ctx, event))

	require.EqualValues(t, 1, f.notificationCount(t))
	require.Equal(t, 1, f.notifier.count("alice"))
}

func TestMissingWaveIsCountedAsFailure(t *testing.T) {
	f := newFixture(t)
	const trigger = "create-notification-on-splash"
	before := testutil.ToFloat64(TriggerFailuresTotal.WithLabelValues(trigger))

	splash := waves.Splash{ID: "splash-x", WaveID: "missing", Handle: "bob", CreatedAt: time.Unix(1700000000, 0).UTC()}
	require.NoError(t, f.db.Create(&splash).Error)
	event, err := events.NewEvent(events.CollectionSplashes, events.KindCreated, splash.ID, nil, splash)
	require.NoError(t, err)
	require.NoError(t, f.bus.Publish(context.Background(), event))

	after := testutil.ToFloat64(TriggerFailuresTotal.WithLabelValues(trigger))
	require.Equal(t, before+1, after)
	require.Equal(t, 1, f.logs.FilterMessage("trigger failed").Len())
	require.Zero(t, f.notificationCount(t))
}

func TestDisplayPictureChangePropagates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wave, err := f.waves.CreateWave(ctx, alice, "hello")
	require.NoError(t, err)

	publishProfile := func(beforePicture, afterPicture string) {
		event, err := events.NewEvent(events.CollectionUsers, events.KindUpdated, "alice",
			map[string]string{"handle": "alice", "displayPicture": beforePicture},
			map[string]string{"handle": "alice", "displayPicture": afterPicture})
		require.NoError(t, err)
		require.NoError(t, f.bus.Publish(ctx, event))
	}

	publishProfile(alice.DisplayPicture, alice.DisplayPicture)
	require.Zero(t, f.logs.FilterMessage("display picture propagated").Len())

	publishProfile(alice.DisplayPicture, "http://media/new.png")
	reloaded, err := f.waves.LookupWave(ctx, wave.ID)
	require.NoError(t, err)
	require.Equal(t, "http://media/new.png", reloaded.DisplayPicture)
	require.Equal(t, 1, f.logs.FilterMessage("display picture propagated").Len())
}

func TestCatchRecoversPanics(t *testing.T) {
	triggers, err := New(Config{Waves: &waves.Service{}, Notifications: &notifications.Service{}})
	require.NoError(t, err)
	handler := triggers.catch("panicky", func(context.Context, events.Event) error {
		panic("boom")
	})
	err = handler(context.Background(), events.Event{Collection: events.CollectionWaves, Kind: events.KindCreated})
	require.ErrorContains(t, err, "panicked")
}
