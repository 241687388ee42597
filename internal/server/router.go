package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/windsayl/internal/auth"
	"github.com/MarcoPoloResearchLab/windsayl/internal/storage"
	"github.com/MarcoPoloResearchLab/windsayl/internal/users"
	"github.com/MarcoPoloResearchLab/windsayl/internal/validation"
	"github.com/MarcoPoloResearchLab/windsayl/internal/waves"
)

const (
	actorContextKey          = "windsayl_actor"
	defaultHeartbeatInterval = 25 * time.Second
	defaultAuthRatePerMinute = 20
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingUserService    = errors.New("user service dependency required")
	errMissingWaveService    = errors.New("wave service dependency required")
	errMissingNotifications  = errors.New("notification service dependency required")
	errMissingMediaStore     = errors.New("media store dependency required")
)

type TokenValidator interface {
	ValidateToken(token string) (auth.Claims, error)
}

type UserService interface {
	SignUp(ctx context.Context, request users.SignUpRequest) (users.Session, error)
	Login(ctx context.Context, request users.LoginRequest) (users.Session, error)
	GetPublicProfile(ctx context.Context, handle string) (users.PublicProfile, error)
	GetPrivateData(ctx context.Context, actor users.Actor) (users.PrivateData, error)
	UpdateDetails(ctx context.Context, actor users.Actor, details validation.UserDetails) error
	UpdateDisplayPicture(ctx context.Context, actor users.Actor, content io.Reader) (string, error)
	FindActorByUserID(ctx context.Context, userID string) (users.Actor, error)
}

type WaveService interface {
	ListWaves(ctx context.Context) ([]waves.Wave, error)
	GetWave(ctx context.Context, waveID string) (waves.WaveDetail, error)
	CreateWave(ctx context.Context, author waves.Author, body string) (waves.Wave, error)
	DeleteWave(ctx context.Context, author waves.Author, waveID string) error
	CreateComment(ctx context.Context, author waves.Author, waveID, body string) (waves.Comment, error)
	DeleteComment(ctx context.Context, author waves.Author, waveID, commentID string) (waves.Wave, error)
	CreateSplash(ctx context.Context, author waves.Author, waveID string) (waves.Wave, error)
	DeleteSplash(ctx context.Context, author waves.Author, waveID string) (waves.Wave, error)
	CreateRipple(ctx context.Context, author waves.Author, waveID string) (waves.Wave, error)
	DeleteRipple(ctx context.Context, author waves.Author, waveID string) (waves.Wave, error)
}

type NotificationService interface {
	MarkRead(ctx context.Context, recipient string, ids []string) (int64, error)
}

type MediaStore interface {
	Open(name string) (storage.Object, error)
}

// Dependencies wires the HTTP surface to the services behind it.
type Dependencies struct {
	Tokens            TokenValidator
	Users             UserService
	Waves             WaveService
	Notifications     NotificationService
	Media             MediaStore
	Realtime          *RealtimeDispatcher
	AuthRateLimiter   *RateLimiter
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Tokens == nil:
		return nil, errMissingTokenValidator
	case deps.Users == nil:
		return nil, errMissingUserService
	case deps.Waves == nil:
		return nil, errMissingWaveService
	case deps.Notifications == nil:
		return nil, errMissingNotifications
	case deps.Media == nil:
		return nil, errMissingMediaStore
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	limiter := deps.AuthRateLimiter
	if limiter == nil {
		limiter = NewRateLimiter(defaultAuthRatePerMinute, time.Minute)
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestMetrics())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		tokens:        deps.Tokens,
		users:         deps.Users,
		waves:         deps.Waves,
		notifications: deps.Notifications,
		media:         deps.Media,
		realtime:      realtime,
		heartbeat:     heartbeat,
		logger:        logger,
	}

	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/media/:name", handler.handle(handler.handleMedia))

	router.GET("/wave", handler.handle(handler.handleListWaves))
	router.GET("/wave/:waveId", handler.handle(handler.handleGetWave))
	router.GET("/user/:handle", handler.handle(handler.handlePublicProfile))

	limited := router.Group("/", limiter.Middleware())
	limited.POST("/signup", handler.handle(handler.handleSignUp))
	limited.POST("/login", handler.handle(handler.handleLogin))

	protected := router.Group("/", handler.authorizeRequest)
	protected.POST("/wave", handler.handle(handler.handleCreateWave))
	protected.DELETE("/wave/:waveId", handler.handle(handler.handleDeleteWave))
	protected.POST("/wave/:waveId/comment", handler.handle(handler.handleCreateComment))
	protected.DELETE("/wave/:waveId/comment/:commentId", handler.handle(handler.handleDeleteComment))
	protected.GET("/wave/:waveId/splash", handler.handle(handler.handleCreateSplash))
	protected.POST("/wave/:waveId/splash", handler.handle(handler.handleCreateSplash))
	protected.DELETE("/wave/:waveId/splash", handler.handle(handler.handleDeleteSplash))
	protected.POST("/wave/:waveId/ripple", handler.handle(handler.handleCreateRipple))
	protected.DELETE("/wave/:waveId/ripple", handler.handle(handler.handleDeleteRipple))
	protected.GET("/user/data", handler.handle(handler.handlePrivateData))
	protected.POST("/user/edit", handler.handle(handler.handleUpdateDetails))
	protected.POST("/user/image", handler.handle(handler.handleUpdateDisplayPicture))
	protected.POST("/notifications", handler.handle(handler.handleMarkNotificationsRead))

	streaming := router.Group("/", handler.authorizeStream)
	streaming.GET("/notifications/stream", handler.handleNotificationStream)

	return router, nil
}

type httpHandler struct {
	tokens        TokenValidator
	users         UserService
	waves         WaveService
	notifications NotificationService
	media         MediaStore
	realtime      *RealtimeDispatcher
	heartbeat     time.Duration
	logger        *zap.Logger
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}
