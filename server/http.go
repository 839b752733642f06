package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"liveclass/config"
	"liveclass/constant"
	sessionHandler "liveclass/handler"
	"liveclass/pkg/presence"
	"liveclass/pkg/rabbitmq"
	sig "liveclass/pkg/signal"
	"liveclass/pkg/storage"
	"liveclass/pkg/turnserver"
	"liveclass/repository"
	"liveclass/service"
)

func RunHttp(cfg *config.Config) {
	ctx, cancel := signal.NotifyContext(SetupLogger(cfg), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.Ctx(ctx).Info().Str("env", cfg.App.Environment).Bool("isProduction", cfg.App.Environment == constant.EnvironmentProduction.String()).Send()
	if cfg.App.Environment == constant.EnvironmentProduction.String() {
		gin.SetMode(gin.ReleaseMode)
	}

	repo, err := repository.NewRepo(cfg.DB, cfg.App.Debug)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("NewRepo")
		return
	}
	sessions := service.NewSessionService(repo)

	store := storage.NewMinioStore(cfg.Storage, cfg.MinIO.Bucket)
	if err := store.EnsureBucket(ctx); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("EnsureBucket")
	}

	var roster sig.Roster
	if err := cfg.Redis.Ping(ctx).Err(); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("redis unavailable, room rosters kept in memory")
	} else {
		roster = presence.NewStore(cfg.Redis, presence.DefaultTTL)
	}
	hub := sig.NewHub(roster)

	iceServers := ICEServers(cfg)
	if cfg.WebRTC.Turn.Enabled {
		turnServer, err := turnserver.Start(ctx, turnserver.Config{
			PublicIP: cfg.WebRTC.Turn.PublicIP,
			Port:     cfg.WebRTC.Turn.Port,
			Realm:    cfg.WebRTC.Turn.Realm,
			Username: cfg.WebRTC.Turn.Username,
			Password: cfg.WebRTC.Turn.Password,
		})
		if err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Msg("turnserver.Start")
		} else {
			defer turnServer.Close()
		}
	}

	if cfg.Recording.LinkMode == constant.RecordingLinkQueue {
		conn, err := config.NewRabbitMQConn(ctx, cfg.Queue)
		if err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Msg("NewRabbitMQConn")
		} else {
			deps := sessionHandler.ServiceDependencies{SessionService: sessions}
			recordingConsumer := rabbitmq.NewConsumer(conn, cfg.Queue, rabbitmq.RecordingUploaded, cfg.Server.Workers, sessionHandler.RecordingUploadedHandler)
			go func() {
				err := recordingConsumer.Consume(ctx, deps)
				if err != nil && !errors.Is(err, context.Canceled) {
					zerolog.Ctx(ctx).Error().Err(err).Msg("Recording uploaded consumer error")
				}
			}()
		}
	}

	r := gin.New()
	r.Use(gin.Recovery(), withLogger(ctx))
	addHealth(r)
	r.GET("/api/ice-servers", func(c *gin.Context) {
		c.JSON(http.StatusOK, iceServers)
	})
	sessionHandler.NewSessionHandler(sessions, hub, store, cfg.MinIO.PresignExpiry).Register(r)

	handler := http.Server{
		Handler:           r,
		Addr:              fmt.Sprintf(":%s", cfg.Server.HttpPort),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zerolog.Ctx(ctx).Info().Str("env", cfg.App.Environment).Msg("start http server")
		if err := handler.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zerolog.Ctx(ctx).Error().Str("env", cfg.App.Environment).Msg(err.Error())
		}
	}()

	<-ctx.Done()
	zerolog.Ctx(ctx).Info().Msg("shutting down server")
	shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer stop()
	if err := handler.Shutdown(shutdownCtx); err != nil {
		zerolog.Ctx(ctx).Error().Str("env", cfg.App.Environment).Msg(err.Error())
	}

	zerolog.Ctx(ctx).Info().Str("env", cfg.App.Environment).Msg("server shutdown")
}

// ICEServers is the ICE configuration handed to peers: the configured STUN
// servers plus the embedded TURN relay when it is enabled.
func ICEServers(cfg *config.Config) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(cfg.WebRTC.STUNServers)+1)
	for _, url := range cfg.WebRTC.STUNServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{url}})
	}
	if turn := cfg.WebRTC.Turn; turn.Enabled {
		servers = append(servers, webrtc.ICEServer{
			URLs:           []string{fmt.Sprintf("turn:%s:%d?transport=udp", turn.PublicIP, turn.Port)},
			Username:       turn.Username,
			Credential:     turn.Password,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}
	return servers
}

func addHealth(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status": "ok",
		})
	})
}

// withLogger puts the server logger on every request context.
func withLogger(ctx context.Context) gin.HandlerFunc {
	logger := zerolog.Ctx(ctx)
	return func(c *gin.Context) {
		c.Request = c.Request.WithContext(logger.WithContext(c.Request.Context()))
		c.Next()
	}
}

func SetupLogger(cfg *config.Config) context.Context {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.App.Environment == constant.EnvironmentDevelop.String() {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	// Log to standard output
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	ctx := logger.WithContext(context.Background())

	return ctx
}
