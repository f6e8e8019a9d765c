package http

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Consult/internal/app/orch"
	"github.com/dkeye/Consult/internal/domain"
)

// Service is what the control API drives. *orch.Orchestrator implements it.
type Service interface {
	Session() orch.Session
	RequestOTP(ctx context.Context, phone string) error
	Login(ctx context.Context, phone, otp string) (*domain.Credential, error)
	Logout() error
	Reconnect() error
	SetLanguageEnglish(english bool) error
	StartCall(kind domain.CallKind) error
	CancelCall() error
	EndCall() error
	ResetCall() error
	SetMuted(track domain.Track, muted bool) error
}

func SetupRouter(mode string, svc Service) *gin.Engine {
	if mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	h := &handlers{svc: svc}
	api := r.Group("/api")

	api.GET("/session", h.session)
	api.POST("/auth/otp", h.requestOTP)
	api.POST("/auth/login", h.login)
	api.POST("/auth/logout", h.logout)
	api.POST("/preferences/language", h.setLanguage)

	api.GET("/connection", h.connection)
	api.POST("/connection/retry", h.reconnect)

	api.GET("/call", h.call)
	api.POST("/call", h.startCall)
	api.POST("/call/cancel", h.op(svc.CancelCall))
	api.POST("/call/end", h.op(svc.EndCall))
	api.POST("/call/reset", h.op(svc.ResetCall))
	api.POST("/call/mute", h.mute)

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	log.Info().Str("module", "adapters.http").Str("mode", mode).Msg("router setup")
	return r
}
