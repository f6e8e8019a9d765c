package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Consult/internal/api/patient"
	"github.com/dkeye/Consult/internal/domain"
)

type handlers struct {
	svc Service
}

type phoneRequest struct {
	Phone string `json:"phone"`
}

type loginRequest struct {
	Phone string `json:"phone"`
	OTP   string `json:"otp"`
}

type callRequest struct {
	Kind string `json:"kind"`
}

type muteRequest struct {
	Track domain.Track `json:"track"`
	Muted bool         `json:"muted"`
}

type languageRequest struct {
	English bool `json:"english"`
}

func (h *handlers) session(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Session())
}

func (h *handlers) requestOTP(c *gin.Context) {
	var req phoneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad payload"})
		return
	}
	if err := h.svc.RequestOTP(c.Request.Context(), req.Phone); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "otp_sent"})
}

func (h *handlers) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.OTP == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing phone or otp"})
		return
	}
	if _, err := h.svc.Login(c.Request.Context(), req.Phone, req.OTP); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.svc.Session())
}

func (h *handlers) logout(c *gin.Context) {
	if err := h.svc.Logout(); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.svc.Session())
}

func (h *handlers) setLanguage(c *gin.Context) {
	var req languageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad payload"})
		return
	}
	if err := h.svc.SetLanguageEnglish(req.English); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) connection(c *gin.Context) {
	s := h.svc.Session()
	c.JSON(http.StatusOK, gin.H{"state": s.Connection, "reconnect_attempts": s.Attempts})
}

func (h *handlers) reconnect(c *gin.Context) {
	if err := h.svc.Reconnect(); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *handlers) call(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Session().Call)
}

func (h *handlers) startCall(c *gin.Context) {
	var req callRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad payload"})
			return
		}
	}
	kind, err := domain.ParseCallKind(req.Kind)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.svc.StartCall(kind); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, h.svc.Session().Call)
}

func (h *handlers) mute(c *gin.Context) {
	var req muteRequest
	if err := c.ShouldBindJSON(&req); err != nil ||
		(req.Track != domain.TrackAudio && req.Track != domain.TrackVideo) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "track must be audio or video"})
		return
	}
	if err := h.svc.SetMuted(req.Track, req.Muted); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.svc.Session().Call)
}

func (h *handlers) op(fn func() error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := fn(); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, h.svc.Session().Call)
	}
}

func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	var apiErr *patient.APIError
	switch {
	case errors.Is(err, domain.ErrPhoneEmpty), errors.Is(err, domain.ErrPhoneInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, patient.ErrInvalidOTP), errors.Is(err, domain.ErrNoCredential):
		status = http.StatusUnauthorized
	case errors.Is(err, domain.ErrNoActiveCall):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrCallInProgress), errors.Is(err, domain.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrConnectionUnavailable), errors.Is(err, domain.ErrNotConnected):
		status = http.StatusServiceUnavailable
	case errors.As(err, &apiErr):
		status = http.StatusBadGateway
		c.JSON(status, gin.H{"error": apiErr.Message})
		return
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
