package signalsim

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Consult/internal/domain"
)

func SetupRouter(ctx context.Context, mode string, s *Server) *gin.Engine {
	if mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	api := r.Group("/api")
	api.POST("/otp/send", s.handleSendOTP)
	api.POST("/patient/login", s.handleLogin)

	r.GET("/ws/patient", func(c *gin.Context) { s.HandlePatientWS(ctx, c) })
	r.GET("/ws/doctor", func(c *gin.Context) { s.HandleDoctorWS(ctx, c) })

	admin := r.Group("/admin")
	admin.POST("/expire/:token", func(c *gin.Context) {
		if !s.Expire(c.Param("token")) {
			c.JSON(http.StatusNotFound, gin.H{"message": "unknown token"})
			return
		}
		c.Status(http.StatusNoContent)
	})
	admin.GET("/state", func(c *gin.Context) { c.JSON(http.StatusOK, s.State()) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	log.Info().Str("module", "signalsim").Msg("router setup")
	return r
}

type otpRequest struct {
	Phone string `json:"phone"`
}

type loginRequest struct {
	Phone string `json:"phone"`
	OTP   string `json:"otp"`
}

func (s *Server) handleSendOTP(c *gin.Context) {
	var req otpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "bad payload"})
		return
	}
	phone, err := domain.NormalizePhone(req.Phone)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	s.log.Info().Str("phone", phone).Str("otp", s.opts.OTP).Msg("otp issued")
	c.JSON(http.StatusOK, gin.H{"message": "OTP sent"})
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "bad payload"})
		return
	}
	phone, err := domain.NormalizePhone(req.Phone)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	if req.OTP != s.opts.OTP {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "Invalid OTP"})
		return
	}
	p := s.Registry.GetOrCreatePatient(phone)
	token := s.Registry.IssueToken(p.ID)
	c.JSON(http.StatusOK, gin.H{
		"token": token,
		"_id":   p.ID,
		"name":  p.Name,
		"phone": p.Phone,
	})
}
