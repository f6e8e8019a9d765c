package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/Consult/internal/adapters/http"
	"github.com/dkeye/Consult/internal/adapters/engine"
	sig "github.com/dkeye/Consult/internal/adapters/signal"
	"github.com/dkeye/Consult/internal/api/patient"
	"github.com/dkeye/Consult/internal/app/call"
	"github.com/dkeye/Consult/internal/app/conference"
	"github.com/dkeye/Consult/internal/app/conn"
	"github.com/dkeye/Consult/internal/app/credential"
	"github.com/dkeye/Consult/internal/app/orch"
	"github.com/dkeye/Consult/internal/config"
	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/storage/boltkv"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	kv, err := boltkv.Open(cfg.DataPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer kv.Close()

	clock := core.RealClock{}
	dialer := sig.NewDialer(sig.Options{
		URL:        cfg.SignalURL,
		PingPeriod: cfg.PingPeriod,
		ReadLimit:  cfg.ReadLimit,
		SendQueue:  cfg.SendQueue,
	})
	cm := conn.NewManager(dialer, clock, conn.Options{
		MaxAttempts: cfg.ReconnectAttempts,
		RetryDelay:  cfg.ReconnectDelay,
		DialTimeout: cfg.DialTimeout,
	})
	adapter := conference.NewAdapter(engine.NewHeadless(engine.Options{JoinDelay: time.Second}), conference.Options{
		ServerURL:   cfg.JitsiServerURL,
		DisplayName: cfg.DisplayName,
	})
	// The call machine watches the connection before the orchestrator does.
	machine := call.NewMachine(cm, adapter, clock, call.Options{RingTimeout: cfg.RingTimeout})
	creds := credential.NewStore(kv)
	o := orch.New(creds, cm, machine, patient.NewClient(cfg.APIBaseURL, cfg.RequestTimeout))
	defer o.Close()

	if c, err := o.Boot(); err != nil {
		log.Error().Err(err).Msg("failed to restore session")
	} else if c != nil {
		log.Info().Str("phone", c.Phone).Msg("session restored")
	}

	r := router.SetupRouter(cfg.Mode, o)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Consult client started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Client exited gracefully")
}
