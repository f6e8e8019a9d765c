// Package orch wires the credential store, the signaling connection and the call machine.
package orch

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Consult/internal/app/call"
	"github.com/dkeye/Consult/internal/app/conn"
	"github.com/dkeye/Consult/internal/app/credential"
	"github.com/dkeye/Consult/internal/domain"
)

// AuthAPI is the patient login backend.
type AuthAPI interface {
	SendOTP(ctx context.Context, phone string) error
	Login(ctx context.Context, phone, otp string) (*domain.Credential, error)
}

type Orchestrator struct {
	Credentials *credential.Store
	Conn        *conn.Manager
	Calls       *call.Machine
	Auth        AuthAPI

	log   zerolog.Logger
	watch conn.SubscriptionID
}

// New registers the orchestrator's listeners. Build the call machine before calling New
// so it observes connection events first.
func New(creds *credential.Store, cm *conn.Manager, calls *call.Machine, auth AuthAPI) *Orchestrator {
	o := &Orchestrator{
		Credentials: creds,
		Conn:        cm,
		Calls:       calls,
		Auth:        auth,
		log:         log.With().Str("module", "app.orch").Logger(),
	}
	creds.OnChange(o.onCredential)
	o.watch = cm.Watch(o.onLifecycle)
	return o
}

// Boot restores a persisted credential and connects with it.
func (o *Orchestrator) Boot() (*domain.Credential, error) {
	c, err := o.Credentials.Load()
	if err != nil {
		return nil, fmt.Errorf("boot: %w", err)
	}
	if c == nil {
		o.log.Info().Msg("no stored credential, waiting for login")
		return nil, nil
	}
	o.onCredential(c)
	return c, nil
}

func (o *Orchestrator) RequestOTP(ctx context.Context, phone string) error {
	p, err := domain.NormalizePhone(phone)
	if err != nil {
		return err
	}
	return o.Auth.SendOTP(ctx, p)
}

func (o *Orchestrator) Login(ctx context.Context, phone, otp string) (*domain.Credential, error) {
	p, err := domain.NormalizePhone(phone)
	if err != nil {
		return nil, err
	}
	c, err := o.Auth.Login(ctx, p, otp)
	if err != nil {
		return nil, err
	}
	if err := o.Credentials.Set(*c); err != nil {
		return nil, err
	}
	return c, nil
}

// Logout clears the credential. Any call in flight is terminal when Logout returns.
func (o *Orchestrator) Logout() error {
	return o.Credentials.Clear()
}

func (o *Orchestrator) Close() {
	o.Conn.Unsubscribe(o.watch)
	o.Calls.Close()
	o.Conn.Disconnect()
}

func (o *Orchestrator) onCredential(c *domain.Credential) {
	if c == nil {
		if err := o.Calls.Abort(domain.ReasonSignedOut); err != nil {
			o.log.Warn().Err(err).Msg("abort on sign out")
		}
		o.Conn.Disconnect()
		o.Conn.Configure("")
		o.log.Info().Msg("signed out")
		return
	}
	o.Conn.Configure(c.Token)
	if err := o.Conn.Connect(); err != nil {
		o.log.Warn().Err(err).Msg("connect after credential change")
	}
}

func (o *Orchestrator) onLifecycle(ev conn.Lifecycle) {
	if ev.Kind != conn.AuthExpired {
		return
	}
	o.log.Warn().Str("reason", ev.Reason).Msg("session expired, signing out")
	if err := o.Calls.Abort(domain.ReasonSessionExpired); err != nil && !errors.Is(err, call.ErrClosed) {
		o.log.Warn().Err(err).Msg("abort on expiry")
	}
	if err := o.Credentials.Clear(); err != nil {
		o.log.Error().Err(err).Msg("clear expired credential")
	}
}

// Reconnect is the manual retry after automatic reconnection gave up.
func (o *Orchestrator) Reconnect() error {
	return o.Conn.Connect()
}

func (o *Orchestrator) SetLanguageEnglish(english bool) error {
	return o.Credentials.SetLanguageEnglish(english)
}
