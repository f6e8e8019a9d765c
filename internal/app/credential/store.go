// Package credential owns the patient's bearer token and login record.
package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
)

// Durable keys.
const (
	KeyUser            = "user"
	KeyToken           = "token"
	KeyPhone           = "phone"
	KeyAuthenticated   = "is_authenticated"
	KeyLanguageEnglish = "language_preference"
)

var ErrEmptyToken = errors.New("credential: empty token")

type Store struct {
	kv  core.KV
	log zerolog.Logger

	// wmu serializes writers so listeners see changes in commit order.
	wmu sync.Mutex

	mu        sync.RWMutex
	cur       *domain.Credential
	english   bool
	listeners []func(*domain.Credential)
}

func NewStore(kv core.KV) *Store {
	return &Store{
		kv:      kv,
		log:     log.With().Str("module", "app.credential").Logger(),
		english: true,
	}
}

// Load reads the persisted credential. A missing or half written record yields nil.
func (s *Store) Load() (*domain.Credential, error) {
	english, err := s.readBool(KeyLanguageEnglish, true)
	if err != nil {
		return nil, err
	}
	authed, err := s.readBool(KeyAuthenticated, false)
	if err != nil {
		return nil, err
	}
	token, err := s.readString(KeyToken)
	if err != nil {
		return nil, err
	}

	var c *domain.Credential
	if authed && token != "" {
		c = &domain.Credential{Token: token}
		if c.Phone, err = s.readString(KeyPhone); err != nil {
			return nil, err
		}
		raw, err := s.kv.Get(KeyUser)
		switch {
		case errors.Is(err, core.ErrNotFound):
		case err != nil:
			return nil, fmt.Errorf("credential: read %s: %w", KeyUser, err)
		default:
			var p domain.Patient
			if err := json.Unmarshal(raw, &p); err != nil {
				s.log.Warn().Err(err).Msg("stored profile unreadable, ignoring")
			} else {
				c.Patient = &p
			}
		}
	}

	s.mu.Lock()
	s.cur = c
	s.english = english
	s.mu.Unlock()
	s.log.Info().Bool("authenticated", c != nil).Msg("credential loaded")
	return clone(c), nil
}

// Set persists c in one batch, then notifies listeners synchronously.
func (s *Store) Set(c domain.Credential) error {
	if c.Token == "" {
		return ErrEmptyToken
	}
	ops := []core.KVOp{
		core.Put(KeyToken, []byte(c.Token)),
		core.Put(KeyPhone, []byte(c.Phone)),
		core.Put(KeyAuthenticated, []byte("true")),
	}
	if c.Patient != nil {
		raw, err := json.Marshal(c.Patient)
		if err != nil {
			return fmt.Errorf("credential: encode profile: %w", err)
		}
		ops = append(ops, core.Put(KeyUser, raw))
	} else {
		ops = append(ops, core.Del(KeyUser))
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.kv.Apply(ops...); err != nil {
		return fmt.Errorf("credential: save: %w", err)
	}
	s.mu.Lock()
	s.cur = clone(&c)
	s.mu.Unlock()
	s.log.Info().Str("phone", c.Phone).Msg("credential stored")
	s.notify(clone(&c))
	return nil
}

// Clear forgets the credential. Listeners are notified only when one was present.
func (s *Store) Clear() error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	err := s.kv.Apply(
		core.Del(KeyToken),
		core.Del(KeyPhone),
		core.Del(KeyUser),
		core.Del(KeyAuthenticated),
	)
	if err != nil {
		return fmt.Errorf("credential: clear: %w", err)
	}
	s.mu.Lock()
	had := s.cur != nil
	s.cur = nil
	s.mu.Unlock()
	if had {
		s.log.Info().Msg("credential cleared")
		s.notify(nil)
	}
	return nil
}

func (s *Store) Current() *domain.Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clone(s.cur)
}

func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cur == nil {
		return ""
	}
	return s.cur.Token
}

// OnChange registers fn for every Set and every effective Clear (nil credential).
// fn must not call Set or Clear.
func (s *Store) OnChange(fn func(*domain.Credential)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Store) LanguageEnglish() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.english
}

func (s *Store) SetLanguageEnglish(english bool) error {
	if err := s.kv.Apply(core.Put(KeyLanguageEnglish, []byte(strconv.FormatBool(english)))); err != nil {
		return fmt.Errorf("credential: save language: %w", err)
	}
	s.mu.Lock()
	s.english = english
	s.mu.Unlock()
	return nil
}

func (s *Store) notify(c *domain.Credential) {
	s.mu.RLock()
	fns := slices.Clone(s.listeners)
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(clone(c))
	}
}

func (s *Store) readString(key string) (string, error) {
	v, err := s.kv.Get(key)
	if errors.Is(err, core.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("credential: read %s: %w", key, err)
	}
	return string(v), nil
}

func (s *Store) readBool(key string, def bool) (bool, error) {
	v, err := s.readString(key)
	if err != nil || v == "" {
		return def, err
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		s.log.Warn().Str("key", key).Str("value", v).Msg("bad stored flag, using default")
		return def, nil
	}
	return b, nil
}

func clone(c *domain.Credential) *domain.Credential {
	if c == nil {
		return nil
	}
	out := *c
	if c.Patient != nil {
		p := *c.Patient
		out.Patient = &p
	}
	return &out
}
