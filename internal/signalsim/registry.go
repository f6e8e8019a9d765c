package signalsim

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Consult/internal/domain"
)

// Registry holds patient accounts and the bearer tokens issued to them.
type Registry struct {
	mu      sync.RWMutex
	byPhone map[string]*domain.Patient
	tokens  map[string]domain.PatientID
	byID    map[domain.PatientID]*domain.Patient
}

func NewRegistry() *Registry {
	return &Registry{
		byPhone: make(map[string]*domain.Patient),
		tokens:  make(map[string]domain.PatientID),
		byID:    make(map[domain.PatientID]*domain.Patient),
	}
}

func (r *Registry) GetOrCreatePatient(phone string) domain.Patient {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.byPhone[phone]; ok {
		return *p
	}
	p := &domain.Patient{
		ID:    domain.PatientID(uuid.NewString()),
		Name:  "Patient " + phone[max(0, len(phone)-4):],
		Phone: phone,
	}
	r.byPhone[phone] = p
	r.byID[p.ID] = p
	log.Info().Str("module", "signalsim.registry").Str("patient", string(p.ID)).Msg("created new patient")
	return *p
}

func (r *Registry) IssueToken(id domain.PatientID) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	token := uuid.NewString()
	r.tokens[token] = id
	return token
}

func (r *Registry) PatientByToken(token string) (domain.Patient, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.tokens[token]
	if !ok {
		return domain.Patient{}, false
	}
	p, ok := r.byID[id]
	if !ok {
		return domain.Patient{}, false
	}
	return *p, true
}

// Revoke invalidates token and reports whom it belonged to.
func (r *Registry) Revoke(token string) (domain.PatientID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.tokens[token]
	if ok {
		delete(r.tokens, token)
		log.Info().Str("module", "signalsim.registry").Str("patient", string(id)).Msg("token revoked")
	}
	return id, ok
}
