package patient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Consult/internal/domain"
)

func newServer(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", 0)
}

func TestSendOTP(t *testing.T) {
	var got map[string]string
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/otp/send", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"message":"sent"}`))
	})

	require.NoError(t, c.SendOTP(context.Background(), "+15550100"))
	assert.Equal(t, map[string]string{"phone": "+15550100"}, got)
}

func TestSendOTPServerMessage(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"message":"Too many attempts"}`))
	})

	err := c.SendOTP(context.Background(), "+15550100")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.Status)
	assert.Equal(t, "Too many attempts", apiErr.Message)
}

func TestLogin(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/patient/login", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "0583", body["otp"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token":"tok-1","_id":"p-9","name":"Ann","email":"ann@example.com"}`))
	})

	cred, err := c.Login(context.Background(), "+15550100", "0583")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", cred.Token)
	assert.Equal(t, "+15550100", cred.Phone)
	assert.Equal(t, &domain.Patient{ID: "p-9", Name: "Ann", Phone: "+15550100", Email: "ann@example.com"}, cred.Patient)
}

func TestLoginRejected(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{}`))
	})

	_, err := c.Login(context.Background(), "+15550100", "0000")
	assert.ErrorIs(t, err, ErrInvalidOTP)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "Invalid OTP", apiErr.Message)
}

func TestLoginWithoutToken(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"name":"Ann"}`))
	})

	_, err := c.Login(context.Background(), "+15550100", "0583")
	var perr *domain.ProtocolError
	assert.ErrorAs(t, err, &perr)
}
