// Package patient is the REST client for the patient auth endpoints.
package patient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/dkeye/Consult/internal/domain"
)

var ErrInvalidOTP = errors.New("invalid otp")

// APIError is a non 2xx answer. Message is the server's text when it sent one.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("patient api error (%d): %s", e.Status, e.Message)
}

type Client struct {
	httpClient *resty.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("User-Agent", "Consult-Patient/1.0").
		SetHeader("Content-Type", "application/json").
		SetTimeout(timeout)
	return &Client{httpClient: client}
}

type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

func (c *Client) SendOTP(ctx context.Context, phone string) error {
	var apiErr errorBody
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(map[string]string{"phone": phone}).
		SetError(&apiErr).
		Post("/otp/send")
	if err != nil {
		return fmt.Errorf("otp request failed: %w", err)
	}
	if resp.IsError() {
		return toAPIError(resp, apiErr, "OTP sending failed")
	}
	return nil
}

type loginResponse struct {
	Token   string `json:"token"`
	ID      string `json:"id"`
	MongoID string `json:"_id"`
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Email   string `json:"email"`
}

// Login exchanges phone and otp for a credential.
func (c *Client) Login(ctx context.Context, phone, otp string) (*domain.Credential, error) {
	var body loginResponse
	var apiErr errorBody
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(map[string]string{"phone": phone, "otp": otp}).
		SetResult(&body).
		SetError(&apiErr).
		Post("/patient/login")
	if err != nil {
		return nil, fmt.Errorf("login request failed: %w", err)
	}
	if resp.IsError() {
		e := toAPIError(resp, apiErr, "Invalid OTP")
		if resp.StatusCode() == 400 || resp.StatusCode() == 401 {
			return nil, fmt.Errorf("%w: %w", ErrInvalidOTP, e)
		}
		return nil, e
	}
	if body.Token == "" {
		return nil, &domain.ProtocolError{Event: "patient/login", Detail: "missing token", Payload: resp.Body()}
	}

	id := body.ID
	if id == "" {
		id = body.MongoID
	}
	if body.Phone == "" {
		body.Phone = phone
	}
	return &domain.Credential{
		Token: body.Token,
		Phone: phone,
		Patient: &domain.Patient{
			ID:    domain.PatientID(id),
			Name:  body.Name,
			Phone: body.Phone,
			Email: body.Email,
		},
	}, nil
}

func toAPIError(resp *resty.Response, body errorBody, fallback string) *APIError {
	msg := body.Message
	if msg == "" {
		msg = body.Error
	}
	if msg == "" {
		msg = fallback
	}
	return &APIError{Status: resp.StatusCode(), Message: msg}
}
