package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	DefaultExpoEndpoint = "https://exp.host/--/api/v2/push/send"
	defaultSendTimeout  = 10 * time.Second
)

// Expo ticket error codes.
const (
	CodeDeviceNotRegistered = "DeviceNotRegistered"
	CodeMessageTooBig       = "MessageTooBig"
	CodeMessageRateExceeded = "MessageRateExceeded"
	CodeInvalidCredentials  = "InvalidCredentials"
)

type expoMessage struct {
	To    string            `json:"to"`
	Title string            `json:"title,omitempty"`
	Body  string            `json:"body"`
	Sound string            `json:"sound,omitempty"`
	Data  map[string]string `json:"data,omitempty"`
}

type expoTicketResponse struct {
	Data   expoTicket  `json:"data"`
	Errors []expoError `json:"errors"`
}

type expoTicket struct {
	Status  string `json:"status"`
	ID      string `json:"id"`
	Message string `json:"message"`
	Details struct {
		Error string `json:"error"`
	} `json:"details"`
}

type expoError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ExpoProvider sends one push message per call to an Expo-compatible endpoint.
type ExpoProvider struct {
	client   *resty.Client
	endpoint string
}

func NewExpoProvider(endpoint string) (*ExpoProvider, error) {
	client := resty.New()
	client.SetTimeout(defaultSendTimeout)
	client.SetRetryCount(0)

	return NewExpoProviderWithClient(endpoint, client)
}

func NewExpoProviderWithClient(endpoint string, client *resty.Client) (*ExpoProvider, error) {
	trimmedEndpoint := strings.TrimSpace(endpoint)
	if trimmedEndpoint == "" {
		trimmedEndpoint = DefaultExpoEndpoint
	}
	if _, err := url.ParseRequestURI(trimmedEndpoint); err != nil {
		return nil, fmt.Errorf("invalid push endpoint: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultSendTimeout)
	}
	// Retrying a whole notification is the scheduler's job, not the client's.
	client.SetRetryCount(0)

	return &ExpoProvider{
		client:   client,
		endpoint: trimmedEndpoint,
	}, nil
}

func (p *ExpoProvider) Send(ctx context.Context, token string, payload Payload) (*ProviderResponse, error) {
	if p == nil || p.client == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}
	if strings.TrimSpace(token) == "" {
		return nil, &ProviderError{Message: "token is required", Transient: false}
	}

	reqBody := expoMessage{
		To:    token,
		Title: payload.SenderName,
		Body:  payload.Message,
		Sound: "default",
		Data:  map[string]string{"type": payload.Type},
	}

	response, err := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetBody(reqBody).
		Post(p.endpoint)
	if err != nil {
		return nil, &ProviderError{
			Message:   "provider request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return nil, &ProviderError{
			Message:   "provider returned empty response",
			Transient: true,
		}
	}

	statusCode := response.StatusCode()
	responseBody := strings.TrimSpace(response.String())

	if statusCode < http.StatusOK || statusCode >= http.StatusMultipleChoices {
		return nil, &ProviderError{
			StatusCode: statusCode,
			Code:       firstErrorCode(responseBody),
			Message:    providerErrorMessage(statusCode, responseBody),
			Transient:  isTransientHTTPStatus(statusCode),
		}
	}

	var ticket expoTicketResponse
	if responseBody != "" {
		if err := json.Unmarshal([]byte(responseBody), &ticket); err != nil {
			return nil, &ProviderError{
				StatusCode: statusCode,
				Message:    "provider returned malformed ticket",
				Transient:  true,
				Cause:      err,
			}
		}
	}

	if ticket.Data.Status == "error" {
		code := ticket.Data.Details.Error
		return nil, &ProviderError{
			StatusCode: statusCode,
			Code:       code,
			Message:    ticket.Data.Message,
			Transient:  isTransientTicketError(code),
		}
	}

	return &ProviderResponse{
		StatusCode: statusCode,
		Body:       responseBody,
		MessageID:  ticket.Data.ID,
	}, nil
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

func isTransientTicketError(code string) bool {
	return code == CodeMessageRateExceeded
}

func providerErrorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("provider returned status %d", statusCode)
	if body == "" {
		return base
	}
	return fmt.Sprintf("%s: %s", base, body)
}

func firstErrorCode(body string) string {
	if body == "" {
		return ""
	}

	var parsed expoTicketResponse
	if err := json.Unmarshal([]byte(body), &parsed); err != nil || len(parsed.Errors) == 0 {
		return ""
	}
	return parsed.Errors[0].Code
}
