package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultGatewayTimeout = 10 * time.Second

var _ Sender = (*SMSGatewaySender)(nil)

type smsRequest struct {
	To      string `json:"to"`
	Content string `json:"content"`
}

// SMSGatewaySender posts SMS payloads to an HTTP gateway endpoint.
type SMSGatewaySender struct {
	client   *resty.Client
	endpoint string
}

func NewSMSGatewaySender(endpoint string) (*SMSGatewaySender, error) {
	client := resty.New()
	client.SetTimeout(defaultGatewayTimeout)
	client.SetRetryCount(0)

	return NewSMSGatewaySenderWithClient(endpoint, client)
}

func NewSMSGatewaySenderWithClient(endpoint string, client *resty.Client) (*SMSGatewaySender, error) {
	trimmedEndpoint := strings.TrimSpace(endpoint)
	if trimmedEndpoint == "" {
		return nil, fmt.Errorf("sms gateway endpoint is required")
	}
	if _, err := url.ParseRequestURI(trimmedEndpoint); err != nil {
		return nil, fmt.Errorf("invalid sms gateway endpoint: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultGatewayTimeout)
	}
	// Retries belong to the retry executor, not the HTTP client.
	client.SetRetryCount(0)

	return &SMSGatewaySender{
		client:   client,
		endpoint: trimmedEndpoint,
	}, nil
}

func (s *SMSGatewaySender) Send(ctx context.Context, recipient string, content string) error {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return &SendError{
			Message:   "empty sms recipient",
			Transient: false,
		}
	}

	response, err := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(smsRequest{To: recipient, Content: content}).
		Post(s.endpoint)
	if err != nil {
		return &SendError{
			Message:   "sms gateway request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return &SendError{
			Message:   "sms gateway returned empty response",
			Transient: true,
		}
	}

	statusCode := response.StatusCode()
	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return nil
	}

	return &SendError{
		StatusCode: statusCode,
		Message:    fmt.Sprintf("sms gateway rejected request: %s", strings.TrimSpace(response.String())),
		Transient:  isTransientHTTPStatus(statusCode),
	}
}

func isTransientHTTPStatus(statusCode int) bool {
	if statusCode == http.StatusTooManyRequests || statusCode == http.StatusRequestTimeout {
		return true
	}
	return statusCode >= http.StatusInternalServerError
}
