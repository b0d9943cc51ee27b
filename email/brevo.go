package email

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
)

const brevoEndpoint = "https://api.brevo.com/v3/smtp/email"

// BrevoProvider sends emails via Brevo (formerly Sendinblue) API.
type BrevoProvider struct {
	client   *resty.Client
	logger   *slog.Logger
	apiKey   string
	fromAddr string
	fromName string
	endpoint string
}

// NewBrevoProvider creates a new Brevo email provider.
func NewBrevoProvider(apiKey, fromAddr, fromName string, logger *slog.Logger) *BrevoProvider {
	return &BrevoProvider{
		apiKey:   apiKey,
		fromAddr: fromAddr,
		fromName: fromName,
		client:   resty.New().SetTimeout(30 * time.Second),
		endpoint: brevoEndpoint,
		logger:   logger,
	}
}

// brevoSendRequest represents the Brevo API send email request.
type brevoSendRequest struct {
	Sender  brevoContact   `json:"sender"`
	Subject string         `json:"subject"`
	HTML    string         `json:"htmlContent"`
	To      []brevoContact `json:"to"`
}

type brevoContact struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Send sends an email via Brevo API.
func (b *BrevoProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	reqBody := brevoSendRequest{
		Sender: brevoContact{
			Email: b.fromAddr,
			Name:  b.fromName,
		},
		To: []brevoContact{
			{Email: to},
		},
		Subject: subject,
		HTML:    htmlBody,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	return retry.Do(
		func() error {
			startTime := time.Now()
			resp, err := b.client.R().
				SetContext(ctx).
				SetHeader("Content-Type", "application/json").
				SetHeader("api-key", b.apiKey).
				SetBody(jsonData).
				Post(b.endpoint)
			duration := time.Since(startTime)

			if err != nil {
				b.logger.Warn("Brevo API request failed, will retry",
					"to", to,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}

			status := resp.StatusCode()
			if status < 200 || status >= 300 {
				statusErr := fmt.Errorf("brevo HTTP %d", status)
				if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
					b.logger.Error("Brevo API rejected email", "status_code", status, "to", to)
					return retry.Unrecoverable(statusErr)
				}
				b.logger.Warn("Brevo API returned non-2xx status, will retry",
					"status_code", status,
					"to", to)
				return statusErr
			}

			b.logger.Info("Brevo API request completed",
				"endpoint", "smtp/email",
				"to", to,
				"duration_ms", duration.Milliseconds(),
				"status", "success")

			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			b.logger.Info("Retrying Brevo email send after error", "attempt", n, "error", err)
		}),
	)
}
