// Package email sends price alert emails via multiple providers.
package email

import (
	"context"
	"fmt"
	"log/slog"

	"tourwatch/pkg/tourwatch"
)

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends an email with the given parameters.
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Alert is everything an alert email shows.
type Alert struct {
	Notification *tourwatch.Notification
	TourName     string
	TourURL      string
}

// Sender renders alert emails and hands them to a provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
	baseURL  string // For links in emails
}

// New creates a new email sender with the given provider.
func New(provider Provider, logger *slog.Logger, baseURL string) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
		baseURL:  baseURL,
	}
}

// SendPriceAlert emails the owner of a fired alert.
func (s *Sender) SendPriceAlert(ctx context.Context, to string, a *Alert) error {
	n := a.Notification
	subject := fmt.Sprintf("Price alert: %s is now %s", a.TourName, tourwatch.FormatPrice(n.NewPrice, n.Currency))
	body := s.formatAlertBody(a)

	s.logger.Info("Sending price alert email",
		"to", to,
		"alert_id", n.AlertID,
		"tour_id", n.TourID,
		"subject", subject)

	return s.provider.Send(ctx, to, subject, body)
}
