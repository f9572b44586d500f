package notify

import (
	"context"
	"log/slog"
)

// DevMailer logs messages instead of delivering them. Used when no Postmark
// credentials are configured, so local runs exercise the whole pipeline
// without sending real mail.
type DevMailer struct {
	log *slog.Logger
}

func NewDevMailer(log *slog.Logger) *DevMailer {
	return &DevMailer{log: log}
}

func (d *DevMailer) Send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	d.log.InfoContext(ctx, "dev mailer: email suppressed",
		slog.String("to", msg.To),
		slog.String("subject", msg.Subject),
		slog.String("tenant_id", msg.TenantID),
		slog.String("tag", msg.Tag),
	)
	return nil
}
