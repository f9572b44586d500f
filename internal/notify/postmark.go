package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/mrz1836/postmark"
)

// PostmarkConfig carries the credentials and sender identity for the
// Postmark-backed mailer.
type PostmarkConfig struct {
	ServerToken  string
	AccountToken string
	SenderEmail  string
	ReplyTo      string
}

type postmarkMailer struct {
	client *postmark.Client
	cfg    PostmarkConfig
}

// NewPostmarkMailer creates a Postmark-backed Mailer. Tokens and sender are
// required; failing here keeps a misconfigured worker from starting and
// silently dropping sends.
func NewPostmarkMailer(cfg PostmarkConfig) (Mailer, error) {
	if cfg.ServerToken == "" {
		return nil, errors.New("postmark server token is required")
	}
	if cfg.AccountToken == "" {
		return nil, errors.New("postmark account token is required")
	}
	if !emailRegex.MatchString(cfg.SenderEmail) {
		return nil, fmt.Errorf("invalid sender address %q", cfg.SenderEmail)
	}
	return &postmarkMailer{
		client: postmark.NewClient(cfg.ServerToken, cfg.AccountToken),
		cfg:    cfg,
	}, nil
}

func (m *postmarkMailer) Send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	trackLinks := "None"
	if msg.Tracking {
		trackLinks = "HtmlOnly"
	}
	resp, err := m.client.SendEmail(ctx, postmark.Email{
		From:       m.cfg.SenderEmail,
		ReplyTo:    m.cfg.ReplyTo,
		To:         msg.To,
		Subject:    msg.Subject,
		Tag:        msg.Tag,
		HTMLBody:   msg.BodyHTML,
		TrackOpens: msg.Tracking,
		TrackLinks: trackLinks,
		Metadata:   map[string]string{"tenant_id": msg.TenantID},
	})
	if err != nil {
		return errors.Join(ErrSendFailed, err)
	}
	if resp.ErrorCode > 0 {
		return errors.Join(ErrSendFailed, fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, resp.Message))
	}
	return nil
}
