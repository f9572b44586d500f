package notify

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// ErrSendFailed wraps any delivery failure so callers can branch on the
// concern rather than the provider error.
var ErrSendFailed = errors.New("notify: send failed")

// Message is one rendered notification handed to a Mailer.
type Message struct {
	To       string
	Subject  string
	BodyHTML string
	Tag      string
	TenantID string
	Tracking bool
}

var emailRegex = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// Validate checks the fields delivery cannot proceed without.
func (m Message) Validate() error {
	if !emailRegex.MatchString(m.To) {
		return fmt.Errorf("invalid recipient address %q", m.To)
	}
	if m.Subject == "" {
		return errors.New("subject is required")
	}
	return nil
}

// Mailer delivers a rendered message to a recipient. Implementations are
// not expected to be idempotent; the executor accepts duplicate sends on
// retry.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}
