package notify

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessageValidate(t *testing.T) {
	valid := Message{To: "lead@example.com", Subject: "Hi", BodyHTML: "<p>x</p>"}
	require.NoError(t, valid.Validate())

	noAddr := valid
	noAddr.To = "not-an-address"
	require.Error(t, noAddr.Validate())

	noSubject := valid
	noSubject.Subject = ""
	require.Error(t, noSubject.Validate())
}

func TestDevMailerValidatesBeforeLogging(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewDevMailer(log)

	require.NoError(t, m.Send(context.Background(), Message{
		To:      "lead@example.com",
		Subject: "Hi",
	}))
	require.Error(t, m.Send(context.Background(), Message{
		To:      "broken",
		Subject: "Hi",
	}))
}

func TestNewPostmarkMailerRequiresConfig(t *testing.T) {
	_, err := NewPostmarkMailer(PostmarkConfig{})
	require.Error(t, err)

	_, err = NewPostmarkMailer(PostmarkConfig{ServerToken: "s", AccountToken: "a", SenderEmail: "bad"})
	require.Error(t, err)

	_, err = NewPostmarkMailer(PostmarkConfig{ServerToken: "s", AccountToken: "a", SenderEmail: "ops@example.com"})
	require.NoError(t, err)
}
