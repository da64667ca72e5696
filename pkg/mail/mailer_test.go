package mail

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSettingsValidate(t *testing.T) {
	require.ErrorContains(t, Settings{}.Validate(), "host is required")
	require.ErrorContains(t, Settings{Host: "smtp.example.com"}.Validate(), "port is required")
	require.ErrorContains(t, Settings{Host: "smtp.example.com", Port: 587, From: "nope"}.Validate(), "invalid from")
	require.NoError(t, Settings{Host: "smtp.example.com", Port: 587, From: "guard@example.com"}.Validate())
}

func TestNewSMTPMailerDefaultTimeout(t *testing.T) {
	mailer, err := NewSMTPMailer(Settings{Host: "smtp.example.com", Port: 587, From: "guard@example.com"})
	require.NoError(t, err)
	require.Equal(t, 10*time.Second, mailer.settings.Timeout)
}

func TestRecipients(t *testing.T) {
	out, err := Recipients([]string{" a@example.com", "", "b@example.com", "a@example.com"})
	require.NoError(t, err)
	require.Equal(t, []string{"a@example.com", "b@example.com"}, out)

	_, err = Recipients([]string{"", "  "})
	require.ErrorIs(t, err, ErrNoRecipients)

	_, err = Recipients([]string{"not an address"})
	require.ErrorContains(t, err, "invalid recipient")
}

func TestSendWithoutRecipientsDoesNotDial(t *testing.T) {
	mailer, err := NewSMTPMailer(Settings{Host: "127.0.0.1", Port: 1, From: "guard@example.com"})
	require.NoError(t, err)
	require.ErrorIs(t, mailer.Send(context.Background(), Message{Subject: "x"}), ErrNoRecipients)
}

func TestCompose(t *testing.T) {
	content := string(Compose("guard@example.com", []string{"a@example.com", "b@example.com"}, "Access\r\nexpires", "Body"))
	require.Contains(t, content, "From: guard@example.com\r\n")
	require.Contains(t, content, "To: a@example.com, b@example.com\r\n")
	require.Contains(t, content, "Subject: Access  expires\r\n")
	require.True(t, strings.HasSuffix(content, "\r\n\r\nBody"))
}
