package local

import (
	"log/slog"
	"sync"
)

// SendEmail allows applications to provide their own email delivery
type SendEmail interface {
	SendPasswordResetEmail(to string, resetLink string) error
}

// ConsoleEmailSender is a development sender that writes emails to the log
type ConsoleEmailSender struct {
	Logger *slog.Logger
}

func (c *ConsoleEmailSender) SendPasswordResetEmail(to string, resetLink string) error {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("EMAIL: Reset your password",
		slog.String("to", to),
		slog.String("body", "Reset your password by clicking: "+resetLink))
	return nil
}

// SentEmail is one message captured by a RecordingEmailSender
type SentEmail struct {
	To   string
	Link string
}

// RecordingEmailSender keeps sent messages in memory, for tests
type RecordingEmailSender struct {
	mu   sync.Mutex
	sent []SentEmail
	Err  error
}

func (r *RecordingEmailSender) SendPasswordResetEmail(to string, resetLink string) error {
	if r.Err != nil {
		return r.Err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, SentEmail{To: to, Link: resetLink})
	return nil
}

// Sent returns a copy of the messages sent so far
func (r *RecordingEmailSender) Sent() []SentEmail {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SentEmail(nil), r.sent...)
}
