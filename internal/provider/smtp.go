package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/relaylabs/otp-relay/internal/mailpool"
	"go.uber.org/zap"
	"gopkg.in/gomail.v2"
)

const defaultSubject = "Your notification"

var _ Sender = (*SMTPSender)(nil)

// SMTPSender delivers email through the bounded connection pool. A
// connection is borrowed for exactly one send and handed back immediately; a
// transport failure marks it broken so the pool retires it.
type SMTPSender struct {
	pool     *mailpool.Pool
	fromAddr string
	fromName string
	subject  string
	logger   *zap.Logger
}

func NewSMTPSender(pool *mailpool.Pool, fromAddr, fromName, subject string, logger *zap.Logger) (*SMTPSender, error) {
	if pool == nil {
		return nil, fmt.Errorf("connection pool is required")
	}
	fromAddr = strings.TrimSpace(fromAddr)
	if fromAddr == "" {
		return nil, fmt.Errorf("sender address is required")
	}
	if strings.TrimSpace(subject) == "" {
		subject = defaultSubject
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &SMTPSender{
		pool:     pool,
		fromAddr: fromAddr,
		fromName: fromName,
		subject:  subject,
		logger:   logger,
	}, nil
}

func (s *SMTPSender) Send(ctx context.Context, recipient string, content string) error {
	recipient = strings.TrimSpace(recipient)
	if !strings.Contains(recipient, "@") {
		return &SendError{
			Message:   fmt.Sprintf("malformed email recipient %q", recipient),
			Transient: false,
		}
	}

	msg := gomail.NewMessage()
	msg.SetAddressHeader("From", s.fromAddr, s.fromName)
	msg.SetHeader("To", recipient)
	msg.SetHeader("Subject", s.subject)
	msg.SetBody("text/html", content)

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to borrow mail connection: %w", err)
	}

	sendErr := gomail.Send(conn, msg)
	s.pool.Release(conn, sendErr != nil || ctx.Err() != nil)

	if sendErr != nil {
		return &SendError{
			Message:   "smtp send failed",
			Transient: true,
			Cause:     sendErr,
		}
	}

	s.logger.Debug("email sent", zap.String("to", recipient))
	return nil
}
