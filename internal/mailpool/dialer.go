package mailpool

import (
	"fmt"
	"strings"

	"gopkg.in/gomail.v2"
)

// SMTPDialer adapts gomail's dialer to the pool's Dialer contract.
type SMTPDialer struct {
	dialer *gomail.Dialer
}

func NewSMTPDialer(host string, port int, username, password string) (*SMTPDialer, error) {
	if strings.TrimSpace(host) == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	if port <= 0 {
		return nil, fmt.Errorf("smtp port must be positive, got %d", port)
	}

	return &SMTPDialer{
		dialer: gomail.NewDialer(host, port, username, password),
	}, nil
}

func (d *SMTPDialer) Dial() (Conn, error) {
	conn, err := d.dialer.Dial()
	if err != nil {
		return nil, err
	}
	return conn, nil
}
