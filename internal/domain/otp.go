package domain

import (
	"fmt"
	"strings"
	"time"
)

// Channel represents the delivery channel.
type Channel string

const (
	ChannelEmail Channel = "EMAIL"
	ChannelSMS   Channel = "SMS"
	ChannelBoth  Channel = "BOTH"
)

func (c Channel) String() string { return string(c) }

func (c Channel) IsValid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelBoth:
		return true
	}
	return false
}

func ParseChannelFromString(s string) (Channel, error) {
	ch := Channel(strings.ToUpper(strings.TrimSpace(s)))
	if !ch.IsValid() {
		return "", fmt.Errorf("%w: invalid channel %q", ErrValidation, s)
	}
	return ch, nil
}

// OTPRecord is the stored state of an issued one-time passcode. Only the
// digest of the passcode is ever stored; the plaintext is returned to the
// caller exactly once at issuance.
type OTPRecord struct {
	SubjectID    string    `json:"subjectId"`
	Hash         string    `json:"hash"`
	CreatedAt    time.Time `json:"createdAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
	AttemptsUsed int       `json:"attemptsUsed"`
	Channel      Channel   `json:"channel"`
	OriginIP     string    `json:"originIp,omitempty"`
	OriginAgent  string    `json:"originAgent,omitempty"`
}

func (r *OTPRecord) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// VerifyResult is the outcome of an OTP validation attempt. All failure
// variants render to the same generic user-facing message so callers cannot
// distinguish a missing subject from a wrong guess.
type VerifyResult string

const (
	VerifyValid            VerifyResult = "VALID"
	VerifyInvalid          VerifyResult = "INVALID"
	VerifyExpired          VerifyResult = "EXPIRED"
	VerifyAttemptsExceeded VerifyResult = "ATTEMPTS_EXCEEDED"
)

func (v VerifyResult) String() string { return string(v) }

func (v VerifyResult) OK() bool { return v == VerifyValid }
