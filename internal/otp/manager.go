package otp

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/relaylabs/otp-relay/internal/domain"
	"github.com/relaylabs/otp-relay/internal/observability"
	"github.com/relaylabs/otp-relay/internal/ratelimit"
	"github.com/relaylabs/otp-relay/internal/store"
	"go.uber.org/zap"
)

const (
	minCodeLength = 4
	maxCodeLength = 10

	recordKeyPrefix   = "otp:"
	attemptsKeySuffix = ":attempts"

	// Attempt counters outlive the code by a margin so a burst of guesses
	// against an expiring code still counts.
	attemptsTTLSlack = time.Minute
)

// Config carries the code issuance policy.
type Config struct {
	// Length is the number of digits in a generated code.
	Length int

	// TTL is the validity window of an issued code.
	TTL time.Duration

	// MaxAttempts caps failed validations before the code is invalidated.
	MaxAttempts int
}

func (c Config) validate() error {
	if c.Length < minCodeLength || c.Length > maxCodeLength {
		return fmt.Errorf("otp length must be between %d and %d, got %d", minCodeLength, maxCodeLength, c.Length)
	}
	if c.TTL <= 0 {
		return fmt.Errorf("otp ttl must be positive, got %s", c.TTL)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("otp max attempts must be positive, got %d", c.MaxAttempts)
	}
	return nil
}

// Manager issues and validates one-time codes. Only a SHA-256 digest of a
// code is ever stored; the plaintext exists once, in the Issue return value.
type Manager struct {
	store   store.Store
	limiter *ratelimit.Limiter
	cfg     Config
	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

func NewManager(st store.Store, limiter *ratelimit.Limiter, cfg Config, metrics *observability.Metrics, logger *zap.Logger) (*Manager, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Manager{
		store:   st,
		limiter: limiter,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Issue generates a fresh code for the subject, supersedes any active one,
// and returns the plaintext exactly once alongside the stored record.
func (m *Manager) Issue(ctx context.Context, subjectID string, channel domain.Channel, originIP, originAgent string) (string, *domain.OTPRecord, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return "", nil, fmt.Errorf("%w: subject id is required", domain.ErrValidation)
	}
	if !channel.IsValid() {
		return "", nil, fmt.Errorf("%w: invalid channel %q", domain.ErrValidation, channel)
	}

	if err := m.limiter.Allow(ctx, ratelimit.ActionIssue, subjectID); err != nil {
		return "", nil, err
	}

	code, err := generateCode(m.cfg.Length)
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate otp code: %w", err)
	}

	now := m.now()
	record := &domain.OTPRecord{
		SubjectID:   subjectID,
		Hash:        hashCode(code),
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.cfg.TTL),
		Channel:     channel,
		OriginIP:    originIP,
		OriginAgent: originAgent,
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode otp record: %w", err)
	}

	// The new record replaces any active one, so the old attempt counter
	// must not carry over.
	if err := m.store.Set(ctx, recordKey(subjectID), string(payload), m.cfg.TTL); err != nil {
		return "", nil, fmt.Errorf("failed to persist otp record: %w", err)
	}
	if _, err := m.store.Delete(ctx, attemptsKey(subjectID)); err != nil {
		return "", nil, fmt.Errorf("failed to reset otp attempt counter: %w", err)
	}

	m.metrics.IncIssued()
	observability.WithContextLogger(m.logger, ctx).Info("otp issued",
		zap.String("subjectId", subjectID),
		zap.String("channel", channel.String()),
	)

	return code, record, nil
}

// Validate checks a candidate code against the subject's active record.
// A correct code is consumed atomically: under concurrent validation exactly
// one caller observes VerifyValid. Attempt counting happens before the
// comparison result is revealed, so the counter can never be bypassed.
func (m *Manager) Validate(ctx context.Context, subjectID, candidate string) (domain.VerifyResult, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return "", fmt.Errorf("%w: subject id is required", domain.ErrValidation)
	}
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return domain.VerifyInvalid, nil
	}

	raw, found, err := m.store.Get(ctx, recordKey(subjectID))
	if err != nil {
		return "", fmt.Errorf("failed to load otp record: %w", err)
	}
	if !found {
		return domain.VerifyInvalid, nil
	}

	var record domain.OTPRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return "", fmt.Errorf("failed to decode otp record: %w", err)
	}

	if record.Expired(m.now()) {
		if err := m.invalidate(ctx, subjectID); err != nil {
			return "", err
		}
		return domain.VerifyExpired, nil
	}

	used, err := m.attemptsUsed(ctx, subjectID)
	if err != nil {
		return "", err
	}
	if used >= int64(m.cfg.MaxAttempts) {
		if err := m.invalidate(ctx, subjectID); err != nil {
			return "", err
		}
		return domain.VerifyAttemptsExceeded, nil
	}

	if subtle.ConstantTimeCompare([]byte(hashCode(candidate)), []byte(record.Hash)) == 1 {
		// Single use: only the caller whose delete actually removed the
		// record wins the race.
		deleted, err := m.store.Delete(ctx, recordKey(subjectID))
		if err != nil {
			return "", fmt.Errorf("failed to consume otp record: %w", err)
		}
		if !deleted {
			return domain.VerifyInvalid, nil
		}
		if _, err := m.store.Delete(ctx, attemptsKey(subjectID)); err != nil {
			return "", fmt.Errorf("failed to clear otp attempt counter: %w", err)
		}
		return domain.VerifyValid, nil
	}

	count, err := m.store.Increment(ctx, attemptsKey(subjectID), m.cfg.TTL+attemptsTTLSlack)
	if err != nil {
		return "", fmt.Errorf("failed to record failed otp attempt: %w", err)
	}
	if count >= int64(m.cfg.MaxAttempts) {
		if err := m.invalidate(ctx, subjectID); err != nil {
			return "", err
		}
		return domain.VerifyAttemptsExceeded, nil
	}

	return domain.VerifyInvalid, nil
}

func (m *Manager) attemptsUsed(ctx context.Context, subjectID string) (int64, error) {
	raw, found, err := m.store.Get(ctx, attemptsKey(subjectID))
	if err != nil {
		return 0, fmt.Errorf("failed to load otp attempt counter: %w", err)
	}
	if !found {
		return 0, nil
	}

	var used int64
	if _, err := fmt.Sscanf(raw, "%d", &used); err != nil {
		return 0, fmt.Errorf("malformed otp attempt counter %q: %w", raw, err)
	}
	return used, nil
}

func (m *Manager) invalidate(ctx context.Context, subjectID string) error {
	if _, err := m.store.Delete(ctx, recordKey(subjectID)); err != nil {
		return fmt.Errorf("failed to invalidate otp record: %w", err)
	}
	if _, err := m.store.Delete(ctx, attemptsKey(subjectID)); err != nil {
		return fmt.Errorf("failed to clear otp attempt counter: %w", err)
	}
	return nil
}

func recordKey(subjectID string) string {
	return recordKeyPrefix + subjectID
}

func attemptsKey(subjectID string) string {
	return recordKeyPrefix + subjectID + attemptsKeySuffix
}

func generateCode(length int) (string, error) {
	digits := make([]byte, length)
	for i := range digits {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		digits[i] = byte('0' + n.Int64())
	}
	return string(digits), nil
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
