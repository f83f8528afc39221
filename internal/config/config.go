package config

import (
	"fmt"
	"time"

	"github.com/Netflix/go-env"
)

// Config is the full environment-driven configuration. Durations are plain
// integer seconds or milliseconds so every knob stays a simple env var.
type Config struct {
	APIPort  int    `env:"API_PORT,default=8080"`
	LogLevel string `env:"LOG_LEVEL,default=info"`

	// RedisURL is optional. When empty or unreachable the service falls back
	// to the in-memory store and runs in degraded single-instance mode.
	RedisURL string `env:"REDIS_URL"`

	SMTPHost     string `env:"SMTP_HOST,default=localhost"`
	SMTPPort     int    `env:"SMTP_PORT,default=587"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	SMTPFrom     string `env:"SMTP_FROM,required=true"`
	SMTPFromName string `env:"SMTP_FROM_NAME,default=Relay"`
	SMTPSubject  string `env:"SMTP_SUBJECT,default=Your verification code"`

	// SMSGatewayURL is optional; without it the SMS channel is disabled.
	SMSGatewayURL string `env:"SMS_GATEWAY_URL"`

	OTPLength      int `env:"OTP_LENGTH,default=6"`
	OTPTTLSeconds  int `env:"OTP_TTL_SECONDS,default=300"`
	OTPMaxAttempts int `env:"OTP_MAX_ATTEMPTS,default=3"`

	GlobalLimit            int `env:"RATE_LIMIT_GLOBAL,default=500"`
	GlobalWindowSeconds    int `env:"RATE_LIMIT_GLOBAL_WINDOW_SECONDS,default=60"`
	RecipientLimit         int `env:"RATE_LIMIT_RECIPIENT,default=5"`
	RecipientWindowSeconds int `env:"RATE_LIMIT_RECIPIENT_WINDOW_SECONDS,default=60"`

	BreakerThreshold       int `env:"BREAKER_FAILURE_THRESHOLD,default=5"`
	BreakerCooldownSeconds int `env:"BREAKER_COOLDOWN_SECONDS,default=30"`

	PoolSize                  int `env:"SMTP_POOL_SIZE,default=4"`
	PoolAcquireTimeoutSeconds int `env:"SMTP_POOL_ACQUIRE_TIMEOUT_SECONDS,default=5"`
	PoolMaxIdleAgeSeconds     int `env:"SMTP_POOL_MAX_IDLE_AGE_SECONDS,default=300"`

	RetryMaxAttempts     int `env:"RETRY_MAX_ATTEMPTS,default=3"`
	RetryBaseDelayMillis int `env:"RETRY_BASE_DELAY_MS,default=200"`
	RetryMaxDelayMillis  int `env:"RETRY_MAX_DELAY_MS,default=5000"`

	QueueCapacity          int `env:"QUEUE_CAPACITY,default=256"`
	WorkerConcurrency      int `env:"WORKER_CONCURRENCY,default=8"`
	TaskMaxLifetimeSeconds int `env:"TASK_MAX_LIFETIME_SECONDS,default=60"`
	TaskRetentionSeconds   int `env:"TASK_RETENTION_SECONDS,default=600"`
	RequeueDelaySeconds    int `env:"REQUEUE_DELAY_SECONDS,default=30"`
	ShutdownGraceSeconds   int `env:"SHUTDOWN_GRACE_SECONDS,default=15"`
}

func Load() (*Config, error) {
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	positives := []struct {
		name  string
		value int
	}{
		{"API_PORT", c.APIPort},
		{"SMTP_PORT", c.SMTPPort},
		{"OTP_LENGTH", c.OTPLength},
		{"OTP_TTL_SECONDS", c.OTPTTLSeconds},
		{"OTP_MAX_ATTEMPTS", c.OTPMaxAttempts},
		{"RATE_LIMIT_GLOBAL", c.GlobalLimit},
		{"RATE_LIMIT_GLOBAL_WINDOW_SECONDS", c.GlobalWindowSeconds},
		{"RATE_LIMIT_RECIPIENT", c.RecipientLimit},
		{"RATE_LIMIT_RECIPIENT_WINDOW_SECONDS", c.RecipientWindowSeconds},
		{"BREAKER_FAILURE_THRESHOLD", c.BreakerThreshold},
		{"BREAKER_COOLDOWN_SECONDS", c.BreakerCooldownSeconds},
		{"SMTP_POOL_SIZE", c.PoolSize},
		{"SMTP_POOL_ACQUIRE_TIMEOUT_SECONDS", c.PoolAcquireTimeoutSeconds},
		{"RETRY_MAX_ATTEMPTS", c.RetryMaxAttempts},
		{"RETRY_BASE_DELAY_MS", c.RetryBaseDelayMillis},
		{"RETRY_MAX_DELAY_MS", c.RetryMaxDelayMillis},
		{"QUEUE_CAPACITY", c.QueueCapacity},
		{"WORKER_CONCURRENCY", c.WorkerConcurrency},
		{"TASK_RETENTION_SECONDS", c.TaskRetentionSeconds},
		{"REQUEUE_DELAY_SECONDS", c.RequeueDelaySeconds},
		{"SHUTDOWN_GRACE_SECONDS", c.ShutdownGraceSeconds},
	}
	for _, p := range positives {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", p.name, p.value)
		}
	}
	if c.RetryBaseDelayMillis > c.RetryMaxDelayMillis {
		return fmt.Errorf("RETRY_BASE_DELAY_MS (%d) must not exceed RETRY_MAX_DELAY_MS (%d)", c.RetryBaseDelayMillis, c.RetryMaxDelayMillis)
	}
	return nil
}

func (c *Config) OTPTTL() time.Duration {
	return time.Duration(c.OTPTTLSeconds) * time.Second
}

func (c *Config) GlobalWindow() time.Duration {
	return time.Duration(c.GlobalWindowSeconds) * time.Second
}

func (c *Config) RecipientWindow() time.Duration {
	return time.Duration(c.RecipientWindowSeconds) * time.Second
}

func (c *Config) BreakerCooldown() time.Duration {
	return time.Duration(c.BreakerCooldownSeconds) * time.Second
}

func (c *Config) PoolAcquireTimeout() time.Duration {
	return time.Duration(c.PoolAcquireTimeoutSeconds) * time.Second
}

func (c *Config) PoolMaxIdleAge() time.Duration {
	return time.Duration(c.PoolMaxIdleAgeSeconds) * time.Second
}

func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMillis) * time.Millisecond
}

func (c *Config) RetryMaxDelay() time.Duration {
	return time.Duration(c.RetryMaxDelayMillis) * time.Millisecond
}

func (c *Config) TaskMaxLifetime() time.Duration {
	return time.Duration(c.TaskMaxLifetimeSeconds) * time.Second
}

func (c *Config) TaskRetention() time.Duration {
	return time.Duration(c.TaskRetentionSeconds) * time.Second
}

func (c *Config) RequeueDelay() time.Duration {
	return time.Duration(c.RequeueDelaySeconds) * time.Second
}

func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}
