// Package retry wraps fallible pipeline operations with bounded exponential
// backoff and routes exhausted work to a dead-letter sink.
package retry

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
)

// MatcherType selects how a retryable-error matcher compares errors.
type MatcherType string

const (
	// MatchCode compares the error code (or Go type name) exactly.
	MatchCode MatcherType = "code"
	// MatchContains looks for a substring of the error message.
	MatchContains MatcherType = "contains"
	// MatchRegex matches the error message against a regular expression.
	MatchRegex MatcherType = "regex"
)

// Coder is implemented by errors that carry a machine-readable code.
type Coder interface {
	ErrorCode() string
}

// MatcherConfig is the YAML form of a matcher.
type MatcherConfig struct {
	Type  MatcherType `yaml:"type" json:"type"`
	Value string      `yaml:"value" json:"value"`
}

// PolicyConfig is the YAML form of a Policy.
type PolicyConfig struct {
	MaxRetries      int             `yaml:"max_retries"`
	RetryBackoffMs  int             `yaml:"retry_backoff_ms"`
	MaxBackoffMs    int             `yaml:"max_backoff_ms"`
	Multiplier      float64         `yaml:"multiplier"`
	Jitter          bool            `yaml:"jitter"`
	RetryableErrors []MatcherConfig `yaml:"retryable_errors"`
}

// DefaultPolicyConfig returns sensible defaults.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		MaxRetries:     3,
		RetryBackoffMs: 1000,
		MaxBackoffMs:   30000,
		Multiplier:     2,
		Jitter:         true,
	}
}

// Validate checks the configured ranges.
func (c PolicyConfig) Validate() error {
	var errs []error
	if c.MaxRetries < 0 || c.MaxRetries > 10 {
		errs = append(errs, fmt.Errorf("max_retries must be between 0 and 10, got %d", c.MaxRetries))
	}
	if c.RetryBackoffMs <= 0 {
		errs = append(errs, fmt.Errorf("retry_backoff_ms must be positive, got %d", c.RetryBackoffMs))
	}
	if c.MaxBackoffMs < c.RetryBackoffMs {
		errs = append(errs, fmt.Errorf("max_backoff_ms (%d) must be >= retry_backoff_ms (%d)", c.MaxBackoffMs, c.RetryBackoffMs))
	}
	if c.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("multiplier must be >= 1, got %v", c.Multiplier))
	}
	for _, m := range c.RetryableErrors {
		switch m.Type {
		case MatchCode, MatchContains:
		case MatchRegex:
			if _, err := regexp.Compile(m.Value); err != nil {
				errs = append(errs, fmt.Errorf("invalid retryable regex %q: %w", m.Value, err))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown retryable matcher type %q", m.Type))
		}
	}
	return errors.Join(errs...)
}

type matcher struct {
	kind  MatcherType
	value string
	re    *regexp.Regexp
}

// Policy is an immutable retry policy.
type Policy struct {
	maxRetries int
	initial    time.Duration
	max        time.Duration
	multiplier float64
	jitter     bool
	matchers   []matcher
}

// NewPolicy validates cfg and builds a Policy.
func NewPolicy(cfg PolicyConfig) (*Policy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Policy{
		maxRetries: cfg.MaxRetries,
		initial:    time.Duration(cfg.RetryBackoffMs) * time.Millisecond,
		max:        time.Duration(cfg.MaxBackoffMs) * time.Millisecond,
		multiplier: cfg.Multiplier,
		jitter:     cfg.Jitter,
	}
	for _, m := range cfg.RetryableErrors {
		mm := matcher{kind: m.Type, value: m.Value}
		if m.Type == MatchRegex {
			mm.re = regexp.MustCompile(m.Value)
		}
		p.matchers = append(p.matchers, mm)
	}
	return p, nil
}

// MaxRetries returns the number of retries after the first attempt.
func (p *Policy) MaxRetries() int { return p.maxRetries }

// MaxAttempts returns the total number of attempts allowed.
func (p *Policy) MaxAttempts() int { return p.maxRetries + 1 }

// IsRetryable reports whether err should be retried. A policy without
// matchers retries everything.
func (p *Policy) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	if len(p.matchers) == 0 {
		return true
	}

	code := ErrorCode(err)
	typeName := fmt.Sprintf("%T", err)
	msg := err.Error()
	for _, m := range p.matchers {
		switch m.kind {
		case MatchCode:
			if m.value == code || m.value == typeName {
				return true
			}
		case MatchContains:
			if strings.Contains(msg, m.value) {
				return true
			}
		case MatchRegex:
			if m.re.MatchString(msg) {
				return true
			}
		}
	}
	return false
}

// Backoff returns the wait before retry number attempt (0 for the first
// retry). rnd returns a uniform value in [0, 1) and is only consulted when
// jitter is enabled.
func (p *Policy) Backoff(attempt int, rnd func() float64) time.Duration {
	base := float64(p.initial) * math.Pow(p.multiplier, float64(attempt))
	if base > float64(p.max) {
		base = float64(p.max)
	}
	if p.jitter && rnd != nil {
		// uniform in [0.75, 1.25)
		base *= 0.75 + 0.5*rnd()
	}
	if base > float64(p.max) {
		base = float64(p.max)
	}
	return time.Duration(base)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as never retryable regardless of matchers.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// ErrorCode extracts the code of err, or "" when it carries none.
func ErrorCode(err error) string {
	var c Coder
	if errors.As(err, &c) {
		return c.ErrorCode()
	}
	return ""
}
