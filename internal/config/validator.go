package config

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "ack.max_retries")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidStrategies returns the list of valid consensus strategies
func ValidStrategies() []string {
	return []string{StrategySimpleMajority, StrategyEvidenceBased}
}

// ValidTransports returns the list of valid transports
func ValidTransports() []string {
	return []string{TransportFile, TransportTmux}
}

const (
	maxRateLimit  = 10000
	maxRetries    = 20
	maxLogSizeMB  = 1000
	minStaleAfter = time.Second
)

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError

	errs = append(errs, c.validateState()...)
	errs = append(errs, c.validateLocks()...)
	errs = append(errs, c.validateMessaging()...)
	errs = append(errs, c.validateAck()...)
	errs = append(errs, c.validateConsensus()...)
	errs = append(errs, c.validateScheduler()...)
	errs = append(errs, c.validateLogging()...)

	return errs
}

func (c *Config) validateState() []ValidationError {
	var errs []ValidationError
	if strings.TrimSpace(c.State.Dir) == "" {
		errs = append(errs, ValidationError{
			Field:   "state.dir",
			Value:   c.State.Dir,
			Message: "cannot be empty",
		})
	}
	if strings.ContainsRune(c.State.Dir, 0) {
		errs = append(errs, ValidationError{
			Field:   "state.dir",
			Value:   c.State.Dir,
			Message: "path contains invalid null character",
		})
	}
	return errs
}

func (c *Config) validateLocks() []ValidationError {
	var errs []ValidationError
	if c.Locks.StaleAfter < minStaleAfter {
		errs = append(errs, ValidationError{
			Field:   "locks.stale_after",
			Value:   c.Locks.StaleAfter,
			Message: fmt.Sprintf("must be at least %s", minStaleAfter),
		})
	}
	if strings.ContainsRune(c.Locks.Root, 0) {
		errs = append(errs, ValidationError{
			Field:   "locks.root",
			Value:   c.Locks.Root,
			Message: "path contains invalid null character",
		})
	}
	return errs
}

func (c *Config) validateMessaging() []ValidationError {
	var errs []ValidationError
	m := c.Messaging

	if m.RateLimit < 1 {
		errs = append(errs, ValidationError{
			Field:   "messaging.rate_limit",
			Value:   m.RateLimit,
			Message: "must be at least 1",
		})
	} else if m.RateLimit > maxRateLimit {
		errs = append(errs, ValidationError{
			Field:   "messaging.rate_limit",
			Value:   m.RateLimit,
			Message: fmt.Sprintf("exceeds maximum of %d", maxRateLimit),
		})
	}
	if m.RateWindow <= 0 {
		errs = append(errs, ValidationError{
			Field:   "messaging.rate_window",
			Value:   m.RateWindow,
			Message: "must be positive",
		})
	}
	if !slices.Contains(ValidTransports(), m.Transport) {
		errs = append(errs, ValidationError{
			Field:   "messaging.transport",
			Value:   m.Transport,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidTransports(), ", ")),
		})
	}
	return errs
}

func (c *Config) validateAck() []ValidationError {
	var errs []ValidationError
	if c.Ack.Timeout <= 0 {
		errs = append(errs, ValidationError{
			Field:   "ack.timeout",
			Value:   c.Ack.Timeout,
			Message: "must be positive",
		})
	}
	if c.Ack.MaxRetries < 0 {
		errs = append(errs, ValidationError{
			Field:   "ack.max_retries",
			Value:   c.Ack.MaxRetries,
			Message: "must be non-negative",
		})
	} else if c.Ack.MaxRetries > maxRetries {
		errs = append(errs, ValidationError{
			Field:   "ack.max_retries",
			Value:   c.Ack.MaxRetries,
			Message: fmt.Sprintf("exceeds maximum of %d", maxRetries),
		})
	}
	return errs
}

func (c *Config) validateConsensus() []ValidationError {
	var errs []ValidationError
	if !slices.Contains(ValidStrategies(), c.Consensus.Strategy) {
		errs = append(errs, ValidationError{
			Field:   "consensus.strategy",
			Value:   c.Consensus.Strategy,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidStrategies(), ", ")),
		})
	}
	if c.Consensus.PollInterval <= 0 {
		errs = append(errs, ValidationError{
			Field:   "consensus.poll_interval",
			Value:   c.Consensus.PollInterval,
			Message: "must be positive",
		})
	}
	if c.Consensus.DefaultTimeout <= 0 {
		errs = append(errs, ValidationError{
			Field:   "consensus.default_timeout",
			Value:   c.Consensus.DefaultTimeout,
			Message: "must be positive",
		})
	}
	return errs
}

func (c *Config) validateScheduler() []ValidationError {
	var errs []ValidationError
	if c.Scheduler.RetryInterval <= 0 {
		errs = append(errs, ValidationError{
			Field:   "scheduler.retry_interval",
			Value:   c.Scheduler.RetryInterval,
			Message: "must be positive",
		})
	}
	if c.Scheduler.SweepInterval <= 0 {
		errs = append(errs, ValidationError{
			Field:   "scheduler.sweep_interval",
			Value:   c.Scheduler.SweepInterval,
			Message: "must be positive",
		})
	}
	return errs
}

func (c *Config) validateLogging() []ValidationError {
	var errs []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}
	if c.Logging.MaxSizeMB < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be non-negative (0 disables rotation)",
		})
	} else if c.Logging.MaxSizeMB > maxLogSizeMB {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %dMB", maxLogSizeMB),
		})
	}
	if c.Logging.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}
	return errs
}
