package ldappool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/netresearch/ldappool/internal/pool"
)

// LDAPError represents an enhanced error with rich context for LDAP operations.
// It wraps underlying errors while providing operation-specific context for debugging.
type LDAPError struct {
	// Op is the operation name (e.g., "Dial", "Bind", "StartTLS")
	Op string
	// DN is the distinguished name involved in the operation (if applicable)
	DN string
	// Server is the LDAP server URL
	Server string
	// Code is the LDAP result code (if applicable)
	Code int
	// Err is the underlying error
	Err error
	// Context contains additional context information for debugging
	Context map[string]interface{}
	// Timestamp indicates when the error occurred
	Timestamp time.Time
}

// Error implements the error interface, providing a formatted error message.
func (e *LDAPError) Error() string {
	if e.DN != "" {
		return fmt.Sprintf("ldap %s failed for DN %q on server %q: %v", e.Op, e.DN, e.Server, e.Err)
	}
	return fmt.Sprintf("ldap %s failed on server %q: %v", e.Op, e.Server, e.Err)
}

// Unwrap implements the Go 1.13+ error unwrapping interface.
func (e *LDAPError) Unwrap() error {
	return e.Err
}

// Is implements the Go 1.13+ error comparison interface for compatibility with errors.Is.
func (e *LDAPError) Is(target error) bool {
	if ldapErr, ok := target.(*LDAPError); ok {
		return e.Op == ldapErr.Op && e.Code == ldapErr.Code
	}
	return errors.Is(e.Err, target)
}

// Sentinel errors for pool and connection failures.
var (
	// ErrPoolClosed is returned when attempting to use a closed pool manager
	ErrPoolClosed = errors.New("ldappool: pool is closed")
	// ErrPoolTimeout is returned when Get waited past its acquire timeout
	ErrPoolTimeout = pool.ErrCapacityTimeout
	// ErrInterrupted is returned when the context of a waiting Get is done
	ErrInterrupted = pool.ErrInterrupted
	// ErrInvalidIdentity is returned for identities that cannot be dialed
	ErrInvalidIdentity = errors.New("ldappool: invalid identity")
	// ErrNotPooled is returned by Pin for identities the config does not pool
	ErrNotPooled = errors.New("ldappool: identity is not eligible for pooling")

	// Connection errors
	ErrConnectionFailed  = errors.New("ldap: connection failed")
	ErrServerUnavailable = errors.New("ldap: server unavailable")

	// Authentication errors
	ErrAuthenticationFailed = errors.New("ldap: authentication failed")
	ErrInvalidCredentials   = errors.New("ldap: invalid credentials")

	// Context errors
	ErrContextCancelled        = errors.New("ldap: context cancelled")
	ErrContextDeadlineExceeded = errors.New("ldap: context deadline exceeded")
)

// CreationError reports that a new pooled connection could not be dialed or
// bound. It is never retried by the pool.
type CreationError = pool.CreationError

// CircuitBreakerError is returned instead of dialing while the dial circuit is open.
type CircuitBreakerError struct {
	State       string
	Failures    int
	LastFailure time.Time
	NextRetry   time.Time
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker is %s after %d failures, next retry at %s",
		e.State, e.Failures, e.NextRetry.Format(time.RFC3339))
}

// Is matches ErrServerUnavailable so callers can treat an open circuit as a
// down server.
func (e *CircuitBreakerError) Is(target error) bool {
	return target == ErrServerUnavailable
}

// ConfigError reports an invalid configuration value.
type ConfigError struct {
	Field   string
	Message string
}

func (c *ConfigError) Error() string {
	return fmt.Sprintf("ldappool: invalid config %s: %s", c.Field, c.Message)
}

// NewConfigError creates a new configuration error.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

// NewLDAPError creates a new enhanced LDAP error with the specified context.
func NewLDAPError(op, server string, err error) *LDAPError {
	return &LDAPError{
		Op:        op,
		Server:    server,
		Err:       err,
		Context:   make(map[string]interface{}),
		Timestamp: time.Now(),
	}
}

// WithDN adds a distinguished name to the error context.
func (e *LDAPError) WithDN(dn string) *LDAPError {
	e.DN = dn
	return e
}

// WithCode adds an LDAP result code to the error context.
func (e *LDAPError) WithCode(code int) *LDAPError {
	e.Code = code
	return e
}

// WithContext adds additional context information to the error.
func (e *LDAPError) WithContext(key string, value interface{}) *LDAPError {
	e.Context[key] = value
	return e
}

// WrapLDAPError wraps an error with LDAP-specific context information.
// This function analyzes the underlying error to extract LDAP-specific information
// and classify the error type for proper handling.
func WrapLDAPError(op, server string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, errors.Join(ErrContextCancelled, err))
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, errors.Join(ErrContextDeadlineExceeded, err))
	}

	var ldapErr *ldap.Error
	if errors.As(err, &ldapErr) {
		return classifyLDAPError(op, server, ldapErr)
	}

	return NewLDAPError(op, server, err).WithContext("error_type", "connection")
}

// classifyLDAPError analyzes LDAP result codes and classifies errors appropriately.
func classifyLDAPError(op, server string, ldapErr *ldap.Error) error {
	ldapError := NewLDAPError(op, server, ldapErr).WithCode(int(ldapErr.ResultCode))

	switch ldapErr.ResultCode {
	case ldap.LDAPResultInvalidCredentials:
		return ldapError.WithContext("error_type", "authentication")
	case ldap.LDAPResultInsufficientAccessRights, ldap.LDAPResultInappropriateAuthentication:
		return ldapError.WithContext("error_type", "authorization")
	case ldap.LDAPResultUnwillingToPerform:
		return ldapError.WithContext("error_type", "account_disabled")
	case ldap.LDAPResultUnavailable, ldap.LDAPResultServerDown, ldap.ErrorNetwork:
		return ldapError.WithContext("error_type", "server_unavailable")
	case ldap.LDAPResultTimeLimitExceeded:
		return ldapError.WithContext("error_type", "timeout")
	case ldap.LDAPResultBusy:
		return ldapError.WithContext("error_type", "server_busy")
	case ldap.LDAPResultProtocolError:
		return ldapError.WithContext("error_type", "protocol_error")
	default:
		return ldapError.WithContext("error_type", "unknown")
	}
}

// IsAuthenticationError checks if the error is related to authentication failure.
func IsAuthenticationError(err error) bool {
	if errors.Is(err, ErrAuthenticationFailed) || errors.Is(err, ErrInvalidCredentials) {
		return true
	}

	var enhancedErr *LDAPError
	if errors.As(err, &enhancedErr) {
		switch enhancedErr.Context["error_type"] {
		case "authentication", "authorization", "account_disabled":
			return true
		}
	}
	return false
}

// IsConnectionError checks if the error is related to connection issues.
func IsConnectionError(err error) bool {
	if errors.Is(err, ErrConnectionFailed) || errors.Is(err, ErrServerUnavailable) {
		return true
	}

	var enhancedErr *LDAPError
	if errors.As(err, &enhancedErr) {
		switch enhancedErr.Context["error_type"] {
		case "connection", "server_unavailable", "server_busy":
			return true
		}
	}
	return false
}

// IsTimeoutError reports whether Get gave up waiting for pool capacity.
func IsTimeoutError(err error) bool {
	return errors.Is(err, ErrPoolTimeout)
}

// IsInterruptedError reports whether a waiting Get was interrupted by its context.
func IsInterruptedError(err error) bool {
	return errors.Is(err, ErrInterrupted)
}

// IsCreationError reports whether a new connection could not be created.
func IsCreationError(err error) bool {
	var creationErr *CreationError
	return errors.As(err, &creationErr)
}

// GetLDAPResultCode extracts the LDAP result code from an error, if available.
// Returns -1 if no LDAP result code is found.
func GetLDAPResultCode(err error) int {
	var enhancedErr *LDAPError
	if errors.As(err, &enhancedErr) && enhancedErr.Code != 0 {
		return enhancedErr.Code
	}

	var ldapErr *ldap.Error
	if errors.As(err, &ldapErr) {
		return int(ldapErr.ResultCode)
	}
	return -1
}
