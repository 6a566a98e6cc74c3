// Package errors provides the error taxonomy shared by the page codec,
// the pager and the re-key transaction.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common cases
var (
	// ErrConfiguration indicates an invalid codec or pager configuration
	ErrConfiguration = errors.New("invalid configuration")
	// ErrAuthentication indicates a page failed its integrity check
	ErrAuthentication = errors.New("page authentication failed")
	// ErrTransaction indicates a re-key transaction was rolled back
	ErrTransaction = errors.New("transaction rolled back")
	// ErrInterrupted indicates an operation observed an interrupt request
	ErrInterrupted = errors.New("interrupted")
	// ErrReadOnly indicates a write was attempted on a read-only database
	ErrReadOnly = errors.New("database is read-only")
	// ErrInvalidInput indicates invalid input or validation failure
	ErrInvalidInput = errors.New("invalid input")
	// ErrUnsupported indicates an unsupported operation or format
	ErrUnsupported = errors.New("unsupported")
	// ErrNotADatabase indicates page 1 did not decode to a database header
	ErrNotADatabase = errors.New("file is not a database")
)

// ConfigurationError is raised at attach or page size change time when
// the codec cannot operate with the given parameters.
type ConfigurationError struct {
	Setting string // Setting at fault (e.g., "page_size", "reserved_bytes")
	Value   string // Offending value
	Reason  string // Human-readable reason
	Err     error  // Underlying error, if any
}

func (e *ConfigurationError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("invalid %s %s: %s", e.Setting, e.Value, e.Reason)
	}
	return fmt.Sprintf("invalid %s: %s", e.Setting, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrConfiguration
}

// Is reports ErrConfiguration even when an underlying error is set.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// AuthenticationError reports a page whose MAC did not verify. The page
// buffer has already been zeroed when this error is returned.
type AuthenticationError struct {
	Page uint32
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("page %d: %v", e.Page, ErrAuthentication)
}

func (e *AuthenticationError) Unwrap() error {
	return ErrAuthentication
}

// TransactionError reports a re-key that was aborted and rolled back.
type TransactionError struct {
	Op   string // Phase that failed (e.g., "scan", "commit")
	Page uint32 // Page being processed, 0 if none
	Err  error  // Cause of the rollback
}

func (e *TransactionError) Error() string {
	if e.Page != 0 {
		return fmt.Sprintf("rekey %s failed at page %d: %v", e.Op, e.Page, e.Err)
	}
	return fmt.Sprintf("rekey %s failed: %v", e.Op, e.Err)
}

func (e *TransactionError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrTransaction, e.Err}
	}
	return []error{ErrTransaction}
}

// ValidationError represents an input validation error with context
type ValidationError struct {
	Field   string // Field name that failed validation
	Value   string // Value that failed validation (may be redacted)
	Message string // Human-readable error message
	Err     error  // Underlying error, if any
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

func (e *ValidationError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrInvalidInput
}

// IOError represents an I/O operation error with context
type IOError struct {
	Operation string // Operation being performed (e.g., "read", "write", "sync")
	Path      string // File path involved
	Err       error  // Underlying error
}

func (e *IOError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("failed to %s %s: %v", e.Operation, e.Path, e.Err)
	}
	return fmt.Sprintf("failed to %s: %v", e.Operation, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// UnsupportedError represents an unsupported feature or format
type UnsupportedError struct {
	Feature string // Feature or format that is unsupported
	Reason  string // Why it's not supported
	Err     error  // Underlying error, if any
}

func (e *UnsupportedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("unsupported %s: %s", e.Feature, e.Reason)
	}
	return fmt.Sprintf("unsupported %s", e.Feature)
}

func (e *UnsupportedError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrUnsupported
}

// Helper functions for creating common errors

// NewConfiguration creates a ConfigurationError
func NewConfiguration(setting, value, reason string) *ConfigurationError {
	return &ConfigurationError{
		Setting: setting,
		Value:   value,
		Reason:  reason,
	}
}

// NewAuthentication creates an AuthenticationError for a page
func NewAuthentication(pgno uint32) *AuthenticationError {
	return &AuthenticationError{Page: pgno}
}

// NewTransaction creates a TransactionError
func NewTransaction(op string, pgno uint32, err error) *TransactionError {
	return &TransactionError{
		Op:   op,
		Page: pgno,
		Err:  err,
	}
}

// NewValidation creates a ValidationError
func NewValidation(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// NewIO creates an IOError
func NewIO(operation, path string, err error) *IOError {
	return &IOError{
		Operation: operation,
		Path:      path,
		Err:       err,
	}
}

// NewUnsupported creates an UnsupportedError
func NewUnsupported(feature, reason string) *UnsupportedError {
	return &UnsupportedError{
		Feature: feature,
		Reason:  reason,
	}
}

// New returns an error with the given text, as errors.New.
func New(text string) error {
	return errors.New(text)
}

// Wrap adds context to an error. If err is nil, returns nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf adds formatted context to an error. If err is nil, returns nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	message := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", message, err)
}

// Is wraps errors.Is for convenience
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As wraps errors.As for convenience
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Join wraps errors.Join for convenience
func Join(errs ...error) error {
	return errors.Join(errs...)
}
