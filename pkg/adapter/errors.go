package adapter

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/crossdb-io/crossdb/pkg/dbcapabilities"
)

// Standard adapter errors. Engine code wraps native driver failures into
// one of these kinds so callers can branch with errors.Is regardless of
// the engine involved.
var (
	// ErrOperationNotSupported is returned when an operation is not supported by the engine.
	ErrOperationNotSupported = errors.New("operation not supported by this database")

	// ErrConnectionFailed is returned when a connection attempt fails.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrConnectionClosed is returned when attempting to use a closed connection or pool.
	ErrConnectionClosed = errors.New("connection is closed")

	// ErrPoolExhausted is returned when every permitted connection is in use.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrAuthenticationFailed is returned when credentials are rejected.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrInvalidConfiguration is returned when the configuration is invalid.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrInvalidQuery is returned when a statement is malformed or rejected.
	ErrInvalidQuery = errors.New("invalid query")

	// ErrMissingParameter is returned when a named placeholder has no
	// matching entry in the parameter map.
	ErrMissingParameter = errors.New("missing named parameter")

	// ErrAdapterNotFound is returned when no adapter is registered for an engine.
	ErrAdapterNotFound = errors.New("adapter not found")

	// ErrTransactionClosed is returned for operations on a committed or
	// rolled back transaction context.
	ErrTransactionClosed = errors.New("transaction already resolved")

	// ErrSavepointNotFound is returned when a savepoint name is not on the stack.
	ErrSavepointNotFound = errors.New("savepoint not found")

	// ErrTimeout is returned when an operation exceeds its deadline.
	ErrTimeout = errors.New("operation timed out")

	// ErrIntegrityViolation is returned when a constraint is violated.
	ErrIntegrityViolation = errors.New("integrity constraint violation")
)

// DatabaseError wraps engine-specific errors with operation context.
// This provides a consistent error structure across all engines.
type DatabaseError struct {
	Engine    dbcapabilities.DatabaseID
	Operation string
	Timestamp time.Time
	Cause     error
	Context   map[string]interface{}
}

// Error implements the error interface.
func (e *DatabaseError) Error() string {
	if len(e.Context) > 0 {
		return fmt.Sprintf("[%s] %s: %v (context: %v)", e.Engine, e.Operation, e.Cause, e.Context)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Engine, e.Operation, e.Cause)
}

// Unwrap returns the underlying error.
func (e *DatabaseError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error.
func (e *DatabaseError) Is(target error) bool {
	return errors.Is(e.Cause, target)
}

// NewDatabaseError creates a new DatabaseError stamped with the current
// time.
func NewDatabaseError(engine dbcapabilities.DatabaseID, operation string, cause error) *DatabaseError {
	return &DatabaseError{
		Engine:    engine,
		Operation: operation,
		Timestamp: time.Now(),
		Cause:     cause,
		Context:   make(map[string]interface{}),
	}
}

// WithContext adds context to a DatabaseError.
func (e *DatabaseError) WithContext(key string, value interface{}) *DatabaseError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// ConnectionError is returned when establishing or using a connection fails.
type ConnectionError struct {
	Engine dbcapabilities.DatabaseID
	Host   string
	Port   int
	Cause  error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	if e.Host == "" {
		return fmt.Sprintf("failed to connect to %s: %v", e.Engine, e.Cause)
	}
	return fmt.Sprintf("failed to connect to %s at %s:%d: %v", e.Engine, e.Host, e.Port, e.Cause)
}

// Unwrap returns the underlying error.
func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// Is checks if the error is ErrConnectionFailed.
func (e *ConnectionError) Is(target error) bool {
	if errors.Is(target, ErrConnectionFailed) {
		return true
	}
	return errors.Is(e.Cause, target)
}

// NewConnectionError creates a new ConnectionError.
func NewConnectionError(engine dbcapabilities.DatabaseID, host string, port int, cause error) *ConnectionError {
	return &ConnectionError{
		Engine: engine,
		Host:   host,
		Port:   port,
		Cause:  cause,
	}
}

// ConfigurationError is returned when a configuration is invalid.
type ConfigurationError struct {
	Engine dbcapabilities.DatabaseID
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid configuration for %s: field '%s': %s", e.Engine, e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid configuration for %s: %s", e.Engine, e.Reason)
}

// Is checks if the error is ErrInvalidConfiguration.
func (e *ConfigurationError) Is(target error) bool {
	return errors.Is(target, ErrInvalidConfiguration)
}

// NewConfigurationError creates a new ConfigurationError.
func NewConfigurationError(engine dbcapabilities.DatabaseID, field, reason string) *ConfigurationError {
	return &ConfigurationError{
		Engine: engine,
		Field:  field,
		Reason: reason,
	}
}

// TransactionError is returned for illegal transaction state transitions:
// operations on a resolved context, unknown savepoint references, or
// engine failures during commit or rollback.
type TransactionError struct {
	Engine        dbcapabilities.DatabaseID
	TransactionID string
	Operation     string
	Cause         error
}

// Error implements the error interface.
func (e *TransactionError) Error() string {
	return fmt.Sprintf("[%s] transaction %s: %s: %v", e.Engine, e.TransactionID, e.Operation, e.Cause)
}

// Unwrap returns the underlying error.
func (e *TransactionError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error.
func (e *TransactionError) Is(target error) bool {
	return errors.Is(e.Cause, target)
}

// NewTransactionError creates a new TransactionError.
func NewTransactionError(engine dbcapabilities.DatabaseID, txID, operation string, cause error) *TransactionError {
	return &TransactionError{
		Engine:        engine,
		TransactionID: txID,
		Operation:     operation,
		Cause:         cause,
	}
}

// QueryError is returned when a statement is rejected by the engine.
// Query carries the sanitized statement text.
type QueryError struct {
	Engine dbcapabilities.DatabaseID
	Query  string
	Cause  error
}

// Error implements the error interface.
func (e *QueryError) Error() string {
	return fmt.Sprintf("[%s] query failed: %v (query: %s)", e.Engine, e.Cause, e.Query)
}

// Unwrap returns the underlying error.
func (e *QueryError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error.
func (e *QueryError) Is(target error) bool {
	if errors.Is(target, ErrInvalidQuery) {
		return true
	}
	return errors.Is(e.Cause, target)
}

// NewQueryError creates a new QueryError with the statement text sanitized.
func NewQueryError(engine dbcapabilities.DatabaseID, query string, cause error) *QueryError {
	return &QueryError{
		Engine: engine,
		Query:  SanitizeQuery(query),
		Cause:  cause,
	}
}

// UnsupportedOperationError is returned when an operation is not
// supported by the engine, e.g. savepoints on a document store.
type UnsupportedOperationError struct {
	Engine    dbcapabilities.DatabaseID
	Operation string
	Reason    string
}

// Error implements the error interface.
func (e *UnsupportedOperationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s does not support %s: %s", e.Engine, e.Operation, e.Reason)
	}
	return fmt.Sprintf("%s does not support %s", e.Engine, e.Operation)
}

// Is checks if the error is ErrOperationNotSupported.
func (e *UnsupportedOperationError) Is(target error) bool {
	return errors.Is(target, ErrOperationNotSupported)
}

// NewUnsupportedOperationError creates a new UnsupportedOperationError.
func NewUnsupportedOperationError(engine dbcapabilities.DatabaseID, operation, reason string) *UnsupportedOperationError {
	return &UnsupportedOperationError{
		Engine:    engine,
		Operation: operation,
		Reason:    reason,
	}
}

// WrapError wraps an error with engine and operation context.
// If the error is already a DatabaseError, it returns it as-is.
func WrapError(engine dbcapabilities.DatabaseID, operation string, err error) error {
	if err == nil {
		return nil
	}

	// Don't double-wrap
	var dbErr *DatabaseError
	if errors.As(err, &dbErr) {
		return err
	}

	return NewDatabaseError(engine, operation, err)
}

// classifyKeywords maps driver error message fragments to taxonomy kinds,
// checked in order: the first match wins.
var classifyKeywords = []struct {
	fragments []string
	kind      error
}{
	{[]string{"authentication", "access denied", "password", "auth"}, ErrAuthenticationFailed},
	{[]string{"timeout", "timed out", "deadline exceeded"}, ErrTimeout},
	{[]string{"duplicate", "unique constraint", "integrity", "constraint"}, ErrIntegrityViolation},
	{[]string{"connection refused", "connection reset", "broken pipe", "no such host", "unreachable", "connection"}, ErrConnectionFailed},
	{[]string{"syntax", "parse error"}, ErrInvalidQuery},
}

// Classify inspects an unknown driver error and folds it into the
// taxonomy by message keywords. Errors already carrying a taxonomy kind
// pass through unchanged.
func Classify(engine dbcapabilities.DatabaseID, operation string, err error) error {
	if err == nil {
		return nil
	}

	for _, kind := range []error{
		ErrOperationNotSupported, ErrConnectionFailed, ErrConnectionClosed,
		ErrPoolExhausted, ErrAuthenticationFailed, ErrInvalidConfiguration,
		ErrInvalidQuery, ErrTransactionClosed, ErrSavepointNotFound,
		ErrTimeout, ErrIntegrityViolation,
	} {
		if errors.Is(err, kind) {
			return err
		}
	}

	msg := strings.ToLower(err.Error())
	for _, entry := range classifyKeywords {
		for _, fragment := range entry.fragments {
			if strings.Contains(msg, fragment) {
				return NewDatabaseError(engine, operation, fmt.Errorf("%w: %v", entry.kind, err))
			}
		}
	}

	return NewDatabaseError(engine, operation, err)
}

// credentialPattern matches password/token-like assignments in query
// text. Values are masked before the text reaches an error or a log.
var credentialPattern = regexp.MustCompile(`(?i)(password|passwd|pwd|secret|token|api_key|apikey)("?\s*(?:=>|=|:)\s*|\s+)('[^']*'|"[^"]*"|\S+)`)

// SanitizeQuery masks password and token-like values in a statement so
// the text is safe to include in errors and logs.
func SanitizeQuery(query string) string {
	return credentialPattern.ReplaceAllString(query, "$1$2'***'")
}
