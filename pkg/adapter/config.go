package adapter

import (
	"strings"
	"time"

	"github.com/crossdb-io/crossdb/pkg/dbcapabilities"
)

// IsolationLevel is the transaction visibility guarantee requested at
// transaction start. The zero value leaves the engine default in place.
type IsolationLevel string

const (
	IsolationDefault         IsolationLevel = ""
	IsolationReadUncommitted IsolationLevel = "read uncommitted"
	IsolationReadCommitted   IsolationLevel = "read committed"
	IsolationRepeatableRead  IsolationLevel = "repeatable read"
	IsolationSerializable    IsolationLevel = "serializable"
)

// SQL returns the isolation level in the form SQL engines expect.
func (l IsolationLevel) SQL() string {
	return strings.ToUpper(string(l))
}

// Valid reports whether the isolation level is a known value.
func (l IsolationLevel) Valid() bool {
	switch l {
	case IsolationDefault, IsolationReadUncommitted, IsolationReadCommitted,
		IsolationRepeatableRead, IsolationSerializable:
		return true
	}
	return false
}

// TxOptions configures a transaction.
type TxOptions struct {
	Isolation IsolationLevel
	ReadOnly  bool
}

// PoolConfig configures the connection pool of one adapter.
type PoolConfig struct {
	MinConnections int           `json:"minConnections" mapstructure:"min_connections"`
	MaxConnections int           `json:"maxConnections" mapstructure:"max_connections"`
	ConnectTimeout time.Duration `json:"connectTimeout" mapstructure:"connect_timeout"`
	IdleTimeout    time.Duration `json:"idleTimeout" mapstructure:"idle_timeout"`
	MaxLifetime    time.Duration `json:"maxLifetime" mapstructure:"max_lifetime"`
	RetryAttempts  int           `json:"retryAttempts" mapstructure:"retry_attempts"`
	RetryDelay     time.Duration `json:"retryDelay" mapstructure:"retry_delay"`
}

// DefaultPoolConfig returns the pool configuration used when none is supplied.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MinConnections: 1,
		MaxConnections: 10,
		ConnectTimeout: 10 * time.Second,
		IdleTimeout:    5 * time.Minute,
		MaxLifetime:    30 * time.Minute,
		RetryAttempts:  3,
		RetryDelay:     500 * time.Millisecond,
	}
}

// Validate checks the pool configuration invariants.
func (c PoolConfig) Validate(engine dbcapabilities.DatabaseID) error {
	if c.MinConnections < 0 {
		return NewConfigurationError(engine, "minConnections", "must not be negative")
	}
	if c.MaxConnections < 1 {
		return NewConfigurationError(engine, "maxConnections", "must be at least 1")
	}
	if c.MaxConnections < c.MinConnections {
		return NewConfigurationError(engine, "maxConnections", "must be >= minConnections")
	}
	if c.ConnectTimeout < 0 || c.IdleTimeout < 0 || c.MaxLifetime < 0 || c.RetryDelay < 0 {
		return NewConfigurationError(engine, "timeouts", "must not be negative")
	}
	if c.RetryAttempts < 0 {
		return NewConfigurationError(engine, "retryAttempts", "must not be negative")
	}
	return nil
}

// withDefaults fills zero-valued fields from DefaultPoolConfig.
// MinConnections stays as configured; zero is a valid choice there.
func (c PoolConfig) withDefaults() PoolConfig {
	def := DefaultPoolConfig()
	if c.MaxConnections == 0 {
		c.MaxConnections = def.MaxConnections
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.MaxLifetime == 0 {
		c.MaxLifetime = def.MaxLifetime
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = def.RetryDelay
	}
	return c
}

// ConnectionConfig contains the configuration for one named database.
// This is a unified configuration that works across all engines; fields
// that do not apply to an engine are ignored by its adapter.
type ConnectionConfig struct {
	// Identity
	DatabaseID string `json:"databaseId,omitempty" mapstructure:"database_id"`
	Name       string `json:"name,omitempty" mapstructure:"name"`

	// Engine identifier, e.g. "postgres", "mysql" (aliases accepted)
	Engine string `json:"engine" mapstructure:"engine"`

	// Connection details
	Host         string `json:"host,omitempty" mapstructure:"host"`
	Port         int    `json:"port,omitempty" mapstructure:"port"`
	Username     string `json:"username,omitempty" mapstructure:"username"`
	Password     string `json:"password,omitempty" mapstructure:"password"`
	DatabaseName string `json:"databaseName" mapstructure:"database_name"`

	// FilePath addresses file-based engines (SQLite). ":memory:" is accepted.
	FilePath string `json:"filePath,omitempty" mapstructure:"file_path"`

	// SSL/TLS configuration
	SSL         bool   `json:"ssl,omitempty" mapstructure:"ssl"`
	SSLMode     string `json:"sslMode,omitempty" mapstructure:"ssl_mode"`
	SSLCert     string `json:"sslCert,omitempty" mapstructure:"ssl_cert"`
	SSLKey      string `json:"sslKey,omitempty" mapstructure:"ssl_key"`
	SSLRootCert string `json:"sslRootCert,omitempty" mapstructure:"ssl_root_cert"`

	// Pool configuration; zero-valued fields take defaults.
	Pool PoolConfig `json:"pool,omitempty" mapstructure:"pool"`

	// DefaultIsolation applies to transactions that do not request a level.
	DefaultIsolation IsolationLevel `json:"defaultIsolation,omitempty" mapstructure:"default_isolation"`

	// HealthCheckInterval overrides the manager-wide interval for this database.
	HealthCheckInterval time.Duration `json:"healthCheckInterval,omitempty" mapstructure:"health_check_interval"`

	// Engine-specific options (use sparingly)
	Options map[string]interface{} `json:"options,omitempty" mapstructure:"options"`
}

// EngineID resolves the configured engine name to its canonical identifier.
func (c ConnectionConfig) EngineID() (dbcapabilities.DatabaseID, bool) {
	return dbcapabilities.ParseID(c.Engine)
}

// Validate checks the connection configuration for the given engine.
func (c ConnectionConfig) Validate() error {
	id, ok := c.EngineID()
	if !ok {
		return NewConfigurationError(dbcapabilities.DatabaseID(c.Engine), "engine", "unknown database engine")
	}

	cap := dbcapabilities.MustGet(id)
	if cap.FileBased {
		if c.FilePath == "" && c.DatabaseName == "" {
			return NewConfigurationError(id, "filePath", "file-based engine requires a file path")
		}
	} else {
		if c.Host == "" {
			return NewConfigurationError(id, "host", "host is required")
		}
		if c.DatabaseName == "" {
			return NewConfigurationError(id, "databaseName", "database name is required")
		}
	}

	if !c.DefaultIsolation.Valid() {
		return NewConfigurationError(id, "defaultIsolation", "unknown isolation level")
	}

	return c.Pool.Validate(id)
}

// PoolOrDefault returns the pool configuration with defaults applied.
func (c ConnectionConfig) PoolOrDefault() PoolConfig {
	return c.Pool.withDefaults()
}

// PortOrDefault returns the configured port, falling back to the
// engine's default port.
func (c ConnectionConfig) PortOrDefault(cap dbcapabilities.Capability) int {
	if c.Port != 0 {
		return c.Port
	}
	return cap.DefaultPort
}
