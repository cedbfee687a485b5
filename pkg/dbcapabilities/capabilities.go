package dbcapabilities

import "strings"

// DatabaseID is the canonical identifier for a database engine supported
// by crossdb. Use these constants to look up capability information.
type DatabaseID string

const (
	PostgreSQL DatabaseID = "postgres"
	MySQL      DatabaseID = "mysql"
	SQLite     DatabaseID = "sqlite"
	MongoDB    DatabaseID = "mongodb"
)

// DataParadigm enumerates the primary data storage paradigms an engine
// supports.
type DataParadigm string

const (
	ParadigmRelational DataParadigm = "relational" // Tables, schemas, SQL
	ParadigmDocument   DataParadigm = "document"   // Collections, documents
)

// PlaceholderStyle describes the native bind-parameter syntax of an
// engine. Named parameters (":name") are rewritten to this style before
// dispatch.
type PlaceholderStyle string

const (
	PlaceholderDollar   PlaceholderStyle = "dollar"   // $1, $2, ... (PostgreSQL)
	PlaceholderQuestion PlaceholderStyle = "question" // ? (MySQL, SQLite)
	PlaceholderDocument PlaceholderStyle = "document" // structured documents (MongoDB)
)

// Capability describes what a database engine supports.
type Capability struct {
	ID          DatabaseID
	Name        string
	Paradigm    DataParadigm
	DefaultPort int

	// Placeholder is the native bind-parameter style of the engine.
	Placeholder PlaceholderStyle

	// HasTransactions reports whether the engine supports multi-statement
	// transactions at all.
	HasTransactions bool

	// HasSavepoints reports whether the engine supports named savepoints
	// within a transaction. Document stores do not; savepoint primitives
	// must fail rather than silently no-op.
	HasSavepoints bool

	// HasIsolationLevels reports whether the engine honors requested
	// transaction isolation levels.
	HasIsolationLevels bool

	// FileBased reports whether the engine addresses a local file rather
	// than a network endpoint.
	FileBased bool
}

// capabilities is the authoritative capability table.
var capabilities = map[DatabaseID]Capability{
	PostgreSQL: {
		ID:                 PostgreSQL,
		Name:               "PostgreSQL",
		Paradigm:           ParadigmRelational,
		DefaultPort:        5432,
		Placeholder:        PlaceholderDollar,
		HasTransactions:    true,
		HasSavepoints:      true,
		HasIsolationLevels: true,
	},
	MySQL: {
		ID:                 MySQL,
		Name:               "MySQL",
		Paradigm:           ParadigmRelational,
		DefaultPort:        3306,
		Placeholder:        PlaceholderQuestion,
		HasTransactions:    true,
		HasSavepoints:      true,
		HasIsolationLevels: true,
	},
	SQLite: {
		ID:              SQLite,
		Name:            "SQLite",
		Paradigm:        ParadigmRelational,
		Placeholder:     PlaceholderQuestion,
		HasTransactions: true,
		HasSavepoints:   true,
		FileBased:       true,
	},
	MongoDB: {
		ID:              MongoDB,
		Name:            "MongoDB",
		Paradigm:        ParadigmDocument,
		DefaultPort:     27017,
		Placeholder:     PlaceholderDocument,
		HasTransactions: true,
	},
}

// aliases maps alternative spellings to canonical identifiers.
var aliases = map[string]DatabaseID{
	"postgres":   PostgreSQL,
	"postgresql": PostgreSQL,
	"pg":         PostgreSQL,
	"mysql":      MySQL,
	"sqlite":     SQLite,
	"sqlite3":    SQLite,
	"mongodb":    MongoDB,
	"mongo":      MongoDB,
}

// Get returns the capability record for the given engine.
func Get(id DatabaseID) (Capability, bool) {
	cap, ok := capabilities[id]
	return cap, ok
}

// MustGet returns the capability record for the given engine and panics
// if the engine is unknown. Use only with the package constants.
func MustGet(id DatabaseID) Capability {
	cap, ok := capabilities[id]
	if !ok {
		panic("dbcapabilities: unknown database engine: " + string(id))
	}
	return cap
}

// ParseID resolves a database engine name or alias to its canonical
// identifier. Matching is case-insensitive.
func ParseID(name string) (DatabaseID, bool) {
	id, ok := aliases[strings.ToLower(strings.TrimSpace(name))]
	return id, ok
}

// All returns the identifiers of every supported engine.
func All() []DatabaseID {
	ids := make([]DatabaseID, 0, len(capabilities))
	for id := range capabilities {
		ids = append(ids, id)
	}
	return ids
}
