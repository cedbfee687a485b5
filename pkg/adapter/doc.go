// Package adapter defines the contract every database engine adapter
// must satisfy, together with the shared machinery the engines compose:
// the connection pool, the transaction context state machine, named
// parameter binding, the error taxonomy, and the adapter registry.
//
// An Adapter owns the native client for one configured database and a
// Pool of Connections built on it. Application code does not use
// adapters directly; the database manager resolves a named database to
// its adapter, borrows a connection from the pool, and returns it when
// the operation completes.
//
// Engine-specific packages (postgres, mysql, sqlite, mongodb) implement
// Adapter and register a Factory with a Registry at startup.
package adapter
