// Package dbcapabilities is the canonical source of metadata about the
// database engines crossdb supports. It maps engine identifiers to
// capability records (transaction support, savepoint support, parameter
// placeholder style, default ports) so that adapters and the database
// manager can make decisions without engine-specific switches.
package dbcapabilities
