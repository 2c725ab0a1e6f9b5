// Package migration manages versioned schema migrations for the
// gateway's tables (virtual keys, budget ledgers, reservations, audit
// log) across PostgreSQL, MySQL and SQLite, using golang-migrate with
// the per-dialect SQL files embedded under migrations/.
//
// DefaultMigrator implements the full operation set (Up, Down, DownAll,
// Steps, Goto, Force, Version, Status, Info); CLI wraps it with the
// formatted terminal output the migrate subcommands print.
package migration
