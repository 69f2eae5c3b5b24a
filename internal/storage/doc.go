// Package storage owns the SQLite database: schema, connection settings and
// the small shared primitives (transactions, subscriptions, per-ticker
// cursors) the rest of the bot builds on.
package storage
