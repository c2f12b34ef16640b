// Package storage persists the account collection and the batch audit log.
//
// Backends:
//   - file: accounts as one JSON array, replaced atomically on save
//   - sqlite: accounts and audit rows in one database (modernc.org/sqlite)
//   - external: read-only accounts parsed from ACCOUNTS_CONFIG
package storage
