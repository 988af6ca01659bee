// Package stores persists the transaction journal. The SQLite store records
// transactions, action states, the event timeline and an audit trail, so an
// operator can inspect what a commit did after the process exits. It runs in
// WAL mode with schema migrations embedded in the binary.
package stores
