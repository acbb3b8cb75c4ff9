// Package storage persists check and notification history.
//
// Both tables are append-only and are the monitor's only source of truth
// about prior subject state. Drivers:
//   - "sqlite": embedded SQLite database (default)
//   - "file":   append-only JSON Lines journals replayed into memory at open
package storage
