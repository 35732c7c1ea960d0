// Package stores keeps the evaluation history of halfspace documents in
// SQLite: saved document snapshots, completed and cancelled passes with
// their per-block results, and the telemetry event log. The schema is
// managed with embedded golang-migrate migrations.
package stores
