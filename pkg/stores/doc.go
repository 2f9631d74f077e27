// Package stores provides the run journal: a SQLite database, migrated on
// open, that keeps every finished run report together with one row per
// resource outcome. SQLiteStore implements engine.RunRecorder so the
// orchestrator can record runs, and backs the history commands.
package stores
