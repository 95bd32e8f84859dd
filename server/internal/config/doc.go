// Package config loads the rotortrack server configuration from a YAML file
// and ROTORTRACK_* environment variables.
//
// Config fields:
//   - Server.HTTPPort: port for the REST API and /metrics (default 8080)
//   - Server.Auth.Mode: "apikey" or "none"
//   - Server.Auth.KeyEnv / Header: API key env var and header (default "x-api-key")
//   - Storage.Driver: memory | sqlite | postgres (default sqlite)
//   - Storage.Path: SQLite file (default data/rotortrack.db)
//   - Storage.DSNEnv: env var holding the PostgreSQL DSN
//   - Alerts.Cooldown: minimum gap between re-fires of one rotor alert (default 24h)
//   - Alerts.Webhooks: slack | teams | http targets, URLs resolved from env
//   - Log.Level: debug | info | warn | error (default info)
//
// Load(path) applies defaults, then the file, then environment overrides,
// then validates. Watch(ctx, path, fn) reloads on file changes.
package config
