// Package database provides SQLite connectivity for the irrigation core.
//
// The core keeps a local, append-only copy of its audit events here so
// the event history survives a broker outage and can be listed without
// scanning retained MQTT topics.
//
// This package manages:
//   - Connection setup with WAL mode and a busy timeout
//   - Versioned, embedded schema migrations
//
// Usage:
//
//	db, err := database.Open(ctx, database.ConfigFrom(cfg.Database))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
package database
