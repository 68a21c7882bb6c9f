// Package database provides SQLite connectivity for Device Tools.
//
// One database holds both the device/entity registry and the persisted
// modification records with their original-data snapshots.
//
// This package manages:
//   - Connection setup (WAL mode, busy timeout, foreign keys)
//   - Additive-only schema migrations read from an fs.FS
//   - Transaction helper and health check
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migrations are additive-only: new columns must be NULLABLE or have
// DEFAULT values, and columns are never dropped or renamed.
package database
