// Package database provides the SQLite connection used by the archive.
//
// The pool holds a single connection (SQLite has one writer). WAL mode is
// enabled from configuration so history queries from the API do not block
// on archive writes. Every query is parameterised.
//
// Migrations are plain SQL files passed in as an fs.FS, normally the
// embedded beamline-core/migrations package:
//
//	db, err := database.Open(ctx, cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//	if _, err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migrations are additive: new columns are nullable or defaulted, and each
// up file has a matching down file for development rollbacks.
package database
