// Package database opens the labhub SQLite database and applies its
// schema migrations.
//
// One file holds everything that outlives a process: hub snapshots,
// sampler runs with their evaluated points, and the knob state history.
// The connection pool is pinned to a single connection because SQLite
// allows one writer; WAL mode lets readers proceed alongside it.
//
// Migrations are pairs of files named YYYYMMDD_HHMMSS_name.up.sql and
// YYYYMMDD_HHMMSS_name.down.sql. The labhub binary embeds them from the
// top-level migrations package:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
package database
