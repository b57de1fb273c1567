// Package sqlite is the SQLite plumbing under the reference engine: pool
// setup, transactions carried in context, busy handling and embedded
// migrations.
//
// # Drivers
//
// The default build uses modernc.org/sqlite (pure Go). Building with
// -tags mattn switches to github.com/mattn/go-sqlite3 (cgo). Both drivers get
// their pragmas through the DSN so every pooled connection is configured the
// same way:
//
//	db, err := sqlite.Open(ctx, "data/app.db")
//
// # Transactions
//
//	runner := sqlite.NewTxRunner(db)
//	err = runner.WithinTx(ctx, func(ctx context.Context) error {
//		_, err := runner.GetQuerier(ctx).ExecContext(ctx, "DELETE FROM objects WHERE v_to <= ?", v)
//		return err
//	})
//
// BeginTx hands back a context carrying the transaction for callers that keep
// a transaction open across several calls (a write transaction spanning
// several bridge operations).
//
// # Migrations
//
//	//go:embed migrations/*.sql
//	var files embed.FS
//	err := sqlite.Migrations{FS: files, Dir: "migrations"}.Apply(path)
package sqlite
