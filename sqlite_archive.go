package hearth

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/hearth-db/hearth/thyme"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
	ms     INTEGER NOT NULL,
	src    TEXT    NOT NULL,
	t      TEXT    NOT NULL,
	fields TEXT    NOT NULL,
	PRIMARY KEY (ms, src)
);
CREATE INDEX IF NOT EXISTS records_src ON records (src);
`

// ExportSQLite writes every record in the inclusive day range into a
// SQLite database at path, creating the file and schema as needed. The
// full record body is stored as JSON alongside its identity columns, so
// ad-hoc tooling can query history without parsing day files. Existing
// rows with the same (ms, src) identity are replaced.
func (db *DB) ExportSQLite(ctx context.Context, path string, start, end *thyme.Time) (int, error) {
	days := db.QueryDays(start, end, nil)

	sdb, err := sql.Open("sqlite", path)
	if err != nil {
		return 0, fmt.Errorf("sqlite export: %w", err)
	}
	defer func() { _ = sdb.Close() }()

	if _, err := sdb.ExecContext(ctx, sqliteSchema); err != nil {
		return 0, fmt.Errorf("sqlite export: schema: %w", err)
	}

	tx, err := sdb.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite export: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO records (ms, src, t, fields) VALUES (?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("sqlite export: %w", err)
	}

	n := 0
	for _, day := range days {
		for _, rec := range day.Recs {
			body, err := json.Marshal(rec)
			if err != nil {
				continue
			}
			if _, err := stmt.ExecContext(ctx, rec.Millis(), rec.Src, rec.T, string(body)); err != nil {
				_ = stmt.Close()
				_ = tx.Rollback()
				return 0, fmt.Errorf("sqlite export: insert %s/%s: %w", rec.T, rec.Src, err)
			}
			n++
		}
	}
	if err := stmt.Close(); err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("sqlite export: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite export: %w", err)
	}
	db.log.Info().Str("path", path).Int("records", n).Msg("sqlite export complete")
	return n, nil
}
