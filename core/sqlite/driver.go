package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/FocuswithJustin/pagecrypt/core/errors"
)

// DriverName is the database/sql driver used for plaintext files.
const DriverName = "sqlite"

// OpenSQL opens a plaintext database file with the pure Go SQLite driver.
// Encrypted files cannot be opened this way; decrypt them with Rekey first.
func OpenSQL(path string, readOnly bool) (*sql.DB, error) {
	dsn := "file:" + path
	if readOnly {
		dsn += "?mode=ro"
	}
	db, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, errors.NewIO("open", path, err)
	}
	return db, nil
}

// IntegrityCheck runs PRAGMA integrity_check on a plaintext database file
// and returns the problems SQLite reports. A healthy file returns nil, nil.
func IntegrityCheck(ctx context.Context, path string) ([]string, error) {
	db, err := OpenSQL(path, true)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, "PRAGMA integrity_check")
	if err != nil {
		return nil, fmt.Errorf("integrity check %s: %w", path, err)
	}
	defer rows.Close()

	var problems []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, err
		}
		if !strings.EqualFold(line, "ok") {
			problems = append(problems, line)
		}
	}
	return problems, rows.Err()
}
