package watcher

import (
	"database/sql"
	"fmt"
	"regexp"
)

// schemaDDL creates the three engine-owned bookkeeping tables plus the
// suppression marker table backing invariant I5. Mirrors the shape of
// marcus-td's internal/db schema constant: a single multi-statement Exec
// run once at Open.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS %[1]s (
	table_name TEXT PRIMARY KEY,
	pkey_name TEXT NOT NULL,
	pkey_type TEXT NOT NULL,
	state TEXT NOT NULL,
	last_sync TEXT
);

CREATE TABLE IF NOT EXISTS %[2]s (
	table_name TEXT NOT NULL,
	column TEXT NOT NULL,
	PRIMARY KEY (table_name, column)
);

CREATE TABLE IF NOT EXISTS %[3]s (
	table_name TEXT NOT NULL,
	fk_table TEXT NOT NULL,
	fk_col TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS %[4]s (
	marker INTEGER PRIMARY KEY CHECK (marker = 1)
);
`

func (w *Watcher) install() error {
	ddl := fmt.Sprintf(schemaDDL, metaTable, fieldsTable, refsTable, suppressTable)
	if _, err := w.conn.Exec(ddl); err != nil {
		return fmt.Errorf("install engine schema: %w", err)
	}
	// Clear any leftover suppression marker from an unclean shutdown so
	// triggers are not permanently disabled.
	if _, err := w.conn.Exec(fmt.Sprintf(`DELETE FROM %q`, suppressTable)); err != nil {
		return fmt.Errorf("clear stale suppress marker: %w", err)
	}
	return nil
}

var validIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// validColumnName guards every place a column/table name is interpolated
// into SQL, mirroring internal/sync/events.go's validColumnName.
func validColumnName(name string) bool {
	return validIdent.MatchString(name)
}

type columnInfo struct {
	Name string
	Type string
	PK   int
}

// tableColumns introspects T via PRAGMA table_info, as
// internal/sync/events.go's getTableColumns does for the generic apply
// logic, extended here to also report the primary-key ordinal.
func tableColumns(q queryer, table string) ([]columnInfo, error) {
	if !validColumnName(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	rows, err := q.Query(fmt.Sprintf(`PRAGMA table_info(%q)`, table))
	if err != nil {
		return nil, fmt.Errorf("table_info(%s): %w", table, err)
	}
	defer rows.Close()

	var cols []columnInfo
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("scan table_info: %w", err)
		}
		cols = append(cols, columnInfo{Name: name, Type: ctype, PK: pk})
	}
	return cols, rows.Err()
}

// primaryKey returns the single primary-key column of table, failing with
// ok=false if there is none or more than one (composite keys are rejected
// at add_table per spec §9 open questions).
func primaryKey(q queryer, table string) (columnInfo, bool, error) {
	cols, err := tableColumns(q, table)
	if err != nil {
		return columnInfo{}, false, err
	}
	var pk *columnInfo
	for i := range cols {
		if cols[i].PK == 1 {
			if pk != nil {
				return columnInfo{}, false, nil // composite
			}
			pk = &cols[i]
		} else if cols[i].PK > 1 {
			return columnInfo{}, false, nil // composite
		}
	}
	if pk == nil {
		return columnInfo{}, false, nil
	}
	return *pk, true, nil
}

func tableExists(q queryer, table string) (bool, error) {
	var name string
	err := q.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// queryer is the subset of *sql.DB / *sql.Tx used by introspection helpers,
// so they work identically inside or outside a transaction.
type queryer interface {
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}
