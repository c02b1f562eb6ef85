package watcher

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/datasync/engine/internal/syncmodel"
)

// AddTableConfig is the argument to AddTable, mirroring spec §4.5's
// `cfg = {table, fields?, force_recreate?}`.
type AddTableConfig struct {
	Table         string
	Fields        []string // nil = every column
	ForceRecreate bool
}

// AddTable installs (or re-activates) sync for a table.
func (w *Watcher) AddTable(cfg AddTableConfig) error {
	if !validColumnName(cfg.Table) {
		return syncmodel.NewError(syncmodel.SchemaFailure, cfg.Table, "invalid table name", nil)
	}

	exists, err := tableExists(w.conn, cfg.Table)
	if err != nil {
		return syncmodel.NewDatabaseError(cfg.Table, "check table exists", "", err)
	}
	if !exists {
		return syncmodel.NewError(syncmodel.SchemaFailure, cfg.Table, "table does not exist", nil)
	}

	existingMeta, err := w.getMeta(cfg.Table)
	if err != nil {
		return err
	}
	if existingMeta != nil && !cfg.ForceRecreate {
		return w.setTableState(cfg.Table, syncmodel.TableActive)
	}

	pk, ok, err := primaryKey(w.conn, cfg.Table)
	if err != nil {
		return syncmodel.NewDatabaseError(cfg.Table, "introspect primary key", "", err)
	}
	if !ok {
		return syncmodel.NewError(syncmodel.SchemaFailure, cfg.Table, "table has no single-column primary key (composite keys are unsupported)", nil)
	}

	return w.withSuppressed(func(tx *sql.Tx) error {
		if err := createShadowAndTriggers(tx, cfg.Table, pk); err != nil {
			return fmt.Errorf("create shadow schema: %w", err)
		}
		if err := populateShadowForExisting(tx, cfg.Table, pk); err != nil {
			return fmt.Errorf("populate shadow: %w", err)
		}
		if err := writeFields(tx, cfg.Table, cfg.Fields); err != nil {
			return fmt.Errorf("write fields: %w", err)
		}
		_, err := tx.Exec(fmt.Sprintf(`
			INSERT INTO %q (table_name, pkey_name, pkey_type, state, last_sync)
			VALUES (?, ?, ?, ?, NULL)
			ON CONFLICT(table_name) DO UPDATE SET pkey_name=excluded.pkey_name,
				pkey_type=excluded.pkey_type, state=excluded.state, last_sync=NULL
		`, metaTable), cfg.Table, pk.Name, pk.Type, string(syncmodel.TableActive))
		return err
	})
}

func createShadowAndTriggers(tx *sql.Tx, table string, pk columnInfo) error {
	shadow := shadowTable(table)
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
		pkey %s PRIMARY KEY,
		tstamp TEXT NOT NULL,
		changed TEXT NOT NULL
	)`, shadow, pkSQLType(pk.Type))
	if _, err := tx.Exec(ddl); err != nil {
		return err
	}

	for _, op := range []string{"insert", "update", "delete"} {
		if err := createTrigger(tx, table, shadow, pk, op); err != nil {
			return err
		}
	}
	return nil
}

// pkSQLType normalizes the declared SQLite column type affinity so the
// shadow table's pkey column accepts the same values as the user table's.
func pkSQLType(declared string) string {
	if declared == "" {
		return "TEXT"
	}
	return declared
}

// createTrigger installs one INSERT/UPDATE/DELETE trigger on table,
// upserting the shadow row with changed='changed', guarded by the
// suppression marker per invariant I5.
func createTrigger(tx *sql.Tx, table, shadow string, pk columnInfo, op string) error {
	name := triggerName(table, op)
	var when, pkExpr string
	switch op {
	case "insert":
		when = "AFTER INSERT"
		pkExpr = "NEW." + quoteIdent(pk.Name)
	case "update":
		when = "AFTER UPDATE"
		pkExpr = "NEW." + quoteIdent(pk.Name)
	case "delete":
		when = "AFTER DELETE"
		pkExpr = "OLD." + quoteIdent(pk.Name)
	}

	stmt := fmt.Sprintf(`
		CREATE TRIGGER IF NOT EXISTS %s %s ON %s
		WHEN (SELECT COUNT(*) FROM %s) = 0
		BEGIN
			INSERT INTO %s (pkey, tstamp, changed)
			VALUES (%s, strftime('%%Y-%%m-%%dT%%H:%%M:%%fZ','now'), 'changed')
			ON CONFLICT(pkey) DO UPDATE SET
				tstamp = strftime('%%Y-%%m-%%dT%%H:%%M:%%fZ','now'),
				changed = 'changed';
		END;
	`, quoteIdent(name), when, quoteIdent(table), quoteIdent(suppressTable), quoteIdent(shadow), pkExpr)
	_, err := tx.Exec(stmt)
	return err
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func populateShadowForExisting(tx *sql.Tx, table string, pk columnInfo) error {
	shadow := shadowTable(table)
	stmt := fmt.Sprintf(`
		INSERT INTO %s (pkey, tstamp, changed)
		SELECT %s, strftime('%%Y-%%m-%%dT%%H:%%M:%%fZ','now'), 'changed' FROM %s
		ON CONFLICT(pkey) DO NOTHING
	`, quoteIdent(shadow), quoteIdent(pk.Name), quoteIdent(table))
	_, err := tx.Exec(stmt)
	return err
}

func writeFields(tx *sql.Tx, table string, fields []string) error {
	if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %q WHERE table_name = ?`, fieldsTable), table); err != nil {
		return err
	}
	for _, f := range fields {
		if !validColumnName(f) {
			return fmt.Errorf("invalid field name %q", f)
		}
		if _, err := tx.Exec(fmt.Sprintf(`INSERT INTO %q (table_name, column) VALUES (?, ?)`, fieldsTable), table, f); err != nil {
			return err
		}
	}
	return nil
}

// Projection returns the configured field projection for table, or nil if
// every column is synced (absent restriction, per spec §3 SyncField).
func (w *Watcher) Projection(table string) ([]string, error) {
	q := fmt.Sprintf(`SELECT column FROM %q WHERE table_name = ?`, fieldsTable)
	rows, err := w.conn.Query(q, table)
	if err != nil {
		return nil, syncmodel.NewDatabaseError(table, "read field projection", q, err)
	}
	defer rows.Close()
	var cols []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, syncmodel.NewDatabaseError(table, "read field projection", q, err)
		}
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, syncmodel.NewDatabaseError(table, "read field projection", q, err)
	}
	return cols, nil
}

// RemoveTable deactivates sync for table; the shadow and triggers remain so
// the table can be seamlessly reactivated later.
func (w *Watcher) RemoveTable(table string) error {
	return w.setTableState(table, syncmodel.TableInactive)
}

func (w *Watcher) setTableState(table string, state syncmodel.TableState) error {
	q := fmt.Sprintf(`UPDATE %q SET state = ? WHERE table_name = ?`, metaTable)
	res, err := w.conn.Exec(q, string(state), table)
	if err != nil {
		return syncmodel.NewDatabaseError(table, "update table state", q, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return syncmodel.NewError(syncmodel.SchemaFailure, table, "table is not registered for sync", nil)
	}
	return nil
}

// UnsyncTable drops every engine-owned object for table: triggers, shadow,
// fields, references, and the meta row itself.
func (w *Watcher) UnsyncTable(table string) error {
	return w.dropEngineObjects(table, true)
}

// DropTable is the internal counterpart RemoteConnector-driven removal
// uses: it drops triggers/shadow/fields/references but keeps the meta row
// (left Inactive) so a later reactivate(false) recreates the schema on
// first use, per spec §4.5.
func (w *Watcher) DropTable(table string) error {
	if err := w.dropEngineObjects(table, false); err != nil {
		return err
	}
	return w.setTableState(table, syncmodel.TableInactive)
}

func (w *Watcher) dropEngineObjects(table string, dropMeta bool) error {
	tx, err := w.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, op := range []string{"insert", "update", "delete"} {
		if _, err := tx.Exec(fmt.Sprintf(`DROP TRIGGER IF EXISTS %s`, quoteIdent(triggerName(table, op)))); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(fmt.Sprintf(`DROP TABLE IF EXISTS %s`, quoteIdent(shadowTable(table)))); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %q WHERE table_name = ?`, fieldsTable), table); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %q WHERE table_name = ?`, refsTable), table); err != nil {
		return err
	}
	if dropMeta {
		if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %q WHERE table_name = ?`, metaTable), table); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Reactivate flips every Inactive meta row to Active, recreating the shadow
// schema for any table whose triggers/shadow were dropped by DropTable.
func (w *Watcher) Reactivate() error {
	rows, err := w.conn.Query(fmt.Sprintf(`SELECT table_name FROM %q WHERE state = ?`, metaTable), string(syncmodel.TableInactive))
	if err != nil {
		return fmt.Errorf("list inactive tables: %w", err)
	}
	var tables []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			rows.Close()
			return err
		}
		tables = append(tables, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, t := range tables {
		exists, err := tableExists(w.conn, shadowTable(t))
		if err != nil {
			return err
		}
		if !exists {
			pk, ok, err := primaryKey(w.conn, t)
			if err != nil {
				return err
			}
			if ok {
				err := w.withSuppressed(func(tx *sql.Tx) error {
					if err := createShadowAndTriggers(tx, t, pk); err != nil {
						return err
					}
					return populateShadowForExisting(tx, t, pk)
				})
				if err != nil {
					return fmt.Errorf("recreate shadow for %s: %w", t, err)
				}
			}
		}
		if err := w.setTableState(t, syncmodel.TableActive); err != nil {
			return err
		}
	}
	return nil
}

// DropAll erases every table's shadow and meta but preserves user data.
func (w *Watcher) DropAll() error {
	rows, err := w.conn.Query(fmt.Sprintf(`SELECT table_name FROM %q`, metaTable))
	if err != nil {
		return err
	}
	var tables []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			rows.Close()
			return err
		}
		tables = append(tables, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, t := range tables {
		if err := w.dropEngineObjects(t, true); err != nil {
			return err
		}
	}
	return nil
}

func (w *Watcher) getMeta(table string) (*syncmodel.TableMeta, error) {
	q := fmt.Sprintf(`SELECT table_name, pkey_name, pkey_type, state, last_sync FROM %q WHERE table_name = ?`, metaTable)
	row := w.conn.QueryRow(q, table)
	var (
		m        syncmodel.TableMeta
		state    string
		lastSync sql.NullString
	)
	if err := row.Scan(&m.TableName, &m.PKeyName, &m.PKeyType, &state, &lastSync); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, syncmodel.NewDatabaseError(table, "read meta", q, err)
	}
	m.State = syncmodel.TableState(state)
	if lastSync.Valid && lastSync.String != "" {
		t, err := parseTimestamp(lastSync.String)
		if err != nil {
			return nil, fmt.Errorf("parse last_sync: %w", err)
		}
		m.LastSync = &t
	}
	return &m, nil
}

// LastSync reads the meta.last_sync column for table.
func (w *Watcher) LastSync(table string) (*time.Time, error) {
	m, err := w.getMeta(table)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, syncmodel.NewError(syncmodel.SchemaFailure, table, "table is not registered for sync", nil)
	}
	return m.LastSync, nil
}

// Meta returns a copy of the meta row for table, or nil if unregistered.
func (w *Watcher) Meta(table string) (*syncmodel.TableMeta, error) {
	return w.getMeta(table)
}

// ListUserTables enumerates every ordinary table in the database, excluding
// sqlite's own bookkeeping tables and every engine-reserved object (spec
// §6's "these names are engine-reserved"). Used by the engine façade's
// sync_database to discover candidates for add_table.
func (w *Watcher) ListUserTables() ([]string, error) {
	rows, err := w.conn.Query(
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' AND name NOT LIKE ?`,
		enginePrefix+"%",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SyncedTables lists every table currently registered in meta, regardless
// of Active/Inactive state.
func (w *Watcher) SyncedTables() ([]string, error) {
	rows, err := w.conn.Query(fmt.Sprintf(`SELECT table_name FROM %q`, metaTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
