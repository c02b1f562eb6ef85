package watcher

import (
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/datasync/engine/internal/syncmodel"
)

// timeLayouts mirrors internal/sync/engine.go's parseTimestamp: SQLite has
// no native timestamp type, so timestamps round-trip through one of a few
// known text layouts.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999Z",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("parse timestamp %q: no matching layout", s)
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z")
}

// isBinaryPKeyType reports whether a declared SQLite column type has BLOB
// affinity, the only case where ObjectKey.RowID must be base64-encoded to
// round-trip exactly through the JSON wire format (encoding/json otherwise
// sanitizes non-UTF8 bytes).
func isBinaryPKeyType(declared string) bool {
	return strings.Contains(strings.ToUpper(declared), "BLOB")
}

// encodeRowID turns a raw scanned primary-key value into its wire form, per
// ObjectKey.RowID's documented invariant: base64 for BLOB-affinity keys,
// unchanged for text/integer keys.
func encodeRowID(pkeyType, raw string) string {
	if isBinaryPKeyType(pkeyType) {
		return base64.StdEncoding.EncodeToString([]byte(raw))
	}
	return raw
}

// decodeRowID reverses encodeRowID, recovering the raw bytes to use as a SQL
// parameter against the user table and shadow table.
func decodeRowID(pkeyType, wire string) (string, error) {
	if !isBinaryPKeyType(pkeyType) {
		return wire, nil
	}
	raw, err := base64.StdEncoding.DecodeString(wire)
	if err != nil {
		return "", fmt.Errorf("decode base64 row key: %w", err)
	}
	return string(raw), nil
}

type shadowRow struct {
	pkey    string
	tstamp  time.Time
	changed syncmodel.ChangeState
}

func (w *Watcher) getShadow(q queryer, table, pkey string) (*shadowRow, error) {
	stmt := fmt.Sprintf(`SELECT pkey, tstamp, changed FROM %q WHERE pkey = ?`, shadowTable(table))
	row := q.QueryRow(stmt, pkey)
	var (
		pk, ts, ch string
	)
	if err := row.Scan(&pk, &ts, &ch); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, syncmodel.NewDatabaseError(table, "read shadow", stmt, err)
	}
	t, err := parseTimestamp(ts)
	if err != nil {
		return nil, fmt.Errorf("parse shadow tstamp: %w", err)
	}
	return &shadowRow{pkey: pk, tstamp: t, changed: syncmodel.ChangeState(ch)}, nil
}

// LoadNextPending picks the Changed shadow row with the smallest tstamp,
// joins the user table to build the payload (or a tombstone if the user
// row is absent), applies the field projection, and runs it through
// CloudTransformer.Encrypt. Returns (nil, nil) if no Changed rows remain.
func (w *Watcher) LoadNextPending(table string) (*syncmodel.LocalData, error) {
	q := fmt.Sprintf(`SELECT pkey, tstamp FROM %q WHERE changed = ? ORDER BY tstamp ASC LIMIT 1`, shadowTable(table))
	row := w.conn.QueryRow(q, string(syncmodel.Changed))

	var pkey, tstamp string
	if err := row.Scan(&pkey, &tstamp); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, syncmodel.NewDatabaseError(table, "scan pending shadow row", q, err)
	}
	modified, err := parseTimestamp(tstamp)
	if err != nil {
		return nil, syncmodel.NewError(syncmodel.DatabaseFailure, table, "parse shadow tstamp", err)
	}

	meta, err := w.getMeta(table)
	if err != nil || meta == nil {
		return nil, syncmodel.NewError(syncmodel.SchemaFailure, table, "table is not registered for sync", err)
	}

	fields, err := w.readUserRow(table, meta.PKeyName, pkey)
	if err != nil {
		return nil, err
	}

	projection, err := w.Projection(table)
	if err != nil {
		return nil, err
	}
	if fields != nil {
		fields = applyProjection(fields, projection)
	}

	key := syncmodel.ObjectKey{Table: table, RowID: encodeRowID(meta.PKeyType, pkey)}
	encrypted, err := w.xf.Encrypt(table, key, fields)
	if err != nil {
		_ = w.MarkCorrupted(syncmodel.ObjectKey{Table: table, RowID: pkey}, modified)
		return nil, syncmodel.NewError(syncmodel.TransformFailure, table, "encrypt row", err)
	}

	return &syncmodel.LocalData{
		CloudData: syncmodel.CloudData{Key: key, Data: encrypted, Modified: modified},
	}, nil
}

// readUserRow reads the full row for pkey from table, or nil if the row is
// absent (meaning a tombstone).
func (w *Watcher) readUserRow(table, pkeyCol, pkey string) (syncmodel.Fields, error) {
	cols, err := tableColumns(w.conn, table)
	if err != nil {
		return nil, syncmodel.NewDatabaseError(table, "introspect columns", "", err)
	}
	names := make([]string, 0, len(cols))
	for _, c := range cols {
		names = append(names, quoteIdent(c.Name))
	}
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = ?`, joinCols(names), quoteIdent(table), quoteIdent(pkeyCol))

	dest := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range dest {
		ptrs[i] = &dest[i]
	}

	row := w.conn.QueryRow(q, pkey)
	if err := row.Scan(ptrs...); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, syncmodel.NewDatabaseError(table, "read user row", q, err)
	}

	fields := syncmodel.Fields{}
	for i, c := range cols {
		fields[c.Name] = normalizeScanned(dest[i])
	}
	return fields, nil
}

func normalizeScanned(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func joinCols(cols []string) string {
	out := cols[0]
	for _, c := range cols[1:] {
		out += ", " + c
	}
	return out
}

func applyProjection(fields syncmodel.Fields, projection []string) syncmodel.Fields {
	if len(projection) == 0 {
		return fields
	}
	allowed := make(map[string]bool, len(projection))
	for _, p := range projection {
		allowed[p] = true
	}
	out := syncmodel.Fields{}
	for k, v := range fields {
		if allowed[k] {
			out[k] = v
		}
	}
	return out
}

// StoreRemote applies one remote write under last-writer-wins, per spec
// §4.5 and invariant I3.
func (w *Watcher) StoreRemote(table string, d syncmodel.CloudData) (syncmodel.StoreResult, error) {
	meta, err := w.getMeta(table)
	if err != nil || meta == nil {
		return 0, syncmodel.NewError(syncmodel.SchemaFailure, table, "table is not registered for sync", err)
	}

	pkey, err := decodeRowID(meta.PKeyType, d.Key.RowID)
	if err != nil {
		return 0, syncmodel.NewError(syncmodel.TransformFailure, table, "decode row key", err)
	}

	existing, err := w.getShadow(w.conn, table, pkey)
	if err != nil {
		return 0, err
	}
	if existing != nil && existing.tstamp.After(d.Modified) {
		return syncmodel.RejectedStale, nil
	}

	decrypted, err := w.xf.Decrypt(table, d.Key, d.Data)
	if err != nil {
		_ = w.MarkCorrupted(syncmodel.ObjectKey{Table: table, RowID: pkey}, d.Modified)
		return 0, syncmodel.NewError(syncmodel.TransformFailure, table, "decrypt row", err)
	}

	err = w.withSuppressed(func(tx *sql.Tx) error {
		if decrypted == nil {
			if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %s WHERE %s = ?`, quoteIdent(table), quoteIdent(meta.PKeyName)), pkey); err != nil {
				return fmt.Errorf("delete user row: %w", err)
			}
		} else {
			if err := upsertProjected(tx, table, meta.PKeyName, pkey, decrypted); err != nil {
				return fmt.Errorf("upsert user row: %w", err)
			}
		}
		ts := formatTimestamp(d.Modified)
		_, err := tx.Exec(fmt.Sprintf(`
			INSERT INTO %s (pkey, tstamp, changed) VALUES (?, ?, ?)
			ON CONFLICT(pkey) DO UPDATE SET tstamp = excluded.tstamp, changed = excluded.changed
		`, quoteIdent(shadowTable(table))), pkey, ts, string(syncmodel.Unchanged))
		if err != nil {
			return fmt.Errorf("upsert shadow: %w", err)
		}
		return w.advanceLastSyncTx(tx, table, d.Modified)
	})
	if err != nil {
		// A single row's apply failure marks it Corrupted rather than
		// aborting the caller's batch; processFiber/liveSyncAttempt both
		// treat DatabaseFailure from StoreRemote the same as TransformFailure
		// (spec §4.5, invariant I4).
		_ = w.MarkCorrupted(syncmodel.ObjectKey{Table: table, RowID: pkey}, d.Modified)
		return 0, syncmodel.NewDatabaseError(table, "apply remote write", "", err)
	}
	return syncmodel.Applied, nil
}

// upsertProjected builds and executes a dynamic INSERT ... ON CONFLICT
// UPDATE, honoring the field projection: insert uses the table's own
// defaults for fields missing from data, update touches only the provided
// columns. Ported from internal/sync/events.go's buildInsert/
// applyPartialUpdate pattern.
func upsertProjected(tx *sql.Tx, table, pkeyCol, pkey string, data syncmodel.Fields) error {
	cols, vals, err := buildInsert(pkeyCol, pkey, data)
	if err != nil {
		return err
	}

	placeholders := make([]string, len(cols))
	updates := make([]string, 0, len(cols))
	for i, c := range cols {
		placeholders[i] = "?"
		if c == pkeyCol {
			continue
		}
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", quoteIdent(c), quoteIdent(c)))
	}

	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}

	var stmt string
	if len(updates) == 0 {
		stmt = fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO NOTHING`,
			quoteIdent(table), joinCols(quoted), joinPlaceholders(placeholders), quoteIdent(pkeyCol))
	} else {
		stmt = fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s`,
			quoteIdent(table), joinCols(quoted), joinPlaceholders(placeholders), quoteIdent(pkeyCol), joinCols(updates))
	}
	_, err = tx.Exec(stmt, vals...)
	return err
}

// buildInsert sorts fields alphabetically for determinism, as
// internal/sync/events.go's buildInsert does, and ensures the primary key
// column/value is always present.
func buildInsert(pkeyCol, pkey string, data syncmodel.Fields) (cols []string, vals []any, err error) {
	keys := make([]string, 0, len(data)+1)
	seenPK := false
	for k := range data {
		if !validColumnName(k) {
			return nil, nil, fmt.Errorf("invalid column name %q", k)
		}
		if k == pkeyCol {
			seenPK = true
		}
		keys = append(keys, k)
	}
	if !seenPK {
		keys = append(keys, pkeyCol)
	}
	sort.Strings(keys)

	cols = make([]string, len(keys))
	vals = make([]any, len(keys))
	for i, k := range keys {
		cols[i] = k
		if k == pkeyCol && !seenPK {
			vals[i] = pkey
		} else {
			vals[i] = normalizeForDB(data[k])
		}
	}
	return cols, vals, nil
}

func joinPlaceholders(p []string) string {
	out := p[0]
	for _, x := range p[1:] {
		out += ", " + x
	}
	return out
}

// normalizeForDB converts composite values to a SQLite-storable form,
// mirroring internal/sync/events.go's normalizeFieldsForDB.
func normalizeForDB(v any) any {
	switch val := v.(type) {
	case map[string]any, []any:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	default:
		return v
	}
}

func (w *Watcher) advanceLastSyncTx(tx *sql.Tx, table string, modified time.Time) error {
	_, err := tx.Exec(fmt.Sprintf(`
		UPDATE %q SET last_sync = ? WHERE table_name = ? AND (last_sync IS NULL OR last_sync < ?)
	`, metaTable), formatTimestamp(modified), table, formatTimestamp(modified))
	return err
}

// MarkUploaded clears the Changed flag for key if its shadow tstamp still
// matches acceptedModified exactly; otherwise the row was re-touched
// locally after the upload snapshot and is left Changed so the next upload
// picks it up (property P3).
func (w *Watcher) MarkUploaded(key syncmodel.ObjectKey, acceptedModified time.Time) error {
	meta, err := w.getMeta(key.Table)
	if err != nil || meta == nil {
		return syncmodel.NewError(syncmodel.SchemaFailure, key.Table, "table is not registered for sync", err)
	}
	pkey, err := decodeRowID(meta.PKeyType, key.RowID)
	if err != nil {
		return syncmodel.NewError(syncmodel.TransformFailure, key.Table, "decode row key", err)
	}

	existing, err := w.getShadow(w.conn, key.Table, pkey)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}
	if !existing.tstamp.Truncate(time.Millisecond).Equal(acceptedModified.Truncate(time.Millisecond)) {
		return nil
	}
	stmt := fmt.Sprintf(`UPDATE %q SET changed = ? WHERE pkey = ?`, shadowTable(key.Table))
	if _, err := w.conn.Exec(stmt, string(syncmodel.Unchanged), pkey); err != nil {
		return syncmodel.NewDatabaseError(key.Table, "mark uploaded", stmt, err)
	}
	return nil
}

// MarkCorrupted upserts the shadow row for key as Corrupted.
func (w *Watcher) MarkCorrupted(key syncmodel.ObjectKey, tstamp time.Time) error {
	stmt := fmt.Sprintf(`
		INSERT INTO %q (pkey, tstamp, changed) VALUES (?, ?, ?)
		ON CONFLICT(pkey) DO UPDATE SET changed = excluded.changed
	`, shadowTable(key.Table))
	if _, err := w.conn.Exec(stmt, key.RowID, formatTimestamp(tstamp), string(syncmodel.Corrupted)); err != nil {
		return syncmodel.NewDatabaseError(key.Table, "mark corrupted", stmt, err)
	}
	return nil
}

// Resync applies the requested ResyncFlags to table, per spec §4.5.
func (w *Watcher) Resync(table string, flags syncmodel.ResyncFlags) error {
	if flags.Has(syncmodel.ResyncClearLocalData) {
		meta, err := w.getMeta(table)
		if err != nil || meta == nil {
			return syncmodel.NewError(syncmodel.SchemaFailure, table, "table is not registered for sync", err)
		}
		stmt := fmt.Sprintf(`DELETE FROM %s`, quoteIdent(table))
		shadowStmt := fmt.Sprintf(`DELETE FROM %s`, quoteIdent(shadowTable(table)))
		if err := w.withSuppressed(func(tx *sql.Tx) error {
			if _, err := tx.Exec(stmt); err != nil {
				return err
			}
			_, err := tx.Exec(shadowStmt)
			return err
		}); err != nil {
			return syncmodel.NewDatabaseError(table, "clear local data", stmt, err)
		}
		// The change triggers are suppressed during this write, so the
		// shadow rows are deleted explicitly in the same transaction.
	}

	if flags.Has(syncmodel.ResyncCleanLocalData) {
		stmt := fmt.Sprintf(`UPDATE %q SET changed = ? WHERE changed = ?`, shadowTable(table))
		if _, err := w.conn.Exec(stmt, string(syncmodel.Changed), string(syncmodel.Corrupted)); err != nil {
			return syncmodel.NewDatabaseError(table, "clean corrupted rows", stmt, err)
		}
	}

	if flags.Has(syncmodel.ResyncCheckLocalData) {
		meta, err := w.getMeta(table)
		if err != nil || meta == nil {
			return syncmodel.NewError(syncmodel.SchemaFailure, table, "table is not registered for sync", err)
		}
		stmt := fmt.Sprintf(`
			INSERT INTO %s (pkey, tstamp, changed)
			SELECT %s, strftime('%%Y-%%m-%%dT%%H:%%M:%%fZ','now'), 'changed' FROM %s
			WHERE %s NOT IN (SELECT pkey FROM %s)
		`, quoteIdent(shadowTable(table)), quoteIdent(meta.PKeyName), quoteIdent(table),
			quoteIdent(meta.PKeyName), quoteIdent(shadowTable(table)))
		if _, err := w.conn.Exec(stmt); err != nil {
			return syncmodel.NewDatabaseError(table, "check local data", stmt, err)
		}
	}

	if flags.Has(syncmodel.ResyncUpload) {
		stmt := fmt.Sprintf(`UPDATE %q SET changed = ?, tstamp = strftime('%%Y-%%m-%%dT%%H:%%M:%%fZ','now')`, shadowTable(table))
		if _, err := w.conn.Exec(stmt, string(syncmodel.Changed)); err != nil {
			return syncmodel.NewDatabaseError(table, "mark all changed for upload", stmt, err)
		}
	}

	if flags.Has(syncmodel.ResyncDownload) {
		stmt := fmt.Sprintf(`UPDATE %q SET last_sync = NULL WHERE table_name = ?`, metaTable)
		if _, err := w.conn.Exec(stmt, table); err != nil {
			return syncmodel.NewDatabaseError(table, "reset last_sync", stmt, err)
		}
	}

	return nil
}
