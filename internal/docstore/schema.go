package docstore

import "database/sql"

const createSchema = `
CREATE TABLE IF NOT EXISTS documents (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	collection TEXT NOT NULL,
	path TEXT NOT NULL,
	content TEXT NOT NULL,
	updated_at_unix_ms INTEGER NOT NULL,
	UNIQUE(collection, path)
);

CREATE TABLE IF NOT EXISTS index_tasks (
	doc_id INTEGER PRIMARY KEY,
	need_text INTEGER NOT NULL,
	need_vector INTEGER NOT NULL,
	status TEXT NOT NULL,
	retries INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	updated_at_unix_ms INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_index_tasks_status_updated
	ON index_tasks(status, updated_at_unix_ms);
`

// additiveColumns lists the columns introduced after the original schema,
// each added via ALTER TABLE when missing. This is the entire migration
// surface memoscore supports (spec: "additive columns only").
var additiveColumns = []struct {
	table      string
	column     string
	definition string
}{
	{"documents", "indexed_at_unix_ms", "INTEGER"},
	{"documents", "embedding_json", "TEXT"},
}

// migrate creates the schema if absent, then adds any missing additive
// columns. Ported from original_source/memoscore/src/lib.rs's
// sqlite_open_or_create, which inspects PRAGMA table_info before altering.
func migrate(db *sql.DB) error {
	if _, err := db.Exec(createSchema); err != nil {
		return err
	}

	existing, err := tableColumns(db, "documents")
	if err != nil {
		return err
	}

	for _, col := range additiveColumns {
		if col.table != "documents" {
			continue
		}
		if _, ok := existing[col.column]; ok {
			continue
		}
		stmt := "ALTER TABLE " + col.table + " ADD COLUMN " + col.column + " " + col.definition
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}

	return nil
}

func tableColumns(db *sql.DB, table string) (map[string]struct{}, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := make(map[string]struct{})
	for rows.Next() {
		var (
			cid        int
			name       string
			ctype      string
			notnull    int
			dflt       sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &primaryKey); err != nil {
			return nil, err
		}
		cols[name] = struct{}{}
	}
	return cols, rows.Err()
}
