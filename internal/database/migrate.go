package database

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	apperrors "sealdb/internal/errors"
)

// copier moves every user table of src into dst.
type copier struct {
	src    *sql.DB
	dst    *sql.DB
	logger *slog.Logger
}

type tableDef struct {
	name string
	sql  string
}

type schemaObject struct {
	kind string
	name string
	sql  string
}

// copyAll recreates tables, copies rows, then replays index, view and trigger DDL.
func (c *copier) copyAll(ctx context.Context) (tables int, rows int64, err error) {
	defs, err := c.tables(ctx)
	if err != nil {
		return 0, 0, apperrors.NewMigrationError("list tables", err)
	}

	for _, t := range defs {
		if _, err := c.dst.ExecContext(ctx, t.sql); err != nil {
			return 0, 0, apperrors.NewMigrationError("create table", err).WithContext("table", t.name)
		}
	}

	for _, t := range defs {
		n, err := c.copyTable(ctx, t.name)
		if err != nil {
			return 0, 0, apperrors.NewMigrationError("copy rows", err).WithContext("table", t.name)
		}
		c.logger.DebugContext(ctx, "Copied table", slog.String("table", t.name), slog.Int64("rows", n))
		rows += n
	}

	objects, err := c.objects(ctx)
	if err != nil {
		return 0, 0, apperrors.NewMigrationError("list schema objects", err)
	}
	for _, o := range objects {
		if _, err := c.dst.ExecContext(ctx, o.sql); err != nil {
			return 0, 0, apperrors.NewMigrationError("create "+o.kind, err).WithContext("name", o.name)
		}
	}

	return len(defs), rows, nil
}

func (c *copier) tables(ctx context.Context) ([]tableDef, error) {
	rs, err := c.src.QueryContext(ctx,
		`SELECT name, sql FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	var defs []tableDef
	for rs.Next() {
		var t tableDef
		if err := rs.Scan(&t.name, &t.sql); err != nil {
			return nil, err
		}
		defs = append(defs, t)
	}
	return defs, rs.Err()
}

func (c *copier) objects(ctx context.Context) ([]schemaObject, error) {
	rs, err := c.src.QueryContext(ctx, `
		SELECT type, name, sql FROM sqlite_master
		WHERE type IN ('index', 'view', 'trigger') AND sql IS NOT NULL AND name NOT LIKE 'sqlite_%'
		ORDER BY CASE type WHEN 'index' THEN 0 WHEN 'view' THEN 1 ELSE 2 END`)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	var objs []schemaObject
	for rs.Next() {
		var o schemaObject
		if err := rs.Scan(&o.kind, &o.name, &o.sql); err != nil {
			return nil, err
		}
		objs = append(objs, o)
	}
	return objs, rs.Err()
}

func (c *copier) columns(ctx context.Context, table string) ([]string, error) {
	rs, err := c.src.QueryContext(ctx, "PRAGMA table_info("+quoteIdent(table)+")")
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	var cols []string
	for rs.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rs.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	return cols, rs.Err()
}

// copyTable streams rows into a parameterized INSERT inside one transaction.
// Values are selected through unary + so the driver applies no declared-type
// conversion, and typeof() restores text that arrives as bytes.
func (c *copier) copyTable(ctx context.Context, table string) (int64, error) {
	cols, err := c.columns(ctx, table)
	if err != nil {
		return 0, err
	}
	if len(cols) == 0 {
		return 0, nil
	}

	selects := make([]string, 0, len(cols)*2)
	quoted := make([]string, len(cols))
	params := make([]string, len(cols))
	for i, col := range cols {
		quoted[i] = quoteIdent(col)
		params[i] = "?"
		selects = append(selects, "+"+quoted[i], "typeof("+quoted[i]+")")
	}

	query := "SELECT " + strings.Join(selects, ", ") + " FROM " + quoteIdent(table)
	insert := "INSERT INTO " + quoteIdent(table) + " (" + strings.Join(quoted, ", ") +
		") VALUES (" + strings.Join(params, ", ") + ")"

	rs, err := c.src.QueryContext(ctx, query)
	if err != nil {
		return 0, err
	}
	defer rs.Close()

	tx, err := c.dst.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	raw := make([]any, len(cols)*2)
	ptrs := make([]any, len(raw))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	values := make([]any, len(cols))

	var n int64
	for rs.Next() {
		if err := rs.Scan(ptrs...); err != nil {
			return n, err
		}
		for i := range cols {
			values[i] = restoreType(raw[2*i], raw[2*i+1])
		}
		if _, err := stmt.ExecContext(ctx, values...); err != nil {
			return n, err
		}
		n++
	}
	if err := rs.Err(); err != nil {
		return n, err
	}

	return n, tx.Commit()
}

func restoreType(v, kind any) any {
	var k string
	switch t := kind.(type) {
	case string:
		k = t
	case []byte:
		k = string(t)
	}

	if k == "text" {
		if b, ok := v.([]byte); ok {
			return string(b)
		}
	}
	return v
}

// backupFile copies path into dir as backup_yyyyMMddHHmmss.db
func backupFile(path, dir string, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	dest := filepath.Join(dir, "backup_"+now.Format("20060102150405")+".db")
	if err := copyFile(path, dest); err != nil {
		return "", err
	}
	return dest, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// removeDatabaseFiles deletes path and its SQLite sidecar files
func removeDatabaseFiles(path string) {
	for _, p := range []string{path, path + "-journal", path + "-wal", path + "-shm"} {
		_ = os.Remove(p)
	}
}

func tempPath(path string) string {
	return path + ".encrypting.tmp"
}

func ensureParent(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return nil
}
