package briefcase

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/c0deZ3R0/go-changeset-kit/changeset"
	cserrors "github.com/c0deZ3R0/go-changeset-kit/errors"
)

// TableInfo describes a table as the database sees it.
type TableInfo struct {
	Name       string
	Columns    []string
	PrimaryKey []int
}

// Tx is one apply transaction. It is not safe for concurrent use.
type Tx struct {
	tx     *sql.Tx
	b      *Briefcase
	tables map[string]*TableInfo
	done   bool
}

// Begin starts a transaction.
func (b *Briefcase) Begin(ctx context.Context) (*Tx, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, cserrors.NewStorageError(cserrors.OpApply, err)
	}
	return &Tx{tx: tx, b: b, tables: make(map[string]*TableInfo)}, nil
}

// RunInTransaction runs fn in a transaction, committing when it returns nil
// and rolling back on error or panic.
func (b *Briefcase) RunInTransaction(ctx context.Context, fn func(tx *Tx) error) (err error) {
	tx, err := b.Begin(ctx)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
		if p := recover(); p != nil {
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	if t.done {
		return cserrors.NewStorageError(cserrors.OpCommit, sql.ErrTxDone)
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return cserrors.NewStorageError(cserrors.OpCommit, err)
	}
	return nil
}

// Rollback discards every change made in the transaction. It is a no-op
// after Commit or a previous Rollback.
func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return cserrors.NewStorageError(cserrors.OpApply, err)
	}
	return nil
}

// ApplySchema executes DDL statements inside the transaction.
func (t *Tx) ApplySchema(ctx context.Context, ddl string) error {
	if strings.TrimSpace(ddl) == "" {
		return nil
	}
	if _, err := t.tx.ExecContext(ctx, ddl); err != nil {
		return cserrors.NewStorageError(cserrors.OpSchema, err)
	}
	clear(t.tables)
	return nil
}

// Table introspects a table. The result is cached until the next schema change.
func (t *Tx) Table(ctx context.Context, name string) (*TableInfo, error) {
	if info, ok := t.tables[name]; ok {
		return info, nil
	}
	rows, err := t.tx.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(name)))
	if err != nil {
		return nil, cserrors.NewStorageError(cserrors.OpRead, err)
	}
	defer rows.Close()

	info := &TableInfo{Name: name}
	pkOrder := map[int]int{}
	for rows.Next() {
		var (
			cid     int
			colName string
			colType string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &colName, &colType, &notNull, &dflt, &pk); err != nil {
			return nil, cserrors.NewStorageError(cserrors.OpRead, err)
		}
		info.Columns = append(info.Columns, colName)
		if pk > 0 {
			pkOrder[cid] = pk
		}
	}
	if err := rows.Err(); err != nil {
		return nil, cserrors.NewStorageError(cserrors.OpRead, err)
	}
	if len(info.Columns) == 0 {
		return nil, cserrors.NewStorageError(cserrors.OpRead, fmt.Errorf("table %s does not exist", name))
	}
	for cid := range pkOrder {
		info.PrimaryKey = append(info.PrimaryKey, cid)
	}
	sort.Slice(info.PrimaryKey, func(i, j int) bool {
		return pkOrder[info.PrimaryKey[i]] < pkOrder[info.PrimaryKey[j]]
	})
	if len(info.PrimaryKey) == 0 {
		return nil, cserrors.NewStorageError(cserrors.OpRead, fmt.Errorf("table %s has no primary key", name))
	}
	t.tables[name] = info
	return info, nil
}

func (info *TableInfo) where() string {
	parts := make([]string, len(info.PrimaryKey))
	for i, col := range info.PrimaryKey {
		parts[i] = quoteIdent(info.Columns[col]) + " = ?"
	}
	return strings.Join(parts, " AND ")
}

func (info *TableInfo) selectList() string {
	parts := make([]string, len(info.Columns))
	for i, c := range info.Columns {
		q := quoteIdent(c)
		parts[i] = q + ", typeof(" + q + ")"
	}
	return strings.Join(parts, ", ")
}

func keyArgs(pk []changeset.Value) []any {
	args := make([]any, len(pk))
	for i, v := range pk {
		args[i] = v.SQLValue()
	}
	return args
}

// Lookup returns the row with primary key pk, or nil when it does not exist.
func (t *Tx) Lookup(ctx context.Context, info *TableInfo, pk []changeset.Value) ([]changeset.Value, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s", info.selectList(), quoteIdent(info.Name), info.where())
	rows, err := t.tx.QueryContext(ctx, query, keyArgs(pk)...)
	if err != nil {
		return nil, cserrors.NewStorageError(cserrors.OpRead, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, cserrors.NewStorageError(cserrors.OpRead, err)
		}
		return nil, nil
	}
	row, err := scanRow(rows, len(info.Columns))
	if err != nil {
		return nil, cserrors.NewStorageError(cserrors.OpRead, err)
	}
	return row, nil
}

// Insert writes a full row.
func (t *Tx) Insert(ctx context.Context, info *TableInfo, row []changeset.Value) error {
	cols := make([]string, 0, len(row))
	marks := make([]string, 0, len(row))
	args := make([]any, 0, len(row))
	for i, v := range row {
		if !v.Defined() {
			continue
		}
		cols = append(cols, quoteIdent(info.Columns[i]))
		marks = append(marks, "?")
		args = append(args, v.SQLValue())
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(info.Name), strings.Join(cols, ", "), strings.Join(marks, ", "))
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return cserrors.NewStorageError(cserrors.OpWrite, err)
	}
	return nil
}

// Update sets columns of the row with primary key pk. Columns maps column
// index to value. It reports whether a row was changed.
func (t *Tx) Update(ctx context.Context, info *TableInfo, pk []changeset.Value, columns map[int]changeset.Value) (bool, error) {
	if len(columns) == 0 {
		return true, nil
	}
	idx := make([]int, 0, len(columns))
	for col := range columns {
		idx = append(idx, col)
	}
	sort.Ints(idx)

	sets := make([]string, len(idx))
	args := make([]any, 0, len(idx)+len(pk))
	for i, col := range idx {
		sets[i] = quoteIdent(info.Columns[col]) + " = ?"
		args = append(args, columns[col].SQLValue())
	}
	args = append(args, keyArgs(pk)...)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s", quoteIdent(info.Name), strings.Join(sets, ", "), info.where())
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, cserrors.NewStorageError(cserrors.OpWrite, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, cserrors.NewStorageError(cserrors.OpWrite, err)
	}
	return n > 0, nil
}

// Delete removes the row with primary key pk and reports whether it existed.
func (t *Tx) Delete(ctx context.Context, info *TableInfo, pk []changeset.Value) (bool, error) {
	query := fmt.Sprintf("DELETE FROM %s WHERE %s", quoteIdent(info.Name), info.where())
	res, err := t.tx.ExecContext(ctx, query, keyArgs(pk)...)
	if err != nil {
		return false, cserrors.NewStorageError(cserrors.OpWrite, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, cserrors.NewStorageError(cserrors.OpWrite, err)
	}
	return n > 0, nil
}

// Tip returns the tip as seen inside the transaction.
func (t *Tx) Tip(ctx context.Context) (Tip, error) {
	return readTip(ctx, t.tx, t.b.meta)
}

// SetTip records the changeset this transaction applies. It only becomes
// visible if the transaction commits.
func (t *Tx) SetTip(ctx context.Context, tip Tip) error {
	if tip.AppliedAt.IsZero() {
		tip.AppliedAt = time.Now().UTC()
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, changeset_index, changeset_id, applied_at) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET changeset_index = excluded.changeset_index,
			changeset_id = excluded.changeset_id, applied_at = excluded.applied_at`, quoteIdent(t.b.meta))
	if _, err := t.tx.ExecContext(ctx, query, tip.Index, tip.ID, tip.AppliedAt.Format(time.RFC3339Nano)); err != nil {
		return cserrors.NewStorageError(cserrors.OpWrite, err)
	}
	return nil
}
