package briefcase

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/c0deZ3R0/go-changeset-kit/changeset"
	cserrors "github.com/c0deZ3R0/go-changeset-kit/errors"
)

// scanRow reads one row selected with TableInfo.selectList: each column is
// followed by its typeof() so text and blob stay distinct.
func scanRow(rows *sql.Rows, columns int) ([]changeset.Value, error) {
	raw := make([]any, columns*2)
	ptrs := make([]any, len(raw))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	row := make([]changeset.Value, columns)
	for i := range row {
		typ, _ := raw[2*i+1].(string)
		if b, ok := raw[2*i+1].([]byte); ok {
			typ = string(b)
		}
		v, err := typedValue(raw[2*i], typ)
		if err != nil {
			return nil, err
		}
		row[i] = v
	}
	return row, nil
}

func typedValue(src any, typ string) (changeset.Value, error) {
	switch typ {
	case "null":
		return changeset.Null(), nil
	case "text":
		switch x := src.(type) {
		case string:
			return changeset.Text(x), nil
		case []byte:
			return changeset.Text(string(x)), nil
		}
	case "blob":
		switch x := src.(type) {
		case []byte:
			return changeset.Blob(x), nil
		case string:
			return changeset.Blob([]byte(x)), nil
		}
	}
	return changeset.FromSQL(src)
}

// Snapshot is the full content of every user table, rows ordered by primary
// key.
type Snapshot map[string][][]changeset.Value

// Equal reports whether two snapshots hold the same tables, rows and values,
// comparing storage classes exactly.
func (s Snapshot) Equal(o Snapshot) bool {
	if len(s) != len(o) {
		return false
	}
	for table, rows := range s {
		other, ok := o[table]
		if !ok || len(rows) != len(other) {
			return false
		}
		for i := range rows {
			if len(rows[i]) != len(other[i]) {
				return false
			}
			for j := range rows[i] {
				if !rows[i][j].Equal(other[i][j]) {
					return false
				}
			}
		}
	}
	return true
}

// Snapshot reads every user table.
func (b *Briefcase) Snapshot(ctx context.Context) (Snapshot, error) {
	names, err := b.Tables(ctx)
	if err != nil {
		return nil, err
	}
	snap := make(Snapshot, len(names))
	err = b.RunInTransaction(ctx, func(tx *Tx) error {
		for _, name := range names {
			rows, err := tx.dump(ctx, name)
			if err != nil {
				return err
			}
			snap[name] = rows
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Rows returns every row of one table ordered by primary key.
func (b *Briefcase) Rows(ctx context.Context, table string) ([][]changeset.Value, error) {
	var out [][]changeset.Value
	err := b.RunInTransaction(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.dump(ctx, table)
		return err
	})
	return out, err
}

func (t *Tx) dump(ctx context.Context, table string) ([][]changeset.Value, error) {
	info, err := t.Table(ctx, table)
	if err != nil {
		return nil, err
	}
	order := make([]string, len(info.PrimaryKey))
	for i, col := range info.PrimaryKey {
		order[i] = quoteIdent(info.Columns[col])
	}
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s",
		info.selectList(), quoteIdent(info.Name), strings.Join(order, ", "))
	rows, err := t.tx.QueryContext(ctx, query)
	if err != nil {
		return nil, cserrors.NewStorageError(cserrors.OpRead, err)
	}
	defer rows.Close()

	var out [][]changeset.Value
	for rows.Next() {
		row, err := scanRow(rows, len(info.Columns))
		if err != nil {
			return nil, cserrors.NewStorageError(cserrors.OpRead, err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, cserrors.NewStorageError(cserrors.OpRead, err)
	}
	return out, nil
}
