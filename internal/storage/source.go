package storage

import (
	"bytes"
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/roamdata/migrator/internal/mapping"
	"github.com/roamdata/migrator/internal/migration"
)

// SourcePool opens transactions on a scraped source database.
// *pgxpool.Pool satisfies this interface.
type SourcePool interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// SourceReader streams mapping queries from the source databases. Every
// query runs inside a read-only transaction.
type SourceReader struct {
	shared    SourcePool
	perSource map[string]SourcePool
}

// NewSourceReader constructs a SourceReader. Sources without an entry in
// perSource are read through shared.
func NewSourceReader(shared SourcePool, perSource map[string]SourcePool) *SourceReader {
	if perSource == nil {
		perSource = map[string]SourcePool{}
	}
	return &SourceReader{shared: shared, perSource: perSource}
}

func (r *SourceReader) pool(source string) (SourcePool, error) {
	if p, ok := r.perSource[source]; ok && p != nil {
		return p, nil
	}
	if r.shared == nil {
		return nil, fmt.Errorf("no source database configured for %s", source)
	}
	return r.shared, nil
}

// Each runs m's query and hands every row to fn. An error from fn stops the
// enumeration and is returned unchanged. A row with a column that fails to
// decode is reported to fn and the enumeration goes on.
func (r *SourceReader) Each(ctx context.Context, m mapping.Mapping, limit int, fn migration.RowFunc) error {
	pool, err := r.pool(m.Source())
	if err != nil {
		return err
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return classify(fmt.Sprintf("opening source transaction for %s", m.Source()), err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	// LIMIT NULL is LIMIT ALL.
	var lim any
	if limit > 0 {
		lim = limit
	}
	q := fmt.Sprintf("SELECT * FROM (%s) AS src LIMIT $1", m.Query())

	rows, err := tx.Query(ctx, q, lim)
	if err != nil {
		return classify(fmt.Sprintf("querying source %s", m.Source()), err)
	}
	defer rows.Close()

	types := pgtype.NewMap()
	if conn := rows.Conn(); conn != nil {
		types = conn.TypeMap()
	}

	for rows.Next() {
		row, err := decodeRow(types, rows.FieldDescriptions(), rows.RawValues())
		if err != nil {
			err = fmt.Errorf("decoding %s row: %w", m.Source(), err)
		}
		if err := fn(row, err); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return classify(fmt.Sprintf("reading source %s", m.Source()), err)
	}
	return nil
}

// decodeRow decodes the raw column values of one row. Decoding column by
// column keeps a bad value from failing the whole result set, which
// pgx.RowToMap would do.
func decodeRow(types *pgtype.Map, fields []pgconn.FieldDescription, raw [][]byte) (mapping.Row, error) {
	if len(raw) != len(fields) {
		return nil, fmt.Errorf("got %d values for %d columns", len(raw), len(fields))
	}

	row := make(mapping.Row, len(fields))
	for i, fd := range fields {
		if raw[i] == nil {
			row[fd.Name] = nil
			continue
		}
		dt, ok := types.TypeForOID(fd.DataTypeOID)
		if !ok {
			if fd.Format == pgtype.TextFormatCode {
				row[fd.Name] = string(raw[i])
			} else {
				row[fd.Name] = bytes.Clone(raw[i])
			}
			continue
		}
		v, err := dt.Codec.DecodeValue(types, fd.DataTypeOID, fd.Format, raw[i])
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", fd.Name, err)
		}
		row[fd.Name] = v
	}
	return row, nil
}
