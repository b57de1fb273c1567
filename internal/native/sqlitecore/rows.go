package sqlitecore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"

	"corebridge/internal/native"
	"corebridge/internal/platform/sqlite"
)

const visibleAt = `v_from <= ? AND (v_to IS NULL OR v_to > ?)`

// row is one stored version of an object.
type row struct {
	id     int64
	objKey int64
	class  string
	pk     string
	fields native.Fields
	vFrom  uint64
}

// keyRow identifies an object version inside a result set.
type keyRow struct {
	objKey int64
	rowID  int64
}

func rowAt(ctx context.Context, q sqlite.Querier, objKey int64, v uint64) (row, bool, error) {
	var (
		r   row
		raw string
	)
	err := q.QueryRowContext(ctx,
		`SELECT row_id, obj_key, class, pk, fields, v_from FROM objects WHERE obj_key = ? AND `+visibleAt,
		objKey, v, v).Scan(&r.id, &r.objKey, &r.class, &r.pk, &raw, &r.vFrom)
	if errors.Is(err, sql.ErrNoRows) {
		return row{}, false, nil
	}
	if err != nil {
		return row{}, false, err
	}
	if r.fields, err = decodeFields(raw); err != nil {
		return row{}, false, err
	}
	return r, true, nil
}

func keyFor(ctx context.Context, q sqlite.Querier, class, pk string, v uint64) (int64, bool, error) {
	var key int64
	err := q.QueryRowContext(ctx,
		`SELECT obj_key FROM objects WHERE class = ? AND pk = ? AND `+visibleAt,
		class, pk, v, v).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	return key, err == nil, err
}

// listKeys returns the objects of class matching where at v, in key order.
func listKeys(ctx context.Context, q sqlite.Querier, class string, where native.Fields, v uint64) ([]keyRow, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT obj_key, row_id, fields FROM objects WHERE class = ? AND `+visibleAt+` ORDER BY obj_key`,
		class, v, v)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []keyRow
	for rows.Next() {
		var (
			k   keyRow
			raw string
		)
		if err := rows.Scan(&k.objKey, &k.rowID, &raw); err != nil {
			return nil, err
		}
		if len(where) > 0 {
			fields, err := decodeFields(raw)
			if err != nil {
				return nil, err
			}
			if !matches(fields, where) {
				continue
			}
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func matches(fields, where native.Fields) bool {
	for k, want := range where {
		got, ok := fields[k]
		if !ok || !equalValues(got, normalize(want)) {
			return false
		}
	}
	return true
}

func equalValues(a, b native.Value) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}

// normalize maps Go values onto the types that survive a JSON round trip.
func normalize(v native.Value) native.Value {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case float32:
		return float64(x)
	default:
		return v
	}
}

func encodeFields(fields native.Fields) (string, error) {
	norm := make(native.Fields, len(fields))
	for k, v := range fields {
		norm[k] = normalize(v)
	}
	b, err := json.Marshal(norm)
	if err != nil {
		return "", fmt.Errorf("encode fields: %w", err)
	}
	return string(b), nil
}

func decodeFields(raw string) (native.Fields, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var fields native.Fields
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("decode fields: %w", err)
	}
	for k, v := range fields {
		if n, ok := v.(json.Number); ok {
			if i, err := n.Int64(); err == nil {
				fields[k] = i
			} else if f, err := n.Float64(); err == nil {
				fields[k] = f
			}
		}
	}
	if fields == nil {
		fields = native.Fields{}
	}
	return fields, nil
}

// changedFields lists the fields whose values differ between a and b.
func changedFields(a, b native.Fields) []string {
	var changed []string
	for k, vb := range b {
		if va, ok := a[k]; !ok || !equalValues(va, vb) {
			changed = append(changed, k)
		}
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			changed = append(changed, k)
		}
	}
	slices.Sort(changed)
	return changed
}

// writeRow stores fields as the version of r visible at pending.
func writeRow(ctx context.Context, q sqlite.Querier, r row, fields native.Fields, pending uint64) error {
	raw, err := encodeFields(fields)
	if err != nil {
		return err
	}
	if r.vFrom == pending {
		_, err = q.ExecContext(ctx, `UPDATE objects SET fields = ? WHERE row_id = ?`, raw, r.id)
		return err
	}
	if _, err = q.ExecContext(ctx, `UPDATE objects SET v_to = ? WHERE row_id = ?`, pending, r.id); err != nil {
		return err
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO objects (obj_key, class, pk, fields, v_from) VALUES (?, ?, ?, ?, ?)`,
		r.objKey, r.class, r.pk, raw, pending)
	return err
}

func cloneFields(f native.Fields) native.Fields {
	if f == nil {
		return native.Fields{}
	}
	return maps.Clone(f)
}
