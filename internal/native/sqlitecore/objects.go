package sqlitecore

import (
	"context"

	"corebridge/internal/native"
)

// writeTarget returns the open transaction behind tx and checks obj, when
// given, belongs to the same file and is not frozen.
func (e *Engine) writeTarget(op string, tx, obj native.Token) (*writeTx, *entry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	txe, err := e.get(op, tx, native.KindWriteTransaction)
	if err != nil {
		return nil, nil, err
	}
	if txe.tx.done || txe.tx.sql == nil {
		return nil, nil, native.WrapError(op, native.CodeNotInTransaction, errNoTx)
	}
	if obj == 0 {
		return txe.tx, nil, nil
	}
	oe, err := e.get(op, obj, native.KindObject)
	if err != nil {
		return nil, nil, err
	}
	if oe.file != txe.file {
		return nil, nil, native.Errorf(op, native.CodeInvalidArgument, "object belongs to another file")
	}
	if oe.frozen {
		return nil, nil, native.Errorf(op, native.CodeInvalidArgument, "frozen objects are immutable")
	}
	return txe.tx, oe, nil
}

// CreateObject implements native.Engine.
func (e *Engine) CreateObject(ctx context.Context, tx native.Token, class, pk string, fields native.Fields) (native.Token, error) {
	const op = "create_object"

	if class == "" || pk == "" {
		return 0, native.Errorf(op, native.CodeInvalidArgument, "class and primary key are required")
	}
	wt, _, err := e.writeTarget(op, tx, 0)
	if err != nil {
		return 0, err
	}

	if _, exists, err := keyFor(ctx, wt.sql, class, pk, wt.pending); err != nil {
		return 0, native.WrapError(op, native.CodeInternal, err)
	} else if exists {
		return 0, native.Errorf(op, native.CodeExists, "%s %q", class, pk)
	}

	raw, err := encodeFields(fields)
	if err != nil {
		return 0, native.WrapError(op, native.CodeInvalidArgument, err)
	}
	res, err := wt.sql.ExecContext(ctx, `INSERT INTO object_keys (class, pk) VALUES (?, ?)`, class, pk)
	if err != nil {
		return 0, native.WrapError(op, native.CodeInternal, err)
	}
	key, err := res.LastInsertId()
	if err != nil {
		return 0, native.WrapError(op, native.CodeInternal, err)
	}
	if _, err := wt.sql.ExecContext(ctx,
		`INSERT INTO objects (obj_key, class, pk, fields, v_from) VALUES (?, ?, ?, ?, ?)`,
		key, class, pk, raw, wt.pending); err != nil {
		return 0, native.WrapError(op, native.CodeInternal, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	txe, err := e.get(op, tx, native.KindWriteTransaction)
	if err != nil {
		return 0, err
	}
	wt.touch(key, class)
	return e.alloc(&entry{kind: native.KindObject, file: txe.file, objKey: key, live: txe.live}), nil
}

// FindObject implements native.Engine.
func (e *Engine) FindObject(ctx context.Context, ver native.Token, class, pk string) (native.Token, error) {
	const op = "find_object"

	ve, err := e.lookup(op, ver, versionKinds...)
	if err != nil {
		return 0, err
	}
	q, v := e.view(ve)
	key, ok, err := keyFor(ctx, q, class, pk, v)
	if err != nil {
		return 0, native.WrapError(op, native.CodeInternal, err)
	}
	if !ok {
		return 0, native.Errorf(op, native.CodeNotFound, "%s %q", class, pk)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.get(op, ver); err != nil {
		return 0, err
	}
	en := child(native.KindObject, ve)
	en.objKey = key
	return e.alloc(en), nil
}

// ObjectGet implements native.Engine.
func (e *Engine) ObjectGet(ctx context.Context, obj native.Token) (native.Record, error) {
	const op = "object_get"

	oe, err := e.lookup(op, obj, native.KindObject)
	if err != nil {
		return native.Record{}, err
	}
	q, v := e.view(oe)
	r, ok, err := rowAt(ctx, q, oe.objKey, v)
	if err != nil {
		return native.Record{}, native.WrapError(op, native.CodeInternal, err)
	}
	if !ok {
		return native.Record{}, native.Errorf(op, native.CodeNotFound, "object %d deleted at version %d", oe.objKey, v)
	}
	return native.Record{Class: r.class, PK: r.pk, Fields: r.fields}, nil
}

// SetField implements native.Engine.
func (e *Engine) SetField(ctx context.Context, tx, obj native.Token, field string, value native.Value) error {
	const op = "set_field"

	if field == "" {
		return native.Errorf(op, native.CodeInvalidArgument, "field name is required")
	}
	wt, oe, err := e.writeTarget(op, tx, obj)
	if err != nil {
		return err
	}
	r, ok, err := rowAt(ctx, wt.sql, oe.objKey, wt.pending)
	if err != nil {
		return native.WrapError(op, native.CodeInternal, err)
	}
	if !ok {
		return native.Errorf(op, native.CodeNotFound, "object %d deleted", oe.objKey)
	}

	fields := cloneFields(r.fields)
	fields[field] = value
	if err := writeRow(ctx, wt.sql, r, fields, wt.pending); err != nil {
		return native.WrapError(op, native.CodeInternal, err)
	}

	e.mu.Lock()
	wt.touch(r.objKey, r.class)
	e.mu.Unlock()
	return nil
}

// DeleteObject implements native.Engine.
func (e *Engine) DeleteObject(ctx context.Context, tx, obj native.Token) error {
	const op = "delete_object"

	wt, oe, err := e.writeTarget(op, tx, obj)
	if err != nil {
		return err
	}
	r, ok, err := rowAt(ctx, wt.sql, oe.objKey, wt.pending)
	if err != nil {
		return native.WrapError(op, native.CodeInternal, err)
	}
	if !ok {
		return native.Errorf(op, native.CodeNotFound, "object %d already deleted", oe.objKey)
	}

	if r.vFrom == wt.pending {
		_, err = wt.sql.ExecContext(ctx, `DELETE FROM objects WHERE row_id = ?`, r.id)
	} else {
		_, err = wt.sql.ExecContext(ctx, `UPDATE objects SET v_to = ? WHERE row_id = ?`, wt.pending, r.id)
	}
	if err != nil {
		return native.WrapError(op, native.CodeInternal, err)
	}

	e.mu.Lock()
	wt.touch(r.objKey, r.class)
	e.mu.Unlock()
	return nil
}

// Query implements native.Engine.
func (e *Engine) Query(ver native.Token, class string, where native.Fields) (native.Token, error) {
	const op = "query"

	if class == "" {
		return 0, native.Errorf(op, native.CodeInvalidArgument, "class is required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	ve, err := e.get(op, ver, versionKinds...)
	if err != nil {
		return 0, err
	}
	en := child(native.KindQuery, ve)
	en.class = class
	en.where = cloneFields(where)
	return e.alloc(en), nil
}

// RunQuery implements native.Engine.
func (e *Engine) RunQuery(ctx context.Context, qt native.Token) (native.Token, error) {
	const op = "run_query"

	qe, err := e.lookup(op, qt, native.KindQuery)
	if err != nil {
		return 0, err
	}
	return e.evaluate(ctx, op, qe, qe)
}

// evaluate runs the query described by src at the version of at and
// allocates a result set bound to at.
func (e *Engine) evaluate(ctx context.Context, op string, src, at *entry) (native.Token, error) {
	q, v := e.view(at)
	keys, err := listKeys(ctx, q, src.class, src.where, v)
	if err != nil {
		return 0, native.WrapError(op, native.CodeInternal, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, native.Errorf(op, native.CodeClosed, "engine closed")
	}
	en := child(native.KindResultSet, at)
	en.class = src.class
	en.where = src.where
	en.keys = keys
	return e.alloc(en), nil
}

// ResultCount implements native.Engine.
func (e *Engine) ResultCount(rs native.Token) (int, error) {
	re, err := e.lookup("result_count", rs, native.KindResultSet)
	if err != nil {
		return 0, err
	}
	return len(re.keys), nil
}

// ResultObject implements native.Engine.
func (e *Engine) ResultObject(rs native.Token, i int) (native.Token, error) {
	const op = "result_object"

	e.mu.Lock()
	defer e.mu.Unlock()
	re, err := e.get(op, rs, native.KindResultSet)
	if err != nil {
		return 0, err
	}
	if i < 0 || i >= len(re.keys) {
		return 0, native.Errorf(op, native.CodeInvalidArgument, "index %d out of range [0,%d)", i, len(re.keys))
	}
	en := child(native.KindObject, re)
	en.objKey = re.keys[i].objKey
	return e.alloc(en), nil
}

// Classes implements native.Engine.
func (e *Engine) Classes(ctx context.Context, ver native.Token) ([]string, error) {
	const op = "classes"

	ve, err := e.lookup(op, ver, versionKinds...)
	if err != nil {
		return nil, err
	}
	q, v := e.view(ve)
	rows, err := q.QueryContext(ctx,
		`SELECT DISTINCT class FROM objects WHERE `+visibleAt+` ORDER BY class`, v, v)
	if err != nil {
		return nil, native.WrapError(op, native.CodeInternal, err)
	}
	defer rows.Close()

	var classes []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, native.WrapError(op, native.CodeInternal, err)
		}
		classes = append(classes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, native.WrapError(op, native.CodeInternal, err)
	}
	return classes, nil
}

// ResolveIn implements native.Engine.
func (e *Engine) ResolveIn(ctx context.Context, src, target native.Token) (native.Token, error) {
	const op = "resolve_in"

	se, te, err := e.resolvePair(op, src, target)
	if err != nil {
		return 0, err
	}
	switch se.kind {
	case native.KindQuery:
		e.mu.Lock()
		defer e.mu.Unlock()
		en := child(native.KindQuery, te)
		en.class = se.class
		en.where = se.where
		return e.alloc(en), nil
	case native.KindResultSet:
		return e.evaluate(ctx, op, se, te)
	default:
		return e.resolveObject(ctx, op, se, te)
	}
}

func (e *Engine) resolvePair(op string, src, target native.Token) (*entry, *entry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	se, err := e.get(op, src, native.KindObject, native.KindQuery, native.KindResultSet)
	if err != nil {
		return nil, nil, err
	}
	te, err := e.get(op, target, versionKinds...)
	if err != nil {
		return nil, nil, err
	}
	if te.file != se.file {
		return nil, nil, native.Errorf(op, native.CodeInvalidArgument, "target belongs to another file")
	}
	return se, te, nil
}

func (e *Engine) resolveObject(ctx context.Context, op string, se, te *entry) (native.Token, error) {
	q, v := e.view(te)
	_, ok, err := rowAt(ctx, q, se.objKey, v)
	if err != nil {
		return 0, native.WrapError(op, native.CodeInternal, err)
	}
	if !ok {
		return 0, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, native.Errorf(op, native.CodeClosed, "engine closed")
	}
	en := child(native.KindObject, te)
	en.objKey = se.objKey
	return e.alloc(en), nil
}
