package sqlitecore

import (
	"context"

	"corebridge/internal/native"
	"corebridge/internal/platform/sqlite"
)

type scope uint8

const (
	scopeFile scope = iota
	scopeObject
	scopeClass
)

// subscription is the engine side of a notification token.
type subscription struct {
	scope  scope
	objKey int64
	class  string
	where  native.Fields
	cb     native.Callback
}

func (s *subscription) matches(n commitNote) bool {
	switch s.scope {
	case scopeObject:
		_, ok := n.keys[s.objKey]
		return ok
	case scopeClass:
		_, ok := n.classes[s.class]
		return ok
	default:
		return len(n.keys) > 0
	}
}

// Subscribe implements native.Engine.
func (e *Engine) Subscribe(target native.Token, cb native.Callback) (native.Token, error) {
	const op = "subscribe"

	if cb == nil {
		return 0, native.Errorf(op, native.CodeInvalidArgument, "callback is required")
	}

	e.mu.Lock()
	te, err := e.get(op, target)
	if err != nil {
		e.mu.Unlock()
		return 0, err
	}
	sub := &subscription{cb: cb}
	switch te.kind {
	case native.KindObject:
		sub.scope, sub.objKey = scopeObject, te.objKey
	case native.KindQuery, native.KindResultSet:
		sub.scope, sub.class, sub.where = scopeClass, te.class, te.where
	case native.KindDatabase, native.KindLiveVersion, native.KindFrozenVersion:
		sub.scope = scopeFile
	default:
		e.mu.Unlock()
		return 0, native.Errorf(op, native.CodeWrongKind, "cannot observe %s", te.kind)
	}
	tok := e.alloc(&entry{kind: native.KindNotificationToken, file: te.file, sub: sub})
	f := te.file
	e.mu.Unlock()

	f.addSub(tok, sub)
	return tok, nil
}

// Changes implements native.Engine.
func (e *Engine) Changes(ctx context.Context, subTok, from, to native.Token) (native.ChangeSet, error) {
	const op = "changes"

	e.mu.Lock()
	se, err := e.get(op, subTok, native.KindNotificationToken)
	var fe, te *entry
	if err == nil {
		fe, err = e.get(op, from, native.KindFrozenVersion)
	}
	if err == nil {
		te, err = e.get(op, to, native.KindFrozenVersion)
	}
	e.mu.Unlock()
	if err != nil {
		return native.ChangeSet{}, err
	}
	if fe.file != se.file || te.file != se.file {
		return native.ChangeSet{}, native.Errorf(op, native.CodeInvalidArgument, "versions belong to another file")
	}

	v1, v2 := fe.version, te.version
	if v1 == v2 {
		return native.ChangeSet{}, nil
	}

	var cs native.ChangeSet
	db := se.file.db
	switch s := se.sub; s.scope {
	case scopeObject:
		cs, err = objectChanges(ctx, db, s.objKey, v1, v2)
	case scopeClass:
		cs, err = collectionChanges(ctx, db, s.class, s.where, v1, v2)
	default:
		cs, err = fileChanges(ctx, db, v1, v2)
	}
	if err != nil {
		return native.ChangeSet{}, native.WrapError(op, native.CodeInternal, err)
	}
	return cs, nil
}

func objectChanges(ctx context.Context, q sqlite.Querier, objKey int64, v1, v2 uint64) (native.ChangeSet, error) {
	after, ok, err := rowAt(ctx, q, objKey, v2)
	if err != nil {
		return native.ChangeSet{}, err
	}
	if !ok {
		return native.ChangeSet{Deleted: true}, nil
	}
	before, ok, err := rowAt(ctx, q, objKey, v1)
	if err != nil {
		return native.ChangeSet{}, err
	}
	if !ok {
		before.fields = native.Fields{}
	}
	if before.id == after.id {
		return native.ChangeSet{}, nil
	}
	return native.ChangeSet{Fields: changedFields(before.fields, after.fields)}, nil
}

func collectionChanges(ctx context.Context, q sqlite.Querier, class string, where native.Fields, v1, v2 uint64) (native.ChangeSet, error) {
	before, err := listKeys(ctx, q, class, where, v1)
	if err != nil {
		return native.ChangeSet{}, err
	}
	after, err := listKeys(ctx, q, class, where, v2)
	if err != nil {
		return native.ChangeSet{}, err
	}

	old := make(map[int64]int64, len(before))
	for _, k := range before {
		old[k.objKey] = k.rowID
	}
	cur := make(map[int64]struct{}, len(after))

	var cs native.ChangeSet
	for j, k := range after {
		cur[k.objKey] = struct{}{}
		rowID, existed := old[k.objKey]
		switch {
		case !existed:
			cs.Insertions = append(cs.Insertions, j)
		case rowID != k.rowID:
			cs.Modifications = append(cs.Modifications, j)
		}
	}
	for i, k := range before {
		if _, ok := cur[k.objKey]; !ok {
			cs.Deletions = append(cs.Deletions, i)
		}
	}
	return cs, nil
}

func fileChanges(ctx context.Context, q sqlite.Querier, v1, v2 uint64) (native.ChangeSet, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT DISTINCT class FROM objects
		WHERE (v_from > ? AND v_from <= ?) OR (v_to > ? AND v_to <= ?)
		ORDER BY class`, v1, v2, v1, v2)
	if err != nil {
		return native.ChangeSet{}, err
	}
	defer rows.Close()

	var cs native.ChangeSet
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return native.ChangeSet{}, err
		}
		cs.Classes = append(cs.Classes, c)
	}
	return cs, rows.Err()
}
