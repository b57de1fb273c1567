package sqlitecore

import (
	"context"
	"encoding/json"

	"corebridge/internal/native"
)

// Compact implements native.Engine. A superseded row is deleted unless the
// head or a pinned version falls inside [v_from, v_to). Compaction is refused
// while a write transaction is open.
func (e *Engine) Compact(ctx context.Context, db native.Token) (int64, error) {
	const op = "compact"

	e.mu.Lock()
	en, err := e.get(op, db, native.KindDatabase)
	if err != nil {
		e.mu.Unlock()
		return 0, err
	}
	f := en.file
	if f.tx != nil {
		e.mu.Unlock()
		return 0, native.Errorf(op, native.CodeBusy, "write transaction open on %s", f.path)
	}
	pinned, err := json.Marshal(f.pinnedVersions())
	e.mu.Unlock()
	if err != nil {
		return 0, native.WrapError(op, native.CodeInternal, err)
	}

	var removed int64
	err = f.runner.WithinTx(ctx, func(ctx context.Context) error {
		q := f.runner.GetQuerier(ctx)
		res, err := q.ExecContext(ctx, `
			DELETE FROM objects
			WHERE v_to IS NOT NULL
			  AND NOT EXISTS (
			    SELECT 1 FROM json_each(?) AS p
			    WHERE p.value >= objects.v_from AND p.value < objects.v_to)`, string(pinned))
		if err != nil {
			return err
		}
		if removed, err = res.RowsAffected(); err != nil {
			return err
		}
		_, err = q.ExecContext(ctx,
			`DELETE FROM object_keys WHERE obj_key NOT IN (SELECT obj_key FROM objects)`)
		return err
	})
	if err != nil {
		return 0, fileError(op, err)
	}

	f.log.Debug("compacted", "pinned", string(pinned), "rows", removed)
	return removed, nil
}
