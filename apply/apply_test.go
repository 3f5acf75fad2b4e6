package apply

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-changeset-kit/changeset"
	"github.com/c0deZ3R0/go-changeset-kit/conflict"
	cserrors "github.com/c0deZ3R0/go-changeset-kit/errors"
	"github.com/c0deZ3R0/go-changeset-kit/handlers/aggregate"
	"github.com/c0deZ3R0/go-changeset-kit/handlers/fileprops"
	"github.com/c0deZ3R0/go-changeset-kit/metrics"
	"github.com/c0deZ3R0/go-changeset-kit/resolve"
)

func TestApplyCleanChangeset(t *testing.T) {
	b := newBriefcase(t, `INSERT INTO items VALUES (1, 'bolt', 10), (2, 'nut', 5)`)
	rec := newRecorder()
	e := newEngine(t, b, WithMetrics(rec))

	data := build(t, func(cb *changeset.Builder) {
		require.NoError(t, cb.Insert("items", itemsPK, []changeset.Value{i64(3), txt("washer"), i64(7)}))
		require.NoError(t, cb.Update("items", itemsPK,
			[]changeset.Value{i64(1), txt("bolt"), i64(10)},
			[]changeset.Value{i64(1), txt("bolt"), i64(12)}))
		require.NoError(t, cb.Delete("items", itemsPK, []changeset.Value{i64(2), txt("nut"), i64(5)}))
	})

	res, err := e.Apply(context.Background(), Bytes(1, "c1", data))
	require.NoError(t, err)
	assert.Equal(t, Committed, res.State)
	assert.NotEmpty(t, res.SessionID)
	assert.Equal(t, 3, res.Rows)
	assert.Equal(t, 3, res.Applied)
	assert.Zero(t, res.ConflictCount())

	rows := rowsOf(t, b, "items")
	require.Len(t, rows, 2)
	assert.Equal(t, int64(12), rows[0][2].Int())
	assert.Equal(t, "washer", rows[1][1].Text())

	tip, err := b.Tip(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, tip.Index)
	assert.Equal(t, "c1", tip.ID)

	assert.Equal(t, 1, rec.sessions[metrics.OutcomeCommitted])
	assert.Equal(t, 3, rec.applied)
}

func TestAbortLeavesBriefcaseUnchanged(t *testing.T) {
	b := newBriefcase(t, `INSERT INTO items VALUES (1, 'bolt', 10), (2, 'nut', 5)`)
	rec := newRecorder()
	e := newEngine(t, b, WithMetrics(rec))
	before := snapshot(t, b)

	data := build(t, func(cb *changeset.Builder) {
		require.NoError(t, cb.Update("items", itemsPK,
			[]changeset.Value{i64(1), txt("bolt"), i64(10)},
			[]changeset.Value{i64(1), txt("bolt"), i64(99)}))
		require.NoError(t, cb.Insert("items", itemsPK, []changeset.Value{i64(2), txt("other nut"), i64(1)}))
		require.NoError(t, cb.Insert("items", itemsPK, []changeset.Value{i64(3), txt("washer"), i64(7)}))
	})

	res, err := e.Apply(context.Background(), Bytes(1, "c1", data))
	require.Error(t, err)
	assert.ErrorIs(t, err, cserrors.ErrConflictAbort)

	var ce *cserrors.Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "items", ce.Table)
	assert.Equal(t, "INSERT", ce.Opcode)
	assert.Equal(t, "Conflict", ce.Cause)
	assert.Equal(t, "2", ce.Key)
	assert.Equal(t, resolve.DefaultPolicyName, ce.Metadata["handler"])

	require.NotNil(t, res)
	assert.Equal(t, Aborted, res.State)
	assert.True(t, before.Equal(snapshot(t, b)), "briefcase must be byte-identical after abort")

	tip, err := b.Tip(context.Background())
	require.NoError(t, err)
	assert.True(t, tip.IsZero())

	assert.Equal(t, 1, rec.sessions[metrics.OutcomeAborted])
	assert.Equal(t, []string{string(cserrors.CodeConflictAbort)}, rec.errs)
}

func TestDefaultPolicyOutcomes(t *testing.T) {
	b := newBriefcase(t, `INSERT INTO items VALUES (1, 'bolt', 10)`)
	e := newEngine(t, b)

	// update and delete of rows that are gone are skipped
	data := build(t, func(cb *changeset.Builder) {
		require.NoError(t, cb.Update("items", itemsPK,
			[]changeset.Value{i64(7), txt("gone"), i64(1)},
			[]changeset.Value{i64(7), txt("gone"), i64(2)}))
		require.NoError(t, cb.Delete("items", itemsPK, []changeset.Value{i64(8), txt("gone too"), i64(1)}))
	})
	res, err := e.Apply(context.Background(), Bytes(1, "", data))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Conflicts[conflict.CauseNotFound])
	assert.Equal(t, 2, res.Skipped)

	// a direct data conflict aborts
	require.NoError(t, b.Exec(context.Background(), `UPDATE items SET qty = 11 WHERE id = 1`))
	data = build(t, func(cb *changeset.Builder) {
		require.NoError(t, cb.Update("items", itemsPK,
			[]changeset.Value{i64(1), txt("bolt"), i64(10)},
			[]changeset.Value{i64(1), txt("bolt"), i64(20)}))
	})
	_, err = e.Apply(context.Background(), Bytes(2, "", data))
	require.ErrorIs(t, err, cserrors.ErrConflictAbort)
	var ce *cserrors.Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "Data", ce.Cause)
	assert.Equal(t, "UPDATE", ce.Opcode)
}

func TestUnchangedColumnDifferenceIsNotAConflict(t *testing.T) {
	b := newBriefcase(t, `INSERT INTO items VALUES (1, 'bolt', 10)`)
	e := newEngine(t, b)
	require.NoError(t, b.Exec(context.Background(), `UPDATE items SET name = 'local bolt' WHERE id = 1`))

	data := build(t, func(cb *changeset.Builder) {
		require.NoError(t, cb.Update("items", itemsPK,
			[]changeset.Value{i64(1), txt("bolt"), i64(10)},
			[]changeset.Value{i64(1), txt("bolt"), i64(15)}))
	})
	res, err := e.Apply(context.Background(), Bytes(1, "", data))
	require.NoError(t, err)
	assert.Zero(t, res.ConflictCount())

	row := rowsOf(t, b, "items")[0]
	assert.Equal(t, "local bolt", row[1].Text())
	assert.Equal(t, int64(15), row[2].Int())
}

func TestReplaceIsIdempotent(t *testing.T) {
	b := newBriefcase(t, `INSERT INTO items VALUES (1, 'bolt', 10), (2, 'nut', 5)`)
	e := newEngine(t, b, withChain(t, resolve.WithTableHandler("items", resolve.Always(conflict.Replace))))
	require.NoError(t, b.Exec(context.Background(), `UPDATE items SET qty = 11 WHERE id = 1`))

	data := build(t, func(cb *changeset.Builder) {
		require.NoError(t, cb.Update("items", itemsPK,
			[]changeset.Value{i64(1), txt("bolt"), i64(10)},
			[]changeset.Value{i64(1), txt("bolt"), i64(20)}))
		require.NoError(t, cb.Insert("items", itemsPK, []changeset.Value{i64(2), txt("big nut"), i64(6)}))
	})

	res, err := e.Apply(context.Background(), Bytes(1, "", data))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Replaced)
	assert.Equal(t, 1, res.Conflicts[conflict.CauseData])
	assert.Equal(t, 1, res.Conflicts[conflict.CauseConflict])
	once := snapshot(t, b)

	res, err = e.Apply(context.Background(), Bytes(2, "", data))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Replaced)
	assert.True(t, once.Equal(snapshot(t, b)))

	rows := rowsOf(t, b, "items")
	assert.Equal(t, int64(20), rows[0][2].Int())
	assert.Equal(t, "big nut", rows[1][1].Text())
}

func TestReplacedDelete(t *testing.T) {
	b := newBriefcase(t, `INSERT INTO items VALUES (1, 'bolt', 10)`)
	e := newEngine(t, b, withChain(t, resolve.WithTableHandler("items", resolve.Always(conflict.Replace))))
	require.NoError(t, b.Exec(context.Background(), `UPDATE items SET qty = 11 WHERE id = 1`))

	data := build(t, func(cb *changeset.Builder) {
		require.NoError(t, cb.Delete("items", itemsPK, []changeset.Value{i64(1), txt("bolt"), i64(10)}))
	})
	res, err := e.Apply(context.Background(), Bytes(1, "", data))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replaced)
	assert.Empty(t, rowsOf(t, b, "items"))
}

func TestIndirectCascadeResolvesAsIndirectData(t *testing.T) {
	b := newBriefcase(t,
		`INSERT INTO parent VALUES (1, 'A', 'base')`,
		`INSERT INTO child VALUES (10, 'A', 'c')`,
	)
	var seen []*conflict.Args
	chain, err := resolve.NewChain(
		resolve.WithTableHandler("parent", resolve.Always(conflict.Replace)),
		resolve.WithHooks(resolve.Hooks{OnResolved: func(args *conflict.Args, d conflict.Decision) {
			cp := *args
			seen = append(seen, &cp)
		}}),
	)
	require.NoError(t, err)
	e := newEngine(t, b, WithChain(chain))

	// the local edit makes the parent row itself a data conflict
	require.NoError(t, b.Exec(context.Background(), `UPDATE parent SET label = 'local' WHERE id = 1`))

	cb := changeset.NewBuilder()
	require.NoError(t, cb.Update("parent", parentPK,
		[]changeset.Value{i64(1), txt("A"), txt("base")},
		[]changeset.Value{i64(1), txt("B"), txt("remote")}))
	require.NoError(t, cb.Add(&changeset.ChangeRecord{
		Table: "child", Columns: 3, PrimaryKey: childPK, Op: changeset.OpUpdate, Indirect: true,
		Old: []changeset.Value{i64(10), txt("A"), {}},
		New: []changeset.Value{{}, txt("B"), {}},
	}))
	data, err := cb.Encode()
	require.NoError(t, err)

	res, err := e.Apply(context.Background(), Bytes(1, "", data))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Replaced)

	require.Len(t, seen, 2)
	assert.Equal(t, "parent", seen[0].Table)
	assert.Equal(t, "child", seen[1].Table)
	assert.Equal(t, conflict.CauseData, seen[1].Cause)
	assert.True(t, seen[1].Indirect)
	for _, args := range seen {
		if args.Table == "child" {
			assert.False(t, args.Cause == conflict.CauseData && !args.Indirect)
		}
	}

	child := rowsOf(t, b, "child")
	require.Len(t, child, 1)
	assert.Equal(t, "B", child[0][1].Text())
	parent := rowsOf(t, b, "parent")
	assert.Equal(t, "remote", parent[0][2].Text())
}

func TestConstraintConflicts(t *testing.T) {
	orphan := func(t *testing.T) []byte {
		return build(t, func(cb *changeset.Builder) {
			require.NoError(t, cb.Insert("items", itemsPK, []changeset.Value{i64(5), txt("ok"), i64(1)}))
			require.NoError(t, cb.Insert("child", childPK, []changeset.Value{i64(20), txt("nope"), txt("orphan")}))
		})
	}

	t.Run("default aborts", func(t *testing.T) {
		b := newBriefcase(t)
		before := snapshot(t, b)
		_, err := newEngine(t, b).Apply(context.Background(), Bytes(1, "", orphan(t)))
		require.ErrorIs(t, err, cserrors.ErrConflictAbort)
		var ce *cserrors.Error
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, "Constraint", ce.Cause)
		assert.Equal(t, "child", ce.Table)
		reason, ok := conflict.ReasonFromError(err)
		require.True(t, ok, "driver error stays reachable")
		assert.Equal(t, conflict.ReasonConstraint, reason)
		assert.True(t, before.Equal(snapshot(t, b)))
	})

	t.Run("handler skips", func(t *testing.T) {
		b := newBriefcase(t)
		e := newEngine(t, b, withChain(t,
			resolve.WithRule("drop-orphans", resolve.CauseIs(conflict.CauseConstraint), resolve.Always(conflict.Skip))))
		res, err := e.Apply(context.Background(), Bytes(1, "", orphan(t)))
		require.NoError(t, err)
		assert.Equal(t, 1, res.Skipped)
		assert.Equal(t, 1, res.Conflicts[conflict.CauseConstraint])
		assert.Len(t, rowsOf(t, b, "items"), 1)
		assert.Empty(t, rowsOf(t, b, "child"))
	})

	t.Run("replace is rejected", func(t *testing.T) {
		b := newBriefcase(t)
		before := snapshot(t, b)
		e := newEngine(t, b, withChain(t, resolve.WithTableHandler("child", resolve.Always(conflict.Replace))))
		_, err := e.Apply(context.Background(), Bytes(1, "", orphan(t)))
		require.ErrorIs(t, err, cserrors.ErrHandler)
		assert.True(t, before.Equal(snapshot(t, b)))
	})
}

func TestHandlerErrorRollsBack(t *testing.T) {
	b := newBriefcase(t, `INSERT INTO items VALUES (1, 'bolt', 10)`)
	require.NoError(t, b.Exec(context.Background(), `UPDATE items SET qty = 11 WHERE id = 1`))
	before := snapshot(t, b)

	boom := errors.New("boom")
	e := newEngine(t, b, withChain(t, resolve.WithTableHandler("items",
		resolve.HandlerFunc(func(context.Context, *conflict.Args) (conflict.Decision, error) {
			return conflict.Decision{}, boom
		}))))

	data := build(t, func(cb *changeset.Builder) {
		require.NoError(t, cb.Insert("items", itemsPK, []changeset.Value{i64(4), txt("clean"), i64(1)}))
		require.NoError(t, cb.Update("items", itemsPK,
			[]changeset.Value{i64(1), txt("bolt"), i64(10)},
			[]changeset.Value{i64(1), txt("bolt"), i64(20)}))
	})
	res, err := e.Apply(context.Background(), Bytes(1, "", data))
	require.ErrorIs(t, err, cserrors.ErrHandler)
	require.ErrorIs(t, err, boom)

	var ce *cserrors.Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "items", ce.Table)
	assert.Equal(t, "1", ce.Key)
	assert.Equal(t, Aborted, res.State)
	assert.True(t, before.Equal(snapshot(t, b)))
}

func TestFilePropertyThreeWay(t *testing.T) {
	b := newBriefcase(t, fileprops.Schema,
		`INSERT INTO be_Prop (Namespace, Name, Id, SubId, StrData) VALUES ('dgn_Db', 'Units', 16, 0, 'C')`,
		`INSERT INTO be_Prop (Namespace, Name, Id, SubId, StrData) VALUES ('dgn_Db', 'Scale', 0, 0, 'A')`,
	)
	handler := fileprops.New()
	e := newEngine(t, b, withChain(t, resolve.WithTableHandler(fileprops.TableName, handler)))

	pk := []int{0, 1, 2, 3}
	prop := func(name string, id int64, str string) []changeset.Value {
		return []changeset.Value{txt("dgn_Db"), txt(name), i64(id), i64(0), i64(0), txt(str), changeset.Null(), changeset.Null()}
	}
	data := build(t, func(cb *changeset.Builder) {
		require.NoError(t, cb.Update(fileprops.TableName, pk, prop("Units", 16, "A"), prop("Units", 16, "B")))
		require.NoError(t, cb.Update(fileprops.TableName, pk, prop("Scale", 0, "A"), prop("Scale", 0, "B")))
	})

	res, err := e.Apply(context.Background(), Bytes(3, "c3", data))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replaced, "only the locally edited property conflicts")
	assert.Equal(t, 1, res.Applied)

	require.Len(t, res.Log, 1)
	entry := res.Log[0]
	assert.Equal(t, 3, entry.ChangesetIndex)
	assert.Equal(t, "dgn_Db/Units/0x10/0x0", entry.Key)
	assert.Equal(t, "A", entry.Old.Text())
	assert.Equal(t, "B", entry.New.Text())
	assert.Equal(t, "C", entry.Local.Text())
	assert.Equal(t, conflict.Replace, entry.Resolution)

	for _, row := range rowsOf(t, b, fileprops.TableName) {
		assert.Equal(t, "B", row[5].Text(), "incoming wins for %s", row[1].Text())
	}
}

func TestAggregateMerge(t *testing.T) {
	old := aggregate.Range3d{Low: aggregate.Point3d{0, 0, 0}, High: aggregate.Point3d{10, 10, 10}}
	local := aggregate.Range3d{Low: aggregate.Point3d{-5, -5, -5}, High: aggregate.Point3d{10, 10, 10}}
	incoming := aggregate.Range3d{Low: aggregate.Point3d{-5, 0, 0}, High: aggregate.Point3d{15, 15, 15}}

	b := newBriefcase(t, `CREATE TABLE models (id INTEGER PRIMARY KEY, extent TEXT, name TEXT)`)
	require.NoError(t, b.Exec(context.Background(), `INSERT INTO models VALUES (1, ?, 'm')`, local.Value().Text()))
	e := newEngine(t, b, withChain(t, resolve.WithTableHandler("models",
		aggregate.New(aggregate.RangeUnion, []int{1}, aggregate.WithName("extent")))))

	data := build(t, func(cb *changeset.Builder) {
		require.NoError(t, cb.Update("models", []int{0},
			[]changeset.Value{i64(1), old.Value(), txt("m")},
			[]changeset.Value{i64(1), incoming.Value(), txt("m")}))
	})
	res, err := e.Apply(context.Background(), Bytes(1, "", data))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replaced)

	got, err := aggregate.ParseRange(rowsOf(t, b, "models")[0][1])
	require.NoError(t, err)
	assert.Equal(t, "[-5,-5,-5]-[15,15,15]", got.String())
}

func TestSchemaChangesApplyFirst(t *testing.T) {
	b := newBriefcase(t)
	e := newEngine(t, b)

	cb := changeset.NewBuilder()
	require.NoError(t, cb.Insert("extra", []int{0}, []changeset.Value{i64(1), txt("x")}))
	data, err := cb.Encode(changeset.WithSchemaChanges("CREATE TABLE extra (id INTEGER PRIMARY KEY, v TEXT);"))
	require.NoError(t, err)

	res, err := e.Apply(context.Background(), Bytes(1, "", data))
	require.NoError(t, err)
	assert.True(t, res.SchemaApplied)
	assert.Len(t, rowsOf(t, b, "extra"), 1)
}

func TestInvertedChangesetRestoresState(t *testing.T) {
	b := newBriefcase(t, `INSERT INTO items VALUES (1, 'bolt', 10), (2, 'nut', 5)`)
	e := newEngine(t, b)
	before := snapshot(t, b)

	data := build(t, func(cb *changeset.Builder) {
		require.NoError(t, cb.Insert("items", itemsPK, []changeset.Value{i64(3), txt("washer"), i64(7)}))
		require.NoError(t, cb.Update("items", itemsPK,
			[]changeset.Value{i64(1), txt("bolt"), i64(10)},
			[]changeset.Value{i64(1), txt("bolt"), i64(12)}))
		require.NoError(t, cb.Delete("items", itemsPK, []changeset.Value{i64(2), txt("nut"), i64(5)}))
	})
	_, err := e.Apply(context.Background(), Bytes(1, "", data))
	require.NoError(t, err)
	assert.False(t, before.Equal(snapshot(t, b)))

	_, err = e.Apply(context.Background(), Bytes(2, "", data, changeset.WithInvert()))
	require.NoError(t, err)
	assert.True(t, before.Equal(snapshot(t, b)))
}

func TestSourceErrorsNeverReachHandlers(t *testing.T) {
	b := newBriefcase(t)
	called := false
	e := newEngine(t, b, withChain(t, resolve.WithRule("all", resolve.Any(),
		resolve.HandlerFunc(func(context.Context, *conflict.Args) (conflict.Decision, error) {
			called = true
			return conflict.Decline(), nil
		}))))

	res, err := e.Apply(context.Background(), Bytes(1, "", []byte("not a changeset")))
	require.ErrorIs(t, err, cserrors.ErrFormat)
	assert.Equal(t, Aborted, res.State)

	_, err = e.Apply(context.Background(), File(1, "", "/does/not/exist.cset"))
	require.ErrorIs(t, err, cserrors.ErrIO)
	assert.False(t, called)
}

func TestShapeMismatch(t *testing.T) {
	b := newBriefcase(t)
	data := build(t, func(cb *changeset.Builder) {
		require.NoError(t, cb.Insert("items", itemsPK, []changeset.Value{i64(1), txt("too"), i64(1), i64(1)}))
	})
	_, err := newEngine(t, b).Apply(context.Background(), Bytes(1, "", data))
	require.ErrorIs(t, err, cserrors.ErrValidation)
}

func TestCancellationRollsBack(t *testing.T) {
	b := newBriefcase(t)
	before := snapshot(t, b)
	ctx, cancel := context.WithCancel(context.Background())

	e := newEngine(t, b, withChain(t, resolve.WithRule("cancel", resolve.Any(),
		resolve.HandlerFunc(func(context.Context, *conflict.Args) (conflict.Decision, error) {
			cancel()
			return conflict.Resolve(conflict.Skip), nil
		}))))

	data := build(t, func(cb *changeset.Builder) {
		require.NoError(t, cb.Update("items", itemsPK,
			[]changeset.Value{i64(1), txt("gone"), i64(1)},
			[]changeset.Value{i64(1), txt("gone"), i64(2)}))
		require.NoError(t, cb.Insert("items", itemsPK, []changeset.Value{i64(2), txt("never"), i64(1)}))
	})
	_, err := e.Apply(ctx, Bytes(1, "", data))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, before.Equal(snapshot(t, b)))
}

func TestSingleWriter(t *testing.T) {
	b := newBriefcase(t)
	e := newEngine(t, b)
	data := build(t, func(cb *changeset.Builder) {
		require.NoError(t, cb.Insert("items", itemsPK, []changeset.Value{i64(1), txt("a"), i64(1)}))
	})

	require.True(t, e.sem.TryAcquire(1))
	_, err := e.Apply(context.Background(), Bytes(1, "", data))
	require.ErrorIs(t, err, ErrSessionActive)
	e.sem.Release(1)

	s := e.NewSession(Bytes(1, "", data))
	assert.Equal(t, Idle, s.State())
	_, err = s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Committed, s.State())

	_, err = s.Run(context.Background())
	require.ErrorIs(t, err, ErrSessionUsed)
}

func TestSessionLogIsPerSession(t *testing.T) {
	b := newBriefcase(t, fileprops.Schema,
		`INSERT INTO be_Prop (Namespace, Name, StrData) VALUES ('ns', 'p', 'C')`)
	e := newEngine(t, b, withChain(t, resolve.WithTableHandler(fileprops.TableName, fileprops.New())))

	prop := func(str string) []changeset.Value {
		return []changeset.Value{txt("ns"), txt("p"), i64(0), i64(0), i64(0), txt(str), changeset.Null(), changeset.Null()}
	}
	first := build(t, func(cb *changeset.Builder) {
		require.NoError(t, cb.Update(fileprops.TableName, []int{0, 1, 2, 3}, prop("A"), prop("B")))
	})
	second := build(t, func(cb *changeset.Builder) {
		require.NoError(t, cb.Update(fileprops.TableName, []int{0, 1, 2, 3}, prop("B"), prop("D")))
	})

	res, err := e.Apply(context.Background(), Bytes(1, "", first))
	require.NoError(t, err)
	assert.Len(t, res.Log, 1)

	res, err = e.Apply(context.Background(), Bytes(2, "", second))
	require.NoError(t, err)
	assert.Empty(t, res.Log, "no conflict, and nothing carried over from the previous session")
}

func TestAbortedSessionHasNoLog(t *testing.T) {
	b := newBriefcase(t, fileprops.Schema,
		`INSERT INTO be_Prop (Namespace, Name, StrData) VALUES ('ns', 'p', 'C')`,
		`INSERT INTO items VALUES (1, 'bolt', 10)`)
	e := newEngine(t, b, withChain(t, resolve.WithTableHandler(fileprops.TableName, fileprops.New())))
	before := snapshot(t, b)

	prop := func(str string) []changeset.Value {
		return []changeset.Value{txt("ns"), txt("p"), i64(0), i64(0), i64(0), txt(str), changeset.Null(), changeset.Null()}
	}
	data := build(t, func(cb *changeset.Builder) {
		require.NoError(t, cb.Update(fileprops.TableName, []int{0, 1, 2, 3}, prop("A"), prop("B")))
		require.NoError(t, cb.Insert("items", itemsPK, []changeset.Value{i64(1), txt("dup"), i64(1)}))
	})

	s := e.NewSession(Bytes(1, "", data))
	res, err := s.Run(context.Background())
	require.ErrorIs(t, err, cserrors.ErrConflictAbort)
	assert.Equal(t, Aborted, res.State)
	assert.Empty(t, res.Log, "the property replace was rolled back")
	assert.Zero(t, s.Log().Len())
	assert.True(t, before.Equal(snapshot(t, b)))
}

func TestSourceOpenErrorIsStructured(t *testing.T) {
	b := newBriefcase(t)
	unreachable := errors.New("object store unreachable")
	cs := Changeset{Index: 1, Open: func() (*changeset.Reader, error) { return nil, unreachable }}

	res, err := newEngine(t, b).Apply(context.Background(), cs)
	require.ErrorIs(t, err, unreachable)
	assert.Equal(t, Aborted, res.State)

	var ce *cserrors.Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, cserrors.OpOpen, ce.Op)
	assert.Equal(t, "changeset", ce.Component)
}
