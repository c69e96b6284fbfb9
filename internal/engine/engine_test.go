package engine

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.docstore/internal/bson"
	"go.docstore/internal/config"
	"go.docstore/internal/index"
	"go.docstore/internal/logger"
	"go.docstore/internal/storage"
)

func testConfig() config.Engine {
	cfg := config.DefaultEngine()
	cfg.Sync = false
	cfg.Checkpoint = 0
	cfg.CacheSize = 256
	cfg.Timeout = 100 * time.Millisecond
	cfg.Seed = 11
	return cfg
}

func openEngine(t *testing.T, path string, cfg config.Engine) *Engine {
	t.Helper()
	e, err := New(path, cfg, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func newEngine(t *testing.T) *Engine {
	return openEngine(t, filepath.Join(t.TempDir(), "test.db"), testConfig())
}

func ids(t *testing.T, docs []*bson.Document) []int32 {
	t.Helper()
	var out []int32
	for _, d := range docs {
		id, ok := d.ID()
		require.True(t, ok)
		out = append(out, id.AsInt32())
	}
	return out
}

func TestCRUDScenario(t *testing.T) {
	e := newEngine(t)

	var batch []*bson.Document
	for i := 1; i <= 100; i++ {
		batch = append(batch, bson.D("_id", bson.Int32(int32(i)), "name", bson.String(fmt.Sprintf("user-%d", i)), "age", bson.Int32(int32(i%10))))
	}
	n, err := e.Insert("users", batch, AutoObjectID)
	require.NoError(t, err)
	require.Equal(t, 100, n)

	var even []bson.Value
	for i := 2; i <= 100; i += 2 {
		even = append(even, bson.Int32(int32(i)))
	}
	n, err = e.Delete("users", even...)
	require.NoError(t, err)
	assert.Equal(t, 50, n)

	count, err := e.Count("users", Query{})
	require.NoError(t, err)
	assert.Equal(t, 50, count)

	created, err := e.EnsureIndex("users", "name", "name", false)
	require.NoError(t, err)
	assert.True(t, created)
	created, err = e.EnsureIndex("users", "name", "$.name", false)
	require.NoError(t, err)
	assert.False(t, created, "same definition is kept")

	doc, err := e.FindOne("users", Query{Index: "name", Op: index.OpEQ, Values: []bson.Value{bson.String("USER-51")}})
	require.NoError(t, err)
	require.NotNil(t, doc)
	id, _ := doc.ID()
	assert.Equal(t, int32(51), id.AsInt32())

	doc, err = e.FindByID("users", bson.Int32(2))
	require.NoError(t, err)
	assert.Nil(t, doc)

	doc = bson.D("_id", bson.Int32(3), "name", bson.String("renamed"), "age", bson.Int32(99))
	n, err = e.Update("users", []*bson.Document{doc, bson.D("_id", bson.Int32(4))})
	require.NoError(t, err)
	assert.Equal(t, 1, n, "id 4 was deleted")

	got, err := e.Find("users", Query{Index: "name", Op: index.OpStartsWith, Values: []bson.Value{bson.String("ren")}})
	require.NoError(t, err)
	assert.Equal(t, []int32{3}, ids(t, got))

	ok, err := e.Exists("users", Query{Index: "name", Op: index.OpEQ, Values: []bson.Value{bson.String("user-3")}})
	require.NoError(t, err)
	assert.False(t, ok, "old key is gone")

	got, err = e.Find("users", Query{Op: index.OpBetween, Values: []bson.Value{bson.Int32(10), bson.Int32(20)}, Order: index.Descending})
	require.NoError(t, err)
	assert.Equal(t, []int32{19, 17, 15, 13, 11}, ids(t, got))

	got, err = e.Find("users", Query{Where: func(d *bson.Document) bool {
		age, _ := d.Get("age")
		return age.AsInt32() == 5
	}})
	require.NoError(t, err)
	assert.Equal(t, []int32{5, 15, 25, 35, 45, 55, 65, 75, 85, 95}, ids(t, got))

	n, err = e.DeleteMany("users", Query{Op: index.OpGT, Values: []bson.Value{bson.Int32(90)}})
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	count, err = e.Count("users", Query{Index: "name"})
	require.NoError(t, err)
	assert.Equal(t, 45, count)
}

func TestUniqueConstraint(t *testing.T) {
	e := newEngine(t)

	_, err := e.EnsureIndex("people", "email", "email", true)
	require.NoError(t, err)
	_, err = e.Insert("people", []*bson.Document{bson.D("_id", bson.Int32(1), "email", bson.String("a@x.com"))}, AutoObjectID)
	require.NoError(t, err)

	_, err = e.Insert("people", []*bson.Document{
		bson.D("_id", bson.Int32(2), "email", bson.String("b@x.com")),
		bson.D("_id", bson.Int32(3), "email", bson.String("A@X.com")),
	}, AutoObjectID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrDuplicateKey))

	count, err := e.Count("people", Query{})
	require.NoError(t, err)
	assert.Equal(t, 1, count, "whole batch rolled back")

	_, err = e.Insert("people", []*bson.Document{bson.D("_id", bson.Int32(1), "email", bson.String("c@x.com"))}, AutoObjectID)
	assert.True(t, errors.Is(err, storage.ErrDuplicateKey), "duplicate _id")

	// inside an explicit transaction the failed insert leaves no trace
	tx, err := e.BeginTrans()
	require.NoError(t, err)
	_, err = tx.Insert("people", []*bson.Document{bson.D("_id", bson.Int32(4), "email", bson.String("A@x.COM"))}, AutoObjectID)
	assert.True(t, errors.Is(err, storage.ErrDuplicateKey))
	_, err = tx.Insert("people", []*bson.Document{bson.D("_id", bson.Int32(5), "email", bson.String("e@x.com"))}, AutoObjectID)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	for _, q := range []Query{{}, {Index: "email"}} {
		count, err = e.Count("people", q)
		require.NoError(t, err)
		assert.Equal(t, 2, count)
	}
	doc, err := e.FindByID("people", bson.Int32(4))
	require.NoError(t, err)
	assert.Nil(t, doc)

	indexes, err := e.GetIndexes("people")
	require.NoError(t, err)
	require.Len(t, indexes, 2)
	assert.Equal(t, uint32(2), indexes[0].KeyCount)
	assert.Equal(t, uint32(2), indexes[1].KeyCount)

	_, err = e.EnsureIndex("people", "email", "email", false)
	assert.True(t, errors.Is(err, storage.ErrIndexExists))
}

func TestUpdateRollbackWithInjectedFailure(t *testing.T) {
	e := newEngine(t)

	fields := []string{"f1", "f2", "f3", "f4", "f5"}
	for _, f := range fields {
		_, err := e.EnsureIndex("col", f, f, false)
		require.NoError(t, err)
	}
	orig := bson.D("_id", bson.Int32(1))
	for _, f := range fields {
		orig.Set(f, bson.String("old-"+f))
	}
	_, err := e.Insert("col", []*bson.Document{orig}, AutoObjectID)
	require.NoError(t, err)
	before := bson.ToJSON(orig)

	changed := orig.Clone()
	for _, f := range fields[:3] {
		changed.Set(f, bson.String("new-"+f))
	}
	changed.Set("padding", bson.String(strings.Repeat("z", 3*storage.PageSize)))

	injected := errors.New("injected failure")
	e.hook = func(step string) error {
		if step == "update:f2" {
			return injected
		}
		return nil
	}
	_, err = e.Update("col", []*bson.Document{changed})
	require.Error(t, err)
	assert.True(t, errors.Is(err, injected))
	e.hook = nil

	doc, err := e.FindByID("col", bson.Int32(1))
	require.NoError(t, err)
	assert.Equal(t, before, bson.ToJSON(doc))

	for _, f := range fields {
		n, err := e.Count("col", Query{Index: f, Op: index.OpEQ, Values: []bson.Value{bson.String("old-" + f)}})
		require.NoError(t, err)
		assert.Equal(t, 1, n, "index %s keeps the old key", f)
		n, err = e.Count("col", Query{Index: f, Op: index.OpEQ, Values: []bson.Value{bson.String("new-" + f)}})
		require.NoError(t, err)
		assert.Equal(t, 0, n, "index %s has no new key", f)
	}
	indexes, err := e.GetIndexes("col")
	require.NoError(t, err)
	for _, idx := range indexes {
		assert.Equal(t, uint32(1), idx.KeyCount, idx.Name)
	}

	// the same update goes through without the failure
	n, err := e.Update("col", []*bson.Document{changed})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	doc, err = e.FindOne("col", Query{Index: "f3", Op: index.OpEQ, Values: []bson.Value{bson.String("new-f3")}})
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, bson.ToJSON(changed), bson.ToJSON(doc))
}

func TestExplicitUpdateDuplicateKey(t *testing.T) {
	e := newEngine(t)

	_, err := e.EnsureIndex("people", "email", "email", true)
	require.NoError(t, err)
	_, err = e.Insert("people", []*bson.Document{
		bson.D("_id", bson.Int32(1), "email", bson.String("a")),
		bson.D("_id", bson.Int32(2), "email", bson.String("b")),
	}, AutoObjectID)
	require.NoError(t, err)

	tx, err := e.BeginTrans()
	require.NoError(t, err)
	_, err = tx.Update("people", []*bson.Document{bson.D("_id", bson.Int32(2), "email", bson.String("a"))})
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrDuplicateKey))

	// the transaction stays usable and keeps its other changes
	n, err := tx.Update("people", []*bson.Document{bson.D("_id", bson.Int32(1), "email", bson.String("c"))})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, tx.Commit())

	doc, err := e.FindByID("people", bson.Int32(2))
	require.NoError(t, err)
	require.NotNil(t, doc)
	email, _ := doc.Get("email")
	assert.Equal(t, "b", email.AsString())

	for key, want := range map[string]int{"a": 0, "b": 1, "c": 1} {
		n, err := e.Count("people", Query{Index: "email", Op: index.OpEQ, Values: []bson.Value{bson.String(key)}})
		require.NoError(t, err)
		assert.Equal(t, want, n, "email=%s", key)
	}
	indexes, err := e.GetIndexes("people")
	require.NoError(t, err)
	for _, idx := range indexes {
		assert.Equal(t, uint32(2), idx.KeyCount, idx.Name)
	}
}

func TestExplicitTransactionFailsAfterPartialUpdate(t *testing.T) {
	e := newEngine(t)

	_, err := e.EnsureIndex("col", "f", "f", false)
	require.NoError(t, err)
	orig := bson.D("_id", bson.Int32(1), "f", bson.String("old"))
	_, err = e.Insert("col", []*bson.Document{orig}, AutoObjectID)
	require.NoError(t, err)

	injected := errors.New("injected failure")
	e.hook = func(step string) error {
		if step == "update:f" {
			return injected
		}
		return nil
	}
	tx, err := e.BeginTrans()
	require.NoError(t, err)
	_, err = tx.Update("col", []*bson.Document{bson.D("_id", bson.Int32(1), "f", bson.String("new"))})
	assert.True(t, errors.Is(err, injected))
	e.hook = nil

	_, err = tx.Insert("col", []*bson.Document{bson.D("_id", bson.Int32(2))}, AutoObjectID)
	assert.True(t, errors.Is(err, storage.ErrInvalidTxState))
	err = tx.Commit()
	assert.True(t, errors.Is(err, storage.ErrInvalidTxState))

	doc, err := e.FindByID("col", bson.Int32(1))
	require.NoError(t, err)
	assert.Equal(t, bson.ToJSON(orig), bson.ToJSON(doc))
	n, err := e.Count("col", Query{Index: "f", Op: index.OpEQ, Values: []bson.Value{bson.String("new")}})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	n, err = e.Count("col", Query{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestConcurrentWriters(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 10 * time.Second
	cfg.Checkpoint = 8
	path := filepath.Join(t.TempDir(), "test.db")
	e := openEngine(t, path, cfg)

	const perWriter = 100
	collections := []string{"left", "right"}
	payload := strings.Repeat("p", 500)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for _, name := range collections {
		for w := 0; w < 2; w++ {
			wg.Add(1)
			go func(name string) {
				defer wg.Done()
				for i := 0; i < perWriter; i++ {
					doc := bson.D("body", bson.String(payload))
					if _, err := e.Insert(name, []*bson.Document{doc}, AutoInt32); err != nil {
						errs <- err
						return
					}
				}
			}(name)
		}
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := e.Count(name, Query{}); err != nil {
					errs <- err
					return
				}
			}
		}(name)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	check := func(e *Engine) {
		for _, name := range collections {
			n, err := e.Count(name, Query{})
			require.NoError(t, err)
			assert.Equal(t, 2*perWriter, n, name)
			last, err := e.FindOne(name, Query{Order: index.Descending})
			require.NoError(t, err)
			require.NotNil(t, last)
			id, _ := last.ID()
			assert.Equal(t, int32(2*perWriter), id.AsInt32(), "ids are handed out once")
		}
	}
	check(e)
	require.NoError(t, e.Close())

	e = openEngine(t, path, cfg)
	assert.Empty(t, e.RebuildErrors())
	check(e)
}

func TestMultiKeyIndex(t *testing.T) {
	e := newEngine(t)

	_, err := e.Insert("posts", []*bson.Document{
		bson.D("_id", bson.Int32(1), "tags", bson.Array(bson.String("go"), bson.String("db"))),
		bson.D("_id", bson.Int32(2), "tags", bson.Array(bson.String("db"), bson.String("DB"), bson.String("sql"))),
		bson.D("_id", bson.Int32(3), "tags", bson.Array()),
		bson.D("_id", bson.Int32(4), "tags", bson.String("go")),
	}, AutoObjectID)
	require.NoError(t, err)
	_, err = e.EnsureIndex("posts", "tags", "tags[*]", false)
	require.NoError(t, err)

	find := func(op index.Operator, values ...bson.Value) []int32 {
		docs, err := e.Find("posts", Query{Index: "tags", Op: op, Values: values})
		require.NoError(t, err)
		got := ids(t, docs)
		sort.Slice(got, func(a, b int) bool { return got[a] < got[b] })
		return got
	}
	assert.Equal(t, []int32{1, 2}, find(index.OpEQ, bson.String("db")))
	assert.Equal(t, []int32{1, 4}, find(index.OpEQ, bson.String("go")))
	assert.Equal(t, []int32{2}, find(index.OpEQ, bson.String("sql")))
	assert.Equal(t, []int32{1, 2, 4}, find(index.OpIn, bson.String("go"), bson.String("sql"), bson.String("db")))
	assert.Equal(t, []int32{1, 2, 3, 4}, find(index.OpAll), "each document once")

	// empty array indexes as null
	assert.Equal(t, []int32{3}, find(index.OpEQ, bson.Null()))

	_, err = e.Update("posts", []*bson.Document{bson.D("_id", bson.Int32(2), "tags", bson.Array(bson.String("go")))})
	require.NoError(t, err)
	assert.Equal(t, []int32{1}, find(index.OpEQ, bson.String("db")))
	assert.Equal(t, []int32{1, 2, 4}, find(index.OpEQ, bson.String("go")))

	dropped, err := e.DropIndex("posts", "tags")
	require.NoError(t, err)
	assert.True(t, dropped)
	_, err = e.Find("posts", Query{Index: "tags"})
	assert.True(t, errors.Is(err, storage.ErrIndexNotFound))
	dropped, err = e.DropIndex("posts", "tags")
	require.NoError(t, err)
	assert.False(t, dropped)
	_, err = e.DropIndex("posts", "_id")
	assert.True(t, errors.Is(err, storage.ErrDropPrimaryKey))
}

func TestLargeDocuments(t *testing.T) {
	e := newEngine(t)

	var batch []*bson.Document
	for i := 1; i <= 3; i++ {
		batch = append(batch, bson.D("_id", bson.Int32(int32(i)), "body", bson.String(strings.Repeat(fmt.Sprint(i), 30000))))
	}
	want := make([]string, len(batch))
	for i, d := range batch {
		want[i] = bson.ToJSON(d)
	}
	_, err := e.Insert("big", batch, AutoObjectID)
	require.NoError(t, err)

	docs, err := e.Find("big", Query{})
	require.NoError(t, err)
	require.Len(t, docs, 3)
	for i, d := range docs {
		assert.Equal(t, want[i], bson.ToJSON(d))
	}

	small := bson.D("_id", bson.Int32(2), "body", bson.String("short"))
	_, err = e.Update("big", []*bson.Document{small})
	require.NoError(t, err)
	doc, err := e.FindByID("big", bson.Int32(2))
	require.NoError(t, err)
	assert.Equal(t, bson.ToJSON(small), bson.ToJSON(doc))
}

func TestCrashRecovery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crash.db")
	cfg := testConfig()
	cfg.MaxTransactionSize = 4
	e := openEngine(t, path, cfg)

	var batch []*bson.Document
	for i := 1; i <= 50; i++ {
		batch = append(batch, bson.D("_id", bson.Int32(int32(i)), "v", bson.String(strings.Repeat("x", 500))))
	}
	_, err := e.Insert("col", batch, AutoObjectID)
	require.NoError(t, err)

	// flushed by safepoints but never committed
	tx, err := e.BeginTrans()
	require.NoError(t, err)
	batch = nil
	for i := 1000; i < 1100; i++ {
		batch = append(batch, bson.D("_id", bson.Int32(int32(i)), "v", bson.String(strings.Repeat("y", 500))))
	}
	_, err = tx.Insert("col", batch, AutoObjectID)
	require.NoError(t, err)

	require.NoError(t, e.Abandon())
	info, err := os.Stat(path + ".wal")
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0), "log was not checkpointed")

	e = openEngine(t, path, cfg)
	count, err := e.Count("col", Query{})
	require.NoError(t, err)
	assert.Equal(t, 50, count)
	doc, err := e.FindByID("col", bson.Int32(1000))
	require.NoError(t, err)
	assert.Nil(t, doc)
	assert.Empty(t, e.RebuildErrors())

	_, err = e.Insert("col", []*bson.Document{bson.D("_id", bson.Int32(51))}, AutoObjectID)
	require.NoError(t, err)
	require.NoError(t, e.Close())

	e = openEngine(t, path, cfg)
	count, err = e.Count("col", Query{})
	require.NoError(t, err)
	assert.Equal(t, 51, count)
	stat, err := e.Info()
	require.NoError(t, err)
	assert.Equal(t, int64(0), stat.LogSize)
}

func TestOrderBySkipLimit(t *testing.T) {
	cfg := testConfig()
	cfg.SortContainerSize = 4
	e := openEngine(t, filepath.Join(t.TempDir(), "sort.db"), cfg)

	rng := rand.New(rand.NewSource(1))
	scores := rng.Perm(30)
	var batch []*bson.Document
	for i, s := range scores {
		batch = append(batch, bson.D("_id", bson.Int32(int32(i)), "score", bson.Int32(int32(s))))
	}
	_, err := e.Insert("games", batch, AutoObjectID)
	require.NoError(t, err)

	docs, err := e.Find("games", Query{OrderBy: "score", Order: index.Descending, Skip: 5, Limit: 10})
	require.NoError(t, err)
	require.Len(t, docs, 10)
	for i, d := range docs {
		v, _ := d.Get("score")
		assert.Equal(t, int32(24-i), v.AsInt32())
	}

	docs, err = e.Find("games", Query{Op: index.OpLT, Values: []bson.Value{bson.Int32(10)}, OrderBy: "$.score", Limit: 3})
	require.NoError(t, err)
	var got []int32
	for _, d := range docs {
		v, _ := d.Get("score")
		got = append(got, v.AsInt32())
	}
	var want []int32
	for i := 0; i < 10; i++ {
		want = append(want, int32(scores[i]))
	}
	sort.Slice(want, func(a, b int) bool { return want[a] < want[b] })
	assert.Equal(t, want[:3], got)
}

func TestAutoID(t *testing.T) {
	e := newEngine(t)

	docs := []*bson.Document{bson.D("n", bson.Int32(1)), bson.D("n", bson.Int32(2))}
	_, err := e.Insert("seq", docs, AutoInt32)
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2}, ids(t, docs))

	_, err = e.Insert("seq", []*bson.Document{bson.D("_id", bson.Int32(10))}, AutoInt32)
	require.NoError(t, err)
	next := bson.D("n", bson.Int32(3))
	_, err = e.Insert("seq", []*bson.Document{next}, AutoInt64)
	require.NoError(t, err)
	id, _ := next.ID()
	assert.Equal(t, bson.Int64Kind, id.Kind())
	assert.Equal(t, int64(11), id.AsInt64())

	oid := bson.D("n", bson.Int32(4))
	_, err = e.Insert("oids", []*bson.Document{oid}, AutoObjectID)
	require.NoError(t, err)
	id, _ = oid.ID()
	assert.Equal(t, bson.ObjectIDKind, id.Kind())

	_, err = e.Insert("oids", []*bson.Document{bson.D("_id", bson.Null())}, AutoObjectID)
	assert.True(t, errors.Is(err, storage.ErrInvalidID))

	mode, err := ParseAutoID("Int64")
	require.NoError(t, err)
	assert.Equal(t, AutoInt64, mode)
}

func TestExplicitTransaction(t *testing.T) {
	e := newEngine(t)

	tx, err := e.BeginTrans()
	require.NoError(t, err)
	_, err = tx.Insert("col", []*bson.Document{bson.D("_id", bson.Int32(1))}, AutoObjectID)
	require.NoError(t, err)

	// own writes are visible, others wait for the commit
	n, err := tx.Count("col", Query{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = e.Count("col", Query{})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = e.Insert("col", []*bson.Document{bson.D("_id", bson.Int32(2))}, AutoObjectID)
	assert.True(t, storage.IsRetryable(err), "collection is locked by tx")

	require.NoError(t, tx.Rollback())
	n, err = e.Count("col", Query{})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	names, err := e.GetCollectionNames()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestCollections(t *testing.T) {
	e := newEngine(t)

	_, err := e.Insert("alpha", []*bson.Document{bson.D("_id", bson.Int32(1), "k", bson.String("key"), "v", bson.String(strings.Repeat("a", 20000)))}, AutoObjectID)
	require.NoError(t, err)
	_, err = e.EnsureIndex("alpha", "k", "k", false)
	require.NoError(t, err)
	_, err = e.Insert("beta", []*bson.Document{bson.D("_id", bson.Int32(1))}, AutoObjectID)
	require.NoError(t, err)

	ok, err := e.RenameCollection("alpha", "gamma")
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = e.RenameCollection("gamma", "beta")
	assert.True(t, errors.Is(err, storage.ErrCollectionExist))
	ok, err = e.RenameCollection("missing", "delta")
	require.NoError(t, err)
	assert.False(t, ok)

	names, err := e.GetCollectionNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"beta", "gamma"}, names)

	doc, err := e.FindByID("gamma", bson.Int32(1))
	require.NoError(t, err)
	require.NotNil(t, doc)

	before, err := e.Info()
	require.NoError(t, err)
	ok, err = e.DropCollection("gamma")
	require.NoError(t, err)
	assert.True(t, ok)
	names, err = e.GetCollectionNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"beta"}, names)

	// dropped pages are reused before the file grows
	_, err = e.Insert("gamma", []*bson.Document{bson.D("_id", bson.Int32(1), "v", bson.String(strings.Repeat("a", 20000)))}, AutoObjectID)
	require.NoError(t, err)
	after, err := e.Info()
	require.NoError(t, err)
	assert.Equal(t, before.LastPageID, after.LastPageID)

	_, err = e.Insert("bad name", []*bson.Document{bson.D("_id", bson.Int32(1))}, AutoObjectID)
	assert.True(t, errors.Is(err, storage.ErrInvalidName))
}

func TestAnalyzeAndUserVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.db")
	e := openEngine(t, path, testConfig())

	var batch []*bson.Document
	for i := 0; i < 20; i++ {
		batch = append(batch, bson.D("_id", bson.Int32(int32(i)), "group", bson.Int32(int32(i%4))))
	}
	_, err := e.Insert("col", batch, AutoObjectID)
	require.NoError(t, err)
	_, err = e.EnsureIndex("col", "group", "group", false)
	require.NoError(t, err)

	require.NoError(t, e.Analyze())
	indexes, err := e.GetIndexes("col")
	require.NoError(t, err)
	assert.Equal(t, uint32(20), indexes[0].UniqueKeyCount)
	assert.Equal(t, uint32(20), indexes[1].KeyCount)
	assert.Equal(t, uint32(4), indexes[1].UniqueKeyCount)

	require.NoError(t, e.SetUserVersion(7))
	require.NoError(t, e.Close())

	e = openEngine(t, path, testConfig())
	v, err := e.UserVersion()
	require.NoError(t, err)
	assert.Equal(t, int32(7), v)
	info, err := e.Info()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.Analyzes)
}

func TestRebuild(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rebuild.db")
	e := openEngine(t, path, testConfig())

	var batch []*bson.Document
	for i := 1; i <= 200; i++ {
		batch = append(batch, bson.D("_id", bson.Int32(int32(i)), "name", bson.String(fmt.Sprintf("n%03d", i)), "body", bson.String(strings.Repeat("b", 1000))))
	}
	_, err := e.Insert("col", batch, AutoObjectID)
	require.NoError(t, err)
	_, err = e.EnsureIndex("col", "name", "name", true)
	require.NoError(t, err)
	_, err = e.DeleteMany("col", Query{Op: index.OpGT, Values: []bson.Value{bson.Int32(20)}})
	require.NoError(t, err)
	require.NoError(t, e.SetUserVersion(3))

	saved, err := e.Rebuild(RebuildOptions{})
	require.NoError(t, err)
	assert.Greater(t, saved, int64(0))
	_, err = os.Stat(path + backupSuffix)
	require.NoError(t, err)

	count, err := e.Count("col", Query{Index: "name"})
	require.NoError(t, err)
	assert.Equal(t, 20, count)
	indexes, err := e.GetIndexes("col")
	require.NoError(t, err)
	require.Len(t, indexes, 2)
	assert.True(t, indexes[1].Unique)

	info, err := e.Info()
	require.NoError(t, err)
	assert.Equal(t, int32(3), info.UserVersion)
	assert.Equal(t, uint64(1), info.Vacuums)

	// engine keeps working on the new file
	_, err = e.Insert("col", []*bson.Document{bson.D("_id", bson.Int32(500), "name", bson.String("n500"))}, AutoObjectID)
	require.NoError(t, err)
}

func TestCompressedEngine(t *testing.T) {
	cfg := testConfig()
	cfg.Compression = "lz4"
	e := openEngine(t, filepath.Join(t.TempDir(), "lz4.db"), cfg)

	doc := bson.D("_id", bson.Int32(1), "body", bson.String(strings.Repeat("compress me ", 5000)))
	_, err := e.Insert("col", []*bson.Document{doc}, AutoObjectID)
	require.NoError(t, err)
	got, err := e.FindByID("col", bson.Int32(1))
	require.NoError(t, err)
	assert.Equal(t, bson.ToJSON(doc), bson.ToJSON(got))
}
