package cli

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.docstore/internal/config"
	"go.docstore/internal/engine"
	"go.docstore/internal/logger"
)

func TestSplitArgs(t *testing.T) {
	cases := []struct {
		line string
		want []string
	}{
		{`find users`, []string{"find", "users"}},
		{`insert users {"name": "a b", "tags": ["x", "y"]}`, []string{"insert", "users", `{"name": "a b", "tags": ["x", "y"]}`}},
		{`find users --value "two words"`, []string{"find", "users", "--value", "two words"}},
		{`get users ''`, []string{"get", "users", ""}},
		{"count\t users ", []string{"count", "users"}},
	}
	for _, c := range cases {
		got, err := splitArgs(c.line)
		require.NoError(t, err, c.line)
		assert.Equal(t, c.want, got, c.line)
	}

	for _, bad := range []string{`insert users {"a": 1`, `find "users`, `find ]`} {
		_, err := splitArgs(bad)
		assert.Error(t, err, bad)
	}
}

func runScript(t *testing.T, e *engine.Engine, lines ...string) string {
	t.Helper()
	var out bytes.Buffer
	in := strings.NewReader(strings.Join(lines, "\n") + "\n")
	require.NoError(t, startREPL(e, "test", in, &out))
	return out.String()
}

func newTestEngine(t *testing.T, path string) *engine.Engine {
	t.Helper()
	cfg := config.DefaultEngine()
	cfg.Sync = false
	e, err := engine.New(path, cfg, logger.Discard())
	require.NoError(t, err)
	return e
}

func TestREPLSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shell.db")

	out := runScript(t, newTestEngine(t, path),
		`insert users [{"_id": 1, "name": "Ann", "tags": ["a", "b"]}, {"_id": 2, "name": "Bob", "tags": ["b"]}]`,
		`insert users {"name": "Cid"} --auto-id int32`,
		`ensure-index users tags $.tags[*]`,
		`count users --index tags --op = --value b`,
		`find users --order-by name --desc --limit 2`,
		`update users {"_id": 2, "name": "Bea"}`,
		`get users 2`,
		`remove users 1`,
		`bogus`,
		`exit`,
		`count users`,
	)

	assert.Contains(t, out, "2 inserted")
	assert.Contains(t, out, "3\n1 inserted", "int32 id follows the highest id")
	assert.Contains(t, out, "Index tags created")
	assert.Contains(t, out, "docstore:test> 2\n")
	assert.Contains(t, out, `{"name":"Cid","_id":3}`+"\n"+`{"_id":2,"name":"Bob","tags":["b"]}`)
	assert.Contains(t, out, "1 updated")
	assert.Contains(t, out, `{"_id":2,"name":"Bea"}`)
	assert.Contains(t, out, "1 removed")
	assert.Contains(t, out, "ERR: unknown command")
	assert.Equal(t, 10, strings.Count(out, "docstore:test> "), "lines after exit are not read")

	out = runScript(t, newTestEngine(t, path),
		`collections`,
		`count users`,
		`indexes users`,
		`user-version 4`,
		`user-version`,
		`rename users people`,
		`drop-collection users`,
		`info`,
	)
	assert.Contains(t, out, "docstore:test> users\n")
	assert.Contains(t, out, "docstore:test> 2\n")
	assert.Contains(t, out, "$.tags[*]")
	assert.Contains(t, out, "docstore:test> 4\n")
	assert.Contains(t, out, "Collection users renamed to people")
	assert.Contains(t, out, "ERR: no collection users")
	assert.Contains(t, out, "collections:  people")
	assert.Contains(t, out, "user version: 4")
}
