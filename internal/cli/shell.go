package cli

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"go.docstore/internal/bson"
	"go.docstore/internal/engine"
	"go.docstore/internal/index"
)

var errExit = errors.New("exit")

// newShell builds the command tree the REPL runs each line through.
func newShell(e *engine.Engine) *cobra.Command {
	shell := &cobra.Command{
		Use:           "docstore",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	shell.CompletionOptions.DisableDefaultCmd = true
	shell.AddCommand(
		newInsertCmd(e), newUpdateCmd(e), newUpsertCmd(e),
		newFindCmd(e), newCountCmd(e), newGetCmd(e), newRemoveCmd(e),
		newEnsureIndexCmd(e), newDropIndexCmd(e), newIndexesCmd(e),
		newCollectionsCmd(e), newDropCollectionCmd(e), newRenameCmd(e),
		newInfoCmd(e), newCheckpointCmd(e), newAnalyzeCmd(e), newUserVersionCmd(e), newRebuildCmd(e),
		newExitCmd(),
	)
	return shell
}

// parseValue reads a JSON value, treating anything that is not JSON as a
// plain string.
func parseValue(s string) bson.Value {
	v, err := bson.ValueFromJSON([]byte(s))
	if err != nil {
		return bson.String(s)
	}
	return v
}

// parseDocs accepts one JSON object or an array of objects.
func parseDocs(s string) ([]*bson.Document, error) {
	v, err := bson.ValueFromJSON([]byte(s))
	if err != nil {
		return nil, err
	}
	switch v.Kind() {
	case bson.DocumentKind:
		return []*bson.Document{v.AsDocument()}, nil
	case bson.ArrayKind:
		docs := make([]*bson.Document, 0, len(v.AsArray()))
		for i, item := range v.AsArray() {
			if item.Kind() != bson.DocumentKind {
				return nil, errors.Errorf("item %d is not an object", i)
			}
			docs = append(docs, item.AsDocument())
		}
		return docs, nil
	}
	return nil, errors.New("expected a JSON object or an array of objects")
}

func printDocs(out io.Writer, docs []*bson.Document) {
	for _, d := range docs {
		fmt.Fprintln(out, bson.ToJSON(d))
	}
}

// queryFlags are the selection flags shared by find, count and remove.
type queryFlags struct {
	index   string
	op      string
	values  []string
	orderBy string
	desc    bool
	skip    int
	limit   int
}

func (f *queryFlags) bind(cmd *cobra.Command, ordering bool) {
	fs := cmd.Flags()
	fs.StringVar(&f.index, "index", "", "index to scan (default _id)")
	fs.StringVar(&f.op, "op", "all", "operator: all, =, <, <=, >, >=, between, startswith, in")
	fs.StringArrayVar(&f.values, "value", nil, "operand, repeat for between and in")
	if ordering {
		fs.StringVar(&f.orderBy, "order-by", "", "path expression to sort by")
		fs.BoolVar(&f.desc, "desc", false, "descending order")
		fs.IntVar(&f.skip, "skip", 0, "results to skip")
		fs.IntVar(&f.limit, "limit", 0, "maximum results, 0 for all")
	}
}

func (f *queryFlags) query() (engine.Query, error) {
	op, err := index.ParseOperator(f.op)
	if err != nil {
		return engine.Query{}, err
	}
	q := engine.Query{
		Index:   f.index,
		Op:      op,
		OrderBy: f.orderBy,
		Order:   index.Ascending,
		Skip:    f.skip,
		Limit:   f.limit,
	}
	if f.desc {
		q.Order = index.Descending
	}
	for _, v := range f.values {
		q.Values = append(q.Values, parseValue(v))
	}
	return q, nil
}
