package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"

	"go.docstore/internal/engine"
)

const maxLine = 1 << 20

// startREPL reads commands from in until exit or EOF and runs each one
// through a fresh shell command tree. The engine is closed on return.
func startREPL(e *engine.Engine, name string, in io.Reader, out io.Writer) error {
	reader := bufio.NewScanner(in)
	reader.Buffer(make([]byte, 0, 64*1024), maxLine)

	for {
		fmt.Fprintf(out, "docstore:%s> ", name)

		if !reader.Scan() {
			break
		}

		input := strings.TrimSpace(reader.Text())
		if input == "" {
			continue
		}

		args, err := splitArgs(input)
		if err != nil {
			fmt.Fprintln(out, "ERR:", err)
			continue
		}

		shell := newShell(e)
		shell.SetArgs(args)
		shell.SetIn(in)
		shell.SetOut(out)
		shell.SetErr(out)

		err = shell.Execute()
		if errors.Is(err, errExit) {
			break
		}
		if err != nil {
			fmt.Fprintln(out, "ERR:", err)
		}
	}

	if err := reader.Err(); err != nil {
		_ = e.Close()
		return err
	}
	return e.Close()
}

// splitArgs splits a line on spaces outside quotes and outside JSON
// objects or arrays, so documents can be typed inline. Quotes around a
// plain argument are removed; quotes inside JSON are kept.
func splitArgs(line string) ([]string, error) {
	var (
		args  []string
		cur   strings.Builder
		quote rune
		depth int
		isArg bool
	)
	for _, r := range line {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
				if depth > 0 {
					cur.WriteRune(r)
				}
				continue
			}
			cur.WriteRune(r)
		case r == '"' || r == '\'':
			quote = r
			isArg = true
			if depth > 0 {
				cur.WriteRune(r)
			}
		case r == '{' || r == '[':
			depth++
			isArg = true
			cur.WriteRune(r)
		case r == '}' || r == ']':
			depth--
			if depth < 0 {
				return nil, errors.Errorf("unbalanced %q", r)
			}
			cur.WriteRune(r)
		case r == ' ' || r == '\t':
			if depth > 0 {
				cur.WriteRune(r)
				continue
			}
			if isArg {
				args = append(args, cur.String())
				cur.Reset()
				isArg = false
			}
		default:
			isArg = true
			cur.WriteRune(r)
		}
	}
	if quote != 0 {
		return nil, errors.New("unterminated quote")
	}
	if depth != 0 {
		return nil, errors.New("unbalanced brackets")
	}
	if isArg {
		args = append(args, cur.String())
	}
	return args, nil
}
