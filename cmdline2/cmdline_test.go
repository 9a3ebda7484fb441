package cmdline2

import (
	"bytes"
	"strings"
	"testing"
)

func newTestEnv() *Env {
	return &Env{
		Stdin:  strings.NewReader(""),
		Stdout: &bytes.Buffer{},
		Stderr: &bytes.Buffer{},
		Vars:   map[string]string{},
	}
}

func TestParseAndRunLeaf(t *testing.T) {
	var ran bool
	root := &Command{
		Name:  "root",
		Short: "root command",
		Long:  "root command",
		Runner: RunnerFunc(func(env *Env, args []string) error {
			ran = true
			return nil
		}),
	}
	env := newTestEnv()
	if err := ParseAndRun(root, env, nil); err != nil {
		t.Fatalf("ParseAndRun: %v", err)
	}
	if !ran {
		t.Fatal("leaf runner was not invoked")
	}
}

func TestParseDispatchesToChild(t *testing.T) {
	var ranChild string
	mk := func(name string) *Command {
		return &Command{
			Name:  name,
			Short: name,
			Long:  name,
			Runner: RunnerFunc(func(env *Env, args []string) error {
				ranChild = name
				return nil
			}),
		}
	}
	root := &Command{
		Name:     "root",
		Short:    "root command",
		Long:     "root command",
		Children: []*Command{mk("alpha"), mk("beta")},
	}
	env := newTestEnv()
	if err := ParseAndRun(root, env, []string{"beta"}); err != nil {
		t.Fatalf("ParseAndRun: %v", err)
	}
	if ranChild != "beta" {
		t.Fatalf("ranChild = %q, want beta", ranChild)
	}
}

func TestParseUnknownCommandIsUsageError(t *testing.T) {
	root := &Command{
		Name:     "root",
		Short:    "root command",
		Long:     "root command",
		Children: []*Command{{Name: "alpha", Short: "a", Long: "a", Runner: RunnerFunc(func(*Env, []string) error { return nil })}},
	}
	env := newTestEnv()
	err := ParseAndRun(root, env, []string{"nope"})
	if err != ErrUsage {
		t.Fatalf("err = %v, want ErrUsage", err)
	}
}

func TestHelpCommandIsAutoAppended(t *testing.T) {
	root := &Command{
		Name:     "root",
		Short:    "root command",
		Long:     "root command",
		Children: []*Command{{Name: "alpha", Short: "a", Long: "a", Runner: RunnerFunc(func(*Env, []string) error { return nil })}},
	}
	env := newTestEnv()
	if err := ParseAndRun(root, env, []string{"help"}); err != nil {
		t.Fatalf("ParseAndRun help: %v", err)
	}
	out := env.Stdout.(*bytes.Buffer).String()
	if !strings.Contains(out, "alpha") {
		t.Fatalf("help output missing child command name: %q", out)
	}
}

func TestExitCode(t *testing.T) {
	if got, want := ExitCode(nil, nil), 0; got != want {
		t.Fatalf("ExitCode(nil) = %d, want %d", got, want)
	}
	if got, want := ExitCode(ErrExitCode(3), nil), 3; got != want {
		t.Fatalf("ExitCode(ErrExitCode(3)) = %d, want %d", got, want)
	}
	var buf bytes.Buffer
	if got, want := ExitCode(ErrUsage, &buf), 2; got != want {
		t.Fatalf("ExitCode(ErrUsage) = %d, want %d", got, want)
	}
}
