package steps

import (
	"context"
	"strings"
	"sync"
)

// fakeRunner returns scripted results keyed by the first argument of the
// command ("init", "apply", "plan", ...).
type fakeRunner struct {
	mu       sync.Mutex
	commands []Command
	results  map[string][]*Result
	errs     map[string]error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{results: make(map[string][]*Result), errs: make(map[string]error)}
}

// on queues results for a subcommand. The last result repeats.
func (f *fakeRunner) on(sub string, results ...*Result) *fakeRunner {
	f.results[sub] = append(f.results[sub], results...)
	return f
}

func (f *fakeRunner) Run(ctx context.Context, cmd Command) (*Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.commands = append(f.commands, cmd)
	sub := subcommand(cmd.Args)
	if err := f.errs[sub]; err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return &Result{}, err
	}

	queue := f.results[sub]
	if len(queue) == 0 {
		return &Result{}, nil
	}
	res := queue[0]
	if len(queue) > 1 {
		f.results[sub] = queue[1:]
	}
	return res, nil
}

// subcommand skips leading global flags.
func subcommand(args []string) string {
	for i := 0; i < len(args); i++ {
		if args[i] == "--kubeconfig" || args[i] == "--namespace" {
			i++
			continue
		}
		return args[i]
	}
	return ""
}

func (f *fakeRunner) subcommands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.commands))
	for _, c := range f.commands {
		out = append(out, subcommand(c.Args))
	}
	return out
}

func (f *fakeRunner) find(sub string) (Command, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.commands {
		if subcommand(c.Args) == sub {
			return c, true
		}
	}
	return Command{}, false
}

func hasArg(cmd Command, arg string) bool {
	for _, a := range cmd.Args {
		if a == arg {
			return true
		}
	}
	return false
}

func joined(cmd Command) string {
	return strings.Join(cmd.Args, " ")
}
