package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"
)

const historyFileName = ".seqstore_history"

// prompter reads one line of input.
type prompter interface {
	Prompt(prompt string) (string, error)
	AppendHistory(item string)
	Close() error
}

// scanPrompter reads lines from a non-terminal stdin.
type scanPrompter struct {
	sc *bufio.Scanner
}

func (p *scanPrompter) Prompt(string) (string, error) {
	if p.sc.Scan() {
		return p.sc.Text(), nil
	}

	err := p.sc.Err()
	if err == nil {
		err = io.EOF
	}

	return "", err
}

func (*scanPrompter) AppendHistory(string) {}

func (*scanPrompter) Close() error { return nil }

// ShellCmd returns the interactive shell command.
func ShellCmd(s *session) *Command {
	return &Command{
		Flags: flag.NewFlagSet("shell", flag.ContinueOnError),
		Usage: "shell",
		Short: "Run commands interactively",
		Long: `Read commands line by line and run them against one open environment.

Readers keep their inflight entries between lines. Type "help" for the
command list and "exit" to leave.`,
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			p := s.prompter()
			defer func() { _ = p.Close() }()

			return runShell(ctx, s, o, p)
		},
	}
}

// prompter uses liner when attached to the process stdin, which also loads
// and saves history.
func (s *session) prompter() prompter {
	if s.stdin != os.Stdin {
		return &scanPrompter{sc: bufio.NewScanner(s.stdin)}
	}

	l := liner.NewLiner()
	l.SetCtrlCAborts(true)
	l.SetCompleter(func(line string) []string {
		var out []string

		for _, c := range shellCommands(s) {
			if strings.HasPrefix(c.Name(), line) {
				out = append(out, c.Name())
			}
		}

		return out
	})

	h := &historyLiner{State: l, path: s.historyPath}
	h.load()

	return h
}

type historyLiner struct {
	*liner.State
	path string
}

func (h *historyLiner) load() {
	if h.path == "" {
		return
	}

	f, err := os.Open(h.path)
	if err != nil {
		return
	}

	_, _ = h.ReadHistory(f)
	_ = f.Close()
}

func (h *historyLiner) Close() error {
	if h.path != "" {
		f, err := os.Create(h.path)
		if err == nil {
			_, _ = h.WriteHistory(f)
			_ = f.Close()
		}
	}

	return h.State.Close()
}

// shellCommands are the commands available inside the shell. Commands that
// block or nest are left out.
func shellCommands(s *session) []*Command {
	return slices.DeleteFunc(commands(s), func(c *Command) bool {
		return c.Name() == "shell" || c.Name() == "metrics"
	})
}

func runShell(ctx context.Context, s *session, o *IO, p prompter) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		line, err := p.Prompt("seqstore> ")
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		p.AppendHistory(line)

		fields := strings.Fields(line)

		switch fields[0] {
		case "exit", "quit":
			return nil
		case "help":
			for _, c := range shellCommands(s) {
				o.Println(c.HelpLine())
			}

			continue
		}

		// Flag sets keep parsed state, so every line gets fresh commands.
		cmd := findCommand(shellCommands(s), fields[0])
		if cmd == nil {
			o.ErrPrintln("error: unknown command:", fields[0])

			continue
		}

		cmd.Run(ctx, o, fields[1:])
		o.Finish()
	}
}
