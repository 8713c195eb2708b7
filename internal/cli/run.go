package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/seqstore/internal/config"
)

// commands returns every command in help order. s may be nil when only the
// help text is needed.
func commands(s *session) []*Command {
	return []*Command{
		EnqueueCmd(s),
		DequeueCmd(s),
		StatsCmd(s),
		BucketsCmd(s),
		RetireCmd(s),
		EnvStatsCmd(s),
		MetricsCmd(s),
		ShellCmd(s),
		PrintConfigCmd(s),
	}
}

func findCommand(cmds []*Command, name string) *Command {
	for _, c := range cmds {
		if c.Name() == name {
			return c
		}
	}

	return nil
}

type globalFlags struct {
	set        *flag.FlagSet
	workDir    string
	configPath string
	dir        string
	logLevel   string
	help       bool
}

func newGlobalFlags() *globalFlags {
	g := &globalFlags{set: flag.NewFlagSet("seqstore", flag.ContinueOnError)}

	g.set.SetInterspersed(false)
	g.set.SetOutput(&strings.Builder{})
	g.set.StringVarP(&g.workDir, "cwd", "C", "", "Run as if started in `dir`")
	g.set.StringVarP(&g.configPath, "config", "c", "", "Use specified config `file`")
	g.set.StringVar(&g.dir, "dir", "", "Environment `dir` (overrides config)")
	g.set.StringVar(&g.logLevel, "log-level", "", "Log `level`: debug, info, warn or error")
	g.set.BoolVarP(&g.help, "help", "h", false, "Show help")

	return g
}

// Run is the main entry point. Returns exit code.
//
// A value on sigCh cancels the running command. sigCh may be nil.
func Run(stdin io.Reader, out io.Writer, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	g := newGlobalFlags()

	if len(args) > 0 {
		args = args[1:]
	}

	err := g.set.Parse(args)
	if err != nil {
		fprintln(errOut, "error:", err)
		printUsage(errOut, g)

		return 1
	}

	if g.help || g.set.NArg() == 0 {
		printUsage(out, g)

		return 0
	}

	name := g.set.Arg(0)
	if findCommand(commands(nil), name) == nil {
		fprintln(errOut, "error: unknown command:", name)
		printUsage(errOut, g)

		return 1
	}

	cfg, err := config.Load(config.LoadInput{
		WorkDirOverride: g.workDir,
		ConfigPath:      g.configPath,
		Overrides: config.Overrides{
			Dir:      g.dir,
			HasDir:   g.set.Changed("dir"),
			LogLevel: g.logLevel,
		},
		Env: env,
	})
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	s := newSession(cfg, stdin, errOut)
	if home := env["HOME"]; home != "" {
		s.historyPath = filepath.Join(home, historyFileName)
	}

	o := NewIO(out, errOut)
	code := findCommand(commands(s), name).Run(ctx, o, g.set.Args()[1:])

	err = s.close()
	if err != nil {
		fprintln(errOut, "error:", err)

		code = 1
	}

	if code != 0 {
		return code
	}

	return o.Finish()
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}

func printUsage(w io.Writer, g *globalFlags) {
	fprintln(w, `seqstore - durable ordered message store

Usage: seqstore [global flags] <command> [args]

Global flags:`)
	fprintln(w, strings.TrimRight(g.set.FlagUsages(), "\n"))
	fprintln(w)
	fprintln(w, "Commands:")

	for _, c := range commands(nil) {
		fprintln(w, c.HelpLine())
	}

	fprintln(w)
	fprintln(w, `Run "seqstore <command> --help" for command flags.`)
}
