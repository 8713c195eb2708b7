package cli_test

import (
	"bytes"
	"testing"

	"github.com/calvinalkan/seqstore/internal/cli"
)

func Test_Bare_Command_Prints_Usage_When_Invoked(t *testing.T) {
	t.Parallel()

	// Call Run directly without test helper (which adds --cwd)
	var stdout, stderr bytes.Buffer

	exitCode := cli.Run(nil, &stdout, &stderr, []string{"seqstore"}, nil, nil)

	if got, want := exitCode, 0; got != want {
		t.Errorf("exitCode=%d, want=%d", got, want)
	}

	if got, want := stderr.String(), ""; got != want {
		t.Errorf("stderr=%q, want=%q", got, want)
	}

	cli.AssertContains(t, stdout.String(), "seqstore - durable ordered message store")
	cli.AssertContains(t, stdout.String(), "--cwd")
	cli.AssertContains(t, stdout.String(), "enqueue <store> <payload>")
	cli.AssertContains(t, stdout.String(), "print-config")
}

func Test_Invalid_Global_Flag_Fails_When_Invoked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout, stderr, exitCode := c.Run("--invalid-flag", "stats")

	if got, want := exitCode, 1; got != want {
		t.Errorf("exitCode=%d, want=%d", got, want)
	}

	if got, want := stdout, ""; got != want {
		t.Errorf("stdout=%q, want=%q", got, want)
	}

	cli.AssertContains(t, stderr, "unknown flag")
	cli.AssertContains(t, stderr, "--invalid-flag")

	// Should show valid global options
	cli.AssertContains(t, stderr, "Global flags:")
	cli.AssertContains(t, stderr, "--help")
	cli.AssertContains(t, stderr, "--cwd")
	cli.AssertContains(t, stderr, "--config")
	cli.AssertContains(t, stderr, "--dir")
}

func Test_Unknown_Command_Fails_When_Invoked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stderr := c.MustFail("frobnicate")

	cli.AssertContains(t, stderr, "unknown command: frobnicate")
	cli.AssertContains(t, stderr, "Commands:")
}

func Test_Empty_Dir_Flag_Fails_When_Invoked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stderr := c.MustFail("--dir=", "stats")

	cli.AssertContains(t, stderr, "dir cannot be empty")
}

func Test_Command_Help_Shows_Flags_When_Help_Flag_Given(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout := c.MustRun("enqueue", "--help")

	cli.AssertContains(t, stdout, "Usage: seqstore enqueue <store> <payload>")
	cli.AssertContains(t, stdout, "--delay")
	cli.AssertContains(t, stdout, "--dedicated")
}

func Test_Unknown_Command_Flag_Fails_When_Invoked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stderr := c.MustFail("dequeue", "--bogus", "app/q")

	cli.AssertContains(t, stderr, "unknown flag: --bogus")
	cli.AssertContains(t, stderr, "Usage: seqstore dequeue")
}

func Test_Print_Config_Shows_Defaults_When_No_Config_Files(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout := c.MustRun("print-config")

	cli.AssertContains(t, stdout, "effective_cwd="+c.Dir)
	cli.AssertContains(t, stdout, "dir="+c.EnvDir())
	cli.AssertContains(t, stdout, "log_level=error")
	cli.AssertContains(t, stdout, "(defaults only)")
}

func Test_Print_Config_Shows_Project_Source_When_Config_File_Exists(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	writeProjectConfig(t, c, `{
		// local data dir
		"dir": "queues",
		"bucket_span": "5s",
	}`)

	stdout := c.MustRun("print-config")

	cli.AssertContains(t, stdout, "bucket_span=5s")
	cli.AssertContains(t, stdout, "project_config=")
	cli.AssertNotContains(t, stdout, "(defaults only)")
}

func Test_Invalid_Config_File_Fails_When_Invoked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	writeProjectConfig(t, c, `{"bucket_span": "never"}`)

	stderr := c.MustFail("stats")

	cli.AssertContains(t, stderr, "invalid config")
	cli.AssertContains(t, stderr, "bucket_span")
}
