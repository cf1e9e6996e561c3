package execcommand

import (
	"context"
	"strings"
	"testing"
)

func TestRunEmptyCommandIsNoop(t *testing.T) {
	res, err := Run(context.Background(), "")
	if err != nil {
		t.Fatalf("Run(\"\") returned error: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
}

func TestRunSplitsArguments(t *testing.T) {
	res, err := Run(context.Background(), `echo "hello world"`)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
	if !strings.Contains(res.Output, "hello world") {
		t.Errorf("Output = %q, want it to contain %q", res.Output, "hello world")
	}
}

func TestRunNonZeroExit(t *testing.T) {
	res, err := Run(context.Background(), "false")
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if res.ExitCode == 0 {
		t.Error("expected non-zero exit code from `false`")
	}
}
