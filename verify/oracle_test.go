package verify

import (
	"context"
	"os"
	"runtime"
	"strings"
	"testing"
)

func skipWithoutShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests use /bin/sh")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
}

func TestVerify_PassingChecker(t *testing.T) {
	skipWithoutShell(t)

	o, err := NewCommandOracle([]string{"/bin/sh", "-c", "exit 0"}, WithDir(t.TempDir()))
	if err != nil {
		t.Fatalf("NewCommandOracle: %v", err)
	}

	res, err := o.Verify(context.Background(), "console.log(1)")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.Valid {
		t.Fatal("expected valid result")
	}
	if res.Diagnostics != "" {
		t.Fatalf("diagnostics = %q, want empty", res.Diagnostics)
	}
}

func TestVerify_FailingCheckerCarriesDiagnostics(t *testing.T) {
	skipWithoutShell(t)

	o, err := NewCommandOracle([]string{"/bin/sh", "-c", `echo "$0: SyntaxError: unexpected token" >&2; exit 1`}, WithDir(t.TempDir()))
	if err != nil {
		t.Fatalf("NewCommandOracle: %v", err)
	}

	res, err := o.Verify(context.Background(), "cons0le.log(1)")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Valid {
		t.Fatal("expected invalid result")
	}
	if !strings.Contains(res.Diagnostics, "SyntaxError") {
		t.Fatalf("diagnostics = %q", res.Diagnostics)
	}
	// The throwaway directory must not leak into diagnostics.
	if strings.Contains(res.Diagnostics, string(os.PathSeparator)+"check-") {
		t.Fatalf("diagnostics leak the temp path: %q", res.Diagnostics)
	}
}

func TestVerify_MissingCheckerIsError(t *testing.T) {
	o, err := NewCommandOracle([]string{"/nonexistent-checker-binary"})
	if err != nil {
		t.Fatalf("NewCommandOracle: %v", err)
	}
	if _, err := o.Verify(context.Background(), "console.log(1)"); err == nil {
		t.Fatal("expected error for missing checker")
	}
}

func TestVerify_RemovesCheckFile(t *testing.T) {
	skipWithoutShell(t)

	dir := t.TempDir()
	o, err := NewCommandOracle([]string{"/bin/sh", "-c", "exit 0"}, WithDir(dir))
	if err != nil {
		t.Fatalf("NewCommandOracle: %v", err)
	}
	if _, err := o.Verify(context.Background(), "console.log(1)"); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("check file left behind: %v", entries)
	}
}

func TestNewCommandOracle_RequiresCommand(t *testing.T) {
	if _, err := NewCommandOracle(nil); err == nil {
		t.Fatal("expected error for empty command")
	}
}
