package exec

import (
	"context"
	"errors"
	"os"
	"os/user"
	"testing"
)

func TestSetuidExec_Name(t *testing.T) {
	exec := NewSetuidExec()
	if exec.Name() != ExecutorTypeSetuid {
		t.Errorf("Expected name 'setuid', got %s", exec.Name())
	}
}

func TestSetuidExec_Availability(t *testing.T) {
	exec := NewSetuidExec()
	if got, want := exec.Available(), os.Geteuid() == 0; got != want {
		t.Errorf("Available() = %v, want %v", got, want)
	}
}

func TestSetuidExec_UnknownUser(t *testing.T) {
	exec := NewSetuidExec()

	_, err := exec.Run(context.Background(), []string{"true"}, &Opts{User: "no-such-user-zq9x"})
	if !errors.Is(err, ErrUserUnknown) {
		t.Errorf("Expected ErrUserUnknown, got %v", err)
	}
}

func TestSetuidExec_NotPermittedWithoutRoot(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("running as root, privilege check cannot fail")
	}

	current, err := user.Current()
	if err != nil {
		t.Skipf("cannot resolve current user: %v", err)
	}

	exec := NewSetuidExec()
	_, err = exec.Run(context.Background(), []string{"true"}, &Opts{User: current.Username})
	if !errors.Is(err, ErrNotPermitted) {
		t.Errorf("Expected ErrNotPermitted, got %v", err)
	}
}

func TestSetuidExec_RunAsSelfWhenRoot(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("requires root")
	}

	exec := NewSetuidExec()
	result, err := exec.Run(context.Background(), []string{"id", "-u"}, &Opts{User: "root"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("Expected exit 0, got %d", result.ExitCode)
	}
}
