package cli

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shellcrate/shellcrate/internal/action"
)

func captureStdout(t *testing.T) (*runtimeContext, func() string) {
	t.Helper()
	f, err := os.Create(filepath.Join(t.TempDir(), "stdout"))
	if err != nil {
		t.Fatalf("create capture file: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	ctx := &runtimeContext{Stdout: f}
	return ctx, func() string {
		data, err := os.ReadFile(f.Name())
		if err != nil {
			t.Fatalf("read capture file: %v", err)
		}
		return string(data)
	}
}

func TestSecretRoundTripThroughCommands(t *testing.T) {
	keygenCtx, keyOut := captureStdout(t)
	if err := (&SecretKeygenCommand{}).Run(keygenCtx); err != nil {
		t.Fatalf("keygen returned error: %v", err)
	}
	key := strings.TrimSpace(keyOut())
	if key == "" {
		t.Fatal("keygen printed nothing")
	}

	encCtx, encOut := captureStdout(t)
	enc := &SecretEncryptCommand{Key: key, Value: "db-password-123"}
	if err := enc.Run(encCtx); err != nil {
		t.Fatalf("encrypt returned error: %v", err)
	}
	token := strings.TrimSpace(encOut())
	if token == "" || token == "db-password-123" {
		t.Fatalf("token = %q", token)
	}

	decCtx, decOut := captureStdout(t)
	dec := &SecretDecryptCommand{Key: key, Token: token}
	if err := dec.Run(decCtx); err != nil {
		t.Fatalf("decrypt returned error: %v", err)
	}
	if got := strings.TrimSpace(decOut()); got != "db-password-123" {
		t.Fatalf("decrypted = %q, want db-password-123", got)
	}
}

func TestSecretDecryptRejectsWrongKey(t *testing.T) {
	keygenCtx, keyOut := captureStdout(t)
	if err := (&SecretKeygenCommand{}).Run(keygenCtx); err != nil {
		t.Fatalf("keygen returned error: %v", err)
	}
	key := strings.TrimSpace(keyOut())

	encCtx, encOut := captureStdout(t)
	if err := (&SecretEncryptCommand{Key: key, Value: "v"}).Run(encCtx); err != nil {
		t.Fatalf("encrypt returned error: %v", err)
	}
	token := strings.TrimSpace(encOut())

	otherCtx, otherOut := captureStdout(t)
	if err := (&SecretKeygenCommand{}).Run(otherCtx); err != nil {
		t.Fatalf("keygen returned error: %v", err)
	}
	otherKey := strings.TrimSpace(otherOut())

	decCtx, _ := captureStdout(t)
	if err := (&SecretDecryptCommand{Key: otherKey, Token: token}).Run(decCtx); err == nil {
		t.Fatal("decrypt with wrong key succeeded")
	}
}

func TestExitCodeMapping(t *testing.T) {
	if got := ExitCode(exitCodeError{code: 7}); got != 7 {
		t.Fatalf("ExitCode = %d, want 7", got)
	}
	if got := ExitCode(&action.CommandFailedError{ExitCode: 42}); got != 42 {
		t.Fatalf("ExitCode = %d, want 42", got)
	}
	if got := ExitCode(errors.New("boom")); got != 1 {
		t.Fatalf("ExitCode = %d, want 1", got)
	}
}
