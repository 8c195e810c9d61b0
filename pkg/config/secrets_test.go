package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// resetSecrets clears the in-memory secret map after the test.
func resetSecrets(t *testing.T) {
	t.Helper()
	t.Cleanup(func() { SetDecryptedSecrets(nil) })
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	dir := t.TempDir()
	in := map[string]string{
		"AGENT_API_KEY": "sk-test-12345",
		"GIT_TOKEN":     "ghp_abcdef",
	}

	if err := EncryptSecretsFile(dir, "correct horse", in); err != nil {
		t.Fatalf("EncryptSecretsFile: %v", err)
	}
	if !SecretsFileExists(dir) {
		t.Fatal("Expected secrets file to exist")
	}

	info, err := os.Stat(filepath.Join(dir, secretsFileName))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("Expected 0600 permissions, got %04o", info.Mode().Perm())
	}

	out, err := DecryptSecretsFile(dir, "correct horse")
	if err != nil {
		t.Fatalf("DecryptSecretsFile: %v", err)
	}
	if len(out) != 2 || out["AGENT_API_KEY"] != "sk-test-12345" || out["GIT_TOKEN"] != "ghp_abcdef" {
		t.Errorf("Round trip mismatch: %v", out)
	}
}

func TestDecryptWrongPassword(t *testing.T) {
	dir := t.TempDir()
	if err := EncryptSecretsFile(dir, "right", map[string]string{"K": "v"}); err != nil {
		t.Fatal(err)
	}

	if _, err := DecryptSecretsFile(dir, "wrong"); err == nil {
		t.Fatal("Expected decryption failure with wrong password")
	}
}

func TestDecryptTruncatedFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, secretsFileName), []byte("short"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := DecryptSecretsFile(dir, "any")
	if err == nil || !strings.Contains(err.Error(), "corrupted") {
		t.Errorf("Expected corruption error, got %v", err)
	}
}

func TestDecryptTightensPermissions(t *testing.T) {
	dir := t.TempDir()
	if err := EncryptSecretsFile(dir, "pw", map[string]string{"K": "v"}); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, secretsFileName)
	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := DecryptSecretsFile(dir, "pw"); err != nil {
		t.Fatalf("DecryptSecretsFile: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("Expected permissions tightened to 0600, got %04o", info.Mode().Perm())
	}
}

func TestGetSecretPrecedence(t *testing.T) {
	resetSecrets(t)
	SetDecryptedSecrets(map[string]string{"ABATCH_TEST_TOKEN": "from-file"})
	t.Setenv("ABATCH_TEST_TOKEN", "from-env")
	t.Setenv("ABATCH_TEST_ENV_ONLY", "env-value")

	got, err := GetSecret("ABATCH_TEST_TOKEN")
	if err != nil {
		t.Fatalf("GetSecret: %v", err)
	}
	if got != "from-file" {
		t.Errorf("Expected secrets file to win over env, got %q", got)
	}

	got, err = GetSecret("ABATCH_TEST_ENV_ONLY")
	if err != nil {
		t.Fatalf("GetSecret: %v", err)
	}
	if got != "env-value" {
		t.Errorf("Expected env fallback, got %q", got)
	}

	if _, err := GetSecret("ABATCH_TEST_ABSENT"); err == nil {
		t.Error("Expected error for unknown secret")
	}
}

func TestSetDeleteAndNames(t *testing.T) {
	resetSecrets(t)
	SetDecryptedSecrets(nil)

	SetSecret("A", "1")
	SetSecret("B", "2")
	DeleteSecret("A")

	names := GetDecryptedSecretNames()
	if len(names) != 1 || names[0] != "B" {
		t.Errorf("Expected [B], got %v", names)
	}
}

func TestAgentEnvSkipsMissing(t *testing.T) {
	resetSecrets(t)
	SetDecryptedSecrets(map[string]string{"AGENT_API_KEY": "sk-123"})

	env := AgentEnv([]string{"AGENT_API_KEY", "ABATCH_TEST_NOT_CONFIGURED"})
	if len(env) != 1 || env[0] != "AGENT_API_KEY=sk-123" {
		t.Errorf("Expected only the resolvable secret, got %v", env)
	}
}

func TestSaveSecretsToFile(t *testing.T) {
	resetSecrets(t)
	dir := t.TempDir()

	SetDecryptedSecrets(map[string]string{"K": "v"})
	SetSecret("K2", "v2")

	if err := SaveSecretsToFile(dir, "pw"); err != nil {
		t.Fatalf("SaveSecretsToFile: %v", err)
	}

	out, err := DecryptSecretsFile(dir, "pw")
	if err != nil {
		t.Fatal(err)
	}
	if out["K"] != "v" || out["K2"] != "v2" {
		t.Errorf("Saved secrets mismatch: %v", out)
	}
}
