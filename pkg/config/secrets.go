package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/scrypt"

	"agentbatch/pkg/logx"
)

// Secrets file format: [salt][nonce][ciphertext+tag], AES-256-GCM with an
// scrypt-derived key.
const (
	secretsFileName = "secrets.json.enc"
	saltSize        = 16
	nonceSize       = 12
	scryptN         = 32768 // 2^15
	scryptR         = 8
	scryptP         = 1
	keySize         = 32 // AES-256
)

// Decrypted secrets live in memory for the process lifetime.
//
//nolint:gochecknoglobals // Intentional global state for in-memory secrets storage
var (
	decryptedSecrets    map[string]string
	decryptedSecretsMux sync.RWMutex
	secretsLogger       = logx.NewLogger("secrets")
)

// SetDecryptedSecrets stores decrypted secrets in memory.
func SetDecryptedSecrets(secrets map[string]string) {
	decryptedSecretsMux.Lock()
	defer decryptedSecretsMux.Unlock()
	decryptedSecrets = secrets
}

// GetSecret returns a secret value by name using standard precedence:
// 1. Decrypted secrets file (in memory)
// 2. Environment variables.
func GetSecret(name string) (string, error) {
	decryptedSecretsMux.RLock()
	fromFile := decryptedSecrets[name]
	decryptedSecretsMux.RUnlock()
	if fromFile != "" {
		return fromFile, nil
	}

	if fromEnv := os.Getenv(name); fromEnv != "" {
		return fromEnv, nil
	}

	return "", fmt.Errorf("secret %s not found in secrets file or environment", name)
}

// GetDecryptedSecretNames returns a list of secret names (not values).
func GetDecryptedSecretNames() []string {
	decryptedSecretsMux.RLock()
	defer decryptedSecretsMux.RUnlock()

	names := make([]string, 0, len(decryptedSecrets))
	for name := range decryptedSecrets {
		names = append(names, name)
	}
	return names
}

// SetSecret sets a secret value in memory.
func SetSecret(name, value string) {
	decryptedSecretsMux.Lock()
	defer decryptedSecretsMux.Unlock()

	if decryptedSecrets == nil {
		decryptedSecrets = make(map[string]string)
	}
	decryptedSecrets[name] = value
}

// DeleteSecret removes a secret from memory.
func DeleteSecret(name string) {
	decryptedSecretsMux.Lock()
	defer decryptedSecretsMux.Unlock()
	delete(decryptedSecrets, name)
}

// AgentEnv resolves the named secrets into NAME=value pairs for the agent
// environment. Missing secrets are logged and skipped; a partially
// provisioned deployment still runs.
func AgentEnv(names []string) []string {
	env := make([]string, 0, len(names))
	for _, name := range names {
		value, err := GetSecret(name)
		if err != nil {
			secretsLogger.Warn("Agent env secret %s unavailable: %v", name, err)
			continue
		}
		env = append(env, name+"="+value)
	}
	return env
}

// SaveSecretsToFile saves the current in-memory secrets to the encrypted
// file under dataDir.
func SaveSecretsToFile(dataDir, password string) error {
	decryptedSecretsMux.RLock()
	snapshot := make(map[string]string, len(decryptedSecrets))
	for k, v := range decryptedSecrets {
		snapshot[k] = v
	}
	decryptedSecretsMux.RUnlock()

	return EncryptSecretsFile(dataDir, password, snapshot)
}

// SecretsFileExists checks if the encrypted secrets file exists under
// dataDir.
func SecretsFileExists(dataDir string) bool {
	_, err := os.Stat(filepath.Join(dataDir, secretsFileName))
	return err == nil
}

// fileKey stretches the password into an AES-256 key. Callers zero the key
// when finished.
func fileKey(password string, salt []byte) ([]byte, error) {
	pw := []byte(password)
	defer wipe(pw)
	return scrypt.Key(pw, salt, scryptN, scryptR, scryptP, keySize)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// seal builds the on-disk envelope for secrets under password.
func seal(password string, secrets map[string]string) ([]byte, error) {
	header := make([]byte, saltSize+nonceSize)
	if _, err := rand.Read(header); err != nil {
		return nil, fmt.Errorf("failed to generate salt and nonce: %w", err)
	}
	salt, nonce := header[:saltSize], header[saltSize:]

	key, err := fileKey(password, salt)
	if err != nil {
		return nil, fmt.Errorf("failed to derive file key: %w", err)
	}
	defer wipe(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := json.Marshal(secrets)
	if err != nil {
		return nil, fmt.Errorf("failed to encode secrets: %w", err)
	}

	// Seal appends ciphertext and tag directly after the header.
	return gcm.Seal(header, nonce, plaintext, nil), nil
}

// open decrypts an envelope produced by seal.
func open(password string, envelope []byte) (map[string]string, error) {
	// A valid envelope holds at least the header plus a GCM tag.
	if len(envelope) < saltSize+nonceSize+16 {
		return nil, fmt.Errorf("secrets file is corrupted or invalid format (too small)")
	}
	salt := envelope[:saltSize]
	nonce := envelope[saltSize : saltSize+nonceSize]
	ciphertext := envelope[saltSize+nonceSize:]

	key, err := fileKey(password, salt)
	if err != nil {
		return nil, fmt.Errorf("failed to derive file key: %w", err)
	}
	defer wipe(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed (wrong password or corrupted file)")
	}

	var secrets map[string]string
	if err := json.Unmarshal(plaintext, &secrets); err != nil {
		return nil, fmt.Errorf("failed to decode secrets: %w", err)
	}
	return secrets, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to init GCM: %w", err)
	}
	return gcm, nil
}

// EncryptSecretsFile encrypts and writes secrets to <dataDir>/secrets.json.enc
// with 0600 permissions.
func EncryptSecretsFile(dataDir, password string, secrets map[string]string) error {
	envelope, err := seal(password, secrets)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	path := filepath.Join(dataDir, secretsFileName)
	if err := os.WriteFile(path, envelope, 0o600); err != nil {
		return fmt.Errorf("failed to write secrets file: %w", err)
	}
	return nil
}

// DecryptSecretsFile decrypts and returns secrets from
// <dataDir>/secrets.json.enc. Loose file permissions are tightened to 0600
// before reading.
func DecryptSecretsFile(dataDir, password string) (map[string]string, error) {
	path := filepath.Join(dataDir, secretsFileName)

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat secrets file: %w", err)
	}
	if info.Mode().Perm() != 0o600 {
		secretsLogger.Warn("Secrets file has permissions %04o, tightening to 0600", info.Mode().Perm())
		if chmodErr := os.Chmod(path, 0o600); chmodErr != nil {
			return nil, fmt.Errorf("failed to fix file permissions: %w", chmodErr)
		}
	}

	envelope, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets file: %w", err)
	}
	return open(password, envelope)
}
