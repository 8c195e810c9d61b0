// agentbatchd is the batch execution daemon. It loads configuration,
// decrypts the secrets file when one is present, boots the kernel, and
// runs until SIGINT or SIGTERM.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/term"

	"agentbatch/internal/kernel"
	"agentbatch/pkg/config"
	"agentbatch/pkg/logx"
	"agentbatch/pkg/version"
)

// logKeep is how many rotated log generations survive.
const logKeep = 4

func main() {
	var (
		configPath  = flag.String("config", "", "Path to YAML config file (optional)")
		tee         = flag.Bool("tee", false, "Output logs to both console and file (default: file only)")
		showVersion = flag.Bool("version", false, "Show version information")
		setSecret   = flag.String("set-secret", "", "Store one secret under NAME in the encrypted secrets file and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("agentbatchd %s\n", version.Version)
		fmt.Printf("  commit: %s\n", version.Commit)
		fmt.Printf("  built:  %s\n", version.Date)
		os.Exit(0)
	}

	// Run main logic and get exit code so defers execute before os.Exit.
	exitCode := run(*configPath, *setSecret, *tee)

	if closeErr := logx.CloseLogFile(); closeErr != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", closeErr)
	}
	os.Exit(exitCode)
}

func run(configPath, setSecret string, tee bool) int {
	cfg, err := config.Load(context.Background(), configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	if setSecret != "" {
		if err := storeSecret(cfg.DataDir, setSecret); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to store secret: %v\n", err)
			return 1
		}
		return 0
	}

	// Initialize log file rotation BEFORE any logging occurs, so everything
	// from kernel wiring onward is captured.
	if err := logx.InitializeLogFile(cfg.LogsDir(), logKeep, tee); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize log file: %v\n", err)
		return 1
	}

	fmt.Println("⏳ Starting up...")

	if err := loadSecrets(cfg.DataDir); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load secrets: %v\n", err)
		return 1
	}

	logger := logx.NewLogger("agentbatchd")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	k, err := kernel.New(ctx, cfg)
	if err != nil {
		logger.Error("Kernel construction failed: %v", err)
		return 1
	}
	defer func() {
		if stopErr := k.Stop(); stopErr != nil {
			logger.Error("Error stopping kernel: %v", stopErr)
		}
	}()

	if err := k.Start(); err != nil {
		logger.Error("Kernel start failed: %v", err)
		return 1
	}
	logger.Info("agentbatchd %s ready (session %s)", version.Version, k.SessionID())
	fmt.Println("✅ Ready")

	<-ctx.Done()
	stop()
	logger.Info("Shutdown signal received")
	fmt.Println("⏳ Shutting down...")

	if err := k.Stop(); err != nil {
		logger.Error("Kernel stop failed: %v", err)
		return 1
	}
	return 0
}

// loadSecrets decrypts the secrets file into memory when one exists. The
// password comes from ABATCH_SECRETS_PASSWORD, or an interactive prompt
// when stdin is a terminal. A daemon started without either fails loudly
// rather than running with half its agent environment missing.
func loadSecrets(dataDir string) error {
	if !config.SecretsFileExists(dataDir) {
		return nil
	}
	password := os.Getenv("ABATCH_SECRETS_PASSWORD")
	if password == "" {
		if !term.IsTerminal(int(syscall.Stdin)) {
			return fmt.Errorf("secrets file present but no password given: set ABATCH_SECRETS_PASSWORD or run interactively")
		}
		p, err := readPassword("Secrets password: ")
		if err != nil {
			return err
		}
		password = p
	}
	secrets, err := config.DecryptSecretsFile(dataDir, password)
	if err != nil {
		return err
	}
	config.SetDecryptedSecrets(secrets)
	fmt.Printf("🔓 Loaded %d secret(s)\n", len(secrets))
	return nil
}

// storeSecret writes one secret into the encrypted file, creating the file
// with a fresh confirmed password on first use.
func storeSecret(dataDir, name string) error {
	fmt.Printf("Value for %s: ", name)
	value, err := term.ReadPassword(syscall.Stdin)
	fmt.Println()
	if err != nil {
		return fmt.Errorf("failed to read value: %w", err)
	}

	if config.SecretsFileExists(dataDir) {
		password, err := readPassword("Secrets password: ")
		if err != nil {
			return err
		}
		secrets, err := config.DecryptSecretsFile(dataDir, password)
		if err != nil {
			return err
		}
		secrets[name] = string(value)
		if err := config.EncryptSecretsFile(dataDir, password, secrets); err != nil {
			return err
		}
	} else {
		password, err := newPassword()
		if err != nil {
			return err
		}
		if err := config.EncryptSecretsFile(dataDir, password, map[string]string{name: string(value)}); err != nil {
			return err
		}
	}

	fmt.Printf("✅ Secret %s saved to %s (file permissions: 0600)\n",
		name, filepath.Join(dataDir, "secrets.json.enc"))
	return nil
}

func readPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	b, err := term.ReadPassword(syscall.Stdin)
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(b), nil
}

// newPassword prompts for a fresh password with confirmation.
func newPassword() (string, error) {
	const maxAttempts = 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		fmt.Print("New secrets password: ")
		p1, err := term.ReadPassword(syscall.Stdin)
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}

		fmt.Print("Confirm password: ")
		p2, err := term.ReadPassword(syscall.Stdin)
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}

		if !bytes.Equal(p1, p2) {
			if attempt < maxAttempts {
				fmt.Println("❌ Passwords do not match. Please try again.")
				continue
			}
			return "", fmt.Errorf("passwords do not match after %d attempts", maxAttempts)
		}

		password := string(p1)
		for i := range p1 {
			p1[i] = 0
		}
		for i := range p2 {
			p2[i] = 0
		}
		return password, nil
	}
	return "", fmt.Errorf("passwords do not match after %d attempts", maxAttempts)
}
