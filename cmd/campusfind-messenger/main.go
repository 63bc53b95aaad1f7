// ABOUTME: Entry point for the campusfind-messenger server
// ABOUTME: Provides serve, init, token and health subcommands

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/campusfind/campusfind-messenger/internal/auth"
	"github.com/campusfind/campusfind-messenger/internal/config"
	"github.com/campusfind/campusfind-messenger/internal/gateway"
)

// Version is set at build time.
var version = "dev"

// secretEnvVar holds the JWT secret referenced by generated configs.
const secretEnvVar = "CAMPUSFIND_JWT_SECRET"

const banner = `
                                         __ _           _
  ___ __ _ _ __ ___  _ __  _   _ ___   / _(_)_ __   __| |
 / __/ _' | '_ ' _ \| '_ \| | | / __| | |_| | '_ \ / _' |
| (_| (_| | | | | | | |_) | |_| \__ \ |  _| | | | | (_| |
 \___\__,_|_| |_| |_| .__/ \__,_|___/ |_| |_|_| |_|\__,_|
                    |_|                        messenger
`

func usage() {
	fmt.Println("Usage: campusfind-messenger <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                          Start the messenger server")
	fmt.Println("  init                           Create a new config file interactively")
	fmt.Println("  token --uid UID [--ttl 24h]    Issue an API token for a user")
	fmt.Println("  health                         Check server health")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := config.DefaultPath()
	loadEnvFiles(".env", filepath.Join(filepath.Dir(configPath), ".env"))

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, configPath)
	case "init":
		err = runInit(bufio.NewReader(os.Stdin), os.Stdout)
	case "token":
		err = runToken(configPath, os.Args[2:], os.Stdout)
	case "health":
		err = runHealth(ctx, configPath)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadEnvFiles loads each existing .env file. Variables already set in the
// environment win.
func loadEnvFiles(paths ...string) {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			fmt.Fprintf(os.Stderr, "warning: loading %s: %v\n", p, err)
		}
	}
}

func runServe(ctx context.Context, configPath string) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Store:     %s", cfg.Database.Driver)
	if cfg.Database.Path != "" {
		gray.Printf(" (%s)", cfg.Database.Path)
	}
	fmt.Println()
	fmt.Println()

	logger.Info("starting campusfind-messenger",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"driver", cfg.Database.Driver,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

func runHealth(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

type tokenArgs struct {
	uid string
	ttl time.Duration
}

// parseTokenArgs parses "--uid UID [--ttl DURATION]". A zero ttl means the
// configured auth.token_ttl.
func parseTokenArgs(args []string) (tokenArgs, error) {
	var out tokenArgs
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&out.uid, "uid", "", "user id to issue the token for")
	fs.DurationVar(&out.ttl, "ttl", 0, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return out, err
	}
	if fs.NArg() > 0 {
		return out, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	if out.uid == "" {
		return out, errors.New("--uid flag is required")
	}
	if out.ttl < 0 {
		return out, errors.New("--ttl must be positive")
	}
	return out, nil
}

func runToken(configPath string, args []string, out io.Writer) error {
	parsed, err := parseTokenArgs(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	return issueToken(cfg, parsed, out)
}

func issueToken(cfg *config.Config, args tokenArgs, out io.Writer) error {
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}

	ttl := args.ttl
	if ttl == 0 {
		ttl = cfg.Auth.TokenTTL
	}
	token, err := verifier.Generate(args.uid, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	_, err = fmt.Fprintln(out, token)
	return err
}

func runInit(reader *bufio.Reader, out io.Writer) error {
	fmt.Fprintln(out, "campusfind-messenger configuration setup")
	fmt.Fprintln(out, "========================================")
	fmt.Fprintln(out)

	outputFile := prompt(reader, out, "Config file path", config.DefaultPath())
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := strings.ToLower(prompt(reader, out, "File exists. Overwrite?", "no"))
		if overwrite != "yes" && overwrite != "y" {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	driver := prompt(reader, out, "Store driver (sqlite/badger/memory)", config.DefaultDriver)
	dataDir := config.DefaultDataPath()
	if driver != "memory" {
		dataDir = prompt(reader, out, "Data directory", dataDir)
	}

	data, err := config.Template(driver, dataDir)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	header := "# campusfind-messenger configuration\n# Generated by campusfind-messenger init\n\n"
	if err := os.WriteFile(outputFile, append([]byte(header), data...), 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if driver != "memory" {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	envPath := filepath.Join(filepath.Dir(outputFile), ".env")
	created, err := ensureSecret(envPath)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Fprintf(out, "\n  ✓ Config written to %s\n", outputFile)
	if created {
		green.Fprintf(out, "  ✓ Generated %s in %s\n", secretEnvVar, envPath)
	} else {
		fmt.Fprintf(out, "  Using existing %s from %s\n", secretEnvVar, envPath)
	}
	fmt.Fprintln(out, "\nTo start the server:")
	fmt.Fprintln(out, "  campusfind-messenger serve")
	return nil
}

// ensureSecret makes sure the .env file at path defines the JWT secret,
// generating one when missing. It reports whether a secret was generated.
func ensureSecret(path string) (bool, error) {
	env := map[string]string{}
	if _, err := os.Stat(path); err == nil {
		existing, err := godotenv.Read(path)
		if err != nil {
			return false, fmt.Errorf("reading %s: %w", path, err)
		}
		env = existing
	}
	if len(env[secretEnvVar]) >= auth.MinSecretLength {
		return false, nil
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return false, fmt.Errorf("generating JWT secret: %w", err)
	}
	env[secretEnvVar] = base64.StdEncoding.EncodeToString(secretBytes)

	if err := godotenv.Write(env, path); err != nil {
		return false, fmt.Errorf("writing %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		return false, fmt.Errorf("securing %s: %w", path, err)
	}
	return true, nil
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		// On EOF or error, return default
		fmt.Fprintln(out)
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
