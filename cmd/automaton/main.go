// Command automaton runs the autonomous agent daemon.
//
// Subcommands:
//
//	automaton init --home DIR --name NAME --creator ADDR   write default config
//	automaton provision --home DIR                         generate wallet material
//	automaton run --home DIR                               run the daemon
//
// Exit codes: 0 clean shutdown, 1 configuration error, 2 funding error,
// 3 unrecoverable provider failure.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/automatonhq/automaton/internal/automaton/app"
	"github.com/automatonhq/automaton/internal/automaton/config"
	"github.com/automatonhq/automaton/internal/automaton/heartbeat"
)

const (
	exitOK         = 0
	exitConfig     = 1
	exitFunding    = 2
	exitProvider   = 3
	defaultHomeDir = "~/.automaton"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitConfig)
	}

	switch os.Args[1] {
	case "init":
		os.Exit(runInit(os.Args[2:]))
	case "provision":
		os.Exit(runProvision(os.Args[2:]))
	case "run":
		os.Exit(runDaemon(os.Args[2:]))
	case "-h", "--help", "help":
		usage()
		os.Exit(exitOK)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(exitConfig)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `automaton - autonomous agent daemon

Usage:
  automaton init --home DIR --name NAME --creator ADDR
  automaton provision --home DIR
  automaton run --home DIR
`)
}

// runInit writes the default automaton.json, heartbeat.yml, and directory
// layout. It refuses to clobber an existing config.
func runInit(args []string) int {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	home := fs.String("home", defaultHomeDir, "automaton home directory")
	name := fs.String("name", "", "agent name")
	creator := fs.String("creator", "", "creator wallet address")
	genesis := fs.String("genesis", "", "genesis prompt text")
	fs.Parse(args)

	if *name == "" || *creator == "" {
		fmt.Fprintln(os.Stderr, "init: --name and --creator are required")
		return exitConfig
	}

	homeDir, err := expandHome(*home)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		return exitConfig
	}
	if _, err := os.Stat(filepath.Join(homeDir, "automaton.json")); err == nil {
		fmt.Fprintf(os.Stderr, "init: %s already contains automaton.json\n", homeDir)
		return exitConfig
	}

	cfg := config.Defaults(homeDir)
	cfg.Name = *name
	cfg.CreatorAddress = *creator
	cfg.GenesisPrompt = *genesis

	for _, dir := range []string{homeDir, cfg.Resolve(cfg.SkillsDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "init: create %s: %v\n", dir, err)
			return exitConfig
		}
	}
	if err := cfg.Save(); err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		return exitConfig
	}
	if err := heartbeat.DefaultConfig().Save(cfg.Resolve(cfg.HeartbeatPath)); err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		return exitConfig
	}

	fmt.Printf("initialized %s\n", homeDir)
	fmt.Println("next: fill in provider settings in automaton.json, then run `automaton provision`")
	return exitOK
}

// runProvision generates wallet key material. The key is handed to the
// signing sidecar; this process keeps only the file.
func runProvision(args []string) int {
	fs := flag.NewFlagSet("provision", flag.ExitOnError)
	home := fs.String("home", defaultHomeDir, "automaton home directory")
	fs.Parse(args)

	homeDir, err := expandHome(*home)
	if err != nil {
		fmt.Fprintf(os.Stderr, "provision: %v\n", err)
		return exitConfig
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		fmt.Fprintf(os.Stderr, "provision: generate key: %v\n", err)
		return exitConfig
	}
	w := &config.Wallet{
		PrivateKey: "0x" + hex.EncodeToString(key),
		CreatedAt:  time.Now().UTC(),
	}
	if err := config.SaveWallet(homeDir, w); err != nil {
		fmt.Fprintf(os.Stderr, "provision: %v\n", err)
		return exitConfig
	}

	fmt.Printf("wallet material written to %s\n", filepath.Join(homeDir, "wallet.json"))
	fmt.Println("register the key with the signing sidecar, then set wallet_address in automaton.json")
	return exitOK
}

// runDaemon loads the config and runs the assembled daemon until interrupted.
func runDaemon(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	home := fs.String("home", defaultHomeDir, "automaton home directory")
	fs.Parse(args)

	homeDir, err := expandHome(*home)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return exitConfig
	}

	cfg, err := config.Load(homeDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return exitConfig
	}

	a, err := app.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		switch {
		case errors.Is(err, app.ErrUnfunded):
			return exitFunding
		case isConfigError(err):
			return exitConfig
		default:
			return exitProvider
		}
	}
	defer a.Stop()

	if err := a.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return exitProvider
	}
	return exitOK
}

// isConfigError distinguishes missing-knob failures from provider failures so
// the exit code points the operator at the right fix.
func isConfigError(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "config:")
}

// expandHome resolves a leading ~ against the current user's home directory.
func expandHome(p string) (string, error) {
	if len(p) >= 2 && p[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		return filepath.Join(home, p[2:]), nil
	}
	return p, nil
}
