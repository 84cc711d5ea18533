// Package main is the autocapture daemon/CLI entry point: a thin dispatcher
// over internal/kernel's Boot/Shutdown/Doctor/Query and friends (spec.md
// §6's "CLI surface (minimum): boot, shutdown, doctor, verify archive
// --path, query, state layer eval, perf gate, rotate keys").
//
// Grounded on cmd/appserver/main.go's bootstrap shape (flag parsing,
// signal-driven graceful shutdown, log.Fatalf on unrecoverable setup
// errors) and cmd/slctl/main.go's subcommand switch dispatch.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	enginerrors "github.com/autocapture/engine/infrastructure/errors"
	"github.com/autocapture/engine/internal/config"
	"github.com/autocapture/engine/internal/kernel"
	"github.com/autocapture/engine/internal/keyring"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(int(enginerrors.ExitFailure))
	}

	err := dispatch(context.Background(), os.Args[1])
	if err == nil {
		os.Exit(int(enginerrors.ExitOK))
	}

	fmt.Fprintf(os.Stderr, "autocapture: %v\n", err)
	os.Exit(int(mapExitCode(err)))
}

func dispatch(ctx context.Context, cmd string) error {
	args := os.Args[2:]
	switch cmd {
	case "boot":
		return runBoot(ctx, args)
	case "shutdown":
		return runShutdown(args)
	case "doctor":
		return runDoctor(args)
	case "verify":
		return runVerify(args)
	case "query":
		return runQuery(ctx, args)
	case "state":
		return runState(args)
	case "perf":
		return runPerf(args)
	case "rotate":
		return runRotate(args)
	case "help", "-h", "--help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// mapExitCode decides the process exit code spec.md §6 names: 0 ok, 1
// gate/eval failure, 2 configuration/contract error. infrastructure/errors'
// own ExitCode only marks the ContractViolation family (invariant/hash-chain/
// schema) as ExitContractBroken; configuration errors there still carry
// ExitFailure, so this promotes the config-family codes to 2 on top of the
// library default rather than changing the shared constructors' meaning for
// every other caller.
func mapExitCode(err error) enginerrors.ExitCode {
	engineErr := enginerrors.GetEngineError(err)
	if engineErr == nil {
		return enginerrors.ExitFailure
	}
	switch engineErr.Code {
	case enginerrors.ErrCodeConfigMissing,
		enginerrors.ErrCodeConfigInvalid,
		enginerrors.ErrCodeConfigValidation,
		enginerrors.ErrCodeInvariantBroken,
		enginerrors.ErrCodeHashChainBroken,
		enginerrors.ErrCodeSchemaMismatch,
		enginerrors.ErrCodeLockfileFail:
		return enginerrors.ExitContractBroken
	default:
		return enginerrors.GetExitCode(err)
	}
}

func loadConfig(configPath, presetPath string) (*config.Config, error) {
	if strings.TrimSpace(configPath) != "" {
		return config.LoadFile(configPath)
	}
	return config.Load(presetPath)
}

// runBoot loads configuration, boots the kernel, and blocks until SIGINT or
// SIGTERM, at which point it shuts down gracefully — the daemon's normal
// lifetime. A concurrent `autocapture shutdown` (or any signal) is how it
// ends.
func runBoot(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("boot", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a config file (overrides env/preset layering)")
	presetPath := fs.String("preset", "", "path to a capture preset patch file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath, *presetPath)
	if err != nil {
		return err
	}

	h, err := kernel.Boot(cfg)
	if err != nil {
		return err
	}
	log.Printf("autocapture: booted run_id=%s data_dir=%s", h.RunID, cfg.Storage.DataDir)
	if h.Recovery.CrashDetected {
		log.Printf("autocapture: recovered from an unclean shutdown (crash_count=%d)", h.Recovery.CrashCountInWindow)
	}
	if cfg.Registry.SafeMode {
		log.Printf("autocapture: running in safe mode")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Printf("autocapture: shutting down")
	return kernel.Shutdown(h)
}

// runShutdown asks a running `boot` process to stop gracefully by signaling
// the PID recorded in the instance lock file — the same file acquireLock
// uses to reject a concurrent boot, repurposed here as the one piece of
// cross-process state this CLI has to find the daemon by.
func runShutdown(args []string) error {
	fs := flag.NewFlagSet("shutdown", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a config file (overrides env/preset layering)")
	presetPath := fs.String("preset", "", "path to a capture preset patch file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath, *presetPath)
	if err != nil {
		return err
	}

	lockPath := filepath.Join(cfg.Storage.DataDir, "run_state.lock")
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return fmt.Errorf("no running instance found at %s: %w", cfg.Storage.DataDir, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("instance lock at %s does not hold a valid pid", lockPath)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal process %d: %w", pid, err)
	}
	log.Printf("autocapture: sent shutdown signal to pid %d", pid)
	return nil
}

func runDoctor(args []string) error {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a config file (overrides env/preset layering)")
	presetPath := fs.String("preset", "", "path to a capture preset patch file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath, *presetPath)
	if err != nil {
		return err
	}

	checks := kernel.RunDoctor(cfg)
	allOK := true
	for _, c := range checks {
		status := "ok"
		if !c.OK {
			status = "FAIL"
			allOK = false
		}
		fmt.Printf("%-24s %-4s %s\n", c.Name, status, c.Detail)
	}
	if !allOK {
		return enginerrors.New(enginerrors.ErrCodeConfigValidation, "one or more doctor checks failed", enginerrors.ExitContractBroken)
	}
	return nil
}

// runVerify implements `verify archive --path <path>`.
func runVerify(args []string) error {
	if len(args) == 0 || args[0] != "archive" {
		return errors.New(`usage: autocapture verify archive --path <archive.zip>`)
	}
	fs := flag.NewFlagSet("verify archive", flag.ContinueOnError)
	path := fs.String("path", "", "path to the archive to verify (required)")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if strings.TrimSpace(*path) == "" {
		return errors.New("--path is required")
	}

	ok, issues, err := kernel.VerifyArchive(*path)
	if err != nil {
		return err
	}
	if ok {
		fmt.Println("archive verified clean")
		return nil
	}
	fmt.Println("archive verification failed:")
	for _, issue := range issues {
		fmt.Printf("  - %s\n", issue)
	}
	return enginerrors.New(enginerrors.ErrCodeStorageCorrupt, "archive failed verification", enginerrors.ExitFailure)
}

// runQuery implements `query`. Unlike boot, it never takes the instance
// lock: answering a question only needs read access to the indexes
// kernel.Query opens for itself, so a query can run alongside a live boot
// process or entirely on its own.
func runQuery(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("query", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a config file (overrides env/preset layering)")
	presetPath := fs.String("preset", "", "path to a capture preset patch file")
	requireCitations := fs.Bool("require-citations", true, "degrade to no_evidence when a claim lacks a citation")
	if err := fs.Parse(args); err != nil {
		return err
	}
	text := strings.Join(fs.Args(), " ")
	if strings.TrimSpace(text) == "" {
		return errors.New("usage: autocapture query [flags] <question text>")
	}

	cfg, err := loadConfig(*configPath, *presetPath)
	if err != nil {
		return err
	}

	h := &kernel.Handle{Config: cfg}
	ans, err := kernel.Query(h, ctx, text, *requireCitations)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(ans, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if ans.State != "ok" && ans.State != "partial" {
		return enginerrors.New(enginerrors.ErrCodeBudgetExhausted, "query returned "+string(ans.State), enginerrors.ExitFailure)
	}
	return nil
}

// runState implements `state layer eval`.
func runState(args []string) error {
	if len(args) < 2 || args[0] != "layer" || args[1] != "eval" {
		return errors.New("usage: autocapture state layer eval --fixture <path>")
	}
	fs := flag.NewFlagSet("state layer eval", flag.ContinueOnError)
	fixturePath := fs.String("fixture", "", "path to a golden fixture file (required)")
	if err := fs.Parse(args[2:]); err != nil {
		return err
	}
	if strings.TrimSpace(*fixturePath) == "" {
		return errors.New("--fixture is required")
	}

	fixture, err := kernel.LoadStateEvalCases(*fixturePath)
	if err != nil {
		return err
	}
	result := kernel.RunStateEval(fixture.Cases)

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if !result.OK {
		return enginerrors.New(enginerrors.ErrCodeInvariantBroken, "one or more state layer golden cases failed", enginerrors.ExitFailure)
	}
	return nil
}

// runPerf implements `perf gate`.
func runPerf(args []string) error {
	if len(args) == 0 || args[0] != "gate" {
		return errors.New("usage: autocapture perf gate [--startup-target-ms N]")
	}
	fs := flag.NewFlagSet("perf gate", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a config file (overrides env/preset layering)")
	presetPath := fs.String("preset", "", "path to a capture preset patch file")
	startupTargetMs := fs.Int("startup-target-ms", 1000, "startup budget in milliseconds before the gate fails")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath, *presetPath)
	if err != nil {
		return err
	}

	result, err := kernel.RunPerfGate(cfg, *startupTargetMs)
	if err != nil {
		return err
	}
	fmt.Printf("elapsed=%.1fms max=%.1fms passed=%t\n", result.ElapsedMs, result.MaxMs, result.Passed)
	if !result.Passed {
		return enginerrors.New(enginerrors.ErrCodeBudgetExhausted, "startup perf gate exceeded its budget", enginerrors.ExitFailure)
	}
	return nil
}

// runRotate implements `rotate keys`.
func runRotate(args []string) error {
	if len(args) == 0 || args[0] != "keys" {
		return errors.New("usage: autocapture rotate keys")
	}
	fs := flag.NewFlagSet("rotate keys", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a config file (overrides env/preset layering)")
	presetPath := fs.String("preset", "", "path to a capture preset patch file")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath, *presetPath)
	if err != nil {
		return err
	}

	vaultDir := filepath.Dir(cfg.Keyring.KeyringPath)
	kr, err := keyring.Open(vaultDir)
	if err != nil {
		return err
	}

	h := &kernel.Handle{Keyring: kr}
	generation, err := kernel.RotateKeys(h)
	if err != nil {
		return err
	}
	fmt.Printf("rotated to generation %d\n", generation)
	return nil
}

func printUsage() {
	fmt.Println(`autocapture — always-on local-first personal capture and query engine

Usage:
  autocapture boot [--config path] [--preset path]
  autocapture shutdown [--config path]
  autocapture doctor [--config path]
  autocapture verify archive --path <archive.zip>
  autocapture query [--require-citations] <question text>
  autocapture state layer eval --fixture <path>
  autocapture perf gate [--startup-target-ms N]
  autocapture rotate keys

Exit codes: 0 ok, 1 gate/eval failure, 2 configuration/contract error.`)
}
