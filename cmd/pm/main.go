package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/awnumar/memguard"
	"golang.org/x/term"

	"github.com/thanos-vault/thanos/auth"
	"github.com/thanos-vault/thanos/internal/logging"
	"github.com/thanos-vault/thanos/internal/service"
	"github.com/thanos-vault/thanos/internal/vault"
	"github.com/thanos-vault/thanos/store"
)

const cliVersion = "1.0.0"

type userError struct {
	msg string
}

func (e userError) Error() string { return e.msg }

func main() {
	memguard.CatchInterrupt()
	defer memguard.Purge()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Println(cliVersion)
	case "vault":
		if len(os.Args) < 3 || os.Args[2] != "create" {
			printUsage()
			os.Exit(1)
		}
		err = runVaultCreate(ctx, os.Args[3:])
	case "master":
		if len(os.Args) < 3 || os.Args[2] != "change" {
			printUsage()
			os.Exit(1)
		}
		err = runMasterChange(ctx, os.Args[3:])
	case "session":
		err = runSession(ctx, os.Args[2:])
	case "backup":
		err = runBackup(ctx, os.Args[2:])
	case "restore":
		err = runRestore(ctx, os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
	handleError(err)
}

func handleError(err error) {
	if err == nil {
		return
	}

	var uerr userError
	if errors.As(err, &uerr) || errors.As(friendlyError(err), &uerr) {
		fmt.Fprintln(os.Stderr, uerr.Error())
		memguard.SafeExit(1)
	}

	fmt.Fprintf(os.Stderr, "unexpected error: %v\n", err)
	memguard.SafeExit(2)
}

// friendlyError maps expected failures to messages for the user.
func friendlyError(err error) error {
	switch {
	case errors.Is(err, vault.ErrAuthentication):
		return userError{msg: "incorrect master password"}
	case errors.Is(err, vault.ErrDeviceMismatch):
		return userError{msg: "this vault is bound to another device; rerun with --recovery"}
	case errors.Is(err, vault.ErrRecoveryKey):
		return userError{msg: "invalid recovery key"}
	case errors.Is(err, vault.ErrDecryption):
		return userError{msg: "decryption failed: wrong password or recovery key, or the file is corrupted"}
	case errors.Is(err, vault.ErrInvalidVault):
		return userError{msg: "no usable vault found; run pm vault create first"}
	case errors.Is(err, vault.ErrVaultExists):
		return userError{msg: "a vault already exists there"}
	case errors.Is(err, vault.ErrVaultBusy):
		return userError{msg: "the vault is open in another session"}
	case errors.Is(err, vault.ErrNotFound):
		return userError{msg: "no such credential"}
	case errors.Is(err, vault.ErrInvalidCredential), errors.Is(err, auth.ErrWeakPassword):
		return userError{msg: err.Error()}
	case errors.Is(err, service.ErrThrottled):
		return userError{msg: service.ErrThrottled.Error()}
	}
	return err
}

// newService loads settings from dir and builds the service and logger.
func newService(dir string) (*service.Service, error) {
	paths := store.Paths{Dir: dir}
	settings, err := store.LoadSettings(paths)
	if err != nil {
		return nil, userError{msg: err.Error()}
	}
	level, err := settings.LogLevel()
	if err != nil {
		return nil, userError{msg: err.Error()}
	}
	logger := logging.New(os.Stderr, settings.Log.Format, level)
	slog.SetDefault(logger)

	return service.New(service.Options{
		Paths:    paths,
		Settings: settings,
		Logger:   logger,
	})
}

func parseDirFlags(name string, args []string, extra func(fs *flag.FlagSet)) (string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var dir string
	fs.StringVar(&dir, "dir", "", "vault directory")
	if extra != nil {
		extra(fs)
	}

	if err := fs.Parse(args); err != nil {
		return "", userError{msg: "invalid arguments"}
	}
	if dir == "" {
		return "", userError{msg: "missing required flag: --dir"}
	}
	if fs.NArg() != 0 {
		return "", userError{msg: "unexpected positional arguments"}
	}
	return dir, nil
}

func runVaultCreate(ctx context.Context, args []string) error {
	dir, err := parseDirFlags("vault create", args, nil)
	if err != nil {
		return err
	}
	svc, err := newService(dir)
	if err != nil {
		return err
	}

	pw, err := promptNewPassword("Enter master password: ", "Confirm master password: ")
	if err != nil {
		return err
	}
	defer pw.Destroy()

	recovery, err := svc.CreateVault(ctx, pw.String())
	if err != nil {
		return err
	}

	fmt.Println("Vault created.")
	fmt.Println("Recovery key (store it offline; it is shown only once):")
	fmt.Println()
	fmt.Println("    " + recovery)
	fmt.Println()
	return nil
}

func runMasterChange(ctx context.Context, args []string) error {
	var recovery bool
	dir, err := parseDirFlags("master change", args, func(fs *flag.FlagSet) {
		fs.BoolVar(&recovery, "recovery", false, "prompt for the recovery key")
	})
	if err != nil {
		return err
	}
	svc, err := newService(dir)
	if err != nil {
		return err
	}
	defer svc.Lock()

	oldPw, err := promptUnlock(ctx, svc, "Old master password: ", recovery)
	if err != nil {
		return err
	}
	defer oldPw.Destroy()

	newPw, err := promptNewPassword("New master password: ", "Confirm new master password: ")
	if err != nil {
		return err
	}
	defer newPw.Destroy()

	key, err := svc.ChangeMaster(ctx, oldPw.String(), newPw.String())
	if err != nil {
		return err
	}
	fmt.Println("master password changed")
	if key != "" {
		fmt.Println("New recovery key (store it offline; it is shown only once):")
		fmt.Println()
		fmt.Println("    " + key)
		fmt.Println()
	}
	return nil
}

func runSession(ctx context.Context, args []string) error {
	var recovery bool
	dir, err := parseDirFlags("session", args, func(fs *flag.FlagSet) {
		fs.BoolVar(&recovery, "recovery", false, "prompt for the recovery key")
	})
	if err != nil {
		return err
	}
	svc, err := newService(dir)
	if err != nil {
		return err
	}
	defer svc.Lock()

	pw, err := promptUnlock(ctx, svc, "Master password: ", recovery)
	if err != nil {
		return err
	}
	pw.Destroy()

	sess, err := svc.Session()
	if err != nil {
		return err
	}
	if sess.Legacy() {
		fmt.Fprintln(os.Stderr, "warning: this vault is not bound to a device; run 'bind' to upgrade it")
	}
	return sessionLoop(ctx, svc)
}

// maxPrompts bounds master password retries within one command. The
// service throttle still applies across commands.
const maxPrompts = 3

// promptUnlock asks for the master password until the vault opens, the
// throttle refuses, or maxPrompts attempts fail. The returned buffer holds
// the accepted password and the caller destroys it.
func promptUnlock(ctx context.Context, svc *service.Service, prompt string, askRecovery bool) (*memguard.LockedBuffer, error) {
	var err error
	for i := 0; i < maxPrompts; i++ {
		pw, perr := promptPassword(prompt)
		if perr != nil {
			return nil, fmt.Errorf("read master password: %w", perr)
		}
		if err = unlock(ctx, svc, pw.String(), askRecovery); err == nil {
			return pw, nil
		}
		pw.Destroy()
		if !errors.Is(err, vault.ErrAuthentication) || !isTerminal() {
			return nil, err
		}
		fmt.Fprintln(os.Stderr, "Incorrect master password.")
	}
	return nil, err
}

// unlock opens the vault, asking for the recovery key when the vault is
// bound to another device.
func unlock(ctx context.Context, svc *service.Service, master string, askRecovery bool) error {
	var recovery string
	if askRecovery {
		key, err := promptPassword("Recovery key: ")
		if err != nil {
			return fmt.Errorf("read recovery key: %w", err)
		}
		defer key.Destroy()
		recovery = key.String()
	}

	err := svc.Unlock(ctx, master, recovery)
	if !errors.Is(err, vault.ErrDeviceMismatch) || askRecovery || !isTerminal() {
		return err
	}

	fmt.Fprintln(os.Stderr, "This vault was created on another device. Enter the recovery key to move it here.")
	key, perr := promptPassword("Recovery key: ")
	if perr != nil {
		return fmt.Errorf("read recovery key: %w", perr)
	}
	defer key.Destroy()
	return svc.Unlock(ctx, master, key.String())
}

func runBackup(ctx context.Context, args []string) error {
	var out string
	dir, err := parseDirFlags("backup", args, func(fs *flag.FlagSet) {
		fs.StringVar(&out, "out", "", "backup file to write")
	})
	if err != nil {
		return err
	}
	if out == "" {
		return userError{msg: "missing required flag: --out"}
	}
	svc, err := newService(dir)
	if err != nil {
		return err
	}

	pw, err := promptPassword("Master password: ")
	if err != nil {
		return fmt.Errorf("read master password: %w", err)
	}
	defer pw.Destroy()
	key, err := promptPassword("Recovery key: ")
	if err != nil {
		return fmt.Errorf("read recovery key: %w", err)
	}
	defer key.Destroy()

	if err := svc.Backup(ctx, out, pw.String(), key.String()); err != nil {
		return err
	}
	fmt.Printf("backup written to %s\n", out)
	return nil
}

func runRestore(ctx context.Context, args []string) error {
	var in string
	dir, err := parseDirFlags("restore", args, func(fs *flag.FlagSet) {
		fs.StringVar(&in, "in", "", "backup file to read")
	})
	if err != nil {
		return err
	}
	if in == "" {
		return userError{msg: "missing required flag: --in"}
	}
	svc, err := newService(dir)
	if err != nil {
		return err
	}
	defer svc.Lock()

	pw, err := promptPassword("Master password: ")
	if err != nil {
		return fmt.Errorf("read master password: %w", err)
	}
	defer pw.Destroy()
	key, err := promptPassword("Recovery key: ")
	if err != nil {
		return fmt.Errorf("read recovery key: %w", err)
	}
	defer key.Destroy()

	if err := svc.Restore(ctx, in, pw.String(), key.String()); err != nil {
		return err
	}
	fmt.Printf("vault restored into %s and bound to this device\n", dir)
	return nil
}

func isTerminal() bool {
	return term.IsTerminal(int(syscall.Stdin))
}

// promptPassword reads a line without echo into guarded memory.
func promptPassword(prompt string) (*memguard.LockedBuffer, error) {
	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, err
	}
	return memguard.NewBufferFromBytes(pw), nil
}

func promptNewPassword(prompt, confirmPrompt string) (*memguard.LockedBuffer, error) {
	pw, err := promptPassword(prompt)
	if err != nil {
		return nil, fmt.Errorf("read password: %w", err)
	}
	confirm, err := promptPassword(confirmPrompt)
	if err != nil {
		pw.Destroy()
		return nil, fmt.Errorf("read confirmation: %w", err)
	}
	defer confirm.Destroy()

	if !bytes.Equal(pw.Bytes(), confirm.Bytes()) {
		pw.Destroy()
		return nil, userError{msg: "passwords do not match"}
	}
	return pw, nil
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: pm <command>")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  version")
	fmt.Fprintln(os.Stderr, "  vault create --dir <vault-dir>")
	fmt.Fprintln(os.Stderr, "  session --dir <vault-dir> [--recovery]")
	fmt.Fprintln(os.Stderr, "  master change --dir <vault-dir> [--recovery]")
	fmt.Fprintln(os.Stderr, "  backup --dir <vault-dir> --out <file>")
	fmt.Fprintln(os.Stderr, "  restore --in <file> --dir <vault-dir>")
}
