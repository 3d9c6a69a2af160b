package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/atotto/clipboard"
	"github.com/awnumar/memguard"

	"github.com/thanos-vault/thanos/auth"
	"github.com/thanos-vault/thanos/internal/audit"
	"github.com/thanos-vault/thanos/internal/service"
	"github.com/thanos-vault/thanos/internal/vault"
)

func sessionLoop(ctx context.Context, svc *service.Service) error {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("Vault unlocked. Type 'help' for commands.")

	for {
		fmt.Print("pm> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}

		args, err := splitArgs(scanner.Text())
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			continue
		}
		if len(args) == 0 {
			continue
		}

		switch args[0] {
		case "exit", "quit":
			return nil
		case "help":
			printSessionHelp()
		case "add":
			err = cmdAdd(ctx, svc, args[1:])
		case "get":
			err = cmdGet(ctx, svc, args[1:])
		case "list":
			err = cmdList(ctx, svc)
		case "update":
			err = cmdUpdate(ctx, svc, args[1:])
		case "delete":
			err = cmdDelete(ctx, svc, args[1:])
		case "logs":
			err = cmdLogs(ctx, svc)
		case "bind":
			err = cmdBind(ctx, svc)
		case "dedupe":
			err = cmdDedupe(ctx, svc, args[1:])
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s (type 'help')\n", args[0])
			continue
		}
		if err != nil {
			handleSessionError(err)
		}
	}
}

func handleSessionError(err error) {
	var uerr userError
	if errors.As(err, &uerr) || errors.As(friendlyError(err), &uerr) {
		fmt.Fprintln(os.Stderr, uerr.Error())
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
}

// splitArgs splits a line on whitespace, keeping double-quoted runs together.
func splitArgs(line string) ([]string, error) {
	var (
		args    []string
		cur     strings.Builder
		quoted  bool
		started bool
	)
	for _, r := range line {
		switch {
		case r == '"':
			quoted = !quoted
			started = true
		case !quoted && (r == ' ' || r == '\t'):
			if started {
				args = append(args, cur.String())
				cur.Reset()
				started = false
			}
		default:
			cur.WriteRune(r)
			started = true
		}
	}
	if quoted {
		return nil, userError{msg: "unterminated quote"}
	}
	if started {
		args = append(args, cur.String())
	}
	return args, nil
}

type credentialFlags struct {
	name, user, url, notes, category, tags string
	importance, generate                   int
}

func newCredentialFlagSet(name string, cf *credentialFlags) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cf.name, "name", "", "credential name")
	fs.StringVar(&cf.user, "user", "", "username")
	fs.StringVar(&cf.url, "url", "", "url")
	fs.StringVar(&cf.notes, "notes", "", "notes")
	fs.StringVar(&cf.category, "category", "", "category")
	fs.StringVar(&cf.tags, "tags", "", "comma separated tags")
	fs.IntVar(&cf.importance, "importance", -1, "importance 0-3")
	fs.IntVar(&cf.generate, "generate", 0, "generate a password of this length")
	return fs
}

// resolveCategory matches a category by case-insensitive prefix.
func resolveCategory(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	want := strings.ToLower(s)
	for _, c := range vault.Categories() {
		if strings.HasPrefix(strings.ToLower(c), want) {
			return c, nil
		}
	}
	return "", userError{msg: fmt.Sprintf("unknown category %q; one of: %s", s, strings.Join(vault.Categories(), ", "))}
}

func splitTagFlag(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

type secretPrompt func(prompt string) (*memguard.LockedBuffer, error)

// readSecret generates a password of length n, or prompts when n is zero.
// The result is copied out of guarded memory before the buffer is destroyed.
func readSecret(n int, prompt secretPrompt) (string, error) {
	if n > 0 {
		pw, err := auth.GeneratePassword(n, auth.DefaultGenerateOptions())
		if err != nil {
			return "", userError{msg: err.Error()}
		}
		return pw, nil
	}
	buf, err := prompt("Password: ")
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	defer buf.Destroy()
	if buf.Size() == 0 {
		return "", userError{msg: "password must not be empty"}
	}
	return string(buf.Bytes()), nil
}

func cmdAdd(ctx context.Context, svc *service.Service, args []string) error {
	var cf credentialFlags
	fs := newCredentialFlagSet("add", &cf)
	if err := fs.Parse(args); err != nil {
		return userError{msg: "usage: add --name N [--user U] [--url URL] [--notes T] [--category C] [--importance 0-3] [--tags a,b] [--generate LEN]"}
	}
	if cf.name == "" {
		return userError{msg: "missing required flag: --name"}
	}
	category, err := resolveCategory(cf.category)
	if err != nil {
		return err
	}
	importance := cf.importance
	if importance < 0 {
		importance = vault.DefaultImportance(category)
	}

	sess, err := svc.Session()
	if err != nil {
		return err
	}
	secret, err := readSecret(cf.generate, promptPassword)
	if err != nil {
		return err
	}

	id, err := sess.AddCredential(ctx, vault.CredentialInput{
		Name:       cf.name,
		Username:   cf.user,
		Password:   secret,
		URL:        cf.url,
		Notes:      cf.notes,
		Category:   category,
		Importance: importance,
		Tags:       splitTagFlag(cf.tags),
	})
	if err != nil {
		return err
	}
	fmt.Printf("added credential %d\n", id)
	if cf.generate > 0 {
		fmt.Println("generated password stored; use 'get --id N --copy' to retrieve it")
	}
	return nil
}

func parseID(name string, args []string, extra func(fs *flag.FlagSet)) (int64, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var id int64
	fs.Int64Var(&id, "id", 0, "credential id")
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(args); err != nil || id <= 0 {
		return 0, userError{msg: fmt.Sprintf("usage: %s --id N", name)}
	}
	return id, nil
}

func cmdGet(ctx context.Context, svc *service.Service, args []string) error {
	var copyToClipboard bool
	id, err := parseID("get", args, func(fs *flag.FlagSet) {
		fs.BoolVar(&copyToClipboard, "copy", false, "copy the password to the clipboard")
	})
	if err != nil {
		return err
	}
	sess, err := svc.Session()
	if err != nil {
		return err
	}
	c, err := sess.Credential(ctx, id)
	if err != nil {
		return err
	}
	pw, err := sess.RevealPassword(ctx, id)
	if err != nil {
		return err
	}

	fmt.Printf("Name:       %s\n", c.Name)
	fmt.Printf("Username:   %s\n", c.Username)
	fmt.Printf("URL:        %s\n", c.URL)
	fmt.Printf("Category:   %s\n", c.Category)
	fmt.Printf("Importance: %d\n", c.Importance)
	if len(c.Tags) > 0 {
		fmt.Printf("Tags:       %s\n", strings.Join(c.Tags, ", "))
	}
	if c.Notes != "" {
		fmt.Printf("Notes:      %s\n", c.Notes)
	}

	if copyToClipboard {
		if err := clipboard.WriteAll(pw); err != nil {
			return fmt.Errorf("copy to clipboard: %w", err)
		}
		fmt.Println("Password:   copied to clipboard")
		return nil
	}
	fmt.Printf("Password:   %s\n", pw)
	return nil
}

func cmdList(ctx context.Context, svc *service.Service) error {
	sess, err := svc.Session()
	if err != nil {
		return err
	}
	creds, err := sess.ListCredentials(ctx)
	if err != nil {
		return err
	}
	if len(creds) == 0 {
		fmt.Println("no credentials")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tUSERNAME\tCATEGORY\tIMP\tTAGS")
	for _, c := range creds {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\n",
			c.ID, c.Name, c.Username, c.Category, c.Importance, strings.Join(c.Tags, ","))
	}
	return tw.Flush()
}

func cmdUpdate(ctx context.Context, svc *service.Service, args []string) error {
	var (
		cf        credentialFlags
		id        int64
		newSecret bool
	)
	fs := newCredentialFlagSet("update", &cf)
	fs.Int64Var(&id, "id", 0, "credential id")
	fs.BoolVar(&newSecret, "password", false, "prompt for a new password")
	if err := fs.Parse(args); err != nil || id <= 0 {
		return userError{msg: "usage: update --id N [--name N] [--user U] [--url URL] [--notes T] [--category C] [--importance 0-3] [--tags a,b] [--password | --generate LEN]"}
	}

	sess, err := svc.Session()
	if err != nil {
		return err
	}
	cur, err := sess.Credential(ctx, id)
	if err != nil {
		return err
	}
	in := vault.CredentialInput{
		Name:       cur.Name,
		Username:   cur.Username,
		URL:        cur.URL,
		Notes:      cur.Notes,
		Category:   cur.Category,
		Importance: cur.Importance,
		Tags:       cur.Tags,
	}

	var visitErr error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "name":
			in.Name = cf.name
		case "user":
			in.Username = cf.user
		case "url":
			in.URL = cf.url
		case "notes":
			in.Notes = cf.notes
		case "category":
			in.Category, visitErr = resolveCategory(cf.category)
		case "importance":
			in.Importance = cf.importance
		case "tags":
			in.Tags = splitTagFlag(cf.tags)
		}
	})
	if visitErr != nil {
		return visitErr
	}

	if newSecret || cf.generate > 0 {
		in.Password, err = readSecret(cf.generate, promptPassword)
	} else {
		in.Password, err = sess.RevealPassword(ctx, id)
	}
	if err != nil {
		return err
	}

	if err := sess.UpdateCredential(ctx, id, in); err != nil {
		return err
	}
	fmt.Printf("updated credential %d\n", id)
	return nil
}

func cmdDelete(ctx context.Context, svc *service.Service, args []string) error {
	id, err := parseID("delete", args, nil)
	if err != nil {
		return err
	}
	sess, err := svc.Session()
	if err != nil {
		return err
	}
	if err := sess.DeleteCredential(ctx, id); err != nil {
		return err
	}
	fmt.Printf("deleted credential %d\n", id)
	return nil
}

func cmdLogs(ctx context.Context, svc *service.Service) error {
	entries, err := svc.SecurityLog(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("security log is empty")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTIME\tEVENT\tDETAILS")
	for _, e := range entries {
		when := "-"
		if !e.Timestamp.IsZero() {
			when = e.Timestamp.Local().Format(time.DateTime)
		}
		event := e.EventType
		if e.Unreadable {
			event = audit.EventUnreadable
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", e.ID, when, event, formatDetails(e.Details))
	}
	return tw.Flush()
}

func formatDetails(d map[string]string) string {
	if len(d) == 0 {
		return ""
	}
	parts := make([]string, 0, len(d))
	for _, k := range slices.Sorted(maps.Keys(d)) {
		parts = append(parts, k+"="+d[k])
	}
	return strings.Join(parts, " ")
}

func cmdBind(ctx context.Context, svc *service.Service) error {
	sess, err := svc.Session()
	if err != nil {
		return err
	}
	if !sess.Legacy() {
		fmt.Println("vault is already bound to this device")
		return nil
	}

	pw, err := promptPassword("Master password: ")
	if err != nil {
		return fmt.Errorf("read master password: %w", err)
	}
	defer pw.Destroy()

	recovery, err := svc.BindToDevice(ctx, pw.String())
	if err != nil {
		return err
	}
	fmt.Println("vault bound to this device")
	if recovery != "" {
		fmt.Println("New recovery key (store it offline; it is shown only once):")
		fmt.Println()
		fmt.Println("    " + recovery)
		fmt.Println()
	}
	return nil
}

func cmdDedupe(ctx context.Context, svc *service.Service, args []string) error {
	fs := flag.NewFlagSet("dedupe", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dryRun := fs.Bool("dry-run", false, "print duplicates without deleting")
	if err := fs.Parse(args); err != nil {
		return userError{msg: "usage: dedupe [--dry-run]"}
	}

	sess, err := svc.Session()
	if err != nil {
		return err
	}
	dups, err := sess.Duplicates(ctx)
	if err != nil {
		return err
	}
	if len(dups) == 0 {
		fmt.Println("no duplicate name/username/url entries found")
		return nil
	}

	fmt.Printf("found %d duplicate entries:\n", len(dups))
	for _, c := range dups {
		fmt.Printf("  id=%d name=%s user=%s\n", c.ID, c.Name, c.Username)
	}
	if *dryRun {
		fmt.Println("dry run requested; nothing deleted")
		return nil
	}

	n, err := sess.RemoveDuplicates(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("deleted %d duplicate entries\n", n)
	return nil
}

func printSessionHelp() {
	fmt.Println("Commands:")
	fmt.Println("  add --name N [--user U] [--url URL] [--notes T] [--category C] [--importance 0-3] [--tags a,b] [--generate LEN]")
	fmt.Println("  get --id N [--copy]")
	fmt.Println("  list")
	fmt.Println("  update --id N [field flags] [--password | --generate LEN]")
	fmt.Println("  delete --id N")
	fmt.Println("  logs")
	fmt.Println("  bind")
	fmt.Println("  dedupe [--dry-run]")
	fmt.Println("  help")
	fmt.Println("  exit")
	fmt.Println("Categories: " + strings.Join(vault.Categories(), ", "))
}
