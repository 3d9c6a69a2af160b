package main

import (
	"context"
	"errors"
	"flag"
	"log"

	"github.com/thanos-vault/thanos/internal/db"
	"github.com/thanos-vault/thanos/store"
)

func main() {
	dir := flag.String("dir", "", "vault directory")
	flag.Parse()

	path, err := run(context.Background(), *dir)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("vault schema ready at %s", path)
}

// run creates the vault directory and database schema and returns the
// database path. The handle is closed before it returns.
func run(ctx context.Context, dir string) (path string, err error) {
	if dir == "" {
		return "", errors.New("missing required flag: --dir")
	}
	paths := store.Paths{Dir: dir}
	if err := paths.EnsureDir(); err != nil {
		return "", err
	}

	d, err := db.Open(ctx, paths.DatabasePath())
	if err != nil {
		return "", err
	}
	defer func() {
		if cerr := d.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if err := d.Vacuum(ctx); err != nil {
		return "", err
	}
	return d.Path(), nil
}
