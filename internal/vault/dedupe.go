package vault

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/thanos-vault/thanos/internal/db"
)

// Duplicates returns the credentials that repeat an earlier credential's
// name, username and URL. The lowest id of each group is kept and is not
// returned. Results are ordered by id.
func (s *Session) Duplicates(ctx context.Context) ([]Credential, error) {
	var out []Credential
	err := s.withKey(func([]byte) error {
		recs, err := s.store.ListCredentials(ctx)
		if err != nil {
			return err
		}
		out = duplicates(recs)
		return nil
	})
	return out, err
}

func duplicates(recs []db.Credential) []Credential {
	groups := make(map[string][]db.Credential)
	for _, r := range recs {
		key := strings.ToLower(r.Name) + "\x00" + r.Username + "\x00" + r.URL
		groups[key] = append(groups[key], r)
	}

	var out []Credential
	for _, g := range groups {
		if len(g) < 2 {
			continue
		}
		slices.SortFunc(g, func(a, b db.Credential) int { return cmp.Compare(a.ID, b.ID) })
		for _, r := range g[1:] {
			out = append(out, fromRecord(r))
		}
	}
	slices.SortFunc(out, func(a, b Credential) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// RemoveDuplicates deletes every credential Duplicates reports, in one
// transaction, and returns how many were removed.
func (s *Session) RemoveDuplicates(ctx context.Context) (int, error) {
	var removed int
	txCtx := context.WithoutCancel(ctx)
	err := s.withKey(func([]byte) error {
		return s.store.Atomic(txCtx, func(w db.ReadWriter) error {
			recs, err := w.ListCredentials(txCtx)
			if err != nil {
				return err
			}
			for _, c := range duplicates(recs) {
				if err := w.DeleteCredential(txCtx, c.ID); err != nil {
					return fmt.Errorf("delete duplicate %d: %w", c.ID, err)
				}
				removed++
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.engine.log.Info("removed duplicate credentials", "count", removed)
	}
	return removed, nil
}
