package vault

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/thanos-vault/thanos/internal/db"
	"github.com/thanos-vault/thanos/krypto"
)

// Credential categories.
const (
	CategoryFinance      = "Banking & Finance"
	CategorySocial       = "Social Networks"
	CategoryWebsites     = "Websites"
	CategoryApplications = "Applications"
	CategoryWork         = "Work"
	CategorySensitive    = "Sensitive"
	CategoryOther        = "Other"
)

// MaxImportance is the highest importance a credential can carry.
const MaxImportance = 3

var categoryImportance = map[string]int{
	CategoryFinance:      3,
	CategorySensitive:    3,
	CategorySocial:       2,
	CategoryWork:         2,
	CategoryApplications: 1,
	CategoryWebsites:     1,
	CategoryOther:        0,
}

// Categories lists the accepted categories in display order.
func Categories() []string {
	return []string{
		CategoryFinance, CategorySocial, CategoryWebsites, CategoryApplications,
		CategoryWork, CategorySensitive, CategoryOther,
	}
}

// DefaultImportance suggests an importance for category.
func DefaultImportance(category string) int {
	return categoryImportance[category]
}

// CredentialInput is the user-supplied part of a credential.
type CredentialInput struct {
	Name       string
	Username   string
	Password   string
	URL        string
	Notes      string
	Category   string
	Importance int
	Tags       []string
}

// Credential is a stored credential without its password.
type Credential struct {
	ID         int64
	Name       string
	Username   string
	URL        string
	Notes      string
	Category   string
	Importance int
	Tags       []string
	CreatedAt  time.Time
}

func (in *CredentialInput) normalize() error {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidCredential)
	}
	if in.Password == "" {
		return fmt.Errorf("%w: password is required", ErrInvalidCredential)
	}
	if in.Category == "" {
		in.Category = CategoryOther
	}
	if _, ok := categoryImportance[in.Category]; !ok {
		return fmt.Errorf("%w: unknown category %q", ErrInvalidCredential, in.Category)
	}
	if in.Importance < 0 || in.Importance > MaxImportance {
		return fmt.Errorf("%w: importance must be between 0 and %d", ErrInvalidCredential, MaxImportance)
	}
	// Tags are stored comma-joined.
	for _, t := range in.Tags {
		if strings.Contains(t, ",") {
			return fmt.Errorf("%w: tag %q contains a comma", ErrInvalidCredential, t)
		}
	}
	return nil
}

func joinTags(tags []string) string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return strings.Join(out, ",")
}

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func fromRecord(r db.Credential) Credential {
	return Credential{
		ID:         r.ID,
		Name:       r.Name,
		Username:   r.Username,
		URL:        r.URL,
		Notes:      r.Notes,
		Category:   r.Category,
		Importance: r.Importance,
		Tags:       splitTags(r.Tags),
		CreatedAt:  r.CreatedAt,
	}
}

func toRecord(key []byte, id int64, in CredentialInput) (db.Credential, error) {
	blob, err := krypto.Encrypt(key, []byte(in.Password))
	if err != nil {
		return db.Credential{}, fmt.Errorf("encrypt password: %w", err)
	}
	return db.Credential{
		ID:                id,
		Name:              in.Name,
		Username:          in.Username,
		EncryptedPassword: blob,
		URL:               in.URL,
		Notes:             in.Notes,
		Category:          in.Category,
		Importance:        in.Importance,
		Tags:              joinTags(in.Tags),
	}, nil
}

// AddCredential stores a new credential and returns its id.
func (s *Session) AddCredential(ctx context.Context, in CredentialInput) (int64, error) {
	if err := in.normalize(); err != nil {
		return 0, err
	}
	var id int64
	err := s.withKey(func(key []byte) error {
		rec, err := toRecord(key, 0, in)
		if err != nil {
			return err
		}
		id, err = s.store.InsertCredential(ctx, rec)
		return err
	})
	return id, err
}

// ListCredentials returns every credential, most important first.
func (s *Session) ListCredentials(ctx context.Context) ([]Credential, error) {
	var out []Credential
	err := s.withKey(func([]byte) error {
		recs, err := s.store.ListCredentials(ctx)
		if err != nil {
			return err
		}
		out = make([]Credential, 0, len(recs))
		for _, r := range recs {
			out = append(out, fromRecord(r))
		}
		return nil
	})
	return out, err
}

// Credential returns one credential without its password.
func (s *Session) Credential(ctx context.Context, id int64) (Credential, error) {
	var c Credential
	err := s.withKey(func([]byte) error {
		r, err := s.store.GetCredential(ctx, id)
		if err != nil {
			return err
		}
		c = fromRecord(r)
		return nil
	})
	return c, err
}

// RevealPassword decrypts the password of credential id.
func (s *Session) RevealPassword(ctx context.Context, id int64) (string, error) {
	var password string
	err := s.withKey(func(key []byte) error {
		r, err := s.store.GetCredential(ctx, id)
		if err != nil {
			return err
		}
		pt, err := krypto.Decrypt(key, r.EncryptedPassword)
		if err != nil {
			return fmt.Errorf("decrypt credential %d: %w", id, err)
		}
		defer krypto.Wipe(pt)
		password = string(pt)
		return nil
	})
	return password, err
}

// UpdateCredential replaces every field of credential id.
func (s *Session) UpdateCredential(ctx context.Context, id int64, in CredentialInput) error {
	if err := in.normalize(); err != nil {
		return err
	}
	return s.withKey(func(key []byte) error {
		rec, err := toRecord(key, id, in)
		if err != nil {
			return err
		}
		return s.store.UpdateCredential(ctx, rec)
	})
}

// DeleteCredential removes credential id.
func (s *Session) DeleteCredential(ctx context.Context, id int64) error {
	return s.withKey(func([]byte) error {
		return s.store.DeleteCredential(ctx, id)
	})
}
