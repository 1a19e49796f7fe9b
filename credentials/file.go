package credentials

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/onnwee/live-resolver/crypto"
)

// Set is one credential set: an API key, or an OAuth client plus refresh
// token, each with its own quota.
type Set struct {
	ID           string `yaml:"id"`
	APIKey       string `yaml:"api_key,omitempty"`
	ClientID     string `yaml:"client_id,omitempty"`
	ClientSecret string `yaml:"client_secret,omitempty"`
	RefreshToken string `yaml:"refresh_token,omitempty"`
	Disabled     bool   `yaml:"disabled,omitempty"`
}

// OAuth reports whether the set authenticates with a refresh token.
func (s Set) OAuth() bool { return s.RefreshToken != "" }

type file struct {
	Sets []Set `yaml:"credential_sets"`
}

// Parse decodes a credentials document and opens sealed ("enc:") secrets.
// enc may be nil when no value is sealed. Disabled sets are dropped.
func Parse(data []byte, enc crypto.Encryptor) ([]Set, error) {
	var f file
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	seen := map[string]bool{}
	out := make([]Set, 0, len(f.Sets))
	for i, s := range f.Sets {
		if s.ID == "" {
			return nil, fmt.Errorf("credential set %d: missing id", i)
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("credential set %q: duplicate id", s.ID)
		}
		seen[s.ID] = true
		if s.Disabled {
			continue
		}
		for _, v := range []*string{&s.APIKey, &s.ClientSecret, &s.RefreshToken} {
			plain, err := crypto.Open(enc, *v)
			if err != nil {
				return nil, fmt.Errorf("credential set %q: %w", s.ID, err)
			}
			*v = plain
		}
		if s.APIKey == "" && s.ClientID == "" {
			return nil, fmt.Errorf("credential set %q: needs api_key or client_id", s.ID)
		}
		out = append(out, s)
	}
	return out, nil
}

// LoadFile reads and parses a credentials file.
func LoadFile(path string, enc crypto.Encryptor) ([]Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	return Parse(data, enc)
}

// SealFile rewrites path with every secret sealed under enc. Values that are
// already sealed are kept. It returns how many values were newly sealed.
func SealFile(path string, enc crypto.Encryptor) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read credentials: %w", err)
	}
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return 0, fmt.Errorf("parse credentials: %w", err)
	}
	sealed := 0
	for i := range f.Sets {
		s := &f.Sets[i]
		for _, v := range []*string{&s.APIKey, &s.ClientSecret, &s.RefreshToken} {
			if *v == "" || crypto.IsSealed(*v) {
				continue
			}
			if *v, err = crypto.Seal(enc, *v); err != nil {
				return 0, fmt.Errorf("credential set %q: %w", s.ID, err)
			}
			sealed++
		}
	}
	if sealed == 0 {
		return 0, nil
	}
	out, err := yaml.Marshal(&f)
	if err != nil {
		return 0, fmt.Errorf("encode credentials: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".credentials-*")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, err
	}
	return sealed, nil
}
