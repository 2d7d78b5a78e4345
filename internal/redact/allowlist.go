package redact

import (
	"errors"
	"fmt"
	"io/fs"
	"regexp"

	"github.com/BurntSushi/toml"
)

// Allowlist holds patterns excluded from redaction.
type Allowlist struct {
	Paths   []string
	Regexes []string
}

type allowlistFile struct {
	Allowlist struct {
		Paths   []string `toml:"paths"`
		Regexes []string `toml:"regexes"`
	} `toml:"allowlist"`
}

// LoadAllowlist reads a gitleaks-style TOML allowlist. A missing file yields
// an empty allowlist; malformed TOML or patterns are errors.
func LoadAllowlist(path string) (*Allowlist, error) {
	al := &Allowlist{}
	if path == "" {
		return al, nil
	}

	var file allowlistFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return al, nil
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}

	for _, p := range file.Allowlist.Paths {
		if _, err := regexp.Compile(p); err != nil {
			return nil, fmt.Errorf("%w: path pattern %q in %s: %v", ErrInvalidRegex, p, path, err)
		}
	}
	for _, p := range file.Allowlist.Regexes {
		if _, err := regexp.Compile(p); err != nil {
			return nil, fmt.Errorf("%w: content pattern %q in %s: %v", ErrInvalidRegex, p, path, err)
		}
	}
	al.Paths = file.Allowlist.Paths
	al.Regexes = file.Allowlist.Regexes
	return al, nil
}
