package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/joho/godotenv"
)

// Secrets are the named values pipeline documents may reference.
type Secrets map[string]string

// LoadSecrets reads envFile (if non-empty) and layers the process environment
// on top of it, so exported variables win over the file. A missing envFile is
// not an error.
func LoadSecrets(envFile string) (Secrets, error) {
	secrets := Secrets{}
	if envFile != "" {
		values, err := godotenv.Read(envFile)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", envFile, err)
		}
		for k, v := range values {
			secrets[k] = v
		}
	}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			secrets[k] = v
		}
	}
	return secrets, nil
}

// Lookup returns the named secret.
func (s Secrets) Lookup(name string) (string, bool) {
	v, ok := s[name]
	return v, ok
}

var placeholderRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Expand replaces ${NAME} references in v with secrets. Unknown names are
// collected into a single error.
func (s Secrets) Expand(v string) (string, error) {
	var missing []string
	out := placeholderRe.ReplaceAllStringFunc(v, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		val, ok := s[name]
		if !ok {
			missing = append(missing, name)
			return m
		}
		return val
	})
	if len(missing) > 0 {
		return "", &MissingSecretError{Names: missing}
	}
	return out, nil
}

// expandTree expands every string of a decoded document in place.
func (s Secrets) expandTree(v any) (any, error) {
	var missing []string
	var walk func(any) any
	walk = func(v any) any {
		switch t := v.(type) {
		case string:
			out, err := s.Expand(t)
			var me *MissingSecretError
			if errors.As(err, &me) {
				missing = append(missing, me.Names...)
				return t
			}
			return out
		case map[string]any:
			for k, child := range t {
				t[k] = walk(child)
			}
			return t
		case []any:
			for i, child := range t {
				t[i] = walk(child)
			}
			return t
		default:
			return v
		}
	}
	out := walk(v)
	if len(missing) > 0 {
		return nil, &MissingSecretError{Names: dedupe(missing)}
	}
	return out, nil
}

func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	var out []string
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}
