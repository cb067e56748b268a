// Package env composes the environment handed to checks and connectors.
package env

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type Var map[string]string

// Env layers variables over an optional copy of the engine's own
// environment.
type Env struct {
	Var Var // global variables (K->V)
	env Var // base, from the OS when inherited
}

// New returns an empty Env. With inheritOS the engine's environment is the
// base layer.
func New(inheritOS bool) *Env {
	e := &Env{Var: make(Var), env: make(Var)}
	if inheritOS {
		e.env = parse(os.Environ())
	}
	return e
}

func parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			m[k] = v
		}
	}
	return m
}

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if k != "" {
		e.Var[k] = v
	}
}

// SetAll applies "K=V" entries; malformed entries are skipped.
func (e *Env) SetAll(kvs []string) {
	for k, v := range parse(kvs) {
		e.Var[k] = v
	}
}

// LoadFile applies a .env file of KEY=VALUE lines. Blank lines and lines
// starting with # are ignored, an "export " prefix and surrounding quotes are
// stripped.
func (e *Env) LoadFile(path string) error {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	sc := bufio.NewScanner(f)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := strings.Cut(line, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return fmt.Errorf("%s:%d: expected KEY=VALUE", path, n)
		}
		v = strings.TrimSpace(v)
		if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
			v = v[1 : len(v)-1]
		}
		e.Var[k] = v
	}
	return sc.Err()
}

// Merge composes the final environment list applying order:
// base, then global e.Var overrides, then extra "K=V" overrides.
// ${VAR} references are expanded once against the composed map; unknown
// references expand to the empty string. The result is sorted by key.
func (e *Env) Merge(extra []string) []string {
	m := make(Var, len(e.env)+len(e.Var)+len(extra))
	for k, v := range e.env {
		m[k] = v
	}
	for k, v := range e.Var {
		m[k] = v
	}
	for k, v := range parse(extra) {
		m[k] = v
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			break
		}
		b.WriteString(s[:i])
		b.WriteString(m[s[i+2:i+2+j]])
		s = s[i+3+j:]
	}
	b.WriteString(s)
	return b.String()
}
