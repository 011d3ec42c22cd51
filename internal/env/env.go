// Package env composes the environment handed to instance processes.
package env

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type Var map[string]string

// Env layers an optional base (usually the OS environment) under global
// variables. It is immutable; the With* methods return modified copies.
type Env struct {
	base Var
	vars Var
}

func New() *Env { return &Env{vars: make(Var)} }

// WithOS returns a copy using the current process environment as the base.
func (e *Env) WithOS() *Env {
	cp := e.clone()
	cp.base = parsePairs(os.Environ())
	return cp
}

// WithSet returns a copy with k=v set.
func (e *Env) WithSet(k, v string) *Env {
	cp := e.clone()
	if k != "" {
		cp.vars[k] = v
	}
	return cp
}

// WithPairs applies "K=V" entries in order.
func (e *Env) WithPairs(pairs []string) *Env {
	cp := e.clone()
	for k, v := range parsePairs(pairs) {
		cp.vars[k] = v
	}
	return cp
}

// WithFiles loads simple .env files in order: KEY=VALUE lines, # comments.
func (e *Env) WithFiles(paths []string) (*Env, error) {
	cp := e.clone()
	for _, p := range paths {
		m, err := loadFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range m {
			cp.vars[k] = v
		}
	}
	return cp, nil
}

// Merge composes base, globals and extra ("K=V") in that order of precedence,
// expands $VAR and ${VAR} references against the composed map (one pass, no recursion)
// and returns the result sorted by key.
func (e *Env) Merge(extra []string) []string {
	m := make(Var, len(e.base)+len(e.vars)+len(extra))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.vars {
		m[k] = v
	}
	for k, v := range parsePairs(extra) {
		m[k] = v
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

func (e *Env) clone() *Env {
	cp := &Env{vars: make(Var, len(e.vars))}
	for k, v := range e.vars {
		cp.vars[k] = v
	}
	cp.base = e.base
	return cp
}

func parsePairs(pairs []string) Var {
	m := make(Var, len(pairs))
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		m[k] = v
	}
	return m
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(name string) string {
		return m[name]
	})
}

func loadFile(path string) (Var, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(Var)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			continue
		}
		m[k] = strings.TrimSpace(v)
	}
	return m, nil
}
