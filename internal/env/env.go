package env

import (
	"os"
	"regexp"
	"sort"
	"strings"
)

// Var maps variable names to values.
type Var map[string]string

// Env composes a child process environment from a base (usually the OS
// environment) and ordered override layers. Later layers win.
type Env struct {
	vars Var
}

// FromOS starts from the current process environment.
func FromOS() *Env {
	return Empty().Apply(os.Environ()...)
}

// Empty starts from nothing, e.g. for fully controlled test environments.
func Empty() *Env {
	return &Env{vars: make(Var)}
}

// Set overrides a single variable.
func (e *Env) Set(k, v string) *Env {
	if k != "" {
		e.vars[k] = v
	}
	return e
}

// Apply overrides variables from "K=V" entries. Malformed entries and
// entries with an empty key are skipped.
func (e *Env) Apply(kvs ...string) *Env {
	for _, kv := range kvs {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		e.vars[kv[:i]] = kv[i+1:]
	}
	return e
}

// Get returns the raw (unexpanded) value of k.
func (e *Env) Get(k string) (string, bool) {
	v, ok := e.vars[k]
	return v, ok
}

var refPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Slice returns the environment as sorted "K=V" entries. ${VAR} references
// are expanded once against the composed set; unknown references expand to "".
func (e *Env) Slice() []string {
	keys := make([]string, 0, len(e.vars))
	for k := range e.vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+e.expand(e.vars[k]))
	}
	return out
}

func (e *Env) expand(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return refPattern.ReplaceAllStringFunc(s, func(m string) string {
		return e.vars[m[2:len(m)-1]]
	})
}
