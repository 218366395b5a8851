// Package env models the environment variable sets injected into app
// containers and passed to image builds as build args.
package env

import (
	"fmt"
	"sort"
)

// Var is a single NAME=VALUE pair.
type Var struct {
	Name  string
	Value string
}

// Vars is an ordered environment variable set. Order is preserved so a set
// renders deterministically, and lookups are by name.
type Vars struct {
	vars []Var
}

// New builds a Vars from a list of pairs.
func New(vars ...Var) Vars {
	return Vars{vars: vars}
}

// Get returns the value of a variable and whether it is present.
func (v Vars) Get(name string) (string, bool) {
	for _, entry := range v.vars {
		if entry.Name == name {
			return entry.Value, true
		}
	}
	return "", false
}

// List returns the entries in order.
func (v Vars) List() []Var {
	return v.vars
}

// Strings renders the set as NAME=VALUE strings for the Docker API.
func (v Vars) Strings() []string {
	out := make([]string, 0, len(v.vars))
	for _, entry := range v.vars {
		out = append(out, fmt.Sprintf("%s=%s", entry.Name, entry.Value))
	}
	return out
}

// BuildArgs renders the set as a Docker build-args map.
func (v Vars) BuildArgs() map[string]*string {
	args := make(map[string]*string, len(v.vars))
	for _, entry := range v.vars {
		value := entry.Value
		args[entry.Name] = &value
	}
	return args
}

// Names returns the variable names sorted, for stable logging.
func (v Vars) Names() []string {
	names := make([]string, 0, len(v.vars))
	for _, entry := range v.vars {
		names = append(names, entry.Name)
	}
	sort.Strings(names)
	return names
}

// MergeReserved appends the user-defined set to the reserved set, dropping
// user entries that collide with a reserved name. Reserved wins so the DB
// wiring cannot be overridden from project settings.
func MergeReserved(reserved, user Vars) Vars {
	merged := make([]Var, 0, len(reserved.vars)+len(user.vars))
	merged = append(merged, reserved.vars...)
	for _, entry := range user.vars {
		if _, taken := reserved.Get(entry.Name); !taken {
			merged = append(merged, entry)
		}
	}
	return Vars{vars: merged}
}
