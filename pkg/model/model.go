// Package model describes the identities, grants and ref updates
// exchanged between the transport, authorization and protocol layers.
package model

import (
	"fmt"
	"path"
	"strings"

	"gopkg.in/yaml.v2"
)

// Capability is the access level an identity holds for a repository
type Capability int

const (
	// None grants nothing. It is a deliberate non-error: callers surface it
	// as a protocol-level denial so repository existence does not leak.
	None Capability = iota

	// Read grants fetch access
	Read

	// ReadWrite grants fetch and push access
	ReadWrite
)

func (c Capability) String() string {
	switch c {
	case Read:
		return "read"
	case ReadWrite:
		return "read-write"
	default:
		return "none"
	}
}

// ParseCapability maps a configured capability string to its value
func ParseCapability(s string) (Capability, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return None, nil
	case "read", "r":
		return Read, nil
	case "read-write", "rw", "write":
		return ReadWrite, nil
	default:
		return None, fmt.Errorf("unknown capability %q", s)
	}
}

// Grant maps a repository pattern to a capability.
//
// Patterns follow path.Match syntax, with a trailing "/**" form matching
// any repository under a directory prefix.
type Grant struct {
	Repo       string `json:"repo" yaml:"repo"`
	Capability string `json:"capability" yaml:"capability"`
	_          struct{}
}

// Matches tells whether this grant covers the given repository path
func (g Grant) Matches(repo string) bool {
	pattern := g.Repo
	if strings.HasSuffix(pattern, "/**") {
		return strings.HasPrefix(repo, strings.TrimSuffix(pattern, "**"))
	}
	ok, err := path.Match(pattern, repo)
	return err == nil && ok
}

// Identity is a configured user with SSH public keys and repository grants
type Identity struct {
	Name string `json:"name" yaml:"name"`

	// Keys holds SSH public keys in authorized_keys format
	Keys []string `json:"keys" yaml:"keys"`

	Grants []Grant `json:"grants" yaml:"grants"`
	_      struct{}
}

// Capability resolves the best grant this identity holds for a repository
func (i Identity) Capability(repo string) Capability {
	best := None
	for _, g := range i.Grants {
		if !g.Matches(repo) {
			continue
		}
		c, err := ParseCapability(g.Capability)
		if err != nil {
			continue
		}
		if c > best {
			best = c
		}
	}
	return best
}

// IdentityTable is the process-wide identity configuration, loaded once at startup
type IdentityTable struct {
	Identities []Identity `json:"identities" yaml:"identities"`
	_          struct{}
}

// Validate checks the table for structural problems
func (t IdentityTable) Validate() error {
	seen := make(map[string]struct{}, len(t.Identities))
	for _, id := range t.Identities {
		if id.Name == "" {
			return fmt.Errorf("identity without a name")
		}
		if _, dupe := seen[id.Name]; dupe {
			return fmt.Errorf("duplicate identity %q", id.Name)
		}
		seen[id.Name] = struct{}{}
		if len(id.Keys) == 0 {
			return fmt.Errorf("identity %q has no keys", id.Name)
		}
		for _, g := range id.Grants {
			if _, err := ParseCapability(g.Capability); err != nil {
				return fmt.Errorf("identity %q: %v", id.Name, err)
			}
		}
	}
	return nil
}

// UnmarshalIdentityTable parses a yaml identity table and validates it
func UnmarshalIdentityTable(data []byte) (*IdentityTable, error) {
	var t IdentityTable
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// RefUpdate is one requested ref mutation in a push.
//
// Old and New are hex object keys; the zero hash stands for
// "does not exist" on either side.
type RefUpdate struct {
	Name string `json:"name" yaml:"name"`
	Old  string `json:"old" yaml:"old"`
	New  string `json:"new" yaml:"new"`
	_    struct{}
}

// RefStatus reports the outcome for one ref update of a push
type RefStatus struct {
	Name   string `json:"name" yaml:"name"`
	OK     bool   `json:"ok" yaml:"ok"`
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`
	_      struct{}
}
