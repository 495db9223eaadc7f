package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCapability(t *testing.T) {
	for in, want := range map[string]Capability{
		"":           None,
		"none":       None,
		"r":          Read,
		"read":       Read,
		"READ":       Read,
		"rw":         ReadWrite,
		"write":      ReadWrite,
		"read-write": ReadWrite,
		" rw ":       ReadWrite,
	} {
		got, err := ParseCapability(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseCapability("sudo")
	require.Error(t, err)
}

func TestGrantMatches(t *testing.T) {
	for _, tc := range []struct {
		pattern string
		repo    string
		want    bool
	}{
		{pattern: "team/app", repo: "team/app", want: true},
		{pattern: "team/app", repo: "team/other", want: false},
		{pattern: "team/*", repo: "team/app", want: true},
		{pattern: "team/*", repo: "team/sub/app", want: false},
		{pattern: "team/**", repo: "team/app", want: true},
		{pattern: "team/**", repo: "team/sub/app", want: true},
		{pattern: "team/**", repo: "teammate/app", want: false},
		{pattern: "team/**", repo: "team", want: false},
	} {
		g := Grant{Repo: tc.pattern}
		assert.Equal(t, tc.want, g.Matches(tc.repo), "%s vs %s", tc.pattern, tc.repo)
	}
}

func TestIdentityCapabilityBestGrantWins(t *testing.T) {
	id := Identity{
		Name: "dev",
		Grants: []Grant{
			{Repo: "team/**", Capability: "read"},
			{Repo: "team/app", Capability: "rw"},
		},
	}
	assert.Equal(t, ReadWrite, id.Capability("team/app"))
	assert.Equal(t, Read, id.Capability("team/other"))
	assert.Equal(t, None, id.Capability("elsewhere"))
}

func TestUnmarshalIdentityTable(t *testing.T) {
	table, err := UnmarshalIdentityTable([]byte(`
identities:
  - name: dev
    keys:
      - ssh-ed25519 AAAA dev@host
    grants:
      - repo: team/**
        capability: rw
  - name: guest
    keys:
      - ssh-ed25519 BBBB guest@host
`))
	require.NoError(t, err)
	require.Len(t, table.Identities, 2)
	assert.Equal(t, ReadWrite, table.Identities[0].Capability("team/app"))
	assert.Equal(t, None, table.Identities[1].Capability("team/app"))
}

func TestUnmarshalIdentityTableRejects(t *testing.T) {
	for name, doc := range map[string]string{
		"unnamed": `
identities:
  - keys: [k]
`,
		"duplicate": `
identities:
  - name: dev
    keys: [k]
  - name: dev
    keys: [k]
`,
		"keyless": `
identities:
  - name: dev
`,
		"bad capability": `
identities:
  - name: dev
    keys: [k]
    grants:
      - repo: team/**
        capability: sudo
`,
	} {
		doc := doc
		t.Run(name, func(t *testing.T) {
			_, err := UnmarshalIdentityTable([]byte(doc))
			require.Error(t, err)
		})
	}
}
