// Package auth verifies presented SSH public keys against the configured
// identity table and derives per-repository capabilities.
//
// Authentication is a pure lookup over process-wide configuration loaded at
// startup; nothing here mutates state. Key comparison visits every
// configured key with a constant-time comparison, so the lookup does not
// leak which identity (if any) partially matched.
package auth

import (
	"crypto/subtle"

	"github.com/forgelet/forgelet/pkg/dlogger"
	"github.com/forgelet/forgelet/pkg/errors"
	"github.com/forgelet/forgelet/pkg/model"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// ErrUnauthenticated indicates the presented key matches no configured identity.
// This is connection-fatal: the transport must be torn down.
var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator resolves public keys to identities and identities to capabilities
type Authenticator struct {
	identities []identityKeys
	l          *zap.Logger
}

type identityKeys struct {
	identity model.Identity
	keys     [][]byte // marshaled wire-format public keys
}

// Option to configure the authenticator
type Option func(*Authenticator)

// Logger overrides the default logger
func Logger(l *zap.Logger) Option {
	return func(a *Authenticator) {
		if l != nil {
			a.l = l
		}
	}
}

// New builds an authenticator from an identity table.
//
// Configured keys that fail to parse are rejected up front rather than
// silently skipped, so a typo in the table cannot lock a user out unnoticed.
func New(table *model.IdentityTable, opts ...Option) (*Authenticator, error) {
	a := &Authenticator{
		l: dlogger.MustGetLogger(dlogger.LogLevelInfo),
	}
	for _, apply := range opts {
		apply(a)
	}

	for _, id := range table.Identities {
		ik := identityKeys{identity: id}
		for _, line := range id.Keys {
			pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
			if err != nil {
				return nil, errors.New("invalid key for identity " + id.Name).Wrap(err)
			}
			ik.keys = append(ik.keys, pub.Marshal())
		}
		a.identities = append(a.identities, ik)
	}
	return a, nil
}

// Authenticate matches a presented public key against the identity table.
//
// Every configured key is compared, without early exit on a hit, to keep the
// comparison structure independent of the match position.
func (a *Authenticator) Authenticate(pub ssh.PublicKey) (model.Identity, error) {
	presented := pub.Marshal()

	var matched *model.Identity
	for i := range a.identities {
		for _, known := range a.identities[i].keys {
			if constantTimeEqual(known, presented) && matched == nil {
				matched = &a.identities[i].identity
			}
		}
	}
	if matched == nil {
		a.l.Info("authentication failed: unknown public key",
			zap.String("fingerprint", ssh.FingerprintSHA256(pub)),
		)
		return model.Identity{}, ErrUnauthenticated
	}
	a.l.Debug("authenticated",
		zap.String("identity", matched.Name),
		zap.String("fingerprint", ssh.FingerprintSHA256(pub)),
	)
	return *matched, nil
}

// Identity returns the configured identity with the given name.
//
// Transport layers stash the authenticated name in connection metadata
// and recover the full identity here when a channel opens.
func (a *Authenticator) Identity(name string) (model.Identity, bool) {
	for i := range a.identities {
		if a.identities[i].identity.Name == name {
			return a.identities[i].identity, true
		}
	}
	return model.Identity{}, false
}

// Capability derives the access level an identity holds for a repository.
//
// The absence of any grant is Capability None, not an error: callers are
// expected to surface it as a protocol-level denial so that repository
// existence does not leak to unauthorized clients.
func (a *Authenticator) Capability(identity model.Identity, repo string) model.Capability {
	return identity.Capability(repo)
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		// burn a comparison anyway so a length mismatch costs about the
		// same as a content mismatch
		_ = subtle.ConstantTimeCompare(a, a)
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
