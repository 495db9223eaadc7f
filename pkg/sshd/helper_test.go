package sshd

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/forgelet/forgelet/pkg/auth"
	"github.com/forgelet/forgelet/pkg/dlogger"
	"github.com/forgelet/forgelet/pkg/model"
	"github.com/forgelet/forgelet/pkg/objects"
	"github.com/forgelet/forgelet/pkg/protocol"
	"github.com/forgelet/forgelet/pkg/repos"
	"github.com/forgelet/forgelet/pkg/storage/localfs"
)

// genKey returns an SSH key pair as a signer plus its authorized_keys line
func genKey(t *testing.T) (ssh.Signer, string) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return signer, strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub)))
}

type testServer struct {
	srv      *Server
	resolver *repos.Resolver
	addr     string

	userKey ssh.Signer
}

// startServer runs a server on a loopback port with one configured
// identity holding the given capability over team/**
func startServer(t *testing.T, capability string) *testServer {
	t.Helper()
	nop := dlogger.MustGetLogger(dlogger.LogLevelNone)

	userKey, pubLine := genKey(t)
	table := &model.IdentityTable{
		Identities: []model.Identity{
			{
				Name: "dev",
				Keys: []string{pubLine},
				Grants: []model.Grant{
					{Repo: "team/**", Capability: capability},
				},
			},
		},
	}
	authn, err := auth.New(table, auth.Logger(nop))
	require.NoError(t, err)

	resolver, err := repos.New(t.TempDir(), repos.Logger(nop))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, resolver.Close())
	})

	hostKey, _ := genKey(t)
	srv, err := New(authn, resolver, HostKey(hostKey), Logger(nop))
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})

	return &testServer{
		srv:      srv,
		resolver: resolver,
		addr:     ln.Addr().String(),
		userKey:  userKey,
	}
}

func (ts *testServer) dial(t *testing.T, signer ssh.Signer) (*ssh.Client, error) {
	t.Helper()
	client, err := ssh.Dial("tcp", ts.addr, &ssh.ClientConfig{
		User:            "dev",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	t.Cleanup(func() {
		client.Close()
	})
	return client, nil
}

// session wraps one exec'd channel with pkt-line codecs
type session struct {
	sess *ssh.Session
	pr   *protocol.PktReader
	pw   *protocol.PktWriter
}

func execSession(t *testing.T, client *ssh.Client, command string) *session {
	t.Helper()
	sess, err := client.NewSession()
	require.NoError(t, err)
	t.Cleanup(func() {
		sess.Close()
	})

	stdin, err := sess.StdinPipe()
	require.NoError(t, err)
	stdout, err := sess.StdoutPipe()
	require.NoError(t, err)
	require.NoError(t, sess.Start(command))

	return &session{
		sess: sess,
		pr:   protocol.NewPktReader(stdout),
		pw:   protocol.NewPktWriter(stdin),
	}
}

func (c *session) readRefs(t *testing.T) []objects.Ref {
	t.Helper()
	var refs []objects.Ref
	for {
		line, flush, err := c.pr.ReadLine()
		require.NoError(t, err)
		if flush {
			return refs
		}
		fields := strings.Fields(line)
		require.Len(t, fields, 2)
		refs = append(refs, objects.Ref{
			Name: fields[1],
			Key:  objects.MustParseKey(fields[0]),
		})
	}
}

func (c *session) send(t *testing.T, line string) {
	t.Helper()
	require.NoError(t, c.pw.WriteString(line+"\n"))
}

func (c *session) flush(t *testing.T) {
	t.Helper()
	require.NoError(t, c.pw.Flush())
}

func clientStore(t *testing.T) objects.Store {
	t.Helper()
	blobs := localfs.New(afero.NewBasePathFs(afero.NewOsFs(), t.TempDir()))
	s, err := objects.New(
		objects.Backend(blobs),
		objects.Logger(dlogger.MustGetLogger(dlogger.LogLevelNone)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s
}

// commitOver builds one commit with a single fresh blob on top of parents
func commitOver(t *testing.T, s objects.Store, content string, parents ...objects.Key) objects.Key {
	t.Helper()
	ctx := context.Background()
	blob, err := s.Put(ctx, objects.TypeBlob, []byte(content))
	require.NoError(t, err)
	tree, err := s.Put(ctx, objects.TypeTree, objects.EncodeTree(&objects.Tree{
		Entries: []objects.TreeEntry{{Mode: "100644", Name: "file", Key: blob}},
	}))
	require.NoError(t, err)
	commit, err := s.Put(ctx, objects.TypeCommit, objects.EncodeCommit(&objects.Commit{
		Tree:    tree,
		Parents: parents,
		Author:  "tester",
		Time:    time.Unix(1700000000, 0).UTC(),
		Message: "commit " + content,
	}))
	require.NoError(t, err)
	return commit
}

// seedRepo creates a repository server-side with one commit on main
func seedRepo(t *testing.T, r *repos.Resolver, path string) objects.Key {
	t.Helper()
	ctx := context.Background()
	repo, err := r.Resolve(ctx, path, model.ReadWrite)
	require.NoError(t, err)
	tip := commitOver(t, repo.Store, "seed")
	require.NoError(t, repo.Store.UpdateRef(ctx, "refs/heads/main", nil, &tip))
	return tip
}
