package protocol

import (
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/forgelet/forgelet/pkg/dlogger"
	"github.com/forgelet/forgelet/pkg/model"
	"github.com/forgelet/forgelet/pkg/objects"
	"github.com/forgelet/forgelet/pkg/repos"
	"github.com/forgelet/forgelet/pkg/storage/localfs"
)

func testIdentity(capability string) *model.Identity {
	return &model.Identity{
		Name: "dev",
		Grants: []model.Grant{
			{Repo: "team/**", Capability: capability},
		},
	}
}

func testResolver(t *testing.T) *repos.Resolver {
	t.Helper()
	r, err := repos.New(t.TempDir(), repos.Logger(dlogger.MustGetLogger(dlogger.LogLevelNone)))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, r.Close())
	})
	return r
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

// runEngine serves one session on an in-memory connection and returns
// the client half plus a channel carrying the engine's exit error
func runEngine(t *testing.T, e *Engine) (io.ReadWriteCloser, <-chan error) {
	t.Helper()
	server, client := net.Pipe()
	errc := make(chan error, 1)
	go func() {
		defer server.Close()
		errc <- e.Run(context.Background(), server)
	}()
	t.Cleanup(func() {
		client.Close()
	})
	return client, errc
}

func engineErr(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not finish")
		return nil
	}
}

// testClient speaks the wire protocol from the client side
type testClient struct {
	t  *testing.T
	pr *PktReader
	pw *PktWriter
}

func newTestClient(t *testing.T, rw io.ReadWriter) *testClient {
	return &testClient{t: t, pr: NewPktReader(rw), pw: NewPktWriter(rw)}
}

func (c *testClient) command(op Op, repo string) {
	c.t.Helper()
	require.NoError(c.t, c.pw.WriteString(string(op)+" "+repo+"\n"))
}

// readRefs consumes a ref advertisement up to its flush
func (c *testClient) readRefs() []objects.Ref {
	c.t.Helper()
	var refs []objects.Ref
	for {
		line, flush, err := c.pr.ReadLine()
		require.NoError(c.t, err)
		if flush {
			return refs
		}
		fields := strings.Fields(line)
		require.Len(c.t, fields, 2)
		refs = append(refs, objects.Ref{
			Name: fields[1],
			Key:  objects.MustParseKey(fields[0]),
		})
	}
}

func (c *testClient) want(k objects.Key) {
	c.t.Helper()
	require.NoError(c.t, c.pw.WriteString("want "+k.String()+"\n"))
}

func (c *testClient) have(k objects.Key) {
	c.t.Helper()
	require.NoError(c.t, c.pw.WriteString("have "+k.String()+"\n"))
}

func (c *testClient) done() {
	c.t.Helper()
	require.NoError(c.t, c.pw.WriteString("done\n"))
}

func (c *testClient) update(name string, old, next objects.Key) {
	c.t.Helper()
	require.NoError(c.t, c.pw.WriteString("update "+name+" "+old.String()+" "+next.String()+"\n"))
}

func (c *testClient) flush() {
	c.t.Helper()
	require.NoError(c.t, c.pw.Flush())
}

// sendPack pushes the closure of tips from the local store to the peer
func (c *testClient) sendPack(s objects.Store, tips ...objects.Key) {
	c.t.Helper()
	var keys []objects.Key
	if len(tips) > 0 {
		var err error
		keys, err = objects.Walk(context.Background(), s, tips, nil)
		require.NoError(c.t, err)
	}
	require.NoError(c.t, WritePack(context.Background(), c.pw, s, keys))
}

// readPack drains the incoming pack into the local store
func (c *testClient) readPack(s objects.Store) []objects.Key {
	c.t.Helper()
	keys, err := ReadPack(context.Background(), c.pr, s)
	require.NoError(c.t, err)
	return keys
}

// readStatuses consumes per-ref push statuses up to the flush
func (c *testClient) readStatuses() []model.RefStatus {
	c.t.Helper()
	var statuses []model.RefStatus
	for {
		line, flush, err := c.pr.ReadLine()
		require.NoError(c.t, err)
		if flush {
			return statuses
		}
		fields := strings.SplitN(line, " ", 3)
		switch fields[0] {
		case "ok":
			statuses = append(statuses, model.RefStatus{Name: fields[1], OK: true})
		case "ng":
			require.Len(c.t, fields, 3)
			statuses = append(statuses, model.RefStatus{Name: fields[1], Reason: fields[2]})
		default:
			c.t.Fatalf("unexpected status line %q", line)
		}
	}
}

// readErrLine expects the engine's terminal err packet
func (c *testClient) readErrLine() string {
	c.t.Helper()
	line, flush, err := c.pr.ReadLine()
	require.NoError(c.t, err)
	require.False(c.t, flush)
	require.True(c.t, strings.HasPrefix(line, "err "), "expected an err packet, got %q", line)

	// drain the terminating flush so the engine's write completes
	_, flush, err = c.pr.ReadLine()
	require.NoError(c.t, err)
	require.True(c.t, flush)
	return strings.TrimPrefix(line, "err ")
}

func mustPutBlob(t *testing.T, s objects.Store, content string) objects.Key {
	t.Helper()
	k, err := s.Put(context.Background(), objects.TypeBlob, []byte(content))
	require.NoError(t, err)
	return k
}

func mustPutTree(t *testing.T, s objects.Store, entries ...objects.TreeEntry) objects.Key {
	t.Helper()
	k, err := s.Put(context.Background(), objects.TypeTree, objects.EncodeTree(&objects.Tree{Entries: entries}))
	require.NoError(t, err)
	return k
}

func mustPutCommit(t *testing.T, s objects.Store, tree objects.Key, parents []objects.Key, msg string) objects.Key {
	t.Helper()
	k, err := s.Put(context.Background(), objects.TypeCommit, objects.EncodeCommit(&objects.Commit{
		Tree:    tree,
		Parents: parents,
		Author:  "tester",
		Time:    time.Unix(1700000000, 0).UTC(),
		Message: msg,
	}))
	require.NoError(t, err)
	return k
}

// commitOver builds one commit with a single fresh blob on top of parents
func commitOver(t *testing.T, s objects.Store, content string, parents ...objects.Key) objects.Key {
	t.Helper()
	blob := mustPutBlob(t, s, content)
	tree := mustPutTree(t, s, objects.TreeEntry{Mode: "100644", Name: "file", Key: blob})
	return mustPutCommit(t, s, tree, parents, "commit "+content)
}

// seedRepo creates a repository with a linear history and a main ref,
// returning the open handle and the commit keys oldest first
func seedRepo(t *testing.T, r *repos.Resolver, path string, commits int) (*repos.Repository, []objects.Key) {
	t.Helper()
	ctx := context.Background()
	repo, err := r.Resolve(ctx, path, model.ReadWrite)
	require.NoError(t, err)

	keys := make([]objects.Key, 0, commits)
	var parents []objects.Key
	for i := 0; i < commits; i++ {
		c := commitOver(t, repo.Store, "content-"+string(rune('a'+i)), parents...)
		parents = []objects.Key{c}
		keys = append(keys, c)
	}
	if commits > 0 {
		tip := keys[len(keys)-1]
		require.NoError(t, repo.Store.UpdateRef(ctx, "refs/heads/main", nil, &tip))
	}
	return repo, keys
}
