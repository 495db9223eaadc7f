package objects

import (
	"context"
	"testing"
	"time"

	"github.com/forgelet/forgelet/pkg/dlogger"
	"github.com/forgelet/forgelet/pkg/storage/localfs"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) Store {
	t.Helper()
	blobs := localfs.New(afero.NewBasePathFs(afero.NewOsFs(), t.TempDir()))
	s, err := New(
		Backend(blobs),
		Logger(dlogger.MustGetLogger(dlogger.LogLevelNone)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s
}

func mustPutBlob(t *testing.T, s Store, content string) Key {
	t.Helper()
	k, err := s.Put(context.Background(), TypeBlob, []byte(content))
	require.NoError(t, err)
	return k
}

func mustPutTree(t *testing.T, s Store, entries ...TreeEntry) Key {
	t.Helper()
	k, err := s.Put(context.Background(), TypeTree, EncodeTree(&Tree{Entries: entries}))
	require.NoError(t, err)
	return k
}

func mustPutCommit(t *testing.T, s Store, tree Key, parents []Key, msg string) Key {
	t.Helper()
	k, err := s.Put(context.Background(), TypeCommit, EncodeCommit(&Commit{
		Tree:    tree,
		Parents: parents,
		Author:  "tester",
		Time:    time.Unix(1700000000, 0).UTC(),
		Message: msg,
	}))
	require.NoError(t, err)
	return k
}

// chain builds a linear history of n commits over a single blob each,
// returning the commit keys oldest first
func chain(t *testing.T, s Store, n int) []Key {
	t.Helper()
	keys := make([]Key, 0, n)
	var parents []Key
	for i := 0; i < n; i++ {
		blob := mustPutBlob(t, s, "content-"+string(rune('a'+i)))
		tree := mustPutTree(t, s, TreeEntry{Mode: "100644", Name: "file", Key: blob})
		c := mustPutCommit(t, s, tree, parents, "commit")
		parents = []Key{c}
		keys = append(keys, c)
	}
	return keys
}
