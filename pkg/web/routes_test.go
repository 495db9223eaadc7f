package web

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgelet/forgelet/pkg/dlogger"
	"github.com/forgelet/forgelet/pkg/model"
	"github.com/forgelet/forgelet/pkg/objects"
	"github.com/forgelet/forgelet/pkg/repos"
	"github.com/forgelet/forgelet/pkg/vcache"
)

type fixture struct {
	handler http.Handler
	cache   *vcache.Cache

	commits []objects.Key
	tree    objects.Key
	blob    objects.Key
}

// setupMirror seeds team/app with a 3 commit history plus a bare tools
// repository and mounts the mirror over them
func setupMirror(t *testing.T) *fixture {
	t.Helper()
	nop := dlogger.MustGetLogger(dlogger.LogLevelNone)
	ctx := context.Background()

	resolver, err := repos.New(t.TempDir(), repos.Logger(nop))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, resolver.Close())
	})

	repo, err := resolver.Resolve(ctx, "team/app", model.ReadWrite)
	require.NoError(t, err)

	f := &fixture{}
	var parents []objects.Key
	for i, content := range []string{"first", "second", "third"} {
		blob, err := repo.Store.Put(ctx, objects.TypeBlob, []byte(content))
		require.NoError(t, err)
		tree, err := repo.Store.Put(ctx, objects.TypeTree, objects.EncodeTree(&objects.Tree{
			Entries: []objects.TreeEntry{{Mode: "100644", Name: "README", Key: blob}},
		}))
		require.NoError(t, err)
		commit, err := repo.Store.Put(ctx, objects.TypeCommit, objects.EncodeCommit(&objects.Commit{
			Tree:    tree,
			Parents: parents,
			Author:  "tester",
			Time:    time.Unix(1700000000+int64(i), 0).UTC(),
			Message: "change " + content + "\n\nlonger body",
		}))
		require.NoError(t, err)
		parents = []objects.Key{commit}
		f.commits = append(f.commits, commit)
		f.tree = tree
		f.blob = blob
	}
	tip := f.commits[len(f.commits)-1]
	require.NoError(t, repo.Store.UpdateRef(ctx, "refs/heads/main", nil, &tip))

	_, err = resolver.Resolve(ctx, "tools", model.ReadWrite)
	require.NoError(t, err)

	f.cache, err = vcache.New(vcache.Logger(nop))
	require.NoError(t, err)

	srv, err := NewServer(resolver, Cache(f.cache), Logger(nop))
	require.NoError(t, err)
	f.handler = InitRouter(srv)
	return f
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func (f *fixture) getDoc(t *testing.T, path string) *goquery.Document {
	t.Helper()
	rec := f.get(t, path)
	require.Equal(t, http.StatusOK, rec.Code)
	doc, err := goquery.NewDocumentFromReader(rec.Body)
	require.NoError(t, err)
	return doc
}

func TestHomeListsRepos(t *testing.T) {
	f := setupMirror(t)
	doc := f.getDoc(t, "/")

	items := doc.Find("ul.repos li a")
	require.Equal(t, 2, items.Length())
	assert.Equal(t, "team/app", items.First().Text())
	assert.Equal(t, "tools", items.Last().Text())
}

func TestRefListing(t *testing.T) {
	f := setupMirror(t)
	doc := f.getDoc(t, "/team/app")

	links := doc.Find("table.refs td a")
	require.True(t, links.Length() >= 1)
	assert.Equal(t, "refs/heads/main", links.First().Text())
	href, _ := links.First().Attr("href")
	assert.Equal(t, "/team/app/commits/refs/heads/main", href)
}

func TestRefListingEmptyRepo(t *testing.T) {
	f := setupMirror(t)
	doc := f.getDoc(t, "/tools")
	assert.Equal(t, 1, doc.Find("td.empty").Length())
}

func TestCommitLog(t *testing.T) {
	f := setupMirror(t)
	doc := f.getDoc(t, "/team/app/commits/refs/heads/main")

	rows := doc.Find("table.commits tr")
	// header plus three commits, newest first
	require.Equal(t, 4, rows.Length())
	first := rows.Eq(1).Find("td")
	assert.Contains(t, first.Eq(0).Text(), f.commits[2].String()[:12])
	assert.Equal(t, "tester", first.Eq(1).Text())
	assert.Equal(t, "change third", first.Eq(3).Text(), "log shows the first message line only")
}

func TestTreeListing(t *testing.T) {
	f := setupMirror(t)
	doc := f.getDoc(t, "/team/app/tree/"+f.tree.String())

	link := doc.Find("table.tree td a").First()
	assert.Equal(t, "README", link.Text())
	href, _ := link.Attr("href")
	assert.Equal(t, "/team/app/blob/"+f.blob.String(), href)
}

func TestBlobRaw(t *testing.T) {
	f := setupMirror(t)
	rec := f.get(t, "/team/app/blob/"+f.blob.String())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "third", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
}

func TestLogServedFromCache(t *testing.T) {
	f := setupMirror(t)

	require.Equal(t, 0, f.cache.Len())
	f.getDoc(t, "/team/app/commits/refs/heads/main")
	require.Equal(t, 1, f.cache.Len())

	first := f.get(t, "/team/app/commits/refs/heads/main").Body.String()
	assert.Equal(t, 1, f.cache.Len())
	second := f.get(t, "/team/app/commits/refs/heads/main").Body.String()
	assert.Equal(t, first, second)
}

func TestMirrorNotFound(t *testing.T) {
	f := setupMirror(t)

	for name, path := range map[string]string{
		"unknown repo":  "/team/nope",
		"unknown ref":   "/team/app/commits/refs/heads/gone",
		"bad hash":      "/team/app/tree/zzzz",
		"missing blob":  "/team/app/blob/" + objects.HashBytes([]byte("absent")).String(),
		"invalid path":  "/team/../escape",
		"reserved path": "/team/app/refs",
		"reserved repo": "/team/tree/app/commits/refs/heads/main",
	} {
		path := path
		t.Run(name, func(t *testing.T) {
			rec := f.get(t, path)
			assert.Equal(t, http.StatusNotFound, rec.Code, "body: %s", rec.Body.String())
		})
	}
}

func TestSplitRoute(t *testing.T) {
	for _, tc := range []struct {
		wild string
		repo string
		page string
		arg  string
	}{
		{wild: "team/app", repo: "team/app", page: "", arg: ""},
		{wild: "team/app/commits/refs/heads/main", repo: "team/app", page: "commits", arg: "refs/heads/main"},
		{wild: "team/app/tree/abcd", repo: "team/app", page: "tree", arg: "abcd"},
		{wild: "app/blob/abcd", repo: "app", page: "blob", arg: "abcd"},
		{wild: "tree", repo: "tree", page: "", arg: ""},
		{wild: "team/app/", repo: "team/app", page: "", arg: ""},
	} {
		tc := tc
		t.Run(tc.wild, func(t *testing.T) {
			repo, page, arg := splitRoute(tc.wild)
			assert.Equal(t, tc.repo, repo)
			assert.Equal(t, tc.page, page)
			assert.Equal(t, tc.arg, arg)
		})
	}
}

// the mirror depends on localfs stores resolving through the shared
// pool, a push through another handle shows up without a restart
func TestMirrorSeesExternalUpdates(t *testing.T) {
	nop := dlogger.MustGetLogger(dlogger.LogLevelNone)
	ctx := context.Background()

	resolver, err := repos.New(t.TempDir(), repos.Logger(nop))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, resolver.Close())
	})

	repo, err := resolver.Resolve(ctx, "team/app", model.ReadWrite)
	require.NoError(t, err)

	srv, err := NewServer(resolver, Logger(nop))
	require.NoError(t, err)
	handler := InitRouter(srv)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/team/app", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	doc, err := goquery.NewDocumentFromReader(rec.Body)
	require.NoError(t, err)
	require.Equal(t, 1, doc.Find("td.empty").Length())

	// a ref lands through the shared store handle
	blob, err := repo.Store.Put(ctx, objects.TypeBlob, []byte("late"))
	require.NoError(t, err)
	tree, err := repo.Store.Put(ctx, objects.TypeTree, objects.EncodeTree(&objects.Tree{
		Entries: []objects.TreeEntry{{Mode: "100644", Name: "f", Key: blob}},
	}))
	require.NoError(t, err)
	tip, err := repo.Store.Put(ctx, objects.TypeCommit, objects.EncodeCommit(&objects.Commit{
		Tree:    tree,
		Author:  "tester",
		Time:    time.Unix(1700000000, 0).UTC(),
		Message: "late arrival",
	}))
	require.NoError(t, err)
	require.NoError(t, repo.Store.UpdateRef(ctx, "refs/heads/main", nil, &tip))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/team/app", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "refs/heads/main"))
}
