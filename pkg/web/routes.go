// Package web serves a read-only HTML mirror of hosted repositories.
//
// It renders from the object store and ref tables only, never moving a
// ref itself. Expensive listings are memoized in the derived-view cache
// that pushes invalidate.
package web

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"go.uber.org/zap"

	"github.com/forgelet/forgelet/pkg/dlogger"
	"github.com/forgelet/forgelet/pkg/errors"
	"github.com/forgelet/forgelet/pkg/model"
	"github.com/forgelet/forgelet/pkg/objects"
	"github.com/forgelet/forgelet/pkg/repos"
	"github.com/forgelet/forgelet/pkg/vcache"
)

// commits shown per log page
const logLimit = 100

// Server renders the read-only mirror
type Server struct {
	resolver *repos.Resolver
	cache    *vcache.Cache
	tmpl     appTemplates
	l        *zap.Logger
}

// Option to configure the server
type Option func(*Server)

// Cache overrides the default derived-view cache
func Cache(c *vcache.Cache) Option {
	return func(s *Server) {
		if c != nil {
			s.cache = c
		}
	}
}

// Logger overrides the default logger
func Logger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.l = l
		}
	}
}

// NewServer creates a mirror over the given resolver
func NewServer(resolver *repos.Resolver, opts ...Option) (*Server, error) {
	tmpl, err := loadTemplates()
	if err != nil {
		return nil, err
	}
	s := &Server{
		resolver: resolver,
		tmpl:     tmpl,
		l:        dlogger.MustGetLogger(dlogger.LogLevelInfo),
	}
	for _, apply := range opts {
		apply(s)
	}
	if s.cache == nil {
		if s.cache, err = vcache.New(vcache.Logger(s.l)); err != nil {
			return nil, err
		}
	}
	return s, nil
}

/* handlers */

func (s *Server) HandleHome() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := s.resolver.List(r.Context())
		if err != nil {
			s.renderError(w, err)
			return
		}
		s.render(w, "home.html", struct {
			Repos []string
		}{
			Repos: list,
		})
	}
}

// HandleRepo dispatches every repository-scoped page. Repository paths
// nest arbitrarily deep, so routing splits the wildcard at the first
// page segment instead of using fixed URL parameters.
func (s *Server) HandleRepo() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		repoPath, page, arg := splitRoute(chi.URLParam(r, "*"))

		repo, err := s.openRepo(r.Context(), repoPath)
		if err != nil {
			s.renderError(w, err)
			return
		}

		switch page {
		case "":
			s.serveRefs(w, r, repo)
		case "commits":
			s.serveCommits(w, r, repo, arg)
		case "tree":
			s.serveTree(w, r, repo, arg)
		case "blob":
			s.serveBlob(w, r, repo, arg)
		default:
			http.NotFound(w, r)
		}
	}
}

func (s *Server) openRepo(ctx context.Context, raw string) (*repos.Repository, error) {
	path, err := repos.Normalize(raw)
	if err != nil {
		return nil, err
	}
	// the mirror reads, it never creates
	return s.resolver.Resolve(ctx, path, model.Read)
}

func (s *Server) serveRefs(w http.ResponseWriter, r *http.Request, repo *repos.Repository) {
	refs, err := repo.Store.ListRefs(r.Context())
	if err != nil {
		s.renderError(w, err)
		return
	}

	type refRow struct {
		Name string
		Hash string
		Tree string
	}
	rows := make([]refRow, 0, len(refs))
	for _, ref := range refs {
		c, err := repo.Store.Commit(r.Context(), ref.Key)
		if err != nil {
			s.renderError(w, err)
			return
		}
		rows = append(rows, refRow{
			Name: ref.Name,
			Hash: ref.Key.String(),
			Tree: c.Tree.String(),
		})
	}
	s.render(w, "repo__refs.html", struct {
		Repo string
		Refs []refRow
	}{
		Repo: repo.Path,
		Refs: rows,
	})
}

func (s *Server) serveCommits(w http.ResponseWriter, r *http.Request, repo *repos.Repository, ref string) {
	tip, err := repo.Store.ResolveRef(r.Context(), ref)
	if err != nil {
		s.renderError(w, err)
		return
	}

	body, err := s.cache.GetOrCompute(r.Context(), repo.Path, tip.String(), "log",
		func(ctx context.Context) ([]byte, error) {
			return s.renderLog(ctx, repo, ref, tip)
		})
	if err != nil {
		s.renderError(w, err)
		return
	}
	s.write(w, "text/html; charset=utf-8", body)
}

func (s *Server) renderLog(ctx context.Context, repo *repos.Repository, ref string, tip objects.Key) ([]byte, error) {
	type commitRow struct {
		Hash    string
		Tree    string
		Author  string
		Time    time.Time
		Message string
	}

	// breadth-first over parents, newest first
	var rows []commitRow
	visited := make(map[objects.Key]struct{})
	queue := []objects.Key{tip}
	for len(queue) > 0 && len(rows) < logLimit {
		k := queue[0]
		queue = queue[1:]
		if _, seen := visited[k]; seen {
			continue
		}
		visited[k] = struct{}{}

		c, err := repo.Store.Commit(ctx, k)
		if err != nil {
			return nil, err
		}
		rows = append(rows, commitRow{
			Hash:    k.String(),
			Tree:    c.Tree.String(),
			Author:  c.Author,
			Time:    c.Time,
			Message: firstLine(c.Message),
		})
		queue = append(queue, c.Parents...)
	}

	var buf bytes.Buffer
	err := s.tmpl.Exec("repo__commits.html", &buf, struct {
		Repo    string
		Ref     string
		Commits []commitRow
	}{
		Repo:    repo.Path,
		Ref:     ref,
		Commits: rows,
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *Server) serveTree(w http.ResponseWriter, r *http.Request, repo *repos.Repository, hash string) {
	key, err := objects.KeyFromString(hash)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	body, err := s.cache.GetOrCompute(r.Context(), repo.Path, key.String(), "tree",
		func(ctx context.Context) ([]byte, error) {
			return s.renderTree(ctx, repo, key)
		})
	if err != nil {
		s.renderError(w, err)
		return
	}
	s.write(w, "text/html; charset=utf-8", body)
}

func (s *Server) renderTree(ctx context.Context, repo *repos.Repository, key objects.Key) ([]byte, error) {
	tree, err := repo.Store.Tree(ctx, key)
	if err != nil {
		return nil, err
	}

	type treeRow struct {
		Mode string
		Name string
		Hash string
		Kind string
	}
	rows := make([]treeRow, 0, len(tree.Entries))
	for _, e := range tree.Entries {
		obj, err := repo.Store.Get(ctx, e.Key)
		if err != nil {
			return nil, err
		}
		kind := "blob"
		if obj.Type == objects.TypeTree {
			kind = "tree"
		}
		rows = append(rows, treeRow{
			Mode: e.Mode,
			Name: e.Name,
			Hash: e.Key.String(),
			Kind: kind,
		})
	}

	var buf bytes.Buffer
	err = s.tmpl.Exec("repo__tree.html", &buf, struct {
		Repo    string
		Hash    string
		Entries []treeRow
	}{
		Repo:    repo.Path,
		Hash:    key.String(),
		Entries: rows,
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *Server) serveBlob(w http.ResponseWriter, r *http.Request, repo *repos.Repository, hash string) {
	key, err := objects.KeyFromString(hash)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	body, err := s.cache.GetOrCompute(r.Context(), repo.Path, key.String(), "blob",
		func(ctx context.Context) ([]byte, error) {
			obj, err := repo.Store.Get(ctx, key)
			if err != nil {
				return nil, err
			}
			if obj.Type != objects.TypeBlob {
				return nil, objects.ErrObjectMissing.WrapMsg(hash)
			}
			return obj.Payload, nil
		})
	if err != nil {
		s.renderError(w, err)
		return
	}
	s.write(w, http.DetectContentType(body), body)
}

func (s *Server) render(w http.ResponseWriter, name string, data interface{}) {
	var buf bytes.Buffer
	if err := s.tmpl.Exec(name, &buf, data); err != nil {
		s.renderError(w, err)
		return
	}
	s.write(w, "text/html; charset=utf-8", buf.Bytes())
}

func (s *Server) write(w http.ResponseWriter, contentType string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	_, _ = w.Write(body)
}

func (s *Server) renderError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repos.ErrNotFound),
		errors.Is(err, repos.ErrInvalidPath),
		errors.Is(err, objects.ErrObjectMissing),
		errors.Is(err, objects.ErrRefMissing):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, repos.ErrForbidden):
		http.Error(w, "forbidden", http.StatusForbidden)
	default:
		s.l.Error("page render failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// splitRoute cuts a wildcard path into repository, page and argument.
// The first page segment wins, everything after it (ref names may
// contain slashes) is the argument.
func splitRoute(wild string) (repo, page, arg string) {
	segs := strings.Split(strings.Trim(wild, "/"), "/")
	for i, seg := range segs {
		if i == 0 || i == len(segs)-1 {
			continue
		}
		switch seg {
		case "commits", "tree", "blob":
			return strings.Join(segs[:i], "/"), seg, strings.Join(segs[i+1:], "/")
		}
	}
	return strings.Join(segs, "/"), "", ""
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// InitRouter wires the mirror's routes
func InitRouter(srv *Server) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/", srv.HandleHome())
	r.Get("/*", srv.HandleRepo())

	return r
}
