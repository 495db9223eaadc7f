// Package repos maps client-supplied repository paths to on-disk
// repositories, creating them on first authorized push.
package repos

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/forgelet/forgelet/pkg/dlogger"
	"github.com/forgelet/forgelet/pkg/errors"
	"github.com/forgelet/forgelet/pkg/model"
	"github.com/forgelet/forgelet/pkg/objects"
	"github.com/forgelet/forgelet/pkg/storage/localfs"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

var (
	// ErrInvalidPath indicates a path that is empty, malformed, or escapes
	// the configured repository root
	ErrInvalidPath = errors.New("invalid repository path")

	// ErrNotFound indicates the repository does not exist and the caller
	// lacks the capability to create it
	ErrNotFound = errors.New("repository not found")

	// ErrForbidden indicates the caller's capability does not cover the
	// attempted operation
	ErrForbidden = errors.New("forbidden")
)

// refsDirName marks a directory as a repository and holds its ref table
const refsDirName = "refs"

// Repository is an open repository handle shared by all sessions
type Repository struct {
	// Path is the normalized logical path clients use
	Path string

	// Dir is the absolute directory backing this repository
	Dir string

	// Store holds the repository's objects and refs
	Store objects.Store
}

// StoreFactory opens the object store of a repository rooted at dir
type StoreFactory func(repoPath, dir string) (objects.Store, error)

// Resolver resolves logical repository paths under a filesystem root.
//
// Open repositories are pooled so that every session shares one store per
// repository, which is what serializes ref updates through a single
// compare-and-swap point.
type Resolver struct {
	root     string
	l        *zap.Logger
	newStore StoreFactory

	mu   sync.Mutex
	open map[string]*Repository
}

// Option to configure the resolver
type Option func(*Resolver)

// Logger overrides the default logger
func Logger(l *zap.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.l = l
		}
	}
}

// WithStoreFactory overrides how repository object stores are opened,
// e.g. to place object data on a remote blob backend
func WithStoreFactory(f StoreFactory) Option {
	return func(r *Resolver) {
		if f != nil {
			r.newStore = f
		}
	}
}

// New creates a resolver rooted at root, which must exist
func New(root string, opts ...Option) (*Resolver, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(abs)
	if err != nil || !fi.IsDir() {
		return nil, ErrInvalidPath.WrapMsg("root " + root)
	}

	r := &Resolver{
		root: abs,
		l:    dlogger.MustGetLogger(dlogger.LogLevelInfo),
		open: make(map[string]*Repository),
	}
	for _, apply := range opts {
		apply(r)
	}
	if r.newStore == nil {
		logger := r.l
		r.newStore = func(repoPath, dir string) (objects.Store, error) {
			return objects.New(
				objects.Backend(localfs.New(afero.NewBasePathFs(afero.NewOsFs(), dir))),
				objects.RefsPath(filepath.Join(dir, refsDirName)),
				objects.Logger(logger),
			)
		}
	}
	return r, nil
}

// Normalize canonicalizes a client-supplied repository path.
//
// The result is a clean, relative, slash-separated path. Traversal
// segments, absolute paths and empty paths are rejected.
func Normalize(raw string) (string, error) {
	p := strings.TrimSpace(raw)
	p = strings.Trim(p, "'\"") // transports quote exec arguments
	p = strings.TrimSuffix(p, "/")
	p = strings.TrimSuffix(p, ".git")
	p = strings.TrimPrefix(p, "/")
	if p == "" || strings.ContainsRune(p, '\\') || strings.ContainsRune(p, 0) {
		return "", ErrInvalidPath.WrapMsg(raw)
	}
	p = path.Clean(p)
	if p == "." || p == ".." || strings.HasPrefix(p, "../") {
		return "", ErrInvalidPath.WrapMsg(raw)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." || seg == "" {
			return "", ErrInvalidPath.WrapMsg(raw)
		}
		switch seg {
		case refsDirName, "objects", "commits", "tree", "blob":
			// reserved layout and mirror route names cannot be
			// repository path segments
			return "", ErrInvalidPath.WrapMsg(raw)
		}
	}
	return p, nil
}

// Resolve maps a client path to an open repository.
//
// A missing repository is ErrNotFound unless the caller holds read-write
// capability, in which case it is created. Creation is idempotent under
// concurrent first-push races: one caller creates, all observe the same
// open repository.
func (r *Resolver) Resolve(ctx context.Context, raw string, capability model.Capability) (*Repository, error) {
	norm, err := Normalize(raw)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if repo, ok := r.open[norm]; ok {
		return repo, nil
	}

	dir := filepath.Join(r.root, filepath.FromSlash(norm))
	if err := r.checkContained(dir); err != nil {
		return nil, err
	}

	exists, err := isRepoDir(dir)
	if err != nil {
		return nil, err
	}
	if !exists {
		if capability != model.ReadWrite {
			return nil, ErrNotFound.WrapMsg(norm)
		}
		if err := os.MkdirAll(filepath.Join(dir, refsDirName), 0700); err != nil {
			return nil, err
		}
		r.l.Info("created repository", zap.String("repo", norm))
	}

	store, err := r.newStore(norm, dir)
	if err != nil {
		return nil, err
	}
	repo := &Repository{Path: norm, Dir: dir, Store: store}
	r.open[norm] = repo
	return repo, nil
}

// List enumerates the logical paths of all repositories under the root
func (r *Resolver) List(ctx context.Context) ([]string, error) {
	var out []string
	err := filepath.WalkDir(r.root, func(pth string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() || pth == r.root {
			return nil
		}
		ok, err := isRepoDir(pth)
		if err != nil {
			return err
		}
		if ok {
			rel, err := filepath.Rel(r.root, pth)
			if err != nil {
				return err
			}
			out = append(out, filepath.ToSlash(rel))
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// Close shuts down every open repository store
func (r *Resolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, repo := range r.open {
		if err := repo.Store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.open = make(map[string]*Repository)
	return firstErr
}

// checkContained guards against symlink escapes: the resolved physical
// location of dir (or its nearest existing ancestor) must stay under root
func (r *Resolver) checkContained(dir string) error {
	probe := dir
	for {
		resolved, err := filepath.EvalSymlinks(probe)
		if err == nil {
			rootResolved, rerr := filepath.EvalSymlinks(r.root)
			if rerr != nil {
				return rerr
			}
			if resolved != rootResolved && !strings.HasPrefix(resolved, rootResolved+string(os.PathSeparator)) {
				return ErrInvalidPath.WrapMsg("escapes repository root")
			}
			return nil
		}
		if !os.IsNotExist(err) {
			return err
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			return ErrInvalidPath.WrapMsg("escapes repository root")
		}
		probe = parent
	}
}

func isRepoDir(dir string) (bool, error) {
	fi, err := os.Stat(filepath.Join(dir, refsDirName))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return fi.IsDir(), nil
}
