package objects

import (
	"bytes"
	"context"
	"io/ioutil"
	"strings"
	"time"

	"github.com/forgelet/forgelet/pkg/dlogger"
	"github.com/forgelet/forgelet/pkg/metrics"
	"github.com/forgelet/forgelet/pkg/storage"
	"github.com/forgelet/forgelet/pkg/storage/localfs"
	"go.uber.org/zap"
)

const objectPrefix = "objects/"

// Store implementations provide content-addressed object storage plus
// the mutable ref table of one repository.
type Store interface {
	Put(ctx context.Context, typ ObjectType, payload []byte) (Key, error)
	Get(ctx context.Context, key Key) (*Object, error)
	Has(ctx context.Context, key Key) (bool, error)
	Commit(ctx context.Context, key Key) (*Commit, error)
	Tree(ctx context.Context, key Key) (*Tree, error)
	Keys(ctx context.Context) ([]Key, error)

	ResolveRef(ctx context.Context, name string) (Key, error)
	ListRefs(ctx context.Context) ([]Ref, error)
	UpdateRef(ctx context.Context, name string, expectedOld, next *Key) error

	Close() error
}

var _ Store = &defaultStore{}

func defaultsForStore() *defaultStore {
	return &defaultStore{
		backend:        localfs.New(nil),
		refsPath:       "", // in-memory ref table unless configured
		l:              dlogger.MustGetLogger(dlogger.LogLevelInfo),
		withVerifyHash: true, // verify read objects against their key
	}
}

// New creates a new instance of a content-addressed object store
func New(opts ...Option) (Store, error) {
	s := defaultsForStore()
	for _, apply := range opts {
		apply(s)
	}

	var err error
	s.refs, err = openRefTable(s.refsPath, s.l)
	if err != nil {
		return nil, err
	}

	if s.MetricsEnabled() {
		s.m = s.EnsureMetrics("objects", &M{}).(*M)
	}

	return s, nil
}

type defaultStore struct {
	backend  storage.Store
	refs     *refTable
	refsPath string
	l        *zap.Logger

	withVerifyHash bool

	metrics.Enable
	m *M
}

func (s *defaultStore) pather(k Key) string {
	hex := k.String()
	return objectPrefix + hex[:2] + "/" + hex[2:]
}

// Put stores the canonical encoding of an object under its content address.
// Re-inserting identical bytes is a no-op returning the same key.
func (s *defaultStore) Put(ctx context.Context, typ ObjectType, payload []byte) (Key, error) {
	var (
		err error
		key Key
	)

	s.l.Debug("Start objects Put")
	defer func(t0 time.Time) {
		if s.MetricsEnabled() {
			s.m.Usage.UsedAll(t0, "Put")(err)
			s.m.Volume.IO.IORecord(t0, "Put")(int64(len(payload)), err)
		}
		s.l.Debug("End objects Put")
	}(time.Now())

	if !ValidType(typ) {
		err = ErrCorrupted.WrapMsg("unknown object type " + string(typ))
		return Key{}, err
	}

	data := canonical(typ, payload)
	key = HashBytes(data)
	pth := s.pather(key)

	has, err := s.backend.Has(ctx, pth)
	if err != nil {
		return Key{}, err
	}
	if has {
		// content addressing makes re-inserts a no-op
		return key, nil
	}

	err = s.backend.Put(ctx, pth, bytes.NewReader(data), storage.NoOverWrite)
	if err != nil {
		if errIs(err, storage.ErrExists) {
			err = nil
			return key, nil
		}
		return Key{}, err
	}
	return key, nil
}

// Get reads an object back by its content address
func (s *defaultStore) Get(ctx context.Context, key Key) (*Object, error) {
	var err error

	s.l.Debug("Start objects Get")
	defer func(t0 time.Time) {
		if s.MetricsEnabled() {
			s.m.Usage.UsedAll(t0, "Get")(err)
		}
		s.l.Debug("End objects Get")
	}(time.Now())

	rdr, err := s.backend.Get(ctx, s.pather(key))
	if err != nil {
		if errIs(err, storage.ErrNotFound) {
			err = ErrObjectMissing.WrapMsg(key.String())
		}
		return nil, err
	}
	defer rdr.Close()

	data, err := ioutil.ReadAll(rdr)
	if err != nil {
		return nil, err
	}

	if s.withVerifyHash {
		if computed := HashBytes(data); computed != key {
			err = ErrCorrupted.WrapMsg(key.String())
			s.l.Error("objects hash verification failed",
				zap.Stringer("want", key),
				zap.Stringer("got", computed),
			)
			return nil, err
		}
	}

	obj, err := decodeCanonical(data)
	if err != nil {
		return nil, ErrCorrupted.Wrap(err)
	}
	return obj, nil
}

func (s *defaultStore) Has(ctx context.Context, key Key) (bool, error) {
	return s.backend.Has(ctx, s.pather(key))
}

// Commit returns the typed view over a commit object, parsed on read
func (s *defaultStore) Commit(ctx context.Context, key Key) (*Commit, error) {
	obj, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if obj.Type != TypeCommit {
		return nil, ErrObjectMissing.WrapMsg("not a commit: " + key.String())
	}
	return ParseCommit(obj.Payload)
}

// Tree returns the typed view over a tree object, parsed on read
func (s *defaultStore) Tree(ctx context.Context, key Key) (*Tree, error) {
	obj, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if obj.Type != TypeTree {
		return nil, ErrObjectMissing.WrapMsg("not a tree: " + key.String())
	}
	return ParseTree(obj.Payload)
}

// Keys enumerates all stored object keys
func (s *defaultStore) Keys(ctx context.Context) ([]Key, error) {
	paths, err := s.backend.KeysPrefix(ctx, objectPrefix)
	if err != nil {
		return nil, err
	}
	result := make([]Key, 0, len(paths))
	for _, p := range paths {
		hex := strings.ReplaceAll(strings.TrimPrefix(p, objectPrefix), "/", "")
		k, err := KeyFromString(hex)
		if err != nil {
			// foreign file under the object area, skip it
			continue
		}
		result = append(result, k)
	}
	return result, nil
}

func (s *defaultStore) ResolveRef(ctx context.Context, name string) (Key, error) {
	return s.refs.resolve(name)
}

func (s *defaultStore) ListRefs(ctx context.Context) ([]Ref, error) {
	return s.refs.list()
}

func (s *defaultStore) UpdateRef(ctx context.Context, name string, expectedOld, next *Key) error {
	var err error

	s.l.Debug("Start objects UpdateRef", zap.String("ref", name))
	defer func(t0 time.Time) {
		if s.MetricsEnabled() {
			s.m.Usage.UsedAll(t0, "UpdateRef")(err)
		}
		s.l.Debug("End objects UpdateRef", zap.String("ref", name))
	}(time.Now())

	err = s.refs.compareAndSwap(name, expectedOld, next)
	return err
}

func (s *defaultStore) Close() error {
	return s.refs.close()
}
