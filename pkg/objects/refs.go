package objects

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dgraph-io/badger/v3"
	badgeroptions "github.com/dgraph-io/badger/v3/options"
	"github.com/forgelet/forgelet/pkg/errors"
	"go.uber.org/zap"
)

// Ref is a named pointer to a commit object
type Ref struct {
	Name string
	Key  Key
}

// refTable provides the mutable ref table of a repository, backed by a
// transactional KV store.
//
// Updates go through compareAndSwap only: unrelated refs stay independently
// writable, and concurrent writers to the same ref are serialized by the
// transaction commit, with exactly one winner.
type refTable struct {
	db *badger.DB
	l  *zap.Logger
}

// openRefTable opens the ref KV at pth, or an in-memory table when pth is empty
func openRefTable(pth string, l *zap.Logger) (*refTable, error) {
	var opts badger.Options
	if pth == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(pth)
	}
	// ref values are fixed-size hashes, compression buys nothing
	db, err := badger.Open(opts.
		WithLoggingLevel(badger.WARNING).
		WithCompression(badgeroptions.None),
	)
	if err != nil {
		return nil, err
	}
	return &refTable{db: db, l: l}, nil
}

func (r *refTable) resolve(name string) (Key, error) {
	var key Key
	err := r.db.View(func(txn *badger.Txn) error {
		item, e := txn.Get([]byte(name))
		if e != nil {
			return e
		}
		val, e := item.ValueCopy(nil)
		if e != nil {
			return e
		}
		key, e = NewKey(val)
		return e
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return Key{}, ErrRefMissing.WrapMsg(name)
		}
		return Key{}, err
	}
	return key, nil
}

func (r *refTable) list() ([]Ref, error) {
	var refs []Ref
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			PrefetchSize:   64,
			PrefetchValues: true,
		})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			name := string(it.Item().KeyCopy(nil))
			val, e := it.Item().ValueCopy(nil)
			if e != nil {
				return e
			}
			k, e := NewKey(val)
			if e != nil {
				return e
			}
			refs = append(refs, Ref{Name: name, Key: k})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return refs, nil
}

// compareAndSwap applies one atomic ref update.
//
// expectedOld nil means the ref must not exist yet; next nil deletes the ref.
// A mismatch against the current value returns ErrConflict. Transient
// transaction conflicts from the KV engine are retried, a semantic mismatch
// is not.
func (r *refTable) compareAndSwap(name string, expectedOld, next *Key) error {
	if name == "" {
		return ErrRefMissing.WrapMsg("empty ref name")
	}
	return backoff.Retry(func() error {
		err := r.db.Update(func(txn *badger.Txn) error {
			var current *Key
			item, e := txn.Get([]byte(name))
			switch {
			case e == nil:
				val, verr := item.ValueCopy(nil)
				if verr != nil {
					return backoff.Permanent(verr)
				}
				k, verr := NewKey(val)
				if verr != nil {
					return backoff.Permanent(verr)
				}
				current = &k
			case errors.Is(e, badger.ErrKeyNotFound):
				current = nil
			default:
				return backoff.Permanent(e)
			}

			if !sameKey(current, expectedOld) {
				r.l.Debug("ref compare-and-swap mismatch",
					zap.String("ref", name),
					zap.String("current", keyString(current)),
					zap.String("expected", keyString(expectedOld)),
				)
				return backoff.Permanent(ErrConflict.WrapMsg(name))
			}

			if next == nil {
				if current == nil {
					return nil
				}
				return txn.Delete([]byte(name))
			}
			return txn.Set([]byte(name), next[:])
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, badger.ErrConflict) {
			return err // transient, retry
		}
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return err
		}
		return backoff.Permanent(err)
	},
		backoff.WithMaxRetries(backoff.NewConstantBackOff(10*time.Millisecond), 50),
	)
}

func (r *refTable) close() error {
	return r.db.Close()
}

func sameKey(a, b *Key) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func keyString(k *Key) string {
	if k == nil {
		return "<absent>"
	}
	return k.String()
}
