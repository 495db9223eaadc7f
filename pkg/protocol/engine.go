package protocol

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/forgelet/forgelet/pkg/dlogger"
	"github.com/forgelet/forgelet/pkg/errors"
	"github.com/forgelet/forgelet/pkg/model"
	"github.com/forgelet/forgelet/pkg/objects"
	"github.com/forgelet/forgelet/pkg/repos"
	"github.com/forgelet/forgelet/pkg/vcache"
)

// State of the transfer engine. Transitions are linear, every session
// walks the same path and ends in StateClosed.
type State int

const (
	StateAwaitCommand State = iota
	StateAdvertiseRefs
	StateNegotiating
	StateTransferring
	StateFinalizing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitCommand:
		return "await-command"
	case StateAdvertiseRefs:
		return "advertise-refs"
	case StateNegotiating:
		return "negotiating"
	case StateTransferring:
		return "transferring"
	case StateFinalizing:
		return "finalizing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Op is the transfer direction requested by the client
type Op string

const (
	OpFetch Op = "fetch"
	OpPush  Op = "push"
)

// RefPolicy decides whether an identity may move a specific ref.
// A nil policy allows every ref the capability covers.
type RefPolicy func(identity *model.Identity, refName string) bool

const defaultMaxRounds = 32

// Engine drives one fetch or push session over a pkt-line stream
type Engine struct {
	resolver *repos.Resolver
	identity *model.Identity
	cache    *vcache.Cache
	policy   RefPolicy

	maxRounds    int
	roundTimeout time.Duration

	l *zap.Logger

	state State
	pr    *PktReader
	pw    *PktWriter

	op   Op
	repo *repos.Repository

	wants []objects.Key
	haves []objects.Key

	updates  []model.RefUpdate
	statuses []model.RefStatus
}

// Option to configure the engine
type Option func(*Engine)

// WithCache wires the derived-view cache invalidated on ref updates
func WithCache(c *vcache.Cache) Option {
	return func(e *Engine) {
		e.cache = c
	}
}

// WithRefPolicy installs a per-ref update policy
func WithRefPolicy(p RefPolicy) Option {
	return func(e *Engine) {
		e.policy = p
	}
}

// WithMaxRounds caps negotiation rounds with a misbehaving client
func WithMaxRounds(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxRounds = n
		}
	}
}

// WithRoundTimeout bounds the wait for each negotiation round
func WithRoundTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.roundTimeout = d
	}
}

// WithLogger overrides the default logger
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.l = l
		}
	}
}

// New creates an engine serving one authenticated session
func New(resolver *repos.Resolver, identity *model.Identity, opts ...Option) *Engine {
	e := &Engine{
		resolver:  resolver,
		identity:  identity,
		maxRounds: defaultMaxRounds,
		l:         dlogger.MustGetLogger(dlogger.LogLevelInfo),
		state:     StateAwaitCommand,
	}
	for _, apply := range opts {
		apply(e)
	}
	return e
}

// State reports the engine's current state
func (e *Engine) State() State {
	return e.state
}

// Statuses reports the per-ref outcomes of a finalized push
func (e *Engine) Statuses() []model.RefStatus {
	return e.statuses
}

// Run drives the session over rw until StateClosed. On error the peer
// receives an err packet and the error is returned to the caller.
func (e *Engine) Run(ctx context.Context, rw io.ReadWriter) error {
	e.pr = NewPktReader(rw)
	e.pw = NewPktWriter(rw)

	e.l.Debug("Start protocol session")
	defer e.l.Debug("End protocol session")

	for e.state != StateClosed {
		if err := ctx.Err(); err != nil {
			e.state = StateClosed
			return err
		}

		var err error
		switch e.state {
		case StateAwaitCommand:
			err = e.awaitCommand(ctx)
		case StateAdvertiseRefs:
			err = e.advertiseRefs(ctx)
		case StateNegotiating:
			if e.op == OpFetch {
				err = e.negotiateFetch(ctx)
			} else {
				err = e.negotiatePush(ctx)
			}
		case StateTransferring:
			if e.op == OpFetch {
				err = e.transferFetch(ctx)
			} else {
				err = e.transferPush(ctx)
			}
		case StateFinalizing:
			err = e.finalize(ctx)
		}
		if err != nil {
			e.fail(err)
			return err
		}
	}
	return nil
}

// fail reports the error to the peer best-effort and closes the session
func (e *Engine) fail(err error) {
	e.l.Debug("protocol session failed",
		zap.Stringer("state", e.state),
		zap.Error(err),
	)
	_ = e.pw.WriteString("err " + err.Error() + "\n")
	_ = e.pw.Flush()
	e.state = StateClosed
}

// awaitCommand reads "<fetch|push> <repo>\n" and resolves the target
// repository under the session identity's capability
func (e *Engine) awaitCommand(ctx context.Context) error {
	line, flush, err := e.readLine(ctx)
	if err != nil {
		return err
	}
	if flush {
		return ErrProtocol.WrapMsg("expected a command, got flush")
	}

	fields := strings.SplitN(line, " ", 2)
	if len(fields) != 2 {
		return ErrProtocol.WrapMsg("bad command " + line)
	}
	switch Op(fields[0]) {
	case OpFetch, OpPush:
		e.op = Op(fields[0])
	default:
		return ErrProtocol.WrapMsg("unknown command " + fields[0])
	}

	path, err := repos.Normalize(fields[1])
	if err != nil {
		return err
	}
	capability := e.identity.Capability(path)
	if e.op == OpPush && capability < model.ReadWrite {
		// the session manager refuses this before the engine sees it,
		// refused again here so the engine stands on its own
		return repos.ErrForbidden.WrapMsg(path)
	}
	if capability < model.Read {
		return repos.ErrForbidden.WrapMsg(path)
	}

	e.repo, err = e.resolver.Resolve(ctx, path, capability)
	if err != nil {
		return err
	}

	e.l.Debug("command accepted",
		zap.String("op", string(e.op)),
		zap.String("repo", e.repo.Path),
		zap.Stringer("capability", capability),
	)
	e.state = StateAdvertiseRefs
	return nil
}

// advertiseRefs sends the full ref table, one "<hex> <name>" line per
// ref. An empty repository advertises nothing but still flushes.
func (e *Engine) advertiseRefs(ctx context.Context) error {
	refs, err := e.repo.Store.ListRefs(ctx)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if err := e.pw.WriteString(fmt.Sprintf("%s %s\n", ref.Key, ref.Name)); err != nil {
			return err
		}
	}
	if err := e.pw.Flush(); err != nil {
		return err
	}
	e.state = StateNegotiating
	return nil
}

// negotiateFetch collects want and have announcements. A round ends at
// a flush and is acknowledged; negotiation ends on "done" or when the
// round limit is reached.
func (e *Engine) negotiateFetch(ctx context.Context) error {
	rounds := 0
	for {
		line, flush, err := e.readLine(ctx)
		if err != nil {
			return err
		}
		if flush {
			rounds++
			if rounds >= e.maxRounds {
				e.l.Debug("negotiation round limit reached", zap.Int("rounds", rounds))
				break
			}
			if err := e.pw.WriteString("ack\n"); err != nil {
				return err
			}
			continue
		}
		if line == "done" {
			break
		}

		fields := strings.Fields(line)
		if len(fields) != 2 {
			return ErrProtocol.WrapMsg("bad negotiation line " + line)
		}
		key, err := objects.KeyFromString(fields[1])
		if err != nil {
			return ErrProtocol.WrapMsg("bad hash " + fields[1])
		}
		switch fields[0] {
		case "want":
			e.wants = append(e.wants, key)
		case "have":
			e.haves = append(e.haves, key)
		default:
			return ErrProtocol.WrapMsg("bad negotiation line " + line)
		}
	}
	e.state = StateTransferring
	return nil
}

// negotiatePush collects "update <name> <old> <new>" commands until the
// flush that precedes the incoming pack. The zero hash stands for an
// absent ref on either side.
func (e *Engine) negotiatePush(ctx context.Context) error {
	for {
		line, flush, err := e.readLine(ctx)
		if err != nil {
			return err
		}
		if flush {
			break
		}

		fields := strings.Fields(line)
		if len(fields) != 4 || fields[0] != "update" {
			return ErrProtocol.WrapMsg("bad update line " + line)
		}
		for _, hash := range fields[2:] {
			if _, err := objects.KeyFromString(hash); err != nil {
				return ErrProtocol.WrapMsg("bad hash " + hash)
			}
		}
		e.updates = append(e.updates, model.RefUpdate{
			Name: fields[1],
			Old:  fields[2],
			New:  fields[3],
		})
	}
	e.state = StateTransferring
	return nil
}

// transferFetch streams the object difference as a pack. Zero wants
// and wants already covered by the haves both produce an empty pack.
func (e *Engine) transferFetch(ctx context.Context) error {
	var keys []objects.Key
	if len(e.wants) > 0 {
		var err error
		keys, err = objects.Walk(ctx, e.repo.Store, e.wants, e.haves)
		if err != nil {
			return err
		}
	}
	e.l.Debug("Start pack send", zap.Int("objects", len(keys)))
	defer e.l.Debug("End pack send")

	if err := WritePack(ctx, e.pw, e.repo.Store, keys); err != nil {
		return err
	}
	e.state = StateFinalizing
	return nil
}

// transferPush consumes the incoming pack, then verifies every pushed
// tip resolves to a complete object graph before any ref moves
func (e *Engine) transferPush(ctx context.Context) error {
	e.l.Debug("Start pack receive")
	received, err := ReadPack(ctx, e.pr, e.repo.Store)
	e.l.Debug("End pack receive", zap.Int("objects", len(received)), zap.Error(err))
	if err != nil {
		return err
	}

	for _, u := range e.updates {
		tip, err := objects.KeyFromString(u.New)
		if err != nil {
			return ErrProtocol.WrapMsg("bad hash " + u.New)
		}
		if tip.IsZero() {
			// deletions carry no objects
			continue
		}
		if _, err := objects.Walk(ctx, e.repo.Store, []objects.Key{tip}, nil); err != nil {
			if errors.Is(err, objects.ErrObjectMissing) {
				return ErrIncompleteTransfer.WrapMsg(u.Name).Wrap(err)
			}
			return err
		}
	}
	e.state = StateFinalizing
	return nil
}

// finalize applies push ref updates through the store's compare-and-swap
// and reports one status line per ref. Fetch has nothing to finalize.
func (e *Engine) finalize(ctx context.Context) error {
	if e.op == OpFetch {
		e.state = StateClosed
		return nil
	}

	invalidate := false
	e.statuses = make([]model.RefStatus, 0, len(e.updates))
	for _, u := range e.updates {
		status := e.applyUpdate(ctx, u)
		e.statuses = append(e.statuses, status)
		if status.OK {
			invalidate = true
			if err := e.pw.WriteString("ok " + u.Name + "\n"); err != nil {
				return err
			}
			continue
		}
		if err := e.pw.WriteString(fmt.Sprintf("ng %s %s\n", u.Name, status.Reason)); err != nil {
			return err
		}
	}
	if err := e.pw.Flush(); err != nil {
		return err
	}

	if invalidate && e.cache != nil {
		e.cache.Invalidate(e.repo.Path)
	}
	e.state = StateClosed
	return nil
}

func (e *Engine) applyUpdate(ctx context.Context, u model.RefUpdate) model.RefStatus {
	if e.policy != nil && !e.policy(e.identity, u.Name) {
		return model.RefStatus{Name: u.Name, Reason: "rejected"}
	}

	var expectedOld, next *objects.Key
	if old := objects.MustParseKey(u.Old); !old.IsZero() {
		expectedOld = &old
	}
	if tip := objects.MustParseKey(u.New); !tip.IsZero() {
		next = &tip
	}

	if err := e.repo.Store.UpdateRef(ctx, u.Name, expectedOld, next); err != nil {
		reason := "rejected"
		if errors.Is(err, objects.ErrConflict) {
			reason = "conflict"
		}
		e.l.Debug("ref update refused",
			zap.String("ref", u.Name),
			zap.String("reason", reason),
			zap.Error(err),
		)
		return model.RefStatus{Name: u.Name, Reason: reason}
	}
	return model.RefStatus{Name: u.Name, OK: true}
}

// readLine reads the next packet, honoring the context and the
// per-round deadline. The blocked read goroutine is abandoned on
// timeout, the session closes right after anyway.
func (e *Engine) readLine(ctx context.Context) (string, bool, error) {
	type result struct {
		line  string
		flush bool
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		line, flush, err := e.pr.ReadLine()
		ch <- result{line: line, flush: flush, err: err}
	}()

	var deadline <-chan time.Time
	if e.roundTimeout > 0 {
		t := time.NewTimer(e.roundTimeout)
		defer t.Stop()
		deadline = t.C
	}

	select {
	case <-ctx.Done():
		return "", false, ctx.Err()
	case <-deadline:
		return "", false, ErrTimeout.WrapMsg(fmt.Sprintf("no client input within %v", e.roundTimeout))
	case r := <-ch:
		return r.line, r.flush, r.err
	}
}
