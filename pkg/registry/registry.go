// Package registry keeps one session per host and tracks which host is the
// active controller.
//
// The registry is an explicit instance owned by the caller. Each host entry
// has its own lock, so connecting to one host never blocks work on another;
// the map itself is only locked long enough to find or create an entry.
//
// The active controller is cached together with the session generation and
// the failover epoch it was resolved at. GetActive re-resolves when the
// session was reconnected since (it may now reach the other controller), when
// it is no longer live, or when NoteFailover was called.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	serrors "github.com/pvaduva/auto-test-sub005/errors"
	"github.com/pvaduva/auto-test-sub005/pkg/logging"
	"github.com/pvaduva/auto-test-sub005/pkg/session"
	"go.uber.org/zap"
)

// Factory builds an unconnected session for a host key.
type Factory func(key string) (session.Session, error)

// Resolver names the host key of the active controller. It may use the
// registry to reach hosts but must not call GetActive.
type Resolver func(ctx context.Context, r *Registry) (string, error)

type entry struct {
	mu   sync.Mutex
	sess session.Session
}

type activeRef struct {
	key        string
	sess       session.Session
	generation uint64
	epoch      uint64
}

// Registry maps host keys to sessions.
type Registry struct {
	factory Factory
	resolve Resolver
	connect session.ConnectOptions
	log     *zap.SugaredLogger

	mu      sync.Mutex
	entries map[string]*entry

	activeMu sync.Mutex
	active   *activeRef
	epoch    atomic.Uint64
}

// Option configures a Registry.
type Option func(*Registry)

// WithResolver sets how the active controller is found.
func WithResolver(fn Resolver) Option {
	return func(r *Registry) { r.resolve = fn }
}

// WithConnectOptions sets the options used for first connects.
func WithConnectOptions(opts session.ConnectOptions) Option {
	return func(r *Registry) { r.connect = opts }
}

// WithLogger sets the registry logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(r *Registry) { r.log = logging.OrNop(l) }
}

// New creates an empty registry.
func New(factory Factory, opts ...Option) *Registry {
	r := &Registry{
		factory: factory,
		log:     logging.Nop(),
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.Named("registry")
	return r
}

func (r *Registry) entry(key string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		e = &entry{}
		r.entries[key] = e
	}
	return e
}

// Get returns the session for key, creating and connecting it on first use
// and reconnecting it if it broke.
func (r *Registry) Get(ctx context.Context, key string) (session.Session, error) {
	e := r.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	return r.ensure(ctx, key, e)
}

// ensure must be called with e.mu held.
func (r *Registry) ensure(ctx context.Context, key string, e *entry) (session.Session, error) {
	if e.sess == nil {
		s, err := r.factory(key)
		if err != nil {
			return nil, serrors.WithOp(err, "registry get")
		}
		e.sess = s
		r.log.Debugw("session created", "host", key, "id", s.ID())
	}

	switch e.sess.State() {
	case session.StateDisconnected:
		if err := e.sess.Connect(ctx, r.connect); err != nil {
			return nil, err
		}
	case session.StateBroken:
		r.log.Infow("reconnecting broken session", "host", key)
		if err := e.sess.Reconnect(ctx); err != nil {
			return nil, err
		}
	}
	return e.sess, nil
}

// With runs fn with the session for key while holding that host's entry,
// so concurrent With calls on one host take turns. fn must not call Get or
// With for the same key.
func (r *Registry) With(ctx context.Context, key string, fn func(session.Session) error) error {
	e := r.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := r.ensure(ctx, key, e)
	if err != nil {
		return err
	}
	return fn(s)
}

// GetActive returns the session of the active controller.
func (r *Registry) GetActive(ctx context.Context) (session.Session, error) {
	a, err := r.activeRef(ctx)
	if err != nil {
		return nil, err
	}
	return a.sess, nil
}

// ActiveKey returns the host key of the active controller, resolving it
// the way GetActive does.
func (r *Registry) ActiveKey(ctx context.Context) (string, error) {
	a, err := r.activeRef(ctx)
	if err != nil {
		return "", err
	}
	return a.key, nil
}

// WithActive runs fn with the active controller's session while holding
// its host entry, so it takes turns with With calls on the same host.
func (r *Registry) WithActive(ctx context.Context, fn func(session.Session) error) error {
	key, err := r.ActiveKey(ctx)
	if err != nil {
		return err
	}
	return r.With(ctx, key, fn)
}

func (r *Registry) activeRef(ctx context.Context) (*activeRef, error) {
	r.activeMu.Lock()
	defer r.activeMu.Unlock()

	if a := r.active; a != nil {
		reason := r.stale(a)
		if reason == "" {
			return a, nil
		}
		r.log.Infow("re-resolving active controller", "host", a.key, "reason", reason)
		r.active = nil
	}

	if r.resolve == nil {
		return nil, serrors.New(serrors.ErrConfiguration, "no active controller resolver configured")
	}
	epoch := r.epoch.Load()
	key, err := r.resolve(ctx, r)
	if err != nil {
		return nil, serrors.WithOp(err, "resolve active controller")
	}
	s, err := r.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	r.active = &activeRef{key: key, sess: s, generation: s.Generation(), epoch: epoch}
	r.log.Infow("active controller", "host", key, "generation", s.Generation())
	return r.active, nil
}

func (r *Registry) stale(a *activeRef) string {
	switch {
	case a.epoch != r.epoch.Load():
		return "failover noted"
	case a.sess.Generation() != a.generation:
		return "session reconnected"
	case !a.sess.State().Live():
		return "session " + a.sess.State().String()
	default:
		return ""
	}
}

// SetActive pins sess as the active controller, e.g. right after a
// controlled swact.
func (r *Registry) SetActive(sess session.Session) {
	r.activeMu.Lock()
	defer r.activeMu.Unlock()
	r.active = &activeRef{
		key:        sess.Host(),
		sess:       sess,
		generation: sess.Generation(),
		epoch:      r.epoch.Load(),
	}
	r.log.Infow("active controller set", "host", sess.Host())
}

// NoteFailover invalidates the cached active controller.
func (r *Registry) NoteFailover() {
	n := r.epoch.Add(1)
	r.log.Infow("failover noted", "epoch", n)
}

// Close closes and forgets the session for key.
func (r *Registry) Close(key string) error {
	r.mu.Lock()
	e, ok := r.entries[key]
	delete(r.entries, key)
	r.mu.Unlock()
	if !ok {
		return nil
	}

	r.activeMu.Lock()
	if r.active != nil && r.active.key == key {
		r.active = nil
	}
	r.activeMu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return nil
	}
	return e.sess.Close()
}

// CloseAll closes every session. The registry stays usable.
func (r *Registry) CloseAll() error {
	var errs []error
	for _, key := range r.Keys() {
		if err := r.Close(key); err != nil {
			errs = append(errs, err)
		}
	}
	r.activeMu.Lock()
	r.active = nil
	r.activeMu.Unlock()
	return errors.Join(errs...)
}

// Keys returns the known host keys, sorted.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
