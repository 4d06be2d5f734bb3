// Package resources provides dependency factories for the external
// resources processors commonly need: SQL databases and redis clients.
//
// A Registry opens each named resource once for the lifetime of the process
// and hands the same handle to every invocation that asks for it:
//
//	reg := resources.New(
//	    resources.WithSQL("accounts", "file:accounts.db"),
//	    resources.WithRedis("sessions", &redis.Options{Addr: "localhost:6379"}),
//	)
//	defer reg.Close()
//
//	if err := reg.Register(p); err != nil {
//	    return err
//	}
//	p.MustRegister(filter, handler, eventproc.Deps(eventproc.FactoryDep(resources.FactorySQL, "accounts")))
package resources

import (
	"context"
	"database/sql"
	stderrors "errors"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/bjaus/eventproc"
)

// Factory names under which Register installs the registry's factories.
const (
	FactorySQL   = "sql"
	FactoryRedis = "redis"
)

// ErrClosed is returned for resources requested after Close.
var ErrClosed = errors.New("resource registry closed")

// Option configures a Registry.
type Option func(*Registry)

// WithSQL makes the sqlite database at dsn available under name.
func WithSQL(name, dsn string) Option {
	return func(r *Registry) {
		r.dsns[name] = dsn
	}
}

// WithRedis makes a redis client with opts available under name.
func WithRedis(name string, opts *redis.Options) Option {
	return func(r *Registry) {
		r.redisOpts[name] = opts
	}
}

// WithLogger sets the registry's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// Registry opens named resources on first use and memoizes them until
// Close. It is safe for concurrent use.
type Registry struct {
	dsns      map[string]string
	redisOpts map[string]*redis.Options
	logger    *zap.Logger

	mu      sync.RWMutex
	dbs     map[string]*sql.DB
	clients map[string]*redis.Client
	closed  bool
	group   singleflight.Group
}

// New creates a Registry. Nothing is opened until a factory asks for it.
func New(opts ...Option) *Registry {
	r := &Registry{
		dsns:      make(map[string]string),
		redisOpts: make(map[string]*redis.Options),
		logger:    zap.NewNop(),
		dbs:       make(map[string]*sql.DB),
		clients:   make(map[string]*redis.Client),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register installs SQL and Redis on p under FactorySQL and FactoryRedis.
func (r *Registry) Register(p *eventproc.Processor) error {
	if err := p.RegisterFactory(FactorySQL, r.SQL); err != nil {
		return err
	}
	return p.RegisterFactory(FactoryRedis, r.Redis)
}

// SQL is an eventproc.Factory returning the *sql.DB configured under name.
// Unknown names fail with eventproc.ErrUnsupportedResource.
func (r *Registry) SQL(ctx context.Context, name string) (any, error) {
	db, err := r.DB(ctx, name)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// DB opens, or returns the already open, database configured under name.
// Concurrent first calls share one open.
func (r *Registry) DB(ctx context.Context, name string) (*sql.DB, error) {
	dsn, ok := r.dsns[name]
	if !ok {
		return nil, errors.Wrapf(eventproc.ErrUnsupportedResource, "sql database %q", name)
	}

	db, ok, err := r.cachedDB(name)
	if err != nil {
		return nil, err
	}
	if ok {
		return db, nil
	}

	v, err, _ := r.group.Do("sql/"+name, func() (any, error) {
		db, ok, err := r.cachedDB(name)
		if err != nil {
			return nil, err
		}
		if ok {
			return db, nil
		}

		// Every waiter shares this open; it outlives the first caller's ctx.
		db, err = openSQL(context.WithoutCancel(ctx), dsn)
		if err != nil {
			return nil, errors.Wrapf(err, "open sql database %q", name)
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			_ = db.Close()
			return nil, ErrClosed
		}
		r.dbs[name] = db
		r.logger.Info("opened sql database", zap.String("name", name))
		return db, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*sql.DB), nil
}

// Redis is an eventproc.Factory returning the *redis.Client configured
// under name. Clients connect lazily on their first command.
func (r *Registry) Redis(_ context.Context, name string) (any, error) {
	opts, ok := r.redisOpts[name]
	if !ok {
		return nil, errors.Wrapf(eventproc.ErrUnsupportedResource, "redis client %q", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if c, ok := r.clients[name]; ok {
		return c, nil
	}
	c := redis.NewClient(opts)
	r.clients[name] = c
	r.logger.Info("created redis client", zap.String("name", name), zap.String("addr", opts.Addr))
	return c, nil
}

// Close closes every opened resource. Factories fail with ErrClosed
// afterwards.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	for name, db := range r.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, errors.Wrapf(err, "close sql database %q", name))
		}
	}
	for name, c := range r.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, errors.Wrapf(err, "close redis client %q", name))
		}
	}
	return stderrors.Join(errs...)
}

func (r *Registry) cachedDB(name string) (*sql.DB, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, false, ErrClosed
	}
	db, ok := r.dbs[name]
	return db, ok, nil
}

func openSQL(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// Every connection to :memory: is a distinct database.
	if strings.Contains(dsn, ":memory:") {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
