package streamql

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/streamql/streamql/driver"
	"github.com/streamql/streamql/errs"
)

// pooledConn is one live registry entry: a connected driver.Conn plus the
// config it was built from.
type pooledConn struct {
	key  string
	cfg  *Config
	conn driver.Conn
}

// reg is the process-wide pool registry. At most one live entry exists per
// canonical config key; the dial happens outside the lock, so concurrent
// first acquisitions are resolved by re-checking after Connect returns.
var reg = struct {
	mu    sync.Mutex
	conns map[string]*pooledConn
}{conns: make(map[string]*pooledConn)}

// acquire returns the pooled connection for cfg, dialing it on first use.
func acquire(ctx context.Context, cfg *Config) (*pooledConn, error) {
	key := cfg.canonicalKey()

	reg.mu.Lock()
	if p, ok := reg.conns[key]; ok {
		reg.mu.Unlock()
		return p, nil
	}
	reg.mu.Unlock()

	drv, ok := lookupDriver(cfg.Driver)
	if !ok {
		return nil, errs.New(errs.ErrKindConnectionFailed,
			fmt.Sprintf("no driver registered under %q", cfg.Driver))
	}

	conn := drv.Open(cfg.connInfo())
	p := &pooledConn{key: key, cfg: cfg, conn: conn}
	conn.OnFatal(func(err error) {
		evict(p)
		getLog().With().Err(err).Str("server", cfg.Server).Str("database", cfg.Database).
			Logger().Error("pooled connection failed, entry evicted")
	})

	if err := conn.Connect(ctx); err != nil {
		conn.Close(ctx)
		return nil, errs.Wrap(errs.ErrKindConnectionFailed,
			fmt.Sprintf("cannot connect to %s/%s", cfg.Server, cfg.Database), err)
	}

	// Connect blocked; another caller may have installed an entry for this
	// key in the meantime. The loser closes its redundant connection and
	// uses the winner. Wasted work, not corruption.
	reg.mu.Lock()
	if winner, ok := reg.conns[key]; ok {
		reg.mu.Unlock()
		conn.Close(ctx)
		return winner, nil
	}
	reg.conns[key] = p
	reg.mu.Unlock()

	getLog().With().Str("server", cfg.Server).Str("database", cfg.Database).
		Logger().Debug("pooled connection established")
	return p, nil
}

// evict removes p from the registry and closes it. In-flight queries on the
// connection fail on their own; no retry happens here.
func evict(p *pooledConn) {
	reg.mu.Lock()
	cur, ok := reg.conns[p.key]
	if ok && cur == p {
		delete(reg.conns, p.key)
	}
	reg.mu.Unlock()
	if ok && cur == p {
		p.conn.Close(context.Background())
	}
}

// ShutdownAll closes every registered pooled connection concurrently and
// waits for all of them to finish. Call it once before process exit; safe
// to call with an empty registry.
func ShutdownAll(ctx context.Context) error {
	if err := ensureInit(); err != nil {
		return err
	}

	reg.mu.Lock()
	drained := make([]*pooledConn, 0, len(reg.conns))
	for _, p := range reg.conns {
		drained = append(drained, p)
	}
	reg.conns = make(map[string]*pooledConn)
	reg.mu.Unlock()

	var wg sync.WaitGroup
	errc := make(chan error, len(drained))
	for _, p := range drained {
		wg.Add(1)
		go func(p *pooledConn) {
			defer wg.Done()
			if err := p.conn.Close(ctx); err != nil {
				errc <- err
			}
		}(p)
	}
	wg.Wait()
	close(errc)

	var all []error
	for err := range errc {
		all = append(all, err)
	}
	if len(all) > 0 {
		return errs.Wrap(errs.ErrKindConnectionFailed, "shutdown incomplete", errors.Join(all...))
	}
	getLog().Info("all pooled connections closed")
	return nil
}
