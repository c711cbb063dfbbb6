// Package dispatch runs named operations against many fleet hosts in
// parallel and collects per-host results. A batch either succeeds for every
// host or fails as a whole: the first error cancels the remaining hosts and
// no partial result map escapes.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/cmx-Y/firesim/remote"
)

// ErrHostUnreachable marks a failed liveness probe. The whole batch aborts
// before any mutating operation touches any host.
var ErrHostUnreachable = errors.New("host unreachable")

// DefaultPoolSize bounds the number of in-flight host operations.
const DefaultPoolSize = 100

// Dispatcher owns the worker pool used for every fan-out and the executor
// that carries commands to hosts.
type Dispatcher struct {
	pool *ants.Pool
	exec remote.Executor
}

func NewDispatcher(exec remote.Executor, poolSize int) (*Dispatcher, error) {
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, fmt.Errorf("creating dispatch pool: %w", err)
	}
	return &Dispatcher{pool: pool, exec: exec}, nil
}

// Executor exposes the injected remote-execution primitive.
func (d *Dispatcher) Executor() remote.Executor { return d.exec }

func (d *Dispatcher) Close() {
	d.pool.Release()
}

// RunOnHosts runs fn once per host on the dispatcher's pool and returns the
// per-host results. The first failure cancels the batch context and is
// returned; in that case the result map is nil.
func RunOnHosts[T any](ctx context.Context, d *Dispatcher, name string, hosts []string,
	fn func(ctx context.Context, host string) (T, error)) (map[string]T, error) {

	log.Infof("dispatch: %s on %d hosts", name, len(hosts))

	g, ctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	results := make(map[string]T, len(hosts))

	for _, h := range hosts {
		h := h
		g.Go(func() error {
			done := make(chan struct{})
			var res T
			var err error
			if perr := d.pool.Submit(func() {
				defer close(done)
				res, err = fn(ctx, h)
			}); perr != nil {
				return fmt.Errorf("submitting %s for host %s: %w", name, h, perr)
			}
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
			if err != nil {
				return fmt.Errorf("%s on host %s: %w", name, h, err)
			}
			mu.Lock()
			results[h] = res
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Errorf("dispatch: %s failed: %v", name, err)
		return nil, err
	}
	return results, nil
}

// Liveness confirms every host answers a trivial command before any real
// work is attempted, so a partially-reachable fleet fails the batch early.
func (d *Dispatcher) Liveness(ctx context.Context, hosts []string) error {
	_, err := RunOnHosts(ctx, d, "liveness", hosts, func(ctx context.Context, host string) (string, error) {
		out, rerr := d.exec.Run(ctx, host, "uname -a")
		if rerr != nil {
			return "", fmt.Errorf("%w: %v", ErrHostUnreachable, rerr)
		}
		return out.Stdout, nil
	})
	return err
}
