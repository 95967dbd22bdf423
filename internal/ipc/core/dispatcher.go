package core

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/tether/internal/ipc/wire"
)

// TxnHandler services one delivered transaction and produces the reply
// payload. For oneway deliveries the return values are ignored.
type TxnHandler func(ctx context.Context, d *Delivery) ([]byte, []wire.ObjectDesc, error)

// DeathHandler consumes asynchronous death notifications.
type DeathHandler func(ev *wire.DeathEvent)

// Dispatcher runs a proc's looper pool: a fixed set of registered loopers
// plus dynamically spawned ones when queued work finds every looper busy,
// up to the proc's max-threads budget.
type Dispatcher struct {
	proc    *Proc
	handle  TxnHandler
	onDeath DeathHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher wires a handler to a proc. The death handler may be nil.
func NewDispatcher(p *Proc, handle TxnHandler, onDeath DeathHandler) *Dispatcher {
	return &Dispatcher{proc: p, handle: handle, onDeath: onDeath}
}

// Start launches the initial looper pool and registers the spawn hook for
// dynamic growth.
func (d *Dispatcher) Start(ctx context.Context, loopers int) error {
	if loopers < 1 {
		loopers = 1
	}
	d.ctx, d.cancel = context.WithCancel(ctx)

	d.proc.mu.Lock()
	d.proc.onSpawn = d.spawn
	d.proc.mu.Unlock()

	for i := 0; i < loopers; i++ {
		if err := d.startLooper(); err != nil {
			return err
		}
	}
	return nil
}

// spawn is invoked by the proc when queued work found no idle looper.
func (d *Dispatcher) spawn() {
	if err := d.startLooper(); err != nil {
		d.proc.log.Warn("dynamic looper spawn failed", zap.Error(err))
		return
	}
	d.proc.spawnDone()
}

func (d *Dispatcher) startLooper() error {
	t, err := d.proc.NewThread()
	if err != nil {
		return err
	}
	if err := t.EnterLooper(); err != nil {
		return err
	}
	d.wg.Add(1)
	go d.loop(t)
	return nil
}

func (d *Dispatcher) loop(t *Thread) {
	defer d.wg.Done()
	for {
		del, err := t.Recv(d.ctx)
		if err != nil {
			if !errors.Is(err, ErrDeadObject) && !errors.Is(err, context.Canceled) {
				d.proc.log.Warn("looper receive failed", zap.Error(err))
			}
			return
		}
		switch del.Kind {
		case DeliveryDeath:
			if d.onDeath != nil {
				d.onDeath(del.Death)
			}
		case DeliveryTransaction:
			d.serve(t, del)
		}
	}
}

// serve runs the handler, frees the request payload, and completes the
// protocol for the delivery's flavor: FreeBuffer is the completion point
// for oneway work, Reply for synchronous work.
func (d *Dispatcher) serve(t *Thread, del *Delivery) {
	data, objects, err := d.handle(d.ctx, del)

	if del.Oneway {
		if ferr := d.proc.FreeBuffer(del.Buffer.Offset); ferr != nil {
			d.proc.log.Warn("oneway buffer free failed", zap.Error(ferr))
		}
		return
	}

	d.proc.FreeBuffer(del.Buffer.Offset)
	if err != nil {
		t.ReplyError(err)
		return
	}
	if rerr := t.Reply(data, objects); rerr != nil {
		d.proc.log.Warn("reply failed", zap.Error(rerr))
	}
}

// Stop cancels the loopers and waits for them to drain.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}
