package core

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/GriffinCanCode/tether/internal/ipc/alloc"
	"github.com/GriffinCanCode/tether/internal/ipc/wire"
	"github.com/GriffinCanCode/tether/internal/shared/id"
)

// Thread is one execution context inside a proc: a looper registration and
// an explicit transaction stack for nested synchronous calls.
type Thread struct {
	id   int32
	proc *Proc

	// All guarded by proc.mu.
	looper bool
	exited bool
	waiter *waiter
	stack  []*Transaction
}

// ID returns the thread's per-proc identifier.
func (t *Thread) ID() int32 { return t.id }

// Proc returns the owning proc.
func (t *Thread) Proc() *Proc { return t.proc }

// EnterLooper registers the thread for work delivery. Entering twice is a
// protocol violation.
func (t *Thread) EnterLooper() error {
	p := t.proc
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead || t.exited {
		return ErrDeadObject
	}
	if t.looper {
		return fmt.Errorf("%w: looper already entered", ErrProtocolViolation)
	}
	t.looper = true
	return nil
}

// ExitLooper deregisters and retires the thread. Exiting with an active
// transaction stack or without having entered is a protocol violation.
func (t *Thread) ExitLooper() error {
	p := t.proc
	p.mu.Lock()
	defer p.mu.Unlock()
	if !t.looper {
		return fmt.Errorf("%w: looper not entered", ErrProtocolViolation)
	}
	if len(t.stack) > 0 {
		return fmt.Errorf("%w: exit with %d active transactions", ErrProtocolViolation, len(t.stack))
	}
	t.looper = false
	t.exited = true
	delete(p.threads, t.id)
	return nil
}

// DeliveryKind distinguishes what Recv returned.
type DeliveryKind int

const (
	DeliveryTransaction DeliveryKind = iota
	DeliveryDeath
)

// Delivery is one piece of work handed to a looper, or a reply handed back
// to a synchronous sender.
type Delivery struct {
	Kind DeliveryKind

	// Transactions.
	TxnID      id.TxnID
	Code       uint32
	SenderProc uint64
	Oneway     bool
	Buffer     *alloc.Buffer
	Objects    []wire.ObjectDesc

	// Death notifications.
	Death *wire.DeathEvent

	proc *Proc
	txn  *Transaction

	// Guards buffer reclamation when an abandoning sender races the
	// replier; exactly one side wins.
	reclaimed atomic.Bool
}

// reclaim reports whether the caller owns freeing this delivery's buffer.
func (d *Delivery) reclaim() bool {
	return d.Buffer != nil && d.reclaimed.CompareAndSwap(false, true)
}

// Payload reads the delivered data section in place.
func (d *Delivery) Payload() ([]byte, error) {
	if d.Buffer == nil {
		return nil, nil
	}
	return d.proc.alloc.CopyOut(d.Buffer, 0, d.Buffer.DataSize)
}

// Recv blocks until work is available, either handed off directly or taken
// from the proc's shared queue. It fails with ErrDeadObject when the proc dies and
// with the context's error when the caller stops waiting.
func (t *Thread) Recv(ctx context.Context) (*Delivery, error) {
	p := t.proc
	p.mu.Lock()
	if p.dead || t.exited {
		p.mu.Unlock()
		return nil, ErrDeadObject
	}
	if !t.looper {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: recv outside looper", ErrProtocolViolation)
	}
	if w := t.popWorkLocked(); w != nil {
		d := t.acceptLocked(w)
		p.mu.Unlock()
		return d, nil
	}
	wt := &waiter{ch: make(chan *work, 1), thread: t}
	t.waiter = wt
	wt.elem = p.waiters.PushBack(wt)
	p.mu.Unlock()

	select {
	case w := <-wt.ch:
		p.mu.Lock()
		d := t.acceptLocked(w)
		p.mu.Unlock()
		return d, nil
	case <-p.deadCh:
		if w, ok := t.cancelWait(wt); ok {
			return w, nil
		}
		return nil, ErrDeadObject
	case <-ctx.Done():
		if w, ok := t.cancelWait(wt); ok {
			return w, nil
		}
		return nil, ctx.Err()
	}
}

// cancelWait removes the waiter, winning or losing the race against a
// concurrent handoff. A handoff that already landed is delivered anyway so
// no work is ever dropped.
func (t *Thread) cancelWait(wt *waiter) (*Delivery, bool) {
	p := t.proc
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case w := <-wt.ch:
		return t.acceptLocked(w), true
	default:
	}
	if t.waiter == wt {
		t.waiter = nil
	}
	if wt.elem != nil {
		p.waiters.Remove(wt.elem)
		wt.elem = nil
	}
	return nil, false
}

// popWorkLocked takes the next item off the proc's shared queue.
// Caller holds proc.mu.
func (t *Thread) popWorkLocked() *work {
	if e := t.proc.todo.Front(); e != nil {
		t.proc.todo.Remove(e)
		return e.Value.(*work)
	}
	return nil
}

// acceptLocked turns dequeued work into a delivery. Synchronous requests are
// pushed onto the thread's transaction stack; the eventual Reply pops them.
// Caller holds proc.mu.
func (t *Thread) acceptLocked(w *work) *Delivery {
	if w.death != nil {
		return &Delivery{Kind: DeliveryDeath, Death: w.death, proc: t.proc}
	}
	txn := w.txn
	txn.setState(TxnActive)
	if !txn.oneway {
		t.stack = append(t.stack, txn)
	}
	return &Delivery{
		Kind:       DeliveryTransaction,
		TxnID:      txn.ID,
		Code:       txn.Code,
		SenderProc: txn.fromProc.ID,
		Oneway:     txn.oneway,
		Buffer:     txn.buffer,
		Objects:    txn.objects,
		proc:       t.proc,
		txn:        txn,
	}
}

// Reply completes the synchronous transaction on top of the thread's stack.
// The reply payload lands in the original sender's allocator and is handed
// straight to the blocked sender; replies never traverse shared queues.
func (t *Thread) Reply(data []byte, objects []wire.ObjectDesc) error {
	return t.finishReply(data, objects, nil)
}

// ReplyError fails the transaction on top of the stack back to its sender.
func (t *Thread) ReplyError(cause error) error {
	return t.finishReply(nil, nil, cause)
}

func (t *Thread) finishReply(data []byte, objects []wire.ObjectDesc, cause error) error {
	p := t.proc
	p.mu.Lock()
	if len(t.stack) == 0 {
		p.mu.Unlock()
		return fmt.Errorf("%w: reply with empty transaction stack", ErrProtocolViolation)
	}
	txn := t.stack[len(t.stack)-1]
	if txn.target != p {
		p.mu.Unlock()
		return fmt.Errorf("%w: stack top is an outbound transaction", ErrProtocolViolation)
	}
	t.stack = t.stack[:len(t.stack)-1]
	p.mu.Unlock()

	p.untrackInbound(txn)

	if cause != nil {
		txn.complete(nil, cause)
		return nil
	}
	return p.reg.deliverReply(t, txn, data, objects)
}
