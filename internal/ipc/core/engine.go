package core

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/tether/internal/ipc/alloc"
	"github.com/GriffinCanCode/tether/internal/ipc/wire"
	"github.com/GriffinCanCode/tether/internal/shared/id"
)

// Transact submits one transaction from this thread. Synchronous requests
// block until exactly one reply or failure arrives; the returned delivery
// holds the reply payload in the caller proc's allocator and must be freed
// with FreeBuffer. Oneway requests return as soon as the payload is queued;
// oneway order per target node is the submission order.
func (t *Thread) Transact(ctx context.Context, req *wire.TxnRequest) (*Delivery, error) {
	r := t.proc.reg
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	r.mu.Lock()
	ref, err := t.proc.table.resolve(req.Handle)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	node := ref.node
	target := node.owner
	if node.dead {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: node %v", ErrDeadObject, node.key)
	}
	r.mu.Unlock()

	txn := &Transaction{
		ID:         id.NewTxnID(),
		Code:       req.Code,
		fromProc:   t.proc,
		fromThread: t,
		target:     target,
		node:       node,
		oneway:     req.Oneway,
	}
	if !req.Oneway {
		txn.result = make(chan txnResult, 1)
	}

	buf, err := r.allocatePayload(ctx, target, req, txn)
	if err != nil {
		return nil, err
	}
	txn.buffer = buf

	objects, undo, err := r.translate(t.proc, target, req.Objects)
	if err != nil {
		target.alloc.Free(buf.Offset)
		return nil, err
	}
	txn.objects = objects

	if req.Oneway {
		if err := r.queueAsync(txn); err != nil {
			undo()
			target.alloc.Free(buf.Offset)
			return nil, err
		}
		if r.metrics != nil {
			r.metrics.TxnSubmitted(true, len(req.Data))
		}
		return nil, nil
	}
	return t.transactSync(ctx, txn, undo, len(req.Data))
}

// allocatePayload reserves buffer space in the target and copies the data
// and offsets sections across. Synchronous requests wait (bounded by ctx)
// for space; oneway requests fail fast so senders never block.
func (r *Registry) allocatePayload(ctx context.Context, target *Proc, req *wire.TxnRequest, txn *Transaction) (*alloc.Buffer, error) {
	offsets := req.OffsetsBytes()
	var buf *alloc.Buffer
	var err error
	if req.Oneway {
		buf, err = target.alloc.Allocate(len(req.Data), len(offsets), 0, true)
	} else {
		buf, err = target.alloc.AllocateWait(ctx, len(req.Data), len(offsets), 0, false)
	}
	if err != nil {
		switch {
		case errors.Is(err, alloc.ErrTornDown), errors.Is(err, alloc.ErrNotReserved):
			return nil, fmt.Errorf("%w: target %q gone", ErrDeadObject, target.Name)
		case errors.Is(err, alloc.ErrOutOfBuffers):
			return nil, fmt.Errorf("%w: %v", ErrOutOfBuffers, err)
		default:
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
	}
	if err := target.alloc.CopyIn(buf, 0, req.Data); err != nil {
		target.alloc.Free(buf.Offset)
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if len(offsets) > 0 {
		if err := target.alloc.CopyIn(buf, alloc.Align(len(req.Data)), offsets); err != nil {
			target.alloc.Free(buf.Offset)
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
	}
	r.log.Debug("payload staged",
		zap.String("txn", txn.ID.String()),
		zap.Uint64("target", target.ID),
		zap.Int("data", len(req.Data)),
		zap.Bool("oneway", req.Oneway))
	return buf, nil
}

// queueAsync enqueues a oneway transaction with per-node serialization:
// while the node has one in flight, successors park on the node and are
// promoted one at a time by FreeBuffer.
func (r *Registry) queueAsync(txn *Transaction) error {
	node := txn.node
	r.mu.Lock()
	if node.dead || txn.target.Dead() {
		r.mu.Unlock()
		return fmt.Errorf("%w: node %v", ErrDeadObject, node.key)
	}
	txn.target.trackBuffer(txn.buffer, txn)
	if node.hasAsync {
		node.asyncPending = append(node.asyncPending, txn)
		txn.setState(TxnSubmitted)
		r.mu.Unlock()
		return nil
	}
	node.hasAsync = true
	r.mu.Unlock()

	txn.setState(TxnQueued)
	if !txn.target.enqueue(&work{txn: txn}) {
		return fmt.Errorf("%w: target %q closed", ErrDeadObject, txn.target.Name)
	}
	return nil
}

// transactSync queues a synchronous request and blocks the sender until its
// reply or failure. Delivery prefers a parked target thread already on this
// sender's call chain; otherwise the work goes to the shared queue, where
// dynamic looper spawn keeps reentrant calls from starving.
func (t *Thread) transactSync(ctx context.Context, txn *Transaction, undo func(), dataLen int) (*Delivery, error) {
	target := txn.target
	p := t.proc

	if !target.trackInbound(txn) {
		undo()
		return nil, fmt.Errorf("%w: target %q closed", ErrDeadObject, target.Name)
	}
	target.trackBuffer(txn.buffer, txn)

	p.mu.Lock()
	t.stack = append(t.stack, txn)
	nested := t.nestedTargetLocked(target)
	p.mu.Unlock()

	txn.setState(TxnQueued)
	queued := false
	if nested != nil {
		queued = target.enqueueThread(nested, &work{txn: txn})
	}
	if !queued && !target.enqueue(&work{txn: txn}) {
		t.popStack(txn)
		target.untrackInbound(txn)
		undo()
		return nil, fmt.Errorf("%w: target %q closed", ErrDeadObject, target.Name)
	}
	if r := p.reg; r.metrics != nil {
		r.metrics.TxnSubmitted(false, dataLen)
	}

	select {
	case res := <-txn.result:
		t.popStack(txn)
		if res.err != nil {
			if p.reg.metrics != nil {
				p.reg.metrics.TxnFailed()
			}
			return nil, res.err
		}
		if p.reg.metrics != nil {
			p.reg.metrics.TxnReplied()
		}
		return res.reply, nil
	case <-p.deadCh:
		txn.abandoned.Store(true)
		t.popStack(txn)
		t.drainAbandoned(txn)
		return nil, fmt.Errorf("%w: own proc closed", ErrDeadObject)
	case <-ctx.Done():
		// No mid-flight cancellation: the call is simply orphaned and the
		// eventual reply discarded.
		txn.abandoned.Store(true)
		t.popStack(txn)
		t.drainAbandoned(txn)
		return nil, ctx.Err()
	}
}

// drainAbandoned frees a reply that raced with the sender giving up.
func (t *Thread) drainAbandoned(txn *Transaction) {
	select {
	case res := <-txn.result:
		if res.reply != nil && res.reply.reclaim() {
			t.proc.FreeBuffer(res.reply.Buffer.Offset)
		}
	default:
	}
}

// nestedTargetLocked walks this thread's transaction stack top-down looking
// for a request sent by the target proc; its sender thread is blocked on
// this call chain and is the right place to deliver reentrant work.
// Caller holds t.proc.mu.
func (t *Thread) nestedTargetLocked(target *Proc) *Thread {
	for i := len(t.stack) - 1; i >= 0; i-- {
		txn := t.stack[i]
		if txn.target == t.proc && txn.fromProc == target {
			return txn.fromThread
		}
	}
	return nil
}

// popStack removes a specific transaction from the thread's stack.
func (t *Thread) popStack(txn *Transaction) {
	p := t.proc
	p.mu.Lock()
	for i := len(t.stack) - 1; i >= 0; i-- {
		if t.stack[i] == txn {
			t.stack = append(t.stack[:i], t.stack[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
}

// deliverReply stages a reply payload in the original sender's allocator,
// translates its embedded objects into the sender's namespace, and hands it
// to the blocked sender.
func (r *Registry) deliverReply(from *Thread, txn *Transaction, data []byte, objects []wire.ObjectDesc) error {
	sender := txn.fromProc

	req := &wire.TxnRequest{Data: data, Objects: objects}
	if err := req.Validate(); err != nil {
		txn.complete(nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err))
		return nil
	}

	reply := &Transaction{
		ID:         id.NewTxnID(),
		fromProc:   from.proc,
		fromThread: from,
		target:     sender,
		isReply:    true,
		replyTo:    txn,
	}

	buf, err := r.allocatePayload(context.Background(), sender, req, reply)
	if err != nil {
		txn.complete(nil, err)
		return nil
	}
	reply.buffer = buf

	translated, undo, err := r.translate(from.proc, sender, objects)
	if err != nil {
		sender.alloc.Free(buf.Offset)
		txn.complete(nil, err)
		return nil
	}
	reply.objects = translated

	sender.trackBuffer(buf, reply)
	delivery := &Delivery{
		Kind:       DeliveryTransaction,
		TxnID:      reply.ID,
		Code:       txn.Code,
		SenderProc: from.proc.ID,
		Buffer:     buf,
		Objects:    translated,
		proc:       sender,
		txn:        reply,
	}
	if !txn.complete(delivery, nil) {
		// Sender stopped waiting; reclaim the staged reply.
		undo()
		if delivery.reclaim() {
			sender.FreeBuffer(buf.Offset)
		}
		return nil
	}
	if txn.abandoned.Load() && delivery.reclaim() {
		// The abandon may have raced the send; whoever wins the flag frees.
		sender.FreeBuffer(buf.Offset)
	}
	return nil
}
