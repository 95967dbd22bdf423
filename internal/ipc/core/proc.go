package core

import (
	"container/list"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/tether/internal/ipc/alloc"
	"github.com/GriffinCanCode/tether/internal/ipc/wire"
	"github.com/GriffinCanCode/tether/internal/logging"
)

// File models a transferable file descriptor target. Dup-ing a descriptor
// into another proc installs a new fd naming the same File.
type File struct {
	ID   uint64
	Name string

	mu   sync.Mutex
	refs int
}

func (f *File) incRef() {
	f.mu.Lock()
	f.refs++
	f.mu.Unlock()
}

func (f *File) decRef() {
	f.mu.Lock()
	f.refs--
	if f.refs < 0 {
		panic("core: negative file refcount")
	}
	f.mu.Unlock()
}

// Refs returns the number of fds across all procs naming this file.
func (f *File) Refs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refs
}

// work is one item on a proc or thread queue.
type work struct {
	txn   *Transaction
	death *wire.DeathEvent
}

// waiter is one thread parked in Recv awaiting work.
type waiter struct {
	ch     chan *work
	thread *Thread
	elem   *list.Element // position in proc.waiters, nil once removed
}

// Proc is one isolated participant: its own allocator, reference table,
// thread pool, shared work queue, and fd table.
type Proc struct {
	ID   uint64
	Name string

	reg   *Registry
	alloc *alloc.Allocator
	log   *logging.Logger

	// Guarded by reg.mu: reference table and owned nodes.
	table *Table
	nodes map[*Node]struct{}

	mu         sync.Mutex // inner lock
	threads    map[int32]*Thread
	nextThread int32
	todo       *list.List // *work, shared queue
	waiters    *list.List // *waiter, idle loopers FIFO

	maxThreads   int
	dynStarted   int
	spawnPending bool
	onSpawn      func()

	inbound map[*Transaction]struct{} // sync requests not yet replied
	buffers map[int]*Transaction      // buffer offset -> transaction

	fds    map[int32]*File
	nextFD int32

	dead   bool
	deadCh chan struct{}
}

// Alloc exposes the proc's buffer allocator; the self-test harness and the
// front-end drive it directly through this.
func (p *Proc) Alloc() *alloc.Allocator { return p.alloc }

// Dead reports whether the proc has been closed.
func (p *Proc) Dead() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dead
}

// SetMaxThreads bounds the dynamic looper budget.
func (p *Proc) SetMaxThreads(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n < 0 {
		n = 0
	}
	p.maxThreads = n
}

// NewThread creates an execution context. The thread must enter the looper
// pool before it can receive work.
func (p *Proc) NewThread() (*Thread, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead {
		return nil, ErrDeadObject
	}
	t := &Thread{
		id:   p.nextThread,
		proc: p,
	}
	p.nextThread++
	p.threads[t.id] = t
	return t, nil
}

// OpenFD installs a fresh file in the proc's fd table; tests and the
// front-end use it to seed descriptors for translation.
func (p *Proc) OpenFD(f *File) int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.installFDLocked(f)
}

func (p *Proc) installFDLocked(f *File) int32 {
	fd := p.nextFD
	p.nextFD++
	p.fds[fd] = f
	f.incRef()
	return fd
}

// FDFile returns the file behind a descriptor.
func (p *Proc) FDFile(fd int32) (*File, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.fds[fd]
	return f, ok
}

// enqueueThread hands work to a specific thread if it is parked in Recv.
// Reports false when the thread is gone or busy; a thread blocked inside
// Transact cannot service work, so the caller must fall back to the shared
// queue rather than strand anything on a private queue.
func (p *Proc) enqueueThread(t *Thread, w *work) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead || t.exited || t.waiter == nil {
		return false
	}
	wt := t.waiter
	t.waiter = nil
	if wt.elem != nil {
		p.waiters.Remove(wt.elem)
		wt.elem = nil
	}
	wt.ch <- w
	return true
}

// enqueue delivers work to an idle looper if one is parked, else onto the
// shared queue, spawning a dynamic looper when the budget allows.
func (p *Proc) enqueue(w *work) bool {
	p.mu.Lock()
	if p.dead {
		p.mu.Unlock()
		return false
	}
	if front := p.waiters.Front(); front != nil {
		wt := front.Value.(*waiter)
		p.waiters.Remove(front)
		wt.elem = nil
		wt.thread.waiter = nil
		// The send must happen under the lock: cancelWait drains the channel
		// under the same lock before abandoning the waiter, so a handoff
		// that lands here is always picked up. The channel has capacity one
		// and a detached waiter is offered at most one item, so the send
		// cannot block.
		wt.ch <- w
		p.mu.Unlock()
		return true
	}
	p.todo.PushBack(w)
	spawn := p.maybeSpawnLocked()
	p.mu.Unlock()
	if spawn != nil {
		go spawn()
	}
	return true
}

// maybeSpawnLocked returns the spawn hook when queued work found no idle
// looper and the dynamic budget is not exhausted. Caller holds p.mu.
func (p *Proc) maybeSpawnLocked() func() {
	if p.onSpawn == nil || p.spawnPending || p.dynStarted >= p.maxThreads {
		return nil
	}
	p.spawnPending = true
	return p.onSpawn
}

// spawnDone acknowledges a spawn request; called by the dispatcher once the
// new looper is running.
func (p *Proc) spawnDone() {
	p.mu.Lock()
	p.spawnPending = false
	p.dynStarted++
	p.mu.Unlock()
}

// trackInbound records a sync request addressed to this proc so teardown can
// fail it. Reports false if the proc is already dead.
func (p *Proc) trackInbound(txn *Transaction) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead {
		return false
	}
	p.inbound[txn] = struct{}{}
	return true
}

func (p *Proc) untrackInbound(txn *Transaction) {
	p.mu.Lock()
	delete(p.inbound, txn)
	p.mu.Unlock()
}

// trackBuffer associates an allocated buffer with its transaction for
// FreeBuffer bookkeeping.
func (p *Proc) trackBuffer(b *alloc.Buffer, txn *Transaction) {
	p.mu.Lock()
	p.buffers[b.Offset] = txn
	p.mu.Unlock()
}

// FreeBuffer releases a delivered payload buffer. For oneway transactions
// this is also the completion point that unparks the node's next pending
// oneway, preserving per-node submission order.
func (p *Proc) FreeBuffer(offset int) error {
	p.mu.Lock()
	txn := p.buffers[offset]
	delete(p.buffers, offset)
	p.mu.Unlock()

	if err := p.alloc.Free(offset); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	if txn == nil {
		return nil
	}
	if txn.oneway || txn.isReply {
		txn.setState(TxnCompleted)
	}
	if txn.oneway && txn.node != nil {
		p.reg.promoteAsync(txn.node)
	}
	return nil
}

// Stats is a point-in-time view of one proc.
type ProcStats struct {
	ID          uint64      `json:"id"`
	Name        string      `json:"name"`
	Threads     int         `json:"threads"`
	QueuedWork  int         `json:"queued_work"`
	IdleLoopers int         `json:"idle_loopers"`
	Inbound     int         `json:"inbound"`
	MaxThreads  int         `json:"max_threads"`
	Dead        bool        `json:"dead"`
	Alloc       alloc.Stats `json:"alloc"`
}

// Stats snapshots the proc's state.
func (p *Proc) Stats() ProcStats {
	p.mu.Lock()
	st := ProcStats{
		ID:          p.ID,
		Name:        p.Name,
		Threads:     len(p.threads),
		QueuedWork:  p.todo.Len(),
		IdleLoopers: p.waiters.Len(),
		Inbound:     len(p.inbound),
		MaxThreads:  p.maxThreads,
		Dead:        p.dead,
	}
	p.mu.Unlock()
	st.Alloc = p.alloc.Stats()
	return st
}

// Close tears the proc down: every queued or active sync request addressed
// here fails over to its sender, owned nodes die and fire death
// notifications, held references are dropped, and the allocator is released.
// Idempotent.
func (p *Proc) Close() error {
	p.mu.Lock()
	if p.dead {
		p.mu.Unlock()
		return nil
	}
	p.dead = true
	close(p.deadCh)

	inbound := make([]*Transaction, 0, len(p.inbound))
	for txn := range p.inbound {
		inbound = append(inbound, txn)
	}
	p.inbound = make(map[*Transaction]struct{})
	p.todo.Init()
	for _, t := range p.threads {
		t.exited = true
	}
	p.threads = make(map[int32]*Thread)
	for fd, f := range p.fds {
		f.decRef()
		delete(p.fds, fd)
	}
	p.mu.Unlock()

	// Orphaned senders get a failure, never silence. Marking the
	// transaction abandoned first makes a racing handler reply reclaim its
	// staged buffer instead of delivering.
	for _, txn := range inbound {
		txn.abandoned.Store(true)
		txn.complete(nil, fmt.Errorf("%w: proc %q closed", ErrDeadObject, p.Name))
	}

	p.reg.procClosed(p)
	p.alloc.Teardown()
	p.log.Info("proc closed",
		zap.Uint64("proc", p.ID),
		zap.String("name", p.Name),
		zap.Int("orphaned", len(inbound)))
	return nil
}
