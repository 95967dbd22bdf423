package core

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/tether/internal/ipc/alloc"
	"github.com/GriffinCanCode/tether/internal/ipc/wire"
	"github.com/GriffinCanCode/tether/internal/logging"
	"github.com/GriffinCanCode/tether/internal/monitoring"
)

// Config holds the engine tunables applied to every proc.
type Config struct {
	// BufferSize is each proc's reserved buffer range.
	BufferSize int
	// PageSize is the allocator page granularity.
	PageSize int
	// MaxThreads bounds each proc's dynamic looper budget.
	MaxThreads int
}

// DefaultConfig returns production defaults: 1MiB per proc, 4KiB pages,
// 16 dynamic loopers.
func DefaultConfig() Config {
	return Config{
		BufferSize: 1 << 20,
		PageSize:   alloc.DefaultPageSize,
		MaxThreads: 16,
	}
}

// EventType classifies registry events.
type EventType string

const (
	EventProcOpened EventType = "proc_opened"
	EventProcClosed EventType = "proc_closed"
	EventNodeDead   EventType = "node_dead"
)

// Event is one observable lifecycle change, consumed by the event stream.
type Event struct {
	Type EventType `json:"type"`
	Proc uint64    `json:"proc"`
	Name string    `json:"name,omitempty"`
	Time time.Time `json:"time"`
}

// Registry is the process-wide engine state: the proc table, node identity
// map, and service directory. Its mutex is the outer lock of the fixed
// outer -> inner -> allocator ordering.
type Registry struct {
	mu sync.Mutex

	log     *logging.Logger
	cfg     Config
	metrics *monitoring.Metrics

	procs    map[uint64]*Proc
	nodes    map[NodeKey]*Node
	services map[string]*Node
	nextProc uint64
	nextFile uint64

	eventMu  sync.Mutex
	handlers []func(Event)
}

// NewRegistry creates an engine registry. The metrics handle may be nil.
func NewRegistry(log *logging.Logger, cfg Config, metrics *monitoring.Metrics) *Registry {
	if log == nil {
		log = logging.NewDefault()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultConfig().PageSize
	}
	if cfg.MaxThreads <= 0 {
		cfg.MaxThreads = DefaultConfig().MaxThreads
	}
	return &Registry{
		log:      log,
		cfg:      cfg,
		metrics:  metrics,
		procs:    make(map[uint64]*Proc),
		nodes:    make(map[NodeKey]*Node),
		services: make(map[string]*Node),
		nextProc: 1,
		nextFile: 1,
	}
}

// Config returns the registry's tunables.
func (r *Registry) Config() Config { return r.cfg }

// OnEvent registers a lifecycle event handler. Handlers run synchronously
// with no engine lock held.
func (r *Registry) OnEvent(fn func(Event)) {
	r.eventMu.Lock()
	r.handlers = append(r.handlers, fn)
	r.eventMu.Unlock()
}

func (r *Registry) emit(ev Event) {
	ev.Time = time.Now()
	r.eventMu.Lock()
	handlers := make([]func(Event), len(r.handlers))
	copy(handlers, r.handlers)
	r.eventMu.Unlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

// Open creates a proc with its own allocator, reference table, and thread
// pool, and reserves its buffer range.
func (r *Registry) Open(name string) (*Proc, error) {
	p := &Proc{
		Name:       name,
		reg:        r,
		log:        r.log,
		alloc:      alloc.New(r.log, r.cfg.PageSize),
		nodes:      make(map[*Node]struct{}),
		threads:    make(map[int32]*Thread),
		todo:       list.New(),
		waiters:    list.New(),
		maxThreads: r.cfg.MaxThreads,
		inbound:    make(map[*Transaction]struct{}),
		buffers:    make(map[int]*Transaction),
		fds:        make(map[int32]*File),
		deadCh:     make(chan struct{}),
	}
	p.table = newTable(p)
	if err := p.alloc.Reserve(r.cfg.BufferSize); err != nil {
		return nil, fmt.Errorf("reserving buffer range: %w", err)
	}

	r.mu.Lock()
	p.ID = r.nextProc
	r.nextProc++
	r.procs[p.ID] = p
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ProcOpened()
	}
	r.log.Info("proc opened", zap.Uint64("proc", p.ID), zap.String("name", name))
	r.emit(Event{Type: EventProcOpened, Proc: p.ID, Name: name})
	return p, nil
}

// NewFile mints a transferable file object for fd translation.
func (r *Registry) NewFile(name string) *File {
	r.mu.Lock()
	id := r.nextFile
	r.nextFile++
	r.mu.Unlock()
	return &File{ID: id, Name: name}
}

// Expose publishes one of the proc's objects in the service directory so
// other procs can bootstrap a first handle to it. The directory holds a
// strong reference for as long as the proc lives.
func (p *Proc) Expose(name string, binder, cookie uint64) error {
	r := p.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.dead {
		return ErrDeadObject
	}
	if _, taken := r.services[name]; taken {
		return fmt.Errorf("%w: service %q already exposed", ErrProtocolViolation, name)
	}
	node, err := r.nodeLocked(p, binder, cookie)
	if err != nil {
		return err
	}
	node.incRef(true, 1)
	node.serviceName = name
	r.services[name] = node
	return nil
}

// Lookup resolves a published service name into a strong handle in the
// calling proc's reference table.
func (p *Proc) Lookup(name string) (uint32, error) {
	r := p.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.dead {
		return 0, ErrDeadObject
	}
	node, ok := r.services[name]
	if !ok {
		return 0, fmt.Errorf("%w: no service %q", ErrInvalidHandle, name)
	}
	if node.dead {
		return 0, fmt.Errorf("%w: service %q", ErrDeadObject, name)
	}
	ref := p.table.getOrCreate(node, true)
	return ref.handle, nil
}

// nodeLocked returns the node for an identity pair, creating it on first
// exposure. A cookie mismatch on an existing identity is malformed input.
// Caller holds r.mu.
func (r *Registry) nodeLocked(owner *Proc, binder, cookie uint64) (*Node, error) {
	key := NodeKey{Proc: owner.ID, Binder: binder}
	if node, ok := r.nodes[key]; ok {
		if node.cookie != cookie {
			return nil, fmt.Errorf("%w: cookie mismatch for %v", ErrMalformedPayload, key)
		}
		return node, nil
	}
	node := &Node{
		key:    key,
		cookie: cookie,
		owner:  owner,
		refs:   make(map[*Ref]struct{}),
	}
	r.nodes[key] = node
	owner.nodes[node] = struct{}{}
	return node, nil
}

// destroyNodeLocked removes a node whose reference counts reached zero.
// Caller holds r.mu.
func (r *Registry) destroyNodeLocked(node *Node) {
	delete(r.nodes, node.key)
	delete(node.owner.nodes, node)
	if node.serviceName != "" {
		delete(r.services, node.serviceName)
	}
	node.asyncPending = nil
}

// Resolve returns the node identity behind one of the proc's handles.
func (p *Proc) Resolve(handle uint32) (NodeKey, error) {
	r := p.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, err := p.table.resolve(handle)
	if err != nil {
		return NodeKey{}, err
	}
	return ref.node.key, nil
}

// AcquireRef takes an additional reference of the given strength on an
// existing handle.
func (p *Proc) AcquireRef(handle uint32, strong bool) error {
	r := p.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, err := p.table.resolve(handle)
	if err != nil {
		return err
	}
	if strong {
		ref.strong++
	} else {
		ref.weak++
	}
	ref.node.incRef(strong, 1)
	return nil
}

// DropRef releases one reference of the given strength; the handle is
// retired when its own counts reach zero, and the node destroyed when its
// global counts do.
func (p *Proc) DropRef(handle uint32, strong bool) error {
	r := p.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	gone, err := p.table.drop(handle, strong)
	if err != nil {
		return err
	}
	if gone != nil {
		r.destroyNodeLocked(gone)
	}
	return nil
}

// SubscribeDeath registers for one asynchronous notification when the node
// behind the handle dies. If it is already dead and this holder has not yet
// been notified, the event is delivered immediately.
func (p *Proc) SubscribeDeath(handle uint32, cookie uuid.UUID) error {
	r := p.reg
	r.mu.Lock()
	ref, err := p.table.resolve(handle)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if ref.deathCookie != nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: death notification already registered for handle %d", ErrProtocolViolation, handle)
	}
	c := cookie
	ref.deathCookie = &c

	var immediate *wire.DeathEvent
	if ref.node.dead && !ref.deathDelivered {
		ref.deathDelivered = true
		immediate = &wire.DeathEvent{Handle: handle, Cookie: cookie}
	}
	r.mu.Unlock()

	if immediate != nil {
		p.enqueue(&work{death: immediate})
		if r.metrics != nil {
			r.metrics.DeathDelivered()
		}
	}
	return nil
}

// UnsubscribeDeath clears a death registration. The cookie must match the
// one registered.
func (p *Proc) UnsubscribeDeath(handle uint32, cookie uuid.UUID) error {
	r := p.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, err := p.table.resolve(handle)
	if err != nil {
		return err
	}
	if ref.deathCookie == nil {
		return fmt.Errorf("%w: no death notification registered for handle %d", ErrProtocolViolation, handle)
	}
	if *ref.deathCookie != cookie {
		return fmt.Errorf("%w: death cookie mismatch for handle %d", ErrProtocolViolation, handle)
	}
	ref.deathCookie = nil
	return nil
}

// promoteAsync pulls the next pending oneway for a node onto its owner's
// shared queue, or clears the busy flag when none is pending.
func (r *Registry) promoteAsync(node *Node) {
	r.mu.Lock()
	var next *Transaction
	if len(node.asyncPending) > 0 {
		next = node.asyncPending[0]
		node.asyncPending = node.asyncPending[1:]
	} else {
		node.hasAsync = false
	}
	r.mu.Unlock()

	if next != nil {
		next.setState(TxnQueued)
		next.target.enqueue(&work{txn: next})
	}
}

// procClosed finalizes a dying proc under the outer lock: owned nodes die
// and queue death notifications, and every reference the proc held is
// dropped exactly once.
func (r *Registry) procClosed(p *Proc) {
	type pendingDeath struct {
		holder *Proc
		event  *wire.DeathEvent
	}
	var deaths []pendingDeath
	var deadNodes []Event

	r.mu.Lock()
	delete(r.procs, p.ID)

	for node := range p.nodes {
		node.dead = true
		node.asyncPending = nil
		deadNodes = append(deadNodes, Event{Type: EventNodeDead, Proc: p.ID, Name: node.serviceName})
		if node.serviceName != "" {
			delete(r.services, node.serviceName)
			node.serviceName = ""
			// The directory's strong ref dies with the proc.
			node.decRef(true, 1)
		}
		for ref := range node.refs {
			if ref.deathCookie != nil && !ref.deathDelivered {
				ref.deathDelivered = true
				deaths = append(deaths, pendingDeath{
					holder: ref.proc,
					event:  &wire.DeathEvent{Handle: ref.handle, Cookie: *ref.deathCookie},
				})
			}
		}
		if node.strong == 0 && node.weak == 0 {
			r.destroyNodeLocked(node)
		}
	}

	for _, node := range p.table.releaseAll() {
		r.destroyNodeLocked(node)
	}
	r.mu.Unlock()

	for _, d := range deaths {
		d.holder.enqueue(&work{death: d.event})
		if r.metrics != nil {
			r.metrics.DeathDelivered()
		}
	}
	if r.metrics != nil {
		r.metrics.ProcClosed()
	}
	for _, ev := range deadNodes {
		r.emit(ev)
	}
	r.emit(Event{Type: EventProcClosed, Proc: p.ID, Name: p.Name})
}

// Procs snapshots the live procs.
func (r *Registry) Procs() []*Proc {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Proc, 0, len(r.procs))
	for _, p := range r.procs {
		out = append(out, p)
	}
	return out
}

// RegistryStats is a point-in-time view of the engine.
type RegistryStats struct {
	Procs    int `json:"procs"`
	Nodes    int `json:"nodes"`
	Services int `json:"services"`
}

// Stats snapshots registry-wide state.
func (r *Registry) Stats() RegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RegistryStats{
		Procs:    len(r.procs),
		Nodes:    len(r.nodes),
		Services: len(r.services),
	}
}

// Close tears down every proc; used by the front-end's unmount path.
func (r *Registry) Close() error {
	for _, p := range r.Procs() {
		p.Close()
	}
	return nil
}
