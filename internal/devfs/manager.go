package devfs

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/tether/internal/ipc/core"
	"github.com/GriffinCanCode/tether/internal/logging"
	"github.com/GriffinCanCode/tether/internal/monitoring"
	"github.com/GriffinCanCode/tether/internal/shared/id"
)

var (
	// ErrMounted is returned when mounting a name that is already in use.
	ErrMounted = errors.New("devfs: instance already mounted")
	// ErrNotMounted is returned for operations on unknown instance names.
	ErrNotMounted = errors.New("devfs: instance not mounted")
)

// Instance is one mounted bus: a named transaction engine with its own proc
// table and allocator configuration.
type Instance struct {
	Name    string        `json:"name"`
	ID      id.InstanceID `json:"id"`
	Device  string        `json:"device"`
	Created time.Time     `json:"created"`

	reg *core.Registry
}

// Registry returns the instance's transaction engine.
func (i *Instance) Registry() *core.Registry { return i.reg }

// InstanceStats is one instance's point-in-time view for listings and
// snapshots.
type InstanceStats struct {
	Name    string             `json:"name"`
	ID      id.InstanceID      `json:"id"`
	Device  string             `json:"device"`
	Created time.Time          `json:"created"`
	Engine  core.RegistryStats `json:"engine"`
	Procs   []core.ProcStats   `json:"procs"`
}

// Stats snapshots the instance.
func (i *Instance) Stats() InstanceStats {
	procs := i.reg.Procs()
	ps := make([]core.ProcStats, 0, len(procs))
	for _, p := range procs {
		ps = append(ps, p.Stats())
	}
	sort.Slice(ps, func(a, b int) bool { return ps[a].ID < ps[b].ID })
	return InstanceStats{
		Name:    i.Name,
		ID:      i.ID,
		Device:  i.Device,
		Created: i.Created,
		Engine:  i.reg.Stats(),
		Procs:   ps,
	}
}

// Manager is the instance registry: it mounts, resolves, and unmounts named
// bus instances.
type Manager struct {
	log     *logging.Logger
	cfg     core.Config
	metrics *monitoring.Metrics

	mu        sync.RWMutex
	instances map[string]*Instance
}

// NewManager creates an instance manager. Every mounted instance inherits
// cfg; the metrics handle may be nil.
func NewManager(log *logging.Logger, cfg core.Config, metrics *monitoring.Metrics) *Manager {
	if log == nil {
		log = logging.NewDefault()
	}
	return &Manager{
		log:       log,
		cfg:       cfg,
		metrics:   metrics,
		instances: make(map[string]*Instance),
	}
}

// Mount creates and registers a named instance with the manager's default
// engine config.
func (m *Manager) Mount(name string) (*Instance, error) {
	return m.MountWith(name, m.cfg)
}

// MountWith mounts an instance with its own engine tunables.
func (m *Manager) MountWith(name string, cfg core.Config) (*Instance, error) {
	if name == "" {
		return nil, fmt.Errorf("devfs: empty instance name")
	}

	instID := id.NewInstanceID()
	inst := &Instance{
		Name:    name,
		ID:      instID,
		Device:  fmt.Sprintf("tether:%s/%s", name, instID),
		Created: time.Now(),
		reg:     core.NewRegistry(m.log.Named(name), cfg, m.metrics),
	}

	m.mu.Lock()
	if _, taken := m.instances[name]; taken {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrMounted, name)
	}
	m.instances[name] = inst
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.InstanceMounted(1)
	}
	m.log.Info("instance mounted",
		zap.String("name", name),
		zap.String("device", inst.Device))
	return inst, nil
}

// Unmount tears an instance down: every proc in it closes, which fires death
// notifications and fails pending synchronous calls.
func (m *Manager) Unmount(name string) error {
	m.mu.Lock()
	inst, ok := m.instances[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNotMounted, name)
	}
	delete(m.instances, name)
	m.mu.Unlock()

	inst.reg.Close()
	if m.metrics != nil {
		m.metrics.InstanceMounted(-1)
	}
	m.log.Info("instance unmounted", zap.String("name", name))
	return nil
}

// Get resolves a mounted instance by name.
func (m *Manager) Get(name string) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[name]
	return inst, ok
}

// List returns all mounted instances sorted by name.
func (m *Manager) List() []*Instance {
	m.mu.RLock()
	out := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, inst)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// Close unmounts every instance.
func (m *Manager) Close() {
	for _, inst := range m.List() {
		m.Unmount(inst.Name)
	}
}
