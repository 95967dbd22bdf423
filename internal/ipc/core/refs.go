package core

import (
	"fmt"

	"github.com/google/uuid"
)

// Ref is one proc's handle on a node, with reference counts independent of
// the node's global counts. Guarded by the registry's outer lock.
type Ref struct {
	handle uint32
	proc   *Proc
	node   *Node

	strong int
	weak   int

	// Death subscription state. deathDelivered survives re-registration so
	// one death never produces two events for the same holder.
	deathCookie    *uuid.UUID
	deathDelivered bool
}

// Handle returns the per-proc handle value.
func (r *Ref) Handle() uint32 { return r.handle }

// Table maps a proc's handles to nodes. All operations run under the
// registry's outer lock; the table itself has no lock of its own.
type Table struct {
	proc     *Proc
	byHandle map[uint32]*Ref
	byNode   map[*Node]*Ref
}

func newTable(p *Proc) *Table {
	return &Table{
		proc:     p,
		byHandle: make(map[uint32]*Ref),
		byNode:   make(map[*Node]*Ref),
	}
}

// getOrCreate returns the proc's ref for node, allocating the smallest
// unused positive handle on first use. Every call takes one reference of the
// requested strength on both the ref and the node.
func (t *Table) getOrCreate(node *Node, strong bool) *Ref {
	ref, ok := t.byNode[node]
	if !ok {
		handle := uint32(1)
		for {
			if _, taken := t.byHandle[handle]; !taken {
				break
			}
			handle++
		}
		ref = &Ref{handle: handle, proc: t.proc, node: node}
		t.byHandle[handle] = ref
		t.byNode[node] = ref
		node.refs[ref] = struct{}{}
	}
	if strong {
		ref.strong++
	} else {
		ref.weak++
	}
	node.incRef(strong, 1)
	return ref
}

// resolve returns the ref for a handle.
func (t *Table) resolve(handle uint32) (*Ref, error) {
	ref, ok := t.byHandle[handle]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidHandle, handle)
	}
	return ref, nil
}

// drop releases one reference of the given strength. When the ref's own
// counts both reach zero the handle is retired; when the node's global
// counts both reach zero the node is destroyed.
func (t *Table) drop(handle uint32, strong bool) (nodeGone *Node, err error) {
	ref, err := t.resolve(handle)
	if err != nil {
		return nil, err
	}
	if strong {
		if ref.strong == 0 {
			return nil, fmt.Errorf("%w: handle %d has no strong refs", ErrProtocolViolation, handle)
		}
		ref.strong--
	} else {
		if ref.weak == 0 {
			return nil, fmt.Errorf("%w: handle %d has no weak refs", ErrProtocolViolation, handle)
		}
		ref.weak--
	}
	gone := ref.node.decRef(strong, 1)
	if ref.strong == 0 && ref.weak == 0 {
		t.retire(ref)
	}
	if gone {
		return ref.node, nil
	}
	return nil, nil
}

// releaseAll drops every count this table still holds, exactly once per ref,
// and reports the nodes whose global counts reached zero.
func (t *Table) releaseAll() []*Node {
	var gone []*Node
	for _, ref := range t.byHandle {
		node := ref.node
		node.decRef(true, ref.strong)
		node.decRef(false, ref.weak)
		ref.strong, ref.weak = 0, 0
		t.retire(ref)
		if node.strong == 0 && node.weak == 0 {
			gone = append(gone, node)
		}
	}
	return gone
}

func (t *Table) retire(ref *Ref) {
	delete(t.byHandle, ref.handle)
	delete(t.byNode, ref.node)
	delete(ref.node.refs, ref)
}
