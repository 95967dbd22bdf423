package core

import (
	"fmt"

	"github.com/GriffinCanCode/tether/internal/ipc/wire"
)

// translate rewrites a payload's embedded object descriptors from the
// sender's namespace into the target's: local binders become target handles,
// sender handles become target handles (or local binders when the node lives
// in the target), and file descriptors are duplicated into the target's fd
// table. Any malformed or dead referent fails the whole list; the returned
// undo reverses every side effect already applied.
func (r *Registry) translate(sender, target *Proc, objects []wire.ObjectDesc) ([]wire.ObjectDesc, func(), error) {
	if len(objects) == 0 {
		return nil, func() {}, nil
	}

	// Sender-side fd resolution happens outside the outer lock; only one
	// inner lock is ever held at a time.
	files := make(map[int]*File)
	for i, obj := range objects {
		if obj.Kind != wire.ObjectFD {
			continue
		}
		f, ok := sender.FDFile(obj.FD)
		if !ok {
			return nil, nil, fmt.Errorf("%w: object %d names unknown fd %d", ErrMalformedPayload, i, obj.FD)
		}
		files[i] = f
	}

	type createdRef struct {
		table  *Table
		handle uint32
	}
	var created []createdRef
	translated := make([]wire.ObjectDesc, len(objects))

	r.mu.Lock()
	undoRefs := func() {
		r.mu.Lock()
		for _, c := range created {
			if gone, err := c.table.drop(c.handle, true); err == nil && gone != nil {
				r.destroyNodeLocked(gone)
			}
		}
		r.mu.Unlock()
	}
	if target.Dead() {
		r.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: target %q closed", ErrDeadObject, target.Name)
	}
	for i, obj := range objects {
		out := obj
		switch obj.Kind {
		case wire.ObjectBinder:
			node, err := r.nodeLocked(sender, obj.Binder, obj.Cookie)
			if err != nil {
				r.mu.Unlock()
				undoRefs()
				return nil, nil, err
			}
			ref := target.table.getOrCreate(node, true)
			created = append(created, createdRef{target.table, ref.handle})
			out.Kind = wire.ObjectHandle
			out.Binder, out.Cookie = 0, 0
			out.Handle = ref.handle
		case wire.ObjectHandle:
			ref, err := sender.table.resolve(obj.Handle)
			if err != nil {
				r.mu.Unlock()
				undoRefs()
				return nil, nil, err
			}
			node := ref.node
			if node.dead {
				r.mu.Unlock()
				undoRefs()
				return nil, nil, fmt.Errorf("%w: object %d references dead node", ErrDeadObject, i)
			}
			if node.owner == target {
				out.Kind = wire.ObjectBinder
				out.Handle = 0
				out.Binder, out.Cookie = node.key.Binder, node.cookie
			} else {
				tref := target.table.getOrCreate(node, true)
				created = append(created, createdRef{target.table, tref.handle})
				out.Handle = tref.handle
			}
		case wire.ObjectFD:
			// Installed below, after the outer lock drops.
		}
		translated[i] = out
	}
	r.mu.Unlock()

	var installed []int32
	undo := func() {
		undoRefs()
		var closed []*File
		target.mu.Lock()
		for _, fd := range installed {
			if f, ok := target.fds[fd]; ok {
				delete(target.fds, fd)
				closed = append(closed, f)
			}
		}
		target.mu.Unlock()
		for _, f := range closed {
			f.decRef()
		}
	}

	for i := range objects {
		f, ok := files[i]
		if !ok {
			continue
		}
		target.mu.Lock()
		if target.dead {
			target.mu.Unlock()
			undo()
			return nil, nil, fmt.Errorf("%w: target %q closed", ErrDeadObject, target.Name)
		}
		fd := target.installFDLocked(f)
		target.mu.Unlock()
		installed = append(installed, fd)
		translated[i].FD = fd
	}
	return translated, undo, nil
}
