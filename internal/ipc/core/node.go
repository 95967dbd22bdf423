package core

import "fmt"

// NodeKey is the identity of a remote object: the implementing proc plus the
// opaque pointer pair it supplied.
type NodeKey struct {
	Proc   uint64
	Binder uint64
}

// Node represents one remote object exposed by its implementing proc.
// All fields are guarded by the registry's outer lock.
type Node struct {
	key    NodeKey
	cookie uint64
	owner  *Proc

	strong int
	weak   int

	// Oneway serialization: while hasAsync is set, further oneway
	// transactions park on asyncPending and are promoted one at a time as
	// their predecessors' buffers are freed.
	hasAsync     bool
	asyncPending []*Transaction

	refs map[*Ref]struct{}
	dead bool

	// Name in the service directory, empty when unpublished.
	serviceName string
}

// Key returns the node's identity.
func (n *Node) Key() NodeKey { return n.key }

// Cookie returns the opaque cookie supplied by the implementing proc.
func (n *Node) Cookie() uint64 { return n.cookie }

func (n *Node) String() string {
	return fmt.Sprintf("node(%d:%#x)", n.key.Proc, n.key.Binder)
}

// incRef adjusts the node-global counts. Caller holds reg.mu.
func (n *Node) incRef(strong bool, by int) {
	if strong {
		n.strong += by
	} else {
		n.weak += by
	}
}

// decRef adjusts the node-global counts downward and reports whether both
// counts reached zero. Negative counts are bookkeeping corruption.
// Caller holds reg.mu.
func (n *Node) decRef(strong bool, by int) bool {
	if strong {
		n.strong -= by
	} else {
		n.weak -= by
	}
	if n.strong < 0 || n.weak < 0 {
		panic(fmt.Sprintf("core: negative reference count on %s (strong=%d weak=%d)", n, n.strong, n.weak))
	}
	return n.strong == 0 && n.weak == 0
}
