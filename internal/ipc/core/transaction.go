package core

import (
	"sync/atomic"

	"github.com/GriffinCanCode/tether/internal/ipc/alloc"
	"github.com/GriffinCanCode/tether/internal/ipc/wire"
	"github.com/GriffinCanCode/tether/internal/shared/id"
)

// TxnState tracks one transaction through its lifecycle.
type TxnState int32

const (
	TxnSubmitted TxnState = iota
	TxnQueued
	TxnActive
	TxnReplied
	TxnFailed
	TxnCompleted
)

func (s TxnState) String() string {
	switch s {
	case TxnSubmitted:
		return "submitted"
	case TxnQueued:
		return "queued"
	case TxnActive:
		return "active"
	case TxnReplied:
		return "replied"
	case TxnFailed:
		return "failed"
	case TxnCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Transaction is one request or reply in flight.
type Transaction struct {
	ID   id.TxnID
	Code uint32

	fromProc   *Proc
	fromThread *Thread
	target     *Proc
	node       *Node // nil for replies

	buffer  *alloc.Buffer
	objects []wire.ObjectDesc

	oneway  bool
	isReply bool
	replyTo *Transaction

	state atomic.Int32

	// Sync requests only: exactly one outcome lands here.
	result chan txnResult

	// Set when the sender stopped waiting; the eventual reply is discarded
	// and its buffer freed instead of delivered.
	abandoned atomic.Bool
}

type txnResult struct {
	reply *Delivery
	err   error
}

// State returns the transaction's current lifecycle state.
func (t *Transaction) State() TxnState { return TxnState(t.state.Load()) }

func (t *Transaction) setState(s TxnState) { t.state.Store(int32(s)) }

// Oneway reports whether the transaction expects no reply.
func (t *Transaction) Oneway() bool { return t.oneway }

// complete delivers the sync outcome exactly once; later calls are dropped,
// which is what converts a late reply after failure into a no-op.
func (t *Transaction) complete(reply *Delivery, err error) bool {
	if t.result == nil {
		return false
	}
	select {
	case t.result <- txnResult{reply: reply, err: err}:
		if err != nil {
			t.setState(TxnFailed)
		} else {
			t.setState(TxnReplied)
		}
		return true
	default:
		return false
	}
}
