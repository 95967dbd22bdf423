package wire

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

// Command identifies one control-channel operation.
type Command string

const (
	CmdTransact         Command = "transact"
	CmdReply            Command = "reply"
	CmdFreeBuffer       Command = "free_buffer"
	CmdEnterLooper      Command = "enter_looper"
	CmdExitLooper       Command = "exit_looper"
	CmdSetMaxThreads    Command = "set_max_threads"
	CmdSubscribeDeath   Command = "subscribe_death"
	CmdUnsubscribeDeath Command = "unsubscribe_death"
)

// ObjectKind tags one embedded object descriptor.
type ObjectKind string

const (
	// ObjectBinder is a local object exposed by the sender; the engine
	// creates or reuses a handle for it in the target's namespace.
	ObjectBinder ObjectKind = "binder"
	// ObjectHandle is a reference the sender holds; the engine rewrites it
	// to the target's handle for the same node, or back to a local binder
	// when the node lives in the target.
	ObjectHandle ObjectKind = "handle"
	// ObjectFD is a file descriptor duplicated into the target.
	ObjectFD ObjectKind = "fd"
)

// ObjectDesc is one embedded object inside a transaction payload, located by
// its byte offset into the data section.
type ObjectDesc struct {
	Offset int        `json:"offset"`
	Kind   ObjectKind `json:"kind"`

	// Binder objects: identity pair supplied by the implementing proc.
	Binder uint64 `json:"binder,omitempty"`
	Cookie uint64 `json:"cookie,omitempty"`

	// Handle objects.
	Handle uint32 `json:"handle,omitempty"`

	// FD objects.
	FD int32 `json:"fd,omitempty"`
}

// descSize is the space one descriptor notionally occupies in the data
// section; offsets closer together than this overlap.
const descSize = 8

// ErrBadOffsets is returned when a descriptor offset list is malformed.
var ErrBadOffsets = errors.New("wire: malformed object offsets")

// TxnRequest is one outbound transaction as submitted by a sender.
type TxnRequest struct {
	Handle  uint32       `json:"handle"`
	Code    uint32       `json:"code"`
	Data    []byte       `json:"data"`
	Objects []ObjectDesc `json:"objects,omitempty"`
	Oneway  bool         `json:"oneway"`
}

// Validate checks the structural rules for the embedded object list: offsets
// in ascending order, aligned, non-overlapping, and inside the data section.
func (r *TxnRequest) Validate() error {
	prevEnd := 0
	for i, obj := range r.Objects {
		if obj.Offset < 0 || obj.Offset%descSize != 0 {
			return fmt.Errorf("%w: object %d at offset %d", ErrBadOffsets, i, obj.Offset)
		}
		if obj.Offset < prevEnd {
			return fmt.Errorf("%w: object %d overlaps previous", ErrBadOffsets, i)
		}
		if obj.Offset+descSize > len(r.Data) {
			return fmt.Errorf("%w: object %d past data end", ErrBadOffsets, i)
		}
		switch obj.Kind {
		case ObjectBinder, ObjectHandle, ObjectFD:
		default:
			return fmt.Errorf("%w: object %d has unknown kind %q", ErrBadOffsets, i, obj.Kind)
		}
		prevEnd = obj.Offset + descSize
	}
	return nil
}

// OffsetsBytes renders the declared offset list as the 8-byte little-endian
// words stored in the buffer's offsets section.
func (r *TxnRequest) OffsetsBytes() []byte {
	out := make([]byte, 0, len(r.Objects)*8)
	for _, obj := range r.Objects {
		v := uint64(obj.Offset)
		for i := 0; i < 8; i++ {
			out = append(out, byte(v>>(8*i)))
		}
	}
	return out
}

// DeathEvent is the asynchronous notification delivered to a subscriber when
// the node behind its handle dies.
type DeathEvent struct {
	Handle uint32    `json:"handle"`
	Cookie uuid.UUID `json:"cookie"`
}

// Marshal encodes any wire value as JSON.
func Marshal(v interface{}) ([]byte, error) {
	return sonic.Marshal(v)
}

// Unmarshal decodes JSON into a wire value.
func Unmarshal(data []byte, v interface{}) error {
	return sonic.Unmarshal(data, v)
}
