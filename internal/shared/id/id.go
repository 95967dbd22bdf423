// Package id provides centralized ID generation for tether.
//
// This package offers type-safe ULID generation with:
//   - Lexicographic sortability: transaction and instance timelines sort by ID
//   - Prefixed types: type-specific prefixes for debugging (txn_*, inst_*)
//   - Type safety: separate types prevent ID misuse
//
// Design Principles:
//   - ULIDs only: single ID format across the system
//   - Debuggable: prefixes make logs readable
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ============================================================================
// Type-Safe ID Wrappers
// ============================================================================

// TxnID identifies one in-flight transaction
type TxnID string

// InstanceID identifies one mounted bus instance
type InstanceID string

// SnapshotID identifies one exported instance snapshot
type SnapshotID string

// ============================================================================
// ID Prefixes (for debugging and type identification)
// ============================================================================

const (
	TxnPrefix      = "txn"
	InstancePrefix = "inst"
	SnapshotPrefix = "snap"
)

// ============================================================================
// ULID Generator
// ============================================================================

// Generator generates ULIDs with optional prefixes
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex // Protects entropy reader
}

var (
	// Default generator with cryptographically secure entropy
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a new ULID generator
func NewGenerator() *Generator {
	return &Generator{
		entropy: rand.Reader,
	}
}

// NewGeneratorWithEntropy creates a generator with custom entropy source
// Useful for testing with deterministic entropy
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{
		entropy: entropy,
	}
}

// Generate creates a new ULID
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateString creates a new ULID as a string
func (g *Generator) GenerateString() string {
	return g.Generate().String()
}

// GenerateWithPrefix creates a prefixed ULID string
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.GenerateString())
}

// ============================================================================
// Typed ID Generators
// ============================================================================

// NewTxnID generates a new transaction ID
func NewTxnID() TxnID {
	return TxnID(Default().GenerateWithPrefix(TxnPrefix))
}

// NewInstanceID generates a new instance ID
func NewInstanceID() InstanceID {
	return InstanceID(Default().GenerateWithPrefix(InstancePrefix))
}

// NewSnapshotID generates a new snapshot ID
func NewSnapshotID() SnapshotID {
	return SnapshotID(Default().GenerateWithPrefix(SnapshotPrefix))
}

// ============================================================================
// Type Conversion and Validation
// ============================================================================

// String methods for ID types
func (id TxnID) String() string      { return string(id) }
func (id InstanceID) String() string { return string(id) }
func (id SnapshotID) String() string { return string(id) }

// IsValid checks if an ID string is a valid prefixed ULID
func IsValid(id string) bool {
	_, rest, found := strings.Cut(id, "_")
	if !found {
		return false
	}
	_, err := ulid.Parse(rest)
	return err == nil
}

// Timestamp extracts the creation time from a prefixed ID
func Timestamp(id string) (time.Time, error) {
	_, rest, found := strings.Cut(id, "_")
	if !found {
		return time.Time{}, fmt.Errorf("id %q has no prefix", id)
	}
	parsed, err := ulid.Parse(rest)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
