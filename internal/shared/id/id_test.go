package id

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func TestGenerate(t *testing.T) {
	gen := NewGenerator()

	id1 := gen.Generate()
	id2 := gen.Generate()

	if id1.String() == id2.String() {
		t.Error("Generated IDs should be unique")
	}
}

func TestGenerateString(t *testing.T) {
	gen := NewGenerator()

	id := gen.GenerateString()

	if len(id) != 26 {
		t.Errorf("ULID should be 26 characters, got %d", len(id))
	}
}

func TestGenerateWithPrefix(t *testing.T) {
	gen := NewGenerator()

	tests := []struct {
		prefix string
	}{
		{TxnPrefix},
		{InstancePrefix},
		{SnapshotPrefix},
	}

	for _, tt := range tests {
		id := gen.GenerateWithPrefix(tt.prefix)

		if !strings.HasPrefix(id, tt.prefix+"_") {
			t.Errorf("ID should start with '%s_', got: %s", tt.prefix, id)
		}

		if !IsValid(id) {
			t.Errorf("Prefixed ID should be valid: %s", id)
		}
	}
}

func TestTypedIDGeneration(t *testing.T) {
	txnID := NewTxnID()
	instID := NewInstanceID()
	snapID := NewSnapshotID()

	if !strings.HasPrefix(string(txnID), "txn_") {
		t.Errorf("TxnID should start with 'txn_', got: %s", txnID)
	}

	if !strings.HasPrefix(string(instID), "inst_") {
		t.Errorf("InstanceID should start with 'inst_', got: %s", instID)
	}

	if !strings.HasPrefix(string(snapID), "snap_") {
		t.Errorf("SnapshotID should start with 'snap_', got: %s", snapID)
	}
}

func TestIsValid(t *testing.T) {
	if !IsValid(string(NewTxnID())) {
		t.Error("Generated ID should be valid")
	}

	invalidIDs := []string{
		"",
		"invalid",
		"1234567890",
		"txn_",                             // prefix with no ULID
		"01ARZ3NDEKTSV4RRFFQ69G5FAV",       // bare ULID without a prefix
		"txn_zzzzzzzzzzzzzzzzzzzzzzzzzzzz", // invalid characters
	}

	for _, id := range invalidIDs {
		if IsValid(id) {
			t.Errorf("ID should be invalid: %s", id)
		}
	}
}

func TestTimestamp(t *testing.T) {
	before := time.Now()
	id := NewTxnID()
	after := time.Now()

	ts, err := Timestamp(string(id))
	if err != nil {
		t.Fatalf("Failed to extract timestamp: %v", err)
	}

	// ULID timestamps have millisecond precision, so allow small variance
	beforeMs := before.UnixMilli()
	afterMs := after.UnixMilli()
	tsMs := ts.UnixMilli()

	if tsMs < beforeMs || tsMs > afterMs {
		t.Errorf("Timestamp should be between %d and %d ms, got %d ms", beforeMs, afterMs, tsMs)
	}
}

func TestTimestampRejectsUnprefixed(t *testing.T) {
	if _, err := Timestamp(NewGenerator().GenerateString()); err == nil {
		t.Error("Timestamp should reject IDs without a prefix")
	}
}

func TestIDFormatConsistency(t *testing.T) {
	// All IDs should follow the format: prefix_ULID
	ids := map[string]string{
		"txn":  string(NewTxnID()),
		"inst": string(NewInstanceID()),
		"snap": string(NewSnapshotID()),
	}

	for prefix, id := range ids {
		parts := strings.Split(id, "_")
		if len(parts) != 2 {
			t.Errorf("ID should have format 'prefix_ulid', got: %s", id)
		}

		if parts[0] != prefix {
			t.Errorf("Expected prefix '%s', got '%s' in ID: %s", prefix, parts[0], id)
		}

		if len(parts[1]) != 26 {
			t.Errorf("ULID should be 26 characters, got %d in ID: %s", len(parts[1]), id)
		}
	}
}

func TestConcurrentGeneration(t *testing.T) {
	gen := NewGenerator()

	const goroutines = 100
	const idsPerGoroutine = 100

	var wg sync.WaitGroup
	idChan := make(chan string, goroutines*idsPerGoroutine)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < idsPerGoroutine; j++ {
				idChan <- gen.GenerateString()
			}
		}()
	}

	wg.Wait()
	close(idChan)

	// Check uniqueness
	seen := make(map[string]bool)
	count := 0
	for id := range idChan {
		if seen[id] {
			t.Errorf("Duplicate ID found in concurrent generation: %s", id)
		}
		seen[id] = true
		count++
	}

	expected := goroutines * idsPerGoroutine
	if count != expected {
		t.Errorf("Expected %d unique IDs, got %d", expected, count)
	}
}

func TestLexicographicSorting(t *testing.T) {
	gen := NewGenerator()

	// Generate IDs with delays to ensure different timestamps
	ids := make([]string, 5)
	for i := 0; i < 5; i++ {
		ids[i] = gen.GenerateString()
		time.Sleep(2 * time.Millisecond)
	}

	// Verify they're in ascending order (k-sortable)
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Errorf("IDs should be lexicographically sorted: %s should be > %s", ids[i], ids[i-1])
		}
	}
}

func TestDefaultGenerator(t *testing.T) {
	// Test singleton pattern
	gen1 := Default()
	gen2 := Default()

	if gen1 != gen2 {
		t.Error("Default() should return the same instance")
	}
}

func BenchmarkGenerate(b *testing.B) {
	gen := NewGenerator()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = gen.Generate()
	}
}

func BenchmarkGenerateWithPrefix(b *testing.B) {
	gen := NewGenerator()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = gen.GenerateWithPrefix(TxnPrefix)
	}
}
