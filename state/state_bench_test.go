package state

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// BenchmarkFileTracker_MarkProcessed measures the cost of a synced append per transmission.
func BenchmarkFileTracker_MarkProcessed(b *testing.B) {
	tmpDir, err := os.MkdirTemp("", "ledger-bench-*")
	if err != nil {
		b.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)

	tracker, err := NewFileTracker(filepath.Join(tmpDir, ManifestName), true)
	if err != nil {
		b.Fatal(err)
	}
	defer tracker.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := tracker.MarkProcessed(fmt.Sprintf("TX-%d", i)); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkFileTracker_AlreadyProcessed benchmarks lookup performance
func BenchmarkFileTracker_AlreadyProcessed(b *testing.B) {
	tracker := NewMemoryTracker()
	for i := 0; i < 1000; i++ {
		_ = tracker.MarkProcessed(fmt.Sprintf("TX-%d", i))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = tracker.AlreadyProcessed(fmt.Sprintf("TX-%d", i%1000))
	}
}

// BenchmarkFileTracker_Load benchmarks the manifest loading performance
func BenchmarkFileTracker_Load(b *testing.B) {
	tmpDir, err := os.MkdirTemp("", "ledger-bench-*")
	if err != nil {
		b.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)

	path := filepath.Join(tmpDir, ManifestName)
	file, err := os.Create(path)
	if err != nil {
		b.Fatal(err)
	}
	for i := 0; i < 10000; i++ {
		fmt.Fprintf(file, "TX-%d\n", i)
	}
	if err := file.Close(); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := NewFileTracker(path, false); err != nil {
			b.Fatal(err)
		}
	}
}
