// Package testutil provides shared test helpers for host stores, backup
// destinations and timers.
package testutil

import (
	"os"
	"sync"
	"testing"

	"github.com/starford/histkeep/internal/hoststore"
	"github.com/starford/histkeep/internal/storage"
)

// TestHost creates a temporary SQLite host store that is automatically cleaned up.
func TestHost(t *testing.T) *hoststore.Store {
	t.Helper()
	dbFile, err := os.CreateTemp("", "histkeep-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	s, err := hoststore.Open(dbFile.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestDestination creates a temporary backup directory with a local transfer.
func TestDestination(t *testing.T) (string, *storage.FS) {
	t.Helper()
	dir := t.TempDir()
	fs, err := storage.NewFS(dir)
	if err != nil {
		t.Fatal(err)
	}
	return dir, fs
}

// FakeTimer is a host.Timer whose fires are triggered by the test.
type FakeTimer struct {
	mu      sync.Mutex
	periods map[string]int
	fired   chan string
}

// NewFakeTimer returns a FakeTimer with a buffered fire channel.
func NewFakeTimer() *FakeTimer {
	return &FakeTimer{periods: map[string]int{}, fired: make(chan string, 16)}
}

func (f *FakeTimer) CreateRecurring(name string, periodMinutes int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.periods[name] = periodMinutes
	return nil
}

func (f *FakeTimer) Clear(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.periods, name)
	return nil
}

func (f *FakeTimer) Fired() <-chan string { return f.fired }

// Period returns the installed period for name and whether it is installed.
func (f *FakeTimer) Period(name string) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.periods[name]
	return p, ok
}

// Count returns the number of installed timers.
func (f *FakeTimer) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.periods)
}

// Fire simulates name firing.
func (f *FakeTimer) Fire(name string) { f.fired <- name }
