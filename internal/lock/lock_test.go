package lock

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
)

func TestMutexMap_DifferentKeysIndependent(t *testing.T) {
	m := NewMutexMap()
	done := make(chan struct{})

	m.Lock("host-a")
	go func() {
		m.Lock("host-b")
		m.Unlock("host-b")
		close(done)
	}()

	<-done
	m.Unlock("host-a")
}

func TestMutexMap_WithSerializes(t *testing.T) {
	m := NewMutexMap()
	var inFlight, maxInFlight int64

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.With("host-a", func() error {
				n := atomic.AddInt64(&inFlight, 1)
				for {
					cur := atomic.LoadInt64(&maxInFlight)
					if n <= cur || atomic.CompareAndSwapInt64(&maxInFlight, cur, n) {
						break
					}
				}
				atomic.AddInt64(&inFlight, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	if maxInFlight != 1 {
		t.Errorf("expected at most 1 holder, saw %d", maxInFlight)
	}
}

func TestMutexMap_WithReturnsError(t *testing.T) {
	m := NewMutexMap()
	want := errors.New("boom")
	if err := m.With("k", func() error { return want }); !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
	// mutex released after error
	m.Lock("k")
	m.Unlock("k")
}

func TestFileLock_DoubleLockRejected(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "fleetguard.lock")

	fl1 := NewFileLock(lockPath)
	if err := fl1.TryLock(); err != nil {
		t.Fatalf("first TryLock failed: %v", err)
	}
	defer fl1.Unlock()

	fl2 := NewFileLock(lockPath)
	err := fl2.TryLock()
	if err == nil {
		fl2.Unlock()
		t.Fatal("expected second TryLock to fail")
	}
	if !errors.Is(err, ErrLocked) {
		t.Errorf("expected ErrLocked, got %v", err)
	}
}

func TestFileLock_RecordsPID(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "fleetguard.lock")
	fl := NewFileLock(lockPath)
	if err := fl.TryLock(); err != nil {
		t.Fatalf("TryLock failed: %v", err)
	}
	defer fl.Unlock()

	pid, err := HolderPID(lockPath)
	if err != nil {
		t.Fatalf("HolderPID: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("expected pid %d, got %d", os.Getpid(), pid)
	}
}

func TestFileLock_UnlockAllowsRelock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "fleetguard.lock")

	fl1 := NewFileLock(lockPath)
	if err := fl1.TryLock(); err != nil {
		t.Fatalf("first TryLock failed: %v", err)
	}
	if err := fl1.Unlock(); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if err := fl1.Unlock(); err != nil {
		t.Fatalf("double unlock should be safe, got: %v", err)
	}

	fl2 := NewFileLock(lockPath)
	if err := fl2.TryLock(); err != nil {
		t.Fatalf("re-lock after unlock failed: %v", err)
	}
	fl2.Unlock()
}
