package attendance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMemberLocksSerializeSameID(t *testing.T) {
	locks := newMemberLocks()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		holders int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locks.acquire(ctx, "000001")
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			holders++
			if holders > maxSeen {
				maxSeen = holders
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			holders--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Fatalf("saw %d concurrent holders, want 1", maxSeen)
	}
	if n := locks.size(); n != 0 {
		t.Fatalf("lock table has %d entries after release", n)
	}
}

func TestMemberLocksDoNotBlockOtherIDs(t *testing.T) {
	locks := newMemberLocks()
	unlock, err := locks.acquire(context.Background(), "000001")
	if err != nil {
		t.Fatal(err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	other, err := locks.acquire(ctx, "000002")
	if err != nil {
		t.Fatalf("different member waited on a held lock: %v", err)
	}
	other()
}

func TestMemberLocksHonourContext(t *testing.T) {
	locks := newMemberLocks()
	unlock, err := locks.acquire(context.Background(), "000001")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := locks.acquire(ctx, "000001")
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not give up after cancel")
	}

	unlock()
	if n := locks.size(); n != 0 {
		t.Fatalf("lock table has %d entries, want 0", n)
	}
}

func TestMemberLocksUnlockIsIdempotent(t *testing.T) {
	locks := newMemberLocks()
	unlock, err := locks.acquire(context.Background(), "000001")
	if err != nil {
		t.Fatal(err)
	}
	unlock()
	unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	again, err := locks.acquire(ctx, "000001")
	if err != nil {
		t.Fatalf("reacquire after double unlock: %v", err)
	}
	again()
}

func TestAcquireAllOppositeOrders(t *testing.T) {
	locks := newMemberLocks()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			unlock, err := locks.acquireAll(ctx, "000001", "000002")
			if err != nil {
				t.Error(err)
				return
			}
			unlock()
		}()
		go func() {
			defer wg.Done()
			unlock, err := locks.acquireAll(ctx, "000002", "000001")
			if err != nil {
				t.Error(err)
				return
			}
			unlock()
		}()
	}
	wg.Wait()

	unlock, err := locks.acquireAll(ctx, "000003", "000003")
	if err != nil {
		t.Fatalf("duplicate ids: %v", err)
	}
	unlock()
	if n := locks.size(); n != 0 {
		t.Fatalf("lock table has %d entries, want 0", n)
	}
}
