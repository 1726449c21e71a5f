package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestSubscription_CloseIsIdempotent(t *testing.T) {
	calls := 0
	sub := newSubscription("p", func() { calls++ })

	for i := 0; i < 3; i++ {
		if err := sub.Close(); err != nil {
			t.Fatalf("Close #%d: %v", i, err)
		}
	}
	if calls != 1 {
		t.Errorf("onClose calls = %d, want 1", calls)
	}
}

func TestSubscription_CloseDiscardsPending(t *testing.T) {
	sub := newSubscription("p", nil)
	sub.deliver(Snapshot{Empty: true})
	sub.Close()

	if _, err := sub.Next(context.Background()); !errors.Is(err, ErrSubscriptionClosed) {
		t.Errorf("Next after Close error = %v, want ErrSubscriptionClosed", err)
	}

	// Deliveries after Close are ignored.
	sub.deliver(Snapshot{Empty: true})
	if _, err := sub.Next(context.Background()); !errors.Is(err, ErrSubscriptionClosed) {
		t.Errorf("Next after late deliver error = %v", err)
	}
}

func TestSubscription_CloseUnblocksNext(t *testing.T) {
	sub := newSubscription("p", nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := sub.Next(context.Background())
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	sub.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrSubscriptionClosed) {
			t.Errorf("Next error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Next did not return after Close")
	}
}

func TestSubscription_NextHonoursContext(t *testing.T) {
	sub := newSubscription("p", nil)
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := sub.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Next error = %v, want DeadlineExceeded", err)
	}
}

func TestSubscription_SequenceIncreasesUnderConcurrency(t *testing.T) {
	sub := newSubscription("p", nil)
	defer sub.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				sub.deliver(Snapshot{Empty: true})
			}
		}()
	}

	done := make(chan struct{})
	var last uint64
	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for last < 400 {
			snap, err := sub.Next(ctx)
			if err != nil {
				return
			}
			if snap.Seq <= last {
				t.Errorf("Seq went from %d to %d", last, snap.Seq)
				return
			}
			last = snap.Seq
		}
	}()

	wg.Wait()
	<-done
	if last != 400 {
		t.Errorf("last Seq = %d, want 400", last)
	}
}
