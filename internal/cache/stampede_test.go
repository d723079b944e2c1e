package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGroup_SingleComputation(t *testing.T) {
	t.Parallel()
	g := NewGroup()

	var calls atomic.Int32
	release := make(chan struct{})

	const waiters = 8
	var wg sync.WaitGroup
	results := make([]Entry, waiters)
	for i := range waiters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, _, err := g.Do(context.Background(), "fp1", func(context.Context) (Entry, error) {
				calls.Add(1)
				<-release
				return Entry{Data: []byte("shared")}, nil
			})
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = e
		}()
	}

	// Let all goroutines pile onto the flight before releasing it.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Fatalf("computation ran %d times, want 1", n)
	}
	for i, e := range results {
		if string(e.Data) != "shared" {
			t.Errorf("waiter %d got %q, want shared result", i, e.Data)
		}
	}
}

func TestGroup_SharedFailure(t *testing.T) {
	t.Parallel()
	g := NewGroup()

	var calls atomic.Int32
	release := make(chan struct{})
	wantErr := errors.New("upstream boom")

	const waiters = 4
	var wg sync.WaitGroup
	errs := make([]error, waiters)
	for i := range waiters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, errs[i] = g.Do(context.Background(), "fp1", func(context.Context) (Entry, error) {
				calls.Add(1)
				<-release
				return Entry{}, wantErr
			})
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Fatalf("computation ran %d times, want 1 (no retry storm)", n)
	}
	for i, err := range errs {
		if !errors.Is(err, wantErr) {
			t.Errorf("waiter %d err = %v, want shared failure", i, err)
		}
	}
}

func TestGroup_LeaderCancelDoesNotKillFlight(t *testing.T) {
	t.Parallel()
	g := NewGroup()

	started := make(chan struct{})
	release := make(chan struct{})
	leaderCtx, cancelLeader := context.WithCancel(context.Background())

	var leaderErr error
	var leaderDone sync.WaitGroup
	leaderDone.Add(1)
	go func() {
		defer leaderDone.Done()
		_, _, leaderErr = g.Do(leaderCtx, "fp1", func(fctx context.Context) (Entry, error) {
			close(started)
			select {
			case <-release:
				return Entry{Data: []byte("ok")}, nil
			case <-fctx.Done():
				return Entry{}, fctx.Err()
			}
		})
	}()

	<-started

	// Second waiter joins the same flight.
	var followerEntry Entry
	var followerErr error
	var followerDone sync.WaitGroup
	followerDone.Add(1)
	go func() {
		defer followerDone.Done()
		followerEntry, _, followerErr = g.Do(context.Background(), "fp1", func(context.Context) (Entry, error) {
			t.Error("follower must join existing flight, not start its own")
			return Entry{}, nil
		})
	}()

	time.Sleep(50 * time.Millisecond)

	// Leader bails; the computation must keep running for the follower.
	cancelLeader()
	leaderDone.Wait()
	if !errors.Is(leaderErr, context.Canceled) {
		t.Fatalf("leader err = %v, want context.Canceled", leaderErr)
	}

	close(release)
	followerDone.Wait()
	if followerErr != nil {
		t.Fatalf("follower err = %v", followerErr)
	}
	if string(followerEntry.Data) != "ok" {
		t.Errorf("follower got %q, want ok", followerEntry.Data)
	}
}

func TestGroup_AllWaitersGoneCancelsFlight(t *testing.T) {
	t.Parallel()
	g := NewGroup()

	started := make(chan struct{})
	flightCancelled := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())

	var done sync.WaitGroup
	done.Add(1)
	go func() {
		defer done.Done()
		g.Do(ctx, "fp1", func(fctx context.Context) (Entry, error) {
			close(started)
			<-fctx.Done()
			close(flightCancelled)
			return Entry{}, fctx.Err()
		})
	}()

	<-started
	cancel()
	done.Wait()

	select {
	case <-flightCancelled:
	case <-time.After(time.Second):
		t.Fatal("flight context should be cancelled once the last waiter leaves")
	}
}

func TestGroup_SequentialCallsRunSeparately(t *testing.T) {
	t.Parallel()
	g := NewGroup()

	var calls atomic.Int32
	for range 3 {
		_, shared, err := g.Do(context.Background(), "fp1", func(context.Context) (Entry, error) {
			calls.Add(1)
			return Entry{Data: []byte("x")}, nil
		})
		if err != nil {
			t.Fatal(err)
		}
		if shared {
			t.Error("sequential call should not report shared")
		}
	}
	if n := calls.Load(); n != 3 {
		t.Fatalf("computation ran %d times, want 3", n)
	}
}
