package requestcache

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oriys/pulsar/internal/protocol"
)

func TestCache_DoCachesSuccess(t *testing.T) {
	c := New(time.Minute)
	defer c.Close()

	calls := 0
	data := json.RawMessage(`{"scenes":["Main.unity"]}`)
	fn := func() *protocol.Response {
		calls++
		return protocol.NewResponse("cli-1:req-1", data)
	}

	first, hit, err := c.Do(context.Background(), "cli-1:req-1", fn)
	if err != nil {
		t.Fatalf("first Do failed: %v", err)
	}
	if hit {
		t.Fatal("first execution reported as cache hit")
	}
	second, hit, err := c.Do(context.Background(), "cli-1:req-1", fn)
	if err != nil {
		t.Fatalf("second Do failed: %v", err)
	}
	if !hit {
		t.Fatal("replay not served from cache")
	}
	if calls != 1 {
		t.Fatalf("expected single execution, got %d", calls)
	}
	if second != first {
		t.Fatal("replay returned a different response")
	}
	if !bytes.Equal(second.Data, data) {
		t.Fatalf("replayed data %s, want %s", second.Data, data)
	}
}

func TestCache_ErrorsNotCached(t *testing.T) {
	c := New(time.Minute)
	defer c.Close()

	calls := 0
	fn := func() *protocol.Response {
		calls++
		return protocol.NewErrorResponse("cli-1:req-2", protocol.CodeTimeout, "no COMMAND_RESULT within 30000ms")
	}

	for i := 0; i < 2; i++ {
		resp, hit, err := c.Do(context.Background(), "cli-1:req-2", fn)
		if err != nil {
			t.Fatalf("Do %d failed: %v", i, err)
		}
		if hit {
			t.Fatalf("Do %d served error response from cache", i)
		}
		if resp.Success {
			t.Fatalf("Do %d unexpectedly succeeded", i)
		}
	}
	if calls != 2 {
		t.Fatalf("expected error to re-execute, got %d calls", calls)
	}
	if c.Size() != 0 {
		t.Fatalf("error response was retained, size=%d", c.Size())
	}
}

func TestCache_Expiry(t *testing.T) {
	c := New(20 * time.Millisecond)
	defer c.Close()

	calls := 0
	fn := func() *protocol.Response {
		calls++
		return protocol.NewResponse("cli-1:req-3", json.RawMessage(`{"ok":true}`))
	}

	if _, _, err := c.Do(context.Background(), "cli-1:req-3", fn); err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	time.Sleep(40 * time.Millisecond)

	if _, err := c.Get("cli-1:req-3"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after expiry, got %v", err)
	}
	_, hit, err := c.Do(context.Background(), "cli-1:req-3", fn)
	if err != nil {
		t.Fatalf("Do after expiry failed: %v", err)
	}
	if hit {
		t.Fatal("expired entry served as cache hit")
	}
	if calls != 2 {
		t.Fatalf("expected re-execution after expiry, got %d calls", calls)
	}
}

func TestCache_CoalescesInFlight(t *testing.T) {
	c := New(time.Minute)
	defer c.Close()

	gate := make(chan struct{})
	var calls atomic.Int32
	fn := func() *protocol.Response {
		calls.Add(1)
		<-gate
		return protocol.NewResponse("cli-1:req-4", json.RawMessage(`{"n":7}`))
	}

	var wg sync.WaitGroup
	results := make([]*protocol.Response, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, _, err := c.Do(context.Background(), "cli-1:req-4", fn)
			if err != nil {
				t.Errorf("Do %d failed: %v", i, err)
				return
			}
			results[i] = resp
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Fatalf("expected one execution for concurrent duplicates, got %d", n)
	}
	for i, resp := range results {
		if resp == nil || !resp.Success {
			t.Fatalf("caller %d did not receive the shared success", i)
		}
		if resp != results[0] {
			t.Fatalf("caller %d received a different response", i)
		}
	}
}

func TestCache_WaiterContextCanceled(t *testing.T) {
	c := New(time.Minute)
	defer c.Close()

	gate := make(chan struct{})
	started := make(chan struct{})
	go func() {
		c.Do(context.Background(), "cli-1:req-5", func() *protocol.Response {
			close(started)
			<-gate
			return protocol.NewResponse("cli-1:req-5", nil)
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := c.Do(ctx, "cli-1:req-5", func() *protocol.Response {
		t.Error("waiter must not execute")
		return nil
	})
	if err == nil {
		t.Fatal("expected context error for canceled waiter")
	}
	close(gate)
}

func TestCache_GetMissing(t *testing.T) {
	c := New(time.Minute)
	defer c.Close()

	if _, err := c.Get("cli-1:unknown"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for an unknown id, got %v", err)
	}
}

func TestCache_ClosedExecutesWithoutCaching(t *testing.T) {
	c := New(time.Minute)
	c.Close()

	calls := 0
	fn := func() *protocol.Response {
		calls++
		return protocol.NewResponse("cli-1:req-6", nil)
	}
	for i := 0; i < 2; i++ {
		if _, hit, err := c.Do(context.Background(), "cli-1:req-6", fn); err != nil || hit {
			t.Fatalf("closed cache Do %d: hit=%v err=%v", i, hit, err)
		}
	}
	if calls != 2 {
		t.Fatalf("closed cache must pass through, got %d calls", calls)
	}
}
