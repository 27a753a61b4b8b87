package router

import (
	"sync"
	"testing"
	"time"
)

func drainInts(t *testing.T, buf *GrowableBuffer[int], want []int) {
	t.Helper()
	for _, w := range want {
		got, ok := buf.TryReceive()
		if !ok {
			t.Fatalf("TryReceive failed, expected %d", w)
		}
		if got != w {
			t.Errorf("got %d, want %d", got, w)
		}
	}
	if _, ok := buf.TryReceive(); ok {
		t.Error("buffer should be empty")
	}
}

func TestGrowableBuffer_FIFO(t *testing.T) {
	buf := NewGrowableBuffer[int](10)
	for i := 0; i < 5; i++ {
		if !buf.Send(i) {
			t.Fatalf("Send(%d) returned false", i)
		}
	}
	if buf.Len() != 5 {
		t.Errorf("Len() = %d, want 5", buf.Len())
	}
	drainInts(t, buf, []int{0, 1, 2, 3, 4})
}

func TestGrowableBuffer_Grow(t *testing.T) {
	t.Run("at 70 percent", func(t *testing.T) {
		buf := NewGrowableBuffer[int](10)
		for i := 0; i < 7; i++ {
			buf.Send(i)
		}
		stats := buf.Stats()
		if stats.Capacity <= 10 || stats.ResizeCount != 1 {
			t.Errorf("stats = %+v, want one grow past 10", stats)
		}
		drainInts(t, buf, []int{0, 1, 2, 3, 4, 5, 6})
	})

	t.Run("repeatedly when unbounded", func(t *testing.T) {
		buf := NewGrowableBuffer[int](4)
		want := make([]int, 100)
		for i := range want {
			want[i] = i
			buf.Send(i)
		}
		if stats := buf.Stats(); stats.ResizeCount < 3 || stats.Dropped != 0 {
			t.Errorf("stats = %+v", stats)
		}
		drainInts(t, buf, want)
	})

	t.Run("preserves order across wrap", func(t *testing.T) {
		buf := NewGrowableBuffer[int](5)
		buf.Send(1)
		buf.Send(2)
		buf.Send(3)
		buf.TryReceive()
		buf.TryReceive()
		for _, v := range []int{4, 5, 6, 7, 8} {
			buf.Send(v)
		}
		drainInts(t, buf, []int{3, 4, 5, 6, 7, 8})
	})
}

func TestBoundedBuffer_DropsOldest(t *testing.T) {
	buf := NewBoundedBuffer[int](2, 4)
	for i := 1; i <= 7; i++ {
		if !buf.Send(i) {
			t.Fatalf("Send(%d) returned false", i)
		}
	}

	stats := buf.Stats()
	if stats.Capacity != 4 {
		t.Errorf("Capacity = %d, want 4", stats.Capacity)
	}
	if stats.Dropped != 3 {
		t.Errorf("Dropped = %d, want 3", stats.Dropped)
	}
	if stats.TotalSent != 0 {
		t.Errorf("TotalSent = %d, evictions must not count as sent", stats.TotalSent)
	}
	drainInts(t, buf, []int{4, 5, 6, 7})
}

func TestNewBoundedBuffer_LimitBelowInitial(t *testing.T) {
	buf := NewBoundedBuffer[int](8, 3)
	for i := 0; i < 20; i++ {
		buf.Send(i)
	}
	if buf.Cap() != 8 {
		t.Errorf("Cap() = %d, want 8", buf.Cap())
	}
	if buf.Len() != 8 {
		t.Errorf("Len() = %d, want 8", buf.Len())
	}
}

func TestGrowableBuffer_Close(t *testing.T) {
	t.Run("drains remaining then reports closed", func(t *testing.T) {
		buf := NewGrowableBuffer[int](10)
		buf.Send(1)
		buf.Send(2)
		buf.Close()

		if buf.Send(3) {
			t.Error("Send should return false after Close")
		}
		drainInts(t, buf, []int{1, 2})
		if _, ok := buf.Receive(); ok {
			t.Error("Receive should return false when closed and empty")
		}
	})

	t.Run("unblocks receiver", func(t *testing.T) {
		buf := NewGrowableBuffer[int](10)
		done := make(chan bool, 1)
		go func() {
			_, ok := buf.Receive()
			done <- ok
		}()

		time.Sleep(10 * time.Millisecond)
		buf.Close()

		select {
		case ok := <-done:
			if ok {
				t.Error("Receive should return false when closed and empty")
			}
		case <-time.After(time.Second):
			t.Fatal("Close did not unblock Receive")
		}
	})
}

func TestGrowableBuffer_BlockingReceive(t *testing.T) {
	buf := NewGrowableBuffer[int](10)
	received := make(chan int, 1)

	go func() {
		if val, ok := buf.Receive(); ok {
			received <- val
		}
	}()

	time.Sleep(10 * time.Millisecond)
	buf.Send(42)

	select {
	case val := <-received:
		if val != 42 {
			t.Errorf("received %d, want 42", val)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for blocked receive")
	}
}

func TestGrowableBuffer_DrainTo(t *testing.T) {
	buf := NewGrowableBuffer[int](10)
	for i := 0; i < 10; i++ {
		buf.Send(i)
	}

	items := buf.DrainTo(5)
	if len(items) != 5 || items[0] != 0 || items[4] != 4 {
		t.Errorf("DrainTo(5) = %v", items)
	}
	if items = buf.DrainTo(0); len(items) != 5 {
		t.Errorf("DrainTo(0) returned %d items, want 5", len(items))
	}
	if items = buf.DrainTo(0); items != nil {
		t.Errorf("DrainTo on empty = %v, want nil", items)
	}
}

func TestGrowableBuffer_ConcurrentSendReceive(t *testing.T) {
	buf := NewGrowableBuffer[int](10)
	const numItems = 1000

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < numItems; i++ {
			buf.Send(i)
		}
	}()

	seen := make(map[int]bool, numItems)
	go func() {
		defer wg.Done()
		for i := 0; i < numItems; i++ {
			if val, ok := buf.Receive(); ok {
				seen[val] = true
			}
		}
	}()
	wg.Wait()

	if len(seen) != numItems {
		t.Errorf("received %d distinct items, want %d", len(seen), numItems)
	}
}

func TestGrowableBuffer_Stats(t *testing.T) {
	buf := NewGrowableBuffer[int](10)
	if s := buf.Stats(); s.Count != 0 || s.Capacity != 10 || s.TotalReceived != 0 {
		t.Errorf("initial stats incorrect: %+v", s)
	}

	buf.Send(1)
	buf.Send(2)
	buf.Send(3)
	buf.TryReceive()
	buf.TryReceive()

	if s := buf.Stats(); s.Count != 1 || s.TotalReceived != 3 || s.TotalSent != 2 {
		t.Errorf("stats after traffic: %+v", s)
	}
}

func TestNewGrowableBuffer_MinCapacity(t *testing.T) {
	for _, n := range []int{0, -5} {
		if got := NewGrowableBuffer[int](n).Cap(); got != 1 {
			t.Errorf("Cap() = %d, want 1 for initial capacity %d", got, n)
		}
	}
}
