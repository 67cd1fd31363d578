package fieldsync

import (
	"testing"
	"time"
)

func TestTimestampCompare(t *testing.T) {
	cases := []struct {
		a, b Timestamp
		want int
	}{
		{Timestamp{WallMillis: 1}, Timestamp{WallMillis: 2}, -1},
		{Timestamp{WallMillis: 2}, Timestamp{WallMillis: 1}, 1},
		{Timestamp{WallMillis: 1, Counter: 1}, Timestamp{WallMillis: 1, Counter: 2}, -1},
		{Timestamp{WallMillis: 1, Counter: 1, DeviceID: "a"}, Timestamp{WallMillis: 1, Counter: 1, DeviceID: "b"}, -1},
		{Timestamp{WallMillis: 1, Counter: 1, DeviceID: "a"}, Timestamp{WallMillis: 1, Counter: 1, DeviceID: "a"}, 0},
	}
	for i, c := range cases {
		if got := c.a.Compare(c.b); got != c.want {
			t.Errorf("case %d: Compare(%v, %v) = %d, want %d", i, c.a, c.b, got, c.want)
		}
		if got := c.b.Compare(c.a); got != -c.want {
			t.Errorf("case %d: Compare(%v, %v) = %d, want %d", i, c.b, c.a, got, -c.want)
		}
	}
}

func TestClockMonotonicWithinMillisecond(t *testing.T) {
	c := NewClock("dev-1")
	fixed := time.UnixMilli(5000)
	c.now = func() time.Time { return fixed }

	prev := c.Now()
	for i := 0; i < 100; i++ {
		ts := c.Now()
		if !prev.Before(ts) {
			t.Fatalf("timestamp %v does not order after %v", ts, prev)
		}
		prev = ts
	}
}

func TestClockWallAdvanceResetsCounter(t *testing.T) {
	c := NewClock("dev-1")
	now := time.UnixMilli(1000)
	c.now = func() time.Time { return now }

	c.Now()
	c.Now()
	now = time.UnixMilli(2000)
	ts := c.Now()
	if ts.WallMillis != 2000 || ts.Counter != 0 {
		t.Fatalf("expected 2000.0, got %v", ts)
	}
}

func TestClockObserve(t *testing.T) {
	c := NewClock("dev-1")
	fixed := time.UnixMilli(1000)
	c.now = func() time.Time { return fixed }

	remote := Timestamp{WallMillis: 9000, Counter: 5, DeviceID: "dev-2"}
	c.Observe(remote)

	ts := c.Now()
	if !remote.Before(ts) {
		t.Fatalf("timestamp %v issued after Observe does not order after %v", ts, remote)
	}
}
