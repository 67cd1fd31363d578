package fieldsync

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Timestamp is a hybrid logical timestamp issued per device. Timestamps are
// totally ordered across devices: wall-clock milliseconds first, then a
// logical counter for events within the same millisecond, then the device ID
// as the final tie-break.
type Timestamp struct {
	WallMillis int64  `json:"wallMillis"`
	Counter    uint32 `json:"counter"`
	DeviceID   string `json:"deviceId"`
}

// Compare returns -1 if t orders before other, 1 if after, 0 if equal.
func (t Timestamp) Compare(other Timestamp) int {
	if t.WallMillis != other.WallMillis {
		if t.WallMillis < other.WallMillis {
			return -1
		}
		return 1
	}
	if t.Counter != other.Counter {
		if t.Counter < other.Counter {
			return -1
		}
		return 1
	}
	return strings.Compare(t.DeviceID, other.DeviceID)
}

// Before reports whether t orders strictly before other.
func (t Timestamp) Before(other Timestamp) bool {
	return t.Compare(other) < 0
}

// IsZero reports whether t is the zero timestamp.
func (t Timestamp) IsZero() bool {
	return t.WallMillis == 0 && t.Counter == 0 && t.DeviceID == ""
}

// Time returns the wall-clock component.
func (t Timestamp) Time() time.Time {
	return time.UnixMilli(t.WallMillis)
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%d@%s", t.WallMillis, t.Counter, t.DeviceID)
}

// Clock issues monotonically increasing timestamps for one device. A clock
// never issues the same timestamp twice, and observing a remote timestamp
// advances the clock past it so causally later events sort later even under
// wall-clock skew.
type Clock struct {
	deviceID string
	mu       sync.Mutex
	lastWall int64
	counter  uint32
	now      func() time.Time
}

// NewClock creates a clock for the given device.
func NewClock(deviceID string) *Clock {
	return &Clock{deviceID: deviceID, now: time.Now}
}

// Now issues the next timestamp.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	wall := c.now().UnixMilli()
	if wall > c.lastWall {
		c.lastWall = wall
		c.counter = 0
	} else {
		c.counter++
	}
	return Timestamp{WallMillis: c.lastWall, Counter: c.counter, DeviceID: c.deviceID}
}

// Observe advances the clock past a remote timestamp. Subsequent calls to
// Now are guaranteed to order after the observed timestamp.
func (c *Clock) Observe(ts Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ts.WallMillis > c.lastWall {
		c.lastWall = ts.WallMillis
		c.counter = ts.Counter
	} else if ts.WallMillis == c.lastWall && ts.Counter > c.counter {
		c.counter = ts.Counter
	}
}
