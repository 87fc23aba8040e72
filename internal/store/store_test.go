package store

import (
	"testing"
	"time"
)

func TestWindowKeyIncludesWindowSize(t *testing.T) {
	minute := WindowKey("u1", "op", time.Minute.Milliseconds(), 100)
	hour := WindowKey("u1", "op", time.Hour.Milliseconds(), 100)
	if minute == hour {
		t.Error("per-minute and per-hour counters must not share a key")
	}
}

func TestBucketTTL(t *testing.T) {
	tests := []struct {
		name     string
		capacity float64
		refill   float64
		want     time.Duration
	}{
		{"short buckets clamp up", 5, 10, time.Minute},
		{"typical bucket", 300, 1, 10 * time.Minute},
		{"huge buckets clamp down", 1000000, 1, 24 * time.Hour},
		{"zero refill", 5, 0, time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := bucketTTL(tt.capacity, tt.refill); got != tt.want {
				t.Errorf("bucketTTL(%v, %v) = %v, want %v", tt.capacity, tt.refill, got, tt.want)
			}
		})
	}
}
