// Geofenced - Real-Time Geofencing Engine for Tourist Safety
// Copyright 2026 TourSafe Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/toursafe/geofenced

package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestCacheBasicOperations(t *testing.T) {
	c := New(1 * time.Minute)
	defer c.Close()

	c.Set("key1", []byte("value1"))
	value, exists := c.Get("key1")
	if !exists {
		t.Error("expected key1 to exist")
	}
	if string(value) != "value1" {
		t.Errorf("expected value1, got %s", value)
	}

	_, exists = c.Get("key2")
	if exists {
		t.Error("expected key2 to not exist")
	}
}

func TestCacheExpiration(t *testing.T) {
	c := New(100 * time.Millisecond)
	defer c.Close()

	c.Set("key1", []byte("value1"))
	if _, exists := c.Get("key1"); !exists {
		t.Error("expected key1 to exist immediately after set")
	}

	time.Sleep(150 * time.Millisecond)
	if _, exists := c.Get("key1"); exists {
		t.Error("expected key1 to be expired")
	}
}

func TestCacheJSONRoundTrip(t *testing.T) {
	c := New(1 * time.Minute)
	defer c.Close()

	type payload struct {
		UserID string  `json:"userId"`
		Lat    float64 `json:"lat"`
	}
	c.SetJSON("location:u1", payload{UserID: "u1", Lat: 28.6139}, time.Minute)

	var got payload
	if !c.GetJSON("location:u1", &got) {
		t.Fatal("expected cached value")
	}
	if got.UserID != "u1" || got.Lat != 28.6139 {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestCacheCorruptEntryDegradesToMiss(t *testing.T) {
	c := New(1 * time.Minute)
	defer c.Close()

	c.Set("location:u1", []byte("{not json"))
	var dst map[string]any
	if c.GetJSON("location:u1", &dst) {
		t.Error("expected decode failure to report a miss")
	}
	// The corrupt entry is dropped.
	if _, exists := c.Get("location:u1"); exists {
		t.Error("expected corrupt entry to be removed")
	}
}

func TestCacheDeletePrefix(t *testing.T) {
	c := New(1 * time.Minute)
	defer c.Close()

	c.Set(LocationKey("u1"), []byte("a"))
	c.Set(LocationKey("u2"), []byte("b"))
	c.Set(ZoneKey("z1"), []byte("c"))

	removed := c.DeletePrefix(PrefixLocation)
	if removed != 2 {
		t.Errorf("expected 2 removed, got %d", removed)
	}
	if _, exists := c.Get(ZoneKey("z1")); !exists {
		t.Error("zone entry should survive location prefix invalidation")
	}
}

func TestCacheStats(t *testing.T) {
	c := New(1 * time.Minute)
	defer c.Close()

	c.Set("a", []byte("1"))
	c.Get("a")
	c.Get("a")
	c.Get("missing")
	c.Delete("a")

	s := c.GetStats()
	if s.Hits != 2 || s.Misses != 1 || s.Sets != 1 || s.Deletes != 1 {
		t.Errorf("unexpected stats: %+v", s)
	}
	want := float64(2) / 3
	if diff := s.HitRate - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("hit rate %f, want %f", s.HitRate, want)
	}
}

func TestCacheConcurrency(t *testing.T) {
	c := New(1 * time.Minute)
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("key-%d-%d", n, j)
				c.Set(key, []byte("v"))
				c.Get(key)
			}
		}(i)
	}
	wg.Wait()

	if c.Len() != 1000 {
		t.Errorf("expected 1000 entries, got %d", c.Len())
	}
}

func TestKeyQuantization(t *testing.T) {
	// Coordinates differing past the 6th decimal share a key.
	k1 := NearbyKey(28.61391239, 77.20901231, 500)
	k2 := NearbyKey(28.61391240, 77.20901232, 500)
	if k1 != k2 {
		t.Errorf("expected quantized keys to match: %s vs %s", k1, k2)
	}

	// Same center, different radius: distinct keys.
	k3 := NearbyKey(28.61391239, 77.20901231, 501)
	if k1 == k3 {
		t.Error("expected radius to distinguish nearby keys")
	}

	g1 := GeofenceKey("u1", 28.613912, 77.209012)
	g2 := GeofenceKey("u2", 28.613912, 77.209012)
	if g1 == g2 {
		t.Error("expected user to distinguish geofence keys")
	}
}

func TestSlidingWindowCounter(t *testing.T) {
	sw := NewSlidingWindowCounter(200*time.Millisecond, 10)

	for i := 0; i < 5; i++ {
		sw.IncrementOne()
	}
	if got := sw.Count(); got != 5 {
		t.Errorf("expected count 5, got %d", got)
	}

	time.Sleep(250 * time.Millisecond)
	if got := sw.Count(); got != 0 {
		t.Errorf("expected window to roll over to 0, got %d", got)
	}
}

func TestSlidingWindowAllow(t *testing.T) {
	sw := NewSlidingWindowCounter(time.Second, 10)

	allowed := 0
	for i := 0; i < 20; i++ {
		if sw.Allow(10) {
			allowed++
		}
	}
	if allowed != 10 {
		t.Errorf("expected exactly 10 allowed, got %d", allowed)
	}
}
