package cache

import (
	"context"
	"testing"
	"time"

	"github.com/openfiscal/apura/internal/domain"
)

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache(100)
	ctx := context.Background()
	taxpayerID := "11222333000181"

	t.Run("SetAndGet", func(t *testing.T) {
		err := cache.Set(ctx, taxpayerID, "key1", []byte("value1"), time.Minute)
		if err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		val, err := cache.Get(ctx, taxpayerID, "key1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}

		if string(val) != "value1" {
			t.Errorf("expected 'value1', got '%s'", string(val))
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		val, err := cache.Get(ctx, taxpayerID, "nonexistent")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil for cache miss, got: %v", val)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = cache.Set(ctx, taxpayerID, "key2", []byte("value2"), time.Minute)

		err := cache.Delete(ctx, taxpayerID, "key2")
		if err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		val, _ := cache.Get(ctx, taxpayerID, "key2")
		if val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		_ = cache.Set(ctx, taxpayerID, "expiring", []byte("temp"), 10*time.Millisecond)

		// Should be available immediately
		val, _ := cache.Get(ctx, taxpayerID, "expiring")
		if val == nil {
			t.Error("expected value before expiration")
		}

		// Wait for expiration
		time.Sleep(20 * time.Millisecond)

		val, _ = cache.Get(ctx, taxpayerID, "expiring")
		if val != nil {
			t.Error("expected nil after expiration")
		}
	})

	t.Run("LRUEviction", func(t *testing.T) {
		smallCache := NewLRUCache(3)

		_ = smallCache.Set(ctx, taxpayerID, "a", []byte("1"), time.Minute)
		_ = smallCache.Set(ctx, taxpayerID, "b", []byte("2"), time.Minute)
		_ = smallCache.Set(ctx, taxpayerID, "c", []byte("3"), time.Minute)

		// Access 'a' to make it recently used
		_, _ = smallCache.Get(ctx, taxpayerID, "a")

		// Add 'd' - should evict 'b' (oldest accessed)
		_ = smallCache.Set(ctx, taxpayerID, "d", []byte("4"), time.Minute)

		// 'b' should be evicted
		val, _ := smallCache.Get(ctx, taxpayerID, "b")
		if val != nil {
			t.Error("expected 'b' to be evicted")
		}

		// 'a' should still be there
		val, _ = smallCache.Get(ctx, taxpayerID, "a")
		if val == nil {
			t.Error("expected 'a' to still exist")
		}
	})

	t.Run("TaxpayerIsolation", func(t *testing.T) {
		taxpayer1 := "11222333000181"
		taxpayer2 := "99888777000166"

		_ = cache.Set(ctx, taxpayer1, "shared-key", []byte("taxpayer1-value"), time.Minute)
		_ = cache.Set(ctx, taxpayer2, "shared-key", []byte("taxpayer2-value"), time.Minute)

		val1, _ := cache.Get(ctx, taxpayer1, "shared-key")
		val2, _ := cache.Get(ctx, taxpayer2, "shared-key")

		if string(val1) != "taxpayer1-value" {
			t.Errorf("expected 'taxpayer1-value', got '%s'", string(val1))
		}
		if string(val2) != "taxpayer2-value" {
			t.Errorf("expected 'taxpayer2-value', got '%s'", string(val2))
		}
	})

	t.Run("RequiresTaxpayerID", func(t *testing.T) {
		err := cache.Set(ctx, "", "key", []byte("value"), time.Minute)
		if err == nil {
			t.Error("expected error for empty taxpayerID")
		}

		_, err = cache.Get(ctx, "", "key")
		if err == nil {
			t.Error("expected error for empty taxpayerID")
		}
	})

	t.Run("IncrementCounter", func(t *testing.T) {
		window := 100 * time.Millisecond

		count1, err := cache.IncrementCounter(ctx, taxpayerID, "runs", window)
		if err != nil {
			t.Fatalf("IncrementCounter failed: %v", err)
		}
		if count1 != 1 {
			t.Errorf("expected count 1, got %d", count1)
		}

		count2, _ := cache.IncrementCounter(ctx, taxpayerID, "runs", window)
		if count2 != 2 {
			t.Errorf("expected count 2, got %d", count2)
		}

		// Wait for window to expire
		time.Sleep(150 * time.Millisecond)

		count3, _ := cache.IncrementCounter(ctx, taxpayerID, "runs", window)
		if count3 != 1 {
			t.Errorf("expected count 1 after window reset, got %d", count3)
		}
	})

	t.Run("RuleSetCache", func(t *testing.T) {
		ruleSet := []*domain.Rule{
			{
				ID:       "r-001",
				Name:     "standard rate",
				Kind:     domain.KindReducedBase,
				Priority: 10,
				Active:   true,
				Source:   domain.SourceManual,
				Calculations: []domain.Calculation{
					{Target: domain.TargetRate, Formula: "rate.fixed", Params: map[string]string{"percent": "18"}},
				},
			},
		}

		err := cache.SetRuleSet(ctx, taxpayerID, ruleSet, time.Minute)
		if err != nil {
			t.Fatalf("SetRuleSet failed: %v", err)
		}

		retrieved, err := cache.GetRuleSet(ctx, taxpayerID)
		if err != nil {
			t.Fatalf("GetRuleSet failed: %v", err)
		}

		if len(retrieved) != 1 || retrieved[0].ID != "r-001" {
			t.Errorf("rule set not preserved: %+v", retrieved)
		}
		if retrieved[0].Calculations[0].Params["percent"] != "18" {
			t.Errorf("calculations not preserved: %+v", retrieved[0].Calculations)
		}
	})

	t.Run("RuleSetMiss", func(t *testing.T) {
		ruleSet, err := cache.GetRuleSet(ctx, "00111222000100")
		if err != nil {
			t.Fatalf("GetRuleSet failed: %v", err)
		}
		if ruleSet != nil {
			t.Errorf("expected nil on miss, got %+v", ruleSet)
		}
	})

	t.Run("Stats", func(t *testing.T) {
		statsCache := NewLRUCache(50)
		_ = statsCache.Set(ctx, taxpayerID, "k1", []byte("v1"), time.Minute)
		_ = statsCache.Set(ctx, taxpayerID, "k2", []byte("v2"), time.Minute)

		size, capacity := statsCache.Stats()
		if size != 2 {
			t.Errorf("expected size 2, got %d", size)
		}
		if capacity != 50 {
			t.Errorf("expected capacity 50, got %d", capacity)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := cache.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("Close", func(t *testing.T) {
		testCache := NewLRUCache(10)
		_ = testCache.Set(ctx, taxpayerID, "k", []byte("v"), time.Minute)

		err := testCache.Close()
		if err != nil {
			t.Errorf("Close failed: %v", err)
		}

		// Cache should be empty after close
		val, _ := testCache.Get(ctx, taxpayerID, "k")
		if val != nil {
			t.Error("expected cache to be cleared after close")
		}
	})
}

func TestNewCache(t *testing.T) {
	t.Run("MemoryType", func(t *testing.T) {
		cfg := domain.CacheConfig{
			Type:         "memory",
			LocalMaxSize: 100,
		}

		cache, err := New(cfg)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer cache.Close()

		_, ok := cache.(*LRUCache)
		if !ok {
			t.Error("expected LRUCache for memory type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		cfg := domain.CacheConfig{
			Type: "memcached",
		}

		_, err := New(cfg)
		if err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}
