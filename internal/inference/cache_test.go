package inference

import (
	"testing"
)

func TestScoreCache_GetSet(t *testing.T) {
	c := NewScoreCache(2)
	if v, ok := c.Get("a"); ok || v != nil {
		t.Fatal("expected miss")
	}
	c.Set("a", []float32{0.1, 0.9})
	c.Set("b", []float32{0.5})
	if _, ok := c.Get("a"); !ok { // a becomes most recent
		t.Fatal("expected a to be present")
	}
	c.Set("c", []float32{0.7}) // evicts b
	if _, ok := c.Get("b"); ok {
		t.Error("expected b to be evicted")
	}
	if v, ok := c.Get("a"); !ok || v[1] != 0.9 {
		t.Errorf("Get(a) = %v, %v", v, ok)
	}
	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}
}

func TestScoreCache_Disabled(t *testing.T) {
	c := NewScoreCache(0)
	c.Set("a", []float32{1})
	if _, ok := c.Get("a"); ok {
		t.Error("zero capacity cache should not store")
	}
}
