package filter

import (
	"strings"
	"testing"

	"pr-hostdata-cache/internal/config"
)

type suffixFilter string

func (s suffixFilter) Filter(toolName string, payload []byte) []byte {
	return append(append([]byte{}, payload...), s...)
}

func TestChain_AppliesInOrder(t *testing.T) {
	chain := NewChain(suffixFilter("a"))
	chain.Add(suffixFilter("b"))

	if got := string(chain.Filter("tool", []byte("x"))); got != "xab" {
		t.Errorf("expected xab, got %s", got)
	}
	if chain.Len() != 2 {
		t.Errorf("expected 2 filters, got %d", chain.Len())
	}

	var empty Chain
	if got := string(empty.Filter("tool", []byte("x"))); got != "x" {
		t.Errorf("expected passthrough, got %s", got)
	}
}

func TestCreate_UnknownFilter(t *testing.T) {
	_, err := Create("does-not-exist", nil)
	if err == nil || !strings.Contains(err.Error(), "filter not found") {
		t.Errorf("expected filter not found error, got %v", err)
	}
}

func TestRegister_Extend(t *testing.T) {
	Register("test_suffix", func(options map[string]interface{}) (ResponseFilter, error) {
		return suffixFilter(options["suffix"].(string)), nil
	})

	chain := NewChain()
	err := chain.Extend([]config.FilterConfig{
		{Name: "test_suffix", Options: map[string]interface{}{"suffix": "!"}},
		{Name: "test_suffix", Options: map[string]interface{}{"suffix": "?"}},
	})
	if err != nil {
		t.Fatalf("Extend failed: %v", err)
	}
	if got := string(chain.Filter("tool", []byte("hi"))); got != "hi!?" {
		t.Errorf("expected hi!?, got %s", got)
	}

	if err := chain.Extend([]config.FilterConfig{{Name: "missing"}}); err == nil {
		t.Error("expected error for unregistered filter")
	}

	found := false
	for _, name := range Names() {
		if name == "test_suffix" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected test_suffix in %v", Names())
	}
}
