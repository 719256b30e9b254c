package partition

import (
	"errors"
	"sync"
	"testing"
)

func TestWithCreatesLazily(t *testing.T) {
	inits := 0
	m := New(func(k string) []string { inits++; return []string{k} })
	_ = m.With("TS-01", func(v *[]string) error { *v = append(*v, "a"); return nil })
	_ = m.With("TS-01", func(v *[]string) error { *v = append(*v, "b"); return nil })

	var got []string
	if !m.Peek("TS-01", func(v []string) { got = v }) {
		t.Fatal("expected key present")
	}
	if inits != 1 || len(got) != 3 || got[2] != "b" {
		t.Fatalf("unexpected state inits=%d got=%v", inits, got)
	}
	if m.Peek("TS-02", func([]string) {}) {
		t.Fatal("Peek must not create keys")
	}
}

func TestWithPropagatesError(t *testing.T) {
	m := New[string, int](nil)
	boom := errors.New("boom")
	if err := m.With("k", func(*int) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestSerializesPerKey(t *testing.T) {
	m := New[string, int](nil)
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := "even"
			if i%2 == 1 {
				key = "odd"
			}
			_ = m.With(key, func(v *int) error { *v++; return nil })
		}(i)
	}
	wg.Wait()
	for _, k := range []string{"even", "odd"} {
		m.Peek(k, func(v int) {
			if v != 100 {
				t.Errorf("%s: expected 100, got %d", k, v)
			}
		})
	}
	if m.Len() != 2 || len(m.Keys()) != 2 {
		t.Fatalf("expected 2 keys, got %d", m.Len())
	}
	m.Delete("odd")
	if m.Len() != 1 {
		t.Fatalf("expected 1 key after delete, got %d", m.Len())
	}
}
