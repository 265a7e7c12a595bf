package session

import (
	"context"
	"testing"
)

type nopSession struct{ name string }

func (n *nopSession) Send(context.Context, string, Content) error { return nil }
func (n *nopSession) Authenticated() bool                         { return true }
func (n *nopSession) OnStateChange(func(State, error))            {}
func (n *nopSession) Snapshot() []byte                            { return nil }
func (n *nopSession) LoginChallenge() string                      { return "" }
func (n *nopSession) Close() error                                { return nil }

func TestRegistry_PutIsExclusive(t *testing.T) {
	r := NewRegistry()
	a, b := &nopSession{"a"}, &nopSession{"b"}

	if !r.Put("dev", a) {
		t.Fatal("first put must win")
	}
	if r.Put("dev", b) {
		t.Fatal("second put must not replace a live handle")
	}
	got, ok := r.Get("dev")
	if !ok || got != a {
		t.Fatalf("want a, got %v", got)
	}
}

func TestRegistry_RemoveComparesHandle(t *testing.T) {
	r := NewRegistry()
	a, b := &nopSession{"a"}, &nopSession{"b"}
	r.Put("dev", a)

	if r.Remove("dev", b) {
		t.Fatal("stale handle must not evict the current one")
	}
	if !r.Remove("dev", a) {
		t.Fatal("current handle should be removed")
	}
	if r.Len() != 0 {
		t.Fatalf("want empty table, got %d", r.Len())
	}
}

func TestRegistry_IDsSorted(t *testing.T) {
	r := NewRegistry()
	r.Put("b", &nopSession{})
	r.Put("a", &nopSession{})
	ids := r.IDs()
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("got %v", ids)
	}
	if _, ok := r.Take("a"); !ok || r.Len() != 1 {
		t.Fatal("take should remove a")
	}
}
