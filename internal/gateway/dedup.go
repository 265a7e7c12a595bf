package gateway

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Tracker remembers recently enqueued campaign ids. Entries expire after ttl
// and the oldest are evicted once size is reached.
type Tracker struct {
	lru *expirable.LRU[string, time.Time]
}

func NewTracker(size int, ttl time.Duration) *Tracker {
	if size <= 0 {
		size = 1000
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Tracker{lru: expirable.NewLRU[string, time.Time](size, nil, ttl)}
}

func (t *Tracker) Seen(id string) bool {
	_, ok := t.lru.Peek(id)
	return ok
}

func (t *Tracker) Mark(id string) {
	t.lru.Add(id, time.Now())
}

func (t *Tracker) Forget(id string) {
	t.lru.Remove(id)
}

func (t *Tracker) Len() int { return t.lru.Len() }

// IDs returns the ids still inside their ttl.
func (t *Tracker) IDs() []string {
	keys := t.lru.Keys()
	out := keys[:0]
	for _, k := range keys {
		if t.Seen(k) {
			out = append(out, k)
		}
	}
	return out
}
