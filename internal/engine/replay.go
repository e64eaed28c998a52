package engine

import (
	"fmt"
	"sync"
)

// replayIndex tracks which (sender key, session id, message index)
// triples have been decrypted in each timeline. Purely in-memory;
// discarding a timeline and rebuilding it legitimately re-decrypts.
type replayIndex struct {
	mu        sync.Mutex
	timelines map[string]map[string]struct{}
}

func newReplayIndex() *replayIndex {
	return &replayIndex{timelines: make(map[string]map[string]struct{})}
}

func replayKey(senderKey, sessionID string, index uint32) string {
	return fmt.Sprintf("%s|%s|%d", senderKey, sessionID, index)
}

// markSeen records the triple for the timeline and reports whether it
// was fresh. A false return means the triple was already decrypted.
func (r *replayIndex) markSeen(timeline, key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	bucket, ok := r.timelines[timeline]
	if !ok {
		bucket = make(map[string]struct{})
		r.timelines[timeline] = bucket
	}
	if _, dup := bucket[key]; dup {
		return false
	}
	bucket[key] = struct{}{}
	return true
}

// reset drops the per-timeline set.
func (r *replayIndex) reset(timeline string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.timelines, timeline)
}
