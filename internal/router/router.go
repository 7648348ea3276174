// Package router implements C8, the message router and mailbox: direct,
// broadcast, and channel delivery between agents, with undeliverable direct
// messages queued in the recipient's durable mailbox (spec.md §4.11).
package router

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/notno/agentcom/internal/agentfsm"
	"github.com/notno/agentcom/internal/logging"
	"github.com/notno/agentcom/internal/store"
	"github.com/notno/agentcom/internal/supervisor"
)

// Entry is one mailbox message.
type Entry struct {
	Recipient string         `json:"recipient"`
	Seq       int64          `json:"seq"`
	From      string         `json:"from"`
	Payload   map[string]any `json:"payload"`
	Timestamp int64          `json:"timestamp"`
	ThreadID  string         `json:"thread_id,omitempty"`
}

// Router delivers messages directly, by broadcast, or to named channels,
// falling back to the durable mailbox when a direct recipient is offline.
type Router struct {
	mu         sync.Mutex
	table      *store.Table
	supervisor *supervisor.Supervisor
	channels   map[string]map[string]struct{} // channel -> set of agent ids
	nextSeq    map[string]int64               // recipient -> next seq to assign

	ttl        time.Duration
	maxPerBox  int
	nowFunc    func() time.Time
	log        logging.Logger
}

// Option configures a Router at construction.
type Option func(*Router)

// WithRetention sets the mailbox TTL and per-recipient FIFO cap.
func WithRetention(ttl time.Duration, maxPerBox int) Option {
	return func(r *Router) {
		r.ttl = ttl
		r.maxPerBox = maxPerBox
	}
}

// New loads a Router from table, rebuilding its per-recipient seq counters.
func New(table *store.Table, sup *supervisor.Supervisor, opts ...Option) (*Router, error) {
	r := &Router{
		table:      table,
		supervisor: sup,
		channels:   make(map[string]map[string]struct{}),
		nextSeq:    make(map[string]int64),
		ttl:        30 * 24 * time.Hour,
		maxPerBox:  1000,
		nowFunc:    time.Now,
		log:        logging.Component("router"),
	}
	for _, opt := range opts {
		opt(r)
	}

	recs, err := table.Scan(nil)
	if err != nil {
		return nil, fmt.Errorf("load mailbox: %w", err)
	}
	for _, rec := range recs {
		var e Entry
		if err := json.Unmarshal(rec.Value, &e); err != nil {
			r.log.Errorf("skipping unreadable mailbox record key=%s: %v", rec.Key, err)
			continue
		}
		if e.Seq >= r.nextSeq[e.Recipient] {
			r.nextSeq[e.Recipient] = e.Seq + 1
		}
	}
	return r, nil
}

func mailboxKey(recipient string, seq int64) string {
	return fmt.Sprintf("%s|%020d", recipient, seq)
}

// Subscribe adds agentID to channel's subscriber list.
func (r *Router) Subscribe(channel, agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channels[channel] == nil {
		r.channels[channel] = make(map[string]struct{})
	}
	r.channels[channel][agentID] = struct{}{}
}

// Unsubscribe removes agentID from channel's subscriber list.
func (r *Router) Unsubscribe(channel, agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels[channel], agentID)
}

// SendDirect delivers to the recipient's live session if connected,
// otherwise enqueues in its durable mailbox.
func (r *Router) SendDirect(from, recipient string, payload map[string]any, threadID string, frame func(Entry) any) error {
	if m, ok := r.supervisor.Lookup(recipient); ok && m.State() != agentfsm.StateOffline {
		entry := r.newEntry(from, recipient, payload, threadID)
		if err := m.Push(frame(entry)); err == nil {
			return nil
		}
		// Fall through to mailbox on push failure (e.g. buffer full).
	}
	return r.enqueue(from, recipient, payload, threadID)
}

// Broadcast delivers to every currently connected agent's live session. It
// never touches the mailbox — spec.md §4.11 only queues undeliverable
// direct sends.
func (r *Router) Broadcast(from string, payload map[string]any, threadID string, frame func(Entry) any) {
	for _, m := range r.supervisor.ListAll() {
		if m.State() == agentfsm.StateOffline {
			continue
		}
		entry := r.newEntry(from, m.AgentID(), payload, threadID)
		_ = m.Push(frame(entry))
	}
}

// SendChannel delivers to every subscriber of a named channel, enqueueing
// in the mailbox for any subscriber currently offline.
func (r *Router) SendChannel(from, channel string, payload map[string]any, threadID string, frame func(Entry) any) {
	r.mu.Lock()
	subs := make([]string, 0, len(r.channels[channel]))
	for id := range r.channels[channel] {
		subs = append(subs, id)
	}
	r.mu.Unlock()

	for _, id := range subs {
		_ = r.SendDirect(from, id, payload, threadID, frame)
	}
}

func (r *Router) newEntry(from, recipient string, payload map[string]any, threadID string) Entry {
	return Entry{
		Recipient: recipient,
		From:      from,
		Payload:   payload,
		Timestamp: r.nowFunc().UnixMilli(),
		ThreadID:  threadID,
	}
}

func (r *Router) enqueue(from, recipient string, payload map[string]any, threadID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	seq := r.nextSeq[recipient]
	if seq == 0 {
		seq = 1 // 0 is Poll's "none"; a recipient's first entry is seq 1
	}
	r.nextSeq[recipient] = seq + 1

	e := Entry{
		Recipient: recipient,
		Seq:       seq,
		From:      from,
		Payload:   payload,
		Timestamp: r.nowFunc().UnixMilli(),
		ThreadID:  threadID,
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode mailbox entry: %w", err)
	}
	if err := r.table.Insert(mailboxKey(recipient, seq), data); err != nil {
		return fmt.Errorf("persist mailbox entry: %w", err)
	}
	r.evictLocked(recipient)
	return nil
}

// evictLocked enforces TTL + FIFO cap for recipient. Caller must hold r.mu.
func (r *Router) evictLocked(recipient string) {
	recs, err := r.table.Scan(func(key string, _ []byte) bool {
		return strings.HasPrefix(key, recipient+"|")
	})
	if err != nil {
		r.log.Errorf("mailbox eviction scan failed recipient=%s: %v", recipient, err)
		return
	}

	entries := make([]Entry, 0, len(recs))
	for _, rec := range recs {
		var e Entry
		if err := json.Unmarshal(rec.Value, &e); err == nil {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })

	cutoff := r.nowFunc().Add(-r.ttl).UnixMilli()
	var toDelete []int64
	for _, e := range entries {
		if e.Timestamp < cutoff {
			toDelete = append(toDelete, e.Seq)
		}
	}
	if over := len(entries) - len(toDelete) - r.maxPerBox; over > 0 {
		// Beyond TTL eviction, trim the oldest remaining entries to the cap.
		remaining := entries[len(toDelete):]
		for i := 0; i < over && i < len(remaining); i++ {
			toDelete = append(toDelete, remaining[i].Seq)
		}
	}
	for _, seq := range toDelete {
		if err := r.table.Delete(mailboxKey(recipient, seq)); err != nil {
			r.log.Errorf("mailbox eviction delete failed recipient=%s seq=%d: %v", recipient, seq, err)
		}
	}
}

// Poll returns every mailbox entry for recipient with seq > sinceSeq, and
// the maximum seq observed (0 if none).
func (r *Router) Poll(recipient string, sinceSeq int64) ([]Entry, int64, error) {
	recs, err := r.table.Scan(func(key string, _ []byte) bool {
		return strings.HasPrefix(key, recipient+"|")
	})
	if err != nil {
		return nil, 0, fmt.Errorf("poll mailbox: %w", err)
	}

	out := make([]Entry, 0, len(recs))
	var maxSeq int64
	for _, rec := range recs {
		var e Entry
		if err := json.Unmarshal(rec.Value, &e); err != nil {
			continue
		}
		if e.Seq > maxSeq {
			maxSeq = e.Seq
		}
		if e.Seq > sinceSeq {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, maxSeq, nil
}

// ParseSeq parses a seq query parameter, defaulting to 0.
func ParseSeq(s string) int64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
