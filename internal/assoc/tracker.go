// Package assoc keeps a live table of open DICOM associations, built from
// the match records the listener produces. Entries that never see a release
// or abort expire from the table and are reported as stale.
package assoc

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"dcmwrap/internal/events"
)

const DefaultTTL = 5 * time.Minute

// Association describes one association observed on the listener.
type Association struct {
	ID         string    `json:"id"`
	CallingAET string    `json:"callingAET"`
	CalledAET  string    `json:"calledAET"`
	StartedAt  time.Time `json:"startedAt"`
	Files      int       `json:"files"`
	MaxSendPDV int       `json:"maxSendPDV,omitempty"`
}

// Totals are cumulative counts since the tracker was created.
type Totals struct {
	Opened  int `json:"opened"`
	Closed  int `json:"closed"`
	Aborted int `json:"aborted"`
	Stale   int `json:"stale"`
	Files   int `json:"files"`
}

// entry wraps an association in the cache. done is set before a deliberate
// delete so the eviction handler can tell a close from an expiry.
type entry struct {
	assoc Association
	done  atomic.Bool
}

// Tracker consumes listener records and maintains the association table.
// It implements events.Sink so it can ride the normal delivery pipeline.
type Tracker struct {
	cache   *gocache.Cache
	onStale func(Association)

	mu        sync.Mutex
	currentID string
	totals    Totals
}

// NewTracker creates a tracker whose entries expire after ttl without
// activity. onStale, when non-nil, is called for each expired entry; it
// runs on the cache sweep goroutine and must not block.
func NewTracker(ttl time.Duration, onStale func(Association)) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	sweep := ttl / 5
	if sweep < time.Second {
		sweep = time.Second
	}

	t := &Tracker{
		cache:   gocache.New(ttl, sweep),
		onStale: onStale,
	}
	t.cache.OnEvicted(t.evicted)
	return t
}

// Name implements events.Sink.
func (t *Tracker) Name() string { return "assoc" }

// Send implements events.Sink. Non-match records are ignored.
//
// The listener log does not tag lines with an association identity, so
// when storescp forks per association the attribution here is
// approximate: storing and release lines are charged to the most
// recently opened association.
func (t *Tracker) Send(ctx context.Context, rec *events.Record) error {
	if rec.Kind != "match" {
		return nil
	}

	switch rec.Event {
	case "ASSOC_REQUEST":
		t.open(rec.Data)
	case "ASSOC_ACKNOWLEDGED":
		t.acknowledge(rec.Data)
	case "STORING":
		t.storing()
	case "ASSOC_RELEASED":
		t.close(false)
	case "ASSOC_ABORTED":
		t.close(true)
	}
	return nil
}

func (t *Tracker) open(data map[string]interface{}) {
	a := Association{
		ID:         uuid.NewString(),
		CallingAET: stringField(data, "callingAET"),
		CalledAET:  stringField(data, "calledAET"),
		StartedAt:  time.Now(),
	}

	t.mu.Lock()
	t.currentID = a.ID
	t.totals.Opened++
	t.mu.Unlock()

	t.cache.SetDefault(a.ID, &entry{assoc: a})
}

func (t *Tracker) acknowledge(data map[string]interface{}) {
	e, ok := t.current()
	if !ok {
		return
	}
	e.assoc.MaxSendPDV = intField(data, "maxSendPDV")
	t.refresh(e)
}

func (t *Tracker) storing() {
	t.mu.Lock()
	t.totals.Files++
	t.mu.Unlock()

	e, ok := t.current()
	if !ok {
		return
	}
	e.assoc.Files++
	t.refresh(e)
}

func (t *Tracker) close(aborted bool) {
	t.mu.Lock()
	id := t.currentID
	t.currentID = ""
	t.mu.Unlock()

	if id == "" {
		return
	}
	v, found := t.cache.Get(id)
	if !found {
		return
	}
	e := v.(*entry)
	e.done.Store(true)
	t.cache.Delete(id)

	t.mu.Lock()
	if aborted {
		t.totals.Aborted++
	} else {
		t.totals.Closed++
	}
	t.mu.Unlock()
}

// current returns the entry for the most recently opened association.
func (t *Tracker) current() (*entry, bool) {
	t.mu.Lock()
	id := t.currentID
	t.mu.Unlock()

	if id == "" {
		return nil, false
	}
	v, found := t.cache.Get(id)
	if !found {
		return nil, false
	}
	return v.(*entry), true
}

// refresh re-sets the entry to extend its TTL.
func (t *Tracker) refresh(e *entry) {
	t.cache.SetDefault(e.assoc.ID, e)
}

// evicted fires for every cache removal. Deliberate deletes carry the
// done flag and are counted at the close site; everything else leaked.
func (t *Tracker) evicted(id string, v interface{}) {
	e, ok := v.(*entry)
	if !ok || e.done.Load() {
		return
	}

	t.mu.Lock()
	t.totals.Stale++
	if t.currentID == id {
		t.currentID = ""
	}
	t.mu.Unlock()

	if t.onStale != nil {
		t.onStale(e.assoc)
	}
}

// Active returns the open associations, oldest first.
func (t *Tracker) Active() []Association {
	items := t.cache.Items()
	out := make([]Association, 0, len(items))
	for _, item := range items {
		if e, ok := item.Object.(*entry); ok {
			out = append(out, e.assoc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Totals returns the cumulative counters.
func (t *Tracker) Totals() Totals {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totals
}

// Close drops all open entries without reporting them stale.
func (t *Tracker) Close() error {
	for id, item := range t.cache.Items() {
		if e, ok := item.Object.(*entry); ok {
			e.done.Store(true)
		}
		t.cache.Delete(id)
	}
	return nil
}

// StaleRecord builds the journal record written when an association
// expires without a release.
func StaleRecord(a Association) *events.Record {
	rec := events.NewRecord("state", events.EventAssocStale).
		WithTool("storescp").
		WithData("id", a.ID).
		WithData("files", a.Files)
	if a.CallingAET != "" {
		rec.WithData("callingAET", a.CallingAET)
	}
	if a.CalledAET != "" {
		rec.WithData("calledAET", a.CalledAET)
	}
	return rec
}

func stringField(data map[string]interface{}, key string) string {
	if data == nil {
		return ""
	}
	s, _ := data[key].(string)
	return s
}

func intField(data map[string]interface{}, key string) int {
	if data == nil {
		return 0
	}
	n, _ := data[key].(int)
	return n
}
