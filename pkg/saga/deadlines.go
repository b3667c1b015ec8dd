package saga

import (
	"sort"
	"sync"
	"time"
)

type deadline struct {
	sagaID  string
	orderID string
	at      time.Time
}

// deadlines tracks when each running saga times out.
type deadlines struct {
	mu     sync.Mutex
	bySaga map[string]deadline
}

func newDeadlines() *deadlines {
	return &deadlines{bySaga: make(map[string]deadline)}
}

func (d *deadlines) arm(sagaID, orderID string, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bySaga[sagaID] = deadline{sagaID: sagaID, orderID: orderID, at: at}
}

// extend arms sagaID unless it is already armed at a later time.
func (d *deadlines) extend(sagaID, orderID string, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if dl, ok := d.bySaga[sagaID]; ok && dl.at.After(at) {
		return
	}
	d.bySaga[sagaID] = deadline{sagaID: sagaID, orderID: orderID, at: at}
}

func (d *deadlines) clear(sagaID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.bySaga, sagaID)
}

func (d *deadlines) get(sagaID string) (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dl, ok := d.bySaga[sagaID]
	return dl.at, ok
}

// due returns the deadlines at or before now, earliest first.
func (d *deadlines) due(now time.Time) []deadline {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []deadline
	for _, dl := range d.bySaga {
		if !dl.at.After(now) {
			out = append(out, dl)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].at.Equal(out[j].at) {
			return out[i].sagaID < out[j].sagaID
		}
		return out[i].at.Before(out[j].at)
	})
	return out
}
