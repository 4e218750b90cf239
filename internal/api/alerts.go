package api

import (
	"sync"

	"pairtrade-engine/pkg/types"
)

// alertCapacity bounds the in-memory alert history.
const alertCapacity = 100

// AlertRing keeps the most recent operator alerts. It satisfies the
// executor's alert sink; every component publishes through it.
type AlertRing struct {
	mu  sync.Mutex
	buf []types.Alert
}

// NewAlertRing creates an empty ring.
func NewAlertRing() *AlertRing {
	return &AlertRing{}
}

// Publish appends an alert, evicting the oldest past capacity.
func (r *AlertRing) Publish(a types.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = append(r.buf, a)
	if len(r.buf) > alertCapacity {
		r.buf = r.buf[len(r.buf)-alertCapacity:]
	}
}

// List returns alerts newest first.
func (r *AlertRing) List() []types.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Alert, len(r.buf))
	for i, a := range r.buf {
		out[len(r.buf)-1-i] = a
	}
	return out
}
