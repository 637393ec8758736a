package marketdata

import (
	"sync"

	"github.com/meltonjoshua/auto-profit-trader/internal/types"
)

// History keeps a bounded rolling price series per (venue, instrument) for
// indicator computation. Older entries are evicted once the limit is reached.
type History struct {
	mu     sync.Mutex
	limit  int
	series map[string][]float64
}

func NewHistory(limit int) *History {
	return &History{limit: limit, series: make(map[string][]float64)}
}

func key(venue string, inst types.Instrument) string {
	return venue + "|" + inst.Symbol()
}

// Record appends the snapshot's last price to the (venue, instrument) series.
func (h *History) Record(snap types.PriceSnapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()

	k := key(snap.Venue, snap.Instrument)
	s := append(h.series[k], snap.Last)
	if len(s) > h.limit {
		s = s[len(s)-h.limit:]
	}
	h.series[k] = s
}

// Prices returns a copy of the series, oldest to newest.
func (h *History) Prices(venue string, inst types.Instrument) []float64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.series[key(venue, inst)]
	out := make([]float64, len(s))
	copy(out, s)
	return out
}

func (h *History) Len(venue string, inst types.Instrument) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.series[key(venue, inst)])
}
