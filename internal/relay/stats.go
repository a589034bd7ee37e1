package relay

import "sync"

// Stats counts relay outcomes. Fields are guarded by mu because handlers on
// many goroutines record while /health reads.
type Stats struct {
	mu        sync.Mutex
	delivered uint64
	failed    uint64
	forwarded uint64
	queued    uint64
	flushed   uint64
	events    uint64
	dropped   uint64
}

// StatsSnapshot is a consistent copy of Stats.
type StatsSnapshot struct {
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Forwarded uint64 `json:"forwarded"`
	Queued    uint64 `json:"queued"`
	Flushed   uint64 `json:"flushed"`
	Events    uint64 `json:"events"`
	Dropped   uint64 `json:"dropped"`
}

func (st *Stats) recordSend(r Result) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if r.OK {
		st.delivered++
	} else {
		st.failed++
	}
}

func (st *Stats) recordCommand(forwarded bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if forwarded {
		st.forwarded++
	} else {
		st.queued++
	}
}

func (st *Stats) recordFlushed(delivered, failed int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.flushed += uint64(delivered)
	st.delivered += uint64(delivered)
	st.failed += uint64(failed)
}

func (st *Stats) recordEvent() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.events++
}

// recordDropped counts inbound messages discarded as malformed.
func (st *Stats) recordDropped() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.dropped++
}

func (st *Stats) Snapshot() StatsSnapshot {
	st.mu.Lock()
	defer st.mu.Unlock()
	return StatsSnapshot{
		Delivered: st.delivered,
		Failed:    st.failed,
		Forwarded: st.forwarded,
		Queued:    st.queued,
		Flushed:   st.flushed,
		Events:    st.events,
		Dropped:   st.dropped,
	}
}
