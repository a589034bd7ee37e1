// Package queue buffers commands for devices that are not connected.
//
// Each device id owns a FIFO. With a positive limit the FIFO is a bounded
// ring that evicts its oldest entry on overflow; a zero limit keeps every
// command. Entries carry their enqueue time so a max age can be enforced
// when the queue is drained.
package queue

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 16

// Command is an instruction addressed to one device.
type Command struct {
	TargetDeviceID string
	Action         string
	IssuedBy       string
	Timestamp      time.Time
}

// QueuedCommand is a Command waiting for its device to connect.
type QueuedCommand struct {
	Command    Command
	EnqueuedAt time.Time
}

type shard struct {
	mu    sync.Mutex
	fifos map[string][]QueuedCommand
}

type Queue struct {
	limit  int
	maxAge time.Duration
	now    func() time.Time

	shards  [shardCount]shard
	evicted atomic.Uint64
	expired atomic.Uint64
}

// New returns a queue. limit <= 0 means unbounded, maxAge <= 0 disables expiry.
func New(limit int, maxAge time.Duration) *Queue {
	q := &Queue{
		limit:  limit,
		maxAge: maxAge,
		now:    time.Now,
	}
	for i := range q.shards {
		q.shards[i].fifos = make(map[string][]QueuedCommand)
	}
	return q
}

func (q *Queue) shard(deviceID string) *shard {
	return &q.shards[xxhash.Sum64String(deviceID)%shardCount]
}

// Enqueue appends cmd to the device's FIFO and returns how many old entries
// were evicted to make room.
func (q *Queue) Enqueue(deviceID string, cmd Command) int {
	sh := q.shard(deviceID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	fifo := append(sh.fifos[deviceID], QueuedCommand{Command: cmd, EnqueuedAt: q.now()})
	evicted := 0
	if q.limit > 0 && len(fifo) > q.limit {
		evicted = len(fifo) - q.limit
		fifo = append([]QueuedCommand(nil), fifo[evicted:]...)
		q.evicted.Add(uint64(evicted))
	}
	sh.fifos[deviceID] = fifo
	return evicted
}

// DrainAndClear removes and returns every queued command for deviceID in
// enqueue order. A device with nothing queued yields an empty slice.
func (q *Queue) DrainAndClear(deviceID string) []QueuedCommand {
	sh := q.shard(deviceID)
	sh.mu.Lock()
	fifo := sh.fifos[deviceID]
	delete(sh.fifos, deviceID)
	sh.mu.Unlock()

	if q.maxAge <= 0 || len(fifo) == 0 {
		if fifo == nil {
			return []QueuedCommand{}
		}
		return fifo
	}

	cutoff := q.now().Add(-q.maxAge)
	kept := fifo[:0]
	for _, qc := range fifo {
		if qc.EnqueuedAt.Before(cutoff) {
			q.expired.Add(1)
			continue
		}
		kept = append(kept, qc)
	}
	return kept
}

// Requeue puts cmds back at the head of the device's FIFO, ahead of anything
// enqueued since they were drained. The limit still applies; overflow evicts
// from the head.
func (q *Queue) Requeue(deviceID string, cmds []QueuedCommand) {
	if len(cmds) == 0 {
		return
	}
	sh := q.shard(deviceID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	fifo := make([]QueuedCommand, 0, len(cmds)+len(sh.fifos[deviceID]))
	fifo = append(fifo, cmds...)
	fifo = append(fifo, sh.fifos[deviceID]...)
	if q.limit > 0 && len(fifo) > q.limit {
		evicted := len(fifo) - q.limit
		fifo = fifo[evicted:]
		q.evicted.Add(uint64(evicted))
	}
	sh.fifos[deviceID] = fifo
}

func (q *Queue) Len(deviceID string) int {
	sh := q.shard(deviceID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return len(sh.fifos[deviceID])
}

// Total returns the number of queued commands across all devices.
func (q *Queue) Total() int {
	n := 0
	for i := range q.shards {
		sh := &q.shards[i]
		sh.mu.Lock()
		for _, fifo := range sh.fifos {
			n += len(fifo)
		}
		sh.mu.Unlock()
	}
	return n
}

// Devices returns the sorted ids of devices with pending commands.
func (q *Queue) Devices() []string {
	var ids []string
	for i := range q.shards {
		sh := &q.shards[i]
		sh.mu.Lock()
		for id := range sh.fifos {
			ids = append(ids, id)
		}
		sh.mu.Unlock()
	}
	sort.Strings(ids)
	return ids
}

// Evicted is the lifetime count of commands dropped by the size limit.
func (q *Queue) Evicted() uint64 { return q.evicted.Load() }

// Expired is the lifetime count of commands dropped by the max age.
func (q *Queue) Expired() uint64 { return q.expired.Load() }
