// Package fetch batches tile requests.
//
// The Scheduler is a state machine: Idle, or Pending with a deadline and the
// ids accumulated since the burst began. Submit adds ids and pushes the
// deadline out by the debounce interval, never past MaxDelay from the first
// submit of the burst. Tick(now) flushes once the deadline passes. Flush
// splits the accumulated ids by source and into chunks of MaxBatchSize;
// each chunk is one Transport call. Ids are deduplicated by remote id across
// submissions, so a tile wanted by several tickets is fetched once and
// fanned out to all of them.
//
// The Scheduler never blocks and never starts goroutines: the caller runs
// the returned batches and reports back with Complete.
package fetch

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/soma-tiles/pyramid/pkg/faults"
	"github.com/soma-tiles/pyramid/pkg/logger"
	"github.com/soma-tiles/pyramid/pkg/metrics"
	"github.com/soma-tiles/pyramid/pkg/tile"
)

const (
	DefaultDebounce     = 100 * time.Millisecond
	DefaultMaxDelay     = 400 * time.Millisecond
	DefaultMaxBatchSize = 20
)

// ErrTileMissing marks ids a transport response left out.
var ErrTileMissing = faults.New(faults.Transport, "tile missing from response")

// Hooks observe transport traffic. Nil fields are skipped.
type Hooks struct {
	RequestSent     func(b *Batch)
	RequestReceived func(b *Batch, received int, err error)
}

// Options configures a Scheduler.
type Options struct {
	Debounce     time.Duration
	MaxDelay     time.Duration
	MaxBatchSize int
	Clock        Clock
	// SessionID is attached to every batch; zero means a fresh random id.
	SessionID uuid.UUID
	Hooks     Hooks
	Logger    logger.Logger
	Metrics   *metrics.Metrics
}

func (o *Options) applyDefaults() {
	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}
	if o.MaxDelay < o.Debounce {
		o.MaxDelay = DefaultMaxDelay
		if o.MaxDelay < o.Debounce {
			o.MaxDelay = o.Debounce
		}
	}
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = DefaultMaxBatchSize
	}
	if o.Clock == nil {
		o.Clock = RealClock{}
	}
	if o.SessionID == uuid.Nil {
		o.SessionID = uuid.New()
	}
}

// Batch is one transport call.
type Batch struct {
	Seq       uint64
	Source    SourceID
	SessionID uuid.UUID
	IDs       []tile.RemoteID

	sentAt time.Time
}

// ChunkResult is delivered to a ticket when a batch holding some of its ids
// completes. It only carries the ticket's own ids.
type ChunkResult struct {
	Batch    *Batch
	Payloads map[tile.RemoteID][]byte
	Failed   map[tile.RemoteID]error
}

// Ticket tracks one submission.
type Ticket struct {
	seq     uint64
	source  SourceID
	total   int
	wanted  map[tile.RemoteID]struct{}
	onChunk func(ChunkResult)
}

// Remaining is the number of ids not yet resolved.
func (t *Ticket) Remaining() int { return len(t.wanted) }

// Done reports whether every id of the submission has resolved.
func (t *Ticket) Done() bool { return len(t.wanted) == 0 }

// Total is the number of distinct ids submitted.
func (t *Ticket) Total() int { return t.total }

type waitKey struct {
	source SourceID
	id     tile.RemoteID
}

type state int

const (
	idle state = iota
	pending
)

// Scheduler coalesces fetch intents into batches. It is not safe for
// concurrent use.
type Scheduler struct {
	opts Options
	log  logger.Logger

	state        state
	deadline     time.Time
	burstStarted time.Time
	accumulated  map[SourceID]map[tile.RemoteID]struct{}

	waiters  map[waitKey][]*Ticket
	inflight map[waitKey]*Batch
	batches  map[uint64]*Batch

	batchSeq  uint64
	ticketSeq uint64
}

// NewScheduler creates an idle scheduler.
func NewScheduler(opts Options) *Scheduler {
	opts.applyDefaults()
	return &Scheduler{
		opts:        opts,
		log:         logger.OrNop(opts.Logger),
		accumulated: make(map[SourceID]map[tile.RemoteID]struct{}),
		waiters:     make(map[waitKey][]*Ticket),
		inflight:    make(map[waitKey]*Batch),
		batches:     make(map[uint64]*Batch),
	}
}

// SessionID is the process-lifetime id attached to every batch.
func (s *Scheduler) SessionID() uuid.UUID { return s.opts.SessionID }

// InFlight is the number of batches handed out and not yet completed.
func (s *Scheduler) InFlight() int { return len(s.batches) }

// Pending is the number of ids waiting for the next flush.
func (s *Scheduler) Pending() int {
	n := 0
	for _, ids := range s.accumulated {
		n += len(ids)
	}
	return n
}

// Deadline returns when the pending burst flushes, if one is pending.
func (s *Scheduler) Deadline() (time.Time, bool) {
	return s.deadline, s.state == pending
}

// Submit registers interest in ids from source. onChunk runs once per
// completed batch that resolves some of them. Ids already accumulated or in
// flight are not sent again.
func (s *Scheduler) Submit(source SourceID, ids []tile.RemoteID, onChunk func(ChunkResult)) *Ticket {
	s.ticketSeq++
	t := &Ticket{
		seq:     s.ticketSeq,
		source:  source,
		wanted:  make(map[tile.RemoteID]struct{}, len(ids)),
		onChunk: onChunk,
	}

	added, coalesced := 0, 0
	for _, id := range ids {
		if _, dup := t.wanted[id]; dup {
			continue
		}
		t.wanted[id] = struct{}{}
		k := waitKey{source: source, id: id}
		s.waiters[k] = append(s.waiters[k], t)

		if _, ok := s.inflight[k]; ok {
			coalesced++
			continue
		}
		acc := s.accumulated[source]
		if acc == nil {
			acc = make(map[tile.RemoteID]struct{})
			s.accumulated[source] = acc
		}
		if _, ok := acc[id]; ok {
			coalesced++
			continue
		}
		acc[id] = struct{}{}
		added++
	}
	t.total = len(t.wanted)
	s.opts.Metrics.Coalesced(coalesced)

	if added > 0 {
		now := s.opts.Clock.Now()
		if s.state == idle {
			s.state = pending
			s.burstStarted = now
		}
		s.deadline = now.Add(s.opts.Debounce)
		if limit := s.burstStarted.Add(s.opts.MaxDelay); s.deadline.After(limit) {
			s.deadline = limit
		}
	}
	return t
}

// Cancel withdraws a ticket. Accumulated ids nobody else waits for are
// dropped; in-flight ids still complete but are not delivered to t.
func (s *Scheduler) Cancel(t *Ticket) {
	for id := range t.wanted {
		k := waitKey{source: t.source, id: id}
		ws := s.waiters[k]
		for i, w := range ws {
			if w == t {
				ws = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		if len(ws) > 0 {
			s.waiters[k] = ws
			continue
		}
		delete(s.waiters, k)
		if acc := s.accumulated[t.source]; acc != nil {
			delete(acc, id)
			if len(acc) == 0 {
				delete(s.accumulated, t.source)
			}
		}
	}
	t.wanted = map[tile.RemoteID]struct{}{}
	if len(s.accumulated) == 0 {
		s.state = idle
	}
}

// Tick flushes if the debounce deadline has passed.
func (s *Scheduler) Tick(now time.Time) []*Batch {
	if s.state != pending || now.Before(s.deadline) {
		return nil
	}
	return s.Flush()
}

// Flush turns every accumulated id into batches immediately.
func (s *Scheduler) Flush() []*Batch {
	s.state = idle
	if len(s.accumulated) == 0 {
		return nil
	}

	sources := make([]SourceID, 0, len(s.accumulated))
	for src := range s.accumulated {
		sources = append(sources, src)
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i] < sources[j] })

	now := s.opts.Clock.Now()
	var out []*Batch
	for _, src := range sources {
		ids := make([]tile.RemoteID, 0, len(s.accumulated[src]))
		for id := range s.accumulated[src] {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		for start := 0; start < len(ids); start += s.opts.MaxBatchSize {
			end := min(start+s.opts.MaxBatchSize, len(ids))
			s.batchSeq++
			b := &Batch{
				Seq:       s.batchSeq,
				Source:    src,
				SessionID: s.opts.SessionID,
				IDs:       ids[start:end:end],
				sentAt:    now,
			}
			for _, id := range b.IDs {
				s.inflight[waitKey{source: src, id: id}] = b
			}
			s.batches[b.Seq] = b
			out = append(out, b)

			s.opts.Metrics.BatchSent(len(b.IDs))
			if s.opts.Hooks.RequestSent != nil {
				s.opts.Hooks.RequestSent(b)
			}
		}
	}
	s.accumulated = make(map[SourceID]map[tile.RemoteID]struct{})

	s.log.Debug("flushed fetch batches", "batches", len(out), "in_flight", len(s.batches))
	return out
}

// Complete resolves a batch. With err == nil, ids missing from payloads fail
// with ErrTileMissing; with err != nil every id fails with a Transport error.
// Each waiting ticket gets one ChunkResult carrying only its ids.
func (s *Scheduler) Complete(b *Batch, payloads map[tile.RemoteID][]byte, err error) {
	if _, ok := s.batches[b.Seq]; !ok {
		s.log.Warn("completion for unknown batch", "seq", b.Seq)
		return
	}
	delete(s.batches, b.Seq)

	if err != nil && !faults.Is(err, faults.Transport) {
		err = faults.Wrap(faults.Transport, err, "batch %d from %s", b.Seq, b.Source)
	}

	results := make(map[*Ticket]*ChunkResult)
	received, failed := 0, 0
	for _, id := range b.IDs {
		k := waitKey{source: b.Source, id: id}
		if s.inflight[k] == b {
			delete(s.inflight, k)
		}
		ws := s.waiters[k]
		delete(s.waiters, k)

		payload, ok := payloads[id]
		if err == nil && ok {
			received++
		} else {
			failed++
		}
		for _, t := range ws {
			cr := results[t]
			if cr == nil {
				cr = &ChunkResult{
					Batch:    b,
					Payloads: make(map[tile.RemoteID][]byte),
					Failed:   make(map[tile.RemoteID]error),
				}
				results[t] = cr
			}
			switch {
			case err != nil:
				cr.Failed[id] = err
			case ok:
				cr.Payloads[id] = payload
			default:
				cr.Failed[id] = ErrTileMissing
			}
			delete(t.wanted, id)
		}
	}

	s.opts.Metrics.BatchDone(received, failed, s.opts.Clock.Now().Sub(b.sentAt).Seconds())
	if s.opts.Hooks.RequestReceived != nil {
		s.opts.Hooks.RequestReceived(b, received, err)
	}
	if err != nil {
		s.log.Warn("fetch batch failed", "seq", b.Seq, "source", b.Source, "ids", len(b.IDs), "error", err)
	}

	tickets := make([]*Ticket, 0, len(results))
	for t := range results {
		tickets = append(tickets, t)
	}
	sort.Slice(tickets, func(i, j int) bool { return tickets[i].seq < tickets[j].seq })
	for _, t := range tickets {
		if t.onChunk != nil {
			t.onChunk(*results[t])
		}
	}
}
