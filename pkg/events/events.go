package events

import (
	"sync"
	"time"

	"github.com/druso/photoflow/pkg/types"
)

// EventKind discriminates records on the job event stream
type EventKind string

const (
	KindJob         EventKind = "job"
	KindItem        EventKind = "item"
	KindItemMoved   EventKind = "item_moved"
	KindItemRemoved EventKind = "item_removed"
)

// JobEvent is one record on the job stream: a job status/progress
// update, or a per-item record emitted by a handler.
type JobEvent struct {
	Kind          EventKind       `json:"type"`
	ID            int64           `json:"id,omitempty"`
	JobType       types.JobType   `json:"job_type,omitempty"`
	Status        types.JobStatus `json:"status,omitempty"`
	ProgressDone  int             `json:"progress_done"`
	ProgressTotal int             `json:"progress_total"`
	ProjectFolder string          `json:"project_folder,omitempty"`
	Filename      string          `json:"filename,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// PendingTotals aggregates pending deletions across all projects.
type PendingTotals struct {
	Total int `json:"total"`
	JPG   int `json:"jpg"`
	Raw   int `json:"raw"`
}

// PendingSnapshot is a full pending-changes picture. Flags carries the
// legacy per-project booleans older clients still consume; both views
// must converge to the same UI state.
type PendingSnapshot struct {
	Totals   PendingTotals          `json:"totals"`
	Projects []types.PendingChanges `json:"projects"`
	Flags    map[string]bool        `json:"flags"`
}

// BuildSnapshot assembles a snapshot from per-project aggregates.
func BuildSnapshot(projects []types.PendingChanges) PendingSnapshot {
	snap := PendingSnapshot{
		Projects: projects,
		Flags:    make(map[string]bool, len(projects)),
	}
	for _, p := range projects {
		snap.Totals.Total += p.PendingTotal
		snap.Totals.JPG += p.PendingJPG
		snap.Totals.Raw += p.PendingRaw
		snap.Flags[p.ProjectFolder] = p.PendingTotal > 0
	}
	return snap
}

// JobSubscriber receives job events on C until unsubscribed.
type JobSubscriber struct {
	C chan JobEvent
}

// PendingSubscriber receives coalesced pending-changes snapshots.
type PendingSubscriber struct {
	C chan PendingSnapshot
}

// Broker fans job and pending-changes events out to SSE subscribers.
// Publishing never blocks on subscriber I/O: each subscriber owns a
// bounded buffer and overflow drops the oldest event, preserving the
// latest terminal state. Successive pending snapshots inside the
// coalesce window collapse into the final one.
type Broker struct {
	mu          sync.RWMutex
	jobSubs     map[*JobSubscriber]bool
	pendingSubs map[*PendingSubscriber]bool

	bufSize  int
	coalesce time.Duration

	jobCh     chan JobEvent
	pendingCh chan PendingSnapshot
	flushCh   chan chan struct{}
	wake      chan struct{}
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewBroker creates a broker with the given per-subscriber buffer size
// and pending-snapshot coalesce window.
func NewBroker(bufSize int, coalesce time.Duration) *Broker {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Broker{
		jobSubs:     make(map[*JobSubscriber]bool),
		pendingSubs: make(map[*PendingSubscriber]bool),
		bufSize:     bufSize,
		coalesce:    coalesce,
		jobCh:       make(chan JobEvent, 128),
		pendingCh:   make(chan PendingSnapshot, 16),
		flushCh:     make(chan chan struct{}),
		wake:        make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// SubscribeJobs registers a new job-stream subscriber.
func (b *Broker) SubscribeJobs() *JobSubscriber {
	sub := &JobSubscriber{C: make(chan JobEvent, b.bufSize)}
	b.mu.Lock()
	b.jobSubs[sub] = true
	b.mu.Unlock()
	return sub
}

// UnsubscribeJobs removes a subscriber. Idempotent.
func (b *Broker) UnsubscribeJobs(sub *JobSubscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.jobSubs[sub] {
		delete(b.jobSubs, sub)
		close(sub.C)
	}
}

// SubscribePending registers a new pending-changes subscriber.
func (b *Broker) SubscribePending() *PendingSubscriber {
	sub := &PendingSubscriber{C: make(chan PendingSnapshot, b.bufSize)}
	b.mu.Lock()
	b.pendingSubs[sub] = true
	b.mu.Unlock()
	return sub
}

// UnsubscribePending removes a subscriber. Idempotent.
func (b *Broker) UnsubscribePending(sub *PendingSubscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pendingSubs[sub] {
		delete(b.pendingSubs, sub)
		close(sub.C)
	}
}

// PublishJob publishes a job event. Never blocks; if the broker's own
// intake is full the event is dropped.
func (b *Broker) PublishJob(ev JobEvent) {
	if ev.UpdatedAt.IsZero() {
		ev.UpdatedAt = time.Now().UTC()
	}
	select {
	case b.jobCh <- ev:
	case <-b.stopCh:
	default:
	}
}

// PublishPending publishes a pending-changes snapshot, subject to
// coalescing.
func (b *Broker) PublishPending(snap PendingSnapshot) {
	select {
	case b.pendingCh <- snap:
	case <-b.stopCh:
	default:
	}
}

// JobEnqueued signals idle workers that new work exists. Implements
// jobs.EnqueueNotifier.
func (b *Broker) JobEnqueued() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Wakeup returns the channel workers select on to cut their poll sleep
// short when a job is enqueued.
func (b *Broker) Wakeup() <-chan struct{} {
	return b.wake
}

// flush blocks until the distribution loop has delivered every job
// event published before the call.
func (b *Broker) flush() {
	ack := make(chan struct{})
	select {
	case b.flushCh <- ack:
		<-ack
	case <-b.stopCh:
	}
}

// SubscriberCount returns the number of live subscribers on both topics.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.jobSubs) + len(b.pendingSubs)
}

func (b *Broker) run() {
	var (
		latest *PendingSnapshot
		timer  *time.Timer
		timerC <-chan time.Time
	)

	for {
		select {
		case ev := <-b.jobCh:
			b.broadcastJob(ev)

		case snap := <-b.pendingCh:
			latest = &snap
			if b.coalesce <= 0 {
				b.broadcastPending(*latest)
				latest = nil
				continue
			}
			if timerC == nil {
				timer = time.NewTimer(b.coalesce)
				timerC = timer.C
			}

		case <-timerC:
			timerC = nil
			if latest != nil {
				b.broadcastPending(*latest)
				latest = nil
			}

		case ack := <-b.flushCh:
			// Drain job intake before acking so callers observe every
			// event published before the flush.
			for drained := false; !drained; {
				select {
				case ev := <-b.jobCh:
					b.broadcastJob(ev)
				default:
					drained = true
				}
			}
			close(ack)

		case <-b.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

func (b *Broker) broadcastJob(ev JobEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.jobSubs {
		select {
		case sub.C <- ev:
		default:
			// Buffer full: drop the oldest so the latest state lands.
			select {
			case <-sub.C:
			default:
			}
			select {
			case sub.C <- ev:
			default:
			}
		}
	}
}

func (b *Broker) broadcastPending(snap PendingSnapshot) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.pendingSubs {
		select {
		case sub.C <- snap:
		default:
			select {
			case <-sub.C:
			default:
			}
			select {
			case sub.C <- snap:
			default:
			}
		}
	}
}
