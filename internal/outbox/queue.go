package outbox

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/matheus3301/chatcore/internal/conn"
	"github.com/matheus3301/chatcore/internal/dispatch"
	"github.com/matheus3301/chatcore/internal/metrics"
	"github.com/matheus3301/chatcore/internal/models"
	"github.com/matheus3301/chatcore/internal/protocol"
)

// ErrNotQueued is returned by Retry for an id the queue does not hold.
var ErrNotQueued = errors.New("action not queued")

// ReasonQueued is the failure reason attached to messages waiting for a connection.
const ReasonQueued = "queued"

// Transmitter writes actions onto the live connection.
type Transmitter interface {
	Transmit(ctx context.Context, a protocol.Action) error
	Connected() bool
}

// Notifier receives queue-driven status changes. *dispatch.Dispatcher implements it.
type Notifier interface {
	DeliveryStatus(ds dispatch.DeliveryStatus)
}

// Config tunes replay. Zero fields take the defaults.
type Config struct {
	// ReplayInterval is the minimum gap between replayed sends. Default 100ms.
	ReplayInterval time.Duration
	// MaxRetries is how many failed replays an entry survives. Default 3.
	MaxRetries int
}

// Entry is one queued action.
type Entry struct {
	// ID and ChatID are empty for untracked entries.
	ID         string
	ChatID     string
	Action     protocol.Action
	RetryCount int
	EnqueuedAt time.Time

	seq uint64
	// inflight is set while a drain or Retry is transmitting the entry.
	inflight bool
}

// Tracked reports whether the entry is indexed by id.
func (e Entry) Tracked() bool { return e.ID != "" }

// Payload renders the queued action as a flat map.
func (e Entry) Payload() (map[string]any, error) {
	return protocol.Payload(e.Action)
}

// Queue holds outbound actions that could not be transmitted and replays them
// in FIFO order once the connection is confirmed. It lives in memory only.
type Queue struct {
	dispatch.NopListener

	cfg     Config
	tx      Transmitter
	notify  Notifier
	limiter *rate.Limiter
	log     *zap.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	seq      uint64
	tracked  []*Entry
	fallback []*Entry
	index    map[string]*Entry
	draining bool
	// epoch changes on Clear so an in-flight drain abandons its batch.
	epoch uint64
}

// New creates an empty queue.
func New(cfg Config, tx Transmitter, notify Notifier, log *zap.Logger, m *metrics.Metrics) *Queue {
	if cfg.ReplayInterval <= 0 {
		cfg.ReplayInterval = 100 * time.Millisecond
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		cfg:     cfg,
		tx:      tx,
		notify:  notify,
		limiter: rate.NewLimiter(rate.Every(cfg.ReplayInterval), 1),
		log:     log,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		index:   make(map[string]*Entry),
	}
}

// Stop aborts any replay in progress.
func (q *Queue) Stop() {
	q.cancel()
}

// Enqueue stores a. Tracked actions replace an entry with the same id in
// place and immediately produce a failed/queued notification. When the
// transport is up a replay is started so the entry does not wait for the
// next reconnect.
func (q *Queue) Enqueue(a protocol.Action) {
	id, chatID, tracked := protocol.TrackingKeys(a)

	q.mu.Lock()
	if tracked {
		if e, ok := q.index[id]; ok {
			e.Action = a
		} else {
			e := q.newEntryLocked(a)
			e.ID, e.ChatID = id, chatID
			q.tracked = append(q.tracked, e)
			q.index[id] = e
		}
	} else {
		q.fallback = append(q.fallback, q.newEntryLocked(a))
	}
	q.depthLocked()
	idle := !q.draining
	q.mu.Unlock()

	q.log.Debug("action queued", zap.String("action", a.Name()), zap.String("id", id))
	if tracked {
		q.notifyQueued(id, chatID)
	}
	if idle && q.tx.Connected() {
		go q.Drain(q.ctx)
	}
}

// Busy reports whether actions are waiting or being replayed. New sends must
// queue behind them to keep FIFO order.
func (q *Queue) Busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.draining || len(q.tracked)+len(q.fallback) > 0
}

func (q *Queue) newEntryLocked(a protocol.Action) *Entry {
	q.seq++
	return &Entry{Action: a, EnqueuedAt: time.Now(), seq: q.seq}
}

// OnConnected starts a replay in the background.
func (q *Queue) OnConnected() {
	go q.Drain(q.ctx)
}

// OnNewMessage drops a pending send the server has already accepted.
func (q *Queue) OnNewMessage(msg *models.Message) {
	if msg == nil || msg.TempID == "" {
		return
	}
	if q.Remove(msg.TempID) {
		q.log.Debug("queued send confirmed by server echo", zap.String("temp_id", msg.TempID))
	}
}

// Drain replays queued entries oldest first, one attempt each, paced by the
// replay interval. Entries queued while a batch is in flight are replayed in
// a follow-up batch. It stops early, without spending retries, when the
// transport drops, and after a batch with failures. Only one drain runs at a
// time.
func (q *Queue) Drain(ctx context.Context) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	for {
		epoch := q.epoch
		batch := q.takeLocked()
		q.mu.Unlock()

		if len(batch) > 0 {
			q.log.Info("replaying queued actions", zap.Int("count", len(batch)))
		}
		requeue, clean := q.replay(ctx, batch, epoch)

		q.mu.Lock()
		if q.epoch == epoch {
			q.restoreLocked(requeue)
		}
		if !clean || len(q.tracked)+len(q.fallback) == 0 {
			break
		}
	}
	q.draining = false
	q.depthLocked()
	q.mu.Unlock()
}

// replay transmits batch and returns the entries to put back. clean is false
// when it stopped early or any entry failed.
func (q *Queue) replay(ctx context.Context, batch []*Entry, epoch uint64) (requeue []*Entry, clean bool) {
	clean = true
	for i, e := range batch {
		if ctx.Err() != nil || !q.tx.Connected() {
			return append(requeue, q.live(batch[i:])...), false
		}
		if err := q.limiter.Wait(ctx); err != nil {
			return append(requeue, q.live(batch[i:])...), false
		}
		if q.cleared(epoch) {
			return nil, true
		}
		switch q.claim(e) {
		case claimGone:
			continue
		case claimBusy:
			requeue = append(requeue, e)
			clean = false
			continue
		}

		q.notifySending(e)
		err := q.tx.Transmit(ctx, e.Action)
		q.release(e)
		if err == nil {
			q.delivered(e)
			continue
		}
		if errors.Is(err, conn.ErrNotConnected) {
			q.requeued(e)
			return append(requeue, q.live(batch[i:])...), false
		}
		clean = false
		if q.failed(e, err) {
			requeue = append(requeue, e)
		}
	}
	return requeue, clean
}

// Retry transmits one tracked entry now, ahead of drain order. It is a no-op
// when the entry is already being transmitted.
func (q *Queue) Retry(ctx context.Context, id string) error {
	q.mu.Lock()
	e, ok := q.index[id]
	if !ok {
		q.mu.Unlock()
		return ErrNotQueued
	}
	if e.inflight {
		q.mu.Unlock()
		return nil
	}
	e.inflight = true
	q.mu.Unlock()

	q.notifySending(e)
	err := q.tx.Transmit(ctx, e.Action)
	q.release(e)
	if err != nil {
		q.requeued(e)
		return err
	}
	q.mu.Lock()
	q.tracked = slices.DeleteFunc(q.tracked, func(x *Entry) bool { return x == e })
	q.mu.Unlock()
	q.delivered(e)
	return nil
}

// Remove drops a tracked entry without notification.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.index[id]
	if !ok {
		return false
	}
	delete(q.index, id)
	q.tracked = slices.DeleteFunc(q.tracked, func(x *Entry) bool { return x == e })
	q.depthLocked()
	return true
}

// Clear discards everything without notifications.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.tracked = nil
	q.fallback = nil
	q.index = make(map[string]*Entry)
	q.epoch++
	q.depthLocked()
	q.mu.Unlock()
}

// Pending returns copies of every queued entry in replay order. Entries
// being replayed at the moment are not included.
func (q *Queue) Pending() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	merged := mergeBySeq(q.tracked, q.fallback)
	out := make([]Entry, len(merged))
	for i, e := range merged {
		out[i] = *e
	}
	return out
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tracked) + len(q.fallback)
}

// takeLocked empties both lists into one batch ordered by arrival. Tracked
// entries stay indexed while in flight.
func (q *Queue) takeLocked() []*Entry {
	batch := mergeBySeq(q.tracked, q.fallback)
	q.tracked, q.fallback = nil, nil
	return batch
}

// restoreLocked puts entries back ahead of anything queued meanwhile.
func (q *Queue) restoreLocked(entries []*Entry) {
	var tracked, fallback []*Entry
	for _, e := range entries {
		if e.Tracked() {
			if q.index[e.ID] != e {
				continue
			}
			tracked = append(tracked, e)
		} else {
			fallback = append(fallback, e)
		}
	}
	q.tracked = append(tracked, q.tracked...)
	q.fallback = append(fallback, q.fallback...)
}

// live filters out tracked entries removed while the batch was in flight.
func (q *Queue) live(entries []*Entry) []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Entry, 0, len(entries))
	for _, e := range entries {
		if !e.Tracked() || q.index[e.ID] == e {
			out = append(out, e)
		}
	}
	return out
}

func (q *Queue) cleared(epoch uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.epoch != epoch
}

type claimResult int

const (
	claimed claimResult = iota
	claimGone
	claimBusy
)

// claim marks e in flight unless it was removed or someone else holds it.
func (q *Queue) claim(e *Entry) claimResult {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e.Tracked() && q.index[e.ID] != e {
		return claimGone
	}
	if e.inflight {
		return claimBusy
	}
	e.inflight = true
	return claimed
}

func (q *Queue) release(e *Entry) {
	q.mu.Lock()
	e.inflight = false
	q.mu.Unlock()
}

func (q *Queue) notifyQueued(id, chatID string) {
	q.notify.DeliveryStatus(dispatch.DeliveryStatus{
		MessageID: id,
		ChatID:    chatID,
		Status:    models.StatusFailed,
		Reason:    ReasonQueued,
	})
}

// notifySending lets listeners treat a replayed message as in flight, so a
// server echo racing the transmit still reconciles with it.
func (q *Queue) notifySending(e *Entry) {
	if !e.Tracked() {
		return
	}
	q.notify.DeliveryStatus(dispatch.DeliveryStatus{
		MessageID: e.ID,
		ChatID:    e.ChatID,
		Status:    models.StatusSending,
	})
}

// requeued reverts a sending notification for an entry that stays queued.
func (q *Queue) requeued(e *Entry) {
	if !e.Tracked() || !q.holds(e) {
		return
	}
	q.notifyQueued(e.ID, e.ChatID)
}

func (q *Queue) holds(e *Entry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.index[e.ID] == e
}

func (q *Queue) delivered(e *Entry) {
	q.metrics.QueueDeliver()
	if !e.Tracked() {
		return
	}
	q.mu.Lock()
	if q.index[e.ID] == e {
		delete(q.index, e.ID)
	}
	q.depthLocked()
	q.mu.Unlock()
	q.notify.DeliveryStatus(dispatch.DeliveryStatus{
		MessageID: e.ID,
		ChatID:    e.ChatID,
		Status:    models.StatusSent,
	})
}

// failed records a failed replay and reports whether e should be requeued.
// Tracked and untracked entries share the retry ceiling; only tracked ones
// are reported.
func (q *Queue) failed(e *Entry, err error) bool {
	if e.RetryCount >= q.cfg.MaxRetries {
		q.metrics.QueueDrop()
		q.log.Warn("dropping queued action after exhausting retries",
			zap.String("action", e.Action.Name()), zap.String("id", e.ID),
			zap.Int("retries", e.RetryCount), zap.Error(err))
		if !e.Tracked() {
			return false
		}
		q.mu.Lock()
		if q.index[e.ID] == e {
			delete(q.index, e.ID)
		}
		q.mu.Unlock()
		q.notify.DeliveryStatus(dispatch.DeliveryStatus{
			MessageID: e.ID,
			ChatID:    e.ChatID,
			Status:    models.StatusFailed,
			Reason:    err.Error(),
			Permanent: true,
		})
		return false
	}
	e.RetryCount++
	q.metrics.QueueRetry()
	q.log.Info("queued action failed, will retry",
		zap.String("action", e.Action.Name()), zap.String("id", e.ID),
		zap.Int("retry", e.RetryCount), zap.Error(err))
	q.requeued(e)
	return true
}

func (q *Queue) depthLocked() {
	q.metrics.SetQueueDepth(len(q.tracked), len(q.fallback))
}

func mergeBySeq(a, b []*Entry) []*Entry {
	out := make([]*Entry, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	slices.SortStableFunc(out, func(x, y *Entry) int {
		switch {
		case x.seq < y.seq:
			return -1
		case x.seq > y.seq:
			return 1
		}
		return 0
	})
	return out
}
