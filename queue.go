package kindred

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ============================================================================
// Offline Operation Queue
// ============================================================================

const (
	// DefaultMaxRetries is the retry budget per queued operation.
	DefaultMaxRetries = 3

	// DefaultBackoff is the fixed delay between processing passes after a
	// transient failure.
	DefaultBackoff = 2 * time.Second
)

// Executor performs one kind of queued operation, going through the
// request pipeline internally. The returned error's code decides what
// the queue does: ValidationFailed and SessionExpired are terminal and
// never retried; everything else is transient.
type Executor func(ctx context.Context, payload json.RawMessage) error

// PendingOperation is the enqueuer's handle on a queued operation.
type PendingOperation struct {
	ID   string
	done chan error
}

// Done resolves with nil once the operation executed successfully, or
// with a typed error once it was dropped (exhausted, rejected, or
// cancelled). It never resolves twice.
func (p *PendingOperation) Done() <-chan error { return p.done }

// QueueOptions configures a Queue.
type QueueOptions struct {
	MaxRetries int
	Backoff    time.Duration
	Logger     *logrus.Logger
}

// Queue is a durable FIFO of deferred mutating operations. Operations
// survive restarts (the snapshot is persisted after every mutation) and
// execute in enqueue order, except that a transiently failing operation
// moves to the tail so it cannot permanently block the rest.
type Queue struct {
	store   Store
	reach   *Reachability
	log     *logrus.Entry
	maxTry  int
	backoff time.Duration

	// persistMu serializes snapshot writes so they reach the store in
	// mutation order; q.mu alone does not cover the store.Set call.
	persistMu sync.Mutex

	mu         sync.Mutex
	ops        []*QueuedOperation
	executors  map[string]Executor
	processing bool
	runAgain   bool
	waiters    map[string]chan error
	statusSubs map[int]func(QueueStatus)
	dropSubs   map[int]func(QueuedOperation, error)
	nextSubID  int
	closed     bool

	unsubReach func()
}

// NewQueue creates a queue bound to the given store and reachability
// monitor. Processing resumes automatically on every transition to
// connected. Call Load to restore a persisted snapshot, and Close when
// done.
func NewQueue(store Store, reach *Reachability, opts *QueueOptions) *Queue {
	q := &Queue{
		store:      store,
		reach:      reach,
		maxTry:     DefaultMaxRetries,
		backoff:    DefaultBackoff,
		executors:  make(map[string]Executor),
		waiters:    make(map[string]chan error),
		statusSubs: make(map[int]func(QueueStatus)),
		dropSubs:   make(map[int]func(QueuedOperation, error)),
	}
	log := logrus.New()
	if opts != nil {
		if opts.MaxRetries > 0 {
			q.maxTry = opts.MaxRetries
		}
		if opts.Backoff > 0 {
			q.backoff = opts.Backoff
		}
		if opts.Logger != nil {
			log = opts.Logger
		}
	}
	q.log = log.WithField("component", "queue")

	q.unsubReach = reach.Subscribe(func(s ConnectionState) {
		if s == ConnectionConnected {
			go q.Process(context.Background())
		}
	})
	return q
}

// Close detaches the queue from the reachability monitor. Pending
// operations stay persisted for the next start.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.unsubReach()
}

// RegisterExecutor binds an operation kind to its executor. Must be
// called before Load so persisted operations can be replayed.
func (q *Queue) RegisterExecutor(kind string, exec Executor) {
	q.mu.Lock()
	q.executors[kind] = exec
	q.mu.Unlock()
}

// Load restores the persisted queue snapshot. Safe to call on an empty
// store.
func (q *Queue) Load(ctx context.Context) error {
	raw, ok, err := q.store.Get(ctx, keyQueue)
	if err != nil {
		return newError(CodeNetworkUnavailable, "cannot read queue snapshot", err)
	}
	if !ok || raw == "" {
		return nil
	}
	var ops []*QueuedOperation
	if err := json.Unmarshal([]byte(raw), &ops); err != nil {
		return newError(CodeValidationFailed, "corrupt queue snapshot", err)
	}
	q.mu.Lock()
	q.ops = ops
	q.mu.Unlock()
	q.notifyStatus()
	return nil
}

// ============================================================================
// Enqueue / remove
// ============================================================================

// Enqueue appends an operation and triggers processing. The payload must
// be serializable; the executor is resolved from the registry by kind,
// both now and after a restart.
func (q *Queue) Enqueue(ctx context.Context, kind string, payload interface{}) (*PendingOperation, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, newError(CodeValidationFailed, "payload not serializable", err)
	}

	q.mu.Lock()
	if _, ok := q.executors[kind]; !ok {
		q.mu.Unlock()
		return nil, newError(CodeValidationFailed, "no executor registered for kind "+kind, nil)
	}
	op := &QueuedOperation{
		ID:         uuid.NewString(),
		Kind:       kind,
		Payload:    data,
		EnqueuedAt: time.Now().UTC(),
		MaxRetries: q.maxTry,
	}
	q.ops = append(q.ops, op)
	pending := &PendingOperation{ID: op.ID, done: make(chan error, 1)}
	q.waiters[op.ID] = pending.done
	q.mu.Unlock()

	if err := q.persist(ctx); err != nil {
		q.log.WithError(err).Warn("queue snapshot write failed")
	}
	q.notifyStatus()

	go q.Process(context.Background())
	return pending, nil
}

// Remove cancels a pending operation (e.g. the user discarded a draft).
// The enqueuer's Done channel resolves with a cancellation error.
func (q *Queue) Remove(ctx context.Context, id string) bool {
	q.mu.Lock()
	var removed *QueuedOperation
	for i, op := range q.ops {
		if op.ID == id {
			removed = op
			q.ops = append(q.ops[:i], q.ops[i+1:]...)
			break
		}
	}
	q.mu.Unlock()
	if removed == nil {
		return false
	}
	if err := q.persist(ctx); err != nil {
		q.log.WithError(err).Warn("queue snapshot write failed")
	}
	q.resolve(removed.ID, newError(CodeValidationFailed, "operation cancelled", context.Canceled))
	q.notifyStatus()
	return true
}

// Clear cancels every pending operation.
func (q *Queue) Clear(ctx context.Context) {
	q.mu.Lock()
	dropped := q.ops
	q.ops = nil
	q.mu.Unlock()
	if err := q.persist(ctx); err != nil {
		q.log.WithError(err).Warn("queue snapshot write failed")
	}
	for _, op := range dropped {
		q.resolve(op.ID, newError(CodeValidationFailed, "queue cleared", context.Canceled))
	}
	q.notifyStatus()
}

// ============================================================================
// Status observation
// ============================================================================

// Status returns a snapshot for UI indicators.
func (q *Queue) Status() QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statusLocked()
}

func (q *Queue) statusLocked() QueueStatus {
	retries := make(map[string]int, len(q.ops))
	for _, op := range q.ops {
		retries[op.ID] = op.RetryCount
	}
	return QueueStatus{
		PendingCount: len(q.ops),
		IsProcessing: q.processing,
		RetryCounts:  retries,
	}
}

// OnStatusChange registers a push observer notified after every queue
// mutation. Returns an idempotent unsubscribe.
func (q *Queue) OnStatusChange(fn func(QueueStatus)) func() {
	q.mu.Lock()
	id := q.nextSubID
	q.nextSubID++
	q.statusSubs[id] = fn
	q.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			q.mu.Lock()
			delete(q.statusSubs, id)
			q.mu.Unlock()
		})
	}
}

// OnDrop registers an observer for operations dropped after exhausting
// their retry budget or being rejected. This is how drops of operations
// restored from a previous process (which have no live enqueuer) are
// surfaced.
func (q *Queue) OnDrop(fn func(QueuedOperation, error)) func() {
	q.mu.Lock()
	id := q.nextSubID
	q.nextSubID++
	q.dropSubs[id] = fn
	q.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			q.mu.Lock()
			delete(q.dropSubs, id)
			q.mu.Unlock()
		})
	}
}

func (q *Queue) notifyStatus() {
	q.mu.Lock()
	status := q.statusLocked()
	subs := make([]func(QueueStatus), 0, len(q.statusSubs))
	for _, fn := range q.statusSubs {
		subs = append(subs, fn)
	}
	q.mu.Unlock()
	for _, fn := range subs {
		fn(status)
	}
}

func (q *Queue) notifyDrop(op QueuedOperation, err error) {
	q.mu.Lock()
	subs := make([]func(QueuedOperation, error), 0, len(q.dropSubs))
	for _, fn := range q.dropSubs {
		subs = append(subs, fn)
	}
	q.mu.Unlock()
	for _, fn := range subs {
		fn(op, err)
	}
}

// ============================================================================
// Processing
// ============================================================================

// Process drains the queue. Single-flight: a call while a pass is active
// coalesces into "run once more after the current pass". Exits
// immediately while offline; a pass resumes on the next transition to
// connected or the next explicit trigger.
func (q *Queue) Process(ctx context.Context) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if q.processing {
		q.runAgain = true
		q.mu.Unlock()
		return
	}
	q.processing = true
	q.mu.Unlock()
	q.notifyStatus()

	q.runPass(ctx)

	q.mu.Lock()
	q.processing = false
	again := q.runAgain
	q.runAgain = false
	q.mu.Unlock()
	q.notifyStatus()

	if again {
		go q.Process(context.Background())
	}
}

func (q *Queue) runPass(ctx context.Context) {
	for {
		if !q.reach.Online() {
			return
		}

		q.mu.Lock()
		if len(q.ops) == 0 {
			q.mu.Unlock()
			return
		}
		op := q.ops[0]
		exec := q.executors[op.Kind]
		q.mu.Unlock()

		if exec == nil {
			// Restored operation whose kind was never re-registered.
			q.drop(ctx, op, newError(CodeValidationFailed, "no executor registered for kind "+op.Kind, nil))
			continue
		}

		err := exec(ctx, op.Payload)
		if err == nil {
			q.pop(ctx, op, nil)
			continue
		}

		code := CodeOf(err)
		if code == CodeValidationFailed || code == CodeSessionExpired {
			// Terminal: not retried, retry count untouched.
			q.drop(ctx, op, err)
			continue
		}

		// Transient failure: retry-to-tail so one bad item cannot block
		// the rest, then end this pass and come back after the backoff.
		q.mu.Lock()
		op.RetryCount++
		exhausted := op.RetryCount >= op.MaxRetries
		q.mu.Unlock()

		if exhausted {
			q.drop(ctx, op, newError(CodeOperationExhausted, "operation dropped after "+op.Kind+" exhausted retries", err))
			continue
		}

		q.mu.Lock()
		if len(q.ops) > 0 && q.ops[0] == op {
			q.ops = append(q.ops[1:], op)
		}
		q.mu.Unlock()
		if perr := q.persist(ctx); perr != nil {
			q.log.WithError(perr).Warn("queue snapshot write failed")
		}
		q.notifyStatus()

		time.AfterFunc(q.backoff, func() { q.Process(context.Background()) })
		return
	}
}

// pop removes a completed operation and resolves its waiter.
func (q *Queue) pop(ctx context.Context, op *QueuedOperation, outcome error) {
	q.mu.Lock()
	for i, o := range q.ops {
		if o.ID == op.ID {
			q.ops = append(q.ops[:i], q.ops[i+1:]...)
			break
		}
	}
	q.mu.Unlock()
	if err := q.persist(ctx); err != nil {
		q.log.WithError(err).Warn("queue snapshot write failed")
	}
	q.resolve(op.ID, outcome)
	q.notifyStatus()
}

// drop removes a failed operation, resolves its waiter with the terminal
// error, and tells drop observers. It is not silently lost.
func (q *Queue) drop(ctx context.Context, op *QueuedOperation, cause error) {
	q.log.WithFields(logrus.Fields{
		"op":      op.ID,
		"kind":    op.Kind,
		"retries": op.RetryCount,
	}).WithError(cause).Warn("queued operation dropped")
	q.pop(ctx, op, cause)
	q.notifyDrop(*op, cause)
}

func (q *Queue) resolve(id string, err error) {
	q.mu.Lock()
	ch, ok := q.waiters[id]
	if ok {
		delete(q.waiters, id)
	}
	q.mu.Unlock()
	if ok {
		ch <- err
		close(ch)
	}
}

// persist writes the snapshot after every mutation so a restart resumes
// with the same pending set and order. Marshal and write happen under
// persistMu: a snapshot taken earlier can never land after a newer one
// and resurrect an already-executed operation.
func (q *Queue) persist(ctx context.Context) error {
	q.persistMu.Lock()
	defer q.persistMu.Unlock()

	q.mu.Lock()
	data, err := json.Marshal(q.ops)
	q.mu.Unlock()
	if err != nil {
		return newError(CodeValidationFailed, "cannot marshal queue", err)
	}
	return q.store.Set(ctx, keyQueue, string(data))
}
