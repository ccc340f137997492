package chunk

import (
	"context"
	stderrors "errors"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wippyai/chunk-runtime/config"
	"github.com/wippyai/chunk-runtime/errors"
	"github.com/wippyai/chunk-runtime/fetch"
	"github.com/wippyai/chunk-runtime/future"
	"github.com/wippyai/chunk-runtime/registry"
)

// State of a chunk.
type State uint8

const (
	Unloaded State = iota
	Loading
	Loaded
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	default:
		return "unloaded"
	}
}

// Event reports a chunk state transition. Err is set when a load failed
// and the chunk went back to Unloaded.
type Event struct {
	Err     error
	ChunkID string
	Attempt string
	State   State
}

type entry struct {
	future  *future.Future
	attempt string
	request string
	state   State
}

// Scheduler tracks chunk states, fetches missing chunks and registers their
// modules. All state transitions caused by payloads happen on one consumer
// goroutine that drains a bounded queue.
type Scheduler struct {
	ctx      context.Context
	fetcher  fetch.Fetcher
	executor Executor
	registry *registry.Registry
	observer func(Event)
	chunks   map[string]*entry
	queue    chan message
	cancel   context.CancelFunc
	cfg      config.Config
	wg       sync.WaitGroup
	mu       sync.Mutex
	closed   bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithObserver receives every state transition.
func WithObserver(fn func(Event)) Option {
	return func(s *Scheduler) { s.observer = fn }
}

// NewScheduler starts a scheduler that registers modules into reg.
func NewScheduler(cfg config.Config, reg *registry.Registry, fetcher fetch.Fetcher, executor Executor, opts ...Option) *Scheduler {
	queueSize := cfg.QueueSize
	if queueSize < 1 {
		queueSize = config.DefaultQueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = config.DefaultTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		ctx:      ctx,
		cancel:   cancel,
		cfg:      cfg,
		registry: reg,
		fetcher:  fetcher,
		executor: executor,
		chunks:   make(map[string]*entry),
		queue:    make(chan message, queueSize),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(1)
	go s.consume()
	return s
}

// Ensure returns a future that completes once chunkID is loaded and its
// modules are registered. Concurrent calls share one fetch.
func (s *Scheduler) Ensure(chunkID string) *future.Future {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return future.Rejected(errors.Closed(errors.PhaseFetch, "chunk scheduler"))
	}

	if e, ok := s.chunks[chunkID]; ok {
		s.mu.Unlock()
		return e.future
	}

	e := &entry{
		state:   Loading,
		future:  future.New(),
		attempt: uuid.NewString(),
		request: s.cfg.ChunkURL(chunkID),
	}
	s.chunks[chunkID] = e
	s.wg.Add(1)
	s.mu.Unlock()

	Logger().Debug("loading chunk",
		zap.String("chunk", chunkID),
		zap.String("url", e.request),
		zap.String("attempt", e.attempt))
	s.notify(Event{ChunkID: chunkID, State: Loading, Attempt: e.attempt})

	go s.load(chunkID, e.attempt, e.request)
	return e.future
}

// EnsureAll waits until every chunk is loaded.
func (s *Scheduler) EnsureAll(ctx context.Context, chunkIDs ...string) error {
	futures := make([]*future.Future, len(chunkIDs))
	for i, id := range chunkIDs {
		futures[i] = s.Ensure(id)
	}
	return future.All(ctx, futures...)
}

// State returns the current state of a chunk.
func (s *Scheduler) State(chunkID string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.chunks[chunkID]; ok {
		return e.state
	}
	return Unloaded
}

// MarkLoaded records chunks that are already present, such as the chunk
// holding the runtime itself.
func (s *Scheduler) MarkLoaded(chunkIDs ...string) {
	s.mu.Lock()
	events, ready := s.markLoaded(chunkIDs)
	s.mu.Unlock()

	s.release(events, ready)
}

// Push delivers a payload that was not requested through Ensure, e.g. an
// inline chunk. It returns once the payload's modules are registered.
func (s *Scheduler) Push(ctx context.Context, p Payload) error {
	return s.push(ctx, p)
}

// Close stops the consumer. Chunks still loading are rejected.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.chunks {
		if e.state == Loading {
			e.future.Reject(&errors.ChunkLoadError{
				ChunkID: id,
				Type:    errors.LoadTypeError,
				Request: e.request,
				Attempt: e.attempt,
				Cause:   errors.Closed(errors.PhaseFetch, "chunk scheduler"),
			})
			delete(s.chunks, id)
		}
	}
}

func (s *Scheduler) push(ctx context.Context, p Payload) error {
	reply := make(chan error, 1)
	select {
	case s.queue <- message{payload: &p, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.Closed(errors.PhaseExecute, "chunk scheduler")
	}

	select {
	case err := <-reply:
		return err
	case <-s.ctx.Done():
		return errors.Closed(errors.PhaseExecute, "chunk scheduler")
	}
}

// load fetches and executes one chunk, then reports completion. The fetch
// runs under the scheduler context and the configured timeout only, so a
// caller that stops waiting never aborts it.
func (s *Scheduler) load(chunkID, attempt, url string) {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.Timeout)
	defer cancel()

	type result struct {
		err      error
		loadType string
	}
	done := make(chan result, 1)
	go func() {
		code, err := s.fetcher.Fetch(ctx, url)
		if err != nil {
			done <- result{err: err, loadType: errors.LoadTypeError}
			return
		}
		push := func(p Payload) error { return s.push(ctx, p) }
		if err := s.executor.Execute(ctx, chunkID, code, push); err != nil {
			done <- result{err: err, loadType: errors.LoadTypeInvalid}
			return
		}
		done <- result{}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		res = result{err: ctx.Err(), loadType: errors.LoadTypeError}
	}
	if stderrors.Is(res.err, context.DeadlineExceeded) {
		res.loadType = errors.LoadTypeTimeout
	}

	msg := message{complete: &completion{
		chunkID:  chunkID,
		attempt:  attempt,
		err:      res.err,
		loadType: res.loadType,
	}}
	select {
	case s.queue <- msg:
	case <-s.ctx.Done():
	}
}

func (s *Scheduler) consume() {
	defer s.wg.Done()
	for {
		select {
		case msg := <-s.queue:
			switch {
			case msg.payload != nil:
				err := s.install(msg.payload)
				if msg.reply != nil {
					msg.reply <- err
				}
			case msg.complete != nil:
				s.finish(msg.complete)
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// install registers a payload's modules and marks its chunks loaded in one
// step, so no module resolves before its chunk is Loaded. A conflicting
// payload registers nothing. Waiters are released afterwards.
func (s *Scheduler) install(p *Payload) error {
	var (
		events []Event
		ready  []*future.Future
	)
	err := s.registry.RegisterAll(payloadOwner(p), p.Modules, func() {
		s.mu.Lock()
		events, ready = s.markLoaded(p.ChunkIDs)
		s.mu.Unlock()
	})
	if err != nil {
		Logger().Error("register payload", zap.Strings("chunks", p.ChunkIDs), zap.Error(err))
		return err
	}

	for _, ev := range events {
		Logger().Debug("chunk loaded", zap.String("chunk", ev.ChunkID))
	}
	s.release(events, ready)
	return nil
}

// payloadOwner identifies the chunks a payload belongs to. Redelivery of the
// same chunks re-registers nothing.
func payloadOwner(p *Payload) string {
	ids := slices.Clone(p.ChunkIDs)
	slices.Sort(ids)
	return strings.Join(ids, ",")
}

// markLoaded must be called with s.mu held. The returned futures are
// resolved by release once observers have seen the events.
func (s *Scheduler) markLoaded(chunkIDs []string) ([]Event, []*future.Future) {
	events := make([]Event, 0, len(chunkIDs))
	ready := make([]*future.Future, 0, len(chunkIDs))
	for _, id := range chunkIDs {
		e, ok := s.chunks[id]
		if !ok {
			e = &entry{future: future.New()}
			s.chunks[id] = e
		}
		if e.state == Loaded {
			continue
		}
		e.state = Loaded
		ready = append(ready, e.future)
		events = append(events, Event{ChunkID: id, State: Loaded, Attempt: e.attempt})
	}
	return events, ready
}

func (s *Scheduler) release(events []Event, ready []*future.Future) {
	for _, ev := range events {
		s.notify(ev)
	}
	for _, f := range ready {
		f.Resolve()
	}
}

// finish handles the end of a fetch goroutine. A chunk still loading at this
// point failed: either the fetch errored or its code never named the chunk.
func (s *Scheduler) finish(c *completion) {
	s.mu.Lock()
	e, ok := s.chunks[c.chunkID]
	if !ok || e.state != Loading || e.attempt != c.attempt {
		s.mu.Unlock()
		return
	}

	loadType, cause := c.loadType, c.err
	if cause == nil {
		loadType = errors.LoadTypeMissing
		cause = errors.NotFound(errors.PhaseExecute, "payload for chunk", c.chunkID)
	}
	err := &errors.ChunkLoadError{
		ChunkID: c.chunkID,
		Type:    loadType,
		Request: e.request,
		Attempt: e.attempt,
		Cause:   cause,
	}
	delete(s.chunks, c.chunkID)
	s.mu.Unlock()

	Logger().Warn("chunk load failed",
		zap.String("chunk", c.chunkID),
		zap.String("type", loadType),
		zap.String("url", e.request),
		zap.String("attempt", e.attempt),
		zap.Error(cause))
	s.notify(Event{ChunkID: c.chunkID, State: Unloaded, Attempt: e.attempt, Err: err})
	e.future.Reject(err)
}

func (s *Scheduler) notify(ev Event) {
	if s.observer != nil {
		s.observer(ev)
	}
}
