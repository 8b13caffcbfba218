package timerwheel

import (
	"context"
	"errors"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"remindd/pkg/logx"
)

// Config controls the timer service.
type Config struct {
	Workers   int // default 2
	QueueSize int // default 256
}

// Callback runs when a scheduled instant elapses. It executes on the worker
// pool; a panic is contained to the firing that caused it.
type Callback func(ctx context.Context)

type pendingDef struct {
	at  time.Time
	run Callback
}

type sweepDef struct {
	name    string
	spec    string
	job     Callback
	entryID cron.EntryID
}

type firing struct {
	id  string
	run Callback
}

// Service holds one pending timer per scheduled id. It is the only
// process-wide mutable state in the engine: an explicit instance constructed
// at startup, passed to callers, and drained at shutdown.
//
// Schedule/Reschedule/Cancel are idempotent; scheduling an id that already
// has a pending timer replaces it, never creates two. A per-id version
// counter makes a timer callback from a replaced or cancelled schedule a
// no-op, so a firing is delivered exactly once per scheduled instant.
//
// Limitation: one Service per store. Running two processes against the same
// store produces duplicate firings; there is no leader election here.
type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config

	// One-shot timers (timers are runtime; defs persist across Stop/Start
	// so schedules registered while stopped resume on the next Start).
	tmu    sync.Mutex
	timers map[string]*time.Timer
	defs   map[string]pendingDef
	ver    map[string]uint64

	c      *cron.Cron
	sweeps []sweepDef

	queue     chan firing
	stopCh    chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		timers: map[string]*time.Timer{},
		defs:   map[string]pendingDef{},
		ver:    map[string]uint64{},
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)

	workers := s.cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	queueSize := s.cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	// Fresh queue per run so a stop/start cycle can't execute stale firings.
	s.queue = make(chan firing, queueSize)

	// Local captures prevent races if fields are swapped during Stop().
	runCtx := s.runCtx
	stopCh := s.stopCh
	queue := s.queue

	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			s.worker(runCtx, stopCh, queue, idx)
		}()
	}

	s.c = cron.New()
	for i := range s.sweeps {
		s.addSweepLocked(&s.sweeps[i])
	}
	s.c.Start()

	s.rebuildTimers()
	s.log.Info("timer service started", logx.Int("workers", workers), logx.Int("pending", s.Pending()))
}

// Stop cancels all runtime timers and waits for in-flight firings until ctx
// expires. Pending definitions are kept so a later Start resumes them.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	stopCh := s.stopCh
	cancel := s.runCancel
	c := s.c
	s.stopCh = nil
	s.runCancel = nil
	s.runCtx = nil
	s.c = nil
	s.queue = nil
	s.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}
	if c != nil {
		<-c.Stop().Done()
	}

	s.tmu.Lock()
	for _, t := range s.timers {
		_ = t.Stop()
	}
	s.timers = map[string]*time.Timer{}
	s.tmu.Unlock()

	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("timer service stopped")
	case <-ctx.Done():
		// workers drain in background
	}
}

// Schedule books run at the given instant, replacing any pending timer for id.
func (s *Service) Schedule(id string, at time.Time, run Callback) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	if at.IsZero() {
		return errors.New("at required")
	}
	if run == nil {
		return errors.New("callback required")
	}

	s.tmu.Lock()
	defer s.tmu.Unlock()

	if t, ok := s.timers[id]; ok {
		_ = t.Stop()
		delete(s.timers, id)
	}
	// Bump the version so a stale callback from the replaced timer is ignored.
	ver := s.ver[id] + 1
	s.ver[id] = ver
	s.defs[id] = pendingDef{at: at, run: run}

	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	s.timers[id] = time.AfterFunc(delay, func() { s.elapsed(id, ver) })
	s.log.Debug("timer scheduled", logx.String("id", id), logx.Time("at", at))
	return nil
}

// Reschedule is cancel-then-schedule. Schedule already upserts, so this is an
// alias kept for call-site clarity.
func (s *Service) Reschedule(id string, at time.Time, run Callback) error {
	return s.Schedule(id, at, run)
}

// Cancel removes the pending timer for id. It returns true if something was
// cancelled. A firing whose timer already elapsed but whose callback has not
// yet run is also suppressed (version bump).
func (s *Service) Cancel(id string) bool {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	_, had := s.defs[id]
	if t, ok := s.timers[id]; ok {
		_ = t.Stop()
		delete(s.timers, id)
		had = true
	}
	delete(s.defs, id)
	if had {
		s.ver[id]++
		s.log.Debug("timer cancelled", logx.String("id", id))
	}
	return had
}

// Pending returns the number of booked timers (tests, status).
func (s *Service) Pending() int {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	return len(s.defs)
}

// NextFire reports the booked instant for id, if any.
func (s *Service) NextFire(id string) (time.Time, bool) {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	d, ok := s.defs[id]
	return d.at, ok
}

// AddSweep registers a recurring maintenance job under a stable name,
// replacing any previous sweep with the same name.
func (s *Service) AddSweep(name, spec string, job Callback) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("name required")
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.sweeps {
		if s.sweeps[i].name == name {
			if s.c != nil && s.sweeps[i].entryID != 0 {
				s.c.Remove(s.sweeps[i].entryID)
			}
			s.sweeps = append(s.sweeps[:i], s.sweeps[i+1:]...)
			break
		}
	}
	s.sweeps = append(s.sweeps, sweepDef{name: name, spec: spec, job: job})
	if s.c != nil {
		s.addSweepLocked(&s.sweeps[len(s.sweeps)-1])
	}
	return nil
}

// addSweepLocked registers d with the running cron. Call with s.mu held.
func (s *Service) addSweepLocked(d *sweepDef) {
	name := d.name
	job := d.job
	eid, err := s.c.AddFunc(d.spec, func() {
		s.enqueue(firing{id: "sweep:" + name, run: job})
	})
	if err != nil {
		s.log.Error("sweep register failed", logx.String("name", name), logx.Err(err))
		return
	}
	d.entryID = eid
}

// requeueDelay is how long a firing waits before retrying a full queue.
const requeueDelay = time.Second

// elapsed runs inside time.AfterFunc when a booked instant arrives.
func (s *Service) elapsed(id string, ver uint64) {
	s.tmu.Lock()
	if s.ver[id] != ver {
		// replaced or cancelled since booking
		s.tmu.Unlock()
		return
	}
	d := s.defs[id]
	delete(s.timers, id)
	delete(s.defs, id)
	s.tmu.Unlock()

	if d.run == nil {
		return
	}
	if s.enqueue(firing{id: id, run: d.run}) {
		return
	}

	// Could not hand off: the queue is full or the service is stopped. A
	// dropped firing would orphan the reminder's whole chain (the callback
	// that reschedules never runs), so restore the definition instead. A
	// stopped service resumes it on the next Start; a full queue gets a
	// retry shortly.
	running := s.isRunning()
	s.tmu.Lock()
	if s.ver[id] == ver {
		s.defs[id] = d
		if running {
			s.timers[id] = time.AfterFunc(requeueDelay, func() { s.elapsed(id, ver) })
		}
	}
	s.tmu.Unlock()
	if running {
		s.log.Warn("firing queue full; retrying",
			logx.String("id", id), logx.Duration("delay", requeueDelay))
	} else {
		s.log.Debug("timer service not running; firing kept for next start", logx.String("id", id))
	}
}

func (s *Service) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCh != nil
}

// enqueue reports whether the firing was handed to the worker pool.
func (s *Service) enqueue(f firing) bool {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		return false
	}
	select {
	case q <- f:
		return true
	default:
		return false
	}
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan firing, idx int) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case f := <-queue:
			s.execOne(ctx, f, idx)
		}
	}
}

// execOne runs a single firing. A panicking callback must not take the worker
// down: one bad reminder cannot stop the others from firing.
func (s *Service) execOne(ctx context.Context, f firing, idx int) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in firing callback",
				logx.String("id", f.id), logx.Int("worker", idx),
				logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	start := time.Now()
	f.run(ctx)
	s.log.Debug("firing handled", logx.String("id", f.id), logx.Duration("took", time.Since(start)))
}

// rebuildTimers recreates runtime timers from persisted definitions after a
// stop/start cycle. Call with s.mu held.
func (s *Service) rebuildTimers() {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	for _, t := range s.timers {
		_ = t.Stop()
	}
	s.timers = map[string]*time.Timer{}

	for id, d := range s.defs {
		ver := s.ver[id]
		if ver == 0 {
			ver = 1
			s.ver[id] = ver
		}
		delay := time.Until(d.at)
		if delay < 0 {
			delay = 0
		}
		s.timers[id] = time.AfterFunc(delay, func() { s.elapsed(id, ver) })
	}
}
