package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"accountpilot/internal/eventbus"
	"accountpilot/internal/task/engine"
	logx "accountpilot/pkg/logx"
)

// Logf appends a line to the task log. It is safe to call from item code
// running on a pool worker concurrently with the driver.
type Logf func(level, format string, args ...any)

// Item is one unit of work in a batch.
//
// Run returns the item's result, or an error that the runner converts into a
// failed result for Key. Run must not retain logf after returning.
type Item struct {
	Key string
	Run func(ctx context.Context, logf Logf) (Result, error)
}

// Doer executes blocking work. *engine.Pool implements it.
type Doer interface {
	Do(ctx context.Context, job engine.Job) error
}

type Options[P any] struct {
	// Op names the operation ("refresh", "provision"); used in logs and events.
	Op string

	// Concurrency is the number of items in flight per task (default 1).
	// Results are committed in submission order regardless.
	Concurrency int

	// HistorySize bounds retained records; the oldest terminal ones go first.
	HistorySize int

	ItemTimeout time.Duration

	Bus eventbus.Bus
	Log logx.Logger

	// OnFinish runs on the driver goroutine after the terminal transition.
	OnFinish func(ctx context.Context, rec Record[P])

	Now func() time.Time
}

// TaskEvent is the payload of the task.* bus events.
type TaskEvent struct {
	Op       string
	TaskID   string
	Status   Status
	Index    int
	Total    int
	Progress int

	// Succeeded and Failed are set on task.finished.
	Succeeded int
	Failed    int
	Result    *Result
}

type task[P any] struct {
	mu  sync.Mutex
	rec Record[P]
}

// Runner is a single-flight batch runner: at most one task is running at a
// time, items run on the shared worker pool, and every item produces exactly
// one result entry.
type Runner[P any] struct {
	ctx  context.Context
	pool Doer
	opts Options[P]
	log  logx.Logger

	mu      sync.Mutex
	current string
	tasks   map[string]*task[P]
	order   []string
}

func New[P any](ctx context.Context, pool Doer, opts Options[P]) *Runner[P] {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 100
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if strings.TrimSpace(opts.Op) == "" {
		opts.Op = "task"
	}
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner[P]{
		ctx:   ctx,
		pool:  pool,
		opts:  opts,
		log:   log.With(logx.String("op", opts.Op)),
		tasks: map[string]*task[P]{},
	}
}

// Submit claims the task slot and starts a driver for items.
// It returns ErrConflict while another task of this runner is running.
func (r *Runner[P]) Submit(params P, items []Item) (Record[P], error) {
	now := r.opts.Now()
	t := &task[P]{rec: Record[P]{
		ID:        uuid.NewString(),
		Op:        r.opts.Op,
		Status:    StatusPending,
		Params:    params,
		Total:     len(items),
		Results:   make([]Result, 0, len(items)),
		CreatedAt: now,
	}}

	r.mu.Lock()
	if r.current != "" {
		cur := r.current
		r.mu.Unlock()
		return Record[P]{}, fmt.Errorf("%w: %s task %s", ErrConflict, r.opts.Op, cur)
	}
	t.rec.Status = StatusRunning
	r.current = t.rec.ID
	r.tasks[t.rec.ID] = t
	r.order = append(r.order, t.rec.ID)
	r.evictLocked()
	r.mu.Unlock()

	snap := t.snapshot()
	r.publish(eventbus.TaskCreated, TaskEvent{Op: r.opts.Op, TaskID: snap.ID, Status: snap.Status, Total: snap.Total})

	go r.drive(t, items)
	return snap, nil
}

// Task returns a snapshot of the record with the given id.
func (r *Runner[P]) Task(id string) (Record[P], bool) {
	r.mu.Lock()
	t, ok := r.tasks[id]
	r.mu.Unlock()
	if !ok {
		return Record[P]{}, false
	}
	return t.snapshot(), true
}

// CurrentTaskID returns the id of the running task, or "" when idle.
func (r *Runner[P]) CurrentTaskID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Tasks lists retained records, newest first.
func (r *Runner[P]) Tasks() []Record[P] {
	r.mu.Lock()
	list := make([]*task[P], 0, len(r.order))
	for _, id := range r.order {
		list = append(list, r.tasks[id])
	}
	r.mu.Unlock()

	out := make([]Record[P], 0, len(list))
	for _, t := range list {
		out = append(out, t.snapshot())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Wait blocks until the task with the given id is terminal or ctx is done.
// A task evicted from history while waiting still reports its outcome.
func (r *Runner[P]) Wait(ctx context.Context, id string) (Record[P], error) {
	r.mu.Lock()
	t, ok := r.tasks[id]
	r.mu.Unlock()
	if !ok {
		return Record[P]{}, fmt.Errorf("task %s not found", id)
	}

	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		rec := t.snapshot()
		if rec.Status.Terminal() {
			return rec, nil
		}
		select {
		case <-ctx.Done():
			return rec, ctx.Err()
		case <-tick.C:
		}
	}
}

func (r *Runner[P]) evictLocked() {
	for len(r.order) > r.opts.HistorySize {
		victim := -1
		for i, id := range r.order {
			if id == r.current {
				continue
			}
			victim = i
			break
		}
		if victim < 0 {
			return
		}
		delete(r.tasks, r.order[victim])
		r.order = append(r.order[:victim], r.order[victim+1:]...)
	}
}

func (r *Runner[P]) drive(t *task[P], items []Item) {
	id := t.rec.ID
	total := len(items)
	r.appendLog(t, "info", fmt.Sprintf("task started: %d item(s)", total))

	c := min(r.opts.Concurrency, total)
	slots := make([]chan Result, total)
	for i := range slots {
		slots[i] = make(chan Result, 1)
	}
	next := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < c; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range next {
				slots[i] <- r.runItem(t, i, items[i])
			}
		}()
	}
	go func() {
		defer close(next)
		for i := range items {
			next <- i
		}
	}()

	for i := range items {
		res := <-slots[i]
		r.commit(t, i, res)
	}
	wg.Wait()

	r.finish(t)
	r.log.Debug("task driver exited", logx.String("task", id))
}

func (r *Runner[P]) runItem(t *task[P], idx int, it Item) (res Result) {
	key := it.Key
	defer func() {
		// Safety net; the pool already recovers panics raised inside Run.
		if p := recover(); p != nil {
			res = Result{Success: false, Email: key, Error: fmt.Sprintf("panic: %v", p), Kind: "internal"}
		}
	}()

	r.appendLog(t, "info", fmt.Sprintf("[%d/%d] processing %s", idx+1, t.total(), key))

	if it.Run == nil {
		return Result{Success: false, Email: key, Error: "no work function", Kind: "internal"}
	}

	logf := func(level, format string, args ...any) {
		r.appendLog(t, level, fmt.Sprintf(format, args...))
	}

	var out Result
	err := r.pool.Do(r.ctx, engine.Job{
		Name:    r.opts.Op + ":" + key,
		Timeout: r.opts.ItemTimeout,
		Run: func(ctx context.Context) error {
			got, err := it.Run(ctx, logf)
			if err != nil {
				if !retryable(err) {
					return engine.NoRetry(err)
				}
				return err
			}
			out = got
			return nil
		},
	})
	if err != nil {
		if errors.Is(err, engine.ErrStopping) || errors.Is(err, engine.ErrStopped) {
			err = fmt.Errorf("interrupted: %w", err)
		}
		email := key
		if s := subjectOf(err); s != "" {
			email = s
		}
		return Result{Success: false, Email: email, Error: err.Error(), Kind: KindOf(err)}
	}
	if out.Email == "" {
		out.Email = key
	}
	if !out.Success && out.Error == "" {
		out.Error = "failed"
	}
	return out
}

func (r *Runner[P]) commit(t *task[P], idx int, res Result) {
	t.mu.Lock()
	t.rec.Results = append(t.rec.Results, res)
	t.rec.Progress++
	if res.Success {
		t.rec.SuccessCount++
	} else {
		t.rec.FailCount++
	}
	progress, total := t.rec.Progress, t.rec.Total
	t.mu.Unlock()

	if res.Success {
		r.appendLog(t, "info", fmt.Sprintf("[%d/%d] %s succeeded", idx+1, total, res.Email))
	} else {
		r.appendLog(t, "error", fmt.Sprintf("[%d/%d] %s failed: %s", idx+1, total, res.Email, res.Error))
	}

	rc := res
	r.publish(eventbus.TaskItem, TaskEvent{Op: r.opts.Op, TaskID: t.id(), Status: StatusRunning, Index: idx, Total: total, Progress: progress, Result: &rc})
}

func (r *Runner[P]) finish(t *task[P]) {
	// The terminal transition and the slot release happen under the runner
	// lock so a caller that observes a terminal record can submit again.
	r.mu.Lock()
	t.mu.Lock()
	if t.rec.Status.Terminal() {
		t.mu.Unlock()
		r.mu.Unlock()
		return
	}
	now := r.opts.Now()
	t.rec.FinishedAt = &now
	if t.rec.FailCount == 0 {
		t.rec.Status = StatusSuccess
	} else {
		t.rec.Status = StatusFailed
	}
	id, ok, fail, status := t.rec.ID, t.rec.SuccessCount, t.rec.FailCount, t.rec.Status
	t.mu.Unlock()
	if r.current == id {
		r.current = ""
	}
	r.mu.Unlock()

	level := "info"
	if status == StatusFailed {
		level = "warning"
	}
	r.appendLog(t, level, fmt.Sprintf("task finished: %d succeeded, %d failed", ok, fail))

	snap := t.snapshot()
	r.publish(eventbus.TaskFinished, TaskEvent{
		Op: r.opts.Op, TaskID: id, Status: status,
		Total: snap.Total, Progress: snap.Progress,
		Succeeded: ok, Failed: fail,
	})
	if r.opts.OnFinish != nil {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.log.Error("task finish hook panic", logx.String("task", id), logx.Any("panic", p))
				}
			}()
			r.opts.OnFinish(r.ctx, snap)
		}()
	}
}

func (r *Runner[P]) appendLog(t *task[P], level, msg string) {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" {
		level = "info"
	}
	t.mu.Lock()
	// Timestamp under the lock so entries stay time-ordered.
	t.rec.Logs = append(t.rec.Logs, LogEntry{Time: r.opts.Now(), Level: level, Message: msg})
	id := t.rec.ID
	t.mu.Unlock()

	r.log.Log(level, msg, logx.String("task", id))
}

func (r *Runner[P]) publish(typ string, ev TaskEvent) {
	if r.opts.Bus == nil {
		return
	}
	r.opts.Bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

func (t *task[P]) snapshot() Record[P] {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rec.clone()
}

func (t *task[P]) id() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rec.ID
}

func (t *task[P]) total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rec.Total
}
