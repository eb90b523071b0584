package common

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/grafana/xk6-webclient/log"
)

// BackgroundJob is a timer or interval scheduled on a window.
type BackgroundJob struct {
	ID      int
	Label   string
	Delay   time.Duration
	Repeats bool
	Script  Script

	// page is the page displayed when the job was scheduled.
	page Page
}

// minInterval is the shortest delay between two runs of a recurring job.
const minInterval = 4 * time.Millisecond

type jobThread struct {
	id     int
	label  string
	cancel context.CancelFunc
	done   chan struct{}
}

// JobManager runs the background jobs of one window.
//
// It refers to its window by id only and looks it up in the client
// registry whenever it needs it, so a pending job never keeps a closed
// window reachable. Every job runs on its own goroutine and is cancelled
// through its context.
type JobManager struct {
	windowID string
	client   *WebClient
	logger   *log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	jobs   map[int]*jobThread
	nextID int
	closed bool
}

func newJobManager(windowID string, client *WebClient, logger *log.Logger) *JobManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &JobManager{
		windowID: windowID,
		client:   client,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		jobs:     make(map[int]*jobThread),
	}
}

func (m *JobManager) window() (WebWindow, bool) {
	return m.client.WindowByID(m.windowID)
}

// StartThread runs fn on a new goroutine and returns its id. It returns 0
// without running anything if the window is gone or the manager was shut
// down. fn must return once its context is done.
func (m *JobManager) StartThread(fn func(ctx context.Context), label string) int {
	return m.startThread(func(ctx context.Context, _ int) { fn(ctx) }, label)
}

func (m *JobManager) startThread(fn func(ctx context.Context, id int), label string) int {
	if _, ok := m.window(); !ok {
		m.logger.Debugf("JobManager:StartThread", "wid:%s label:%q window is gone", m.windowID, label)
		return 0
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0
	}
	m.nextID++
	ctx, cancel := context.WithCancel(m.ctx)
	t := &jobThread{
		id:     m.nextID,
		label:  label,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.jobs[t.id] = t
	m.mu.Unlock()

	go func() {
		defer close(t.done)
		defer m.forget(t)
		defer cancel()
		fn(ctx, t.id)
	}()

	return t.id
}

// StopThread cancels the job with the given id and forgets about it.
// The job goroutine ends on its own once it observes the cancellation.
func (m *JobManager) StopThread(id int) {
	m.mu.Lock()
	t, ok := m.jobs[id]
	delete(m.jobs, id)
	m.mu.Unlock()

	if ok {
		t.cancel()
	}
}

// RemoveJob cancels the job with the given id.
func (m *JobManager) RemoveJob(id int) {
	m.StopThread(id)
}

// RegisterJob runs script once after timeout and returns the job id.
func (m *JobManager) RegisterJob(script Script, timeout time.Duration, label string) int {
	return m.register(script, timeout, false, label)
}

// RegisterRecurringJob runs script every interval and returns the job id.
func (m *JobManager) RegisterRecurringJob(script Script, interval time.Duration, label string) int {
	return m.register(script, interval, true, label)
}

func (m *JobManager) register(script Script, delay time.Duration, repeats bool, label string) int {
	w, ok := m.window()
	if !ok {
		return 0
	}
	if delay < 0 {
		delay = 0
	}
	if repeats && delay < minInterval {
		delay = minInterval
	}
	job := &BackgroundJob{
		Label:   label,
		Delay:   delay,
		Repeats: repeats,
		Script:  script,
		page:    w.EnclosedPage(),
	}
	job.ID = m.startThread(func(ctx context.Context, id int) { m.run(ctx, job, id) }, label)

	return job.ID
}

// run sleeps and executes job until it's done, cancelled or stale.
func (m *JobManager) run(ctx context.Context, job *BackgroundJob, id int) {
	for {
		timer := time.NewTimer(job.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.logger.Debugf("JobManager:run", "wid:%s job:%d label:%q cancelled", m.windowID, id, job.Label)
			return
		case <-timer.C:
		}
		if ctx.Err() != nil {
			return
		}

		w, ok := m.window()
		if !ok {
			m.logger.Debugf("JobManager:run", "wid:%s job:%d label:%q window is gone", m.windowID, id, job.Label)
			return
		}
		if w.EnclosedPage() != job.page {
			m.logger.Debugf("JobManager:run", "wid:%s job:%d label:%q page changed", m.windowID, id, job.Label)
			return
		}
		if err := m.execute(ctx, job, id); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Warnf("JobManager:run", "wid:%s job:%d label:%q err:%v", m.windowID, id, job.Label, err)
		}
		if !job.Repeats {
			return
		}
	}
}

func (m *JobManager) execute(ctx context.Context, job *BackgroundJob, id int) error {
	if job.Script.Go != nil {
		return job.Script.Go(ctx)
	}
	env := pageScriptEnvironment(job.page)
	if env == nil {
		m.logger.Debugf("JobManager:execute", "wid:%s job:%d no script environment", m.windowID, id)
		return nil
	}
	// Scripts are only interrupted by the manager shutting down, so a
	// callback clearing its own interval still runs to completion.
	script := job.Script
	script.Done = ctx.Done()
	_, err := env.Execute(m.ctx, script)

	return err //nolint:wrapcheck
}

func (m *JobManager) forget(t *jobThread) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.jobs[t.id] == t {
		delete(m.jobs, t.id)
	}
}

// JobCount returns the number of jobs still registered.
func (m *JobManager) JobCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.jobs)
}

// JoinAll waits until every job has finished or maxWait has elapsed.
// It reports whether all jobs finished in time.
func (m *JobManager) JoinAll(maxWait time.Duration) bool {
	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	for {
		done := m.anyJobDone()
		if done == nil {
			return true
		}
		select {
		case <-done:
		case <-timer.C:
			return m.JobCount() == 0
		}
	}
}

func (m *JobManager) anyJobDone() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.jobs {
		return t.done
	}
	return nil
}

// InterruptAll cancels every registered job.
func (m *JobManager) InterruptAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.jobs {
		t.cancel()
	}
}

// Shutdown cancels every job and refuses new ones.
func (m *JobManager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.cancel()
}
