// Package membership implements the two independently-cadenced membership
// tasks (4.E): reporting this instance's load, and fetching peers' loads
// (with a throttled GC sweep). The fetch task feeds a single tagged-event
// channel consumed by the Allocation Controller, per the design notes in
// spec.md 9 ("single channel of tagged events... direct function calls if
// the scheduling model already serializes").
package membership

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Loop drives the report and fetch tasks. It is intentionally decoupled
// from member.Store's concrete Member type — Deps.FetchPeers already
// returns the self-filtered map[string]int shape the Allocation Controller
// wants, so this package has no compile-time dependency on internal/member.
type Loop struct {
	reportPeriod time.Duration
	fetchPeriod  time.Duration
	gcPeriod     time.Duration

	selfID   string
	count    func() int
	report   func(ctx context.Context, selfID string, count int) error
	fetchAll func(ctx context.Context) (map[string]int, error)
	gc       func(ctx context.Context) error

	events chan Event
	log    *logrus.Entry

	lastGC time.Time
}

// Event is one tagged message on the loop's output channel.
type Event struct {
	Peers map[string]int
}

// Deps bundles the loop's collaborators as plain functions so the package
// has no compile-time dependency on internal/member's concrete type.
type Deps struct {
	SelfID       string
	ReportPeriod time.Duration
	FetchPeriod  time.Duration
	GCPeriod     time.Duration
	WorkerCount  func() int
	Report       func(ctx context.Context, selfID string, count int) error
	FetchPeers   func(ctx context.Context) (map[string]int, error)
	GC           func(ctx context.Context) error
}

// New builds a Loop. events is buffered (capacity 4) so a slow Allocation
// Controller tick does not immediately block the fetch task; once four
// events are pending, the fetch task waits on the send until the controller
// reads one or ctx is cancelled.
func New(d Deps, log *logrus.Entry) *Loop {
	return &Loop{
		reportPeriod: d.ReportPeriod,
		fetchPeriod:  d.FetchPeriod,
		gcPeriod:     d.GCPeriod,
		selfID:       d.SelfID,
		count:        d.WorkerCount,
		report:       d.Report,
		fetchAll:     d.FetchPeers,
		gc:           d.GC,
		events:       make(chan Event, 4),
		log:          log,
	}
}

// Events returns the channel the Allocation Controller should range over.
func (l *Loop) Events() <-chan Event {
	return l.events
}

// Run starts both tasks and blocks until ctx is cancelled. Each task
// survives individual errors without terminating; only the caller
// cancelling ctx stops the loop.
func (l *Loop) Run(ctx context.Context) {
	go l.runReportTask(ctx)
	l.runFetchTask(ctx)
}

func (l *Loop) runReportTask(ctx context.Context) {
	ticker := time.NewTicker(l.reportPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.report(ctx, l.selfID, l.count()); err != nil {
				l.log.WithError(err).Warn("membership: report failed")
			}
		}
	}
}

func (l *Loop) runFetchTask(ctx context.Context) {
	ticker := time.NewTicker(l.fetchPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(l.events)
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	peers, err := l.fetchAll(ctx)
	if err != nil {
		l.log.WithError(err).Warn("membership: fetch failed")
		return
	}

	if time.Since(l.lastGC) >= l.gcPeriod {
		l.lastGC = time.Now()
		if err := l.gc(ctx); err != nil {
			l.log.WithError(err).Warn("membership: garbage collect failed")
		}
	}

	select {
	case l.events <- Event{Peers: peers}:
	case <-ctx.Done():
	}
}
