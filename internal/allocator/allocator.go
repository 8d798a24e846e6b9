// Package allocator implements the Allocation Controller (4.F): it turns a
// (peer view, local view, shard view) snapshot into an acquire/shed
// decision and drives the Worker Supervisor accordingly.
package allocator

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/nsilvestrini/shardcoord/internal/lease"
	"github.com/nsilvestrini/shardcoord/internal/streamclient"
	"github.com/nsilvestrini/shardcoord/internal/supervisor"
	"github.com/nsilvestrini/shardcoord/pkg/workerproto"
)

// Decision is the outcome of evaluating one updateNetwork event.
type Decision int

const (
	NoAction Decision = iota
	Acquire
	Shed
)

func (d Decision) String() string {
	switch d {
	case Acquire:
		return "ACQUIRE"
	case Shed:
		return "SHED"
	default:
		return "NONE"
	}
}

// Supervisor is the subset of *supervisor.Supervisor the controller needs,
// declared as an interface so tests can substitute a fake.
type Supervisor interface {
	Count() int
	Oldest() (*supervisor.Handle, bool)
	Spawn(opts workerproto.Options) (*supervisor.Handle, error)
	Stop(h *supervisor.Handle) <-chan struct{}
}

// LeaseStore is the subset of *lease.Store the controller needs.
type LeaseStore interface {
	FetchAll(ctx context.Context) ([]lease.Lease, error)
}

// StreamClient is the subset of *streamclient.Client the controller needs.
type StreamClient interface {
	ListShards(ctx context.Context) ([]string, error)
}

// Controller is the Allocation Controller component.
type Controller struct {
	sup        Supervisor
	leases     LeaseStore
	stream     StreamClient
	selfID     string
	streamName string
	tableName  string
	region     string
	endpoint   string
	accessKey  string
	secretKey  string
	leaseTTL   time.Duration
	log        *logrus.Entry

	hasStartedReset bool
}

// Config bundles the fields the worker options blob needs, copied verbatim
// into each spawned worker.
type Config struct {
	SelfID     string
	StreamName string
	TableName  string
	Region     string
	Endpoint   string
	AccessKey  string
	SecretKey  string
	LeaseTTL   time.Duration
}

// New builds a Controller.
func New(sup Supervisor, leases LeaseStore, stream StreamClient, cfg Config, log *logrus.Entry) *Controller {
	return &Controller{
		sup:        sup,
		leases:     leases,
		stream:     stream,
		selfID:     cfg.SelfID,
		streamName: cfg.StreamName,
		tableName:  cfg.TableName,
		region:     cfg.Region,
		endpoint:   cfg.Endpoint,
		accessKey:  cfg.AccessKey,
		secretKey:  cfg.SecretKey,
		leaseTTL:   cfg.LeaseTTL,
		log:        log,
	}
}

// Reset latches hasStartedReset so no new workers are spawned; callers
// still issue supervisor.StopAll separately (the latch only gates spawns).
func (c *Controller) Reset() {
	c.hasStartedReset = true
}

// OnUpdateNetwork evaluates one updateNetwork tick: peers is the caller's
// already-self-filtered view of cluster-member loads. It decides at most
// one of Acquire or Shed, and acts on it. The decision is also returned for
// observability/tests — running this twice with identical inputs and no
// intervening state change produces the same decision (idempotent tick).
func (c *Controller) OnUpdateNetwork(ctx context.Context, peers map[string]int) (Decision, error) {
	if c.hasStartedReset {
		return NoAction, nil
	}

	workerCount := c.sup.Count()
	minPeerLoad, anyPeers := minLoad(peers)

	decision := decide(workerCount, minPeerLoad, anyPeers)

	switch decision {
	case Acquire:
		if err := c.acquire(ctx); err != nil {
			return decision, err
		}
	case Shed:
		c.shed()
	}

	return decision, nil
}

func decide(workerCount int, minPeerLoad int, anyPeers bool) Decision {
	if workerCount == 0 || !anyPeers || workerCount <= minPeerLoad {
		return Acquire
	}
	if anyPeers && workerCount > minPeerLoad+1 {
		return Shed
	}
	return NoAction
}

func minLoad(peers map[string]int) (min int, any bool) {
	first := true
	for _, load := range peers {
		if first || load < min {
			min = load
			first = false
		}
	}
	return min, !first
}

func (c *Controller) shed() {
	h, ok := c.sup.Oldest()
	if !ok {
		return
	}
	c.log.WithField("shard_id", h.ShardID).Info("allocator: shedding worker")
	c.sup.Stop(h)
}

func (c *Controller) acquire(ctx context.Context) error {
	shardID, counter, ok, err := c.fetchAvailableShard(ctx)
	if err != nil {
		// Treat any stream/lease-table error as "skip this tick".
		c.log.WithError(err).Warn("allocator: fetchAvailableShard failed, skipping tick")
		return nil
	}
	if !ok {
		return nil
	}

	opts := workerproto.Options{
		TableName:            c.tableName,
		StreamName:           c.streamName,
		Region:               c.region,
		Endpoint:             c.endpoint,
		AccessKey:            c.accessKey,
		SecretKey:            c.secretKey,
		ShardID:              shardID,
		InitialLeaseCounter:  counter,
		StartingIteratorType: workerproto.TrimHorizon,
		SelfID:               c.selfID,
		LeaseDurationMillis:  c.leaseTTL.Milliseconds(),
	}

	if _, err := c.sup.Spawn(opts); err != nil {
		return fmt.Errorf("allocator: spawn for shard %s: %w", shardID, err)
	}
	return nil
}

// fetchAvailableShard implements spec.md 4.F's availableShard algorithm:
// concurrently fetch shard IDs and leases, prefer an entirely unleased
// shard (stream order, first match), else the first expired-and-unfinished
// lease in stored order.
func (c *Controller) fetchAvailableShard(ctx context.Context) (shardID string, counter *int64, ok bool, err error) {
	var shardIDs []string
	var leases []lease.Lease

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ids, err := c.stream.ListShards(gctx)
		if err != nil {
			return err
		}
		shardIDs = ids
		return nil
	})
	g.Go(func() error {
		ls, err := c.leases.FetchAll(gctx)
		if err != nil {
			return err
		}
		leases = ls
		return nil
	})
	if err := g.Wait(); err != nil {
		return "", nil, false, err
	}

	finished := make(map[string]bool)
	leasedByShard := make(map[string]lease.Lease)
	for _, l := range leases {
		leasedByShard[l.ShardID] = l
		if l.IsFinished {
			finished[l.ShardID] = true
		}
	}

	for _, id := range shardIDs {
		if finished[id] {
			continue
		}
		if _, leased := leasedByShard[id]; !leased {
			return id, nil, true, nil
		}
	}

	now := time.Now()
	for _, l := range leases {
		if l.Expired(now) {
			counter := l.LeaseCounter
			return l.ShardID, &counter, true, nil
		}
	}

	return "", nil, false, nil
}
