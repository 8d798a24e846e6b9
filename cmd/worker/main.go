// Command worker is the per-shard child process the supervisor spawns. It
// performs its own CAS against the lease table (claimUnheld if it was
// handed no counter, takeOver otherwise) and, only on success, drains the
// shard. If the CAS loses the race, it exits non-zero and lets the
// supervisor prune its handle — no retry, per spec.md 4.F.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/sirupsen/logrus"

	"github.com/nsilvestrini/shardcoord/internal/lease"
	"github.com/nsilvestrini/shardcoord/pkg/workerproto"
)

const maxReadTransactionsPerSecond = 5

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	opts, err := loadOptions()
	if err != nil {
		log.WithError(err).Error("worker: failed to load options")
		os.Exit(1)
	}
	entry := log.WithField("shard_id", opts.ShardID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go watchShutdown(cancel, entry)

	awsCfg, err := loadAWSConfig(ctx, opts)
	if err != nil {
		entry.WithError(err).Error("worker: failed to load AWS config")
		os.Exit(1)
	}

	store := lease.New(dynamodb.NewFromConfig(awsCfg), opts.TableName, time.Duration(opts.LeaseDurationMillis)*time.Millisecond)

	held, err := claim(ctx, store, opts)
	if err != nil {
		if errors.Is(err, lease.ErrConflict) {
			entry.Debug("worker: lost the CAS race for this shard")
		} else {
			entry.WithError(err).Error("worker: CAS failed")
		}
		os.Exit(1)
	}

	kc := kinesis.NewFromConfig(awsCfg)
	if err := drain(ctx, kc, store, opts, held, entry); err != nil && !errors.Is(err, context.Canceled) {
		entry.WithError(err).Error("worker: drain loop exited with error")
		os.Exit(1)
	}
}

func loadOptions() (workerproto.Options, error) {
	raw := os.Getenv(workerproto.EnvOptionsKey)
	if raw == "" {
		return workerproto.Options{}, fmt.Errorf("worker: %s not set", workerproto.EnvOptionsKey)
	}
	var opts workerproto.Options
	if err := json.Unmarshal([]byte(raw), &opts); err != nil {
		return workerproto.Options{}, fmt.Errorf("worker: decode options: %w", err)
	}
	return opts, nil
}

func loadAWSConfig(ctx context.Context, opts workerproto.Options) (aws.Config, error) {
	cfgOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.Endpoint != "" {
		endpoint := opts.Endpoint
		cfgOpts = append(cfgOpts, awsconfig.WithEndpointResolverWithOptions(
			aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{URL: endpoint, HostnameImmutable: true, SigningRegion: region}, nil
			}),
		))
		if opts.AccessKey != "" {
			cfgOpts = append(cfgOpts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
			))
		}
	}
	return awsconfig.LoadDefaultConfig(ctx, cfgOpts...)
}

// watchShutdown reads newline-delimited JSON messages from stdin and
// cancels ctx on a {"type":"shutdown"} message, the worker side of the
// supervisor's structured shutdown contract.
func watchShutdown(cancel context.CancelFunc, log *logrus.Entry) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		var msg workerproto.Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		if msg.Type == workerproto.ShutdownMessage {
			log.Info("worker: received shutdown message")
			cancel()
			return
		}
	}
}

// claim performs the shard's CAS: claimUnheld if InitialLeaseCounter is
// nil, takeOver otherwise.
func claim(ctx context.Context, store *lease.Store, opts workerproto.Options) (lease.Lease, error) {
	if opts.InitialLeaseCounter == nil {
		return store.ClaimUnheld(ctx, opts.ShardID, opts.SelfID)
	}
	return store.TakeOver(ctx, opts.ShardID, *opts.InitialLeaseCounter, opts.SelfID)
}

// drain continuously polls the shard for records until the shard closes,
// the lease is lost, or a shutdown is requested. Grounded in
// seanpm2001-vmware-go-kcl-v2's PollingShardConsumer.getRecords, adapted
// from the full KCL RecordProcessor lifecycle down to the parts this
// coordinator owns: lease renewal and marking the lease finished when the
// shard closes. The lease's checkpoint attribute is never written. Business-
// level record processing is out of scope (spec.md 1); this loop logs
// record counts in its place.
func drain(ctx context.Context, kc *kinesis.Client, store *lease.Store, opts workerproto.Options, held lease.Lease, log *logrus.Entry) error {
	iterator, err := shardIterator(ctx, kc, opts)
	if err != nil {
		return fmt.Errorf("worker: get shard iterator: %w", err)
	}

	counter := held.LeaseCounter
	leaseRefreshAt := time.Now().Add(time.Duration(opts.LeaseDurationMillis) * time.Millisecond / 2)

	var transactionNum int
	var firstTransactionTime time.Time
	var recordsSeen int64

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if time.Now().After(leaseRefreshAt) {
			renewed, err := store.Renew(ctx, opts.ShardID, counter, opts.SelfID)
			if err != nil {
				if errors.Is(err, lease.ErrConflict) {
					log.Warn("worker: lease lost to another owner, stopping")
					return nil
				}
				return fmt.Errorf("worker: renew lease: %w", err)
			}
			counter = renewed.LeaseCounter
			leaseRefreshAt = time.Now().Add(time.Duration(opts.LeaseDurationMillis) * time.Millisecond / 2)
		}

		if transactionNum >= maxReadTransactionsPerSecond {
			transactionNum = 0
			if wait := time.Second - time.Since(firstTransactionTime); wait > 0 {
				time.Sleep(wait)
			}
		}

		resp, err := kc.GetRecords(ctx, &kinesis.GetRecordsInput{
			ShardIterator: iterator,
			Limit:         aws.Int32(1000),
		})
		if err != nil {
			var throughputExceeded *types.ProvisionedThroughputExceededException
			if errors.As(err, &throughputExceeded) {
				time.Sleep(time.Second)
				continue
			}
			return fmt.Errorf("worker: get records: %w", err)
		}

		if transactionNum == 0 {
			firstTransactionTime = time.Now()
		}
		transactionNum++

		recordsSeen += int64(len(resp.Records))
		if len(resp.Records) > 0 {
			log.WithField("records", len(resp.Records)).WithField("total", recordsSeen).Debug("worker: processed batch")
		}

		if resp.NextShardIterator == nil {
			log.Info("worker: shard closed, marking lease finished")
			if err := store.MarkFinished(ctx, opts.ShardID, counter, opts.SelfID); err != nil && !errors.Is(err, lease.ErrConflict) {
				return fmt.Errorf("worker: mark finished: %w", err)
			}
			return nil
		}
		iterator = resp.NextShardIterator

		if len(resp.Records) == 0 {
			idle := idleBackoff(resp.MillisBehindLatest)
			time.Sleep(idle)
		}
	}
}

func idleBackoff(millisBehindLatest *int64) time.Duration {
	if millisBehindLatest != nil && *millisBehindLatest > 0 {
		return 200 * time.Millisecond
	}
	return 500 * time.Millisecond
}

func shardIterator(ctx context.Context, kc *kinesis.Client, opts workerproto.Options) (*string, error) {
	input := &kinesis.GetShardIteratorInput{
		ShardId:           aws.String(opts.ShardID),
		ShardIteratorType: types.ShardIteratorType(opts.StartingIteratorType),
		StreamName:        aws.String(opts.StreamName),
	}
	resp, err := kc.GetShardIterator(ctx, input)
	if err != nil {
		return nil, err
	}
	return resp.ShardIterator, nil
}
