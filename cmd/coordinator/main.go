// Command coordinator is one running instance of the shard-consumer
// coordinator: it wires the membership loop, allocation controller, worker
// supervisor, and health endpoint together and runs until terminated.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nsilvestrini/shardcoord/internal/bootstrap"
	"github.com/nsilvestrini/shardcoord/internal/clusterinfo"
	"github.com/nsilvestrini/shardcoord/internal/config"
	"github.com/nsilvestrini/shardcoord/internal/logging"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the coordinator's YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("coordinator: failed to load config")
	}

	log := logging.New(*cfg)
	entry := log.WithField("component", "coordinator")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		entry.WithError(err).Fatal("coordinator: failed to load AWS config")
	}

	selfID := uuid.NewString()
	entry = entry.WithField("self_id", selfID)

	if hint := clusterinfo.Lookup(ctx, entry); hint.Available {
		entry.WithField("declared_replicas", hint.Replicas).Info("coordinator: resolved cluster replica hint")
	}

	instance := bootstrap.New(bootstrap.Deps{
		SelfID:    selfID,
		Cfg:       cfg,
		LeaseAPI:  dynamodb.NewFromConfig(awsCfg),
		MemberAPI: dynamodb.NewFromConfig(awsCfg),
		StreamAPI: kinesis.NewFromConfig(awsCfg),
		Log:       entry,
	})

	entry.Info("coordinator: starting")
	instance.Run(ctx, cfg.Coordinator.TableProvisioning)

	// A terminal bootstrap error is sent on Fatal() before Run returns.
	select {
	case err := <-instance.Fatal():
		entry.WithError(err).Error("coordinator: terminal error, exiting")
		cancel()
		os.Exit(1)
	default:
	}
	entry.Info("coordinator: stopped")
}

// loadAWSConfig mirrors the teacher's loadAWSConfig (k8s/test/test-consumer/main.go):
// region plus an optional custom endpoint resolver for LocalStack-style
// testing, with static credentials the same way producer.go wires them for
// its own LocalStack path.
func loadAWSConfig(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.AWS.Region),
	}

	if cfg.AWS.Endpoint != "" {
		endpoint := cfg.AWS.Endpoint
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(
			aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL:               endpoint,
					HostnameImmutable: true,
					SigningRegion:     region,
				}, nil
			}),
		))
		if cfg.AWS.AccessKey != "" {
			opts = append(opts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(cfg.AWS.AccessKey, cfg.AWS.SecretKey, ""),
			))
		}
	}

	return awsconfig.LoadDefaultConfig(ctx, opts...)
}
