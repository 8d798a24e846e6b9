// Package member implements the Cluster Record component: the liveness row
// each coordinator instance publishes, and the scan/GC operations peers use
// to build their view of the fleet.
package member

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/sirupsen/logrus"

	"github.com/nsilvestrini/shardcoord/internal/config"
)

// Member is one row of the cluster-member table.
type Member struct {
	ID              string `dynamodbav:"id"`
	ActiveConsumers int    `dynamodbav:"active_consumers"`
	ExpiresAt       int64  `dynamodbav:"expires_at"`
}

// API is the subset of DynamoDB operations the cluster-member store needs.
type API interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// Store is the Cluster Record component (4.B).
type Store struct {
	api   API
	table string
	ttl   time.Duration
	clock func() time.Time
	log   *logrus.Entry
}

// New builds a member Store against the given table name.
func New(api API, table string, ttl time.Duration, log *logrus.Entry) *Store {
	return &Store{api: api, table: table, ttl: ttl, clock: time.Now, log: log}
}

// EnsureTable probes for the table's existence and creates it with the
// configured throughput if absent, mirroring lease.Store.EnsureTable but
// keyed on id rather than shard_id.
func (s *Store) EnsureTable(ctx context.Context, cfg config.TableProvisioning) error {
	_, err := s.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)})
	if err == nil {
		return nil
	}

	input := &dynamodb.CreateTableInput{
		TableName: aws.String(s.table),
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("id"), KeyType: types.KeyTypeHash},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("id"), AttributeType: types.ScalarAttributeTypeS},
		},
	}
	if cfg.OnDemand {
		input.BillingMode = types.BillingModePayPerRequest
	} else {
		input.BillingMode = types.BillingModeProvisioned
		input.ProvisionedThroughput = &types.ProvisionedThroughput{
			ReadCapacityUnits:  aws.Int64(cfg.ReadCapacity),
			WriteCapacityUnits: aws.Int64(cfg.WriteCapacity),
		}
	}

	if _, err := s.api.CreateTable(ctx, input); err != nil {
		return fmt.Errorf("member: create table %s: %w", s.table, err)
	}
	return s.waitActive(ctx)
}

func (s *Store) waitActive(ctx context.Context) error {
	deadline := s.clock().Add(2 * time.Minute)
	for {
		desc, err := s.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)})
		if err == nil && desc.Table != nil && desc.Table.TableStatus == types.TableStatusActive {
			return nil
		}
		if s.clock().After(deadline) {
			return fmt.Errorf("member: timeout waiting for table %s to become active", s.table)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

// Report is an unconditional upsert of (activeConsumers, expiresAt = now + ttl).
func (s *Store) Report(ctx context.Context, selfID string, count int) error {
	now := s.clock()
	item := map[string]types.AttributeValue{
		"id":               &types.AttributeValueMemberS{Value: selfID},
		"active_consumers": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", count)},
		"expires_at":       &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", now.Add(s.ttl).UnixMilli())},
	}

	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("member: report %s: %w", selfID, err)
	}
	return nil
}

// FetchAll scans the table and returns all peers, including self; the
// caller is responsible for filtering self out.
func (s *Store) FetchAll(ctx context.Context) ([]Member, error) {
	var out []Member
	var exclusiveStart map[string]types.AttributeValue

	for {
		resp, err := s.api.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(s.table),
			ExclusiveStartKey: exclusiveStart,
		})
		if err != nil {
			return nil, fmt.Errorf("member: scan: %w", err)
		}

		for _, item := range resp.Items {
			m, err := fromItem(item)
			if err != nil {
				return nil, err
			}
			out = append(out, m)
		}

		if len(resp.LastEvaluatedKey) == 0 {
			return out, nil
		}
		exclusiveStart = resp.LastEvaluatedKey
	}
}

// GarbageCollect deletes rows whose expiresAt has passed, issuing one
// conditional DeleteItem per expired row in a loop; the deletes are not
// grouped into BatchWriteItem requests.
func (s *Store) GarbageCollect(ctx context.Context) error {
	members, err := s.FetchAll(ctx)
	if err != nil {
		return err
	}

	now := s.clock().UnixMilli()
	var deleted int
	for _, m := range members {
		if m.ExpiresAt >= now {
			continue
		}
		_, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(s.table),
			Key: map[string]types.AttributeValue{
				"id": &types.AttributeValueMemberS{Value: m.ID},
			},
			ConditionExpression: aws.String("expires_at < :now"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":now": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", now)},
			},
		})
		if err != nil {
			// Another peer's report or GC may have already refreshed/removed this
			// row; not fatal to the sweep.
			s.log.WithError(err).WithField("member_id", m.ID).Debug("member: skip delete")
			continue
		}
		deleted++
	}
	if deleted > 0 {
		s.log.WithField("count", deleted).Info("member: garbage collected expired peers")
	}
	return nil
}

func fromItem(item map[string]types.AttributeValue) (Member, error) {
	var m Member
	if v, ok := item["id"].(*types.AttributeValueMemberS); ok {
		m.ID = v.Value
	} else {
		return Member{}, fmt.Errorf("member: item missing id")
	}
	if v, ok := item["active_consumers"].(*types.AttributeValueMemberN); ok {
		fmt.Sscanf(v.Value, "%d", &m.ActiveConsumers)
	}
	if v, ok := item["expires_at"].(*types.AttributeValueMemberN); ok {
		fmt.Sscanf(v.Value, "%d", &m.ExpiresAt)
	}
	return m, nil
}
