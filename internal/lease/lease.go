// Package lease implements the CAS protocol for shard lease rows backed by
// DynamoDB. It is the only correctness-critical piece of the coordinator:
// exactly one of two racing takeovers may succeed, and the loser must be
// able to tell the difference from a transient error.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/nsilvestrini/shardcoord/internal/config"
)

// Lease is one row of the lease table.
type Lease struct {
	ShardID      string `dynamodbav:"shard_id"`
	LeaseCounter int64  `dynamodbav:"lease_counter"`
	ExpiresAt    int64  `dynamodbav:"expires_at"` // ms since epoch
	Owner        string `dynamodbav:"owner,omitempty"`
	Checkpoint   string `dynamodbav:"checkpoint,omitempty"`
	IsFinished   bool   `dynamodbav:"is_finished"`
}

// Expired reports whether the lease had already expired at t, ignoring
// finished shards (a finished lease is never reclaimed regardless of expiry).
func (l Lease) Expired(t time.Time) bool {
	return !l.IsFinished && l.ExpiresAt < t.UnixMilli()
}

// ErrConflict is returned whenever a conditional write's precondition did
// not hold. It is a normal outcome, never a transient failure: the caller
// re-reads and re-decides, there is no retry loop in this package.
var ErrConflict = errors.New("lease: conditional check failed")

// API is the subset of DynamoDB operations the lease store needs. Declared
// as an interface so tests can substitute an in-memory fake.
type API interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// Store is the Lease Record component (4.A). The zero value is not usable;
// construct with New.
type Store struct {
	api      API
	table    string
	clock    func() time.Time
	leaseTTL time.Duration
}

// New builds a lease Store against the given table name. leaseTTL is the
// duration granted on a successful claim/takeover/renew (expiresAt := now + leaseTTL).
func New(api API, table string, leaseTTL time.Duration) *Store {
	return &Store{api: api, table: table, clock: time.Now, leaseTTL: leaseTTL}
}

// EnsureTable probes for the table's existence and creates it with the
// configured throughput if absent, mirroring the teacher's
// InitializeMetadataTable. Failure here is fatal at the Bootstrap layer.
func (s *Store) EnsureTable(ctx context.Context, cfg config.TableProvisioning) error {
	_, err := s.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)})
	if err == nil {
		return nil
	}

	input := &dynamodb.CreateTableInput{
		TableName: aws.String(s.table),
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("shard_id"), KeyType: types.KeyTypeHash},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("shard_id"), AttributeType: types.ScalarAttributeTypeS},
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
		return fmt.Errorf("lease: create table %s: %w", s.table, err)
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
			return fmt.Errorf("lease: timeout waiting for table %s to become active", s.table)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

// FetchAll performs a full, paginated scan of the lease table.
func (s *Store) FetchAll(ctx context.Context) ([]Lease, error) {
	var out []Lease
	var exclusiveStart map[string]types.AttributeValue

	for {
		resp, err := s.api.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(s.table),
			ExclusiveStartKey: exclusiveStart,
		})
		if err != nil {
			return nil, fmt.Errorf("lease: scan: %w", err)
		}

		for _, item := range resp.Items {
			l, err := fromItem(item)
			if err != nil {
				return nil, err
			}
			out = append(out, l)
		}

		if len(resp.LastEvaluatedKey) == 0 {
			return out, nil
		}
		exclusiveStart = resp.LastEvaluatedKey
	}
}

// ClaimUnheld performs a conditional put requiring the row's absence.
func (s *Store) ClaimUnheld(ctx context.Context, shardID, selfID string) (Lease, error) {
	now := s.clock()
	l := Lease{
		ShardID:      shardID,
		LeaseCounter: 0,
		Owner:        selfID,
		ExpiresAt:    now.Add(s.leaseTTL).UnixMilli(),
	}

	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                toItem(l),
		ConditionExpression: aws.String("attribute_not_exists(shard_id)"),
	})
	if isConditionalFailure(err) {
		return Lease{}, ErrConflict
	}
	if err != nil {
		return Lease{}, fmt.Errorf("lease: claim %s: %w", shardID, err)
	}
	return l, nil
}

// TakeOver performs a conditional update requiring leaseCounter == expectedCounter,
// writing leaseCounter := expectedCounter+1, owner := selfID, and a fresh expiry.
// The caller need not already be the owner.
func (s *Store) TakeOver(ctx context.Context, shardID string, expectedCounter int64, selfID string) (Lease, error) {
	return s.casUpdate(ctx, shardID, expectedCounter, selfID)
}

// Renew is identical to TakeOver; callers are expected to only invoke it
// when they already hold the lease, but the precondition enforced by
// DynamoDB is the same counter equality check either way.
func (s *Store) Renew(ctx context.Context, shardID string, expectedCounter int64, selfID string) (Lease, error) {
	return s.casUpdate(ctx, shardID, expectedCounter, selfID)
}

func (s *Store) casUpdate(ctx context.Context, shardID string, expectedCounter int64, selfID string) (Lease, error) {
	now := s.clock()
	newCounter := expectedCounter + 1
	newExpiry := now.Add(s.leaseTTL).UnixMilli()

	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"shard_id": &types.AttributeValueMemberS{Value: shardID},
		},
		UpdateExpression:    aws.String("SET lease_counter = :newCounter, #own = :owner, expires_at = :expiresAt"),
		ConditionExpression: aws.String("lease_counter = :expected"),
		ExpressionAttributeNames: map[string]string{
			"#own": "owner",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":newCounter": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", newCounter)},
			":owner":      &types.AttributeValueMemberS{Value: selfID},
			":expiresAt":  &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", newExpiry)},
			":expected":   &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", expectedCounter)},
		},
	})
	if isConditionalFailure(err) {
		return Lease{}, ErrConflict
	}
	if err != nil {
		return Lease{}, fmt.Errorf("lease: cas update %s: %w", shardID, err)
	}

	return Lease{
		ShardID:      shardID,
		LeaseCounter: newCounter,
		Owner:        selfID,
		ExpiresAt:    newExpiry,
	}, nil
}

// MarkFinished sets isFinished under the same CAS precondition as TakeOver/Renew.
func (s *Store) MarkFinished(ctx context.Context, shardID string, expectedCounter int64, selfID string) error {
	newCounter := expectedCounter + 1

	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"shard_id": &types.AttributeValueMemberS{Value: shardID},
		},
		UpdateExpression:    aws.String("SET lease_counter = :newCounter, #own = :owner, is_finished = :fin"),
		ConditionExpression: aws.String("lease_counter = :expected"),
		ExpressionAttributeNames: map[string]string{
			"#own": "owner",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":newCounter": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", newCounter)},
			":owner":      &types.AttributeValueMemberS{Value: selfID},
			":fin":        &types.AttributeValueMemberBOOL{Value: true},
			":expected":   &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", expectedCounter)},
		},
	})
	if isConditionalFailure(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("lease: mark finished %s: %w", shardID, err)
	}
	return nil
}

func isConditionalFailure(err error) bool {
	var condErr *types.ConditionalCheckFailedException
	return errors.As(err, &condErr)
}

func toItem(l Lease) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"shard_id":      &types.AttributeValueMemberS{Value: l.ShardID},
		"lease_counter": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", l.LeaseCounter)},
		"expires_at":    &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", l.ExpiresAt)},
		"is_finished":   &types.AttributeValueMemberBOOL{Value: l.IsFinished},
	}
	if l.Owner != "" {
		item["owner"] = &types.AttributeValueMemberS{Value: l.Owner}
	}
	if l.Checkpoint != "" {
		item["checkpoint"] = &types.AttributeValueMemberS{Value: l.Checkpoint}
	}
	return item
}

func fromItem(item map[string]types.AttributeValue) (Lease, error) {
	var l Lease

	if v, ok := item["shard_id"].(*types.AttributeValueMemberS); ok {
		l.ShardID = v.Value
	} else {
		return Lease{}, fmt.Errorf("lease: item missing shard_id")
	}
	if v, ok := item["lease_counter"].(*types.AttributeValueMemberN); ok {
		fmt.Sscanf(v.Value, "%d", &l.LeaseCounter)
	}
	if v, ok := item["expires_at"].(*types.AttributeValueMemberN); ok {
		fmt.Sscanf(v.Value, "%d", &l.ExpiresAt)
	}
	if v, ok := item["owner"].(*types.AttributeValueMemberS); ok {
		l.Owner = v.Value
	}
	if v, ok := item["checkpoint"].(*types.AttributeValueMemberS); ok {
		l.Checkpoint = v.Value
	}
	if v, ok := item["is_finished"].(*types.AttributeValueMemberBOOL); ok {
		l.IsFinished = v.Value
	}
	return l, nil
}
