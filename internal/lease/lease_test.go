package lease

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nsilvestrini/shardcoord/internal/config"
)

// fakeAPI is a minimal in-memory stand-in for the DynamoDB client, grounded
// in the hand-written-fake style the pack's tests use rather than a mocked
// SDK client.
type fakeAPI struct {
	items map[string]map[string]types.AttributeValue

	tableExists bool
	created     bool
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{items: make(map[string]map[string]types.AttributeValue)}
}

func (f *fakeAPI) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	key := in.Item["shard_id"].(*types.AttributeValueMemberS).Value
	if in.ConditionExpression != nil && *in.ConditionExpression == "attribute_not_exists(shard_id)" {
		if _, exists := f.items[key]; exists {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("exists")}
		}
	}
	f.items[key] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeAPI) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	key := in.Key["shard_id"].(*types.AttributeValueMemberS).Value
	existing, ok := f.items[key]
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("missing")}
	}

	expected := in.ExpressionAttributeValues[":expected"].(*types.AttributeValueMemberN).Value
	current := existing["lease_counter"].(*types.AttributeValueMemberN).Value
	if expected != current {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("counter mismatch")}
	}

	merged := make(map[string]types.AttributeValue, len(existing))
	for k, v := range existing {
		merged[k] = v
	}
	merged["lease_counter"] = in.ExpressionAttributeValues[":newCounter"]
	merged["owner"] = in.ExpressionAttributeValues[":owner"]
	if v, ok := in.ExpressionAttributeValues[":expiresAt"]; ok {
		merged["expires_at"] = v
	}
	if v, ok := in.ExpressionAttributeValues[":fin"]; ok {
		merged["is_finished"] = v
	}
	f.items[key] = merged
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeAPI) Scan(_ context.Context, _ *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	var out []map[string]types.AttributeValue
	for _, item := range f.items {
		out = append(out, item)
	}
	return &dynamodb.ScanOutput{Items: out}, nil
}

func (f *fakeAPI) DescribeTable(_ context.Context, _ *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	if !f.tableExists {
		return nil, errors.New("resource not found")
	}
	return &dynamodb.DescribeTableOutput{Table: &types.TableDescription{TableStatus: types.TableStatusActive}}, nil
}

func (f *fakeAPI) CreateTable(_ context.Context, _ *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	f.created = true
	f.tableExists = true
	return &dynamodb.CreateTableOutput{}, nil
}

func TestClaimUnheld_FirstClaimSucceeds(t *testing.T) {
	api := newFakeAPI()
	store := New(api, "leases", time.Minute)

	l, err := store.ClaimUnheld(context.Background(), "shard-1", "worker-a")
	require.NoError(t, err)
	assert.Equal(t, "shard-1", l.ShardID)
	assert.Equal(t, int64(0), l.LeaseCounter)
	assert.Equal(t, "worker-a", l.Owner)
}

func TestClaimUnheld_SecondClaimConflicts(t *testing.T) {
	api := newFakeAPI()
	store := New(api, "leases", time.Minute)
	ctx := context.Background()

	_, err := store.ClaimUnheld(ctx, "shard-1", "worker-a")
	require.NoError(t, err)

	_, err = store.ClaimUnheld(ctx, "shard-1", "worker-b")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestTakeOver_OnlyOneOfTwoRacingTakeoversSucceeds(t *testing.T) {
	api := newFakeAPI()
	store := New(api, "leases", time.Minute)
	ctx := context.Background()

	initial, err := store.ClaimUnheld(ctx, "shard-1", "worker-a")
	require.NoError(t, err)

	_, errA := store.TakeOver(ctx, "shard-1", initial.LeaseCounter, "worker-a")
	_, errB := store.TakeOver(ctx, "shard-1", initial.LeaseCounter, "worker-b")

	succeeded := (errA == nil) != (errB == nil)
	assert.True(t, succeeded, "exactly one of the two racing takeovers must succeed")
	if errA != nil {
		assert.ErrorIs(t, errA, ErrConflict)
	}
	if errB != nil {
		assert.ErrorIs(t, errB, ErrConflict)
	}
}

func TestCasUpdate_CounterMonotonicallyIncreases(t *testing.T) {
	api := newFakeAPI()
	store := New(api, "leases", time.Minute)
	ctx := context.Background()

	l, err := store.ClaimUnheld(ctx, "shard-1", "worker-a")
	require.NoError(t, err)

	l, err = store.Renew(ctx, "shard-1", l.LeaseCounter, "worker-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), l.LeaseCounter)

	l, err = store.Renew(ctx, "shard-1", l.LeaseCounter, "worker-a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), l.LeaseCounter)
}

func TestMarkFinished_SetsIsFinishedUnderSameCAS(t *testing.T) {
	api := newFakeAPI()
	store := New(api, "leases", time.Minute)
	ctx := context.Background()

	l, err := store.ClaimUnheld(ctx, "shard-1", "worker-a")
	require.NoError(t, err)

	err = store.MarkFinished(ctx, "shard-1", l.LeaseCounter, "worker-a")
	require.NoError(t, err)

	all, err := store.FetchAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].IsFinished)
}

func TestLease_ExpiredIgnoresFinishedShards(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	l := Lease{ExpiresAt: past.UnixMilli(), IsFinished: true}
	assert.False(t, l.Expired(time.Now()), "a finished lease is never reclaimed regardless of expiry")

	l.IsFinished = false
	assert.True(t, l.Expired(time.Now()))
}

func TestEnsureTable_CreatesWhenAbsent(t *testing.T) {
	api := newFakeAPI()
	store := New(api, "leases", time.Minute)

	err := store.EnsureTable(context.Background(), config.TableProvisioning{OnDemand: true})
	require.NoError(t, err)
	assert.True(t, api.created)
}

func TestEnsureTable_NoOpWhenPresent(t *testing.T) {
	api := newFakeAPI()
	api.tableExists = true
	store := New(api, "leases", time.Minute)

	err := store.EnsureTable(context.Background(), config.TableProvisioning{OnDemand: true})
	require.NoError(t, err)
	assert.False(t, api.created)
}
