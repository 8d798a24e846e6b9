package member

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nsilvestrini/shardcoord/internal/config"
)

type fakeAPI struct {
	items       map[string]map[string]types.AttributeValue
	deleteErrs  map[string]error
	deletedKeys []string
	tableExists bool
	created     bool
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{items: make(map[string]map[string]types.AttributeValue)}
}

func (f *fakeAPI) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	key := in.Item["id"].(*types.AttributeValueMemberS).Value
	f.items[key] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeAPI) Scan(_ context.Context, _ *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	var out []map[string]types.AttributeValue
	for _, item := range f.items {
		out = append(out, item)
	}
	return &dynamodb.ScanOutput{Items: out}, nil
}

func (f *fakeAPI) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	key := in.Key["id"].(*types.AttributeValueMemberS).Value
	if err, ok := f.deleteErrs[key]; ok {
		return nil, err
	}
	delete(f.items, key)
	f.deletedKeys = append(f.deletedKeys, key)
	return &dynamodb.DeleteItemOutput{}, nil
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

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l.WithField("test", true)
}

func TestReport_UpsertsActiveConsumersAndExpiry(t *testing.T) {
	api := newFakeAPI()
	store := New(api, "members", time.Minute, testLogger())

	err := store.Report(context.Background(), "worker-a", 3)
	require.NoError(t, err)

	all, err := store.FetchAll(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "worker-a", all[0].ID)
	assert.Equal(t, 3, all[0].ActiveConsumers)
	assert.Greater(t, all[0].ExpiresAt, time.Now().UnixMilli())
}

func TestGarbageCollect_DeletesOnlyExpiredRows(t *testing.T) {
	api := newFakeAPI()
	store := New(api, "members", time.Minute, testLogger())
	now := time.Now()
	store.clock = func() time.Time { return now }

	api.items["alive"] = map[string]types.AttributeValue{
		"id":               &types.AttributeValueMemberS{Value: "alive"},
		"active_consumers": &types.AttributeValueMemberN{Value: "1"},
		"expires_at":       &types.AttributeValueMemberN{Value: "99999999999999"},
	}
	api.items["dead"] = map[string]types.AttributeValue{
		"id":               &types.AttributeValueMemberS{Value: "dead"},
		"active_consumers": &types.AttributeValueMemberN{Value: "0"},
		"expires_at":       &types.AttributeValueMemberN{Value: "1"},
	}

	err := store.GarbageCollect(context.Background())
	require.NoError(t, err)

	assert.Contains(t, api.deletedKeys, "dead")
	assert.NotContains(t, api.deletedKeys, "alive")
}

func TestGarbageCollect_SkipsOnDeleteConflictWithoutFailingTheSweep(t *testing.T) {
	api := newFakeAPI()
	api.deleteErrs = map[string]error{"dead": assert.AnError}
	store := New(api, "members", time.Minute, testLogger())

	api.items["dead"] = map[string]types.AttributeValue{
		"id":               &types.AttributeValueMemberS{Value: "dead"},
		"active_consumers": &types.AttributeValueMemberN{Value: "0"},
		"expires_at":       &types.AttributeValueMemberN{Value: "1"},
	}

	err := store.GarbageCollect(context.Background())
	assert.NoError(t, err, "a per-row delete conflict must not fail the whole sweep")
}

func TestEnsureTable_CreatesWhenAbsent(t *testing.T) {
	api := newFakeAPI()
	store := New(api, "members", time.Minute, testLogger())

	err := store.EnsureTable(context.Background(), config.TableProvisioning{OnDemand: true})
	require.NoError(t, err)
	assert.True(t, api.created)
}

func TestEnsureTable_NoOpWhenPresent(t *testing.T) {
	api := newFakeAPI()
	api.tableExists = true
	store := New(api, "members", time.Minute, testLogger())

	err := store.EnsureTable(context.Background(), config.TableProvisioning{OnDemand: true})
	require.NoError(t, err)
	assert.False(t, api.created)
}
