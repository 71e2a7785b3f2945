package sessions

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/gophupload/internal/retryx"
)

// fakeDynamo implements the condition expressions DynamoStore issues.
type fakeDynamo struct {
	mu       sync.Mutex
	items    map[string]map[string]types.AttributeValue
	tableUp  bool
	pageSize int
	created  int
	failNext error
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]types.AttributeValue), tableUp: true, pageSize: 2}
}

func idOf(item map[string]types.AttributeValue) string {
	return item["upload_id"].(*types.AttributeValueMemberS).Value
}

func numberOf(av types.AttributeValue) int64 {
	n, _ := strconv.ParseInt(av.(*types.AttributeValueMemberN).Value, 10, 64)
	return n
}

func (f *fakeDynamo) takeFailure() error {
	err := f.failNext
	f.failNext = nil
	return err
}

func (f *fakeDynamo) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return nil, err
	}

	id := idOf(in.Item)
	existing, exists := f.items[id]
	switch aws.ToString(in.ConditionExpression) {
	case "attribute_not_exists(upload_id)":
		if exists {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("exists")}
		}
	case "#v = :v":
		if !exists || numberOf(existing["version"]) != numberOf(in.ExpressionAttributeValues[":v"]) {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("version")}
		}
	}
	f.items[id] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return nil, err
	}
	return &dynamodb.GetItemOutput{Item: f.items[idOf(in.Key)]}, nil
}

func (f *fakeDynamo) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := idOf(in.Key)
	if _, ok := f.items[id]; !ok {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("missing")}
	}
	delete(f.items, id)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamo) Scan(ctx context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ids := make([]string, 0, len(f.items))
	for id := range f.items {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	start := 0
	if in.ExclusiveStartKey != nil {
		start = slices.Index(ids, idOf(in.ExclusiveStartKey)) + 1
	}
	end := min(start+f.pageSize, len(ids))

	before := numberOf(in.ExpressionAttributeValues[":before"])
	out := &dynamodb.ScanOutput{}
	for _, id := range ids[start:end] {
		item := f.items[id]
		if numberOf(item[dynamoExpiryAttr]) <= before {
			out.Items = append(out.Items, item)
		}
	}
	if end < len(ids) {
		out.LastEvaluatedKey = itemKey(ids[end-1])
	}
	return out, nil
}

func (f *fakeDynamo) DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.tableUp {
		return nil, &types.ResourceNotFoundException{Message: aws.String("no table")}
	}
	return &dynamodb.DescribeTableOutput{}, nil
}

func (f *fakeDynamo) CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	f.tableUp = true
	return &dynamodb.CreateTableOutput{}, nil
}

func newDynamoStore(fake *fakeDynamo) *DynamoStore {
	store := NewDynamoStore(fake, "upload_sessions")
	store.retry = retryx.Policy{Attempts: 3, BaseDelay: 1}
	return store
}

func TestDynamoStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return newDynamoStore(newFakeDynamo()) })
}

func TestDynamoStore_RetriesThrottling(t *testing.T) {
	fake := newFakeDynamo()
	store := newDynamoStore(fake)
	require.NoError(t, store.Create(context.Background(), sampleSession("u1", 1)))

	fake.failNext = &smithy.GenericAPIError{Code: "ProvisionedThroughputExceededException"}
	_, err := store.Get(context.Background(), "u1")
	assert.NoError(t, err)

	fake.failNext = &smithy.GenericAPIError{Code: "ValidationException"}
	_, err = store.Get(context.Background(), "u1")
	assert.Error(t, err)
}

func TestDynamoStore_WritesVersionAndExpiry(t *testing.T) {
	fake := newFakeDynamo()
	store := newDynamoStore(fake)
	s := sampleSession("u1", 1)
	require.NoError(t, store.Create(context.Background(), s))
	require.NoError(t, store.UpdateChunks(context.Background(), "u1", nil))

	item := fake.items["u1"]
	assert.Equal(t, int64(2), numberOf(item[dynamoVersionAttr]))
	assert.Equal(t, s.ExpiresAt.UnixMilli(), numberOf(item[dynamoExpiryAttr]))
}

func TestDynamoStore_EnsureTable(t *testing.T) {
	fake := newFakeDynamo()
	fake.tableUp = false
	store := newDynamoStore(fake)

	require.NoError(t, store.EnsureTable(context.Background()))
	require.NoError(t, store.EnsureTable(context.Background()))
	assert.Equal(t, 1, fake.created)
}

func TestIsRetriableDynamo(t *testing.T) {
	assert.True(t, isRetriableDynamo(errors.New("connection reset")))
	assert.True(t, isRetriableDynamo(&smithy.GenericAPIError{Code: "ThrottlingException"}))
	assert.False(t, isRetriableDynamo(&types.ConditionalCheckFailedException{}))
	assert.False(t, isRetriableDynamo(&smithy.GenericAPIError{Code: "ValidationException"}))
}
