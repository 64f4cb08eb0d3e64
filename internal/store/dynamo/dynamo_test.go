package dynamo_test

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/nfse-submitter/internal/store/dynamo"
	"github.com/rezonia/nfse-submitter/internal/store/storetest"
)

// fakeDynamo evaluates the two condition expressions the store issues and
// returns one item per Query page so pagination is exercised.
type fakeDynamo struct {
	mu     sync.Mutex
	items  map[string]map[string]types.AttributeValue
	tables []string
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: map[string]map[string]types.AttributeValue{}}
}

func str(av types.AttributeValue) string {
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		return v.Value
	case *types.AttributeValueMemberN:
		return v.Value
	}
	return ""
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := str(in.Item["id"])
	cur, exists := f.items[id]
	switch aws.ToString(in.ConditionExpression) {
	case "attribute_not_exists(#id)":
		if exists {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("exists")}
		}
	case "#version = :expected":
		if !exists || str(cur["version"]) != str(in.ExpressionAttributeValues[":expected"]) {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("version")}
		}
	}
	f.items[id] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: f.items[str(in.Key["id"])]}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	state := str(in.ExpressionAttributeValues[":state"])
	var ids []string
	for id, it := range f.items {
		if str(it["state"]) == state {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	start := 0
	if in.ExclusiveStartKey != nil {
		after := str(in.ExclusiveStartKey["id"])
		start = sort.SearchStrings(ids, after) + 1
	}
	if start >= len(ids) {
		return &dynamodb.QueryOutput{}, nil
	}
	out := &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{f.items[ids[start]]}}
	if start+1 < len(ids) {
		out.LastEvaluatedKey = map[string]types.AttributeValue{"id": f.items[ids[start]]["id"]}
	}
	return out, nil
}

func (f *fakeDynamo) CreateTable(_ context.Context, in *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tables {
		if t == aws.ToString(in.TableName) {
			return nil, &types.ResourceInUseException{Message: aws.String("exists")}
		}
	}
	f.tables = append(f.tables, aws.ToString(in.TableName))
	return &dynamodb.CreateTableOutput{}, nil
}

func TestStore(t *testing.T) {
	storetest.Run(t, dynamo.New(newFakeDynamo(), ""))
}

func TestStore_EnsureTableIdempotent(t *testing.T) {
	fake := newFakeDynamo()
	s := dynamo.New(fake, "custom")

	require.NoError(t, s.EnsureTable(context.Background()))
	require.NoError(t, s.EnsureTable(context.Background()))
	assert.Equal(t, []string{"custom"}, fake.tables)
}
