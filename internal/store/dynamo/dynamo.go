// Package dynamo persists submission records in DynamoDB using conditional
// writes for create-if-absent and version compare-and-set.
package dynamo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/rezonia/nfse-submitter/internal/model"
	"github.com/rezonia/nfse-submitter/internal/store"
)

const (
	// DefaultTable is used when NFSE_DYNAMODB_TABLE is unset
	DefaultTable = "nfse_submissions"
	// StateIndex is the GSI (PK state, SK created_at) used by ListByState
	StateIndex = "state-index"
)

// API is the subset of *dynamodb.Client the store calls
type API interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

type item struct {
	ID           string `dynamodbav:"id"`
	State        string `dynamodbav:"state"`
	Version      int64  `dynamodbav:"version"`
	Municipality string `dynamodbav:"municipality"`
	CreatedAt    string `dynamodbav:"created_at"`
	Record       string `dynamodbav:"record"`
}

var _ store.Store = (*Store)(nil)

// Store is a DynamoDB record store.
//
// Table requirements:
//   - PK: id (string)
//   - GSI: state-index (PK: state, SK: created_at)
type Store struct {
	ddb   API
	table string
}

// New creates a store on table
func New(ddb API, table string) *Store {
	if table == "" {
		table = DefaultTable
	}
	return &Store{ddb: ddb, table: table}
}

// NewConfigFromEnv builds an AWS config from AWS_REGION, AWS_ACCESS_KEY_ID,
// AWS_SECRET_ACCESS_KEY and, for DynamoDB Local, DYNAMODB_ENDPOINT.
func NewConfigFromEnv(ctx context.Context) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(getenvDefault("AWS_REGION", "us-east-1")),
	}
	if os.Getenv("DYNAMODB_ENDPOINT") != "" {
		// local DynamoDB ignores credentials but the SDK requires some
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			getenvDefault("AWS_ACCESS_KEY_ID", "local"),
			getenvDefault("AWS_SECRET_ACCESS_KEY", "local"),
			"",
		)))
	}
	return config.LoadDefaultConfig(ctx, opts...)
}

// Connect returns a client honouring DYNAMODB_ENDPOINT
func Connect(ctx context.Context) (*dynamodb.Client, error) {
	cfg, err := NewConfigFromEnv(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	endpoint := os.Getenv("DYNAMODB_ENDPOINT")
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

// EnsureTable creates the table and its index when missing
func (s *Store) EnsureTable(ctx context.Context) error {
	_, err := s.ddb.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(s.table),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("state"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("created_at"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("id"), KeyType: types.KeyTypeHash},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{{
			IndexName: aws.String(StateIndex),
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String("state"), KeyType: types.KeyTypeHash},
				{AttributeName: aws.String("created_at"), KeyType: types.KeyTypeRange},
			},
			Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
		}},
	})
	var inUse *types.ResourceInUseException
	if err != nil && !errors.As(err, &inUse) {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, rec *model.SubmissionRecord) error {
	rec.Version = 1
	av, err := s.marshal(rec)
	if err != nil {
		rec.Version = 0
		return err
	}

	_, err = s.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(#id)"),
		ExpressionAttributeNames: map[string]string{
			"#id": "id",
		},
	})
	if err != nil {
		rec.Version = 0
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("%w: %s", model.ErrDuplicate, rec.ID)
		}
		return fmt.Errorf("create submission: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*model.SubmissionRecord, error) {
	out, err := s.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get submission: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, fmt.Errorf("%w: %s", model.ErrNotFound, id)
	}
	return unmarshal(out.Item)
}

// Update replaces the item only if its version still matches rec.Version
func (s *Store) Update(ctx context.Context, rec *model.SubmissionRecord) error {
	expected := rec.Version
	rec.Version++
	av, err := s.marshal(rec)
	if err != nil {
		rec.Version = expected
		return err
	}

	_, err = s.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                av,
		ConditionExpression: aws.String("#version = :expected"),
		ExpressionAttributeNames: map[string]string{
			"#version": "version",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberN{Value: strconv.FormatInt(expected, 10)},
		},
	})
	if err == nil {
		return nil
	}
	rec.Version = expected

	var ccf *types.ConditionalCheckFailedException
	if !errors.As(err, &ccf) {
		return fmt.Errorf("update submission: %w", err)
	}
	if _, err := s.Get(ctx, rec.ID); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s version %d", model.ErrConflict, rec.ID, expected)
}

func (s *Store) ListByState(ctx context.Context, states ...model.State) ([]*model.SubmissionRecord, error) {
	out := make([]*model.SubmissionRecord, 0)
	for _, st := range states {
		var start map[string]types.AttributeValue
		for {
			page, err := s.ddb.Query(ctx, &dynamodb.QueryInput{
				TableName:              aws.String(s.table),
				IndexName:              aws.String(StateIndex),
				KeyConditionExpression: aws.String("#state = :state"),
				ExpressionAttributeNames: map[string]string{
					"#state": "state",
				},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":state": &types.AttributeValueMemberS{Value: string(st)},
				},
				ExclusiveStartKey: start,
			})
			if err != nil {
				return nil, fmt.Errorf("list submissions: %w", err)
			}
			for _, raw := range page.Items {
				rec, err := unmarshal(raw)
				if err != nil {
					return nil, err
				}
				out = append(out, rec)
			}
			if len(page.LastEvaluatedKey) == 0 {
				break
			}
			start = page.LastEvaluatedKey
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) marshal(rec *model.SubmissionRecord) (map[string]types.AttributeValue, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	av, err := attributevalue.MarshalMap(item{
		ID:           rec.ID,
		State:        string(rec.State),
		Version:      rec.Version,
		Municipality: string(rec.Invoice.MunicipalityCode),
		CreatedAt:    rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		Record:       string(payload),
	})
	if err != nil {
		return nil, fmt.Errorf("encode item: %w", err)
	}
	return av, nil
}

func unmarshal(raw map[string]types.AttributeValue) (*model.SubmissionRecord, error) {
	var it item
	if err := attributevalue.UnmarshalMap(raw, &it); err != nil {
		return nil, fmt.Errorf("decode item: %w", err)
	}
	var rec model.SubmissionRecord
	if err := json.Unmarshal([]byte(it.Record), &rec); err != nil {
		return nil, fmt.Errorf("decode submission: %w", err)
	}
	return &rec, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
