package sessions

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/dmitrijs2005/gophupload/internal/common"
	"github.com/dmitrijs2005/gophupload/internal/retryx"
	"github.com/dmitrijs2005/gophupload/internal/server/models"
)

const (
	dynamoVersionAttr = "version"
	dynamoExpiryAttr  = "expires_at_ms"

	dynamoMaxCASAttempts = 16
)

// DynamoAPI is the subset of the DynamoDB client used by DynamoStore.
type DynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

var _ DynamoAPI = (*dynamodb.Client)(nil)

// DynamoStore keeps one item per session keyed by upload_id. Every write is
// conditioned on a version attribute, so concurrent writers retry instead
// of overwriting each other.
type DynamoStore struct {
	client    DynamoAPI
	tableName string
	retry     retryx.Policy
}

func NewDynamoStore(client DynamoAPI, tableName string) *DynamoStore {
	return &DynamoStore{client: client, tableName: tableName, retry: retryx.DefaultPolicy}
}

func (d *DynamoStore) Name() string { return "sessions[dynamodb:" + d.tableName + "]" }

func (d *DynamoStore) Close() error { return nil }

func (d *DynamoStore) IsReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	return retryx.Retry(ctx, d.retry, func(ctx context.Context) error {
		_, err := d.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
			TableName: aws.String(d.tableName),
		})
		return err
	}, isRetriableDynamo)
}

// EnsureTable creates the sessions table on demand, which is convenient
// against DynamoDB Local.
func (d *DynamoStore) EnsureTable(ctx context.Context) error {
	_, err := d.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(d.tableName)})
	var nf *types.ResourceNotFoundException
	if err == nil || !errors.As(err, &nf) {
		return err
	}

	_, err = d.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(d.tableName),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("upload_id"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("upload_id"), KeyType: types.KeyTypeHash},
		},
	})
	var inUse *types.ResourceInUseException
	if errors.As(err, &inUse) {
		return nil
	}
	return err
}

func isRetriableDynamo(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return true
	}
	switch apiErr.ErrorCode() {
	case "ProvisionedThroughputExceededException", "RequestLimitExceeded", "ThrottlingException",
		"InternalServerError", "ServiceUnavailable":
		return true
	}
	return false
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func itemKey(uploadID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"upload_id": &types.AttributeValueMemberS{Value: uploadID},
	}
}

func encodeItem(s *models.UploadSession, version int64) (map[string]types.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(s)
	if err != nil {
		return nil, err
	}
	item[dynamoVersionAttr] = &types.AttributeValueMemberN{Value: strconv.FormatInt(version, 10)}
	item[dynamoExpiryAttr] = &types.AttributeValueMemberN{Value: strconv.FormatInt(s.ExpiresAt.UnixMilli(), 10)}
	return item, nil
}

func decodeItem(item map[string]types.AttributeValue) (*models.UploadSession, int64, error) {
	var s models.UploadSession
	if err := attributevalue.UnmarshalMap(item, &s); err != nil {
		return nil, 0, fmt.Errorf("corrupt session record: %w", err)
	}

	var version int64
	if v, ok := item[dynamoVersionAttr].(*types.AttributeValueMemberN); ok {
		n, err := strconv.ParseInt(v.Value, 10, 64)
		if err != nil {
			return nil, 0, fmt.Errorf("invalid version value: %w", err)
		}
		version = n
	}
	return &s, version, nil
}

func (d *DynamoStore) Create(ctx context.Context, s *models.UploadSession) error {
	item, err := encodeItem(s, 1)
	if err != nil {
		return err
	}

	err = retryx.Retry(ctx, d.retry, func(ctx context.Context) error {
		_, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(d.tableName),
			Item:                item,
			ConditionExpression: aws.String("attribute_not_exists(upload_id)"),
		})
		return err
	}, isRetriableDynamo)
	if isConditionFailed(err) {
		return common.ErrStatusConflict
	}
	return err
}

func (d *DynamoStore) get(ctx context.Context, uploadID string) (*models.UploadSession, int64, error) {
	out, err := retryx.Value(ctx, d.retry, func(ctx context.Context) (*dynamodb.GetItemOutput, error) {
		return d.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName:      aws.String(d.tableName),
			Key:            itemKey(uploadID),
			ConsistentRead: aws.Bool(true),
		})
	}, isRetriableDynamo)
	if err != nil {
		return nil, 0, err
	}
	if out.Item == nil {
		return nil, 0, common.ErrNotFound
	}
	return decodeItem(out.Item)
}

func (d *DynamoStore) Get(ctx context.Context, uploadID string) (*models.UploadSession, error) {
	s, _, err := d.get(ctx, uploadID)
	return s, err
}

// update reads the item, applies fn and writes it back conditioned on the
// version it read.
func (d *DynamoStore) update(ctx context.Context, uploadID string, fn func(s *models.UploadSession) error) (*models.UploadSession, error) {
	for range dynamoMaxCASAttempts {
		s, version, err := d.get(ctx, uploadID)
		if err != nil {
			return nil, err
		}
		if err := fn(s); err != nil {
			return nil, err
		}

		item, err := encodeItem(s, version+1)
		if err != nil {
			return nil, err
		}

		_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(d.tableName),
			Item:                item,
			ConditionExpression: aws.String("#v = :v"),
			ExpressionAttributeNames: map[string]string{
				"#v": dynamoVersionAttr,
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":v": &types.AttributeValueMemberN{Value: strconv.FormatInt(version, 10)},
			},
		})
		if isConditionFailed(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("dynamodb update %s: too much contention", uploadID)
}

func (d *DynamoStore) UpdateChunks(ctx context.Context, uploadID string, chunks []models.ChunkDescriptor) error {
	_, err := d.update(ctx, uploadID, func(s *models.UploadSession) error {
		if err := mergeChunks(s, chunks); err != nil {
			return err
		}
		s.UpdatedAt = now()
		return nil
	})
	return err
}

func (d *DynamoStore) Transition(ctx context.Context, uploadID string, t Transition) (*models.UploadSession, error) {
	return d.update(ctx, uploadID, func(s *models.UploadSession) error {
		return applyTransition(s, t, now())
	})
}

func (d *DynamoStore) Delete(ctx context.Context, uploadID string) error {
	err := retryx.Retry(ctx, d.retry, func(ctx context.Context) error {
		_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName:           aws.String(d.tableName),
			Key:                 itemKey(uploadID),
			ConditionExpression: aws.String("attribute_exists(upload_id)"),
		})
		return err
	}, isRetriableDynamo)
	if isConditionFailed(err) {
		return common.ErrNotFound
	}
	return err
}

func (d *DynamoStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*models.UploadSession, error) {
	var out []*models.UploadSession
	var startKey map[string]types.AttributeValue

	for {
		page, err := retryx.Value(ctx, d.retry, func(ctx context.Context) (*dynamodb.ScanOutput, error) {
			return d.client.Scan(ctx, &dynamodb.ScanInput{
				TableName:        aws.String(d.tableName),
				FilterExpression: aws.String("#e <= :before"),
				ExpressionAttributeNames: map[string]string{
					"#e": dynamoExpiryAttr,
				},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":before": &types.AttributeValueMemberN{Value: strconv.FormatInt(before.UnixMilli(), 10)},
				},
				ExclusiveStartKey: startKey,
			})
		}, isRetriableDynamo)
		if err != nil {
			return nil, err
		}

		for _, item := range page.Items {
			s, _, err := decodeItem(item)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}

		if len(page.LastEvaluatedKey) == 0 {
			return out, nil
		}
		startKey = page.LastEvaluatedKey
	}
}
