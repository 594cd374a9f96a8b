package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"storefront-agent/internal/kvstore"
)

const (
	pkPrefixKV = "KV#"

	attrValue   = "val"
	attrVersion = "ver"
	attrTTL     = "ttl"

	maxUpdateAttempts = 8
)

// dynamoKVAPI is dynamodbAPI plus the reads and deletes the key-value store
// needs.
type dynamoKVAPI interface {
	dynamodbAPI
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoStore is a kvstore.Store kept in a DynamoDB table so that every
// process serving the agent sees the same conversations, buckets and flags.
// Each item carries a version that changes on every write; Update only
// commits when the version it read is still current.
type DynamoStore struct {
	api       dynamoKVAPI
	tableName string
	now       func() time.Time
}

var _ kvstore.Store = (*DynamoStore)(nil)

func NewDynamoStore(api dynamoKVAPI, tableName string) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &DynamoStore{api: api, tableName: tableName, now: time.Now}, nil
}

// kvItem is one stored value. version is set for an item that exists in the
// table even when it has expired and reads as absent.
type kvItem struct {
	value   []byte
	version string
	live    bool
}

func (s *DynamoStore) Get(ctx context.Context, key string) ([]byte, error) {
	it, err := s.read(ctx, key)
	if err != nil {
		return nil, err
	}
	if !it.live {
		return nil, kvstore.ErrNotFound
	}
	return it.value, nil
}

func (s *DynamoStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: s.table(),
		Item:      s.item(key, value, ttl),
	})
	if err != nil {
		return fmt.Errorf("repository: kv put %q: %w", key, err)
	}
	return nil
}

// PutIfAbsent treats an expired item that DynamoDB has not swept yet as absent.
func (s *DynamoStore) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                s.table(),
		Item:                     s.item(key, value, ttl),
		ConditionExpression:      aws.String("attribute_not_exists(PK) OR #ttl < :now"),
		ExpressionAttributeNames: map[string]string{"#ttl": attrTTL},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(s.now().Unix(), 10)},
		},
	})
	if isConditionFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("repository: kv put-if-absent %q: %w", key, err)
	}
	return true, nil
}

func (s *DynamoStore) Delete(ctx context.Context, key string) error {
	_, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: s.table(),
		Key:       kvKey(key),
	})
	if err != nil {
		return fmt.Errorf("repository: kv delete %q: %w", key, err)
	}
	return nil
}

// Update reads the item, applies fn and writes the result on the condition
// that the version has not moved. A lost race rereads and retries.
func (s *DynamoStore) Update(ctx context.Context, key string, ttl time.Duration, fn kvstore.UpdateFunc) error {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		it, err := s.read(ctx, key)
		if err != nil {
			return err
		}
		var cur []byte
		if it.live {
			cur = it.value
		}
		next, err := fn(cur)
		if errors.Is(err, kvstore.ErrUnchanged) {
			return nil
		}
		if err != nil {
			return err
		}

		cond, vals := versionCondition(it.version)
		if next == nil {
			if it.version == "" {
				return nil
			}
			_, err = s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName:                 s.table(),
				Key:                       kvKey(key),
				ConditionExpression:       cond,
				ExpressionAttributeNames:  map[string]string{"#ver": attrVersion},
				ExpressionAttributeValues: vals,
			})
		} else {
			in := &dynamodb.PutItemInput{
				TableName:                 s.table(),
				Item:                      s.item(key, next, ttl),
				ConditionExpression:       cond,
				ExpressionAttributeValues: vals,
			}
			if it.version != "" {
				in.ExpressionAttributeNames = map[string]string{"#ver": attrVersion}
			}
			_, err = s.api.PutItem(ctx, in)
		}
		if isConditionFailed(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("repository: kv update %q: %w", key, err)
		}
		return nil
	}
	return fmt.Errorf("repository: kv update %q: %w", key, kvstore.ErrConflict)
}

func (s *DynamoStore) read(ctx context.Context, key string) (kvItem, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      s.table(),
		Key:            kvKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return kvItem{}, fmt.Errorf("repository: kv get %q: %w", key, err)
	}
	if out == nil || len(out.Item) == 0 {
		return kvItem{}, nil
	}
	var it kvItem
	if v, ok := out.Item[attrVersion].(*types.AttributeValueMemberS); ok {
		it.version = v.Value
	}
	if v, ok := out.Item[attrValue].(*types.AttributeValueMemberB); ok {
		it.value = v.Value
	}
	it.live = true
	if v, ok := out.Item[attrTTL].(*types.AttributeValueMemberN); ok {
		exp, err := strconv.ParseInt(v.Value, 10, 64)
		if err != nil {
			return kvItem{}, fmt.Errorf("repository: kv get %q: bad ttl %q", key, v.Value)
		}
		it.live = s.now().Unix() < exp
	}
	return it, nil
}

func (s *DynamoStore) item(key string, value []byte, ttl time.Duration) map[string]types.AttributeValue {
	item := kvKey(key)
	item[attrValue] = &types.AttributeValueMemberB{Value: value}
	item[attrVersion] = &types.AttributeValueMemberS{Value: newUUID()}
	if ttl > 0 {
		// DynamoDB expiry has one-second resolution; round up so a value never
		// expires early.
		exp := s.now().Add(ttl + time.Second - 1).Unix()
		item[attrTTL] = &types.AttributeValueMemberN{Value: strconv.FormatInt(exp, 10)}
	}
	return item
}

func (s *DynamoStore) table() *string {
	return aws.String(s.tableName)
}

func kvKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pkPrefixKV + key},
		"SK": &types.AttributeValueMemberS{Value: skMeta},
	}
}

// versionCondition matches the item as it was read: absent, or at version.
func versionCondition(version string) (*string, map[string]types.AttributeValue) {
	if version == "" {
		return aws.String("attribute_not_exists(PK)"), nil
	}
	return aws.String("#ver = :ver"), map[string]types.AttributeValue{
		":ver": &types.AttributeValueMemberS{Value: version},
	}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}
