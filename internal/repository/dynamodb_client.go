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
	"github.com/google/uuid"

	"storefront-agent/internal/domain"
)

const (
	pkPrefixConv   = "CONV#"
	pkPrefixReplay = "REPLAY#"
	skPrefixMsg    = "MSG#"
	skMeta         = "META#"

	ttlDuration = 30 * 24 * time.Hour // 30-day TTL

	// BatchWriteItem accepts at most 25 put requests per call.
	batchSize        = 25
	maxBatchAttempts = 5

	// sortableNano is RFC3339 with a fixed nine-digit fraction so that sort
	// keys compare lexically in time order.
	sortableNano = "2006-01-02T15:04:05.000000000Z07:00"
)

// dynamodbAPI is the minimal DynamoDB interface required by the repository.
// Defined here for testability.
type dynamodbAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// DynamoClient is the durable conversation store backed by a single DynamoDB
// table. A conversation is one META# item plus one MSG# item per message, all
// under the same CONV# partition.
type DynamoClient struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// NewDynamoClient creates a DynamoDB-backed durable store.
func NewDynamoClient(api dynamodbAPI, tableName string) (*DynamoClient, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &DynamoClient{api: api, tableName: tableName, now: time.Now}, nil
}

// convPK returns the DynamoDB partition key for a conversation.
func convPK(conversationID string) string {
	return pkPrefixConv + conversationID
}

// msgSK orders messages by creation time; seq breaks ties between messages
// sharing a timestamp.
func msgSK(ts time.Time, seq int) string {
	return fmt.Sprintf("%s%s#%04d", skPrefixMsg, ts.UTC().Format(sortableNano), seq)
}

func (c *DynamoClient) ttlValue() string {
	return strconv.FormatInt(c.now().Add(ttlDuration).Unix(), 10)
}

// InsertConversation writes the conversation summary and returns its new id.
func (c *DynamoClient) InsertConversation(ctx context.Context, sessionID string, startedAt, endedAt time.Time) (string, error) {
	if strings.TrimSpace(sessionID) == "" {
		return "", errors.New("repository: InsertConversation: session id is required")
	}
	id := newUUID()
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: conversationItem(domain.ConversationRecord{
			ID:        id,
			SessionID: sessionID,
			StartedAt: startedAt,
			EndedAt:   endedAt,
		}, c.ttlValue()),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return "", fmt.Errorf("repository: InsertConversation: %w", err)
	}
	return id, nil
}

// InsertMessages writes messages in batches of 25, resubmitting unprocessed
// items a bounded number of times.
func (c *DynamoClient) InsertMessages(ctx context.Context, conversationID string, messages []domain.MessageRecord) error {
	if strings.TrimSpace(conversationID) == "" {
		return errors.New("repository: InsertMessages: conversation id is required")
	}
	ttl := c.ttlValue()
	for start := 0; start < len(messages); start += batchSize {
		end := min(start+batchSize, len(messages))
		reqs := make([]types.WriteRequest, 0, end-start)
		for i := start; i < end; i++ {
			reqs = append(reqs, types.WriteRequest{
				PutRequest: &types.PutRequest{Item: messageItem(conversationID, i, messages[i], ttl)},
			})
		}
		if err := c.writeBatch(ctx, reqs); err != nil {
			return fmt.Errorf("repository: InsertMessages: %w", err)
		}
	}
	return nil
}

func (c *DynamoClient) writeBatch(ctx context.Context, reqs []types.WriteRequest) error {
	pending := map[string][]types.WriteRequest{c.tableName: reqs}
	for attempt := 0; attempt < maxBatchAttempts; attempt++ {
		out, err := c.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			return err
		}
		if out == nil || len(out.UnprocessedItems[c.tableName]) == 0 {
			return nil
		}
		pending = out.UnprocessedItems
	}
	return fmt.Errorf("%d items unprocessed after %d attempts", len(pending[c.tableName]), maxBatchAttempts)
}

// DynamoReplayStore records used signatures with a conditional put, so the
// check-and-mark is atomic across processes sharing the table.
type DynamoReplayStore struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

func NewDynamoReplayStore(api dynamodbAPI, tableName string) (*DynamoReplayStore, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &DynamoReplayStore{api: api, tableName: tableName, now: time.Now}, nil
}

// MarkUsed stores key and reports whether it was new. An expired record that
// DynamoDB has not swept yet counts as absent.
func (s *DynamoReplayStore) MarkUsed(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := s.now()
	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"PK":  &types.AttributeValueMemberS{Value: pkPrefixReplay + key},
			"SK":  &types.AttributeValueMemberS{Value: skMeta},
			"ttl": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(ttl).Unix(), 10)},
		},
		ConditionExpression:      aws.String("attribute_not_exists(PK) OR #ttl < :now"),
		ExpressionAttributeNames: map[string]string{"#ttl": "ttl"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
		},
	})
	if isConditionFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("repository: MarkUsed: %w", err)
	}
	return true, nil
}

func conversationItem(rec domain.ConversationRecord, ttl string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: convPK(rec.ID)},
		"SK":             &types.AttributeValueMemberS{Value: skMeta},
		"conversationId": &types.AttributeValueMemberS{Value: rec.ID},
		"sessionId":      &types.AttributeValueMemberS{Value: rec.SessionID},
		"startedAt":      &types.AttributeValueMemberS{Value: rec.StartedAt.UTC().Format(time.RFC3339Nano)},
		"endedAt":        &types.AttributeValueMemberS{Value: rec.EndedAt.UTC().Format(time.RFC3339Nano)},
		"ttl":            &types.AttributeValueMemberN{Value: ttl},
	}
}

func messageItem(conversationID string, seq int, msg domain.MessageRecord, ttl string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: convPK(conversationID)},
		"SK":             &types.AttributeValueMemberS{Value: msgSK(msg.CreatedAt, seq)},
		"conversationId": &types.AttributeValueMemberS{Value: conversationID},
		"role":           &types.AttributeValueMemberS{Value: string(msg.Role)},
		"content":        &types.AttributeValueMemberS{Value: msg.Content},
		"createdAt":      &types.AttributeValueMemberS{Value: msg.CreatedAt.UTC().Format(time.RFC3339Nano)},
		"seq":            &types.AttributeValueMemberN{Value: strconv.Itoa(seq)},
		"ttl":            &types.AttributeValueMemberN{Value: ttl},
	}
}

var newUUID = func() string {
	return uuid.NewString()
}
