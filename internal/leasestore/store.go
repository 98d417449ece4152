// Package leasestore implements the shared key-value store used both as a
// cache and as a cross-invocation mutual-exclusion primitive. Entries carry
// a TTL; an expired entry is treated as absent, so a crashed lease holder
// self-heals after at most the lease TTL.
package leasestore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Error types for store operations.
var (
	// ErrLeaseHeld means Acquire lost to a live holder.
	ErrLeaseHeld = errors.New("lease already held")
)

// DynamoDBClient defines the interface for DynamoDB operations.
type DynamoDBClient interface {
	GetItem(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, input *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Store is a DynamoDB-backed key-value store with per-key expiry.
type Store struct {
	client    DynamoDBClient
	tableName string
	nowFunc   func() time.Time
}

// New creates a Store over the given table.
func New(client DynamoDBClient, tableName string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		nowFunc:   time.Now,
	}
}

// Get returns the value for key, reporting false when the key is absent or
// expired. DynamoDB's own TTL sweeper lags, so expiry is checked here too.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	output, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			AttrPK: &types.AttributeValueMemberS{Value: key},
		},
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to get %q: %w", key, err)
	}
	if output.Item == nil {
		return "", false, nil
	}

	if v, ok := output.Item[AttrExpiresAt].(*types.AttributeValueMemberN); ok {
		expiresAt, err := strconv.ParseInt(v.Value, 10, 64)
		if err == nil && expiresAt <= s.nowFunc().Unix() {
			return "", false, nil
		}
	}

	if v, ok := output.Item[AttrValue].(*types.AttributeValueMemberS); ok {
		return v.Value, true, nil
	}
	return "", false, nil
}

// Set writes key unconditionally with the given TTL.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      s.item(key, value, ttl),
	})
	if err != nil {
		return fmt.Errorf("failed to set %q: %w", key, err)
	}
	return nil
}

// Acquire takes the lease named by key with the given TTL. It succeeds when
// the key is absent or its previous holder's TTL has lapsed; otherwise it
// returns ErrLeaseHeld. The conditional put is the only atomicity the
// pipeline relies on for mutual exclusion.
func (s *Store) Acquire(ctx context.Context, key string, ttl time.Duration) error {
	now := s.nowFunc().Unix()
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                s.item(key, "1", ttl),
		ConditionExpression: aws.String("attribute_not_exists(" + AttrPK + ") OR " + AttrExpiresAt + " <= :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now, 10)},
		},
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return ErrLeaseHeld
		}
		return fmt.Errorf("failed to acquire %q: %w", key, err)
	}
	return nil
}

// Release deletes the lease named by key. Safe to call when not held.
func (s *Store) Release(ctx context.Context, key string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			AttrPK: &types.AttributeValueMemberS{Value: key},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to release %q: %w", key, err)
	}
	return nil
}

func (s *Store) item(key, value string, ttl time.Duration) map[string]types.AttributeValue {
	expiresAt := s.nowFunc().Add(ttl).Unix()
	return map[string]types.AttributeValue{
		AttrPK:        &types.AttributeValueMemberS{Value: key},
		AttrValue:     &types.AttributeValueMemberS{Value: value},
		AttrExpiresAt: &types.AttributeValueMemberN{Value: strconv.FormatInt(expiresAt, 10)},
	}
}
