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

	"voicegpt-bot/internal/domain"
)

const (
	skSession   = "SESSION#"
	ttlDuration = 90 * 24 * time.Hour // 90-day TTL
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoClient.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// DynamoClient stores one item per user session in a single table.
type DynamoClient struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// NewDynamo creates a DynamoDB-backed repository.
func NewDynamo(api dynamodbAPI, tableName string) (*DynamoClient, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &DynamoClient{api: api, tableName: tableName, now: time.Now}, nil
}

// userPK returns the DynamoDB partition key for a user.
func userPK(userID int64) string {
	return "USER#" + strconv.FormatInt(userID, 10)
}

func sessionKey(userID int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: userPK(userID)},
		"SK": &types.AttributeValueMemberS{Value: skSession},
	}
}

// Load reads the session item for userID.
func (c *DynamoClient) Load(ctx context.Context, userID int64) (domain.Session, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            sessionKey(userID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Session{}, fmt.Errorf("repository: Load get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Session{}, ErrNotFound
	}

	s, err := itemToSession(out.Item)
	if err != nil {
		return domain.Session{}, fmt.Errorf("repository: Load decode: %w", err)
	}
	return s, nil
}

// Save replaces the session item for s.UserID.
func (c *DynamoClient) Save(ctx context.Context, s domain.Session) error {
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      c.sessionItem(s),
	})
	if err != nil {
		return fmt.Errorf("repository: Save: %w", err)
	}
	return nil
}

func (c *DynamoClient) sessionItem(s domain.Session) map[string]types.AttributeValue {
	now := c.now().UTC()
	msgs := make([]types.AttributeValue, 0, len(s.Messages))
	for _, m := range s.Messages {
		msgs = append(msgs, &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			"role":    &types.AttributeValueMemberS{Value: m.Role},
			"content": &types.AttributeValueMemberS{Value: m.Content},
		}})
	}

	item := sessionKey(s.UserID)
	item["userId"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(s.UserID, 10)}
	item["user"] = &types.AttributeValueMemberM{Value: profileItem(s.User)}
	item["startedAt"] = &types.AttributeValueMemberS{Value: s.StartedAt.UTC().Format(time.RFC3339Nano)}
	item["messages"] = &types.AttributeValueMemberL{Value: msgs}
	item["updatedAt"] = &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)}
	item["ttl"] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", now.Add(ttlDuration).Unix())}
	return item
}

func profileItem(p domain.Profile) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"id":           &types.AttributeValueMemberN{Value: strconv.FormatInt(p.ID, 10)},
		"firstName":    &types.AttributeValueMemberS{Value: p.FirstName},
		"lastName":     &types.AttributeValueMemberS{Value: p.LastName},
		"username":     &types.AttributeValueMemberS{Value: p.Username},
		"languageCode": &types.AttributeValueMemberS{Value: p.LanguageCode},
		"isPremium":    &types.AttributeValueMemberBOOL{Value: p.IsPremium},
		"isBot":        &types.AttributeValueMemberBOOL{Value: p.IsBot},
	}
}

// itemToSession converts a DynamoDB attribute map to a Session.
func itemToSession(item map[string]types.AttributeValue) (domain.Session, error) {
	userID, err := int64Attr(item, "userId")
	if err != nil {
		return domain.Session{}, err
	}
	s := domain.NewSession(userID)

	if raw, _ := strAttr(item, "startedAt"); raw != "" { // allow empty
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return domain.Session{}, fmt.Errorf("repository: parse attribute %q: %w", "startedAt", err)
		}
		s.StartedAt = ts
	}

	if v, ok := item["user"].(*types.AttributeValueMemberM); ok {
		p := v.Value
		s.User.ID, _ = int64Attr(p, "id")
		s.User.FirstName, _ = strAttr(p, "firstName")
		s.User.LastName, _ = strAttr(p, "lastName")
		s.User.Username, _ = strAttr(p, "username")
		s.User.LanguageCode, _ = strAttr(p, "languageCode")
		s.User.IsPremium = boolAttr(p, "isPremium")
		s.User.IsBot = boolAttr(p, "isBot")
	}

	list, ok := item["messages"].(*types.AttributeValueMemberL)
	if !ok {
		return s, nil
	}
	for i, v := range list.Value {
		m, ok := v.(*types.AttributeValueMemberM)
		if !ok {
			return domain.Session{}, fmt.Errorf("repository: message %d is not a map", i)
		}
		role, err := strAttr(m.Value, "role")
		if err != nil {
			return domain.Session{}, fmt.Errorf("repository: message %d: %w", i, err)
		}
		content, err := strAttr(m.Value, "content")
		if err != nil {
			return domain.Session{}, fmt.Errorf("repository: message %d: %w", i, err)
		}
		s.Messages = append(s.Messages, domain.ChatMessage{Role: role, Content: content})
	}
	return s, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func int64Attr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func boolAttr(item map[string]types.AttributeValue, key string) bool {
	b, ok := item[key].(*types.AttributeValueMemberBOOL)
	return ok && b.Value
}
