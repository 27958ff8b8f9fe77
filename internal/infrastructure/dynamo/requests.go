package dynamo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/followswap/internal/domain"
)

// GSI names on the follow_requests table.
const (
	statusCreatedIndex   = "status-created_at-index"
	statusExpiresIndex   = "status-expires_at-index"
	ownerCreatedIndex    = "owner_id-created_at-index"
	verifierCreatedIndex = "verified_by-created_at-index"
	codeIndex            = "verification_code-index"
)

// RequestRepo provides typed DynamoDB operations for the follow_requests
// table. It also holds the accounts table name: creating a request charges the
// owner and verifying one pays the verifier, and both pairs must commit as a
// unit, so they run as TransactWriteItems across the two tables.
type RequestRepo struct {
	client        *dynamodb.Client
	tableName     string
	accountsTable string
}

func NewRequestRepo(client *dynamodb.Client, tableName, accountsTable string) *RequestRepo {
	return &RequestRepo{client: client, tableName: tableName, accountsTable: accountsTable}
}

// CreateCharged inserts a new pending request and deducts the creation cost
// from the owner's balance in one transaction. Either both writes commit or
// neither does; a request can never exist with an uncharged owner. The
// balance condition is evaluated at commit time, so concurrent creates
// cannot overdraw the account.
func (r *RequestRepo) CreateCharged(ctx context.Context, fr *domain.FollowRequest) error {
	item, err := attributevalue.MarshalMap(fr)
	if err != nil {
		return fmt.Errorf("marshal follow request: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Update: &types.Update{
					TableName:           aws.String(r.accountsTable),
					Key:                 strKey("user_id", fr.OwnerID),
					UpdateExpression:    aws.String("SET updated_at = :u ADD points :neg"),
					ConditionExpression: aws.String("attribute_exists(user_id) AND points >= :cost"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":neg":  numAttr(-domain.RequestCost),
						":cost": numAttr(domain.RequestCost),
						":u":    &types.AttributeValueMemberS{Value: now},
					},
				},
			},
			{
				Put: &types.Put{
					TableName:           aws.String(r.tableName),
					Item:                item,
					ConditionExpression: aws.String("attribute_not_exists(request_id)"),
				},
			},
		},
	})
	if err != nil {
		if reason, ok := cancellationReason(err); ok {
			switch reason {
			case 0:
				return fmt.Errorf("charge owner %s: %w", fr.OwnerID, domain.ErrInsufficientPoints)
			default:
				return fmt.Errorf("request id collision: %w", domain.ErrAlreadyResolved)
			}
		}
		return storeErr("create follow request", err)
	}
	return nil
}

func (r *RequestRepo) Get(ctx context.Context, requestID string) (*domain.FollowRequest, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key:       strKey("request_id", requestID),
	})
	if err != nil {
		return nil, storeErr("get follow request", err)
	}
	if out.Item == nil {
		return nil, fmt.Errorf("follow request %s: %w", requestID, domain.ErrNotFound)
	}
	var fr domain.FollowRequest
	if err := attributevalue.UnmarshalMap(out.Item, &fr); err != nil {
		return nil, err
	}
	return &fr, nil
}

// QueryPending returns up to limit pending requests not owned by
// excludeOwnerID, oldest first. The status GSI is keyed on created_at, so
// pages already arrive in creation order; the filter runs after the page
// limit, so pages are drained until the result is full.
func (r *RequestRepo) QueryPending(ctx context.Context, excludeOwnerID string, limit int) ([]domain.FollowRequest, error) {
	results := make([]domain.FollowRequest, 0, limit)
	var startKey map[string]types.AttributeValue
	for {
		out, err := r.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(r.tableName),
			IndexName:              aws.String(statusCreatedIndex),
			KeyConditionExpression: aws.String("#s = :pending"),
			FilterExpression:       aws.String("owner_id <> :caller"),
			ExpressionAttributeNames: map[string]string{"#s": "status"},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pending": &types.AttributeValueMemberS{Value: domain.StatusPending},
				":caller":  &types.AttributeValueMemberS{Value: excludeOwnerID},
			},
			ScanIndexForward:  aws.Bool(true),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, storeErr("query pending requests", err)
		}
		var page []domain.FollowRequest
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, err
		}
		for _, fr := range page {
			results = append(results, fr)
			if len(results) == limit {
				return results, nil
			}
		}
		if out.LastEvaluatedKey == nil {
			return results, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

// QueryPendingOlderThan returns pending requests whose TTL deadline is at or
// before the given time, for the expiry sweeper.
func (r *RequestRepo) QueryPendingOlderThan(ctx context.Context, deadline time.Time) ([]domain.FollowRequest, error) {
	var results []domain.FollowRequest
	var startKey map[string]types.AttributeValue
	for {
		out, err := r.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(r.tableName),
			IndexName:              aws.String(statusExpiresIndex),
			KeyConditionExpression: aws.String("#s = :pending AND expires_at <= :deadline"),
			ExpressionAttributeNames: map[string]string{"#s": "status"},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pending":  &types.AttributeValueMemberS{Value: domain.StatusPending},
				":deadline": numAttr(int(deadline.Unix())),
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, storeErr("query overdue requests", err)
		}
		var page []domain.FollowRequest
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, err
		}
		results = append(results, page...)
		if out.LastEvaluatedKey == nil {
			return results, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

// CodeInPendingUse reports whether any currently pending request carries the
// given verification code. Verified and expired requests do not reserve
// their codes.
func (r *RequestRepo) CodeInPendingUse(ctx context.Context, verificationCode string) (bool, error) {
	var startKey map[string]types.AttributeValue
	for {
		out, err := r.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(r.tableName),
			IndexName:              aws.String(codeIndex),
			KeyConditionExpression: aws.String("verification_code = :c"),
			FilterExpression:       aws.String("#s = :pending"),
			ExpressionAttributeNames: map[string]string{"#s": "status"},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":c":       &types.AttributeValueMemberS{Value: verificationCode},
				":pending": &types.AttributeValueMemberS{Value: domain.StatusPending},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return false, storeErr("query code usage", err)
		}
		if out.Count > 0 {
			return true, nil
		}
		if out.LastEvaluatedKey == nil {
			return false, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

// VerifyAndAward performs the pending->verified transition and pays the
// verifier's award in one transaction. The status=pending condition makes the
// transition a compare-and-swap: of any number of racing calls exactly one
// commits, the rest fail with ErrAlreadyResolved. Because the award rides in
// the same transaction, a request can never end up Verified with an unpaid
// verifier, mirroring CreateCharged on the other side of the exchange.
// Returns the verifier's new balance.
func (r *RequestRepo) VerifyAndAward(ctx context.Context, requestID, verifierID string) (int, error) {
	now := time.Now().UTC()
	_, err := r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Update: &types.Update{
					TableName:                aws.String(r.tableName),
					Key:                      strKey("request_id", requestID),
					UpdateExpression:         aws.String("SET #s = :verified, verified_by = :vb, verified_at = :va"),
					ConditionExpression:      aws.String("#s = :pending"),
					ExpressionAttributeNames: map[string]string{"#s": "status"},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":verified": &types.AttributeValueMemberS{Value: domain.StatusVerified},
						":pending":  &types.AttributeValueMemberS{Value: domain.StatusPending},
						":vb":       &types.AttributeValueMemberS{Value: verifierID},
						":va":       &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
					},
				},
			},
			{
				Update: &types.Update{
					TableName:           aws.String(r.accountsTable),
					Key:                 strKey("user_id", verifierID),
					UpdateExpression:    aws.String("SET updated_at = :u ADD points :award"),
					ConditionExpression: aws.String("attribute_exists(user_id)"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":award": numAttr(domain.VerifyAward),
						":u":     &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
					},
				},
			},
		},
	})
	if err != nil {
		if reason, ok := cancellationReason(err); ok {
			switch reason {
			case 0:
				return 0, fmt.Errorf("follow request %s: %w", requestID, domain.ErrAlreadyResolved)
			default:
				return 0, fmt.Errorf("verifier account %s: %w", verifierID, domain.ErrNotFound)
			}
		}
		return 0, storeErr("verify follow request", err)
	}

	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.accountsTable),
		Key:       strKey("user_id", verifierID),
	})
	if err != nil {
		// The transaction committed; only the balance read failed. The award
		// is paid and the caller can re-read the balance via stats.
		return 0, storeErr("read verifier balance", err)
	}
	var a domain.Account
	if err := attributevalue.UnmarshalMap(out.Item, &a); err != nil {
		return 0, err
	}
	return a.Points, nil
}

// MarkExpired transitions a request to expired only while it is still
// pending. Racing a verify is safe: whichever conditional write lands first
// wins, the other fails its condition.
func (r *RequestRepo) MarkExpired(ctx context.Context, requestID string) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.tableName),
		Key:                 strKey("request_id", requestID),
		UpdateExpression:    aws.String("SET #s = :expired"),
		ConditionExpression: aws.String("#s = :pending"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expired": &types.AttributeValueMemberS{Value: domain.StatusExpired},
			":pending": &types.AttributeValueMemberS{Value: domain.StatusPending},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("follow request %s: %w", requestID, domain.ErrAlreadyResolved)
		}
		return storeErr("expire follow request", err)
	}
	return nil
}

// CountByOwner counts the owner's requests in the given status.
func (r *RequestRepo) CountByOwner(ctx context.Context, ownerID, status string) (int, error) {
	return r.count(ctx, ownerCreatedIndex, "owner_id", ownerID, status)
}

// CountVerifiedBy counts requests the user has verified for others.
func (r *RequestRepo) CountVerifiedBy(ctx context.Context, userID string) (int, error) {
	return r.count(ctx, verifierCreatedIndex, "verified_by", userID, "")
}

func (r *RequestRepo) count(ctx context.Context, index, attr, value, status string) (int, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		IndexName:              aws.String(index),
		KeyConditionExpression: aws.String("#a = :v"),
		ExpressionAttributeNames: map[string]string{"#a": attr},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberS{Value: value},
		},
		Select: types.SelectCount,
	}
	if status != "" {
		in.FilterExpression = aws.String("#s = :s")
		in.ExpressionAttributeNames["#s"] = "status"
		in.ExpressionAttributeValues[":s"] = &types.AttributeValueMemberS{Value: status}
	}
	total := 0
	for {
		out, err := r.client.Query(ctx, in)
		if err != nil {
			return 0, storeErr("count requests", err)
		}
		total += int(out.Count)
		if out.LastEvaluatedKey == nil {
			return total, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// ListByOwner returns the owner's requests, newest first.
func (r *RequestRepo) ListByOwner(ctx context.Context, ownerID string) ([]domain.FollowRequest, error) {
	return r.list(ctx, ownerCreatedIndex, "owner_id", ownerID)
}

// ListVerifiedBy returns requests the user verified for others, newest first.
func (r *RequestRepo) ListVerifiedBy(ctx context.Context, userID string) ([]domain.FollowRequest, error) {
	return r.list(ctx, verifierCreatedIndex, "verified_by", userID)
}

func (r *RequestRepo) list(ctx context.Context, index, attr, value string) ([]domain.FollowRequest, error) {
	var results []domain.FollowRequest
	var startKey map[string]types.AttributeValue
	for {
		out, err := r.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(r.tableName),
			IndexName:              aws.String(index),
			KeyConditionExpression: aws.String("#a = :v"),
			ExpressionAttributeNames: map[string]string{"#a": attr},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":v": &types.AttributeValueMemberS{Value: value},
			},
			ScanIndexForward:  aws.Bool(false),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, storeErr("list requests", err)
		}
		var page []domain.FollowRequest
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, err
		}
		results = append(results, page...)
		if out.LastEvaluatedKey == nil {
			return results, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

// cancellationReason extracts the index of the first failed condition from a
// cancelled transaction. Returns ok=false when the error is not a
// transaction cancellation or no condition failed.
func cancellationReason(err error) (int, bool) {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return 0, false
	}
	for i, reason := range tce.CancellationReasons {
		if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" {
			return i, true
		}
	}
	return 0, false
}
