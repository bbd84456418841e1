package dynamo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"rankdelivery/internal/domain"
	"rankdelivery/internal/repository/delivery_repo"
)

const (
	StatusIndex   = "status-created_at-index"
	UsernameIndex = "username-created_at-index"
)

type deliveryItem struct {
	ID                string  `dynamodbav:"id"`
	Username          string  `dynamodbav:"username"`
	Platform          string  `dynamodbav:"platform"`
	Package           string  `dynamodbav:"package"`
	Status            string  `dynamodbav:"status"`
	CreatedAt         int64   `dynamodbav:"created_at"`
	ExecutedAt        *int64  `dynamodbav:"executed_at,omitempty"`
	ErrorMessage      *string `dynamodbav:"error_message,omitempty"`
	NotifiedCreated   bool    `dynamodbav:"notified_created"`
	NotifiedCompleted bool    `dynamodbav:"notified_completed"`
	NotifiedFailed    bool    `dynamodbav:"notified_failed"`
}

func toItem(d *domain.Delivery) deliveryItem {
	it := deliveryItem{
		ID:                d.ID,
		Username:          d.Username,
		Platform:          string(d.Platform),
		Package:           d.Package,
		Status:            string(d.Status),
		CreatedAt:         d.CreatedAt.UnixNano(),
		ErrorMessage:      d.ErrorMessage,
		NotifiedCreated:   d.Notifications.Created,
		NotifiedCompleted: d.Notifications.Completed,
		NotifiedFailed:    d.Notifications.Failed,
	}
	if d.ExecutedAt != nil {
		n := d.ExecutedAt.UnixNano()
		it.ExecutedAt = &n
	}
	return it
}

func (it deliveryItem) toDomain() *domain.Delivery {
	d := &domain.Delivery{
		ID:           it.ID,
		Username:     it.Username,
		Platform:     domain.Platform(it.Platform),
		Package:      it.Package,
		Status:       domain.DeliveryStatus(it.Status),
		CreatedAt:    time.Unix(0, it.CreatedAt).UTC(),
		ErrorMessage: it.ErrorMessage,
		Notifications: domain.Notifications{
			Created:   it.NotifiedCreated,
			Completed: it.NotifiedCompleted,
			Failed:    it.NotifiedFailed,
		},
	}
	if it.ExecutedAt != nil {
		t := time.Unix(0, *it.ExecutedAt).UTC()
		d.ExecutedAt = &t
	}
	return d
}

// NewClient builds a DynamoDB client from the default AWS credential chain.
// A non-empty endpoint points it at DynamoDB Local or LocalStack.
func NewClient(ctx context.Context, region, endpoint string) (*dynamodb.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

type dynamoDeliveryRepository struct {
	db     *dynamodb.Client
	table  string
	logger *zap.Logger
}

func NewDeliveryRepository(db *dynamodb.Client, table string, l *zap.Logger) delivery_repo.DeliveryRepository {
	return &dynamoDeliveryRepository{db: db, table: table, logger: l}
}

// EnsureTable creates the deliveries table and its indexes when missing.
func EnsureTable(ctx context.Context, db *dynamodb.Client, table string) error {
	_, err := db.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(table),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("status"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("username"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("created_at"), AttributeType: types.ScalarAttributeTypeN},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("id"), KeyType: types.KeyTypeHash},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			{
				IndexName: aws.String(StatusIndex),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String("status"), KeyType: types.KeyTypeHash},
					{AttributeName: aws.String("created_at"), KeyType: types.KeyTypeRange},
				},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
			{
				IndexName: aws.String(UsernameIndex),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String("username"), KeyType: types.KeyTypeHash},
					{AttributeName: aws.String("created_at"), KeyType: types.KeyTypeRange},
				},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
		},
	})
	if err != nil {
		var inUse *types.ResourceInUseException
		if !errors.As(err, &inUse) {
			return fmt.Errorf("failed to create table %s: %w", table, err)
		}
	}
	waiter := dynamodb.NewTableExistsWaiter(db)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)}, 2*time.Minute); err != nil {
		return fmt.Errorf("table %s not ready: %w", table, err)
	}
	return nil
}

func (r *dynamoDeliveryRepository) key(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"id": &types.AttributeValueMemberS{Value: id},
	}
}

func (r *dynamoDeliveryRepository) Create(ctx context.Context, d *domain.Delivery) error {
	item, err := attributevalue.MarshalMap(toItem(d))
	if err != nil {
		return fmt.Errorf("failed to marshal delivery: %w", err)
	}
	_, err = r.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err != nil {
		var cfe *types.ConditionalCheckFailedException
		if errors.As(err, &cfe) {
			return fmt.Errorf("delivery %s: %w", d.ID, domain.ErrDuplicateID)
		}
		r.logger.Error("Failed to put delivery", zap.String("delivery_id", d.ID), zap.Error(err))
		return fmt.Errorf("failed to put delivery: %w", err)
	}
	return nil
}

func (r *dynamoDeliveryRepository) GetByID(ctx context.Context, id string) (*domain.Delivery, error) {
	out, err := r.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.table),
		Key:            r.key(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery %s: %w", id, err)
	}
	if out.Item == nil {
		return nil, fmt.Errorf("delivery %s: %w", id, domain.ErrNotFound)
	}
	var it deliveryItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, fmt.Errorf("failed to unmarshal delivery: %w", err)
	}
	return it.toDomain(), nil
}

func (r *dynamoDeliveryRepository) ListPending(ctx context.Context, limit int) ([]*domain.Delivery, error) {
	p := dynamodb.NewQueryPaginator(r.db, &dynamodb.QueryInput{
		TableName:              aws.String(r.table),
		IndexName:              aws.String(StatusIndex),
		KeyConditionExpression: aws.String("#st = :pending"),
		ExpressionAttributeNames: map[string]string{
			"#st": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pending": &types.AttributeValueMemberS{Value: string(domain.DeliveryStatusPending)},
		},
		ScanIndexForward: aws.Bool(true),
		Limit:            aws.Int32(int32(limit)),
	})

	var ds []*domain.Delivery
	for p.HasMorePages() && len(ds) < limit {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to query pending deliveries: %w", err)
		}
		batch, err := unmarshalItems(page.Items)
		if err != nil {
			return nil, err
		}
		ds = append(ds, batch...)
	}
	if len(ds) > limit {
		ds = ds[:limit]
	}
	return ds, nil
}

func (r *dynamoDeliveryRepository) CountPending(ctx context.Context) (int, error) {
	p := dynamodb.NewQueryPaginator(r.db, &dynamodb.QueryInput{
		TableName:              aws.String(r.table),
		IndexName:              aws.String(StatusIndex),
		KeyConditionExpression: aws.String("#st = :pending"),
		ExpressionAttributeNames: map[string]string{
			"#st": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pending": &types.AttributeValueMemberS{Value: string(domain.DeliveryStatusPending)},
		},
		Select: types.SelectCount,
	})

	total := 0
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to count pending deliveries: %w", err)
		}
		total += int(page.Count)
	}
	return total, nil
}

// ListHistory scans the whole table; DynamoDB has no global ordering to page
// through without a synthetic partition key.
func (r *dynamoDeliveryRepository) ListHistory(ctx context.Context, offset, limit int) ([]*domain.Delivery, int, error) {
	p := dynamodb.NewScanPaginator(r.db, &dynamodb.ScanInput{
		TableName:      aws.String(r.table),
		ConsistentRead: aws.Bool(true),
	})

	var all []*domain.Delivery
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan deliveries: %w", err)
		}
		batch, err := unmarshalItems(page.Items)
		if err != nil {
			return nil, 0, err
		}
		all = append(all, batch...)
	}
	sortNewestFirst(all)

	total := len(all)
	if offset < 0 || offset >= total {
		return []*domain.Delivery{}, total, nil
	}
	end := total
	if limit < total-offset {
		end = offset + limit
	}
	return all[offset:end], total, nil
}

func (r *dynamoDeliveryRepository) ListByUsername(ctx context.Context, username string) ([]*domain.Delivery, error) {
	p := dynamodb.NewQueryPaginator(r.db, &dynamodb.QueryInput{
		TableName:              aws.String(r.table),
		IndexName:              aws.String(UsernameIndex),
		KeyConditionExpression: aws.String("username = :u"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":u": &types.AttributeValueMemberS{Value: username},
		},
		ScanIndexForward: aws.Bool(false),
	})

	var ds []*domain.Delivery
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to query deliveries for %s: %w", username, err)
		}
		batch, err := unmarshalItems(page.Items)
		if err != nil {
			return nil, err
		}
		ds = append(ds, batch...)
	}
	sortNewestFirst(ds)
	return ds, nil
}

// Transition is a conditional UpdateItem: DynamoDB evaluates the status check
// and the write as one atomic step, so only one racer can leave pending.
func (r *dynamoDeliveryRepository) Transition(ctx context.Context, t domain.Transition) (*domain.Delivery, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	update := "SET #st = :to, executed_at = :ea"
	values := map[string]types.AttributeValue{
		":to":      &types.AttributeValueMemberS{Value: string(t.To)},
		":ea":      &types.AttributeValueMemberN{Value: strconv.FormatInt(t.ExecutedAt.UnixNano(), 10)},
		":pending": &types.AttributeValueMemberS{Value: string(domain.DeliveryStatusPending)},
	}
	if t.ErrorMessage != nil {
		update += ", error_message = :em"
		values[":em"] = &types.AttributeValueMemberS{Value: *t.ErrorMessage}
	} else {
		update += " REMOVE error_message"
	}

	out, err := r.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.table),
		Key:                 r.key(t.ID),
		ConditionExpression: aws.String("attribute_exists(id) AND #st = :pending"),
		UpdateExpression:    aws.String(update),
		ExpressionAttributeNames: map[string]string{
			"#st": "status",
		},
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		var cfe *types.ConditionalCheckFailedException
		if !errors.As(err, &cfe) {
			r.logger.Error("Failed to transition delivery", zap.String("delivery_id", t.ID), zap.Error(err))
			return nil, fmt.Errorf("failed to update delivery %s: %w", t.ID, err)
		}
		current, err := r.GetByID(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		return nil, &domain.InvalidStateError{ID: t.ID, Current: current.Status}
	}

	var it deliveryItem
	if err := attributevalue.UnmarshalMap(out.Attributes, &it); err != nil {
		return nil, fmt.Errorf("failed to unmarshal delivery: %w", err)
	}
	return it.toDomain(), nil
}

func (r *dynamoDeliveryRepository) MarkNotified(ctx context.Context, id string, event domain.DeliveryEvent) error {
	var attr string
	switch event {
	case domain.DeliveryEventCreated:
		attr = "notified_created"
	case domain.DeliveryEventCompleted:
		attr = "notified_completed"
	case domain.DeliveryEventFailed:
		attr = "notified_failed"
	default:
		return fmt.Errorf("%w: unknown delivery event %q", domain.ErrValidation, event)
	}

	_, err := r.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.table),
		Key:                 r.key(id),
		ConditionExpression: aws.String("attribute_exists(id)"),
		UpdateExpression:    aws.String("SET " + attr + " = :t"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":t": &types.AttributeValueMemberBOOL{Value: true},
		},
	})
	if err != nil {
		var cfe *types.ConditionalCheckFailedException
		if errors.As(err, &cfe) {
			return fmt.Errorf("delivery %s: %w", id, domain.ErrNotFound)
		}
		return fmt.Errorf("failed to mark delivery %s notified: %w", id, err)
	}
	return nil
}

func unmarshalItems(items []map[string]types.AttributeValue) ([]*domain.Delivery, error) {
	var its []deliveryItem
	if err := attributevalue.UnmarshalListOfMaps(items, &its); err != nil {
		return nil, fmt.Errorf("failed to unmarshal deliveries: %w", err)
	}
	ds := make([]*domain.Delivery, len(its))
	for i, it := range its {
		ds[i] = it.toDomain()
	}
	return ds, nil
}

func sortNewestFirst(ds []*domain.Delivery) {
	sort.SliceStable(ds, func(i, j int) bool {
		if !ds[i].CreatedAt.Equal(ds[j].CreatedAt) {
			return ds[i].CreatedAt.After(ds[j].CreatedAt)
		}
		return ds[i].ID > ds[j].ID
	})
}
