// Package dynamostore keeps cache partitions in a DynamoDB table with
// generation as the hash key and request_key as the range key. Every partition
// owns a marker item whose request_key is "#partition".
package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/quran-companion/shell-cache/internal/cache"
	"github.com/quran-companion/shell-cache/internal/fetch"
)

const (
	attrGeneration = "generation"
	attrRequestKey = "request_key"
	markerKey      = "#partition"

	batchWriteMax  = 25
	transactionMax = 99
	unprocessedMax = 5

	// DynamoDB 单个 item 上限 400 KB，单次 TransactWriteItems 上限 4 MB
	itemSizeMax         = 400 * 1024
	transactionBytesMax = 4 * 1024 * 1024

	// MaxBodySize 是该驱动允许的 MaxEntrySize 上限，为 header 与编码留出余量。
	MaxBodySize = 350 * 1024
)

var (
	// ErrValidation is returned by New when the configuration is unusable.
	ErrValidation = errors.New("dynamostore: invalid configuration")
	// ErrItemTooLarge is returned by PutAll before any write when an entry
	// does not fit in one DynamoDB item.
	ErrItemTooLarge = errors.New("dynamostore: entry exceeds the 400 KB item limit")
)

// API 是 Store 用到的 DynamoDB 操作子集。
type API interface {
	dynamodb.QueryAPIClient
	dynamodb.ScanAPIClient
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

type item struct {
	Generation string `dynamodbav:"generation"`
	RequestKey string `dynamodbav:"request_key"`
	Payload    []byte `dynamodbav:"payload,omitempty"`
	StoredAt   int64  `dynamodbav:"stored_at"`
}

func init() {
	cache.MustRegisterDriver(cache.Driver{
		Key:         "dynamodb",
		Description: "DynamoDB table keyed by generation + request_key",
		Durable:     true,
		Validate: func(cfg cache.DriverConfig) error {
			if strings.TrimSpace(cfg.DynamoTable) == "" {
				return errors.New("DynamoTable is required")
			}
			if cfg.MaxEntrySize <= 0 || cfg.MaxEntrySize > MaxBodySize {
				return fmt.Errorf("MaxEntrySize must be between 1 and %d with the dynamodb driver", MaxBodySize)
			}
			return nil
		},
		Open: func(ctx context.Context, cfg cache.DriverConfig) (cache.Store, error) {
			opts := []func(*awsconfig.LoadOptions) error{}
			if cfg.DynamoRegion != "" {
				opts = append(opts, awsconfig.WithRegion(cfg.DynamoRegion))
			}
			awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
			if err != nil {
				return nil, fmt.Errorf("load aws config: %w", err)
			}
			client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
				if cfg.DynamoEndpoint != "" {
					o.BaseEndpoint = aws.String(cfg.DynamoEndpoint)
				}
			})
			return New(client, cfg.DynamoTable)
		},
	})
}

// Store implements cache.Store on top of a single DynamoDB table.
type Store struct {
	client API
	table  string
	now    func() time.Time
}

type partition struct {
	store *Store
	name  string
}

// New validates the client and table name and returns a Store.
func New(client API, table string) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil client", ErrValidation)
	}
	if strings.TrimSpace(table) == "" {
		return nil, fmt.Errorf("%w: empty table", ErrValidation)
	}
	return &Store{client: client, table: table, now: time.Now}, nil
}

// CreateTable creates the table layout the store expects. Used by tests and
// first-time deployments against DynamoDB Local.
func CreateTable(ctx context.Context, client *dynamodb.Client, table string) error {
	_, err := client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(attrGeneration), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(attrRequestKey), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(attrGeneration), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String(attrRequestKey), KeyType: types.KeyTypeRange},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	return err
}

func itemKey(generation, requestKey string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrGeneration: &types.AttributeValueMemberS{Value: generation},
		attrRequestKey: &types.AttributeValueMemberS{Value: requestKey},
	}
}

func (s *Store) Open(ctx context.Context, name string) (cache.Partition, error) {
	if err := cache.ValidatePartitionName(name); err != nil {
		return nil, err
	}
	av, err := attributevalue.MarshalMap(item{
		Generation: name,
		RequestKey: markerKey,
		StoredAt:   s.now().UTC().Unix(),
	})
	if err != nil {
		return nil, err
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(s.table),
		Item:                     av,
		ConditionExpression:      aws.String("attribute_not_exists(#g)"),
		ExpressionAttributeNames: map[string]string{"#g": attrGeneration},
	})
	if err != nil && !isConditionFailed(err) {
		return nil, fmt.Errorf("create partition %s: %w", name, err)
	}
	return &partition{store: s, name: name}, nil
}

func (s *Store) Has(ctx context.Context, name string) (bool, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            itemKey(name, markerKey),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, err
	}
	return out.Item != nil, nil
}

func (s *Store) Keys(ctx context.Context) ([]string, error) {
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:                aws.String(s.table),
		FilterExpression:         aws.String("#rk = :marker"),
		ProjectionExpression:     aws.String("#g"),
		ExpressionAttributeNames: map[string]string{"#g": attrGeneration, "#rk": attrRequestKey},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":marker": &types.AttributeValueMemberS{Value: markerKey},
		},
		ConsistentRead: aws.Bool(true),
	})
	var names []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range page.Items {
			var it item
			if err := attributevalue.UnmarshalMap(raw, &it); err != nil {
				return nil, err
			}
			names = append(names, it.Generation)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes the marker first so late writers fail their condition check,
// then deletes the remaining items in batches.
func (s *Store) Delete(ctx context.Context, name string) (bool, error) {
	out, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(s.table),
		Key:          itemKey(name, markerKey),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return false, fmt.Errorf("delete partition %s: %w", name, err)
	}
	existed := len(out.Attributes) > 0

	keys, err := s.queryKeys(ctx, name)
	if err != nil {
		return existed, err
	}
	if err := s.batchDelete(ctx, name, keys); err != nil {
		return existed, fmt.Errorf("delete partition %s: %w", name, err)
	}
	return existed || len(keys) > 0, nil
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) queryKeys(ctx context.Context, name string) ([]string, error) {
	paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:                aws.String(s.table),
		KeyConditionExpression:   aws.String("#g = :g"),
		ProjectionExpression:     aws.String("#rk"),
		ExpressionAttributeNames: map[string]string{"#g": attrGeneration, "#rk": attrRequestKey},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":g": &types.AttributeValueMemberS{Value: name},
		},
		ConsistentRead: aws.Bool(true),
	})
	var keys []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range page.Items {
			var it item
			if err := attributevalue.UnmarshalMap(raw, &it); err != nil {
				return nil, err
			}
			if it.RequestKey == markerKey {
				continue
			}
			keys = append(keys, it.RequestKey)
		}
	}
	return keys, nil
}

func (s *Store) batchDelete(ctx context.Context, name string, keys []string) error {
	for start := 0; start < len(keys); start += batchWriteMax {
		end := min(start+batchWriteMax, len(keys))
		requests := make([]types.WriteRequest, 0, end-start)
		for _, key := range keys[start:end] {
			requests = append(requests, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{Key: itemKey(name, key)},
			})
		}
		pending := map[string][]types.WriteRequest{s.table: requests}
		for attempt := 0; len(pending[s.table]) > 0; attempt++ {
			if attempt >= unprocessedMax {
				return fmt.Errorf("%d items left unprocessed", len(pending[s.table]))
			}
			out, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
			if err != nil {
				return err
			}
			pending = out.UnprocessedItems
		}
	}
	return nil
}

func (p *partition) Name() string {
	return p.name
}

func (p *partition) Match(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	out, err := p.store.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(p.store.table),
		Key:            itemKey(p.name, req.Key()),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return nil, cache.ErrNotFound
	}
	var it item
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, err
	}
	entry, err := cache.DecodeEntry(it.Payload)
	if err != nil {
		return nil, err
	}
	return entry.Response(), nil
}

func (p *partition) Put(ctx context.Context, req *fetch.Request, resp *fetch.Response) error {
	entry, err := cache.NewEntry(req, resp)
	if err != nil {
		return err
	}
	return p.PutAll(ctx, []*cache.Entry{entry})
}

// PutAll writes entries in transactions guarded by a condition check on the
// partition marker. Items are encoded and size-checked up front; batches are
// split by item count and request size, and a failed chunk rolls back the
// chunks already committed.
func (p *partition) PutAll(ctx context.Context, entries []*cache.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	condition := types.TransactWriteItem{
		ConditionCheck: &types.ConditionCheck{
			TableName:                aws.String(p.store.table),
			Key:                      itemKey(p.name, markerKey),
			ConditionExpression:      aws.String("attribute_exists(#g)"),
			ExpressionAttributeNames: map[string]string{"#g": attrGeneration},
		},
	}

	puts := make([]pendingPut, 0, len(entries))
	for _, entry := range entries {
		payload, err := entry.Encode()
		if err != nil {
			return err
		}
		av, err := attributevalue.MarshalMap(item{
			Generation: p.name,
			RequestKey: entry.Key,
			Payload:    payload,
			StoredAt:   p.store.now().UTC().Unix(),
		})
		if err != nil {
			return err
		}
		size := itemSize(av)
		if size > itemSizeMax {
			return fmt.Errorf("write entry %s (%d bytes): %w", entry.Key, size, ErrItemTooLarge)
		}
		puts = append(puts, pendingPut{key: entry.Key, item: av, size: size})
	}

	var committed []string
	for _, chunk := range chunkPuts(puts, itemSize(condition.ConditionCheck.Key)) {
		items := make([]types.TransactWriteItem, 0, len(chunk)+1)
		items = append(items, condition)
		for _, put := range chunk {
			items = append(items, types.TransactWriteItem{
				Put: &types.Put{TableName: aws.String(p.store.table), Item: put.item},
			})
		}

		if _, err := p.store.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
			if len(committed) > 0 {
				if rbErr := p.store.batchDelete(context.WithoutCancel(ctx), p.name, committed); rbErr != nil {
					err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
				}
			}
			if isTransactionConditionFailed(err) {
				return fmt.Errorf("partition %s: %w", p.name, cache.ErrNotFound)
			}
			return fmt.Errorf("write partition %s: %w", p.name, err)
		}
		for _, put := range chunk {
			committed = append(committed, put.key)
		}
	}
	return nil
}

type pendingPut struct {
	key  string
	item map[string]types.AttributeValue
	size int
}

// chunkPuts 按条数与请求字节数切分，overhead 为每个事务固定附带的条件检查大小。
func chunkPuts(puts []pendingPut, overhead int) [][]pendingPut {
	var (
		chunks  [][]pendingPut
		current []pendingPut
		total   = overhead
	)
	for _, put := range puts {
		if len(current) > 0 && (len(current) >= transactionMax || total+put.size > transactionBytesMax) {
			chunks = append(chunks, current)
			current, total = nil, overhead
		}
		current = append(current, put)
		total += put.size
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

// itemSize 按 DynamoDB 的计费规则估算 item 大小：属性名长度加属性值长度。
func itemSize(av map[string]types.AttributeValue) int {
	size := 0
	for name, value := range av {
		size += len(name)
		switch v := value.(type) {
		case *types.AttributeValueMemberS:
			size += len(v.Value)
		case *types.AttributeValueMemberB:
			size += len(v.Value)
		case *types.AttributeValueMemberN:
			size += len(v.Value) + 1
		default:
			size++
		}
	}
	return size
}

func (p *partition) Delete(ctx context.Context, req *fetch.Request) (bool, error) {
	out, err := p.store.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(p.store.table),
		Key:          itemKey(p.name, req.Key()),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return false, err
	}
	return len(out.Attributes) > 0, nil
}

func (p *partition) Keys(ctx context.Context) ([]string, error) {
	keys, err := p.store.queryKeys(ctx, p.name)
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func isTransactionConditionFailed(err error) bool {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return false
	}
	for _, reason := range tce.CancellationReasons {
		if aws.ToString(reason.Code) == "ConditionalCheckFailed" {
			return true
		}
	}
	return false
}
