//go:build !integration

package dynamostore

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quran-companion/shell-cache/internal/cache"
	"github.com/quran-companion/shell-cache/internal/fetch"
)

// fakeAPI 只实现 TransactWriteItems，其余方法调用会 panic。
type fakeAPI struct {
	API
	mu    sync.Mutex
	calls []*dynamodb.TransactWriteItemsInput
}

func (f *fakeAPI) TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, params)
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func testEntry(path string, size int) *cache.Entry {
	url := "https://app.example.com" + path
	return &cache.Entry{
		Key:    "GET " + url,
		Method: http.MethodGet,
		URL:    url,
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"application/javascript"}},
		Type:   fetch.TypeBasic,
		Body:   make([]byte, size),
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		client      API
		table       string
		expectedErr error
	}{
		{
			name:        "nil client returns error",
			client:      nil,
			table:       "shell-cache",
			expectedErr: ErrValidation,
		},
		{
			name:        "empty table returns error",
			client:      &dynamodb.Client{},
			table:       " ",
			expectedErr: ErrValidation,
		},
		{
			name:   "valid configuration",
			client: &dynamodb.Client{},
			table:  "shell-cache",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.client, tt.table)
			if tt.expectedErr != nil {
				assert.ErrorIs(t, err, tt.expectedErr)
				assert.Nil(t, s)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.table, s.table)
			assert.NotNil(t, s.now)
		})
	}
}

func TestItemKey(t *testing.T) {
	key := itemKey("v1", "GET https://app.example.com/")
	assert.Equal(t, &types.AttributeValueMemberS{Value: "v1"}, key[attrGeneration])
	assert.Equal(t, &types.AttributeValueMemberS{Value: "GET https://app.example.com/"}, key[attrRequestKey])
}

func TestTransactionConditionFailed(t *testing.T) {
	code := "ConditionalCheckFailed"
	err := &types.TransactionCanceledException{
		CancellationReasons: []types.CancellationReason{{Code: &code}},
	}
	assert.True(t, isTransactionConditionFailed(err))
	assert.False(t, isTransactionConditionFailed(assert.AnError))
}

func TestDriverValidation(t *testing.T) {
	d, ok := cache.ResolveDriver("dynamodb")
	assert.True(t, ok)
	assert.Error(t, d.Validate(cache.DriverConfig{MaxEntrySize: MaxBodySize}))
	assert.NoError(t, d.Validate(cache.DriverConfig{DynamoTable: "shell-cache", MaxEntrySize: MaxBodySize}))
	assert.Error(t, d.Validate(cache.DriverConfig{DynamoTable: "shell-cache", MaxEntrySize: 32 << 20}))
	assert.Error(t, d.Validate(cache.DriverConfig{DynamoTable: "shell-cache"}))
}

func TestPutAllRejectsOversizedEntry(t *testing.T) {
	api := &fakeAPI{}
	s, err := New(api, "shell-cache")
	require.NoError(t, err)
	part := &partition{store: s, name: "v1"}

	entries := []*cache.Entry{testEntry("/index.html", 1024), testEntry("/app.js", 500*1024)}
	err = part.PutAll(context.Background(), entries)
	require.ErrorIs(t, err, ErrItemTooLarge)
	assert.Contains(t, err.Error(), "/app.js")
	assert.Empty(t, api.calls, "nothing may be written when one entry is too large")
}

func TestPutAllSplitsByRequestSize(t *testing.T) {
	api := &fakeAPI{}
	s, err := New(api, "shell-cache")
	require.NoError(t, err)
	part := &partition{store: s, name: "v1"}

	entries := make([]*cache.Entry, 0, 20)
	for i := 0; i < 20; i++ {
		entries = append(entries, testEntry(fmt.Sprintf("/chunk-%02d.js", i), 300*1024))
	}
	require.NoError(t, part.PutAll(context.Background(), entries))

	require.Len(t, api.calls, 2)
	puts := 0
	for _, call := range api.calls {
		require.NotNil(t, call.TransactItems[0].ConditionCheck, "every transaction starts with the marker check")
		total := 0
		for _, it := range call.TransactItems[1:] {
			require.NotNil(t, it.Put)
			total += itemSize(it.Put.Item)
			puts++
		}
		assert.LessOrEqual(t, total, transactionBytesMax)
	}
	assert.Equal(t, 20, puts)
}

func TestChunkPutsRespectsItemCount(t *testing.T) {
	puts := make([]pendingPut, 150)
	for i := range puts {
		puts[i] = pendingPut{key: fmt.Sprint(i), size: 10}
	}
	chunks := chunkPuts(puts, 0)
	require.Len(t, chunks, 2)
	assert.Len(t, chunks[0], transactionMax)
	assert.Len(t, chunks[1], 150-transactionMax)
}
