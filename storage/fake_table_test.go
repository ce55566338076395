package storage

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"
)

type fakeRow struct {
	value []byte
	etag  int
}

// fakeTable mimics the table service: rows keyed by partition, ETags bumped
// on every write, IfMatch enforced.
type fakeTable struct {
	mu      sync.Mutex
	rows    map[string]fakeRow
	getErr  error
	updates int
	// beforeUpdate runs between the ETag read and the conditional write.
	beforeUpdate func()
}

func newFakeTable() *fakeTable { return &fakeTable{rows: map[string]fakeRow{}} }

func statusErr(code int) error { return &azcore.ResponseError{StatusCode: code} }

func etagOf(n int) azcore.ETag { return azcore.ETag(fmt.Sprintf("W/\"%d\"", n)) }

func partitionOf(entity []byte) string {
	var keys struct {
		PartitionKey string `json:"PartitionKey"`
	}
	_ = sonic.Unmarshal(entity, &keys)
	return keys.PartitionKey
}

func (f *fakeTable) GetEntity(ctx context.Context, pk, rk string, _ *aztables.GetEntityOptions) (aztables.GetEntityResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return aztables.GetEntityResponse{}, f.getErr
	}
	row, ok := f.rows[pk]
	if !ok || rk != payoutRowKey {
		return aztables.GetEntityResponse{}, statusErr(http.StatusNotFound)
	}
	return aztables.GetEntityResponse{Value: row.value, ETag: etagOf(row.etag)}, nil
}

func (f *fakeTable) AddEntity(ctx context.Context, entity []byte, _ *aztables.AddEntityOptions) (aztables.AddEntityResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pk := partitionOf(entity)
	if _, ok := f.rows[pk]; ok {
		return aztables.AddEntityResponse{}, statusErr(http.StatusConflict)
	}
	f.rows[pk] = fakeRow{value: entity, etag: 1}
	return aztables.AddEntityResponse{}, nil
}

func (f *fakeTable) UpdateEntity(ctx context.Context, entity []byte, opts *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error) {
	if f.beforeUpdate != nil {
		f.beforeUpdate()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	pk := partitionOf(entity)
	row, ok := f.rows[pk]
	if !ok {
		return aztables.UpdateEntityResponse{}, statusErr(http.StatusNotFound)
	}
	if opts != nil && opts.IfMatch != nil && *opts.IfMatch != azcore.ETagAny && *opts.IfMatch != etagOf(row.etag) {
		return aztables.UpdateEntityResponse{}, statusErr(http.StatusPreconditionFailed)
	}
	f.rows[pk] = fakeRow{value: entity, etag: row.etag + 1}
	f.updates++
	return aztables.UpdateEntityResponse{}, nil
}

func (f *fakeTable) NewListEntitiesPager(opts *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse] {
	f.mu.Lock()
	var keys []string
	for k := range f.rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var matched [][]byte
	for _, k := range keys {
		v := f.rows[k].value
		if opts != nil && opts.Filter != nil && strings.Contains(*opts.Filter, "PublishPending eq true") {
			var ent payoutEntity
			if err := sonic.Unmarshal(v, &ent); err != nil || !ent.PublishPending {
				continue
			}
		}
		matched = append(matched, v)
	}
	f.mu.Unlock()

	// one row per page to exercise paging
	return runtime.NewPager(runtime.PagingHandler[aztables.ListEntitiesResponse]{
		More: func(page aztables.ListEntitiesResponse) bool { return len(matched) > 0 },
		Fetcher: func(ctx context.Context, _ *aztables.ListEntitiesResponse) (aztables.ListEntitiesResponse, error) {
			if len(matched) == 0 {
				return aztables.ListEntitiesResponse{}, nil
			}
			page := aztables.ListEntitiesResponse{Entities: matched[:1]}
			matched = matched[1:]
			return page, nil
		},
	})
}
