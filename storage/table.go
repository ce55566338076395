package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"payout-sync/domain"
)

const (
	payoutRowKey = "payout"

	edmInt64    = "Edm.Int64"
	edmDateTime = "Edm.DateTime"
)

type tableClient interface {
	GetEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
	AddEntity(ctx context.Context, entity []byte, options *aztables.AddEntityOptions) (aztables.AddEntityResponse, error)
	UpdateEntity(ctx context.Context, entity []byte, options *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error)
	NewListEntitiesPager(listOptions *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse]
}

// payoutEntity is the table row of a payout record, keyed by subject id.
type payoutEntity struct {
	PartitionKey         string    `json:"PartitionKey"`
	RowKey               string    `json:"RowKey"`
	AccountID            string    `json:"AccountId"`
	Status               string    `json:"Status"`
	PreviousStatus       string    `json:"PreviousStatus"`
	ChargesEnabled       bool      `json:"ChargesEnabled"`
	PayoutsEnabled       bool      `json:"PayoutsEnabled"`
	DetailsSubmitted     bool      `json:"DetailsSubmitted"`
	Restricted           bool      `json:"Restricted"`
	PublishPending       bool      `json:"PublishPending"`
	LastEventSeq         int64     `json:"LastEventSeq,string"`
	LastEventSeqType     string    `json:"LastEventSeq@odata.type"`
	Version              int64     `json:"Version,string"`
	VersionType          string    `json:"Version@odata.type"`
	StatusVersion        int64     `json:"StatusVersion,string"`
	StatusVersionType    string    `json:"StatusVersion@odata.type"`
	PublishedVersion     int64     `json:"PublishedVersion,string"`
	PublishedVersionType string    `json:"PublishedVersion@odata.type"`
	UpdatedAt            time.Time `json:"UpdatedAt"`
	UpdatedAtType        string    `json:"UpdatedAt@odata.type"`
}

func toEntity(rec domain.PayoutRecord) payoutEntity {
	return payoutEntity{
		PartitionKey:         rec.SubjectID,
		RowKey:               payoutRowKey,
		AccountID:            rec.AccountID,
		Status:               string(rec.Status),
		PreviousStatus:       string(rec.PreviousStatus),
		ChargesEnabled:       rec.ChargesEnabled,
		PayoutsEnabled:       rec.PayoutsEnabled,
		DetailsSubmitted:     rec.DetailsSubmitted,
		Restricted:           rec.Restricted,
		PublishPending:       rec.PublishPending(),
		LastEventSeq:         rec.LastEventSeq,
		LastEventSeqType:     edmInt64,
		Version:              rec.Version,
		VersionType:          edmInt64,
		StatusVersion:        rec.StatusVersion,
		StatusVersionType:    edmInt64,
		PublishedVersion:     rec.PublishedVersion,
		PublishedVersionType: edmInt64,
		UpdatedAt:            rec.UpdatedAt.UTC(),
		UpdatedAtType:        edmDateTime,
	}
}

func (e payoutEntity) record() domain.PayoutRecord {
	return domain.PayoutRecord{
		SubjectID:        e.PartitionKey,
		AccountID:        e.AccountID,
		Status:           domain.PayoutStatus(e.Status),
		PreviousStatus:   domain.PayoutStatus(e.PreviousStatus),
		ChargesEnabled:   e.ChargesEnabled,
		PayoutsEnabled:   e.PayoutsEnabled,
		DetailsSubmitted: e.DetailsSubmitted,
		Restricted:       e.Restricted,
		LastEventSeq:     e.LastEventSeq,
		Version:          e.Version,
		StatusVersion:    e.StatusVersion,
		PublishedVersion: e.PublishedVersion,
		UpdatedAt:        e.UpdatedAt,
	}
}

// TableStore keeps payout records in Azure Table Storage. The Version column
// is the concurrency marker; writes are guarded by the row ETag.
type TableStore struct {
	table tableClient
}

// NewTableStore creates a store for the given table.
func NewTableStore(connStr, table string) (*TableStore, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    30 * time.Second,
				RetryDelay:    500 * time.Millisecond,
				MaxRetryDelay: 5 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &TableStore{table: svc.NewClient(table)}, nil
}

func (s *TableStore) Load(ctx context.Context, subjectID string) (domain.PayoutRecord, int64, error) {
	ent, _, err := s.get(ctx, subjectID)
	if err != nil {
		return domain.PayoutRecord{}, 0, err
	}
	rec := ent.record()
	return rec, rec.Version, nil
}

func (s *TableStore) get(ctx context.Context, subjectID string) (payoutEntity, azcore.ETag, error) {
	resp, err := s.table.GetEntity(ctx, subjectID, payoutRowKey, nil)
	if err != nil {
		return payoutEntity{}, "", mapTableError(err, subjectID)
	}
	var ent payoutEntity
	if err := sonic.Unmarshal(resp.Value, &ent); err != nil {
		return payoutEntity{}, "", fmt.Errorf("%w: decode %s: %w", domain.ErrStoreUnavailable, subjectID, err)
	}
	return ent, resp.ETag, nil
}

// Commit inserts rec when expectedVersion is 0 and otherwise replaces the row
// only if its Version still equals expectedVersion.
func (s *TableStore) Commit(ctx context.Context, rec domain.PayoutRecord, expectedVersion int64) error {
	payload, err := sonic.Marshal(toEntity(rec))
	if err != nil {
		return fmt.Errorf("%w: encode %s: %w", domain.ErrStoreUnavailable, rec.SubjectID, err)
	}
	if expectedVersion == 0 {
		_, err := s.table.AddEntity(ctx, payload, nil)
		return mapTableError(err, rec.SubjectID)
	}

	cur, etag, err := s.get(ctx, rec.SubjectID)
	if errors.Is(err, domain.ErrEntityNotFound) {
		return fmt.Errorf("%w: %s was removed", domain.ErrVersionConflict, rec.SubjectID)
	}
	if err != nil {
		return err
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("%w: %s at version %d, expected %d", domain.ErrVersionConflict, rec.SubjectID, cur.Version, expectedVersion)
	}
	_, err = s.table.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeReplace})
	return mapTableError(err, rec.SubjectID)
}

func (s *TableStore) ListPendingPublish(ctx context.Context, limit int) ([]domain.PayoutRecord, error) {
	filter := "PublishPending eq true"
	opts := &aztables.ListEntitiesOptions{Filter: &filter}
	if limit > 0 {
		top := int32(limit)
		opts.Top = &top
	}
	pager := s.table.NewListEntitiesPager(opts)
	var out []domain.PayoutRecord
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, mapTableError(err, "")
		}
		for _, raw := range resp.Entities {
			var ent payoutEntity
			if err := sonic.Unmarshal(raw, &ent); err != nil {
				return nil, fmt.Errorf("%w: decode pending row: %w", domain.ErrStoreUnavailable, err)
			}
			out = append(out, ent.record())
			if limit > 0 && len(out) == limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// mapTableError translates Azure responses into store failure kinds.
func mapTableError(err error, subjectID string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", domain.ErrEntityNotFound, subjectID)
		case http.StatusConflict, http.StatusPreconditionFailed:
			return fmt.Errorf("%w: %s", domain.ErrVersionConflict, subjectID)
		}
	}
	return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
}
