package storage

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/tak-kam/cognito-dr/domain"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record changed concurrently")
)

const (
	edmInt64    = "Edm.Int64"
	edmDateTime = "Edm.DateTime"

	maxWriteAttempts = 5
)

// Config holds the storage resource names.
type Config struct {
	ConnectionString  string
	RecordsTable      string
	ChangeFeedQueue   string
	RejectedQueue     string
	BatchSize         int32
	VisibilityTimeout time.Duration
}

type tableAPI interface {
	GetEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
	AddEntity(ctx context.Context, entity []byte, options *aztables.AddEntityOptions) (aztables.AddEntityResponse, error)
	UpdateEntity(ctx context.Context, entity []byte, options *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error)
	NewListEntitiesPager(options *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse]
}

// Storage is the replicated record store. Every committed change to a record
// is published on the change feed with a per-key sequence token.
type Storage struct {
	records tableAPI
	feed    *Feed
	now     func() time.Time

	lastSequence int64
}

// New creates a Storage from the given configuration.
func New(cfg Config) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(cfg.ConnectionString, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	changes, err := azqueue.NewQueueClientFromConnectionString(cfg.ConnectionString, cfg.ChangeFeedQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	rejected, err := azqueue.NewQueueClientFromConnectionString(cfg.ConnectionString, cfg.RejectedQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	feed := newFeed(changes, rejected, cfg.BatchSize, cfg.VisibilityTimeout)
	return newStorage(svc.NewClient(cfg.RecordsTable), feed), nil
}

func newStorage(records tableAPI, feed *Feed) *Storage {
	return &Storage{records: records, feed: feed, now: time.Now}
}

// Feed returns the change feed the store publishes to.
func (s *Storage) Feed() *Feed { return s.feed }

type recordEntity struct {
	PartitionKey  string    `json:"PartitionKey"`
	RowKey        string    `json:"RowKey"`
	Email         string    `json:"Email,omitempty"`
	Deleted       bool      `json:"Deleted"`
	Sequence      int64     `json:"Sequence,string"`
	SequenceType  string    `json:"Sequence@odata.type"`
	Published     int64     `json:"Published,string"`
	PublishedType string    `json:"Published@odata.type"`
	UpdatedAt     time.Time `json:"UpdatedAt"`
	UpdatedAtType string    `json:"UpdatedAt@odata.type"`
}

type publishedUpdate struct {
	PartitionKey  string `json:"PartitionKey"`
	RowKey        string `json:"RowKey"`
	Published     int64  `json:"Published,string"`
	PublishedType string `json:"Published@odata.type"`
}

func (e recordEntity) record() domain.Record {
	return domain.Record{Key: e.RowKey, Email: e.Email, Sequence: e.Sequence, UpdatedAt: e.UpdatedAt}
}

func (s *Storage) newEntity(key, email string, seq int64, published int64, deleted bool) recordEntity {
	return recordEntity{
		PartitionKey:  key,
		RowKey:        key,
		Email:         email,
		Deleted:       deleted,
		Sequence:      seq,
		SequenceType:  edmInt64,
		Published:     published,
		PublishedType: edmInt64,
		UpdatedAt:     s.now().UTC(),
		UpdatedAtType: edmDateTime,
	}
}

// nextSequence returns a token greater than prev and than every token this
// process handed out before.
func (s *Storage) nextSequence(prev int64) int64 {
	for {
		last := atomic.LoadInt64(&s.lastSequence)
		next := s.now().UnixNano()
		if next <= last {
			next = last + 1
		}
		if next <= prev {
			next = prev + 1
		}
		if atomic.CompareAndSwapInt64(&s.lastSequence, last, next) {
			return next
		}
	}
}

func (s *Storage) getEntity(ctx context.Context, key string) (*recordEntity, azcore.ETag, error) {
	resp, err := s.records.GetEntity(ctx, key, key, nil)
	if err != nil {
		if hasStatus(err, 404) {
			return nil, "", nil
		}
		return nil, "", err
	}
	var ent recordEntity
	if err := sonic.Unmarshal(resp.Value, &ent); err != nil {
		return nil, "", fmt.Errorf("decode record %q: %w", key, err)
	}
	return &ent, resp.ETag, nil
}

// GetRecord returns the live record stored under key.
func (s *Storage) GetRecord(ctx context.Context, key string) (domain.Record, error) {
	ent, _, err := s.getEntity(ctx, key)
	if err != nil {
		return domain.Record{}, err
	}
	if ent == nil || ent.Deleted {
		return domain.Record{}, ErrNotFound
	}
	return ent.record(), nil
}

// ListRecords calls fn for every live record in the table.
func (s *Storage) ListRecords(ctx context.Context, fn func(domain.Record) error) error {
	pager := s.records.NewListEntitiesPager(nil)
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return err
		}
		for _, raw := range resp.Entities {
			var ent recordEntity
			if err := sonic.Unmarshal(raw, &ent); err != nil {
				return err
			}
			if ent.Deleted {
				continue
			}
			if err := fn(ent.record()); err != nil {
				return err
			}
		}
	}
	return nil
}

// UpsertRecord stores email for key and publishes the change. Writing the
// current value again only republishes a change that was never published.
func (s *Storage) UpsertRecord(ctx context.Context, key, email string) (domain.Record, error) {
	if key == "" {
		return domain.Record{}, domain.ErrMissingKey
	}
	for attempt := 1; ; attempt++ {
		rec, err := s.upsertOnce(ctx, key, email)
		if !errors.Is(err, ErrConflict) || attempt >= maxWriteAttempts {
			return rec, err
		}
		log.WithFields(log.Fields{"key": key, "attempt": attempt}).Debug("record changed concurrently, retrying")
	}
}

func (s *Storage) upsertOnce(ctx context.Context, key, email string) (domain.Record, error) {
	cur, etag, err := s.getEntity(ctx, key)
	if err != nil {
		return domain.Record{}, err
	}
	live := cur != nil && !cur.Deleted

	if live && cur.Email == email {
		if cur.Published < cur.Sequence {
			raw := s.change(domain.EventModify, cur.Sequence, domain.ImageOf(cur.record()), nil)
			if err := s.publish(ctx, key, raw, etag); err != nil {
				return domain.Record{}, err
			}
		}
		return cur.record(), nil
	}

	var prev, published int64
	if cur != nil {
		prev, published = cur.Sequence, cur.Published
	}
	seq := s.nextSequence(prev)
	ent := s.newEntity(key, email, seq, published, false)
	payload, err := sonic.Marshal(ent)
	if err != nil {
		return domain.Record{}, err
	}

	var newTag azcore.ETag
	if cur == nil {
		resp, err := s.records.AddEntity(ctx, payload, nil)
		if err != nil {
			return domain.Record{}, translate(err)
		}
		newTag = resp.ETag
	} else {
		resp, err := s.records.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeReplace})
		if err != nil {
			return domain.Record{}, translate(err)
		}
		newTag = resp.ETag
	}

	rec := ent.record()
	var raw domain.RawChange
	if live {
		raw = s.change(domain.EventModify, seq, domain.ImageOf(rec), domain.ImageOf(cur.record()))
	} else {
		raw = s.change(domain.EventInsert, seq, domain.ImageOf(rec), nil)
	}
	if err := s.publish(ctx, key, raw, newTag); err != nil {
		return domain.Record{}, err
	}
	return rec, nil
}

// DeleteRecord marks key deleted and publishes the removal. The row stays as a
// tombstone holding the last sequence, so a later re-create is sequenced after
// the removal. Deleting a missing record is not an error.
func (s *Storage) DeleteRecord(ctx context.Context, key string) error {
	if key == "" {
		return domain.ErrMissingKey
	}
	for attempt := 1; ; attempt++ {
		err := s.deleteOnce(ctx, key)
		if !errors.Is(err, ErrConflict) || attempt >= maxWriteAttempts {
			return err
		}
		log.WithFields(log.Fields{"key": key, "attempt": attempt}).Debug("record changed concurrently, retrying")
	}
}

func (s *Storage) deleteOnce(ctx context.Context, key string) error {
	cur, etag, err := s.getEntity(ctx, key)
	if err != nil || cur == nil {
		return err
	}

	old := domain.Image{domain.AttrUserName: domain.ImageOf(cur.record())[domain.AttrUserName]}
	if !cur.Deleted {
		old = domain.ImageOf(cur.record())
		seq := s.nextSequence(cur.Sequence)
		tomb := s.newEntity(key, "", seq, cur.Published, true)
		payload, err := sonic.Marshal(tomb)
		if err != nil {
			return err
		}
		resp, err := s.records.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeReplace})
		if err != nil {
			return translate(err)
		}
		cur, etag = &tomb, resp.ETag
	}

	if cur.Published >= cur.Sequence {
		return nil
	}
	return s.publish(ctx, key, s.change(domain.EventRemove, cur.Sequence, nil, old), etag)
}

func (s *Storage) change(name string, seq int64, newImage, oldImage domain.Image) domain.RawChange {
	return domain.RawChange{
		EventID:     uuid.NewString(),
		EventName:   name,
		Sequence:    seq,
		CommittedAt: s.now().UnixNano(),
		NewImage:    newImage,
		OldImage:    oldImage,
	}
}

// publish sends raw on the feed and records it as published on the row of key.
func (s *Storage) publish(ctx context.Context, key string, raw domain.RawChange, etag azcore.ETag) error {
	if err := s.feed.Publish(ctx, raw); err != nil {
		return fmt.Errorf("publish %s %d: %w", raw.EventName, raw.Sequence, err)
	}
	upd := publishedUpdate{PartitionKey: key, RowKey: key, Published: raw.Sequence, PublishedType: edmInt64}
	payload, err := sonic.Marshal(upd)
	if err == nil {
		_, err = s.records.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeMerge})
	}
	if err != nil {
		log.WithError(err).WithField("key", key).Warn("unable to mark change as published")
	}
	return nil
}

func hasStatus(err error, codes ...int) bool {
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		return false
	}
	for _, c := range codes {
		if respErr.StatusCode == c {
			return true
		}
	}
	return false
}

func translate(err error) error {
	if hasStatus(err, 409, 412) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	if hasStatus(err, 404) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}
