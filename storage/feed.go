package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"

	"github.com/tak-kam/cognito-dr/domain"
)

const (
	defaultBatchSize  = 16
	maxBatchSize      = 32
	defaultVisibility = 60 * time.Second
)

type queueAPI interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
	DequeueMessages(ctx context.Context, o *azqueue.DequeueMessagesOptions) (azqueue.DequeueMessagesResponse, error)
	DeleteMessage(ctx context.Context, messageID string, popReceipt string, o *azqueue.DeleteMessageOptions) (azqueue.DeleteMessageResponse, error)
	PeekMessages(ctx context.Context, o *azqueue.PeekMessagesOptions) (azqueue.PeekMessagesResponse, error)
}

// Delivery is a change feed message handed to a consumer. Deleting it is the
// checkpoint; an undeleted delivery becomes visible again after the
// visibility timeout.
type Delivery struct {
	MessageID    string
	PopReceipt   string
	DequeueCount int64
	InsertedAt   time.Time
	Body         string
}

// ParkedRecord is a change record moved to the rejected queue.
type ParkedRecord struct {
	MessageID    string    `json:"messageId"`
	Reason       string    `json:"reason"`
	DequeueCount int64     `json:"dequeueCount"`
	ParkedAt     time.Time `json:"parkedAt"`
	Body         string    `json:"body"`
}

// Feed is the change feed and its rejected queue.
type Feed struct {
	changes    queueAPI
	rejected   queueAPI
	batchSize  int32
	visibility time.Duration
	now        func() time.Time
}

func newFeed(changes, rejected queueAPI, batchSize int32, visibility time.Duration) *Feed {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if batchSize > maxBatchSize {
		batchSize = maxBatchSize
	}
	if visibility <= 0 {
		visibility = defaultVisibility
	}
	return &Feed{changes: changes, rejected: rejected, batchSize: batchSize, visibility: visibility, now: time.Now}
}

// EncodeChange renders a change record as a feed message.
func EncodeChange(raw domain.RawChange) (string, error) {
	return sonic.MarshalString(raw)
}

// DecodeChange parses a feed message.
func DecodeChange(body string) (domain.RawChange, error) {
	var raw domain.RawChange
	if err := sonic.UnmarshalString(body, &raw); err != nil {
		return domain.RawChange{}, fmt.Errorf("decode change: %w", err)
	}
	return raw, nil
}

// Publish appends a change record to the feed.
func (f *Feed) Publish(ctx context.Context, raw domain.RawChange) error {
	body, err := EncodeChange(raw)
	if err != nil {
		return err
	}
	return f.enqueue(ctx, f.changes, body)
}

func (f *Feed) enqueue(ctx context.Context, q queueAPI, body string) error {
	// -1 keeps the message until it is deleted.
	_, err := q.EnqueueMessage(ctx, body, &azqueue.EnqueueMessageOptions{TimeToLive: to.Ptr[int32](-1)})
	return err
}

// Receive returns the next batch of deliveries, possibly empty.
func (f *Feed) Receive(ctx context.Context) ([]Delivery, error) {
	resp, err := f.changes.DequeueMessages(ctx, &azqueue.DequeueMessagesOptions{
		NumberOfMessages:  to.Ptr(f.batchSize),
		VisibilityTimeout: to.Ptr(int32(f.visibility / time.Second)),
	})
	if err != nil {
		return nil, err
	}
	out := make([]Delivery, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		if m == nil || m.MessageID == nil || m.PopReceipt == nil {
			continue
		}
		d := Delivery{
			MessageID:  *m.MessageID,
			PopReceipt: *m.PopReceipt,
		}
		if m.DequeueCount != nil {
			d.DequeueCount = *m.DequeueCount
		}
		if m.InsertionTime != nil {
			d.InsertedAt = *m.InsertionTime
		}
		if m.MessageText != nil {
			d.Body = *m.MessageText
		}
		out = append(out, d)
	}
	return out, nil
}

// Ack checkpoints a delivery.
func (f *Feed) Ack(ctx context.Context, d Delivery) error {
	_, err := f.changes.DeleteMessage(ctx, d.MessageID, d.PopReceipt, nil)
	return err
}

// Park moves a delivery to the rejected queue and checkpoints it.
func (f *Feed) Park(ctx context.Context, d Delivery, reason string) error {
	rec := ParkedRecord{
		MessageID:    d.MessageID,
		Reason:       reason,
		DequeueCount: d.DequeueCount,
		ParkedAt:     f.now().UTC(),
		Body:         d.Body,
	}
	body, err := sonic.MarshalString(rec)
	if err != nil {
		return err
	}
	if err := f.enqueue(ctx, f.rejected, body); err != nil {
		return fmt.Errorf("park %s: %w", d.MessageID, err)
	}
	return f.Ack(ctx, d)
}

// PeekRejected returns up to max parked records without removing them.
func (f *Feed) PeekRejected(ctx context.Context, max int32) ([]ParkedRecord, error) {
	if max <= 0 || max > maxBatchSize {
		max = maxBatchSize
	}
	resp, err := f.rejected.PeekMessages(ctx, &azqueue.PeekMessagesOptions{NumberOfMessages: to.Ptr(max)})
	if err != nil {
		return nil, err
	}
	out := make([]ParkedRecord, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		if m == nil || m.MessageText == nil {
			continue
		}
		var rec ParkedRecord
		if err := sonic.UnmarshalString(*m.MessageText, &rec); err != nil {
			rec = ParkedRecord{Reason: "undecodable parked record", Body: *m.MessageText}
		}
		if m.MessageID != nil {
			rec.MessageID = *m.MessageID
		}
		out = append(out, rec)
	}
	return out, nil
}

// RequeueRejected moves up to max parked records back onto the change feed.
func (f *Feed) RequeueRejected(ctx context.Context, max int32) (int, error) {
	if max <= 0 || max > maxBatchSize {
		max = maxBatchSize
	}
	resp, err := f.rejected.DequeueMessages(ctx, &azqueue.DequeueMessagesOptions{
		NumberOfMessages:  to.Ptr(max),
		VisibilityTimeout: to.Ptr(int32(f.visibility / time.Second)),
	})
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, m := range resp.Messages {
		if m == nil || m.MessageText == nil || m.MessageID == nil || m.PopReceipt == nil {
			continue
		}
		var rec ParkedRecord
		if err := sonic.UnmarshalString(*m.MessageText, &rec); err != nil {
			return moved, fmt.Errorf("decode parked record %s: %w", *m.MessageID, err)
		}
		if err := f.enqueue(ctx, f.changes, rec.Body); err != nil {
			return moved, err
		}
		if _, err := f.rejected.DeleteMessage(ctx, *m.MessageID, *m.PopReceipt, nil); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}
