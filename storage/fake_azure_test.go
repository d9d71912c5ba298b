package storage

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
)

func responseError(status int, code string) error {
	return &azcore.ResponseError{StatusCode: status, ErrorCode: code, RawResponse: &http.Response{StatusCode: status}}
}

type fakeRow struct {
	etag  azcore.ETag
	value map[string]any
}

type fakeTable struct {
	mu      sync.Mutex
	rows    map[string]fakeRow
	version int
	// beforeUpdate runs before every UpdateEntity, outside the lock.
	beforeUpdate func()
}

func newFakeTable() *fakeTable {
	return &fakeTable{rows: map[string]fakeRow{}}
}

func (t *fakeTable) nextETag() azcore.ETag {
	t.version++
	return azcore.ETag("W/\"" + strconv.Itoa(t.version) + "\"")
}

func decodeRow(entity []byte) (string, map[string]any, error) {
	var m map[string]any
	if err := sonic.Unmarshal(entity, &m); err != nil {
		return "", nil, err
	}
	pk, _ := m["PartitionKey"].(string)
	rk, _ := m["RowKey"].(string)
	return pk + "|" + rk, m, nil
}

func (t *fakeTable) GetEntity(ctx context.Context, pk, rk string, _ *aztables.GetEntityOptions) (aztables.GetEntityResponse, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	row, ok := t.rows[pk+"|"+rk]
	if !ok {
		return aztables.GetEntityResponse{}, responseError(404, "ResourceNotFound")
	}
	data, err := sonic.Marshal(row.value)
	if err != nil {
		return aztables.GetEntityResponse{}, err
	}
	return aztables.GetEntityResponse{ETag: row.etag, Value: data}, nil
}

func (t *fakeTable) AddEntity(ctx context.Context, entity []byte, _ *aztables.AddEntityOptions) (aztables.AddEntityResponse, error) {
	id, m, err := decodeRow(entity)
	if err != nil {
		return aztables.AddEntityResponse{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.rows[id]; ok {
		return aztables.AddEntityResponse{}, responseError(409, "EntityAlreadyExists")
	}
	etag := t.nextETag()
	t.rows[id] = fakeRow{etag: etag, value: m}
	return aztables.AddEntityResponse{ETag: etag}, nil
}

func (t *fakeTable) UpdateEntity(ctx context.Context, entity []byte, opts *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error) {
	if t.beforeUpdate != nil {
		t.beforeUpdate()
	}
	id, m, err := decodeRow(entity)
	if err != nil {
		return aztables.UpdateEntityResponse{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	row, ok := t.rows[id]
	if !ok {
		return aztables.UpdateEntityResponse{}, responseError(404, "ResourceNotFound")
	}
	if opts != nil && opts.IfMatch != nil && *opts.IfMatch != azcore.ETagAny && *opts.IfMatch != row.etag {
		return aztables.UpdateEntityResponse{}, responseError(412, "UpdateConditionNotSatisfied")
	}
	if opts != nil && opts.UpdateMode == aztables.UpdateModeMerge {
		for k, v := range m {
			row.value[k] = v
		}
	} else {
		row.value = m
	}
	row.etag = t.nextETag()
	t.rows[id] = row
	return aztables.UpdateEntityResponse{ETag: row.etag}, nil
}

func (t *fakeTable) NewListEntitiesPager(_ *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse] {
	return runtime.NewPager(runtime.PagingHandler[aztables.ListEntitiesResponse]{
		More: func(aztables.ListEntitiesResponse) bool { return false },
		Fetcher: func(ctx context.Context, _ *aztables.ListEntitiesResponse) (aztables.ListEntitiesResponse, error) {
			t.mu.Lock()
			defer t.mu.Unlock()
			ids := make([]string, 0, len(t.rows))
			for id := range t.rows {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			var resp aztables.ListEntitiesResponse
			for _, id := range ids {
				data, err := sonic.Marshal(t.rows[id].value)
				if err != nil {
					return resp, err
				}
				resp.Entities = append(resp.Entities, data)
			}
			return resp, nil
		},
	})
}

func (t *fakeTable) raw(key string) (map[string]any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	row, ok := t.rows[key+"|"+key]
	return row.value, ok
}

type fakeMessage struct {
	id        string
	receipt   string
	text      string
	dequeues  int64
	inserted  time.Time
	invisible bool
}

type fakeQueue struct {
	mu         sync.Mutex
	msgs       []*fakeMessage
	next       int
	enqueueErr error
}

func (q *fakeQueue) EnqueueMessage(ctx context.Context, content string, _ *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return azqueue.EnqueueMessagesResponse{}, q.enqueueErr
	}
	q.next++
	q.msgs = append(q.msgs, &fakeMessage{id: fmt.Sprintf("m%d", q.next), text: content, inserted: time.Now()})
	return azqueue.EnqueueMessagesResponse{}, nil
}

func (q *fakeQueue) DequeueMessages(ctx context.Context, o *azqueue.DequeueMessagesOptions) (azqueue.DequeueMessagesResponse, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := int32(1)
	if o != nil && o.NumberOfMessages != nil {
		n = *o.NumberOfMessages
	}
	var resp azqueue.DequeueMessagesResponse
	for _, m := range q.msgs {
		if int32(len(resp.Messages)) >= n {
			break
		}
		if m.invisible {
			continue
		}
		m.invisible = true
		m.dequeues++
		q.next++
		m.receipt = fmt.Sprintf("r%d", q.next)
		id, receipt, text, count, inserted := m.id, m.receipt, m.text, m.dequeues, m.inserted
		resp.Messages = append(resp.Messages, &azqueue.DequeuedMessage{
			MessageID:     &id,
			PopReceipt:    &receipt,
			MessageText:   &text,
			DequeueCount:  &count,
			InsertionTime: &inserted,
		})
	}
	return resp, nil
}

func (q *fakeQueue) DeleteMessage(ctx context.Context, id, receipt string, _ *azqueue.DeleteMessageOptions) (azqueue.DeleteMessageResponse, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, m := range q.msgs {
		if m.id == id && m.receipt == receipt {
			q.msgs = append(q.msgs[:i], q.msgs[i+1:]...)
			return azqueue.DeleteMessageResponse{}, nil
		}
	}
	return azqueue.DeleteMessageResponse{}, responseError(404, "MessageNotFound")
}

func (q *fakeQueue) PeekMessages(ctx context.Context, o *azqueue.PeekMessagesOptions) (azqueue.PeekMessagesResponse, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := int32(1)
	if o != nil && o.NumberOfMessages != nil {
		n = *o.NumberOfMessages
	}
	var resp azqueue.PeekMessagesResponse
	for _, m := range q.msgs {
		if int32(len(resp.Messages)) >= n {
			break
		}
		if m.invisible {
			continue
		}
		id, text := m.id, m.text
		resp.Messages = append(resp.Messages, &azqueue.PeekedMessage{MessageID: &id, MessageText: &text})
	}
	return resp, nil
}

// expire makes every in-flight message visible again.
func (q *fakeQueue) expire() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.msgs {
		m.invisible = false
	}
}

func (q *fakeQueue) texts() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.msgs))
	for _, m := range q.msgs {
		out = append(out, m.text)
	}
	return out
}
