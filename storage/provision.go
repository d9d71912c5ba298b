package storage

import (
	"context"
	"errors"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"
)

const queueAlreadyExists = "QueueAlreadyExists"

type tableCreator interface {
	CreateTable(ctx context.Context, options *aztables.CreateTableOptions) (aztables.CreateTableResponse, error)
}

type queueCreator interface {
	Create(ctx context.Context, options *azqueue.CreateOptions) (azqueue.CreateResponse, error)
}

// Provision creates the record table and both queues named in cfg. Existing
// resources are left untouched.
func Provision(ctx context.Context, cfg Config) error {
	svc, err := aztables.NewServiceClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return err
	}
	if err := ensureTable(ctx, cfg.RecordsTable, svc.NewClient(cfg.RecordsTable)); err != nil {
		return err
	}
	for _, name := range []string{cfg.ChangeFeedQueue, cfg.RejectedQueue} {
		if name == "" {
			continue
		}
		q, err := azqueue.NewQueueClientFromConnectionString(cfg.ConnectionString, name, nil)
		if err != nil {
			return err
		}
		if err := ensureQueue(ctx, name, q); err != nil {
			return err
		}
	}
	return nil
}

func ensureTable(ctx context.Context, name string, c tableCreator) error {
	if name == "" {
		return nil
	}
	_, err := c.CreateTable(ctx, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if !(errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists)) {
			return err
		}
		log.WithField("table", name).Debug("table already exists")
		return nil
	}
	log.WithField("table", name).Info("table created")
	return nil
}

func ensureQueue(ctx context.Context, name string, q queueCreator) error {
	_, err := q.Create(ctx, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if !(errors.As(err, &respErr) && respErr.ErrorCode == queueAlreadyExists) {
			return err
		}
		log.WithField("queue", name).Debug("queue already exists")
		return nil
	}
	log.WithField("queue", name).Info("queue created")
	return nil
}
