package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/geolake/geolake/internal/store"
	"github.com/geolake/geolake/internal/store/model"
	"go.uber.org/zap"
)

var (
	ErrDownloadNotFound = errors.New("download not found")
	ErrStorageNotFound  = errors.New("storage not found")
)

// Ledger answers the questions about produced artifacts: where they are, who
// owns them and how much space they take.
type Ledger struct {
	store store.Store
}

func New(s store.Store) *Ledger {
	return &Ledger{store: s}
}

func (l *Ledger) GetByRequest(ctx context.Context, requestID uint) (*model.Download, error) {
	d, err := l.store.Download().GetByRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, fmt.Errorf("request %d: %w", requestID, ErrDownloadNotFound)
		}
		return nil, err
	}
	return d, nil
}

func (l *Ledger) ListByUser(ctx context.Context, userID uint) (model.DownloadList, error) {
	return l.store.Download().List(ctx, store.NewDownloadQueryFilter().ByUserID(userID))
}

func (l *Ledger) Usage(ctx context.Context, userID uint) (*model.Usage, error) {
	return l.store.Download().Usage(ctx, userID)
}

// ListOlderThan returns the downloads created before t, oldest first.
func (l *Ledger) ListOlderThan(ctx context.Context, t time.Time) (model.DownloadList, error) {
	return l.store.Download().List(ctx, store.NewDownloadQueryFilter().CreatedBefore(t))
}

// MoveToStorage records that a download now lives in another storage. Copying
// the bytes is up to the caller.
func (l *Ledger) MoveToStorage(ctx context.Context, downloadID uint, storageName string, locationPath string, uri string) (*model.Download, error) {
	var moved *model.Download

	err := store.WithTransaction(ctx, l.store, func(ctx context.Context) error {
		st, err := l.store.Storage().GetByName(ctx, storageName)
		if err != nil {
			if errors.Is(err, store.ErrRecordNotFound) {
				return fmt.Errorf("%q: %w", storageName, ErrStorageNotFound)
			}
			return err
		}

		if err := l.store.Download().Move(ctx, downloadID, st.ID, locationPath, uri); err != nil {
			if errors.Is(err, store.ErrRecordNotFound) {
				return fmt.Errorf("download %d: %w", downloadID, ErrDownloadNotFound)
			}
			return err
		}

		moved, err = l.store.Download().Get(ctx, downloadID)
		return err
	})
	if err != nil {
		return nil, err
	}

	zap.S().Named("ledger").Infow("download moved", "download_id", downloadID, "storage", storageName, "location", locationPath)
	return moved, nil
}

func (l *Ledger) Storages(ctx context.Context) ([]model.Storage, error) {
	return l.store.Storage().List(ctx)
}
