package store

import (
	"context"
	"errors"
	"time"

	"github.com/geolake/geolake/internal/store/model"
	"gorm.io/gorm"
)

type Download interface {
	Create(ctx context.Context, download model.Download) (*model.Download, error)
	Get(ctx context.Context, id uint) (*model.Download, error)
	GetByRequest(ctx context.Context, requestID uint) (*model.Download, error)
	List(ctx context.Context, filter *DownloadQueryFilter) (model.DownloadList, error)
	Usage(ctx context.Context, userID uint) (*model.Usage, error)
	Move(ctx context.Context, id uint, storageID uint, locationPath string, uri string) error
}

type DownloadStore struct {
	db *gorm.DB
}

var _ Download = (*DownloadStore)(nil)

func NewDownloadStore(db *gorm.DB) Download {
	return &DownloadStore{db: db}
}

func (d *DownloadStore) Create(ctx context.Context, download model.Download) (*model.Download, error) {
	if download.CreatedOn.IsZero() {
		download.CreatedOn = time.Now().UTC()
	}
	if err := getDB(ctx, d.db).Create(&download).Error; err != nil {
		return nil, err
	}
	return &download, nil
}

func (d *DownloadStore) Get(ctx context.Context, id uint) (*model.Download, error) {
	var download model.Download
	if err := getDB(ctx, d.db).Preload("Storage").First(&download, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &download, nil
}

func (d *DownloadStore) GetByRequest(ctx context.Context, requestID uint) (*model.Download, error) {
	var download model.Download
	err := getDB(ctx, d.db).
		Preload("Storage").
		Joins("JOIN requests ON requests.download_id = downloads.id").
		Where("requests.id = ?", requestID).
		First(&download).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &download, nil
}

// List returns the downloads matching filter, oldest first.
func (d *DownloadStore) List(ctx context.Context, filter *DownloadQueryFilter) (model.DownloadList, error) {
	var downloads model.DownloadList
	tx := getDB(ctx, d.db).Preload("Storage")

	if filter != nil {
		for _, fn := range filter.QueryFn {
			tx = fn(tx)
		}
	}

	if err := tx.Order("downloads.created_on ASC").Order("downloads.id ASC").Find(&downloads).Error; err != nil {
		return nil, err
	}
	return downloads, nil
}

func (d *DownloadStore) Usage(ctx context.Context, userID uint) (*model.Usage, error) {
	var row struct {
		Count      int64
		TotalBytes int64
	}
	err := getDB(ctx, d.db).
		Model(&model.Download{}).
		Select("COUNT(downloads.id) AS count, COALESCE(SUM(downloads.bytes_size), 0) AS total_bytes").
		Joins("JOIN requests ON requests.download_id = downloads.id").
		Where("requests.user_id = ?", userID).
		Scan(&row).Error
	if err != nil {
		return nil, err
	}

	usage := &model.Usage{UserID: userID, Count: row.Count, TotalBytes: row.TotalBytes}
	if row.Count == 0 {
		return usage, nil
	}

	var oldest model.Download
	err = getDB(ctx, d.db).
		Joins("JOIN requests ON requests.download_id = downloads.id").
		Where("requests.user_id = ?", userID).
		Order("downloads.created_on ASC").
		First(&oldest).Error
	if err != nil {
		return nil, err
	}
	t := oldest.CreatedOn.UTC()
	usage.Oldest = &t

	return usage, nil
}

// Move relocates a download record to another storage.
func (d *DownloadStore) Move(ctx context.Context, id uint, storageID uint, locationPath string, uri string) error {
	result := getDB(ctx, d.db).Model(&model.Download{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"storage_id":    storageID,
			"location_path": locationPath,
			"download_uri":  uri,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

type Storage interface {
	List(ctx context.Context) ([]model.Storage, error)
	GetByName(ctx context.Context, name string) (*model.Storage, error)
}

type StorageStore struct {
	db *gorm.DB
}

var _ Storage = (*StorageStore)(nil)

func NewStorageStore(db *gorm.DB) Storage {
	return &StorageStore{db: db}
}

func (s *StorageStore) List(ctx context.Context) ([]model.Storage, error) {
	var storages []model.Storage
	if err := getDB(ctx, s.db).Order("id").Find(&storages).Error; err != nil {
		return nil, err
	}
	return storages, nil
}

func (s *StorageStore) GetByName(ctx context.Context, name string) (*model.Storage, error) {
	var storage model.Storage
	if err := getDB(ctx, s.db).Where("name = ?", name).First(&storage).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &storage, nil
}
