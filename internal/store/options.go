package store

import (
	"time"

	"github.com/geolake/geolake/internal/store/model"
	"gorm.io/gorm"
)

type BaseQuerier struct {
	QueryFn []func(tx *gorm.DB) *gorm.DB
}

type SortOrder int

const (
	Unsorted SortOrder = iota
	SortByID
	SortByCreatedTime
	SortByDispatchOrder
)

type RequestQueryFilter BaseQuerier

func NewRequestQueryFilter() *RequestQueryFilter {
	return &RequestQueryFilter{QueryFn: make([]func(tx *gorm.DB) *gorm.DB, 0)}
}

func (qf *RequestQueryFilter) ByUserID(userID uint) *RequestQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("user_id = ?", userID)
	})
	return qf
}

func (qf *RequestQueryFilter) ByWorkerID(workerID uint) *RequestQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("worker_id = ?", workerID)
	})
	return qf
}

func (qf *RequestQueryFilter) ByStatus(status ...model.RequestStatus) *RequestQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("status IN ?", status)
	})
	return qf
}

type RequestQueryOptions BaseQuerier

func NewRequestQueryOptions() *RequestQueryOptions {
	return &RequestQueryOptions{QueryFn: make([]func(tx *gorm.DB) *gorm.DB, 0)}
}

func (o *RequestQueryOptions) WithSortOrder(sort SortOrder) *RequestQueryOptions {
	o.QueryFn = append(o.QueryFn, func(tx *gorm.DB) *gorm.DB {
		switch sort {
		case SortByID:
			return tx.Order("id")
		case SortByCreatedTime:
			return tx.Order("created_on DESC").Order("id DESC")
		case SortByDispatchOrder:
			return tx.Order("priority ASC").Order("created_on ASC").Order("id ASC")
		default:
			return tx
		}
	})
	return o
}

func (o *RequestQueryOptions) WithLimit(limit int) *RequestQueryOptions {
	o.QueryFn = append(o.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Limit(limit)
	})
	return o
}

func (o *RequestQueryOptions) WithOffset(offset int) *RequestQueryOptions {
	o.QueryFn = append(o.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Offset(offset)
	})
	return o
}

func (o *RequestQueryOptions) WithDownload() *RequestQueryOptions {
	o.QueryFn = append(o.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Preload("Download.Storage")
	})
	return o
}

type WorkerQueryFilter BaseQuerier

func NewWorkerQueryFilter() *WorkerQueryFilter {
	return &WorkerQueryFilter{QueryFn: make([]func(tx *gorm.DB) *gorm.DB, 0)}
}

func (qf *WorkerQueryFilter) ByStatus(status ...model.WorkerStatus) *WorkerQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("status IN ?", status)
	})
	return qf
}

func (qf *WorkerQueryFilter) HeartbeatBefore(t time.Time) *WorkerQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("last_heartbeat < ?", t)
	})
	return qf
}

type DownloadQueryFilter BaseQuerier

func NewDownloadQueryFilter() *DownloadQueryFilter {
	return &DownloadQueryFilter{QueryFn: make([]func(tx *gorm.DB) *gorm.DB, 0)}
}

func (qf *DownloadQueryFilter) ByUserID(userID uint) *DownloadQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("downloads.id IN (?)", tx.Session(&gorm.Session{NewDB: true}).
			Model(&model.Request{}).
			Select("download_id").
			Where("user_id = ? AND download_id IS NOT NULL", userID))
	})
	return qf
}

func (qf *DownloadQueryFilter) CreatedBefore(t time.Time) *DownloadQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("downloads.created_on < ?", t)
	})
	return qf
}

func (qf *DownloadQueryFilter) ByStorageID(storageID uint) *DownloadQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("downloads.storage_id = ?", storageID)
	})
	return qf
}
