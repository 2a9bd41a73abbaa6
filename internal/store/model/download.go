package model

import (
	"encoding/json"
	"time"
)

type Storage struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	Name     string `gorm:"type:VARCHAR(255);not null;uniqueIndex" json:"name"`
	Host     string `gorm:"type:VARCHAR(255)" json:"host"`
	Protocol string `gorm:"type:VARCHAR(16)" json:"protocol"`
	Port     int    `json:"port"`
}

type Download struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	DownloadURI  string    `gorm:"column:download_uri;type:VARCHAR(1024)" json:"download_uri"`
	StorageID    uint      `gorm:"not null;index" json:"storage_id"`
	Storage      *Storage  `gorm:"constraint:OnDelete:RESTRICT;" json:"storage,omitempty"`
	LocationPath string    `gorm:"type:VARCHAR(1024)" json:"location_path"`
	BytesSize    int64     `json:"bytes_size"`
	CreatedOn    time.Time `gorm:"not null;index" json:"created_on"`
}

type DownloadList []Download

func (d Download) String() string {
	v, _ := json.Marshal(d)
	return string(v)
}

// Usage summarizes the artifacts owned by one user.
type Usage struct {
	UserID     uint       `json:"user_id"`
	Count      int64      `json:"count"`
	TotalBytes int64      `json:"total_bytes"`
	Oldest     *time.Time `json:"oldest,omitempty"`
}
