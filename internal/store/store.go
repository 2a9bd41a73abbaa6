package store

import (
	"context"

	"github.com/geolake/geolake/internal/store/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Store interface {
	NewTransactionContext(ctx context.Context) (context.Context, error)
	Role() Role
	User() User
	Worker() Worker
	Request() Request
	Download() Download
	Storage() Storage
	InitialMigration(ctx context.Context) error
	Seed(ctx context.Context, storages ...model.Storage) error
	Close() error
}

type DataStore struct {
	db       *gorm.DB
	role     Role
	user     User
	worker   Worker
	request  Request
	download Download
	storage  Storage
}

func NewStore(db *gorm.DB) Store {
	return &DataStore{
		db:       db,
		role:     NewRoleStore(db),
		user:     NewUserStore(db),
		worker:   NewWorkerStore(db),
		request:  NewRequestStore(db),
		download: NewDownloadStore(db),
		storage:  NewStorageStore(db),
	}
}

func (s *DataStore) NewTransactionContext(ctx context.Context) (context.Context, error) {
	return newTransactionContext(ctx, s.db)
}

func (s *DataStore) Role() Role {
	return s.role
}

func (s *DataStore) User() User {
	return s.user
}

func (s *DataStore) Worker() Worker {
	return s.worker
}

func (s *DataStore) Request() Request {
	return s.request
}

func (s *DataStore) Download() Download {
	return s.download
}

func (s *DataStore) Storage() Storage {
	return s.storage
}

// InitialMigration creates the schema with gorm. It is used for sqlite and
// development databases; production schemas go through pkg/migrations.
func (s *DataStore) InitialMigration(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&model.Role{},
		&model.User{},
		&model.Worker{},
		&model.Storage{},
		&model.Download{},
		&model.Request{},
	)
}

// Seed creates the static reference data: the roles and the given storages.
// Existing rows are updated in place.
func (s *DataStore) Seed(ctx context.Context, storages ...model.Storage) error {
	return WithTransaction(ctx, s, func(ctx context.Context) error {
		tx := FromContext(ctx)

		for _, name := range []string{model.RoleAdmin, model.RoleStandard} {
			role := model.Role{Name: name}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "name"}},
				DoNothing: true,
			}).Create(&role).Error; err != nil {
				return err
			}
		}

		for _, st := range storages {
			st := st
			st.ID = 0
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "name"}},
				DoUpdates: clause.AssignmentColumns([]string{"host", "protocol", "port"}),
			}).Create(&st).Error; err != nil {
				return err
			}
		}

		return nil
	})
}

func (s *DataStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func getDB(ctx context.Context, db *gorm.DB) *gorm.DB {
	tx := FromContext(ctx)
	if tx != nil {
		return tx
	}
	return db.WithContext(ctx)
}
