package migrations

import (
	"embed"
	"fmt"
	"io/fs"
	"os"

	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed sql/*.sql
var embedded embed.FS

// Source returns the migration files: the given folder when set, the embedded
// set otherwise.
func Source(migrationFolder string) (fs.FS, error) {
	if migrationFolder == "" {
		return fs.Sub(embedded, "sql")
	}

	fi, err := os.Stat(migrationFolder)
	if err != nil {
		return nil, err
	}

	if !fi.Mode().IsDir() {
		return nil, fmt.Errorf("failed to open migration folder: %s is not a folder", migrationFolder)
	}

	return os.DirFS(migrationFolder), nil
}

func MigrateStore(db *gorm.DB, migrationFolder string) error {
	goose.SetLogger(&logger{})

	source, err := Source(migrationFolder)
	if err != nil {
		return err
	}
	goose.SetBaseFS(source)

	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}

	return goose.Up(sqlDB, ".")
}

/*
logger implements goose.Logger interface

	type Logger interface {
		Fatalf(format string, v ...interface{})
		Printf(format string, v ...interface{})
	}
*/
type logger struct{}

func (m *logger) Printf(format string, v ...interface{}) { zap.S().Named("migrations").Infof(format, v...) }
func (m *logger) Fatalf(format string, v ...interface{}) { zap.S().Named("migrations").Fatalf(format, v...) }
