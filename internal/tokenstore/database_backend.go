package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	errEmptyDatabaseURL    = errors.New("token_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("token_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("token_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("token_store.unsupported_no_scheme")
)

// DatabaseBackend persists sealed secrets using GORM (SQLite or PostgreSQL).
type DatabaseBackend struct {
	db          *gorm.DB
	driverLabel string
}

// Driver exposes the selected database driver label.
func (backend *DatabaseBackend) Driver() string {
	return backend.driverLabel
}

type sealedSecretRecord struct {
	Name          string `gorm:"column:name;primaryKey"`
	Sealed        []byte `gorm:"column:sealed;not null"`
	UpdatedAtUnix int64  `gorm:"column:updated_at_unix;not null"`
}

func (sealedSecretRecord) TableName() string {
	return "client_secrets"
}

// NewDatabaseBackend opens the database named by databaseURL and migrates the secrets table.
func NewDatabaseBackend(ctx context.Context, databaseURL string) (*DatabaseBackend, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("token_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("token_store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&sealedSecretRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("token_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseBackend{
		db:          gormDB,
		driverLabel: driverLabel,
	}, nil
}

// LoadSecrets reads both records in one query.
func (backend *DatabaseBackend) LoadSecrets(ctx context.Context) ([]byte, []byte, error) {
	var records []sealedSecretRecord
	err := backend.db.WithContext(ctx).
		Where("name IN ?", []string{AccessTokenKey, RefreshTokenKey}).
		Find(&records).Error
	if err != nil {
		return nil, nil, fmt.Errorf("token_store.load.%s: %w", backend.driverLabel, err)
	}
	var access, refresh []byte
	for _, record := range records {
		switch record.Name {
		case AccessTokenKey:
			access = record.Sealed
		case RefreshTokenKey:
			refresh = record.Sealed
		}
	}
	if access == nil {
		return nil, nil, ErrSecretsNotFound
	}
	return access, refresh, nil
}

// SaveSecrets upserts the access record and upserts or deletes the refresh record in one transaction.
func (backend *DatabaseBackend) SaveSecrets(ctx context.Context, access []byte, refresh []byte) error {
	nowUnix := time.Now().UTC().Unix()
	err := backend.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		records := []sealedSecretRecord{{Name: AccessTokenKey, Sealed: access, UpdatedAtUnix: nowUnix}}
		if refresh != nil {
			records = append(records, sealedSecretRecord{Name: RefreshTokenKey, Sealed: refresh, UpdatedAtUnix: nowUnix})
		}
		upsert := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"sealed", "updated_at_unix"}),
		}).Create(&records)
		if upsert.Error != nil {
			return upsert.Error
		}
		if refresh == nil {
			return tx.Where("name = ?", RefreshTokenKey).Delete(&sealedSecretRecord{}).Error
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("token_store.save.%s: %w", backend.driverLabel, err)
	}
	return nil
}

// DeleteSecrets removes both records.
func (backend *DatabaseBackend) DeleteSecrets(ctx context.Context) error {
	err := backend.db.WithContext(ctx).
		Where("name IN ?", []string{AccessTokenKey, RefreshTokenKey}).
		Delete(&sealedSecretRecord{}).Error
	if err != nil {
		return fmt.Errorf("token_store.delete.%s: %w", backend.driverLabel, err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (backend *DatabaseBackend) Close() error {
	sqlDB, err := backend.db.DB()
	if err != nil {
		return fmt.Errorf("token_store.close.%s: %w", backend.driverLabel, err)
	}
	return sqlDB.Close()
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("token_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("token_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildLocalPath(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("token_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("token_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedBackend)
	}
}

// buildLocalPath turns sqlite:// and bolt:// URLs into filesystem paths, keeping the query.
func buildLocalPath(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
