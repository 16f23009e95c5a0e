// Package report persists one record per indexed archive so operators can
// audit what landed, what was skipped and what failed without trawling logs.
package report

import (
	"context"
	"fmt"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/perfscale/pbench-indexer/pkg/config"
)

// Store provides persistence for per-archive indexing reports.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	RecordArchive(ctx context.Context, archive *Archive) error
	GetArchive(ctx context.Context, runID string) (*Archive, error)
	ListArchives(ctx context.Context, controller string) ([]Archive, error)
	ListFailed(ctx context.Context) ([]Archive, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.ReportConfig
	db  *gorm.DB
}

// NewStore creates a report Store backed by the configured database driver.
func NewStore(log logrus.FieldLogger, cfg *config.ReportConfig) Store {
	return &store{
		log: log.WithField("component", "report"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported report driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening report database: %w", err)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(&Archive{}); err != nil {
		return fmt.Errorf("running report migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).
		Info("Report database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// RecordArchive inserts or updates an archive record keyed by run_id, so a
// re-index refreshes the existing row instead of duplicating it.
func (s *store) RecordArchive(ctx context.Context, archive *Archive) error {
	result := s.db.WithContext(ctx).
		Where("run_id = ?", archive.RunID).
		Assign(archive).
		FirstOrCreate(archive)
	if result.Error != nil {
		return fmt.Errorf("recording archive: %w", result.Error)
	}

	return nil
}

// GetArchive returns the record for one run ID.
func (s *store) GetArchive(ctx context.Context, runID string) (*Archive, error) {
	var archive Archive
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		First(&archive).Error; err != nil {
		return nil, fmt.Errorf("getting archive %s: %w", runID, err)
	}

	return &archive, nil
}

// ListArchives returns all records for a controller ordered by index time.
func (s *store) ListArchives(
	ctx context.Context, controller string,
) ([]Archive, error) {
	var archives []Archive
	if err := s.db.WithContext(ctx).
		Where("controller = ?", controller).
		Order("indexed_at DESC").
		Find(&archives).Error; err != nil {
		return nil, fmt.Errorf("listing archives: %w", err)
	}

	return archives, nil
}

// ListFailed returns every record whose last indexing attempt did not fully
// succeed.
func (s *store) ListFailed(ctx context.Context) ([]Archive, error) {
	var archives []Archive
	if err := s.db.WithContext(ctx).
		Where("status IN ?", []string{StatusPartial, StatusFailed}).
		Order("indexed_at DESC").
		Find(&archives).Error; err != nil {
		return nil, fmt.Errorf("listing failed archives: %w", err)
	}

	return archives, nil
}
