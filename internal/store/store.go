// Package store persists pipeline descriptions and cross-validation scores.
//
// The orchestration core only needs a narrow view of the relational store:
// fetch a pipeline, insert one, rank a set of pipelines by a metric, and read
// the latest scores. Every call runs as its own short, context-scoped gorm
// operation; no transaction outlives a call.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Iron-Ham/pipesearch/internal/errors"
	"github.com/Iron-Ham/pipesearch/internal/logging"
	"github.com/Iron-Ham/pipesearch/internal/metric"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Store is the persisted store used by sessions and the orchestrator.
type Store interface {
	// Get returns the pipeline or a NotFoundError.
	Get(ctx context.Context, id string) (*Pipeline, error)
	// Insert persists a new pipeline, assigning an id when empty.
	Insert(ctx context.Context, p *Pipeline) error
	// QueryTop ranks the pipelines in ids that have scores for m, best
	// first. limit <= 0 returns all of them.
	QueryTop(ctx context.Context, m metric.Metric, ids []string, limit int) ([]Ranked, error)
	// LatestScores returns the per-metric averages of the most recent
	// cross-validation of a pipeline. A pipeline without scores yields an
	// empty map.
	LatestScores(ctx context.Context, id string) (map[string]float64, error)
	// RecordCrossValidation stores one cross-validation run.
	RecordCrossValidation(ctx context.Context, id string, scores []Score) error
	Close() error
}

// Config selects and tunes the database connection.
type Config struct {
	Driver string
	// DSN is the postgres connection string or the sqlite file path.
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	// SlowThreshold logs queries slower than this at WARN.
	SlowThreshold time.Duration
}

// GormStore implements Store on gorm.
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

// Open connects to the database and migrates the schema.
func Open(cfg Config, logger *logging.Logger) (*GormStore, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "", DriverSQLite:
		if cfg.DSN == "" {
			return nil, errors.NewConfigurationError("sqlite database path is required").WithField("store.dsn")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.DSN), 0o755); err != nil {
			return nil, errors.NewPersistenceError("open", err)
		}
		dialector = sqlite.Open(cfg.DSN + "?_busy_timeout=5000&_journal_mode=WAL")
	case DriverPostgres:
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, errors.NewConfigurationError(fmt.Sprintf("unsupported driver %q", cfg.Driver)).WithField("store.driver")
	}

	slow := cfg.SlowThreshold
	if slow <= 0 {
		slow = time.Second
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.New(zap.NewStdLog(logger.Zap()), gormlogger.Config{
			SlowThreshold:             slow,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			ParameterizedQueries:      true,
		}),
	})
	if err != nil {
		return nil, errors.NewPersistenceError("open", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.NewPersistenceError("open", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(Models()...); err != nil {
		_ = sqlDB.Close()
		return nil, errors.NewPersistenceError("migrate", err)
	}
	return &GormStore{db: db}, nil
}

// DB exposes the underlying handle.
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

func (s *GormStore) Get(ctx context.Context, id string) (*Pipeline, error) {
	var p Pipeline
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.NewNotFoundError("pipeline", id)
	}
	if err != nil {
		return nil, errors.NewPersistenceError("get", err).WithPipelineID(id)
	}
	return &p, nil
}

func (s *GormStore) Insert(ctx context.Context, p *Pipeline) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return errors.NewPersistenceError("insert", err).WithPipelineID(p.ID)
	}
	return nil
}

type averageRow struct {
	PipelineID string
	Score      float64
}

func (s *GormStore) QueryTop(ctx context.Context, m metric.Metric, ids []string, limit int) ([]Ranked, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	order := "score ASC"
	if m.Descending() {
		order = "score DESC"
	}

	q := s.db.WithContext(ctx).
		Table("cross_validation_scores AS s").
		Select("cv.pipeline_id AS pipeline_id, AVG(s.value) AS score").
		Joins("JOIN cross_validations AS cv ON cv.id = s.cross_validation_id").
		Where("s.metric = ? AND cv.pipeline_id IN ?", m.Name, ids).
		Group("cv.pipeline_id").
		Order(order)
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []averageRow
	if err := q.Scan(&rows).Error; err != nil {
		return nil, errors.NewPersistenceError("query_top", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	pids := make([]string, len(rows))
	for i, r := range rows {
		pids[i] = r.PipelineID
	}
	var pipelines []Pipeline
	if err := s.db.WithContext(ctx).Where("id IN ?", pids).Find(&pipelines).Error; err != nil {
		return nil, errors.NewPersistenceError("query_top", err)
	}
	byID := make(map[string]Pipeline, len(pipelines))
	for _, p := range pipelines {
		byID[p.ID] = p
	}

	ranked := make([]Ranked, 0, len(rows))
	for _, r := range rows {
		p, ok := byID[r.PipelineID]
		if !ok {
			// Scores recorded for a pipeline that was never inserted.
			p = Pipeline{ID: r.PipelineID}
		}
		ranked = append(ranked, Ranked{Pipeline: p, Score: r.Score})
	}
	return ranked, nil
}

type metricRow struct {
	Metric string
	Score  float64
}

func (s *GormStore) LatestScores(ctx context.Context, id string) (map[string]float64, error) {
	var cv CrossValidation
	err := s.db.WithContext(ctx).
		Where("pipeline_id = ?", id).
		Order("date DESC").Order("id DESC").
		First(&cv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return map[string]float64{}, nil
	}
	if err != nil {
		return nil, errors.NewPersistenceError("latest_scores", err).WithPipelineID(id)
	}

	var rows []metricRow
	err = s.db.WithContext(ctx).
		Model(&CrossValidationScore{}).
		Select("metric, AVG(value) AS score").
		Where("cross_validation_id = ?", cv.ID).
		Group("metric").
		Scan(&rows).Error
	if err != nil {
		return nil, errors.NewPersistenceError("latest_scores", err).WithPipelineID(id)
	}
	scores := make(map[string]float64, len(rows))
	for _, r := range rows {
		scores[r.Metric] = r.Score
	}
	return scores, nil
}

func (s *GormStore) RecordCrossValidation(ctx context.Context, id string, scores []Score) error {
	cv := CrossValidation{PipelineID: id, Date: time.Now()}
	for _, sc := range scores {
		cv.Scores = append(cv.Scores, CrossValidationScore{Metric: metric.CanonicalName(sc.Metric), Fold: sc.Fold, Value: sc.Value})
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&cv).Error
	})
	if err != nil {
		return errors.NewPersistenceError("record_cross_validation", err).WithPipelineID(id)
	}
	return nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
