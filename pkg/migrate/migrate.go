// Package migrate 基于 golang-migrate 执行版本化数据库迁移
package migrate

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

// Migrator 迁移器
type Migrator struct {
	db          *sql.DB
	logger      *zap.Logger
	serviceName string
	fsys        fs.FS
	path        string
}

// NewMigrator 创建迁移器，path 为 fsys 内迁移文件所在目录
func NewMigrator(db *sql.DB, serviceName string, fsys fs.FS, path string, logger *zap.Logger) *Migrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path == "" {
		path = "."
	}
	return &Migrator{
		db:          db,
		logger:      logger,
		serviceName: serviceName,
		fsys:        fsys,
		path:        path,
	}
}

func (m *Migrator) open() (*migrate.Migrate, error) {
	source, err := iofs.New(m.fsys, m.path)
	if err != nil {
		return nil, fmt.Errorf("create migration source failed: %w", err)
	}

	driver, err := postgres.WithInstance(m.db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("create postgres driver failed: %w", err)
	}

	mg, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrator failed: %w", err)
	}
	return mg, nil
}

// Up 执行全部未应用的迁移
func (m *Migrator) Up() error {
	return m.run("up", func(mg *migrate.Migrate) error { return mg.Up() })
}

// Rollback 回滚一个版本
func (m *Migrator) Rollback() error {
	return m.run("rollback", func(mg *migrate.Migrate) error { return mg.Steps(-1) })
}

// Version 当前版本
func (m *Migrator) Version() (uint, bool, error) {
	mg, err := m.open()
	if err != nil {
		return 0, false, err
	}
	defer mg.Close()

	version, dirty, err := mg.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (m *Migrator) run(action string, fn func(*migrate.Migrate) error) error {
	m.logger.Info("migration started",
		zap.String("service", m.serviceName),
		zap.String("action", action))

	mg, err := m.open()
	if err != nil {
		return err
	}
	defer mg.Close()

	if err := fn(mg); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			m.logger.Info("no migration changes", zap.String("service", m.serviceName), zap.String("action", action))
			return nil
		}
		return fmt.Errorf("%s migration failed: %w", action, err)
	}

	version, dirty, err := mg.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("get migration version failed: %w", err)
	}

	m.logger.Info("migration completed",
		zap.String("service", m.serviceName),
		zap.String("action", action),
		zap.Uint("version", version),
		zap.Bool("dirty", dirty))
	return nil
}
