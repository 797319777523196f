package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/randomcorp/platform/pkg/common/config"
	"github.com/randomcorp/platform/pkg/common/logger"
	"gorm.io/gorm"
)

// PostgresProvisioner creates the target database from the administrative
// database and migrates the registered models. Every step is safe to run on
// each startup and tolerates another instance doing the same concurrently.
type PostgresProvisioner struct {
	cfg    config.Database
	open   OpenFunc
	models []interface{}
}

func NewProvisioner(cfg config.Database, open OpenFunc, models ...interface{}) *PostgresProvisioner {
	if open == nil {
		open = OpenPostgres
	}
	return &PostgresProvisioner{cfg: cfg, open: open, models: models}
}

// Ping checks that the administrative database answers. The target
// database may not exist yet, so it is never used here.
func (p *PostgresProvisioner) Ping(ctx context.Context) error {
	return p.withAdmin(ctx, func(db *gorm.DB) error {
		return verify(ctx, db)
	})
}

func (p *PostgresProvisioner) EnsureDatabaseExists(ctx context.Context, name string) error {
	return p.withAdmin(ctx, func(db *gorm.DB) error {
		log := logger.WithField("database", name)

		var count int64
		if err := db.WithContext(ctx).Raw("SELECT COUNT(*) FROM pg_database WHERE datname = ?", name).Scan(&count).Error; err != nil {
			return fmt.Errorf("checking database %s: %w", name, err)
		}
		if count > 0 {
			log.Debug("database already exists")
			return nil
		}

		log.Info("creating database")
		// identifiers cannot be bound as parameters
		stmt := "CREATE DATABASE " + pgx.Identifier{name}.Sanitize()
		if err := db.WithContext(ctx).Exec(stmt).Error; err != nil {
			if IsDuplicateObject(err) {
				log.Warn("database was created by another process")
				return nil
			}
			return fmt.Errorf("creating database %s: %w", name, err)
		}
		log.Info("database created")
		return nil
	})
}

// EnsureTablesExist creates each registered table that is missing, then
// any of its indexes that are missing. Existing tables are never altered.
// A duplicate-object failure means a concurrent instance created the object
// first and is not an error.
func (p *PostgresProvisioner) EnsureTablesExist(ctx context.Context, db *gorm.DB) error {
	if len(p.models) == 0 {
		return nil
	}
	tx := db.WithContext(ctx)
	for _, model := range p.models {
		if err := ensureTable(tx, model); err != nil {
			return err
		}
	}
	logger.Log.Debug("database tables ready")
	return nil
}

func ensureTable(db *gorm.DB, model interface{}) error {
	stmt := &gorm.Statement{DB: db}
	if err := stmt.Parse(model); err != nil {
		return fmt.Errorf("parsing model %T: %w", model, err)
	}
	log := logger.WithField("table", stmt.Table)
	m := db.Migrator()

	if !m.HasTable(model) {
		err := m.CreateTable(model)
		switch {
		case err == nil:
			log.Info("table created")
			return nil
		case IsDuplicateObject(err):
			log.Warn("table was created by another process")
		default:
			return fmt.Errorf("creating table %s: %w", stmt.Table, err)
		}
	}

	for _, idx := range stmt.Schema.ParseIndexes() {
		if m.HasIndex(model, idx.Name) {
			continue
		}
		if err := m.CreateIndex(model, idx.Name); err != nil && !IsDuplicateObject(err) {
			return fmt.Errorf("creating index %s on %s: %w", idx.Name, stmt.Table, err)
		}
		log.WithField("index", idx.Name).Info("index created")
	}
	return nil
}

func (p *PostgresProvisioner) withAdmin(ctx context.Context, fn func(db *gorm.DB) error) error {
	admin := p.cfg.AdminName
	if admin == "" {
		admin = "postgres"
	}
	db, err := p.open(ctx, DSN(p.cfg, admin))
	if err != nil {
		return fmt.Errorf("opening admin connection: %w", err)
	}
	defer closePool(db)
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	return fn(db)
}
