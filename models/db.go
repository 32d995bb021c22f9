package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"StoryToVideo-pipeline/config"
	"StoryToVideo-pipeline/logger"

	_ "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var DB *sql.DB
var GormDB *gorm.DB

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("record not found")

// InitDB 按配置打开数据库并自动建表，在 main.go 中调用
func InitDB() {
	log := logger.Get("app")
	if config.AppConfig == nil {
		log.Fatal("config.AppConfig is nil, call config.InitConfig first")
	}
	db, err := Open(config.AppConfig.Database.Driver, config.AppConfig.Database.DSN)
	if err != nil {
		log.Fatalf("数据库初始化失败: %v", err)
	}
	GormDB = db
	DB, _ = db.DB()
	log.Infof("数据库连接成功 (%s)", config.AppConfig.Database.Driver)
}

// Open 打开 mysql 或 sqlite 并执行 AutoMigrate
func Open(driver, dsn string) (*gorm.DB, error) {
	gcfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)}

	var (
		gdb *gorm.DB
		err error
	)
	switch driver {
	case "mysql":
		sqlDB, err := sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("打开数据库失败: %w", err)
		}
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(time.Hour)
		if err := sqlDB.Ping(); err != nil {
			return nil, fmt.Errorf("连接数据库失败: %w", err)
		}
		gdb, err = gorm.Open(mysql.New(mysql.Config{Conn: sqlDB}), gcfg)
		if err != nil {
			return nil, fmt.Errorf("GORM 初始化失败: %w", err)
		}
	case "sqlite":
		gdb, err = gorm.Open(sqlite.Open(dsn), gcfg)
		if err != nil {
			return nil, fmt.Errorf("GORM 初始化失败: %w", err)
		}
		// sqlite 单写者
		if sqlDB, err := gdb.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	if err := gdb.AutoMigrate(&Run{}, &Checkpoint{}, &Character{}); err != nil {
		return nil, fmt.Errorf("自动建表失败: %w", err)
	}
	return gdb, nil
}

// Run CRUD

func CreateRun(ctx context.Context, db *gorm.DB, r *Run) error {
	now := time.Now()
	r.CreatedAt = now
	r.UpdatedAt = now
	return db.WithContext(ctx).Create(r).Error
}

func GetRunByID(ctx context.Context, db *gorm.DB, id string) (*Run, error) {
	var r Run
	if err := db.WithContext(ctx).First(&r, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}

// SaveRun 整行写回
func SaveRun(ctx context.Context, db *gorm.DB, r *Run) error {
	r.UpdatedAt = time.Now()
	return db.WithContext(ctx).Save(r).Error
}

func DeleteRun(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("run_id = ?", id).Delete(&Checkpoint{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&Run{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// Character CRUD

func SaveCharacter(ctx context.Context, db *gorm.DB, c *Character) error {
	c.UpdatedAt = time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = c.UpdatedAt
	}
	return db.WithContext(ctx).Save(c).Error
}

func GetCharacterByID(ctx context.Context, db *gorm.DB, id string) (*Character, error) {
	var c Character
	if err := db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}
