// Package db holds the MySQL-backed pairing registry used when the relay
// runs with --registry mysql.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"timer-link/pkg/model"
)

// MySQLConfig is the connection setting; DSN wins over the parts.
type MySQLConfig struct {
	DSN      string
	Host     string
	Port     string
	User     string
	Password string
	Database string
}

// ConfigFromEnv reads the connection from the environment and a local .env.
// Env:
//
//	MYSQL_DSN or MYSQL_HOST, MYSQL_PORT, MYSQL_USER, MYSQL_PASS, MYSQL_DB
func ConfigFromEnv() MySQLConfig {
	_ = loadDotEnv()
	return MySQLConfig{
		DSN:      os.Getenv("MYSQL_DSN"),
		Host:     getenv("MYSQL_HOST", "127.0.0.1"),
		Port:     getenv("MYSQL_PORT", "3306"),
		User:     getenv("MYSQL_USER", "root"),
		Password: getenv("MYSQL_PASS", ""),
		Database: getenv("MYSQL_DB", "timer_link"),
	}
}

func (c MySQLConfig) dsn() string {
	if c.DSN != "" {
		return c.DSN
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local", c.User, c.Password, c.Host, c.Port, c.Database)
}

// Open connects to MySQL and runs migrations. A missing database is created
// when the DSN is built from parts.
func Open(c MySQLConfig) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}
	db, err := gorm.Open(mysql.Open(c.dsn()), cfg)
	if err != nil {
		if !strings.Contains(err.Error(), "Unknown database") || c.DSN != "" {
			return nil, fmt.Errorf("open mysql: %w", err)
		}
		if cerr := createDatabase(c); cerr != nil {
			return nil, fmt.Errorf("create database failed: %w", cerr)
		}
		db, err = gorm.Open(mysql.Open(c.dsn()), cfg)
		if err != nil {
			return nil, fmt.Errorf("open mysql: %w", err)
		}
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(20)
	if err := db.AutoMigrate(&model.Pairing{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func loadDotEnv() error {
	if _, err := os.Stat(".env"); err == nil {
		return godotenv.Load(".env")
	}
	return nil
}

func createDatabase(c MySQLConfig) error {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/", c.User, c.Password, c.Host, c.Port)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	_, err = db.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s` DEFAULT CHARACTER SET utf8mb4", c.Database))
	return err
}
