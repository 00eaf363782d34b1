package config

import (
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

var (
	db *gorm.DB
)

func GetDB() *gorm.DB {
	return db
}

func init() {
	// a missing .env is fine; the process env still applies
	_ = godotenv.Load()
}

// mysqlDSN builds the DSN from DB_* variables. DB_HOST=/cloudsql/<instance>
// connects over the Cloud SQL proxy socket.
func mysqlDSN() string {
	cfg := gomysql.NewConfig()
	cfg.User = os.Getenv("DB_USER")
	cfg.Passwd = os.Getenv("DB_PASSWORD")
	cfg.DBName = os.Getenv("DB_NAME")
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.Params = map[string]string{"charset": "utf8mb4"}

	host := os.Getenv("DB_HOST")
	if strings.HasPrefix(host, "/cloudsql/") {
		cfg.Net = "unix"
		cfg.Addr = host
	} else {
		cfg.Net = "tcp"
		cfg.Addr = fmt.Sprintf("%s:%s", host, os.Getenv("DB_PORT"))
	}
	return cfg.FormatDSN()
}

// ConnectDatabaseWithRetry blocks until MySQL accepts a connection, then sets
// the handle GetDB returns.
func ConnectDatabaseWithRetry() {
	dsn := mysqlDSN()
	fields := logrus.Fields{"field": "database", "db_name": os.Getenv("DB_NAME")}
	for attempt := 1; ; attempt++ {
		d, err := OpenDB(dsn)
		if err == nil {
			db = d
			GetLogger().WithFields(fields).WithField("attempt", attempt).Info("connected to database")
			return
		}
		sleep := connectBackoff(attempt)
		GetLogger().WithFields(fields).WithField("attempt", attempt).
			Warn("failed to connect database; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}
}

// OpenDB opens a MySQL handle with pool tuning, tracing and the plant guard installed.
// DB_MAX_OPEN_CONNS / DB_MAX_IDLE_CONNS / DB_CONN_MAX_LIFETIME_SECONDS / DB_CONN_MAX_IDLE_TIME_SECONDS
func OpenDB(dsn string) (*gorm.DB, error) {
	d, err := gorm.Open(mysql.Open(dsn), initConfig())
	if err != nil {
		return nil, err
	}
	sqlDB, err := d.DB()
	if err != nil {
		return nil, err
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, err
	}
	if maxOpen := intFromEnv("DB_MAX_OPEN_CONNS", 50); maxOpen > 0 {
		sqlDB.SetMaxOpenConns(maxOpen)
	}
	if maxIdle := intFromEnv("DB_MAX_IDLE_CONNS", 25); maxIdle >= 0 {
		sqlDB.SetMaxIdleConns(maxIdle)
	}
	if life := intFromEnv("DB_CONN_MAX_LIFETIME_SECONDS", 300); life > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(life) * time.Second)
	}
	if idle := intFromEnv("DB_CONN_MAX_IDLE_TIME_SECONDS", 60); idle > 0 {
		sqlDB.SetConnMaxIdleTime(time.Duration(idle) * time.Second)
	}

	if err := d.Use(otelgorm.NewPlugin(otelgorm.WithDBName(os.Getenv("DB_NAME")))); err != nil {
		GetLogger().WithField("field", "database").Warn("otelgorm plugin not installed: " + err.Error())
	}
	if err := d.Use(NewTenantGuardPlugin()); err != nil {
		return nil, fmt.Errorf("install tenant guard plugin: %w", err)
	}
	return d, nil
}

func intFromEnv(key string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return def
	}
	return n
}

func initConfig() *gorm.Config {
	return &gorm.Config{
		Logger:         initLog(),
		NamingStrategy: schema.NamingStrategy{},
		NowFunc:        func() time.Time { return time.Now().UTC() },
	}
}

// GORM_LOG=<file> logs every statement to the file and stdout; otherwise only
// errors reach stdout.
func initLog() logger.Interface {
	cfg := logger.Config{LogLevel: logger.Error, SlowThreshold: time.Second}
	var out io.Writer = os.Stdout
	if logFile := os.Getenv("GORM_LOG"); logFile != "" {
		if f, err := os.Create(logFile); err == nil {
			out = io.MultiWriter(f, os.Stdout)
			cfg.LogLevel = logger.Info
		}
	}
	return logger.New(log.New(out, "\r\n", log.LstdFlags), cfg)
}
