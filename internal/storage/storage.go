// Package storage opens the shared database handle the Cursor Store
// and Sink both write through, generalizing the teacher's
// ServiceContext.OpenDatabase (node/service.go) from a choice of
// embedded KV engines (LevelDB/Badger) to a single SQL-wire handle
// suitable for the columnar analytics store's insert/query interface.
package storage

import (
	"fmt"

	"github.com/jinzhu/gorm"
	_ "github.com/go-sql-driver/mysql"

	"github.com/dualchain/ingestd/internal/xlog"
)

var logger = xlog.NewModuleLogger("storage")

// Open connects to the analytics store via its MySQL-wire-compatible
// endpoint. DSN is in go-sql-driver/mysql's standard form, e.g.
// "user:pass@tcp(host:9000)/dbname?parseTime=true".
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.DB().SetMaxOpenConns(20)
	db.DB().SetMaxIdleConns(5)
	if err := db.DB().Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}
	logger.Info("connected to analytics store")
	return db, nil
}
