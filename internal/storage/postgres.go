package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	logx "remindbot/pkg/logx"
)

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	st := &sqlStore{
		db:  db,
		log: log,
		d: dialect{
			name:     "postgres",
			numbered: true,
			// Renumbering reads then rewrites an owner's rows; serializable
			// turns concurrent renumbers into retryable conflicts.
			txOptions: &sql.TxOptions{Isolation: sql.LevelSerializable},
			unique:    func(err error) bool { return pqCode(err) == "23505" },
			retryable: func(err error) bool {
				c := pqCode(err)
				return c == "40001" || c == "40P01"
			},
		},
		retries: 3,
	}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("postgres store opened")
	return st, nil
}

func pqCode(err error) pq.ErrorCode {
	var pe *pq.Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}
