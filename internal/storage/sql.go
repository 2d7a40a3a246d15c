package storage

import (
	"context"
	"database/sql"
	"io"
	"strings"
	"sync"
	"time"

	// Drivers of the supported databases.
	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"github.com/milkywaybrain/tradelog/internal/config"
	"github.com/milkywaybrain/tradelog/internal/execution"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// SQL is for connecting, inserting and querying executions in mysql or sqlite.
type SQL struct {
	DB            *sql.DB
	Driver        string
	ReqTimeoutSec int
}

var (
	sqlMu  sync.Mutex
	mysql  *SQL
	sqlite *SQL
)

const createExecutionTable = `CREATE TABLE IF NOT EXISTS execution (
	exchange VARCHAR(32) NOT NULL,
	market VARCHAR(32) NOT NULL,
	id BIGINT NOT NULL,
	side VARCHAR(4) NOT NULL,
	price VARCHAR(40) NOT NULL,
	size VARCHAR(40) NOT NULL,
	millis BIGINT NOT NULL,
	consecutive SMALLINT NOT NULL,
	delay SMALLINT NOT NULL,
	PRIMARY KEY (exchange, market, id)
)`

// InitMySQL initializes mysql connection with configured values.
func InitMySQL(cfg *config.MySQL) (*SQL, error) {
	sqlMu.Lock()
	defer sqlMu.Unlock()
	if mysql == nil {
		dataSourceName := cfg.User + ":" + cfg.Password + cfg.URL + "/" + cfg.Schema
		db, err := sql.Open("mysql", dataSourceName)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		db.SetConnMaxLifetime(time.Second * time.Duration(cfg.ConnMaxLifetimeSec))
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)

		s, err := NewSQL(db, "mysql", cfg.ReqTimeoutSec)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		mysql = s
	}
	return mysql, nil
}

// InitSQLite opens or creates the sqlite database at the configured path.
func InitSQLite(cfg *config.SQLite) (*SQL, error) {
	sqlMu.Lock()
	defer sqlMu.Unlock()
	if sqlite == nil {
		db, err := sql.Open("sqlite", cfg.Path)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		// Single writer, WAL allows concurrent readers.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
			_ = db.Close()
			return nil, errors.Wrap(err, "set WAL mode")
		}
		s, err := NewSQL(db, "sqlite", cfg.ReqTimeoutSec)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		sqlite = s
	}
	return sqlite, nil
}

// GetMySQL returns already prepared mysql instance.
func GetMySQL() *SQL {
	sqlMu.Lock()
	defer sqlMu.Unlock()
	return mysql
}

// GetSQLite returns already prepared sqlite instance.
func GetSQLite() *SQL {
	sqlMu.Lock()
	defer sqlMu.Unlock()
	return sqlite
}

// NewSQL checks the connection and creates the execution table if needed.
func NewSQL(db *sql.DB, driver string, reqTimeoutSec int) (*SQL, error) {
	s := &SQL{DB: db, Driver: driver, ReqTimeoutSec: reqTimeoutSec}
	ctx, cancel := s.timeout(context.Background())
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, errors.WithStack(err)
	}
	if _, err := db.ExecContext(ctx, createExecutionTable); err != nil {
		return nil, errors.Wrap(err, "create execution table")
	}
	return s, nil
}

func (s *SQL) timeout(appCtx context.Context) (context.Context, context.CancelFunc) {
	if s.ReqTimeoutSec > 0 {
		return context.WithTimeout(appCtx, time.Duration(s.ReqTimeoutSec)*time.Second)
	}
	return appCtx, func() {}
}

// CommitTrades batch inserts input trade data to database. Already stored executions are skipped.
func (s *SQL) CommitTrades(appCtx context.Context, data []Trade) error {
	if len(data) == 0 {
		return nil
	}
	var sb strings.Builder
	if s.Driver == "sqlite" {
		sb.WriteString("INSERT OR IGNORE INTO ")
	} else {
		sb.WriteString("INSERT IGNORE INTO ")
	}
	sb.WriteString("execution(exchange, market, id, side, price, size, millis, consecutive, delay) VALUES ")
	args := make([]interface{}, 0, len(data)*9)
	for i, trade := range data {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args, trade.Exchange, trade.MktCommitName, trade.ID, trade.Orientation.String(), trade.Price.String(), trade.Size.String(), trade.Millis, int(trade.Consecutive), int(trade.Delay))
	}
	ctx, cancel := s.timeout(appCtx)
	defer cancel()
	_, err := s.DB.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// Repository returns the executions of one market stored in the database as an external
// source of complete days.
func (s *SQL) Repository(exchange string, market string) *SQLRepository {
	return &SQLRepository{sql: s, exchange: exchange, market: market}
}

// SQLRepository serves complete days of a market from the database.
type SQLRepository struct {
	sql      *SQL
	exchange string
	market   string
}

const dayMillis = int64(24 * time.Hour / time.Millisecond)

func dayBounds(date time.Time) (int64, int64) {
	y, m, d := date.UTC().Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, time.UTC).UnixNano() / int64(time.Millisecond)
	return start, start + dayMillis
}

// Exists reports whether the database holds the day completely, which is known once an
// execution of a later day is stored too.
func (r *SQLRepository) Exists(appCtx context.Context, date time.Time) (bool, error) {
	start, end := dayBounds(date)
	ctx, cancel := r.sql.timeout(appCtx)
	defer cancel()

	var count int64
	err := r.sql.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM execution WHERE exchange = ? AND market = ? AND millis >= ? AND millis < ?", r.exchange, r.market, start, end).Scan(&count)
	if err != nil {
		return false, errors.WithStack(err)
	}
	if count == 0 {
		return false, nil
	}
	var later int64
	err = r.sql.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM execution WHERE exchange = ? AND market = ? AND millis >= ?", r.exchange, r.market, end).Scan(&later)
	if err != nil {
		return false, errors.WithStack(err)
	}
	return later > 0, nil
}

// Fetch reads the executions of the day in id order.
func (r *SQLRepository) Fetch(ctx context.Context, date time.Time) (execution.Iterator, error) {
	start, end := dayBounds(date)
	rows, err := r.sql.DB.QueryContext(ctx, "SELECT id, side, price, size, millis, consecutive, delay FROM execution WHERE exchange = ? AND market = ? AND millis >= ? AND millis < ? ORDER BY id", r.exchange, r.market, start, end)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &rowsIterator{rows: rows}, nil
}

// rowsIterator turns query rows into executions.
type rowsIterator struct {
	rows *sql.Rows
}

func (it *rowsIterator) Next(ctx context.Context) (execution.Execution, error) {
	if err := ctx.Err(); err != nil {
		return execution.Execution{}, err
	}
	if !it.rows.Next() {
		if err := it.rows.Err(); err != nil {
			return execution.Execution{}, errors.WithStack(err)
		}
		return execution.Execution{}, io.EOF
	}
	var (
		id, millis         int64
		side, price, size  string
		consecutive, delay int
	)
	if err := it.rows.Scan(&id, &side, &price, &size, &millis, &consecutive, &delay); err != nil {
		return execution.Execution{}, errors.WithStack(err)
	}
	orientation, err := execution.ParseOrientation(side)
	if err != nil {
		return execution.Execution{}, errors.Wrap(execution.ErrCorruptRecord, err.Error())
	}
	p, err := decimal.NewFromString(price)
	if err != nil {
		return execution.Execution{}, errors.Wrapf(execution.ErrCorruptRecord, "price %q", price)
	}
	sz, err := decimal.NewFromString(size)
	if err != nil {
		return execution.Execution{}, errors.Wrapf(execution.ErrCorruptRecord, "size %q", size)
	}
	return execution.New(id, orientation, p, sz, time.Unix(0, millis*int64(time.Millisecond))).
		WithConsecutive(execution.Consecutive(consecutive)).
		WithDelay(execution.Delay(delay)), nil
}

func (it *rowsIterator) Close() error {
	return it.rows.Close()
}
