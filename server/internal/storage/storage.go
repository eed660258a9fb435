package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"postpulse/server/internal/domain"
	"postpulse/server/internal/logging"
)

//go:embed schema_sqlite.sql schema_postgres.sql
var schemaFS embed.FS

// Dialect 决定占位符与 schema 方言。
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

const defaultTxTimeout = 5 * time.Second

// Config 持久化网关配置
type Config struct {
	Driver          string // sqlite3 | postgres | pgx
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	TxTimeout       time.Duration
}

// Queryer 是 *DB 与 *Tx 的公共读写接口，SQL 一律使用 ? 占位符。
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// TxObserver 接收事务结果（commit / rollback / panic / begin_failed / commit_failed）。
type TxObserver func(outcome string)

// DB 持久化网关：包装底层存储并提供有界的原子事务。
type DB struct {
	db        *sql.DB
	dialect   Dialect
	txTimeout time.Duration
	logger    logging.Logger
	observer  TxObserver
	now       func() time.Time
}

// Option 配置 DB。
type Option func(*DB)

// WithTxTimeout 设置单个事务的超时时间。
func WithTxTimeout(d time.Duration) Option {
	return func(db *DB) {
		if d > 0 {
			db.txTimeout = d
		}
	}
}

// WithObserver 设置事务结果观察者（用于指标）。
func WithObserver(o TxObserver) Option {
	return func(db *DB) { db.observer = o }
}

// WithLogger 设置 logger。
func WithLogger(l logging.Logger) Option {
	return func(db *DB) { db.logger = l }
}

// WithClock 注入时钟，测试用。
func WithClock(now func() time.Time) Option {
	return func(db *DB) { db.now = now }
}

// New 包装已打开的 *sql.DB（sqlmock 测试直接使用）。
func New(sqlDB *sql.DB, dialect Dialect, opts ...Option) *DB {
	d := &DB{
		db:        sqlDB,
		dialect:   dialect,
		txTimeout: defaultTxTimeout,
		logger:    logging.NewDiscard(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Open 按驱动打开数据库、配置连接池并应用 schema。
//
// sqlite3 通过 DSN 参数按连接开启 WAL、外键与 busy_timeout，并使用 BEGIN IMMEDIATE，
// 使写事务在开始时就拿到写锁，读请求在 WAL 下不被写事务阻塞。
func Open(ctx context.Context, cfg Config, opts ...Option) (*DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	var (
		dialect Dialect
		dsn     = cfg.DSN
	)
	switch cfg.Driver {
	case "sqlite3":
		dialect = DialectSQLite
		dsn = sqliteDSN(cfg.DSN)
	case "postgres", "pgx":
		dialect = DialectPostgres
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	sqlDB, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	d := New(sqlDB, dialect, append([]Option{WithTxTimeout(cfg.TxTimeout)}, opts...)...)
	if err := d.Migrate(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	d.logger.WithFields(logging.Fields{
		"component":      "storage",
		"driver":         cfg.Driver,
		"max_open_conns": cfg.MaxOpenConns,
		"tx_timeout":     d.txTimeout,
	}).Info("Database connected")
	return d, nil
}

func sqliteDSN(dsn string) string {
	params := []string{"_foreign_keys=on", "_busy_timeout=5000", "_journal_mode=WAL", "_txlock=immediate"}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

// Migrate 幂等地应用 schema。
func (d *DB) Migrate(ctx context.Context) error {
	file := "schema_sqlite.sql"
	if d.dialect == DialectPostgres {
		file = "schema_postgres.sql"
	}
	data, err := schemaFS.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}
	for _, stmt := range strings.Split(string(data), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Close 关闭底层连接池。
func (d *DB) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Ping 健康检查用。
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Dialect 返回当前方言。
func (d *DB) Dialect() Dialect { return d.dialect }

// Now 返回存储层统一使用的时间（UTC，微秒精度，与 postgres 精度一致）。
func (d *DB) Now() time.Time {
	return d.now().UTC().Truncate(time.Microsecond)
}

func (d *DB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return d.db.ExecContext(ctx, Rebind(d.dialect, query), args...)
}

func (d *DB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return d.db.QueryContext(ctx, Rebind(d.dialect, query), args...)
}

func (d *DB) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return d.db.QueryRowContext(ctx, Rebind(d.dialect, query), args...)
}

// Tx 事务句柄，只在 WithTransaction 的回调内有效。
type Tx struct {
	tx      *sql.Tx
	dialect Dialect
}

func (t *Tx) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return t.tx.ExecContext(ctx, Rebind(t.dialect, query), args...)
}

func (t *Tx) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, Rebind(t.dialect, query), args...)
}

func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return t.tx.QueryRowContext(ctx, Rebind(t.dialect, query), args...)
}

// WithTransaction 开启事务执行 fn：正常返回则提交，返回错误或 panic 则回滚。
// fn 必须使用传入的 ctx，它带有事务超时。
//
// 约定：
// - fn 返回的校验/不存在错误原样返回（已回滚）；其它错误包装为 TransactionError。
// - 整个事务受 txTimeout 约束，超时回滚并返回 Transient 的 TransactionError。
// - panic 回滚后继续向上抛出。
func (d *DB) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, d.txTimeout)
	defer cancel()

	sqlTx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		d.observe("begin_failed")
		return d.txError(ctx, "begin", err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			d.observe("panic")
			panic(p)
		}
	}()

	if err := fn(ctx, &Tx{tx: sqlTx, dialect: d.dialect}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			d.logger.WithError(rbErr).WithField("component", "storage").Warn("Rollback failed")
		}
		d.observe("rollback")
		if domain.IsDomain(err) {
			return err
		}
		return d.txError(ctx, "exec", err)
	}

	if err := sqlTx.Commit(); err != nil {
		d.observe("commit_failed")
		return d.txError(ctx, "commit", err)
	}
	committed = true
	d.observe("commit")
	return nil
}

func (d *DB) txError(ctx context.Context, op string, err error) error {
	var txErr *domain.TransactionError
	if errors.As(err, &txErr) {
		return err
	}
	transient := ctx.Err() != nil ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
	return &domain.TransactionError{Op: op, Transient: transient, Err: err}
}

func (d *DB) observe(outcome string) {
	if d.observer != nil {
		d.observer(outcome)
	}
}

// Rebind 将 ? 占位符转换为 postgres 的 $n。SQL 文本中不得出现字面量问号。
func Rebind(dialect Dialect, query string) string {
	if dialect != DialectPostgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Placeholders 生成 n 个以逗号分隔的 ?，用于 IN 列表。
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// InsertReturningID 执行 INSERT ... RETURNING id 并返回新 id。
func InsertReturningID(ctx context.Context, q Queryer, query string, args ...interface{}) (int64, error) {
	var id int64
	if err := q.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
