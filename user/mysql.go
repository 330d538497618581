package user

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	idp "github.com/chimerakang/idp-go"
)

// MySQLConfig holds connection settings for the SQL user directory.
type MySQLConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	PingTimeout     time.Duration
}

// DSN renders the go-sql-driver/mysql data source name.
func (c MySQLConfig) DSN() string {
	cfg := mysql.NewConfig()
	cfg.User = c.User
	cfg.Passwd = c.Password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", c.Host, c.Port)
	cfg.DBName = c.Name
	cfg.ParseTime = true
	cfg.Params = map[string]string{"charset": "utf8mb4"}
	return cfg.FormatDSN()
}

// OpenMySQL opens and pings a MySQL connection pool.
func OpenMySQL(ctx context.Context, c MySQLConfig) (*sql.DB, error) {
	db, err := sql.Open("mysql", c.DSN())
	if err != nil {
		return nil, fmt.Errorf("idp/user: open mysql: %w", err)
	}
	if c.MaxOpenConns > 0 {
		db.SetMaxOpenConns(c.MaxOpenConns)
	}
	if c.MaxIdleConns > 0 {
		db.SetMaxIdleConns(c.MaxIdleConns)
	}
	if c.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(c.ConnMaxLifetime)
	}

	timeout := c.PingTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("idp/user: ping mysql: %w", err)
	}
	return db, nil
}

// SQLBackend reads users from a table with columns
// subject_id, username, password_hash (bcrypt) and claims (JSON object, nullable).
type SQLBackend struct {
	db    *sql.DB
	table string
}

var _ Backend = (*SQLBackend)(nil)

// NewSQLBackend creates a backend over db. table defaults to "users".
func NewSQLBackend(db *sql.DB, table string) *SQLBackend {
	if table == "" {
		table = "users"
	}
	return &SQLBackend{db: db, table: table}
}

func (b *SQLBackend) FindByUsername(ctx context.Context, username string) (*idp.User, error) {
	q := fmt.Sprintf("SELECT subject_id, username, password_hash, claims FROM %s WHERE username = ?", b.table) // #nosec G201 -- table is configuration, not input
	return scanUser(b.db.QueryRowContext(ctx, q, username))
}

func (b *SQLBackend) FindBySubject(ctx context.Context, subjectID string) (*idp.User, error) {
	q := fmt.Sprintf("SELECT subject_id, username, password_hash, claims FROM %s WHERE subject_id = ?", b.table) // #nosec G201 -- table is configuration, not input
	return scanUser(b.db.QueryRowContext(ctx, q, subjectID))
}

// Close closes the connection pool.
func (b *SQLBackend) Close() error {
	return b.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*idp.User, error) {
	var (
		u      idp.User
		claims sql.NullString
	)
	err := row.Scan(&u.SubjectID, &u.Username, &u.PasswordHash, &claims)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, idp.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	if claims.Valid && claims.String != "" {
		if err := json.Unmarshal([]byte(claims.String), &u.Claims); err != nil {
			return nil, idp.ServerError(fmt.Errorf("decode claims for %q: %w", u.SubjectID, err))
		}
	}
	return &u, nil
}
