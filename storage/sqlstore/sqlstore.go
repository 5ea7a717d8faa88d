// Package sqlstore implements storage.Store on MySQL.
//
// Every statement runs through the transaction manager's context getter, so
// callers can wrap their own writes and Publish in Manager().Do to commit the
// outbox row together with business data.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	trmsql "github.com/avito-tech/go-transaction-manager/drivers/sql/v2"
	"github.com/avito-tech/go-transaction-manager/trm/v2/manager"
	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/overtonx/sagabus/storage"
)

const (
	tableMessages      = "messages"
	tableDeadLetters   = "dead_letter_messages"
	tableBatches       = "message_batches"
	tableBatchMembers  = "batch_messages"
	tableSubscriptions = "subscriptions"
	tableSagas         = "sagas"
	tableSagaSteps     = "saga_steps"

	mysqlDuplicateEntry = 1062

	// unboundedLimit is the documented MySQL idiom for OFFSET without LIMIT.
	unboundedLimit = uint64(18446744073709551615)
)

const existsQuery = `SELECT 1 FROM %s WHERE id = ?`

var _ storage.Store = (*Store)(nil)

// Store is a MySQL storage.Store. The DSN must set parseTime=true.
type Store struct {
	db        *sql.DB
	trManager *manager.Manager
	getter    *trmsql.CtxGetter
	sb        sq.StatementBuilderType
	logger    *zap.Logger
}

// New creates a Store over db.
func New(db *sql.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:        db,
		trManager: manager.Must(trmsql.NewDefaultFactory(db)),
		getter:    trmsql.DefaultCtxGetter,
		sb:        sq.StatementBuilder.PlaceholderFormat(sq.Question),
		logger:    logger,
	}
}

// Manager returns the transaction manager the store participates in.
func (s *Store) Manager() *manager.Manager {
	return s.trManager
}

func (s *Store) tr(ctx context.Context) trmsql.Tr {
	return s.getter.DefaultTrOrDB(ctx, s.db)
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.tr(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return 0, mapError(err)
	}
	return res.RowsAffected()
}

func (s *Store) execBuilder(ctx context.Context, b sq.Sqlizer) (int64, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build query: %w", err)
	}
	return s.exec(ctx, query, args...)
}

func (s *Store) queryBuilder(ctx context.Context, b sq.Sqlizer) (*sql.Rows, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	return s.tr(ctx).QueryContext(ctx, query, args...)
}

// missing tells a conditional update that matched no row apart: ErrNotFound
// when the row is gone, ErrConflict when it exists in another state.
func (s *Store) missing(ctx context.Context, table, id string) error {
	var one int
	err := s.tr(ctx).QueryRowContext(ctx, fmt.Sprintf(existsQuery, table), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check %s row %s: %w", table, id, err)
	}
	return storage.ErrConflict
}

func mapError(err error) error {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
		return fmt.Errorf("%s: %w", mysqlErr.Message, storage.ErrAlreadyExists)
	}
	return err
}

func offsetLimit(b sq.SelectBuilder, offset, limit int) sq.SelectBuilder {
	if limit > 0 {
		b = b.Limit(uint64(limit))
	} else if offset > 0 {
		b = b.Limit(unboundedLimit)
	}
	if offset > 0 {
		b = b.Offset(uint64(offset))
	}
	return b
}

type rowScanner interface {
	Scan(dest ...any) error
}

// encodeJSON returns a NULL argument for empty documents.
func encodeJSON(v any, empty bool) (any, error) {
	if empty {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func decodeStringMap(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out map[string]string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func timeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func stringArg(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func durationArg(d *time.Duration) any {
	if d == nil {
		return nil
	}
	return d.Milliseconds()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func durationPtr(ms sql.NullInt64) *time.Duration {
	if !ms.Valid {
		return nil
	}
	d := time.Duration(ms.Int64) * time.Millisecond
	return &d
}
