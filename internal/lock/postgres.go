package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
)

// Postgres holds session-level advisory locks on a dedicated connection, for
// deployments that share a database but no Redis.
type Postgres struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Locker = (*Postgres)(nil)

func NewPostgres(db *sql.DB, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}

	return &Postgres{db: db, logger: logger}
}

func advisoryKey(key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(keyPrefix))
	h.Write([]byte(key))

	return int64(h.Sum64())
}

// Lock blocks in pg_advisory_lock until the key is free or ctx is done.
func (p *Postgres) Lock(ctx context.Context, key string) (func(), error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("reserving lock connection: %w", err)
	}

	id := advisoryKey(key)

	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", id); err != nil {
		conn.Close()

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s", ErrNotObtained, key)
		}

		return nil, fmt.Errorf("acquiring advisory lock %s: %w", key, err)
	}

	return func() {
		if _, err := conn.ExecContext(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", id); err != nil {
			p.logger.Warn("failed to release advisory lock", "key", key, "error", err)
		}

		conn.Close()
	}, nil
}
