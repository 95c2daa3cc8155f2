package pool

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fanoutctl/internal/domain"
)

const adminConnectTimeout = sqlConnectTimeout

// CancelBackend issues pg_cancel_backend(pid) over a short-lived direct
// connection, not one borrowed from the target's own work pool: every
// connection of the work pool (up to its max of 20) can be checked out by
// long-running statements, which would delay or block the cancel query at
// the moment cancellation is most needed.
func (r *Registry) CancelBackend(ctx context.Context, handle domain.DatabaseHandle, pid uint32) (bool, error) {
	_, db, err := r.findDatabase(handle)
	if err != nil {
		return false, err
	}

	connectCtx, cancel := context.WithTimeout(ctx, adminConnectTimeout)
	defer cancel()

	conn, err := pgx.Connect(connectCtx, dsn(db))
	if err != nil {
		return false, fmt.Errorf("open admin connection: %w", err)
	}
	defer conn.Close(context.Background())

	var canceled bool
	row := conn.QueryRow(ctx, "SELECT pg_cancel_backend($1)", pid)
	if err := row.Scan(&canceled); err != nil {
		return false, fmt.Errorf("pg_cancel_backend: %w", err)
	}
	return canceled, nil
}

// BackendPID retrieves the server process id of a just-acquired connection,
// used by the SQL Fan-Out Executor to register the active-client entry's
// engine session id.
func BackendPID(conn *pgxpool.Conn) uint32 {
	return conn.Conn().PgConn().PID()
}
