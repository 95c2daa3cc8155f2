package sqlexec

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"fanoutctl/internal/domain"
)

type statementOutcome struct {
	result domain.StatementResult
	err    error
}

// querier is the narrow execution seam runStatement depends on, rather than
// the concrete *pgxpool.Conn. The production path satisfies it with
// pgxQuerier; tests substitute a fake to drive the auto-rollback/
// continueOnError state machine without a live Postgres connection.
type querier interface {
	execStatement(ctx context.Context, stmt string) statementOutcome
}

// pgxQuerier adapts a live pool connection to querier.
type pgxQuerier struct {
	conn *pgxpool.Conn
}

func (q pgxQuerier) execStatement(ctx context.Context, stmt string) statementOutcome {
	rows, err := q.conn.Query(ctx, stmt)
	if err != nil {
		return statementOutcome{err: err}
	}
	defer rows.Close()

	fieldDescs := rows.FieldDescriptions()
	fields := make([]domain.StatementField, 0, len(fieldDescs))
	for _, fd := range fieldDescs {
		fields = append(fields, domain.StatementField{Name: fd.Name, DataTypeID: fd.DataTypeOID})
	}

	var resultRows [][]any
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return statementOutcome{err: err}
		}
		resultRows = append(resultRows, vals)
	}
	if err := rows.Err(); err != nil {
		return statementOutcome{err: err}
	}

	tag := rows.CommandTag()
	res := domain.StatementResult{
		Command:  commandFromTag(tag),
		RowCount: tag.RowsAffected(),
		Fields:   fields,
		Rows:     resultRows,
	}
	if len(fields) > 0 {
		res.RowCount = int64(len(resultRows))
	}
	return statementOutcome{result: res}
}

// runStatement executes one statement through q, racing it against timeout.
// The Promise.race pattern from the original source (§9) becomes a select
// between "statement complete" and "deadline"; the losing branch's context
// is cancelled so the underlying engine operation does not leak.
func (e *Executor) runStatement(ctx context.Context, q querier, stmt string, timeout time.Duration) domain.StatementResult {
	start := time.Now()
	stmtCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan statementOutcome, 1)
	go func() {
		done <- q.execStatement(stmtCtx, stmt)
	}()

	select {
	case outcome := <-done:
		sr := outcome.result
		sr.Statement = stmt
		sr.DurationMs = time.Since(start).Milliseconds()
		if outcome.err != nil {
			sr.Success = false
			sr.Error = outcome.err.Error()
		} else {
			sr.Success = true
		}
		return sr
	case <-stmtCtx.Done():
		cancel() // cancel the losing branch; its goroutine observes ctx.Err() on its next pgx call
		return domain.StatementResult{
			Statement:  stmt,
			Success:    false,
			Error:      fmt.Sprintf("Statement timeout after %dms", timeout.Milliseconds()),
			DurationMs: time.Since(start).Milliseconds(),
		}
	}
}

func commandFromTag(tag pgconn.CommandTag) string {
	switch {
	case tag.Insert():
		return "INSERT"
	case tag.Update():
		return "UPDATE"
	case tag.Delete():
		return "DELETE"
	case tag.Select():
		return "SELECT"
	default:
		return tag.String()
	}
}
