package auth

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/XSAM/otelsql"
	_ "github.com/lib/pq"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// SessionValidator answers whether a user's business-logic session is still
// active. A cryptographically valid token whose session was revoked must not
// open a connection.
type SessionValidator interface {
	IsSessionActive(ctx context.Context, userID string) (bool, error)
}

// AllowAll skips the session check. Single-instance and development
// deployments where no session store is reachable.
type AllowAll struct{}

func (AllowAll) IsSessionActive(context.Context, string) (bool, error) {
	return true, nil
}

// SQLSessionValidator checks the platform's session table over Postgres.
type SQLSessionValidator struct {
	db *sql.DB
}

// NewSQLSessionValidator opens the instrumented database handle and waits
// for the database to come up.
func NewSQLSessionValidator(databaseURL string) (*SQLSessionValidator, error) {
	db, err := otelsql.Open("postgres", databaseURL,
		otelsql.WithAttributes(semconv.DBSystemPostgreSQL),
	)
	if err != nil {
		return nil, fmt.Errorf("open session database: %w", err)
	}
	for attempt := 1; attempt <= 30; attempt++ {
		err = db.Ping()
		if err == nil {
			break
		}
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("connect session database: %w", err)
	}
	return &SQLSessionValidator{db: db}, nil
}

func (v *SQLSessionValidator) IsSessionActive(ctx context.Context, userID string) (bool, error) {
	var active bool
	err := v.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM sessions
			WHERE user_id = $1 AND revoked_at IS NULL AND expires_at > now()
		)`, userID).Scan(&active)
	if err != nil {
		return false, fmt.Errorf("session lookup: %w", err)
	}
	return active, nil
}

func (v *SQLSessionValidator) Close() error {
	return v.db.Close()
}
