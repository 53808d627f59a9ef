package store

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Sentinel errors for store operations. Check with errors.Is.
var (
	// ErrUnknownConversation indicates the referenced conversation does not
	// exist (never created, or deleted).
	ErrUnknownConversation = errors.New("unknown conversation")

	// ErrStorageUnavailable indicates the database cannot be reached.
	// Callers should surface this as a service-level failure, not a client
	// error.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// classifyErr wraps infrastructure-level database failures in
// ErrStorageUnavailable so callers can distinguish "the database is down"
// from "your request was wrong". Other errors pass through unchanged.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// SQLSTATE class 08 covers connection exceptions
		if strings.HasPrefix(pgErr.Code, "08") {
			return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
		}
		return err
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}

	return err
}
