package session

import (
	"bytes"
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-migrator/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// closedDB never hands out a connection.
func closedDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("mysql", "migrator:secret@tcp(127.0.0.1:3306)/")
	require.NoError(t, err)
	require.NoError(t, db.Close())
	return db
}

func unreachablePair(t *testing.T, logger zerolog.Logger, attempts int, backoff time.Duration) *Session {
	return &Session{
		src:  side{name: Source, db: closedDB(t), database: "shop"},
		dst:  side{name: Destination, db: closedDB(t), database: "shop"},
		opts: options{logger: logger, attempts: attempts, backoff: backoff},
	}
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	var buf bytes.Buffer
	s := unreachablePair(t, zerolog.New(&buf), 3, time.Millisecond)

	err := s.Reconnect(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "reconnect failed after 3 attempts")
	assert.Contains(t, err.Error(), "connect source")
	assert.Equal(t, 3, strings.Count(buf.String(), "Reconnect failed"))
	assert.NotContains(t, buf.String(), "Reconnected")
}

func TestReconnectStopsWhenCancelled(t *testing.T) {
	var buf bytes.Buffer
	s := unreachablePair(t, zerolog.New(&buf), 3, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Reconnect(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, strings.Count(buf.String(), "Reconnect failed"))
}

func TestOpenFailsWithoutConnection(t *testing.T) {
	cfg := &config.Config{
		Source:      config.ServerConfig{Host: "10.0.0.1", Port: 3306, User: "root"},
		Destination: config.ServerConfig{Host: "10.0.0.2", Port: 3306, User: "root"},
		Transfer:    config.TransferConfig{ReconnectAttempts: 3},
	}
	var dsns []string
	openDB := func(o *options) {
		o.openDB = func(dsn string) (*sql.DB, error) {
			dsns = append(dsns, dsn)
			return closedDB(t), nil
		}
	}

	s, err := Open(context.Background(), cfg, "shop", "shop", openDB)

	require.Error(t, err)
	assert.Nil(t, s)
	assert.Contains(t, err.Error(), "connect source")
	require.Len(t, dsns, 2)
	assert.Contains(t, dsns[0], "10.0.0.1:3306")
	assert.Contains(t, dsns[1], "10.0.0.2:3306")
}
