package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPostgresPoolSize(t *testing.T) {
	maxConns, minConns := postgresPoolSize(0, 0)
	assert.Equal(t, defaultPostgresMaxConns, maxConns)
	assert.Equal(t, defaultPostgresMinConns, minConns)

	maxConns, minConns = postgresPoolSize(50, 10)
	assert.Equal(t, 50, maxConns)
	assert.Equal(t, 10, minConns)

	// The idle floor never exceeds the open ceiling.
	maxConns, minConns = postgresPoolSize(4, 0)
	assert.Equal(t, 4, maxConns)
	assert.Equal(t, 4, minConns)
}
