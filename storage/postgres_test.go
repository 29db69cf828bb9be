package storage

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"freight_scrooper/identity"
	"freight_scrooper/models"
)

func TestListingArgs_KeyedByFingerprint(t *testing.T) {
	a := listing("78B1234", "Fresno, CA", "Reno, NV", 1500)
	b := listing("SYN-FFFF", "Fresno, CA", "Reno, NV", 1500)

	argsA := listingArgs("run-1", &a)
	argsB := listingArgs("run-1", &b)
	require.Len(t, argsA, 11)
	assert.Equal(t, identity.Fingerprint(&a), argsA[0])
	assert.Equal(t, argsA[0], argsB[0])
	assert.Equal(t, "78B1234", argsA[1])
	assert.Equal(t, "run-1", argsA[10])
}

func TestPostgresMirror_Integration(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	m, err := NewPostgresMirror(ctx, dsn, zap.NewNop())
	require.NoError(t, err)
	defer m.Close()

	rec := listing("IT-1", "Integration, TX", "Test, OK", 4242)
	_, err = m.pool.Exec(ctx, `DELETE FROM listings WHERE fingerprint = $1`, identity.Fingerprint(&rec))
	require.NoError(t, err)

	n, err := m.Mirror(ctx, "run-it", []models.ListingRecord{rec})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = m.Mirror(ctx, "run-it", []models.ListingRecord{rec})
	require.NoError(t, err)
	assert.Zero(t, n)
}
