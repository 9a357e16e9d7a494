package directory_test

import (
	"DelayLedger/internal/directory"
	"DelayLedger/internal/errs"
	"DelayLedger/internal/identity"
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	admin   = identity.MustParse("admin")
	airline = identity.MustParse("airline-az")
)

func newRegistry(t *testing.T) *directory.Registry {
	t.Helper()
	reg := directory.NewRegistry(admin)
	require.NoError(t, reg.RegisterCompany(admin, directory.Company{ID: airline, Name: "AZ", MetadataURI: "uri"}))
	return reg
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	reg := newRegistry(t)
	dep := time.Unix(1700000000, 0)

	f, err := reg.RegisterFlight(airline, "az301", dep)
	require.NoError(t, err)
	assert.Equal(t, "AZ301", f.Code)

	got, err := reg.LookupFlight(context.Background(), " AZ301 ")
	require.NoError(t, err)
	assert.Equal(t, airline, got.CompanyID)
	assert.True(t, got.DepartureTime.Equal(dep))
}

func TestRegistry_Rejections(t *testing.T) {
	reg := newRegistry(t)

	err := reg.RegisterCompany(airline, directory.Company{ID: "other"})
	assert.ErrorIs(t, err, errs.ErrUnauthorized)

	_, err = reg.RegisterFlight(identity.MustParse("stranger"), "XX1", time.Now())
	assert.ErrorIs(t, err, errs.ErrUnauthorized)
	assert.ErrorIs(t, err, directory.ErrCompanyNotFound)

	_, err = reg.RegisterFlight(airline, "AZ1", time.Now())
	require.NoError(t, err)
	_, err = reg.RegisterFlight(airline, "az1", time.Now())
	assert.ErrorIs(t, err, directory.ErrFlightExists)

	_, err = reg.LookupFlight(context.Background(), "NOPE")
	assert.ErrorIs(t, err, directory.ErrFlightNotFound)
}

func TestCachedDirectory_FallsThroughWhenRedisDown(t *testing.T) {
	reg := newRegistry(t)
	_, err := reg.RegisterFlight(airline, "AZ301", time.Unix(1700000000, 0))
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	cached := directory.NewCachedDirectory(reg, rdb, time.Minute, zerolog.Nop(), nil)

	f, err := cached.LookupFlight(context.Background(), "az301")
	require.NoError(t, err)
	assert.Equal(t, airline, f.CompanyID)

	_, err = cached.LookupFlight(context.Background(), "missing")
	assert.ErrorIs(t, err, directory.ErrFlightNotFound)
}
