package relay_test

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/tripsaga/internal/config"
	outboxdomain "github.com/smallbiznis/tripsaga/internal/outbox/domain"
	"github.com/smallbiznis/tripsaga/internal/relay"
	"github.com/smallbiznis/tripsaga/internal/relay/cdc"
	"github.com/smallbiznis/tripsaga/internal/relay/polling"
	"github.com/smallbiznis/tripsaga/internal/testsupport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSelectsRelayByMode(t *testing.T) {
	poller := polling.New(nil, nil, nil, nil, nil, nil, polling.Options{})
	forwarder := cdc.New(nil, nil, nil, nil, cdc.Options{})

	for mode, want := range map[string]string{
		config.RelayModeCDC:     cdc.Name,
		config.RelayModePolling: polling.Name,
	} {
		r, err := relay.New(config.Config{Relay: config.RelayConfig{Mode: mode}}, poller, forwarder)
		require.NoError(t, err)
		assert.Equal(t, want, r.Name())
	}

	r, err := relay.New(config.Config{Relay: config.RelayConfig{Mode: config.RelayModeNone}}, poller, forwarder)
	require.NoError(t, err)
	assert.Nil(t, r)

	_, err = relay.New(config.Config{Relay: config.RelayConfig{Mode: "kafka"}}, poller, forwarder)
	assert.ErrorIs(t, err, relay.ErrUnknownMode)
}

func TestReconcileMarksRowsBeforeCutoff(t *testing.T) {
	env := testsupport.NewEnv(t)
	ctx := context.Background()
	writer := env.Outbox.Writer(outboxdomain.ServiceBooking)

	old, err := writer.Append(ctx, env.DB, "BookingCreated", "Booking", "bk-1", nil)
	require.NoError(t, err)
	env.Clock.Advance(time.Hour)
	cutoff := env.Clock.Now()
	env.Clock.Advance(time.Minute)
	fresh, err := writer.Append(ctx, env.DB, "BookingCreated", "Booking", "bk-2", nil)
	require.NoError(t, err)

	marked, err := relay.Reconcile(ctx, env.Outbox, env.Log, cutoff, outboxdomain.ServiceBooking)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{outboxdomain.ServiceBooking: 1}, marked)

	row, err := env.Outbox.Find(ctx, outboxdomain.ServiceBooking, old)
	require.NoError(t, err)
	assert.True(t, row.Processed)
	row, err = env.Outbox.Find(ctx, outboxdomain.ServiceBooking, fresh)
	require.NoError(t, err)
	assert.False(t, row.Processed)
}
