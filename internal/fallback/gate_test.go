package fallback

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testGate(cfg Config) (*Gate, *time.Time) {
	logger, _ := zap.NewDevelopment()
	g := New(cfg, logger)

	now := time.Unix(1_700_000_000, 0)
	g.nowFn = func() time.Time { return now }

	return g, &now
}

func TestAllowsUnknownService(t *testing.T) {
	g, _ := testGate(Config{})

	assert.True(t, g.Allow("terminal"))
}

func TestDemotesAtThreshold(t *testing.T) {
	g, _ := testGate(Config{Threshold: 3, Window: time.Minute, Cooldown: time.Minute})

	g.RecordFailure("terminal")
	g.RecordFailure("terminal")
	assert.True(t, g.Allow("terminal"), "below threshold")

	g.RecordFailure("terminal")
	assert.False(t, g.Allow("terminal"), "at threshold")

	until, demoted := g.Demoted("terminal")
	require.True(t, demoted)
	assert.False(t, until.IsZero())
}

func TestCooldownExpires(t *testing.T) {
	g, now := testGate(Config{Threshold: 2, Window: time.Minute, Cooldown: time.Minute})

	g.RecordFailure("chat")
	g.RecordFailure("chat")
	require.False(t, g.Allow("chat"))

	*now = now.Add(61 * time.Second)
	assert.True(t, g.Allow("chat"))

	// One fresh failure is not enough to re-demote.
	g.RecordFailure("chat")
	assert.True(t, g.Allow("chat"))
}

func TestWindowPrunesOldFailures(t *testing.T) {
	g, now := testGate(Config{Threshold: 3, Window: time.Minute, Cooldown: time.Minute})

	g.RecordFailure("rpc")
	g.RecordFailure("rpc")

	// The early failures scroll out of the window before the third lands.
	*now = now.Add(2 * time.Minute)
	g.RecordFailure("rpc")

	assert.True(t, g.Allow("rpc"))
}

func TestFailuresDuringCooldownDoNotExtendIt(t *testing.T) {
	g, now := testGate(Config{Threshold: 1, Window: time.Minute, Cooldown: time.Minute})

	g.RecordFailure("files")
	until1, demoted := g.Demoted("files")
	require.True(t, demoted)

	*now = now.Add(30 * time.Second)
	g.RecordFailure("files")

	until2, demoted := g.Demoted("files")
	require.True(t, demoted)
	assert.Equal(t, until1, until2)
}

func TestServicesAreIsolated(t *testing.T) {
	g, _ := testGate(Config{Threshold: 1, Window: time.Minute, Cooldown: time.Minute})

	g.RecordFailure("terminal")

	assert.False(t, g.Allow("terminal"))
	assert.True(t, g.Allow("chat"))
}

func TestSnapshot(t *testing.T) {
	g, _ := testGate(Config{Threshold: 2, Window: time.Minute, Cooldown: time.Minute})

	g.RecordFailure("terminal")
	g.RecordFailure("terminal")
	g.RecordFailure("chat")

	snap := g.Snapshot()
	require.Len(t, snap, 2)

	assert.True(t, snap["terminal"].Demoted)
	assert.Equal(t, uint64(1), snap["terminal"].Demotions)
	assert.False(t, snap["chat"].Demoted)
	assert.Equal(t, 1, snap["chat"].RecentFailures)
}
