package imessage

import (
	"context"
	"io"
	"log/slog"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perlica/perlica/internal/channel"
)

func TestNormalizeContact(t *testing.T) {
	assert.Equal(t, "+15551234567", normalizeContact("+1 (555) 123-4567"))
	assert.Equal(t, "15551234567", normalizeContact("1.555.123.4567"))
	assert.Equal(t, "user@example.com", normalizeContact("  User@Example.COM "))
	// Neither phone nor e-mail shapes pass through lowercased.
	assert.Equal(t, "some handle", normalizeContact("Some Handle"))
	assert.Equal(t, "", normalizeContact("   "))
}

func TestEscapeAppleScript(t *testing.T) {
	assert.Equal(t, `say \"hi\" \\ bye`, escapeAppleScript(`say "hi" \ bye`))
}

func TestAppleTimestampToTime(t *testing.T) {
	assert.Equal(t,
		time.Date(2001, 1, 1, 0, 0, 1, 0, time.UTC),
		appleTimestampToTime(int64(time.Second)))
}

func TestMatchesPairingCode(t *testing.T) {
	assert.True(t, matchesPairingCode("/pair ABC234", "ABC234"))
	assert.True(t, matchesPairingCode("  /PAIR abc234  ", "ABC234"))
	assert.False(t, matchesPairingCode("/pair ABC234 extra", "ABC234"))
	assert.False(t, matchesPairingCode("/pair WRONG1", "ABC234"))
	assert.False(t, matchesPairingCode("pair ABC234", "ABC234"))
}

func TestOptionsDefaults(t *testing.T) {
	opts := Options{}.withDefaults()
	assert.Equal(t, "~/Library/Messages/chat.db", opts.DatabasePath)
	assert.Equal(t, time.Second, opts.PollInterval)
}

func TestAdapterImplementsContract(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var a channel.Adapter = New(Options{}, logger)
	assert.Equal(t, Name, a.ChannelName())
}

func TestProbeFailsOffMacOS(t *testing.T) {
	if runtime.GOOS == "darwin" {
		t.Skip("stub probe only exists off macOS")
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a := New(Options{}, logger)
	err := a.Probe(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires macOS")
	assert.False(t, a.HealthSnapshot().ListenerAlive)
}
