package log

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func initBuffer(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})
	return &buf
}

func TestChildLoggersCarryFields(t *testing.T) {
	buf := initBuffer(t)

	// Chained level calls on the helper returns must work directly.
	WithComponent("api").Info().Msg("request")
	WithWorkerID("w1-abc").Debug().Msg("claimed")
	WithJobID(42).Warn().Msg("heartbeat failed")
	WithProject("trip").Info().Msg("scavenged")

	out := buf.String()
	assert.Contains(t, out, `"component":"api"`)
	assert.Contains(t, out, `"worker_id":"w1-abc"`)
	assert.Contains(t, out, `"job_id":42`)
	assert.Contains(t, out, `"project":"trip"`)
}

func TestChildLoggerExtendsWithContext(t *testing.T) {
	buf := initBuffer(t)

	logger := WithComponent("worker").With().Int64("job_id", 7).Logger()
	logger.Info().Msg("job claimed")

	out := buf.String()
	assert.Contains(t, out, `"component":"worker"`)
	assert.Contains(t, out, `"job_id":7`)
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, JSONOutput: true, Output: &buf})

	WithComponent("api").Debug().Msg("dropped")
	WithComponent("api").Warn().Msg("kept")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "kept")
}
