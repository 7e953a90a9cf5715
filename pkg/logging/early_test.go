package logging

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestEarlyLog(out *bytes.Buffer, exited *int) *EarlyLog {
	l := NewEarlyLog("engine-service")
	l.out = out
	l.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600)) }
	l.exit = func(code int) { *exited = code }
	return l
}

func TestEarlyLogFormat(t *testing.T) {
	var out bytes.Buffer
	exited := -1
	l := newTestEarlyLog(&out, &exited)

	l.Info("loading %s", "config.yaml")
	l.Error("Failed to load config: %v", "no such file")

	assert.Equal(t,
		"2026-03-01T11:00:00Z INFO  engine-service: loading config.yaml\n"+
			"2026-03-01T11:00:00Z ERROR engine-service: Failed to load config: no such file\n",
		out.String())
	assert.Equal(t, -1, exited, "Error must leave exiting to the caller")
}

func TestEarlyLogFatalExits(t *testing.T) {
	var out bytes.Buffer
	exited := -1
	l := newTestEarlyLog(&out, &exited)

	l.Fatal("cannot start")

	assert.Equal(t, 1, exited)
	assert.Contains(t, out.String(), "FATAL engine-service: cannot start")
}
