package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitJSONOutputWritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, JSONOutput: true, Output: &buf})

	Logger.Info().Str("key", "value").Msg("hello")

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "hello", decoded["message"])
	assert.Equal(t, "value", decoded["key"])
}

func TestInitDefaultsToInfoLevelForUnknownLevel(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: Level("bogus"), JSONOutput: true, Output: &buf})

	Logger.Debug().Msg("should not appear")
	assert.Empty(t, buf.String())

	Logger.Info().Msg("should appear")
	assert.NotEmpty(t, buf.String())
}

func TestWithComponentAddsField(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, JSONOutput: true, Output: &buf})

	WithComponent("storage").Info().Msg("ping")

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "storage", decoded["component"])
}

func TestTaskJobHostAddComponentAndDomainFields(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, JSONOutput: true, Output: &buf})

	Host("scheduler", "host-1").Info().Msg("m1")
	Job("cron", "role1/prod/job1").Info().Msg("m2")
	Task("state", "task-1").Info().Msg("m3")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 3)

	var first, second, third map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[0], &first))
	require.NoError(t, json.Unmarshal(lines[1], &second))
	require.NoError(t, json.Unmarshal(lines[2], &third))

	assert.Equal(t, "scheduler", first["component"])
	assert.Equal(t, "host-1", first["slave_host"])
	assert.Equal(t, "cron", second["component"])
	assert.Equal(t, "role1/prod/job1", second["job_key"])
	assert.Equal(t, "state", third["component"])
	assert.Equal(t, "task-1", third["task_id"])
}
