package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := loadConfig(filepath.Join(t.TempDir(), "missing.json"))

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "file::memory:?cache=shared", cfg.DB)
	assert.Empty(t, cfg.ResultsDB)
	assert.Equal(t, 60, cfg.MeetingTime)
	assert.Equal(t, 120, cfg.MeetingTimeFirstDay)
	assert.Equal(t, 30, cfg.VoteTime)
}

func TestConfigEnvOverrides(t *testing.T) {
	t.Setenv("ADDR", ":9999")
	t.Setenv("VOTE_TIME", "45")
	t.Setenv("LOG_WS", "1")
	t.Setenv("MEETING_TIME", "not-a-number")

	cfg := loadConfig(filepath.Join(t.TempDir(), "missing.json"))

	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, 45, cfg.VoteTime)
	assert.True(t, cfg.LogWS)
	assert.Equal(t, 60, cfg.MeetingTime, "a bad integer keeps the default")
}

func TestConfigJSONOverridesEnv(t *testing.T) {
	t.Setenv("VOTE_TIME", "45")

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"vote_time": 15, "narrator_provider": "ollama"}`), 0644))

	cfg := loadConfig(path)

	assert.Equal(t, 15, cfg.VoteTime, "file beats env")
	assert.Equal(t, "ollama", cfg.NarratorProvider)
	assert.Equal(t, 60, cfg.MeetingTime, "untouched fields keep lower layers")
}

func TestConfigToPhaseTimes(t *testing.T) {
	cfg := defaultConfig()
	times := cfg.toPhaseTimes()

	assert.Equal(t, time.Second, times.Tick)
	assert.Equal(t, cfg.MeetingTimeFirstDay, times.seconds(PhaseMeeting, 1))
	assert.Equal(t, cfg.MeetingTime, times.seconds(PhaseMeeting, 2))
	assert.Equal(t, cfg.NightTimeFirstDay, times.seconds(PhaseNight, 1))
	assert.Equal(t, cfg.PunishTime, times.seconds(PhasePunishment, 3))
}
