package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fairplay-backend/internal/fairness"
	"fairplay-backend/internal/services"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := RootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestHashCommand(t *testing.T) {
	out, err := run(t, "hash", "abc")
	require.NoError(t, err)
	assert.Equal(t, fairness.HashServerSeed("abc")+"\n", out)
}

func TestVerifyCommand(t *testing.T) {
	out, err := run(t, "verify", "-m", "dice", "--target", "50", "-s", "server", "-c", "client", "-n", "3", "--stake", "100",
		"--hash", fairness.HashServerSeed("server"))
	require.NoError(t, err)

	var res struct {
		Mode   string `json:"mode"`
		Nonce  uint64 `json:"nonce"`
		Payout int64  `json:"payout"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "dice", res.Mode)
	assert.Equal(t, uint64(3), res.Nonce)
	assert.Contains(t, []int64{0, 198}, res.Payout)

	_, err = run(t, "verify", "-m", "dice", "--target", "50", "-s", "server", "--hash", "00")
	assert.Error(t, err)
	_, err = run(t, "verify", "-m", "dice", "--target", "50")
	assert.Error(t, err)
	_, err = run(t, "verify", "-m", "mines", "--mines", "3", "-s", "server", "--reveals", "1,x")
	assert.Error(t, err)
}

func TestSimulateCommand(t *testing.T) {
	out, err := run(t, "simulate", "-m", "limbo", "--target", "2", "-r", "5000", "--server-seed", "fixed")
	require.NoError(t, err)

	var sim struct {
		Rounds     int     `json:"rounds"`
		TotalStake int64   `json:"total_stake"`
		RTP        float64 `json:"rtp"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &sim))
	assert.Equal(t, 5000, sim.Rounds)
	assert.Equal(t, int64(500000), sim.TotalStake)
	assert.InDelta(t, 0.99, sim.RTP, 0.08)
}

func TestTokenCommand(t *testing.T) {
	out, err := run(t, "token", "alice", "--secret", "s3cret")
	require.NoError(t, err)

	var res struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	claims, err := services.NewJWTServiceWithSecret("s3cret", 0).ValidateToken(res.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)

	t.Setenv("JWT_SECRET", "")
	_, err = run(t, "token", "alice")
	assert.Error(t, err)
}
