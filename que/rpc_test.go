package que

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danubecloud/que/core"
)

func startCommandServer(t *testing.T, env *testEnv, target string) *CommandServer {
	t.Helper()
	srv := NewCommandServer(env.client, target, nil)
	srv.Start(context.Background())
	t.Cleanup(srv.Stop)
	return srv
}

func TestCallRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	srv := startCommandServer(t, env, "node01")
	srv.Handle(CmdVersion, func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		return map[string]interface{}{"version": "1.0.0"}, nil
	})

	payload, err := Call(ctx, env.client, "node01", CmdVersion, nil, 2*time.Second)
	require.NoError(t, err)

	var out map[string]string
	require.NoError(t, json.Unmarshal(payload, &out))
	assert.Equal(t, "1.0.0", out["version"])
}

func TestCallPassesArguments(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	srv := startCommandServer(t, env, "node01")
	srv.Handle(CmdExecute, func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		cmd, _ := args["cmd"].(string)
		return map[string]interface{}{"returncode": 0, "stdout": "ran " + cmd}, nil
	})

	payload, err := Call(ctx, env.client, "node01", CmdExecute, map[string]interface{}{"cmd": "uptime"}, 2*time.Second)
	require.NoError(t, err)

	var out struct {
		ReturnCode int    `json:"returncode"`
		Stdout     string `json:"stdout"`
	}
	require.NoError(t, json.Unmarshal(payload, &out))
	assert.Equal(t, 0, out.ReturnCode)
	assert.Equal(t, "ran uptime", out.Stdout)
}

func TestCallCommandError(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	srv := startCommandServer(t, env, "node01")
	srv.Handle(CmdReadLogs, func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		return nil, errors.New("log file not readable")
	})

	_, err := Call(ctx, env.client, "node01", CmdReadLogs, nil, 2*time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log file not readable")
}

func TestCallUnknownCommand(t *testing.T) {
	env := newTestEnv(t)
	startCommandServer(t, env, "node01")

	_, err := Call(context.Background(), env.client, "node01", "no_such_command", nil, 2*time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command")
}

func TestCallTimesOutWithoutServer(t *testing.T) {
	env := newTestEnv(t)

	_, err := Call(context.Background(), env.client, "node-gone", CmdVersion, nil, 200*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrTimeout)
}

func TestCommandServerServesConcurrentTargets(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a := startCommandServer(t, env, "node01")
	a.Handle(CmdVersion, func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		return "a", nil
	})
	b := startCommandServer(t, env, "node02")
	b.Handle(CmdVersion, func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		return "b", nil
	})

	payload, err := Call(ctx, env.client, "node02", CmdVersion, nil, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, `"b"`, string(payload))

	payload, err = Call(ctx, env.client, "node01", CmdVersion, nil, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, `"a"`, string(payload))
}
