package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoArgs struct {
	Str   string `json:"str"`
	Delay int    `json:"delay,omitempty"`
}

func TestEnvelopeRoundTrip(t *testing.T) {
	t.Run("request args survive encode/decode", func(t *testing.T) {
		env, err := NewRequestEnvelope("echoSync", echoArgs{Str: "blahblah"})
		require.NoError(t, err)

		raw, err := Encode(env)
		require.NoError(t, err)

		decoded, err := Decode(raw)
		require.NoError(t, err)
		assert.Equal(t, "echoSync", decoded.Method)

		var args echoArgs
		require.NoError(t, decoded.Unmarshal(&args))
		assert.Equal(t, "blahblah", args.Str)
	})

	t.Run("status with nested localized string round-trips", func(t *testing.T) {
		env := &Envelope{
			Method: "echoSync",
			Status: &Status{
				Code: CodeBadArg,
				Localized: &LocalizedString{
					Code:     "err.badarg",
					Template: "invalid argument {{.name}}",
					Params:   map[string]interface{}{"name": "str"},
				},
			},
		}

		raw, err := Encode(env)
		require.NoError(t, err)

		decoded, err := Decode(raw)
		require.NoError(t, err)

		assert.True(t, decoded.Failed())
		require.NotNil(t, decoded.Status.Localized)
		assert.Equal(t, "err.badarg", decoded.Status.Localized.Code)
		assert.Equal(t, "invalid argument {{.name}}", decoded.Status.Localized.Template)
		assert.Equal(t, "str", decoded.Status.Localized.Params["name"])
	})

	t.Run("data envelope is not failed", func(t *testing.T) {
		env, err := NewDataEnvelope("echoSync", "blahblah")
		require.NoError(t, err)
		assert.False(t, env.Failed())
	})
}

func TestNewStatusEnvelope(t *testing.T) {
	err := NewTimedOut("req-1")
	env := NewStatusEnvelope("echoAsync", err)

	assert.True(t, env.Failed())
	assert.Equal(t, CodeTimedOut, env.Status.Code)
}

func TestUnwrap(t *testing.T) {
	frames := [][]byte{[]byte("client-id"), {}, []byte("payload")}
	routingID, rest := Unwrap(frames)

	assert.Equal(t, []byte("client-id"), routingID)
	require.Len(t, rest, 1)
	assert.Equal(t, []byte("payload"), rest[0])
}

func TestBuildFrames(t *testing.T) {
	t.Run("client request has five frames", func(t *testing.T) {
		f := BuildClientRequest("client-1", "echo", []byte(`{"method":"echoSync"}`))
		require.Len(t, f, 5)
		assert.Equal(t, []byte(CClient), f[2])
		assert.Equal(t, []byte("echo"), f[3])
	})

	t.Run("worker request has seven frames with empty delimiter", func(t *testing.T) {
		f := BuildWorkerRequest("worker-1", "req-1", []byte(`{}`))
		require.Len(t, f, 7)
		assert.Equal(t, []byte(WWorker), f[2])
		assert.Equal(t, []byte(WRequest), f[3])
		assert.Equal(t, []byte("req-1"), f[4])
		assert.Empty(t, f[5])
	})

	t.Run("heartbeat is a bare four-frame message", func(t *testing.T) {
		f := BuildHeartbeat("worker-1")
		require.Len(t, f, 4)
		assert.Equal(t, []byte(WHeartbeat), f[3])
	})
}
