package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gosuda.org/ivory/rpc"
	"gosuda.org/ivory/rpc/proto"
)

func call(t *testing.T, mux *rpc.ServeMux, path string, payload []byte) (*rpc.Response, error) {
	t.Helper()
	h, ok := mux.Lookup(path)
	require.True(t, ok, "service %s not registered", path)
	return h.ServeRPC(context.Background(), &rpc.Request{ServicePath: path, Payload: payload})
}

func TestServices(t *testing.T) {
	mux := newServiceMux(time.Now().Add(-time.Minute), func() int64 { return 3 })

	resp, err := call(t, mux, "Echo.Say", []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), resp.Payload)

	resp, err = call(t, mux, "Echo.Reverse", []byte("héllo"))
	require.NoError(t, err)
	assert.Equal(t, "olléh", string(resp.Payload))

	resp, err = call(t, mux, "Time.Now", nil)
	require.NoError(t, err)
	_, err = time.Parse(time.RFC3339Nano, string(resp.Payload))
	require.NoError(t, err)

	resp, err = call(t, mux, "Server.Stats", nil)
	require.NoError(t, err)
	var stats statsReply
	require.NoError(t, json.Unmarshal(resp.Payload, &stats))
	assert.EqualValues(t, 3, stats.Connections)
	assert.Equal(t, len(mux.Paths()), stats.Services)
	assert.Equal(t, "1 minute ago", stats.Started)
	assert.Equal(t, "application/json", resp.Metadata["content-type"])

	_, err = call(t, mux, "Log.Write", nil)
	var se *rpc.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, proto.StatusInvalidArgument, se.Code)

	_, err = call(t, mux, "Log.Write", []byte("line"))
	require.NoError(t, err)
}
