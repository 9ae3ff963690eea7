package main

import (
	"bytes"
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fleet.align/internal/httputil"
	"github.com/banshee-data/fleet.align/internal/monitor"
)

const statusBody = `{
	"seq": 12, "time": 4.5, "anchor": 1, "anchor_state": "healthy",
	"drift": 0.02, "min_separation": 1.25,
	"blend": {"active": true, "progress": 0.5},
	"collision": {"active": true, "detected": true},
	"agents": [
		{"id": 0, "confidence": "good", "speed_scale": 0.5,
		 "world": {"position": {"x": 1, "y": 0, "z": 2}, "rotation": [0, 0, 0, 1]}},
		{"id": 1, "confidence": "unknown", "stale": true, "speed_scale": 0}
	]
}`

func TestRun_Status(t *testing.T) {
	mock := httputil.NewMockHTTPClient().AddResponse(http.StatusOK, statusBody)
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), monitor.NewClient("http://fleet", mock), []string{"status"}, &out))

	want := "t=4.50s seq=12 anchor=1 (healthy) drift=0.020m min_sep=1.250m relocalizing=50% COLLISION\n" +
		"  agent 0 (1.00, 0.00, 2.00) good scale=0.50\n" +
		"  agent 1 - unknown scale=0.00 stale\n"
	assert.Equal(t, want, out.String())
}

func TestRun_Relocalize(t *testing.T) {
	mock := httputil.NewMockHTTPClient().AddResponse(http.StatusAccepted, `{"status":"requested"}`)
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), monitor.NewClient("http://fleet", mock), []string{"relocalize"}, &out))
	assert.Equal(t, "relocalization requested\n", out.String())

	req, _ := mock.Request(0)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/api/relocalize", req.URL.Path)
}

func TestRun_Events(t *testing.T) {
	mock := httputil.NewMockHTTPClient().AddResponse(http.StatusOK,
		`[{"kind":"anchor_switched","time":13.5,"agent":1,"other":0,"detail":"anchor failed"}]`)
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), monitor.NewClient("http://fleet", mock), []string{"events", "10"}, &out))
	assert.Equal(t, "13.500s anchor_switched agent=1 anchor failed\n", out.String())

	req, _ := mock.Request(0)
	assert.Equal(t, "10", req.URL.Query().Get("since"))
}

func TestRun_Errors(t *testing.T) {
	c := monitor.NewClient("http://fleet", httputil.NewMockHTTPClient())
	var out bytes.Buffer
	assert.ErrorContains(t, run(context.Background(), c, nil, &out), "missing command")
	assert.ErrorContains(t, run(context.Background(), c, []string{"launch"}, &out), "unknown command")
	assert.ErrorContains(t, run(context.Background(), c, []string{"events", "soon"}, &out), "invalid since")
}
