package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ts-factory/bublik-sub000/internal/metadata"
	"github.com/ts-factory/bublik-sub000/internal/repository"
	"github.com/ts-factory/bublik-sub000/internal/service"
	handler "github.com/ts-factory/bublik-sub000/internal/transport/http"
	"github.com/ts-factory/bublik-sub000/tests/helpers"
)

func newTestServer(t *testing.T) (*httptest.Server, *service.Service) {
	t.Helper()
	store := helpers.NewTestSQLiteStore(t)
	svc := service.New(store, repository.NewSQLiteCache(store), service.Options{
		Metadata: metadata.Config{
			Project:       helpers.ProjectName,
			RunKeyMetas:   helpers.KeyMetas,
			RunStatusMeta: "RUN_STATUS",
		},
		Logger: zerolog.Nop(),
	})
	srv := httptest.NewServer(handler.NewServer(svc, prometheus.NewRegistry(), zerolog.Nop()))
	t.Cleanup(srv.Close)
	return srv, svc
}

func recording(t *testing.T, host string) string {
	t.Helper()
	initBody, err := json.Marshal(helpers.InitRequest(t, host, "t1", "t2"))
	require.NoError(t, err)
	return strings.Join([]string{
		fmt.Sprintf(`{"op":"init","body":%s}`, initBody),
		`{"op":"feed","body":[{"type":"test_start","id":1,"parent":0,"plan_id":1,"ts":1704067300,"node_type":"test","name":"t1"}]}`,
		``,
		`{"op":"feed","body":[{"type":"test_end","id":1,"plan_id":1,"ts":1704067301,"obtained":{"status":"PASSED"}}]}`,
		`{"op":"feed","body":[{"type":"test_start","id":2,"parent":0,"plan_id":2,"ts":1704067302,"node_type":"test","name":"t2"},{"type":"test_end","id":2,"plan_id":2,"ts":1704067303,"obtained":{"status":"PASSED"}}]}`,
		`{"op":"finish","body":{"ts":1704067400}}`,
	}, "\n")
}

func TestReplay(t *testing.T) {
	for _, stream := range []bool{false, true} {
		t.Run(fmt.Sprintf("stream=%v", stream), func(t *testing.T) {
			srv, svc := newTestServer(t)
			client := NewClient(srv.URL, zerolog.Nop())

			runID, err := client.Replay(context.Background(), strings.NewReader(recording(t, "lab1")), stream, 0)
			require.NoError(t, err)

			summary, err := svc.GetRun(context.Background(), runID)
			require.NoError(t, err)
			assert.Equal(t, "DONE", summary.Status)

			rows, err := svc.RunResults(context.Background(), runID)
			require.NoError(t, err)
			assert.Len(t, rows, 2)
		})
	}
}

func TestReplayErrors(t *testing.T) {
	srv, _ := newTestServer(t)
	client := NewClient(srv.URL, zerolog.Nop())

	_, err := client.Replay(context.Background(), strings.NewReader(`{"op":"feed","body":[]}`), false, 0)
	assert.ErrorContains(t, err, "feed before init")

	_, err = client.Replay(context.Background(), strings.NewReader(recording(t, "lab1")), false, 0)
	require.NoError(t, err)
	_, err = client.Replay(context.Background(), strings.NewReader(recording(t, "lab1")), false, 0)
	assert.ErrorContains(t, err, "this run already exists")

	bad := recording(t, "lab2") + "\n" + `{"op":"rewind"}`
	_, err = client.Replay(context.Background(), strings.NewReader(bad), true, 0)
	assert.ErrorContains(t, err, `unknown op "rewind"`)
}
