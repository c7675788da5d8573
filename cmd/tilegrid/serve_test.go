package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/gomlx/tilegrid/pkg/runtime"
	"github.com/janpfeifer/must"
	"github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEcho(t *testing.T) (*echo.Echo, *runtime.Context) {
	rt := must.M1(runtime.NewDefault())
	t.Cleanup(func() { require.NoError(t, rt.Close()) })
	return newEcho(rt, false), rt
}

func get(t *testing.T, e *echo.Echo, path string, response any) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), response), "body: %s", rec.Body.String())
	return rec.Code
}

func TestServePlans(t *testing.T) {
	e, rt := newTestEcho(t)

	var report PlanReport
	require.Equal(t, http.StatusOK, get(t, e, "/v1/plan/matmul?m=512&k=512&n=512", &report))
	assert.Equal(t, "matmul", report.Operation)
	assert.Equal(t, "MULTI_CORE_REUSE", report.Strategy)
	assert.Equal(t, 1, report.Summary.NumCores)
	assert.Nil(t, report.Program)

	var withProgram map[string]any
	require.Equal(t, http.StatusOK, get(t, e, "/v1/plan/matmul?m=256&k=64&n=256&strategy=multi_core_reuse_multicast&program=true", &withProgram))
	assert.Equal(t, "MULTI_CORE_REUSE_MULTICAST", withProgram["strategy"])
	assert.NotNil(t, withProgram["program"])

	report = PlanReport{}
	require.Equal(t, http.StatusOK, get(t, e, "/v1/plan/softmax?batches=2&h=64&w=96&masked=true", &report))
	assert.Equal(t, "scale_mask_softmax", report.Operation)
	assert.Len(t, report.Inputs, 2)

	report = PlanReport{}
	require.Equal(t, http.StatusOK, get(t, e, "/v1/plan/groupnorm?batches=2&h=64&w=64&groups=4", &report))
	assert.Equal(t, "MULTI_CORE_REUSE_MULTICAST", report.Strategy)
	assert.Equal(t, 4, report.Summary.NumCores)

	report = PlanReport{}
	require.Equal(t, http.StatusOK, get(t, e, "/v1/plan/transpose?dim=hc&c=32&h=64&w=64", &report))
	assert.Equal(t, "transpose_HC", report.Operation)

	var conv ConvReport
	require.Equal(t, http.StatusOK, get(t, e, "/v1/plan/conv?channels=3&height=8&width=8&filters=4&pad_h=1&pad_w=1", &conv))
	assert.True(t, conv.SingleCore)
	assert.Equal(t, []int{1, 4, 8, 8}, conv.Output)
	assert.Equal(t, []int{2, 1, 1}, conv.MatmulDims)

	// Planning doesn't leave buffers behind.
	assert.Zero(t, rt.DefaultDevice().NumLiveBuffers())
}

func TestServeErrors(t *testing.T) {
	e, _ := newTestEcho(t)
	for _, path := range []string{
		"/v1/plan/matmul?m=64&k=64",
		"/v1/plan/matmul?m=64&k=32&n=64&batches=x",
		"/v1/plan/matmul?m=64&k=64&n=64&strategy=fastest",
		"/v1/plan/matmul?m=64&k=96&n=64&bmm=maybe",
		"/v1/plan/groupnorm?h=32&w=64&groups=3",
		"/v1/plan/transpose?dim=XY&c=32&h=32&w=32",
		"/v1/plan/conv?channels=3&height=2&width=2&filters=4&kernel_h=5&kernel_w=5",
	} {
		var response map[string]string
		assert.Equal(t, http.StatusBadRequest, get(t, e, path, &response), path)
		assert.NotEmpty(t, response["error"], path)
	}
}

func TestServeDevice(t *testing.T) {
	e, rt := newTestEcho(t)
	var response map[string]any
	require.Equal(t, http.StatusOK, get(t, e, "/v1/device", &response))
	assert.Equal(t, rt.DefaultDevice().GridSize().String(), response["grid"])
	assert.Contains(t, response, "budgets")
	assert.Contains(t, response, "config")
}
