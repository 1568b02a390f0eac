// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package healthcheck_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/reconstructor/private/healthcheck"
)

func TestHandler(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)

	handler := healthcheck.NewHandler(zaptest.NewLogger(t),
		healthcheck.CheckFunc{CheckName: "sdb1", Fn: func(context.Context) bool { return true }},
	)
	require.NoError(t, handler.AddCheck(healthcheck.CheckFunc{
		CheckName: "sdb2",
		Fn:        func(context.Context) bool { return healthy.Load() },
	}))
	require.ErrorIs(t, handler.AddCheck(healthcheck.CheckFunc{CheckName: "sdb1"}), healthcheck.ErrCheckExists)
	require.Equal(t, []string{"sdb1", "sdb2"}, handler.Names())

	router := mux.NewRouter()
	handler.Register(router)

	get := func(path string) (int, string) {
		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, path, nil))
		return recorder.Code, recorder.Body.String()
	}

	code, body := get("/health")
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"sdb1":true,"sdb2":true}`, body)

	healthy.Store(false)
	code, body = get("/health")
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.JSONEq(t, `{"sdb1":true,"sdb2":false}`, body)

	code, body = get("/health/sdb2")
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.JSONEq(t, `{"healthy":false}`, body)

	code, body = get("/health/sdb1")
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"healthy":true}`, body)

	code, _ = get("/health/sdb9")
	require.Equal(t, http.StatusNotFound, code)
}
