package sidecar

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStart_PostsToServicePath(t *testing.T) {
	var gotPath, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := New(srv.URL, "monitoring")
	err := client.Start(context.Background(), "kj-1", StartPayload{CollectPeriod: 1})
	require.NoError(t, err)
	require.Equal(t, http.MethodPost, gotMethod)
	require.Equal(t, "/monitoring/kj-1", gotPath)
}

func TestURL_DecodesVisualizerResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"url": "http://viz/kj-1"})
	}))
	defer srv.Close()

	client := New(srv.URL, "visualizing")
	url, err := client.URL(context.Background(), "kj-1")
	require.NoError(t, err)
	require.Equal(t, "http://viz/kj-1", url)
}

func TestReport_RetriesUntilTerminalStatus(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"result":"ok"}`))
	}))
	defer srv.Close()

	client := New(srv.URL, "monitoring")
	report, err := client.Report(context.Background(), "kj-1", false)
	require.NoError(t, err)
	require.JSONEq(t, `{"result":"ok"}`, string(report))
	require.GreaterOrEqual(t, attempts, 2)
}

func TestInstallPlugin_SendsSourceFields(t *testing.T) {
	var body map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := New(srv.URL, "monitoring")
	err := client.InstallPlugin(context.Background(), "git", "https://example.com/plugin.git")
	require.NoError(t, err)
	require.Equal(t, "git", body["install_source"])
	require.Equal(t, "https://example.com/plugin.git", body["plugin_source"])
}
