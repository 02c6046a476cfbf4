package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/kaataq/internal/engine"
	"github.com/DoyleJ11/kaataq/internal/hub"
	"github.com/DoyleJ11/kaataq/internal/types"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	h := hub.NewHub(context.Background())
	srv := httptest.NewServer(SetupRoutes(h, Options{PublicURL: "https://kaataq.example/"}))
	t.Cleanup(func() {
		srv.Close()
		_ = h.Close()
	})
	return srv
}

func request(t *testing.T, method, url string, header map[string]string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func room(t *testing.T, code string) engine.Room {
	t.Helper()
	r, err := engine.CreateRoom(code, "host", "Aki", engine.DefaultRules(), time.Unix(0, 0))
	require.NoError(t, err)
	return r
}

func TestHealthz(t *testing.T) {
	srv := newServer(t)
	resp := request(t, http.MethodGet, srv.URL+"/healthz", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRoomLifecycle(t *testing.T) {
	srv := newServer(t)
	url := srv.URL + "/rooms/1234"

	resp := request(t, http.MethodGet, url, nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = request(t, http.MethodPut, url, map[string]string{"If-None-Match": "*"}, room(t, "1234"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	created := decode[types.VersionResponse](t, resp)
	require.Equal(t, `"1"`, resp.Header.Get("ETag"))

	resp = request(t, http.MethodPut, url, map[string]string{"If-None-Match": "*"}, room(t, "1234"))
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = request(t, http.MethodPatch, url, nil, map[string]any{"votes/p2": "left"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	patched := decode[types.VersionResponse](t, resp)
	require.Greater(t, patched.Version, created.Version)

	// A write against the old version loses.
	resp = request(t, http.MethodPut, url, map[string]string{"If-Match": `"1"`}, room(t, "1234"))
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = request(t, http.MethodGet, url, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	doc := decode[types.RoomDoc](t, resp)
	require.Equal(t, patched.Version, doc.Version)
	require.Equal(t, engine.HandLeft, doc.Room.Votes["p2"])

	resp = request(t, http.MethodDelete, url, nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = request(t, http.MethodGet, url, nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRoomRejections(t *testing.T) {
	srv := newServer(t)

	resp := request(t, http.MethodGet, srv.URL+"/rooms/12ab", nil, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = request(t, http.MethodPut, srv.URL+"/rooms/1234", nil, room(t, "5678"))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = request(t, http.MethodPut, srv.URL+"/rooms/1234", map[string]string{"If-Match": "soon"}, room(t, "1234"))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = request(t, http.MethodPatch, srv.URL+"/rooms/1234", nil, map[string]any{"phase": "voting"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = request(t, http.MethodPut, srv.URL+"/rooms/1234", nil, room(t, "1234"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = request(t, http.MethodPatch, srv.URL+"/rooms/1234", nil, map[string]any{"round": "three"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFreeCode(t *testing.T) {
	srv := newServer(t)
	resp := request(t, http.MethodPost, srv.URL+"/rooms/code", nil, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	got := decode[types.CodeResponse](t, resp)
	require.True(t, engine.ValidCode(got.Code), got.Code)
}

func TestJoinQR(t *testing.T) {
	srv := newServer(t)
	resp := request(t, http.MethodGet, srv.URL+"/rooms/1234/qr.png", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "image/png", resp.Header.Get("Content-Type"))

	png, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(png, []byte("\x89PNG\r\n\x1a\n")))
}

func TestJoinPage(t *testing.T) {
	srv := newServer(t)
	resp := request(t, http.MethodGet, srv.URL+"/join/1234", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "kaataq join 1234")
}
