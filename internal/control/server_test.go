package control

import (
	"bytes"
	"context"
	"encoding/json"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/replay/internal/certs"
	"github.com/zsiec/replay/internal/media"
	"github.com/zsiec/replay/internal/sink"
	"github.com/zsiec/replay/internal/transport"
)

func newTestServer(t *testing.T, d *deck, cfg ServerConfig) *Server {
	t.Helper()
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	s, err := NewServer(cfg, d.ctl, nil)
	require.NoError(t, err)
	return s
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNewServerValidation(t *testing.T) {
	t.Parallel()
	d := newDeck(t)
	_, err := NewServer(ServerConfig{Addr: ":0"}, nil, nil)
	assert.Error(t, err)
	_, err = NewServer(ServerConfig{}, d.ctl, nil)
	assert.Error(t, err)
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()
	d := newDeck(t)
	h := newTestServer(t, d, ServerConfig{}).Handler()

	rec := do(t, h, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	var st Status
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	assert.False(t, st.Recording)
	assert.Equal(t, ModeMultiview, st.Mode)
	assert.Equal(t, []int{0, 1}, st.Views)
	assert.Len(t, st.Sources, 2)
}

func TestCommandEndpoint(t *testing.T) {
	t.Parallel()
	d := newDeck(t)
	h := newTestServer(t, d, ServerConfig{}).Handler()

	tests := []struct {
		name string
		body any
		want int
	}{
		{"play", Command{Action: ActionPlay}, http.StatusOK},
		{"fast forward", Command{Action: ActionFastForward}, http.StatusOK},
		{"unknown action", Command{Action: "eject"}, http.StatusBadRequest},
		{"bad view", Command{Action: ActionSingleView, View: 9}, http.StatusBadRequest},
		{"no frame to snapshot", Command{Action: ActionSnapshot}, http.StatusConflict},
		{"live without playback", Command{Action: ActionLive}, http.StatusConflict},
		{"malformed", "not a command", http.StatusBadRequest},
	}
	for _, tt := range tests {
		rec := do(t, h, http.MethodPost, "/api/commands", tt.body)
		if rec.Code != tt.want {
			t.Errorf("%s: status = %d, want %d (%s)", tt.name, rec.Code, tt.want, rec.Body.String())
		}
	}
	assert.Equal(t, 2.0, d.tr.Speed())
	assert.True(t, d.tr.Playing())
}

func TestSessionEndpoints(t *testing.T) {
	t.Parallel()
	d := newDeck(t)
	h := newTestServer(t, d, ServerConfig{}).Handler()

	rec := do(t, h, http.MethodPost, "/api/session/stop", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/session/start", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var sess struct {
		ID   string `json:"id"`
		Path string `json:"path"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&sess))
	assert.Equal(t, "s1", sess.ID)

	rec = do(t, h, http.MethodPost, "/api/session/start", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/session/stop", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSourceEndpoints(t *testing.T) {
	t.Parallel()
	d := newDeck(t)
	h := newTestServer(t, d, ServerConfig{}).Handler()

	rec := do(t, h, http.MethodPost, "/api/sources/tight/toggle", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var toggled struct {
		Enabled bool `json:"enabled"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&toggled))
	assert.False(t, toggled.Enabled)

	rec = do(t, h, http.MethodPut, "/api/sources/wide/url", map[string]string{"url": "srt://cam1:9000"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/sources/nope/toggle", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/sources", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sources []SourceStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&sources))
	require.Len(t, sources, 2)
	assert.Equal(t, "srt://cam1:9000", sources[0].URL)
	assert.False(t, sources[1].Enabled)
}

func TestViewEndpoints(t *testing.T) {
	t.Parallel()
	d := newDeck(t)
	h := newTestServer(t, d, ServerConfig{}).Handler()

	rec := do(t, h, http.MethodPut, "/api/views", viewsBody{Views: []int{1, 0}})
	require.Equal(t, http.StatusOK, rec.Code)
	var got viewsBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, []int{1, 0}, got.Views)

	rec = do(t, h, http.MethodPut, "/api/views", viewsBody{Views: []int{1, 1}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/views", nil)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, []int{1, 0}, got.Views)
}

func TestFrameEndpoint(t *testing.T) {
	t.Parallel()
	d := newDeck(t)
	h := newTestServer(t, d, ServerConfig{}).Handler()

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/views/0/frame.jpg", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/views/7/frame.jpg", nil).Code)

	d.hubs[0].Deliver(&sink.Frame{PTS: 733, YCbCr: media.NewFillImage(32, 16, color.YCbCr{Y: 120, Cb: 128, Cr: 128})})
	rec := do(t, h, http.MethodGet, "/api/views/0/frame.jpg", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, "733", rec.Header().Get("X-Frame-PTS"))
	img, err := jpeg.Decode(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 32, img.Bounds().Dx())
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	d := newDeck(t)
	h := newTestServer(t, d, ServerConfig{}).Handler()

	do(t, h, http.MethodGet, "/api/status", nil)
	rec := do(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "replay_http_request_duration_seconds")
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()
	d := newDeck(t)
	h := newTestServer(t, d, ServerConfig{CORSOrigin: "https://console.local"}).Handler()

	rec := do(t, h, http.MethodOptions, "/api/commands", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://console.local", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "PUT")
}

func TestCertHashOnlyWithTLS(t *testing.T) {
	t.Parallel()
	d := newDeck(t)
	assert.Equal(t, http.StatusNotFound,
		do(t, newTestServer(t, d, ServerConfig{}).Handler(), http.MethodGet, "/api/cert-hash", nil).Code)

	cert, err := certs.Generate(time.Hour)
	require.NoError(t, err)
	rec := do(t, newTestServer(t, d, ServerConfig{Cert: cert}).Handler(), http.MethodGet, "/api/cert-hash", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, cert.FingerprintBase64(), body["hash"])
}

func TestPlaybackOnlyServer(t *testing.T) {
	t.Parallel()
	ctl := New(Config{}, nil, transport.New(30, nil), sink.NewHubs(1, nil), nil, nil, nil)
	s, err := NewServer(ServerConfig{Addr: ":0"}, ctl, nil)
	require.NoError(t, err)
	h := s.Handler()

	assert.Equal(t, http.StatusNotImplemented, do(t, h, http.MethodPost, "/api/session/start", nil).Code)
	assert.Equal(t, http.StatusNotImplemented, do(t, h, http.MethodPut, "/api/views", viewsBody{Views: []int{0}}).Code)

	rec := do(t, h, http.MethodGet, "/api/sources", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestFeedPushesStatusAndAnswersCommands(t *testing.T) {
	t.Parallel()
	d := newDeck(t)
	s := newTestServer(t, d, ServerConfig{FeedInterval: 10 * time.Millisecond})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/feed"
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var msg feedMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "status", msg.Type)
	require.NotNil(t, msg.Status)

	require.NoError(t, conn.WriteJSON(Command{Action: ActionFastReverse}))
	require.NoError(t, conn.WriteJSON(Command{Action: "eject"}))

	var results []feedMessage
	for len(results) < 2 {
		var m feedMessage
		require.NoError(t, conn.ReadJSON(&m))
		if m.Type == "result" {
			results = append(results, m)
		}
	}
	assert.Empty(t, results[0].Error)
	assert.Contains(t, results[1].Error, "unknown action")
	assert.Equal(t, -2.0, d.tr.Speed())

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
}
