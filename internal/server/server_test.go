package server

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-tdoa/internal/config"
	"github.com/teslashibe/go-tdoa/internal/doa"
	"github.com/teslashibe/go-tdoa/internal/health"
	"github.com/teslashibe/go-tdoa/internal/metrics"
	"github.com/teslashibe/go-tdoa/internal/pipeline"
	"github.com/teslashibe/go-tdoa/internal/protocol"
	"github.com/teslashibe/go-tdoa/internal/synth"
)

func setupTestServer(t *testing.T) (*Server, *doa.Tracker) {
	t.Helper()

	cfg := config.ServerConfig{
		Port:            9000,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		GracefulTimeout: 5 * time.Second,
		BroadcastHz:     50,
		MaxUploadMB:     8,
	}

	m := metrics.New()
	engine, err := pipeline.New(pipeline.DefaultConfig(), pipeline.WithObserver(m))
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}

	source := synth.NewMockSource(synth.DefaultMockConfig())

	trackerCfg := doa.DefaultTrackerConfig()
	trackerCfg.PollInterval = 10 * time.Millisecond

	logger := slog.Default()
	tracker := doa.NewTracker(source, engine, trackerCfg, logger)

	checker := health.NewChecker("test")
	checker.Register(health.ComponentSource, true, func() (bool, string) {
		return source.Healthy(), source.Name()
	})

	server := New(cfg, Deps{
		Engine:  engine,
		Tracker: tracker,
		Metrics: m,
		Health:  checker,
	}, logger, "test")

	return server, tracker
}

func doRequest(t *testing.T, s *Server, req *http.Request) (int, []byte) {
	t.Helper()

	resp, err := s.app.Test(req, -1)
	if err != nil {
		t.Fatalf("failed to make request: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	return resp.StatusCode, body
}

func jsonRequest(method, path string, v any) *http.Request {
	data, _ := json.Marshal(v)
	req := httptest.NewRequest(method, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestServer_Health(t *testing.T) {
	server, _ := setupTestServer(t)

	code, body := doRequest(t, server, httptest.NewRequest("GET", "/health", nil))
	if code != 200 {
		t.Errorf("expected status 200, got %d", code)
	}

	var status health.Status
	if err := json.Unmarshal(body, &status); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}

	if status.Version != "test" {
		t.Errorf("expected version 'test', got %v", status.Version)
	}

	if status.Status != health.StatusOK {
		t.Errorf("expected ok, got %s", status.Status)
	}

	if _, ok := status.Components[health.ComponentSource]; !ok {
		t.Error("expected audio_source component")
	}
}

func TestServer_HealthUnhealthy(t *testing.T) {
	server, _ := setupTestServer(t)
	server.health.Register("capture", true, func() (bool, string) { return false, "device gone" })

	code, _ := doRequest(t, server, httptest.NewRequest("GET", "/health", nil))
	if code != 503 {
		t.Errorf("expected status 503, got %d", code)
	}
}

func TestServer_DOA(t *testing.T) {
	server, tracker := setupTestServer(t)

	// Run tracker briefly to get a reading
	go func() {
		tracker.Run(t.Context())
	}()
	time.Sleep(100 * time.Millisecond)
	defer tracker.Stop()

	code, body := doRequest(t, server, httptest.NewRequest("GET", "/api/doa", nil))
	if code != 200 {
		t.Errorf("expected status 200, got %d", code)
	}

	var result protocol.DOAData
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}

	if result.Sequence == 0 {
		t.Error("expected a processed block")
	}

	if result.Status != doa.StatusOK || result.Angle == nil {
		t.Fatalf("expected a valid angle, got %+v", result)
	}

	// Mock source sits at 20°, quantized to a 3-sample lag at 16kHz (~18.8°)
	if math.Abs(*result.Angle-18.8) > 2 {
		t.Errorf("expected angle near 18.8°, got %f", *result.Angle)
	}

	if result.Side != doa.SideLeft {
		t.Errorf("expected side left, got %s", result.Side)
	}
}

func TestServer_Stats(t *testing.T) {
	server, tracker := setupTestServer(t)

	// Run tracker briefly
	go func() {
		tracker.Run(t.Context())
	}()
	time.Sleep(100 * time.Millisecond)
	defer tracker.Stop()

	code, body := doRequest(t, server, httptest.NewRequest("GET", "/api/stats", nil))
	if code != 200 {
		t.Errorf("expected status 200, got %d", code)
	}

	var stats doa.TrackerStats
	if err := json.Unmarshal(body, &stats); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}

	if stats.BlockCount == 0 {
		t.Error("expected non-zero block count")
	}

	if stats.SourceName != "mock" {
		t.Errorf("expected mock source, got %s", stats.SourceName)
	}
}

func TestServer_Metrics(t *testing.T) {
	server, tracker := setupTestServer(t)

	// Run tracker briefly
	go func() {
		tracker.Run(t.Context())
	}()
	time.Sleep(100 * time.Millisecond)
	tracker.Stop()

	// One API request so the HTTP counter has a sample
	doRequest(t, server, httptest.NewRequest("GET", "/api/config", nil))

	code, body := doRequest(t, server, httptest.NewRequest("GET", "/metrics", nil))
	if code != 200 {
		t.Errorf("expected status 200, got %d", code)
	}

	bodyStr := string(body)

	// Check for expected metrics
	expectedMetrics := []string{
		`go_tdoa_estimates_total{method="gcc_phat",status="ok"}`,
		"go_tdoa_estimate_duration_seconds",
		"go_tdoa_websocket_clients 0",
		`go_tdoa_http_requests_total{method="GET",route="/api/config",status="200"} 1`,
	}

	for _, metric := range expectedMetrics {
		if !strings.Contains(bodyStr, metric) {
			t.Errorf("expected metric %s in response", metric)
		}
	}
}

func TestServer_Config(t *testing.T) {
	server, _ := setupTestServer(t)

	code, body := doRequest(t, server, httptest.NewRequest("GET", "/api/config", nil))
	if code != 200 {
		t.Errorf("expected status 200, got %d", code)
	}

	var result map[string]map[string]interface{}
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}

	if result["server"]["port"].(float64) != 9000 {
		t.Errorf("expected port 9000, got %v", result["server"]["port"])
	}

	if result["estimator"]["method"] != "gcc_phat" {
		t.Errorf("expected gcc_phat, got %v", result["estimator"]["method"])
	}
}

func TestServer_UpdateConfig(t *testing.T) {
	server, _ := setupTestServer(t)

	tests := []struct {
		name       string
		body       any
		wantStatus int
		wantMethod string
	}{
		{
			name:       "switch to cross correlation",
			body:       map[string]any{"method": "cross_correlation", "refine": false},
			wantStatus: 200,
			wantMethod: "cross_correlation",
		},
		{
			name:       "unknown method is rejected",
			body:       map[string]any{"method": "music"},
			wantStatus: 400,
			wantMethod: "cross_correlation",
		},
		{
			name:       "partial update keeps method",
			body:       map[string]any{"window": false},
			wantStatus: 200,
			wantMethod: "cross_correlation",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := doRequest(t, server, jsonRequest("PUT", "/api/config", tt.body))
			if code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, code)
			}

			if got := string(server.Engine().Config().Estimator.Method); got != tt.wantMethod {
				t.Errorf("expected method %s, got %s", tt.wantMethod, got)
			}
		})
	}

	if server.Engine().Config().Condition.Window {
		t.Error("expected window disabled")
	}
}

func TestServer_Estimate(t *testing.T) {
	server, _ := setupTestServer(t)

	a, b := synth.DelayedPair(synth.NewRand(5), 4096, 5)
	far, farB := synth.DelayedPair(synth.NewRand(6), 4096, 40)
	xcorr := "cross_correlation"

	tests := []struct {
		name       string
		body       any
		wantStatus int
		wantState  doa.Status
		wantAngle  float64 // NaN when no angle is expected
	}{
		{
			name:       "five samples at 44.1kHz",
			body:       estimateRequest{A: a, B: b, SampleRate: 44100},
			wantStatus: 200,
			wantState:  doa.StatusOK,
			wantAngle:  11.2,
		},
		{
			name:       "per-request method",
			body:       estimateRequest{A: a, B: b, SampleRate: 44100, Method: &xcorr},
			wantStatus: 200,
			wantState:  doa.StatusOK,
			wantAngle:  11.2,
		},
		{
			name:       "out of range still answers",
			body:       estimateRequest{A: far, B: farB, SampleRate: 44100, Method: &xcorr},
			wantStatus: 200,
			wantState:  doa.StatusOutOfRange,
			wantAngle:  math.NaN(),
		},
		{
			name:       "silent input",
			body:       estimateRequest{A: make([]float64, 512), B: b[:512], SampleRate: 44100},
			wantStatus: 422,
			wantState:  doa.StatusSilent,
			wantAngle:  math.NaN(),
		},
		{
			name:       "sample rate mismatch",
			body:       estimateRequest{A: a, B: b, SampleRate: 44100, SampleRateB: 48000},
			wantStatus: 422,
			wantState:  doa.StatusError,
			wantAngle:  math.NaN(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := doRequest(t, server, jsonRequest("POST", "/api/estimate", tt.body))
			if code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.wantStatus, code, body)
			}

			var resp struct {
				Status     doa.Status `json:"status"`
				Angle      *float64   `json:"angle"`
				TDOAMicros float64    `json:"tdoa_us"`
				Message    string     `json:"message"`
			}
			if err := json.Unmarshal(body, &resp); err != nil {
				t.Fatalf("failed to parse JSON: %v", err)
			}

			if resp.Status != tt.wantState {
				t.Errorf("expected status %s, got %s", tt.wantState, resp.Status)
			}

			if math.IsNaN(tt.wantAngle) {
				if resp.Angle != nil {
					t.Errorf("expected no angle, got %f", *resp.Angle)
				}
				return
			}
			if resp.Angle == nil || math.Abs(*resp.Angle-tt.wantAngle) > 0.5 {
				t.Errorf("expected angle near %f, got %v", tt.wantAngle, resp.Angle)
			}
		})
	}
}

func TestServer_EstimateOutOfRangeReportsDelay(t *testing.T) {
	server, _ := setupTestServer(t)

	a, b := synth.DelayedPair(synth.NewRand(6), 4096, 40)
	xcorr := "cross_correlation"

	_, body := doRequest(t, server, jsonRequest("POST", "/api/estimate",
		estimateRequest{A: a, B: b, SampleRate: 44100, Method: &xcorr}))

	var resp struct {
		TDOAMicros float64 `json:"tdoa_us"`
		Message    string  `json:"message"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}

	// 40 samples at 44.1kHz
	if math.Abs(resp.TDOAMicros-907.03) > 1 {
		t.Errorf("expected tdoa ~907µs, got %f", resp.TDOAMicros)
	}
	if !strings.Contains(resp.Message, "±90°") {
		t.Errorf("expected beyond-90° warning, got %q", resp.Message)
	}
}

func TestServer_EstimateBadRequest(t *testing.T) {
	server, _ := setupTestServer(t)
	bogus := "music"

	tests := []struct {
		name string
		req  *http.Request
	}{
		{
			name: "malformed body",
			req: func() *http.Request {
				r := httptest.NewRequest("POST", "/api/estimate", strings.NewReader("{"))
				r.Header.Set("Content-Type", "application/json")
				return r
			}(),
		},
		{
			name: "empty channel",
			req:  jsonRequest("POST", "/api/estimate", estimateRequest{A: []float64{1, 2}, SampleRate: 16000}),
		},
		{
			name: "missing sample rate",
			req:  jsonRequest("POST", "/api/estimate", estimateRequest{A: []float64{1, 2}, B: []float64{2, 1}}),
		},
		{
			name: "unknown method",
			req:  jsonRequest("POST", "/api/estimate", estimateRequest{A: []float64{1, 2}, B: []float64{2, 1}, SampleRate: 16000, Method: &bogus}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := doRequest(t, server, tt.req)
			if code != 400 {
				t.Errorf("expected status 400, got %d: %s", code, body)
			}
		})
	}
}

// writeStereoWAV writes a 16-bit stereo file
func writeStereoWAV(t *testing.T, path string, rate int, left, right []float64) {
	t.Helper()

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	data := make([]int, 0, 2*len(left))
	for i := range left {
		data = append(data, quantize(left[i]), quantize(right[i]))
	}

	enc := wav.NewEncoder(f, rate, 16, 2, 1)
	if err := enc.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 2, SampleRate: rate},
		Data:           data,
		SourceBitDepth: 16,
	}); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}
}

func quantize(x float64) int {
	v := math.Round(x * 6000)
	return int(math.Max(-32768, math.Min(32767, v)))
}

func multipartRequest(t *testing.T, files map[string]string, fields map[string]string) *http.Request {
	t.Helper()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for field, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		part, err := w.CreateFormFile(field, filepath.Base(path))
		if err != nil {
			t.Fatal(err)
		}
		part.Write(data)
	}
	for k, v := range fields {
		w.WriteField(k, v)
	}
	w.Close()

	req := httptest.NewRequest("POST", "/api/estimate/wav", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestServer_EstimateWAV(t *testing.T) {
	server, _ := setupTestServer(t)

	dir := t.TempDir()
	a, b := synth.DelayedPair(synth.NewRand(9), 8192, 5)
	silence := make([]float64, len(a))

	// Microphone A is the left channel of file1, microphone B the right channel of file2
	first := filepath.Join(dir, "first.wav")
	second := filepath.Join(dir, "second.wav")
	writeStereoWAV(t, first, 44100, a, silence)
	writeStereoWAV(t, second, 44100, silence, b)

	code, body := doRequest(t, server, multipartRequest(t,
		map[string]string{"file1": first, "file2": second},
		map[string]string{"method": "gcc_phat", "refine": "true"},
	))
	if code != 200 {
		t.Fatalf("expected status 200, got %d: %s", code, body)
	}

	var resp struct {
		Status doa.Status `json:"status"`
		Angle  *float64   `json:"angle"`
		Side   doa.Side   `json:"side"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}

	if resp.Status != doa.StatusOK || resp.Angle == nil {
		t.Fatalf("expected a valid estimate, got %s", body)
	}
	if math.Abs(*resp.Angle-11.2) > 0.5 {
		t.Errorf("expected angle near 11.2°, got %f", *resp.Angle)
	}
	if resp.Side != doa.SideLeft {
		t.Errorf("expected side left, got %s", resp.Side)
	}
}

// writeExtensibleWAV writes a 24-bit stereo WAVE_FORMAT_EXTENSIBLE file
func writeExtensibleWAV(t *testing.T, path string, rate int, left, right []float64) {
	t.Helper()

	const blockAlign = 6
	dataLen := blockAlign * len(left)

	var buf bytes.Buffer
	le := binary.LittleEndian
	buf.WriteString("RIFF")
	binary.Write(&buf, le, uint32(4+8+40+8+dataLen))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, le, uint32(40))
	binary.Write(&buf, le, uint16(0xFFFE))
	binary.Write(&buf, le, uint16(2))
	binary.Write(&buf, le, uint32(rate))
	binary.Write(&buf, le, uint32(rate*blockAlign))
	binary.Write(&buf, le, uint16(blockAlign))
	binary.Write(&buf, le, uint16(24))
	binary.Write(&buf, le, uint16(22))
	binary.Write(&buf, le, uint16(24))
	binary.Write(&buf, le, uint32(3))
	buf.Write([]byte{0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x10, 0x00, 0x80, 0x00, 0x00, 0xaa, 0x00, 0x38, 0x9b, 0x71})
	buf.WriteString("data")
	binary.Write(&buf, le, uint32(dataLen))
	for i := range left {
		for _, x := range []float64{left[i], right[i]} {
			v := uint32(int32(quantize(x) * 256))
			buf.Write([]byte{byte(v), byte(v >> 8), byte(v >> 16)})
		}
	}

	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestServer_EstimateWAV_Extensible(t *testing.T) {
	server, _ := setupTestServer(t)

	dir := t.TempDir()
	a, b := synth.DelayedPair(synth.NewRand(10), 8192, -5)
	silence := make([]float64, len(a))

	first := filepath.Join(dir, "first.wav")
	second := filepath.Join(dir, "second.wav")
	writeExtensibleWAV(t, first, 44100, a, silence)
	writeExtensibleWAV(t, second, 44100, silence, b)

	code, body := doRequest(t, server, multipartRequest(t,
		map[string]string{"file1": first, "file2": second}, nil,
	))
	if code != 200 {
		t.Fatalf("expected status 200, got %d: %s", code, body)
	}

	var resp struct {
		Status doa.Status `json:"status"`
		Angle  *float64   `json:"angle"`
		Side   doa.Side   `json:"side"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}
	if resp.Status != doa.StatusOK || resp.Angle == nil {
		t.Fatalf("expected a valid estimate, got %s", body)
	}
	if math.Abs(*resp.Angle+11.2) > 0.5 || resp.Side != doa.SideRight {
		t.Errorf("expected about -11.2° right, got %f %s", *resp.Angle, resp.Side)
	}
}

func TestServer_EstimateWAV_BadInput(t *testing.T) {
	server, _ := setupTestServer(t)

	dir := t.TempDir()
	a, _ := synth.DelayedPair(synth.NewRand(9), 1024, 0)
	valid := filepath.Join(dir, "valid.wav")
	writeStereoWAV(t, valid, 16000, a, a)

	notWAV := filepath.Join(dir, "notes.wav")
	if err := os.WriteFile(notWAV, []byte("not audio at all"), 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		files map[string]string
	}{
		{name: "missing second file", files: map[string]string{"file1": valid}},
		{name: "not a wav", files: map[string]string{"file1": valid, "file2": notWAV}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := doRequest(t, server, multipartRequest(t, tt.files, nil))
			if code != 400 {
				t.Errorf("expected status 400, got %d: %s", code, body)
			}
		})
	}
}

func TestServer_DOAStream_UpgradeRequired(t *testing.T) {
	server, _ := setupTestServer(t)

	// Non-WebSocket request should get 426
	code, _ := doRequest(t, server, httptest.NewRequest("GET", "/api/doa/stream", nil))
	if code != 426 {
		t.Errorf("expected status 426, got %d", code)
	}
}

func TestServer_DOAStream(t *testing.T) {
	server, tracker := setupTestServer(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go server.app.Listener(ln)
	defer server.app.Shutdown()

	go tracker.Run(t.Context())
	defer tracker.Stop()
	go server.WSHub().Run(t.Context())
	defer server.WSHub().Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/api/doa/stream", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	send := func(typ protocol.MessageType, data any) {
		msg, _ := protocol.NewMessage(typ, data)
		raw, _ := msg.Bytes()
		if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	xcorr := "cross_correlation"
	send(protocol.TypePing, nil)
	send(protocol.TypeConfig, protocol.ConfigUpdate{Method: &xcorr})

	seen := map[protocol.MessageType]bool{}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for !(seen[protocol.TypePong] && seen[protocol.TypeConfig] && seen[protocol.TypeDOA]) {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v (seen %v)", err, seen)
		}
		msg, err := protocol.ParseMessage(raw)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		seen[msg.Type] = true

		if msg.Type == protocol.TypeDOA {
			d, err := msg.GetDOAData()
			if err != nil || d.Sequence == 0 {
				t.Errorf("bad doa message: %v %+v", err, d)
			}
		}
	}

	if got := string(server.Engine().Config().Estimator.Method); got != xcorr {
		t.Errorf("expected stream config to switch method, got %s", got)
	}
}
