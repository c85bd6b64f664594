package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modbus-gateway/internal/engine"
	"modbus-gateway/internal/model"
)

type testLogger struct{ t *testing.T }

func (l testLogger) Debugf(format string, args ...interface{}) { l.t.Logf(format, args...) }
func (l testLogger) Infof(format string, args ...interface{})  { l.t.Logf(format, args...) }
func (l testLogger) Warnf(format string, args ...interface{})  { l.t.Logf(format, args...) }
func (l testLogger) Errorf(format string, args ...interface{}) { l.t.Logf(format, args...) }

type noopRestarts struct{}

func (noopRestarts) IncRestart(string) {}

// servePollReplies accepts one connection and answers every MBAP-framed
// request with a canned holding-register reply, echoing the request's
// transaction id.
func servePollReplies(t *testing.T, ln net.Listener) {
	t.Helper()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			header := make([]byte, 7)
			if _, err := conn.Read(header); err != nil {
				return
			}
			txID := header[0:2]
			reply := append(append([]byte{}, txID...), 0x00, 0x00, 0x00, 0x05, 0x01, 0x03, 0x02, 0x00, 0x2a)
			if _, err := conn.Write(reply); err != nil {
				return
			}
		}
	}()
}

func startTestEngine(t *testing.T) (*engine.Engine, []model.DeviceConfig, func()) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	servePollReplies(t, ln)

	addr := ln.Addr().(*net.TCPAddr)
	device := model.DeviceConfig{
		ID:           "dev1",
		Enabled:      true,
		PollInterval: 20 * time.Millisecond,
		TimeoutMS:    500,
		TCP:          &model.TCPVariant{Host: addr.IP.String(), Port: addr.Port, UnitID: 1},
		Registers: []model.RegisterSpec{
			{Name: "r1", Area: model.AreaHoldingRegister, Address: 0, Count: 1, DType: model.DTypeU16},
		},
	}

	e := engine.New(testLogger{t}, noopRestarts{})
	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx, []model.DeviceConfig{device})

	require.Eventually(t, func() bool {
		_, ok := e.Store.GetRegister("dev1", "r1")
		return ok
	}, time.Second, 10*time.Millisecond)

	cleanup := func() {
		cancel()
		e.Shutdown()
		ln.Close()
	}
	return e, []model.DeviceConfig{device}, cleanup
}

func TestServer_ListAndGetDevice(t *testing.T) {
	e, devices, cleanup := startTestEngine(t)
	defer cleanup()

	s := New(e, devices, nil, AuthConfig{}, testLogger{t})
	srv := httptest.NewServer(s.Router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/devices")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(srv.URL + "/api/devices/dev1")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)

	resp3, err := http.Get(srv.URL + "/api/devices/unknown")
	require.NoError(t, err)
	defer resp3.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp3.StatusCode)
}

func TestServer_ListAndGetRegister(t *testing.T) {
	e, devices, cleanup := startTestEngine(t)
	defer cleanup()

	s := New(e, devices, nil, AuthConfig{}, testLogger{t})
	srv := httptest.NewServer(s.Router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/devices/dev1/registers")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(srv.URL + "/api/devices/dev1/registers/r1")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)

	var body struct {
		Register model.Sample `json:"register"`
	}
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&body))
	assert.Equal(t, uint64(42), body.Register.Value.Uint)

	resp3, err := http.Get(srv.URL + "/api/devices/dev1/registers/missing")
	require.NoError(t, err)
	defer resp3.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp3.StatusCode)
}

func TestServer_WriteRegisterUnknownDeviceReturnsBadGateway(t *testing.T) {
	e, devices, cleanup := startTestEngine(t)
	defer cleanup()

	s := New(e, devices, nil, AuthConfig{}, testLogger{t})
	srv := httptest.NewServer(s.Router)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/devices/ghost/registers/r1", "application/json", strings.NewReader(`{"uint":1}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestServer_StreamEventsDeliversSample(t *testing.T) {
	e, devices, cleanup := startTestEngine(t)
	defer cleanup()

	s := New(e, devices, nil, AuthConfig{}, testLogger{t})
	srv := httptest.NewServer(s.Router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var ev model.Event
	for i := 0; i < 50; i++ {
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("reading websocket frame: %v", err)
		}
		if ev.Sample != nil {
			break
		}
	}
	require.NotNil(t, ev.Sample)
	assert.Equal(t, "dev1", ev.Sample.DeviceID)
}

func TestServer_AuthDisabledAllowsAllRequests(t *testing.T) {
	e, devices, cleanup := startTestEngine(t)
	defer cleanup()

	s := New(e, devices, nil, AuthConfig{Enabled: false}, testLogger{t})
	srv := httptest.NewServer(s.Router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/devices")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_AuthEnabledRejectsMissingKey(t *testing.T) {
	e, devices, cleanup := startTestEngine(t)
	defer cleanup()

	s := New(e, devices, nil, AuthConfig{Enabled: true, APIKeys: []string{"secret-key"}}, testLogger{t})
	srv := httptest.NewServer(s.Router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/devices")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "unauthorized", body["error"])
	assert.Equal(t, "Missing X-API-Key header", body["message"])
}

func TestServer_AuthEnabledRejectsInvalidKey(t *testing.T) {
	e, devices, cleanup := startTestEngine(t)
	defer cleanup()

	s := New(e, devices, nil, AuthConfig{Enabled: true, APIKeys: []string{"secret-key"}}, testLogger{t})
	srv := httptest.NewServer(s.Router)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/devices", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "wrong-key")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "Invalid API key", body["message"])
}

func TestServer_AuthEnabledAcceptsValidKey(t *testing.T) {
	e, devices, cleanup := startTestEngine(t)
	defer cleanup()

	s := New(e, devices, nil, AuthConfig{Enabled: true, APIKeys: []string{"secret-key"}}, testLogger{t})
	srv := httptest.NewServer(s.Router)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/devices", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "secret-key")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_AuthExcludedPathSkipsCheck(t *testing.T) {
	e, devices, cleanup := startTestEngine(t)
	defer cleanup()

	authCfg := AuthConfig{Enabled: true, APIKeys: []string{"secret-key"}, ExcludePaths: []string{"/api/devices"}}
	s := New(e, devices, nil, authCfg, testLogger{t})
	srv := httptest.NewServer(s.Router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/devices")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// A path not covered by the exact exclude entry is still guarded.
	resp2, err := http.Get(srv.URL + "/api/devices/dev1")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

func TestServer_AuthExcludedPathWildcard(t *testing.T) {
	e, devices, cleanup := startTestEngine(t)
	defer cleanup()

	authCfg := AuthConfig{Enabled: true, APIKeys: []string{"secret-key"}, ExcludePaths: []string{"/api/devices*"}}
	s := New(e, devices, nil, authCfg, testLogger{t})
	srv := httptest.NewServer(s.Router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/devices/dev1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
