// Package api is the REST/WebSocket façade (C9): a gin HTTP server that
// exposes the sample store for polling clients and fans the broadcast
// bus out over a live WebSocket feed. It holds no state of its own
// beyond a bus subscription per WebSocket connection; every response is
// read straight from the engine's store.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"modbus-gateway/internal/engine"
	"modbus-gateway/internal/model"
)

// Logger is the narrow structured-logging surface this package needs,
// satisfied directly by *logrus.Entry without an import cycle.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server wires the engine's store/bus onto a gin router.
type Server struct {
	eng        *engine.Engine
	staleAfter map[string]time.Duration
	log        Logger

	Router *gin.Engine
}

// New builds the gin router and registers every route. devices supplies
// each device's poll interval so read handlers can flag stale samples
// the same way the poller itself does (3x poll interval).
// metricsHandler, if non-nil, is mounted at GET /metrics so C11's
// registry is served from the same listener as the REST façade.
// authCfg, when Enabled, guards every /api route behind an X-API-Key
// check (see auth.go). /metrics sits outside the /api group and is
// never subject to it; list a path in authCfg.ExcludePaths to exempt
// a specific /api route instead.
func New(eng *engine.Engine, devices []model.DeviceConfig, metricsHandler http.Handler, authCfg AuthConfig, log Logger) *Server {
	staleAfter := make(map[string]time.Duration, len(devices))
	for _, d := range devices {
		staleAfter[d.ID] = 3 * d.PollInterval
	}

	s := &Server{eng: eng, staleAfter: staleAfter, log: log}

	r := gin.New()
	r.Use(gin.Recovery())

	if metricsHandler != nil {
		r.GET("/metrics", gin.WrapH(metricsHandler))
	}

	grp := r.Group("/api")
	grp.Use(apiKeyAuth(authCfg))
	grp.GET("/devices", s.listDevices)
	grp.GET("/devices/:id", s.getDevice)
	grp.GET("/devices/:id/registers", s.listRegisters)
	grp.GET("/devices/:id/registers/:name", s.getRegister)
	grp.POST("/devices/:id/registers/:name", s.writeRegister)
	grp.GET("/ws", s.streamEvents)

	s.Router = r
	return s
}

func (s *Server) staleAfterFor(deviceID string) time.Duration {
	if d, ok := s.staleAfter[deviceID]; ok && d > 0 {
		return d
	}
	return time.Hour
}
