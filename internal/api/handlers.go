package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"modbus-gateway/internal/model"
	"modbus-gateway/internal/store"
)

// listDevices handles GET /api/devices.
func (s *Server) listDevices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"devices": s.eng.Store.ListDevices()})
}

// getDevice handles GET /api/devices/:id.
func (s *Server) getDevice(c *gin.Context) {
	id := c.Param("id")
	status, ok := s.eng.Store.GetStatus(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown device: " + id})
		return
	}
	c.JSON(http.StatusOK, gin.H{"device": status})
}

// listRegisters handles GET /api/devices/:id/registers.
func (s *Server) listRegisters(c *gin.Context) {
	id := c.Param("id")
	samples, ok := s.eng.Store.ListRegisters(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown device: " + id})
		return
	}

	staleAfter := s.staleAfterFor(id)
	out := make([]model.Sample, len(samples))
	for i, sample := range samples {
		out[i] = store.WithStaleness(sample, staleAfter)
	}
	c.JSON(http.StatusOK, gin.H{"registers": out})
}

// getRegister handles GET /api/devices/:id/registers/:name.
func (s *Server) getRegister(c *gin.Context) {
	id, name := c.Param("id"), c.Param("name")
	sample, ok := s.eng.Store.GetRegister(id, name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown register: " + id + "/" + name})
		return
	}
	sample = store.WithStaleness(sample, s.staleAfterFor(id))
	c.JSON(http.StatusOK, gin.H{"register": sample})
}

// writeValue is the request body for POST /api/devices/:id/registers/:name.
// Exactly one of Bool/Uint is meaningful, matching the coil/holding
// register write that handleWrite in the poller actually performs.
type writeValue struct {
	Bool bool   `json:"bool"`
	Uint uint64 `json:"uint"`
}

// writeRegister handles POST /api/devices/:id/registers/:name.
func (s *Server) writeRegister(c *gin.Context) {
	id, name := c.Param("id"), c.Param("name")

	var body writeValue
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	value := model.Value{Bool: body.Bool, Uint: body.Uint}
	if err := s.eng.Write(ctx, id, name, value); err != nil {
		s.log.Warnf("api: write %s/%s failed: %v", id, name, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "write accepted"})
}
