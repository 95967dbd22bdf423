package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/tether/internal/devfs"
	"github.com/GriffinCanCode/tether/internal/ipc/core"
	"github.com/GriffinCanCode/tether/internal/selftest"
)

type mountRequest struct {
	Name       string `json:"name" binding:"required"`
	BufferSize int    `json:"buffer_size"`
	PageSize   int    `json:"page_size"`
	MaxThreads int    `json:"max_threads"`
}

type selftestRequest struct {
	PageSize  int   `json:"page_size"`
	Pages     int   `json:"pages"`
	Workers   int   `json:"workers"`
	Ops       int   `json:"ops"`
	Seed      int64 `json:"seed"`
	SkipChurn bool  `json:"skip_churn"`
}

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "tether",
		"version": Version,
		"status":  "running",
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"instances": len(s.instances.List()),
		"metrics":   s.metrics.GetSnapshot(),
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleListInstances(c *gin.Context) {
	list := s.instances.List()
	out := make([]devfs.InstanceStats, 0, len(list))
	for _, inst := range list {
		out = append(out, inst.Stats())
	}
	c.JSON(http.StatusOK, gin.H{"instances": out, "count": len(out)})
}

func (s *Server) handleMount(c *gin.Context) {
	var req mountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cfg := s.busConfig
	if req.BufferSize > 0 {
		cfg.BufferSize = req.BufferSize
	}
	if req.PageSize > 0 {
		cfg.PageSize = req.PageSize
	}
	if req.MaxThreads > 0 {
		cfg.MaxThreads = req.MaxThreads
	}

	inst, err := s.instances.MountWith(req.Name, cfg)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, devfs.ErrMounted) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	s.watchInstance(inst)
	c.JSON(http.StatusCreated, inst.Stats())
}

func (s *Server) handleUnmount(c *gin.Context) {
	name := c.Param("name")
	if err := s.instances.Unmount(name); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, devfs.ErrNotMounted) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"unmounted": name})
}

func (s *Server) handleInstanceStats(c *gin.Context) {
	name := c.Param("name")
	inst, ok := s.instances.Get(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": devfs.ErrNotMounted.Error()})
		return
	}
	c.JSON(http.StatusOK, inst.Stats())
}

func (s *Server) handleSnapshot(c *gin.Context) {
	if s.snapshotDir == "" {
		c.JSON(http.StatusOK, s.instances.Snapshot())
		return
	}
	path, err := s.instances.Export(s.snapshotDir)
	if err != nil {
		s.log.Error("snapshot export failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"path": path})
}

func (s *Server) handleSelftest(c *gin.Context) {
	cfg := selftest.DefaultConfig()
	var req selftestRequest
	if err := c.ShouldBindJSON(&req); err == nil {
		if req.PageSize > 0 {
			cfg.PageSize = req.PageSize
		}
		if req.Pages > 0 {
			cfg.Pages = req.Pages
		}
		if req.Workers > 0 {
			cfg.Workers = req.Workers
		}
		if req.Ops > 0 {
			cfg.Ops = req.Ops
		}
		if req.Seed != 0 {
			cfg.Seed = req.Seed
		}
		cfg.SkipChurn = req.SkipChurn
	}

	result, err := selftest.Run(s.log.Named("selftest"), cfg)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "result": result})
		return
	}
	c.JSON(http.StatusOK, result)
}

// watchInstance forwards an instance's engine events to WebSocket
// subscribers, tagged with the instance name.
func (s *Server) watchInstance(inst *devfs.Instance) {
	name := inst.Name
	inst.Registry().OnEvent(func(ev core.Event) {
		s.hub.Broadcast(EventMessage{Instance: name, Event: ev})
	})
}
