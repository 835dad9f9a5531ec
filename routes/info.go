package routes

import (
	"context"
	"net/http"
	"time"

	"clinical-fhir-extractor/internal/document"

	"github.com/gin-gonic/gin"
)

// Pinger checks a backing service. Mongo and Redis clients are adapted to it.
type Pinger func(ctx context.Context) error

type InfoHandler struct {
	service      string
	version      string
	ocrAvailable func() bool
	checks       map[string]Pinger
	now          func() time.Time
}

func NewInfoHandler(service, version string, ocrAvailable func() bool, checks map[string]Pinger) *InfoHandler {
	if ocrAvailable == nil {
		ocrAvailable = func() bool { return false }
	}
	return &InfoHandler{
		service:      service,
		version:      version,
		ocrAvailable: ocrAvailable,
		checks:       checks,
		now:          time.Now,
	}
}

func SetupInfoRoutes(router gin.IRouter, h *InfoHandler) {
	router.GET("/", h.Root)
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
	router.GET("/formats", h.Formats)
}

func (h *InfoHandler) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": h.service,
		"version": h.version,
		"endpoints": gin.H{
			"extract":     "POST /extract-fhir",
			"extract_job": "POST /extract-fhir/async",
			"extractions": "GET /extractions",
			"auth":        "/auth",
			"health":      "GET /health",
			"formats":     "GET /formats",
		},
	})
}

func (h *InfoHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": h.now().UTC()})
}

// Ready pings every dependency. Any failure makes the instance not ready.
func (h *InfoHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := make(gin.H, len(h.checks))
	for name, ping := range h.checks {
		if err := ping(ctx); err != nil {
			deps[name] = gin.H{"status": "down", "error": err.Error()}
			status = http.StatusServiceUnavailable
			continue
		}
		deps[name] = gin.H{"status": "up"}
	}

	ready := "ready"
	if status != http.StatusOK {
		ready = "not_ready"
	}
	c.JSON(status, gin.H{
		"status":        ready,
		"dependencies":  deps,
		"ocr_available": h.ocrAvailable(),
		"timestamp":     h.now().UTC(),
	})
}

func (h *InfoHandler) Formats(c *gin.Context) {
	ocr := h.ocrAvailable()
	c.JSON(http.StatusOK, gin.H{
		"extensions":    document.AllowedExtensions(ocr),
		"ocr_available": ocr,
	})
}
