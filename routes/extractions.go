package routes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"clinical-fhir-extractor/middleware"
	"clinical-fhir-extractor/models"
	"clinical-fhir-extractor/services"
	"clinical-fhir-extractor/utils"

	"github.com/gin-gonic/gin"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type ExtractionReader interface {
	Get(ctx context.Context, userID, id string) (*models.Extraction, error)
	List(ctx context.Context, userID string, limit int) ([]models.Extraction, error)
	Delete(ctx context.Context, userID, id string) error
}

type ExtractionsHandler struct {
	store   ExtractionReader
	auditor *middleware.Auditor
	logger  *slog.Logger
}

func NewExtractionsHandler(store ExtractionReader, auditor *middleware.Auditor, logger *slog.Logger) *ExtractionsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExtractionsHandler{store: store, auditor: auditor, logger: logger}
}

func SetupExtractionRoutes(router gin.IRouter, h *ExtractionsHandler, authMW *middleware.AuthMiddleware) {
	group := router.Group("/extractions", authMW.RequireAuth())
	group.GET("", h.List)
	group.GET("/export", h.Export)
	group.GET("/:id", h.Get)
	group.DELETE("/:id", h.Delete)
}

func (h *ExtractionsHandler) List(c *gin.Context) {
	list, err := h.store.List(c.Request.Context(), middleware.GetUserID(c), queryLimit(c, 50, 200))
	if err != nil {
		h.logger.Error("failed to list extractions", "error", err)
		utils.RespondWithInternalError(c, "Failed to list extractions", nil)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *ExtractionsHandler) Get(c *gin.Context) {
	e, err := h.store.Get(c.Request.Context(), middleware.GetUserID(c), c.Param("id"))
	if err != nil {
		h.respondLookupError(c, err)
		return
	}

	bundle, err := services.DecodeBundle(e)
	if err != nil {
		h.logger.Error("stored bundle unreadable", "extraction_id", e.ExtractionID, "error", err)
		utils.RespondWithInternalError(c, "Stored bundle is unreadable", nil)
		return
	}
	c.JSON(http.StatusOK, models.ExtractionDetail{Extraction: *e, Bundle: bundle})
}

func (h *ExtractionsHandler) Delete(c *gin.Context) {
	id := c.Param("id")
	if err := h.store.Delete(c.Request.Context(), middleware.GetUserID(c), id); err != nil {
		h.respondLookupError(c, err)
		return
	}
	h.auditor.Success(c, models.ActionDeleteExtraction, "extraction:"+id, nil)
	c.Status(http.StatusNoContent)
}

// Export returns the caller's extractions as an XLSX workbook.
func (h *ExtractionsHandler) Export(c *gin.Context) {
	list, err := h.store.List(c.Request.Context(), middleware.GetUserID(c), queryLimit(c, 1000, 5000))
	if err != nil {
		h.logger.Error("failed to list extractions", "error", err)
		utils.RespondWithInternalError(c, "Failed to export extractions", nil)
		return
	}
	buf, err := services.ExportWorkbook(list)
	if err != nil {
		h.logger.Error("failed to build workbook", "error", err)
		utils.RespondWithInternalError(c, "Failed to export extractions", nil)
		return
	}

	filename := fmt.Sprintf("extractions-%s.xlsx", time.Now().UTC().Format("20060102"))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Data(http.StatusOK, xlsxContentType, buf.Bytes())
}

func (h *ExtractionsHandler) respondLookupError(c *gin.Context, err error) {
	if errors.Is(err, services.ErrNotFound) {
		utils.RespondWithNotFound(c, "Extraction not found")
		return
	}
	h.logger.Error("extraction lookup failed", "error", err)
	utils.RespondWithInternalError(c, "Failed to load extraction", nil)
}
