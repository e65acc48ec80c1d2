package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"dealcheck/internal/blob"
	"dealcheck/internal/config"
	"dealcheck/internal/extract"
	"dealcheck/internal/intake"
	"dealcheck/internal/mastersheet"
	"dealcheck/internal/metrics"
	"dealcheck/internal/models"
	"dealcheck/internal/validation"
)

const maxUploadBytes = 20 << 20 // 20 MB

// Handler wires HTTP routes to the intake service and the validation orchestrator.
type Handler struct {
	intake      *intake.Service
	validations *validation.Orchestrator
	metrics     *metrics.Registry
}

// NewHandler constructs a Handler instance.
func NewHandler(intakeService *intake.Service, orchestrator *validation.Orchestrator, registry *metrics.Registry) *Handler {
	return &Handler{
		intake:      intakeService,
		validations: orchestrator,
		metrics:     registry,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if h.metrics != nil {
		router.GET("/metrics", gin.WrapH(h.metrics.Handler()))
	}

	api := router.Group("/api")
	api.POST("/deals", h.createDeal)
	api.GET("/deals", h.listDeals)

	deal := api.Group("/deals/:id")
	deal.Use(h.requireDealID())
	deal.GET("", h.getDeal)
	deal.PUT("/master-sheet", h.registerMasterSheet)
	deal.PUT("/master-sheet/upload", h.uploadMasterSheet)
	deal.GET("/master-sheet", h.getMasterSheet)
	deal.POST("/documents", h.registerDocument)
	deal.POST("/documents/upload", h.uploadDocument)
	deal.GET("/documents", h.listDocuments)
	deal.POST("/validations", h.runValidation)
	deal.GET("/validations", h.listValidations)
	deal.GET("/validations/latest", h.latestValidation)
	deal.GET("/validations/:run_id", h.getValidation)
	deal.GET("/validations/:run_id/export", h.exportValidation)
}

// requireDealID parses the :id path parameter once for the deal routes.
func (h *Handler) requireDealID() gin.HandlerFunc {
	return func(c *gin.Context) {
		dealID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || dealID <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid deal id"})
			return
		}
		c.Set("deal_id", dealID)
		c.Next()
	}
}

func dealID(c *gin.Context) int64 {
	return c.GetInt64("deal_id")
}

func (h *Handler) createDeal(c *gin.Context) {
	var req intake.CreateDealRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	deal, err := h.intake.CreateDeal(c.Request.Context(), req)
	if err != nil {
		writeError(c, "createDeal", err)
		return
	}
	c.JSON(http.StatusCreated, deal)
}

func (h *Handler) listDeals(c *gin.Context) {
	deals, err := h.intake.Deals(c.Request.Context())
	if err != nil {
		writeError(c, "listDeals", err)
		return
	}
	if deals == nil {
		deals = make([]models.Deal, 0)
	}
	c.JSON(http.StatusOK, gin.H{"deals": deals})
}

func (h *Handler) getDeal(c *gin.Context) {
	deal, err := h.intake.Deal(c.Request.Context(), dealID(c))
	if err != nil {
		writeError(c, "getDeal", err)
		return
	}
	c.JSON(http.StatusOK, deal)
}

func (h *Handler) registerMasterSheet(c *gin.Context) {
	var req intake.MasterSheetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	sheet, entries, err := h.intake.RegisterMasterSheet(c.Request.Context(), dealID(c), req)
	if err != nil {
		writeError(c, "registerMasterSheet", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"master_sheet": sheet, "entries": nonNilEntries(entries)})
}

func (h *Handler) uploadMasterSheet(c *gin.Context) {
	name, mimeType, data, ok := readUpload(c)
	if !ok {
		return
	}
	sheet, entries, err := h.intake.UploadMasterSheet(c.Request.Context(), dealID(c), name, mimeType, data)
	if err != nil {
		writeError(c, "uploadMasterSheet", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"master_sheet": sheet, "entries": nonNilEntries(entries)})
}

func (h *Handler) getMasterSheet(c *gin.Context) {
	sheet, entries, err := h.intake.MasterSheet(c.Request.Context(), dealID(c))
	if err != nil {
		writeError(c, "getMasterSheet", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"master_sheet": sheet, "entries": nonNilEntries(entries)})
}

func (h *Handler) registerDocument(c *gin.Context) {
	var req intake.DocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	doc, err := h.intake.RegisterDocument(c.Request.Context(), dealID(c), req)
	if err != nil {
		writeError(c, "registerDocument", err)
		return
	}
	c.JSON(http.StatusCreated, doc)
}

func (h *Handler) uploadDocument(c *gin.Context) {
	name, mimeType, data, ok := readUpload(c)
	if !ok {
		return
	}
	doc, err := h.intake.UploadDocument(c.Request.Context(), dealID(c), name, mimeType, data)
	if err != nil {
		writeError(c, "uploadDocument", err)
		return
	}
	c.JSON(http.StatusCreated, doc)
}

func (h *Handler) listDocuments(c *gin.Context) {
	docs, err := h.intake.Documents(c.Request.Context(), dealID(c))
	if err != nil {
		writeError(c, "listDocuments", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}

func (h *Handler) runValidation(c *gin.Context) {
	run, err := h.validations.Run(c.Request.Context(), dealID(c))
	if err != nil {
		writeError(c, "runValidation", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"run_id":  run.ID,
		"summary": run.Summary(),
		"results": run.Results,
	})
}

func (h *Handler) listValidations(c *gin.Context) {
	history, err := h.validations.History(c.Request.Context(), dealID(c))
	if err != nil {
		writeError(c, "listValidations", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": history})
}

func (h *Handler) latestValidation(c *gin.Context) {
	summary, err := h.validations.Latest(c.Request.Context(), dealID(c))
	if err != nil {
		writeError(c, "latestValidation", err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *Handler) getValidation(c *gin.Context) {
	run, err := h.validations.GetRun(c.Request.Context(), dealID(c), c.Param("run_id"))
	if err != nil {
		writeError(c, "getValidation", err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (h *Handler) exportValidation(c *gin.Context) {
	format := c.DefaultQuery("format", "csv")
	if format != "csv" && format != "xlsx" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "format must be csv or xlsx"})
		return
	}
	run, err := h.validations.GetRun(c.Request.Context(), dealID(c), c.Param("run_id"))
	if err != nil {
		writeError(c, "exportValidation", err)
		return
	}
	var (
		buf         bytes.Buffer
		contentType string
	)
	switch format {
	case "xlsx":
		contentType = mastersheet.MimeXLSX
		err = validation.WriteXLSX(&buf, run)
	default:
		contentType = "text/csv; charset=utf-8"
		err = validation.WriteCSV(&buf, run)
	}
	if err != nil {
		writeError(c, "exportValidation", err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="validation-%s.%s"`, run.ID, format))
	c.Data(http.StatusOK, contentType, buf.Bytes())
}

// readUpload reads the multipart "file" part. An undeclared part type is left
// empty so the file extension decides the format.
func readUpload(c *gin.Context) (name, mimeType string, data []byte, ok bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes+1<<20)
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return "", "", nil, false
	}
	if file.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return "", "", nil, false
	}
	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "open file failed"})
		return "", "", nil, false
	}
	defer f.Close()
	data, err = io.ReadAll(f)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read file failed"})
		return "", "", nil, false
	}
	mimeType = c.PostForm("mime_type")
	if mimeType == "" {
		mimeType = file.Header.Get("Content-Type")
	}
	if mimeType == "application/octet-stream" {
		mimeType = ""
	}
	return file.Filename, mimeType, data, true
}

func writeError(c *gin.Context, funcName string, err error) {
	var (
		reqErr   *intake.RequestError
		parseErr *mastersheet.ParseError
	)
	switch {
	case errors.As(err, &reqErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": reqErr.Error(), "fields": reqErr.Fields})
	case errors.Is(err, validation.ErrDealNotFound), errors.Is(err, validation.ErrRunNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, validation.ErrNoMasterSheet), errors.Is(err, validation.ErrNoDocuments):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &parseErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": parseErr.Error(), "row": parseErr.Row})
	case extract.IsUnsupported(err):
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": err.Error()})
	case errors.Is(err, blob.ErrNotFound), errors.Is(err, blob.ErrNotServable), errors.Is(err, blob.ErrTooLarge):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		config.LogError(config.GetLogger(), "api", funcName, c.Request.URL.Path, nil, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func nonNilEntries(entries []models.MasterSheetEntry) []models.MasterSheetEntry {
	if entries == nil {
		return make([]models.MasterSheetEntry, 0)
	}
	return entries
}
