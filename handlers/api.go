package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	log "github.com/sirupsen/logrus"

	"github.com/zhishengyuan/searchgram-index/indexer"
	"github.com/zhishengyuan/searchgram-index/jwt"
	"github.com/zhishengyuan/searchgram-index/middleware"
	"github.com/zhishengyuan/searchgram-index/models"
)

const (
	defaultPageLen = 10
	gigabyte       = 1024 * 1024 * 1024
)

// Index is the message index served by the API
type Index interface {
	Add(ctx context.Context, msg *models.Message) error
	Update(ctx context.Context, url, content string) error
	Delete(ctx context.Context, url string) error
	Upsert(ctx context.Context, msg *models.Message) error
	UpsertBatch(ctx context.Context, msgs []models.Message) (int, error)
	Search(ctx context.Context, queryText string, chatIDs []int64, pageLen, pageNum int) (*models.SearchResult, error)
	Get(ctx context.Context, url string) (*models.Message, error)
	SampleOne(ctx context.Context) (*models.Message, error)
	Reset(ctx context.Context) error
	Stats(ctx context.Context) (*models.Stats, error)
	Engine() string
	Uptime() time.Duration
}

// APIHandler handles all API endpoints
type APIHandler struct {
	index    Index
	diskPath string // Filesystem holding the index, empty for remote engines
}

// NewAPIHandler creates a new API handler
func NewAPIHandler(index Index, diskPath string) *APIHandler {
	return &APIHandler{
		index:    index,
		diskPath: diskPath,
	}
}

// Routes mounts the API on group. scope, when not nil, builds the middleware guarding
// each route with a token scope.
func (h *APIHandler) Routes(group gin.IRoutes, scope func(string) gin.HandlerFunc) {
	if scope == nil {
		scope = func(string) gin.HandlerFunc { return func(c *gin.Context) { c.Next() } }
	}
	read, write, admin := scope(jwt.ScopeRead), scope(jwt.ScopeWrite), scope(jwt.ScopeAdmin)

	// Message operations
	group.POST("/messages", write, h.Add)
	group.PUT("/messages", write, h.Update)
	group.GET("/messages", read, h.Get)
	group.DELETE("/messages", write, h.Delete)
	group.POST("/upsert", write, h.Upsert)
	group.POST("/upsert/batch", write, h.UpsertBatch)
	group.POST("/search", read, h.Search)
	group.GET("/random", read, h.Random)
	group.DELETE("/clear", admin, h.Clear)

	// Health and stats
	group.GET("/ping", h.Ping)
	group.GET("/stats", read, h.Stats)
	group.GET("/health/system", read, h.SystemInfo)
}

// Add handles indexing a new message
// POST /api/v1/messages
func (h *APIHandler) Add(c *gin.Context) {
	var message models.Message
	if !bindJSON(c, &message, "add") {
		return
	}

	if err := h.index.Add(c.Request.Context(), &message); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, models.WriteResponse{
		Success: true,
		URL:     message.URL,
	})
}

// Update handles replacing the content of a message
// PUT /api/v1/messages
func (h *APIHandler) Update(c *gin.Context) {
	var req models.UpdateRequest
	if !bindJSON(c, &req, "update") {
		return
	}
	if req.URL == "" {
		badRequest(c, "url is required")
		return
	}

	if err := h.index.Update(c.Request.Context(), req.URL, req.Content); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.WriteResponse{
		Success: true,
		URL:     req.URL,
	})
}

// Get handles fetching one message
// GET /api/v1/messages?url=
func (h *APIHandler) Get(c *gin.Context) {
	url := c.Query("url")
	if url == "" {
		badRequest(c, "url query parameter is required")
		return
	}

	message, err := h.index.Get(c.Request.Context(), url)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, message)
}

// Delete handles removing one message
// DELETE /api/v1/messages?url=
func (h *APIHandler) Delete(c *gin.Context) {
	url := c.Query("url")
	if url == "" {
		badRequest(c, "url query parameter is required")
		return
	}

	if err := h.index.Delete(c.Request.Context(), url); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.WriteResponse{
		Success: true,
		URL:     url,
	})
}

// Upsert handles indexing or overwriting a message
// POST /api/v1/upsert
func (h *APIHandler) Upsert(c *gin.Context) {
	var message models.Message
	if !bindJSON(c, &message, "upsert") {
		return
	}

	if err := h.index.Upsert(c.Request.Context(), &message); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.WriteResponse{
		Success: true,
		URL:     message.URL,
	})
}

// UpsertBatch handles batch message indexing
// POST /api/v1/upsert/batch
func (h *APIHandler) UpsertBatch(c *gin.Context) {
	var req models.BatchUpsertRequest
	if !bindJSON(c, &req, "batch upsert") {
		return
	}

	if len(req.Messages) == 0 {
		badRequest(c, "messages array cannot be empty")
		return
	}

	log.WithField("count", len(req.Messages)).Info("Processing batch upsert")

	indexed, err := h.index.UpsertBatch(c.Request.Context(), req.Messages)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.BatchUpsertResponse{
		Success:      true,
		IndexedCount: indexed,
	})
}

// Search handles search requests. A zero page_len or page_num selects the default.
// POST /api/v1/search
func (h *APIHandler) Search(c *gin.Context) {
	var req models.SearchRequest
	if !bindJSON(c, &req, "search") {
		return
	}
	if req.PageLen == 0 {
		req.PageLen = defaultPageLen
	}
	if req.PageNum == 0 {
		req.PageNum = 1
	}

	start := time.Now()
	result, err := h.index.Search(c.Request.Context(), req.Query, req.ChatIDs, req.PageLen, req.PageNum)
	if err != nil {
		writeError(c, err)
		return
	}
	result.TookMs = time.Since(start).Milliseconds()

	c.JSON(http.StatusOK, result)
}

// Random handles sampling one message
// GET /api/v1/random
func (h *APIHandler) Random(c *gin.Context) {
	message, err := h.index.SampleOne(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, message)
}

// Clear handles resetting the whole index
// DELETE /api/v1/clear
func (h *APIHandler) Clear(c *gin.Context) {
	if err := h.index.Reset(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}

	log.WithField("request_id", middleware.GetRequestID(c)).Warn("Index cleared via API")

	c.JSON(http.StatusOK, models.ClearResponse{
		Success: true,
		Message: "All messages cleared",
	})
}

// Ping handles health check requests
// GET /api/v1/ping
func (h *APIHandler) Ping(c *gin.Context) {
	response := models.PingResponse{
		Status:        "ok",
		Engine:        h.index.Engine(),
		UptimeSeconds: int64(h.index.Uptime().Seconds()),
	}

	stats, err := h.index.Stats(c.Request.Context())
	if err != nil {
		log.WithError(err).Error("Ping failed")
		response.Status = "error"
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}
	response.TotalDocuments = stats.Documents

	c.JSON(http.StatusOK, response)
}

// Stats handles statistics requests
// GET /api/v1/stats
func (h *APIHandler) Stats(c *gin.Context) {
	stats, err := h.index.Stats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// SystemInfo handles system information requests
// GET /api/v1/health/system
func (h *APIHandler) SystemInfo(c *gin.Context) {
	system := gin.H{
		"os": gin.H{
			"system":  runtime.GOOS,
			"machine": runtime.GOARCH,
		},
	}

	// CPU
	cpuUsage := 0.0
	if cpuPercent, err := cpu.Percent(200*time.Millisecond, false); err != nil {
		log.WithError(err).Error("Failed to get CPU usage")
	} else if len(cpuPercent) > 0 {
		cpuUsage = cpuPercent[0]
	}
	cpuCounts, _ := cpu.Counts(true)
	cpuCountsPhysical, _ := cpu.Counts(false)
	cpuModel := "Unknown"
	if cpuInfos, err := cpu.Info(); err == nil && len(cpuInfos) > 0 {
		cpuModel = cpuInfos[0].ModelName
	}
	loadAvgData := map[string]float64{"1min": 0, "5min": 0, "15min": 0}
	if loadAvg, err := load.Avg(); err == nil && loadAvg != nil {
		loadAvgData["1min"] = loadAvg.Load1
		loadAvgData["5min"] = loadAvg.Load5
		loadAvgData["15min"] = loadAvg.Load15
	}
	system["cpu"] = gin.H{
		"model":          cpuModel,
		"usage_percent":  round(cpuUsage, 2),
		"count_logical":  cpuCounts,
		"count_physical": cpuCountsPhysical,
		"load_average":   loadAvgData,
	}

	// Memory
	if memInfo, err := mem.VirtualMemory(); err != nil {
		log.WithError(err).Error("Failed to get memory info")
	} else {
		system["memory"] = gin.H{
			"total_gb":     round(float64(memInfo.Total)/gigabyte, 2),
			"used_gb":      round(float64(memInfo.Used)/gigabyte, 2),
			"available_gb": round(float64(memInfo.Available)/gigabyte, 2),
			"percent":      round(memInfo.UsedPercent, 2),
		}
	}

	// Disk holding the index
	if h.diskPath != "" {
		if diskInfo, err := disk.Usage(h.diskPath); err != nil {
			log.WithError(err).WithField("path", h.diskPath).Error("Failed to get disk info")
		} else {
			system["disk"] = gin.H{
				"path":     h.diskPath,
				"total_gb": round(float64(diskInfo.Total)/gigabyte, 2),
				"used_gb":  round(float64(diskInfo.Used)/gigabyte, 2),
				"free_gb":  round(float64(diskInfo.Free)/gigabyte, 2),
				"percent":  round(diskInfo.UsedPercent, 2),
			}
		}
	}

	// Host
	if hostInfo, err := host.Info(); err != nil {
		log.WithError(err).Error("Failed to get host info")
	} else {
		system["uptime"] = gin.H{
			"seconds":   hostInfo.Uptime,
			"formatted": formatDuration(time.Duration(hostInfo.Uptime) * time.Second),
		}
		system["os"] = gin.H{
			"system":   runtime.GOOS,
			"platform": hostInfo.Platform,
			"release":  hostInfo.PlatformVersion,
			"machine":  runtime.GOARCH,
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"service":   "searchgram-index",
		"engine":    h.index.Engine(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"system":    system,
	})
}

// statusFor maps an indexer error kind to an HTTP status
func statusFor(err error) int {
	switch {
	case errors.Is(err, indexer.ErrInvalidQuery),
		errors.Is(err, indexer.ErrInvalidPage),
		errors.Is(err, indexer.ErrInvalidMessage):
		return http.StatusBadRequest
	case errors.Is(err, indexer.ErrNotFound),
		errors.Is(err, indexer.ErrEmptyIndex):
		return http.StatusNotFound
	case errors.Is(err, indexer.ErrDuplicateKey):
		return http.StatusConflict
	case errors.Is(err, indexer.ErrWriteFailure),
		errors.Is(err, indexer.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	entry := log.WithFields(log.Fields{
		"request_id": middleware.GetRequestID(c),
		"path":       c.Request.URL.Path,
		"status":     status,
	}).WithError(err)
	if status >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Warn("Request rejected")
	}
	_ = c.Error(err)

	c.JSON(status, models.ErrorResponse{
		Error:   http.StatusText(status),
		Message: err.Error(),
		Code:    status,
	})
}

func bindJSON(c *gin.Context, dst interface{}, what string) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		log.WithError(err).Warnf("Invalid %s request", what)
		badRequest(c, err.Error())
		return false
	}
	return true
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, models.ErrorResponse{
		Error:   "Bad Request",
		Message: message,
		Code:    http.StatusBadRequest,
	})
}

// Helper function to round float64 to specified decimal places
func round(val float64, precision int) float64 {
	ratio := float64(1)
	for i := 0; i < precision; i++ {
		ratio *= 10
	}
	return float64(int(val*ratio)) / ratio
}

// Helper function to format duration into human-readable string
func formatDuration(d time.Duration) string {
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	} else if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
