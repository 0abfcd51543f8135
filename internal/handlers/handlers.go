package handlers

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/knee-grader/internal/grading"
	"github.com/example/knee-grader/internal/logging"
	"github.com/example/knee-grader/internal/session"
	"github.com/example/knee-grader/internal/uploadclient"
	"github.com/example/knee-grader/internal/view"
)

// MaxUploadSize caps the accepted image size.
const MaxUploadSize = 10 << 20

type handler struct {
	sessions *session.Store
	svc      *grading.Service
	logger   *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, sessions *session.Store, svc *grading.Service, logger *zap.Logger) {
	h := &handler{sessions: sessions, svc: svc, logger: logger.Named("handlers")}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/", h.showPage)
	router.POST("/select", h.selectFile)
	router.POST("/submit", h.submit)
	router.POST("/reset", h.reset)
	router.GET("/history", h.history)
	router.GET("/stats", h.stats)
}

// client resolves the upload client for the request's browser session,
// minting a session cookie when needed.
func (h *handler) client(c *gin.Context) *uploadclient.Client {
	id, _ := c.Cookie(session.CookieName)
	fresh, client := h.sessions.Acquire(id)
	if fresh != id {
		c.SetCookie(session.CookieName, fresh, 0, "/", "", false, true)
	}
	return client
}

func (h *handler) showPage(c *gin.Context) {
	client := h.client(c)
	page := view.BuildPage(client.Snapshot())
	c.HTML(http.StatusOK, "index.html", page)
}

func (h *handler) selectFile(c *gin.Context) {
	client := h.client(c)

	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		return
	}
	if file.Size > MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds the upload limit"})
		return
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
		return
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
		return
	}

	// Validation failures land in the page message; the page itself is the
	// response either way.
	if err := client.SelectFile(file.Filename, data); err != nil {
		h.logger.Info("selection rejected", zap.String("file", file.Filename), zap.Error(err))
	}
	c.Redirect(http.StatusSeeOther, "/")
}

func (h *handler) submit(c *gin.Context) {
	client := h.client(c)
	if err := client.Submit(c.Request.Context()); err != nil {
		h.logger.Warn("submission failed",
			zap.Error(logging.NewOperationError("handlers.submit", "", err)))
	}
	c.Redirect(http.StatusSeeOther, "/")
}

func (h *handler) reset(c *gin.Context) {
	client := h.client(c)
	client.Reset()
	c.Redirect(http.StatusSeeOther, "/")
}

func (h *handler) history(c *gin.Context) {
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 200 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 200"})
			return
		}
		limit = parsed
	}

	logs, err := h.svc.RecentPredictions(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list prediction history", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"predictions": logs})
}

func (h *handler) stats(c *gin.Context) {
	summary, err := h.svc.MetricsSummary(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to aggregate stats", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate stats"})
		return
	}
	c.JSON(http.StatusOK, summary)
}
