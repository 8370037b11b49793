package api

import (
	"GradCamServer/logger"
	"GradCamServer/monitor"
	"GradCamServer/pipeline"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	LiveMessage       = "Backend is live!"
	DefaultMaxUpload  = 10
	tooLargeMessage   = "Uploaded file too large"
	unreadableMessage = "Uploaded file could not be read"
)

type Server struct {
	dispatcher *pipeline.Dispatcher
	maxUpload  int64
}

// NewRouter wires the HTTP surface onto a dispatcher. maxUploadMB bounds the
// multipart body of /predict.
func NewRouter(d *pipeline.Dispatcher, maxUploadMB int) *gin.Engine {
	if maxUploadMB <= 0 {
		maxUploadMB = DefaultMaxUpload
	}
	s := &Server{dispatcher: d, maxUpload: int64(maxUploadMB) << 20}

	r := gin.New()
	r.Use(gin.Recovery(), RequestID(), CORS(), AccessLog())
	r.GET("/", s.live)
	r.HEAD("/", s.live)
	r.GET("/health", s.health)
	r.POST("/predict", s.predict)
	return r
}

func (s *Server) live(c *gin.Context) {
	c.String(http.StatusOK, LiveMessage)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       "healthy",
		"model_loaded": s.dispatcher.Pipeline().Ready(),
	})
}

func (s *Server) predict(c *gin.Context) {
	id := c.GetString(requestIDKey)
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxUpload)

	var image []byte
	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.reject(c, http.StatusRequestEntityTooLarge, tooLargeMessage, "too_large")
			return
		}
		// no file: the pipeline decides between missing input and an unavailable model
	} else {
		f, err := fh.Open()
		if err != nil {
			s.reject(c, http.StatusBadRequest, unreadableMessage, "unreadable")
			return
		}
		image, err = io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			s.reject(c, http.StatusBadRequest, unreadableMessage, "unreadable")
			return
		}
	}

	payload, err := s.dispatcher.Submit(c.Request.Context(), pipeline.Request{
		ID:          id,
		Image:       image,
		GroundTruth: c.PostForm("ground_truth"),
	})
	if err != nil {
		pe := pipeline.AsError(err)
		logger.Log().Warn("prediction failed",
			zap.String("request_id", id),
			zap.String("kind", pe.Kind.String()),
			zap.Error(err))
		monitor.RequestsTotal.WithLabelValues("http", pe.Kind.String()).Inc()
		c.JSON(pe.Kind.Status(), gin.H{"error": pe.Message()})
		return
	}
	monitor.RequestsTotal.WithLabelValues("http", "ok").Inc()
	c.JSON(http.StatusOK, payload)
}

func (s *Server) reject(c *gin.Context, status int, message, outcome string) {
	monitor.RequestsTotal.WithLabelValues("http", outcome).Inc()
	c.JSON(status, gin.H{"error": message})
}
