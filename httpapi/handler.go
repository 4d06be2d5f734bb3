// Package httpapi exposes a Processor over HTTP with gin.
package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/bjaus/eventproc"
)

// Invoker dispatches one event. *eventproc.Processor implements it.
type Invoker interface {
	Invoke(ctx context.Context, ev any) (eventproc.Outcome, error)
}

// Handler handles event submissions
type Handler struct {
	processor Invoker
	logger    *zap.Logger
}

// NewHandler creates a new event handler
func NewHandler(processor Invoker, logger *zap.Logger) *Handler {
	return &Handler{
		processor: processor,
		logger:    logger,
	}
}

// ResultBody is one processor result in a response.
type ResultBody struct {
	Processor string `json:"processor"`
	Value     any    `json:"value,omitempty"`
	Error     string `json:"error,omitempty"`
	Kind      string `json:"kind,omitempty"`
}

// OutcomeBody is the response to a dispatched event.
type OutcomeBody struct {
	Shape   string       `json:"shape"`
	Results []ResultBody `json:"results"`
}

// ErrorBody is the response to an event that failed dispatch.
type ErrorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// Handle decodes the JSON request body into an event, invokes the
// processor and renders the outcome.
func (h *Handler) Handle(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.logger.Error("Failed to read request body", zap.Error(err))
		c.JSON(http.StatusBadRequest, ErrorBody{Error: "failed to read request body", Kind: eventproc.KindValidation.String()})
		return
	}

	ev, err := eventproc.DecodeJSON(body)
	if err != nil {
		h.logger.Debug("Rejected event body", zap.Error(err))
		c.JSON(http.StatusBadRequest, ErrorBody{Error: err.Error(), Kind: eventproc.KindValidation.String()})
		return
	}

	out, err := h.processor.Invoke(c.Request.Context(), ev)
	if err != nil {
		status := StatusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("Event processing failed", zap.Error(err))
		}
		c.JSON(status, ErrorBody{Error: err.Error(), Kind: eventproc.KindOf(err).String()})
		return
	}

	c.JSON(http.StatusOK, renderOutcome(out))
}

// StatusFor maps an Invoke error to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, eventproc.ErrNoProcessor):
		return http.StatusNotFound
	case errors.Is(err, eventproc.ErrAmbiguous):
		return http.StatusConflict
	}
	switch eventproc.KindOf(err) {
	case eventproc.KindValidation:
		return http.StatusUnprocessableEntity
	case eventproc.KindDependency:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func renderOutcome(out eventproc.Outcome) OutcomeBody {
	body := OutcomeBody{
		Shape:   out.Shape.String(),
		Results: make([]ResultBody, 0, len(out.Results)),
	}
	for _, r := range out.Results {
		rb := ResultBody{Processor: r.Processor, Value: r.Value}
		if r.HasError() {
			rb.Error = r.Err.Error()
			rb.Kind = eventproc.KindOf(r.Err).String()
		}
		body.Results = append(body.Results, rb)
	}
	return body
}

// NewRouter builds the gin engine serving h at POST /events, with a health
// check at GET /health.
func NewRouter(h *Handler, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(loggingMiddleware(logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "eventproc",
			"time":    time.Now().Format(time.RFC3339),
		})
	})
	router.POST("/events", h.Handle)

	return router
}

// loggingMiddleware logs HTTP requests
func loggingMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		)
	}
}
