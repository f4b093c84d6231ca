package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ChamsBouzaiene/mneme/internal/memory"
	"github.com/ChamsBouzaiene/mneme/internal/session"
)

const defaultSessionID = "default"

func newServeCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the memory API over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			env, err := prepareRuntimeEnv(ctx, opts)
			if err != nil {
				return err
			}
			defer env.Close()
			return runHTTPServer(ctx, opts.settings.HTTPAddr, newHTTPServer(env.Service, env.Model(), log.Logger), func(ctx context.Context) {
				sweepIdleSessions(ctx, env.Service, opts.settings.SessionIdle)
			})
		},
	}
	cmd.Flags().String("http-addr", ":5003", "address to listen on")
	return cmd
}

// runHTTPServer serves e until ctx is done. Background jobs run alongside
// and must return once their ctx is done.
func runHTTPServer(ctx context.Context, addr string, e *echo.Echo, background ...func(context.Context)) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, job := range background {
		job := job
		g.Go(func() error {
			job(ctx)
			return nil
		})
	}
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("memory API listening")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// sweepIdleSessions drops idle sessions from memory every minute so a
// long-running server only holds recently used ones.
func sweepIdleSessions(ctx context.Context, svc *session.Service, maxIdle time.Duration) {
	if maxIdle <= 0 {
		return
	}
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := svc.EvictIdle(maxIdle); n > 0 {
				log.Debug().Int("sessions", n).Msg("evicted idle sessions")
			}
		}
	}
}

type httpHandlers struct {
	service *session.Service
	model   string
	log     zerolog.Logger
}

type chatMemoryRequest struct {
	SessionID    string `json:"session_id"`
	Message      string `json:"message"`
	MemoryLength int    `json:"memory_length"`
	Model        string `json:"model"`
}

type resetRequest struct {
	SessionID string `json:"session_id"`
}

// ndjsonLine is one line of the chat_memory stream.
type ndjsonLine struct {
	Type         string              `json:"type"`
	Content      string              `json:"content,omitempty"`
	MemoryStatus *session.StatusView `json:"memory_status,omitempty"`
}

func newHTTPServer(svc *session.Service, model string, logger zerolog.Logger) *echo.Echo {
	h := &httpHandlers{service: svc, model: model, log: logger}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.CORS())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			logger.Debug().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("request_id", v.RequestID).
				Msg("request")
			return nil
		},
	}))

	api := e.Group("/api")
	api.POST("/chat_memory", h.chatMemory)
	api.POST("/reset", h.reset)
	api.GET("/welcome", h.welcome)
	api.GET("/status", h.status)
	api.GET("/search", h.search)
	return e
}

func sessionParam(c echo.Context, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	if id := c.QueryParam("session_id"); id != "" {
		return id
	}
	return defaultSessionID
}

func badRequest(c echo.Context, err error) error {
	return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
}

func isClientError(err error) bool {
	return errors.Is(err, session.ErrInvalidID) || errors.Is(err, memory.ErrEmptyContent)
}

// chatMemory streams one turn as NDJSON.
func (h *httpHandlers) chatMemory(c echo.Context) error {
	var req chatMemoryRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, err)
	}
	model := req.Model
	if model == "" {
		model = h.model
	}

	ctx := c.Request().Context()
	chunks, err := h.service.Chat(ctx, session.ChatRequest{
		SessionID:  sessionParam(c, req.SessionID),
		Message:    req.Message,
		WindowSize: req.MemoryLength,
		Model:      model,
	})
	if err != nil {
		if isClientError(err) {
			return badRequest(c, err)
		}
		return err
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "application/x-ndjson")
	res.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(res)
	for chunk := range chunks {
		line := ndjsonLine{Type: chunk.Type, Content: chunk.Content, MemoryStatus: chunk.Status}
		if err := enc.Encode(line); err != nil {
			h.log.Debug().Err(err).Msg("client went away mid-stream")
			// keep draining so the turn can finish and release the session
			continue
		}
		res.Flush()
	}
	return nil
}

func (h *httpHandlers) reset(c echo.Context) error {
	var req resetRequest
	// an empty body resets the default session
	_ = c.Bind(&req)
	if err := h.service.Reset(c.Request().Context(), sessionParam(c, req.SessionID)); err != nil {
		if isClientError(err) {
			return badRequest(c, err)
		}
		return err
	}
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

func (h *httpHandlers) welcome(c echo.Context) error {
	resp, err := h.service.Welcome(c.Request().Context(), sessionParam(c, ""))
	if err != nil {
		if isClientError(err) {
			return badRequest(c, err)
		}
		h.log.Error().Err(err).Msg("welcome failed")
		return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *httpHandlers) status(c echo.Context) error {
	view, err := h.service.Status(c.Request().Context(), sessionParam(c, ""))
	if err != nil {
		if isClientError(err) {
			return badRequest(c, err)
		}
		return err
	}
	return c.JSON(http.StatusOK, view)
}

func (h *httpHandlers) search(c echo.Context) error {
	query := c.QueryParam("q")
	if query == "" {
		return badRequest(c, errors.New("missing query parameter q"))
	}
	k := 5
	if raw := c.QueryParam("k"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return badRequest(c, errors.New("k must be a positive integer"))
		}
		k = n
	}
	hits, err := h.service.Search(c.Request().Context(), sessionParam(c, ""), query, k)
	switch {
	case errors.Is(err, session.ErrSearchDisabled):
		return c.JSON(http.StatusNotImplemented, map[string]string{"error": err.Error()})
	case err != nil && isClientError(err):
		return badRequest(c, err)
	case err != nil:
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"query": query, "hits": hits})
}
