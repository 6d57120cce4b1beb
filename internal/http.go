package internal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
)

// StatusServer exposes the progress of a running harvest.
type StatusServer struct {
	e    *echo.Echo
	port int
}

func NewStatusServer(cfg *Config, progress *Progress, store QuadStore, m *Metrics) (*StatusServer, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Debug = false
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		LOG.Error().Err(fmt.Errorf("request failed: %w", err)).Msg(err.Error())

		if c.Response().Committed {
			return
		}

		he, ok := err.(*echo.HTTPError)
		if ok {
			if he.Internal != nil {
				if herr, ok := he.Internal.(*echo.HTTPError); ok {
					he = herr
				}
			}
		} else {
			he = ToHttpError(err)
		}

		message := he.Message
		if m, ok := he.Message.(string); ok {
			message = echo.Map{"message": m}
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(he.Code)
		} else {
			err = c.JSON(he.Code, message)
		}
		if err != nil {
			LOG.Error().Err(err).Msg(err.Error())
		}
	}

	h := &statusHandler{progress: progress, store: store}

	e.GET("/health", health)

	// group keeps middleware off the health check
	g := e.Group("/harvest")
	g.Use(DefaultLoggerFilter(cfg, m.Statsd))
	if cfg.Authenticator == "jwt" {
		LOG.Info().Msg("Enabling jwt security")
		jwtFilter, err := DefaultJwtFilter(cfg)
		if err != nil {
			return nil, err
		}
		g.Use(jwtFilter)
		g.Use(JwtAuthorizer(StatusScope))
	}

	g.GET("/status", h.status)
	g.GET("/graphs", h.graphs)
	g.GET("/graphs/count", h.graphCount)

	return &StatusServer{e: e, port: cfg.StatusPort}, nil
}

// Handler is used by tests to serve requests without a listener.
func (s *StatusServer) Handler() http.Handler {
	return s.e
}

// Start serves in the background until Shutdown is called.
func (s *StatusServer) Start() {
	go func() {
		LOG.Info().Int("port", s.port).Msg("Starting status server")
		if err := s.e.Start(":" + strconv.Itoa(s.port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			LOG.Error().Err(err).Msg("Status server stopped")
		}
	}()
}

func (s *StatusServer) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.e.Shutdown(ctx)
}

type statusHandler struct {
	progress *Progress
	store    QuadStore
}

func (h *statusHandler) status(c echo.Context) error {
	return c.JSON(http.StatusOK, h.progress.Snapshot())
}

type graphStat struct {
	Graph string `json:"graph"`
	Quads int    `json:"quads"`
}

func (h *statusHandler) graphs(c echo.Context) error {
	ctx := c.Request().Context()
	graphs, err := h.store.Graphs(ctx)
	if err != nil {
		return ToHttpError(err)
	}
	stats := make([]graphStat, 0, len(graphs))
	for _, g := range graphs {
		n, err := h.store.Count(ctx, g)
		if err != nil {
			return ToHttpError(err)
		}
		stats = append(stats, graphStat{Graph: g, Quads: n})
	}
	return c.JSON(http.StatusOK, stats)
}

// graphCount answers for a single graph given as ?graph=<iri>.
func (h *statusHandler) graphCount(c echo.Context) error {
	ctx := c.Request().Context()
	g := c.QueryParam("graph")
	if g == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing graph parameter")
	}
	n, err := h.store.Count(ctx, g)
	if err != nil {
		return ToHttpError(err)
	}
	if n == 0 {
		return ToHttpError(fmt.Errorf("%w: %s", ErrNoGraph, g))
	}
	return c.JSON(http.StatusOK, graphStat{Graph: g, Quads: n})
}

func health(c echo.Context) error {
	return c.String(http.StatusOK, "UP")
}
