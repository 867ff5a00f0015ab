package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/specialistvlad/gpugrid/internal/config"
	"github.com/specialistvlad/gpugrid/internal/metrics"
)

// ErrJobsFailed is returned by Run when the dispatch finished but at least
// one job did not succeed.
var ErrJobsFailed = errors.New("one or more jobs did not succeed")

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	ctx        context.Context
	outW       io.Writer
	logger     *slog.Logger
	config     *Config
	loader     config.Loader
	metrics    *metrics.Metrics
	httpServer *http.Server
}

// NewApp is the constructor for the main application. Reports and summaries
// are written to outW, logs to logW.
func NewApp(outW, logW io.Writer, appConfig *Config, loader config.Loader) *App {
	logger := newLogger(appConfig.LogLevel, appConfig.LogFormat, logW)
	logger.Debug("Logger configured successfully.")

	return &App{
		ctx:     context.Background(),
		outW:    outW,
		logger:  logger,
		config:  appConfig,
		loader:  loader,
		metrics: metrics.New(),
	}
}

// Metrics returns the application's metrics. This is primarily for testing.
func (a *App) Metrics() *metrics.Metrics {
	return a.metrics
}
