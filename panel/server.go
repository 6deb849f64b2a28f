// Package panel serves the generation form, job status and result list over HTTP.
package panel

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/richinsley/comfypanel/client"
	"github.com/richinsley/comfypanel/format"
	"github.com/richinsley/comfypanel/generate"
	"github.com/richinsley/comfypanel/graphapi"
)

const (
	MainPageName = "index.html"

	defaultImageLimit = 100
)

//go:embed views/*.html
var templateFS embed.FS

// SystemSource reports backend machine stats.
type SystemSource interface {
	GetSystemStats(ctx context.Context) (*client.SystemStats, error)
	BaseURL() string
}

type Server struct {
	panel  *generate.Panel
	system SystemSource

	// jobs outlive the request that started them; they end with this context
	jobCtx context.Context
	now    func() time.Time
}

// NewServer wires a panel and its backend into HTTP handlers. Background jobs
// started through the API are cancelled when jobCtx is done.
func NewServer(jobCtx context.Context, panel *generate.Panel, system SystemSource) *Server {
	return &Server{
		panel:  panel,
		system: system,
		jobCtx: jobCtx,
		now:    time.Now,
	}
}

// NewEcho returns an echo instance with the logging, recovery and
// validation middleware the panel routes expect.
func NewEcho(logger *slog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		Skipper: func(c echo.Context) bool {
			// status is polled continuously by the page
			return c.Path() == "/health" || c.Path() == "/api/status"
		},
		LogStatus:    true,
		LogLatency:   true,
		LogMethod:    true,
		LogURI:       true,
		LogError:     true,
		LogRemoteIP:  true,
		LogRoutePath: true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"route", v.RoutePath,
				"status", v.Status,
				"latency", v.Latency,
				"remote_ip", v.RemoteIP,
			}
			if v.Error != nil {
				logger.Error("request", append(attrs, "error", v.Error)...)
			} else {
				logger.Info("request", attrs...)
			}
			return nil
		},
	}))

	e.Use(middleware.Recover())
	e.Pre(middleware.RemoveTrailingSlash())

	e.Validator = &GenericEchoValidator{Validator: validator.New()}

	return e
}

func (s *Server) SetRoutes(e *echo.Echo) {
	e.Renderer = &Template{
		templates: template.Must(template.New("").ParseFS(templateFS, "views/*.html")),
	}

	e.GET("/", s.indexHandler)
	e.GET("/health", s.healthHandler)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api")
	api.GET("/models", s.modelsHandler)
	api.POST("/generate", s.generateHandler)
	api.GET("/status", s.statusHandler)
	api.GET("/images", s.imagesHandler)
	api.GET("/system", s.systemHandler)
}

type Template struct {
	templates *template.Template
}

func (t *Template) Render(w io.Writer, name string, data interface{}, c echo.Context) error {
	return t.templates.ExecuteTemplate(w, name, data)
}

type pageData struct {
	Models   []graphapi.Model
	Defaults graphapi.Params
	Backend  string
}

func (s *Server) indexHandler(ctx echo.Context) error {
	return ctx.Render(http.StatusOK, MainPageName, pageData{
		Models:   s.panel.Models(),
		Defaults: graphapi.DefaultParams(),
		Backend:  s.system.BaseURL(),
	})
}

func (s *Server) healthHandler(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}

type modelsResponse struct {
	Models   []graphapi.Model `json:"models"`
	Defaults graphapi.Params  `json:"defaults"`
}

func (s *Server) modelsHandler(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, modelsResponse{
		Models:   s.panel.Models(),
		Defaults: graphapi.DefaultParams(),
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) generateHandler(ctx echo.Context) error {
	// fields left out of the body keep the form defaults
	req := generate.Request{Params: graphapi.DefaultParams()}
	if err := ctx.Bind(&req); err != nil {
		slog.Warn("generateHandler: failed to bind request", "status", http.StatusBadRequest, "error", err)
		return ctx.JSON(http.StatusBadRequest, errorResponse{Error: "malformed request body"})
	}

	err := s.panel.Start(s.jobCtx, req)
	switch {
	case err == nil:
		return ctx.JSON(http.StatusAccepted, s.panel.Status())
	case errors.Is(err, generate.ErrBusy):
		return ctx.JSON(http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, generate.ErrEmptyPrompt),
		errors.Is(err, generate.ErrInvalidParams),
		errors.Is(err, generate.ErrUnknownModel):
		return ctx.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	slog.Error("generateHandler: failed to start job", "status", http.StatusInternalServerError, "error", err)
	return ctx.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
}

func (s *Server) statusHandler(ctx echo.Context) error {
	setNoCache(ctx)
	return ctx.JSON(http.StatusOK, s.panel.Status())
}

type imagesQuery struct {
	Limit int `query:"limit" validate:"min=0,max=1000"`
}

type imageView struct {
	generate.ImageRecord
	Age string `json:"age"`
}

func (s *Server) imagesHandler(ctx echo.Context) error {
	q := imagesQuery{Limit: defaultImageLimit}
	if err := ctx.Bind(&q); err != nil {
		return ctx.JSON(http.StatusBadRequest, errorResponse{Error: "invalid query"})
	}
	if err := ctx.Validate(q); err != nil {
		return err
	}

	records := s.panel.Results()
	if q.Limit > 0 && len(records) > q.Limit {
		records = records[:q.Limit]
	}
	now := s.now()
	views := make([]imageView, 0, len(records))
	for _, r := range records {
		views = append(views, imageView{ImageRecord: r, Age: format.Relative(r.CreatedAt, now)})
	}

	setNoCache(ctx)
	return ctx.JSON(http.StatusOK, views)
}

type deviceView struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	VRAMTotal string `json:"vram_total"`
	VRAMFree  string `json:"vram_free"`
}

type systemView struct {
	Backend        string       `json:"backend"`
	OS             string       `json:"os"`
	PythonVersion  string       `json:"python_version"`
	ComfyUIVersion string       `json:"comfyui_version,omitempty"`
	RAMTotal       string       `json:"ram_total"`
	RAMFree        string       `json:"ram_free"`
	Devices        []deviceView `json:"devices"`
}

func (s *Server) systemHandler(ctx echo.Context) error {
	stats, err := s.system.GetSystemStats(ctx.Request().Context())
	if err != nil {
		slog.Error("systemHandler: failed to read system stats", "status", http.StatusBadGateway, "error", err)
		return ctx.JSON(http.StatusBadGateway, errorResponse{Error: "backend unavailable"})
	}

	view := systemView{
		Backend:        s.system.BaseURL(),
		OS:             stats.System.OS,
		PythonVersion:  stats.System.PythonVersion,
		ComfyUIVersion: stats.System.ComfyUIVersion,
		RAMTotal:       format.Bytes(stats.System.RAMTotal),
		RAMFree:        format.Bytes(stats.System.RAMFree),
		Devices:        make([]deviceView, 0, len(stats.Devices)),
	}
	for _, d := range stats.Devices {
		view.Devices = append(view.Devices, deviceView{
			Name:      d.Name,
			Type:      d.Type,
			VRAMTotal: format.Bytes(d.VRAM_Total),
			VRAMFree:  format.Bytes(d.VRAM_Free),
		})
	}
	return ctx.JSON(http.StatusOK, view)
}

func setNoCache(ctx echo.Context) {
	h := ctx.Response().Header()
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	h.Set("Pragma", "no-cache")
}

type GenericEchoValidator struct {
	Validator *validator.Validate
}

func (gv *GenericEchoValidator) Validate(i interface{}) error {
	if gv.Validator == nil {
		gv.Validator = validator.New()
	}
	if err := gv.Validator.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "received invalid request: "+err.Error())
	}
	return nil
}
