package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/example/go-engine-bridge/internal/bridge"
	"github.com/example/go-engine-bridge/internal/config"
	"github.com/example/go-engine-bridge/internal/errdefs"
	"github.com/example/go-engine-bridge/internal/handle"
	"github.com/example/go-engine-bridge/internal/program"
	"github.com/example/go-engine-bridge/internal/registry"
	"github.com/example/go-engine-bridge/internal/runtime"
	"github.com/example/go-engine-bridge/internal/tensor"
)

// ParseLogLevel converts a case-insensitive level string to slog.Level.
// An empty string returns slog.LevelInfo. Unknown strings return an error.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (want debug|info|warn|error)", s)
	}
}

// Executable is a bound program. *program.Executable implements it.
type Executable interface {
	Program() *program.Program
	Objects() map[string]registry.Object
	Run(ctx context.Context, mode registry.Mode, inputs map[string]tensor.Value) ([]tensor.Value, error)
}

// RequestIDHeader carries the request ID in and out.
const RequestIDHeader = "X-Request-ID"

// ---------------------------------------------------------------------------
// Functional options
// ---------------------------------------------------------------------------

type options struct {
	maxBodyBytes   int64
	workers        int
	requestTimeout time.Duration
	logger         *slog.Logger
	tracker        *runtime.Tracker
}

func defaultOptions() options {
	return options{
		maxBodyBytes:   32 << 20,
		workers:        2,
		requestTimeout: 60 * time.Second,
		logger:         slog.Default(),
	}
}

// Option configures the HTTP handler.
type Option func(*options)

// WithMaxBodyBytes caps request bodies for POST /run and /trace.
func WithMaxBodyBytes(n int64) Option {
	return func(o *options) { o.maxBodyBytes = n }
}

// WithWorkers sets the maximum number of concurrent program runs.
// n <= 0 disables throttling.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithRequestTimeout sets the per-request deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// WithLogger sets the slog.Logger used for request logging.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTracker reports engine resource counts on /health.
func WithTracker(t *runtime.Tracker) Option {
	return func(o *options) { o.tracker = t }
}

// ---------------------------------------------------------------------------
// handler
// ---------------------------------------------------------------------------

type handler struct {
	exe  Executable
	opts options
	sem  chan struct{} // semaphore for worker pool
	log  *slog.Logger
}

// NewHandler returns an http.Handler that serves /health, /engines,
// POST /run and POST /trace.
func NewHandler(exe Executable, optFns ...Option) http.Handler {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	h := &handler{
		exe:  exe,
		opts: opts,
		log:  opts.logger,
	}
	if opts.workers > 0 {
		h.sem = make(chan struct{}, opts.workers)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/engines", h.handleEngines)
	mux.HandleFunc("/run", h.handleRun)
	mux.HandleFunc("/trace", h.handleTrace)
	return withRequestID(mux)
}

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		r.Header.Set(RequestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

// Health is the /health response body.
type Health struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	Program      string `json:"program"`
	LiveEngines  int64  `json:"live_engines"`
	LiveContexts int64  `json:"live_contexts"`
	DeviceBytes  int64  `json:"device_bytes"`
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := Health{
		Status:  "ok",
		Version: buildVersion(),
		Program: h.exe.Program().Name,
	}
	if h.opts.tracker != nil {
		s := h.opts.tracker.Stats()
		resp.LiveEngines, resp.LiveContexts, resp.DeviceBytes = s.LiveEngines, s.LiveContexts, s.DeviceBytes
	}
	writeJSON(w, http.StatusOK, resp)
}

// EngineInfo describes one engine object of the served program.
type EngineInfo struct {
	Object             string   `json:"object"`
	Name               string   `json:"name"`
	Inputs             []string `json:"inputs"`
	Outputs            []string `json:"outputs"`
	Device             string   `json:"device"`
	HardwareCompatible bool     `json:"hardware_compatible"`
	TargetPlatform     string   `json:"target_platform"`
	Size               string   `json:"size"`
	Digest             string   `json:"digest"`
}

// Engines lists the program's engine objects sorted by object name.
func Engines(objects map[string]registry.Object) []EngineInfo {
	out := []EngineInfo{}
	for name, obj := range objects {
		hd, ok := obj.Value.(*handle.Handle)
		if obj.ClassName != bridge.ClassName || !ok {
			continue
		}
		out = append(out, EngineInfo{
			Object:             name,
			Name:               hd.Name(),
			Inputs:             hd.InputNames(),
			Outputs:            hd.OutputNames(),
			Device:             hd.Device().String(),
			HardwareCompatible: hd.HardwareCompatible(),
			TargetPlatform:     hd.TargetPlatform(),
			Size:               humanize.Bytes(uint64(len(hd.Engine()))),
			Digest:             hd.Digest(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Object < out[j].Object })
	return out
}

func (h *handler) handleEngines(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Engines(h.exe.Objects()))
}

type runRequest struct {
	Inputs []Tensor `json:"inputs"`
}

type runResponse struct {
	RequestID  string   `json:"request_id"`
	Outputs    []Tensor `json:"outputs"`
	DurationMS int64    `json:"duration_ms"`
}

func (h *handler) handleRun(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, registry.Concrete)
}

func (h *handler) handleTrace(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, registry.Symbolic)
}

func (h *handler) serve(w http.ResponseWriter, r *http.Request, mode registry.Mode) {
	reqID := r.Header.Get(RequestIDHeader)
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, reqID, "method not allowed")
		return
	}

	var req runRequest
	if r.Body != nil && r.ContentLength != 0 {
		body := http.MaxBytesReader(w, r.Body, h.opts.maxBodyBytes)
		if err := json.NewDecoder(body).Decode(&req); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, reqID,
					fmt.Sprintf("request body exceeds maximum size of %d bytes", h.opts.maxBodyBytes))
				return
			}
			writeError(w, http.StatusBadRequest, reqID, "invalid JSON: "+err.Error())
			return
		}
	}

	inputs, err := h.decodeInputs(req.Inputs, mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, reqID, err.Error())
		return
	}

	// Acquire a worker slot, honouring cancellation while waiting.
	if h.sem != nil {
		select {
		case h.sem <- struct{}{}:
		case <-r.Context().Done():
			writeError(w, http.StatusServiceUnavailable, reqID, "request cancelled while waiting for worker")
			return
		}
		defer func() { <-h.sem }()
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.opts.requestTimeout)
	defer cancel()

	prog := h.exe.Program()
	start := time.Now()
	outs, err := h.exe.Run(ctx, mode, inputs)
	durationMS := time.Since(start).Milliseconds()
	attrs := []any{
		slog.String("request_id", reqID),
		slog.String("program", prog.Name),
		slog.String("mode", mode.String()),
		slog.Int64("duration_ms", durationMS),
	}
	if err != nil {
		status := statusFor(err)
		level := slog.LevelWarn
		if status >= http.StatusInternalServerError && status != http.StatusGatewayTimeout {
			level = slog.LevelError
		}
		h.log.Log(r.Context(), level, "program run failed", append(attrs, slog.String("error", err.Error()))...)
		writeError(w, status, reqID, err.Error())
		return
	}
	h.log.InfoContext(r.Context(), "program run complete", attrs...)

	resp := runResponse{RequestID: reqID, DurationMS: durationMS, Outputs: make([]Tensor, len(outs))}
	for i, v := range outs {
		name := prog.Outputs[i]
		if t, ok := v.(*tensor.Tensor); ok {
			resp.Outputs[i] = fromTensor(name, t)
		} else {
			resp.Outputs[i] = fromDescriptor(name, v.Descriptor())
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// decodeInputs converts request tensors; a symbolic request with no inputs
// traces the program's declared input specs.
func (h *handler) decodeInputs(in []Tensor, mode registry.Mode) (map[string]tensor.Value, error) {
	out := make(map[string]tensor.Value, len(in))
	if mode == registry.Symbolic && len(in) == 0 {
		for _, spec := range h.exe.Program().Inputs {
			out[spec.Name] = spec.Descriptor()
		}
		return out, nil
	}
	for _, t := range in {
		if t.Name == "" {
			return nil, errors.New("input tensor without name")
		}
		if _, dup := out[t.Name]; dup {
			return nil, fmt.Errorf("input %q given twice", t.Name)
		}
		if mode == registry.Symbolic {
			d, err := t.descriptor()
			if err != nil {
				return nil, err
			}
			out[t.Name] = d
			continue
		}
		v, err := t.toTensor()
		if err != nil {
			return nil, err
		}
		out[t.Name] = v
	}
	return out, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	case errdefs.IsShapeBinding(err), errdefs.IsDeviceMismatch(err):
		return http.StatusUnprocessableEntity
	case errdefs.IsMalformedHandle(err), errdefs.IsEngineDeserialization(err):
		return http.StatusInternalServerError
	default:
		// Input validation failures from the program layer.
		return http.StatusBadRequest
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, reqID, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "request_id": reqID})
}

// ---------------------------------------------------------------------------
// Server — wires handler into net/http.Server with graceful shutdown
// ---------------------------------------------------------------------------

// Server wires the HTTP handler into a net/http.Server with graceful shutdown.
type Server struct {
	cfg             config.Config
	exe             Executable
	tracker         *runtime.Tracker
	logger          *slog.Logger
	shutdownTimeout time.Duration
}

func New(cfg config.Config, exe Executable, tracker *runtime.Tracker) *Server {
	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Server{
		cfg:             cfg,
		exe:             exe,
		tracker:         tracker,
		logger:          slog.Default(),
		shutdownTimeout: timeout,
	}
}

// WithShutdownTimeout overrides the graceful-shutdown drain period.
func (s *Server) WithShutdownTimeout(d time.Duration) *Server {
	s.shutdownTimeout = d
	return s
}

func (s *Server) Start(ctx context.Context) error {
	handlerOpts := []Option{
		WithWorkers(s.cfg.Server.Workers),
		WithLogger(s.logger),
		WithTracker(s.tracker),
	}
	if s.cfg.Server.RequestTimeout > 0 {
		handlerOpts = append(handlerOpts, WithRequestTimeout(s.cfg.Server.RequestTimeout))
	}
	if s.cfg.Server.MaxBodyBytes > 0 {
		handlerOpts = append(handlerOpts, WithMaxBodyBytes(s.cfg.Server.MaxBodyBytes))
	}

	httpServer := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           NewHandler(s.exe, handlerOpts...),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	s.logger.Info("server listening",
		slog.String("addr", s.cfg.Server.ListenAddr),
		slog.String("program", s.exe.Program().Name),
		slog.Int("workers", s.cfg.Server.Workers))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		s.logger.Info("server stopped")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http listen: %w", err)
	}
}

// ProbeHTTP fetches /health from addr and decodes it.
func ProbeHTTP(addr string) (Health, error) {
	var health Health
	resp, err := http.Get("http://" + addr + "/health") //nolint:noctx
	if err != nil {
		return health, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return health, fmt.Errorf("unexpected health status: %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return health, fmt.Errorf("decode health: %w", err)
	}
	return health, nil
}
