package handlers

import (
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"emeltv-player/work/input"
	"emeltv-player/work/logger"
	"emeltv-player/work/middleware"
	"emeltv-player/work/pipeline"
	"emeltv-player/work/utils"
)

// Player is what the control API drives.
type Player interface {
	input.Handler
	Status() pipeline.Status
}

// KeyResponse reports how a key press was routed.
type KeyResponse struct {
	Code    int          `json:"code"`
	Action  input.Action `json:"action,omitempty"`
	Handled bool         `json:"handled"`
}

// StatsResponse carries process-level figures for the status overlay.
type StatsResponse struct {
	Version     string `json:"version"`
	Uptime      string `json:"uptime"`
	MemoryUsage string `json:"memoryUsage"`
	Goroutines  int    `json:"goroutines"`
}

// API holds what the routes need.
type API struct {
	Player  Player
	Keys    *input.Router
	Version string
	started time.Time
}

// NewAPI builds the control API.
func NewAPI(p Player, keys *input.Router, version string) *API {
	return &API{Player: p, Keys: keys, Version: version, started: time.Now()}
}

// Routes registers every control route on router.
func (a *API) Routes(router *mux.Router) {
	router.HandleFunc("/keys/{code:[0-9]+}", middleware.CORS(a.handleKey)).Methods("POST", "OPTIONS")
	router.HandleFunc("/start", middleware.CORS(a.command("start", a.Player.Start))).Methods("POST", "OPTIONS")
	router.HandleFunc("/refresh", middleware.CORS(a.command("refresh", a.Player.Refresh))).Methods("POST", "OPTIONS")
	router.HandleFunc("/toggle", middleware.CORS(a.command("toggle", a.Player.TogglePlayPause))).Methods("POST", "OPTIONS")
	router.HandleFunc("/status", middleware.CORS(middleware.GzipMiddleware(a.handleStatus))).Methods("GET", "OPTIONS")
	router.HandleFunc("/bindings", middleware.CORS(middleware.GzipMiddleware(a.handleBindings))).Methods("GET", "OPTIONS")
	router.HandleFunc("/stats", middleware.CORS(middleware.GzipMiddleware(a.handleStats))).Methods("GET", "OPTIONS")
	router.HandleFunc("/healthz", handleHealth).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

func (a *API) handleKey(w http.ResponseWriter, r *http.Request) {
	code, err := strconv.Atoi(mux.Vars(r)["code"])
	if err != nil {
		http.Error(w, "invalid key code", http.StatusBadRequest)
		return
	}

	action, ok := a.Keys.Dispatch(code, a.Player)
	writeJSON(w, http.StatusOK, KeyResponse{Code: code, Action: action, Handled: ok})
}

func (a *API) command(name string, fn func()) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger.Info("{handlers - command} %s requested via API", name)
		fn()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "command": name})
	}
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Player.Status())
}

func (a *API) handleBindings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Keys.Bindings())
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	writeJSON(w, http.StatusOK, StatsResponse{
		Version:     a.Version,
		Uptime:      time.Since(a.started).Round(time.Second).String(),
		MemoryUsage: utils.FormatBytes(int64(m.Alloc)),
		Goroutines:  runtime.NumGoroutine(),
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("{handlers - writeJSON} Failed to encode response: %v", err)
	}
}
