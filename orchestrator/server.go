package orchestrator

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pvbatteryctl/controller/clock"
	"github.com/pvbatteryctl/controller/store"
)

// DashboardServer is the thin HTTP/websocket status and control surface:
// a health endpoint that reflects pipeline liveness, a handful of
// read-only JSON endpoints, manual battery control endpoints, and a
// websocket broadcast loop pushing the same health snapshot to connected
// dashboard clients.
type DashboardServer struct {
	ctrl      *Controller
	server    *http.Server
	upgrader  websocket.Upgrader
	clients   sync.Map
	startTime time.Time
	done      chan struct{}
}

// pipelineExpectations is how often each named pipeline is expected to
// run; used by the health handler to flag an overdue pipeline.
var pipelineExpectations = map[string]time.Duration{
	PipelineFetch:       6 * time.Hour,
	PipelineLearn:       time.Hour,
	PipelineSmooth:      24 * time.Hour,
	PipelineBattery:     time.Hour,
	PipelineConsumption: time.Hour,
	PipelineSnapshot:    15 * time.Minute,
	PipelineExecute:     15 * time.Minute,
}

// NewDashboardServer builds the dashboard server for ctrl. port<=0
// disables it.
func NewDashboardServer(ctrl *Controller, port int) *DashboardServer {
	if port <= 0 {
		return nil
	}
	mux := http.NewServeMux()
	ds := &DashboardServer{
		ctrl:      ctrl,
		startTime: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		done: make(chan struct{}),
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}

	mux.HandleFunc("/health", ds.withAuth(ds.healthHandler))
	mux.HandleFunc("/forecast", ds.withAuth(ds.forecastHandler))
	mux.HandleFunc("/api/prices", ds.withAuth(ds.pricesHandler))
	mux.HandleFunc("/api/solar", ds.withAuth(ds.solarHandler))
	mux.HandleFunc("/battery/schedule", ds.withAuth(ds.scheduleHandler))
	mux.HandleFunc("/battery/history", ds.withAuth(ds.historyHandler))
	mux.HandleFunc("/battery/control/charge", ds.withAuth(ds.controlHandler(controlCharge)))
	mux.HandleFunc("/battery/control/discharge", ds.withAuth(ds.controlHandler(controlDischarge)))
	mux.HandleFunc("/battery/control/idle", ds.withAuth(ds.controlHandler(controlIdle)))
	mux.HandleFunc("/battery/control/peak-shaving", ds.withAuth(ds.peakShavingHandler))
	mux.HandleFunc("/api/ws", ds.withAuth(ds.wsHandler))

	return ds
}

// Start launches the HTTP listener and the websocket broadcast loop in the
// background.
func (ds *DashboardServer) Start() {
	if ds == nil {
		return
	}
	go ds.broadcastLoop()
	go func() {
		if err := ds.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ds.ctrl.Logger.Printf("dashboard: server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the HTTP listener and closes every websocket
// client connection.
func (ds *DashboardServer) Stop(ctx context.Context) error {
	if ds == nil {
		return nil
	}
	close(ds.done)
	ds.clients.Range(func(key, _ any) bool {
		if conn, ok := key.(*websocket.Conn); ok {
			conn.Close()
		}
		return true
	})
	return ds.server.Shutdown(ctx)
}

// withAuth enforces HTTP basic auth when Dashboard.AuthUser/AuthPass are
// configured; it is a no-op otherwise.
func (ds *DashboardServer) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := ds.ctrl.Cfg.Dashboard.AuthUser
		pass := ds.ctrl.Cfg.Dashboard.AuthPass
		if user == "" && pass == "" {
			next(w, r)
			return
		}
		gotUser, gotPass, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(gotUser), []byte(user)) != 1 ||
			subtle.ConstantTimeCompare([]byte(gotPass), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="controller"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// pipelineHealth is one pipeline's liveness as reported by /health.
type pipelineHealth struct {
	Status  string `json:"status"`
	At      string `json:"at,omitempty"`
	Overdue bool   `json:"overdue"`
}

// healthSnapshot is the full body of a /health response and of every
// websocket broadcast.
type healthSnapshot struct {
	Status    string                    `json:"status"`
	Timestamp string                    `json:"timestamp"`
	Uptime    string                    `json:"uptime"`
	Pipelines map[string]pipelineHealth `json:"pipelines"`
}

func (ds *DashboardServer) snapshot(ctx context.Context) (healthSnapshot, bool) {
	runs, err := ds.ctrl.Store.GetAllPipelineRuns(ctx)
	byName := make(map[string]store.PipelineRun, len(runs))
	if err == nil {
		for _, r := range runs {
			byName[r.Name] = r
		}
	}

	now := time.Now()
	allHealthy := true
	pipelines := make(map[string]pipelineHealth, len(pipelineExpectations))
	for name, expected := range pipelineExpectations {
		run, seen := byName[name]
		if !seen {
			overdue := time.Since(ds.ctrl.startedAt) > expected*3/2
			pipelines[name] = pipelineHealth{Status: string(store.PipelineNeverRun), Overdue: overdue}
			if overdue {
				allHealthy = false
			}
			continue
		}
		ph := pipelineHealth{Status: string(run.Status), At: run.At}
		if run.Status == store.PipelineError {
			allHealthy = false
		}
		if p, err := clock.Parse(run.At); err == nil {
			ranAt := time.Date(p.Year, time.Month(p.Month), p.Day, p.Hour, p.Minute, 0, 0, ds.ctrl.Loc)
			if now.Sub(ranAt) > expected*3/2 {
				ph.Overdue = true
				allHealthy = false
			}
		}
		pipelines[name] = ph
	}

	status := "healthy"
	if !allHealthy {
		status = "unhealthy"
	}
	return healthSnapshot{
		Status:    status,
		Timestamp: now.UTC().Format(time.RFC3339),
		Uptime:    now.Sub(ds.startTime).String(),
		Pipelines: pipelines,
	}, allHealthy
}

func (ds *DashboardServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	snap, healthy := ds.snapshot(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(snap)
}

func (ds *DashboardServer) forecastHandler(w http.ResponseWriter, r *http.Request) {
	ds.ctrl.mu.RLock()
	out := make([]cachedForecastHour, 0, len(ds.ctrl.forecastCache))
	for _, v := range ds.ctrl.forecastCache {
		out = append(out, v)
	}
	ds.ctrl.mu.RUnlock()
	writeJSON(w, out)
}

func (ds *DashboardServer) pricesHandler(w http.ResponseWriter, r *http.Request) {
	loc := ds.ctrl.Loc
	from := clock.SlotKey(time.Now(), loc)
	to, err := clock.AddSlots(from, 96, loc)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	slots, err := ds.ctrl.Store.GetPricesForRange(r.Context(), from, to)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, slots)
}

func (ds *DashboardServer) solarHandler(w http.ResponseWriter, r *http.Request) {
	ds.forecastHandler(w, r)
}

func (ds *DashboardServer) scheduleHandler(w http.ResponseWriter, r *http.Request) {
	slots, summary := ds.ctrl.Schedule()
	writeJSON(w, map[string]any{"slots": slots, "summary": summary})
}

func (ds *DashboardServer) historyHandler(w http.ResponseWriter, r *http.Request) {
	loc := ds.ctrl.Loc
	to := clock.SlotKey(time.Now(), loc)
	from, err := clock.AddSlots(to, -96, loc)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	slots, err := ds.ctrl.Store.GetScheduleForRange(r.Context(), from, to)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, slots)
}

type controlAction int

const (
	controlCharge controlAction = iota
	controlDischarge
	controlIdle
)

// controlHandler implements a manual override endpoint: /battery/control/
// {charge,discharge,idle} bypass the schedule and drive the inverter
// directly, for operator intervention.
func (ds *DashboardServer) controlHandler(action controlAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var (
			state any
			err   error
		)
		switch action {
		case controlCharge:
			state, err = ds.ctrl.Driver.Charge(r.Context())
		case controlDischarge:
			state, err = ds.ctrl.Driver.Discharge(r.Context())
		default:
			state, err = ds.ctrl.Driver.Idle(r.Context())
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, state)
	}
}

func (ds *DashboardServer) peakShavingHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		KW float64 `json:"kw"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := ds.ctrl.Driver.SetPeakShavingTarget(r.Context(), body.KW); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, map[string]float64{"kw": body.KW})
}

func (ds *DashboardServer) wsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := ds.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ds.ctrl.Logger.Printf("dashboard: websocket upgrade failed: %v", err)
		return
	}
	ds.clients.Store(conn, true)
	defer func() {
		ds.clients.Delete(conn)
		conn.Close()
	}()

	snap, _ := ds.snapshot(r.Context())
	if b, err := json.Marshal(snap); err == nil {
		conn.WriteMessage(websocket.TextMessage, b)
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// broadcastLoop pushes a health snapshot to every connected websocket
// client once per minute.
func (ds *DashboardServer) broadcastLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			snap, _ := ds.snapshot(context.Background())
			b, err := json.Marshal(snap)
			if err != nil {
				continue
			}
			ds.clients.Range(func(key, _ any) bool {
				if conn, ok := key.(*websocket.Conn); ok {
					conn.WriteMessage(websocket.TextMessage, b)
				}
				return true
			})
		case <-ds.done:
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
