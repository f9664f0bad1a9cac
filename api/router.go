package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"sumlink/poller"
	"sumlink/record"
	"sumlink/sumread"
)

// DeviceResponse is the JSON response for the device status.
type DeviceResponse struct {
	Name       string `json:"name"`
	Address    string `json:"address"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	DeviceName string `json:"device_name,omitempty"`
	Version    string `json:"version,omitempty"`
	State      string `json:"state,omitempty"`
	Variables  int    `json:"variables"`
	Chunks     int    `json:"chunks"`
	Reads      uint64 `json:"reads"`
	Failures   uint64 `json:"failures"`
	Changes    uint64 `json:"changes"`
	LastRead   string `json:"last_read,omitempty"`
	LastChange string `json:"last_change,omitempty"`
}

// VariableResponse is the JSON response for a variable value.
type VariableResponse struct {
	Device    string      `json:"device"`
	Name      string      `json:"name"`
	Address   string      `json:"address"`
	Type      string      `json:"type"`
	Count     uint32      `json:"count"`
	Writable  bool        `json:"writable"`
	Value     interface{} `json:"value"`
	Alarm     string      `json:"alarm,omitempty"`
	Severity  string      `json:"severity,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// HealthResponse is the JSON structure for device health.
type HealthResponse struct {
	Device    string `json:"device"`
	Online    bool   `json:"online"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// WriteRequest is the JSON request for writing a variable.
type WriteRequest struct {
	Value interface{} `json:"value"`
}

// WriteResponse is the JSON response after writing a variable.
type WriteResponse struct {
	Device    string      `json:"device"`
	Variable  string      `json:"variable"`
	Value     interface{} `json:"value"`
	Success   bool        `json:"success"`
	Alarm     string      `json:"alarm,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
}

func (s *Server) newRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(corsMiddleware)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/login", s.handleLogin)
		r.Post("/logout", s.handleLogout)

		r.Get("/device", s.handleDevice)
		r.Get("/chunks", s.handleChunks)
		r.Get("/variables", s.handleVariables)
		r.Get("/variables/{name}", s.handleVariable)
		r.With(s.writerOnly).Post("/variables/{name}", s.handleWrite)

		r.Get("/events", s.handleSSE)
		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func healthResponse(snap poller.Snapshot, now time.Time) HealthResponse {
	return HealthResponse{
		Device:    snap.Name,
		Online:    snap.Status == poller.StatusConnected,
		Status:    snap.Status.String(),
		Error:     errString(snap.LastError),
		Timestamp: now.UTC().Format(time.RFC3339),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := healthResponse(s.device.Snapshot(), time.Now())
	if !health.Online {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(health)
		return
	}
	writeJSON(w, health)
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	snap := s.device.Snapshot()
	resp := DeviceResponse{
		Name:       snap.Name,
		Address:    snap.Address,
		Status:     snap.Status.String(),
		Error:      errString(snap.LastError),
		Variables:  snap.Variables,
		Chunks:     snap.Chunks,
		Reads:      snap.Reads,
		Failures:   snap.Failures,
		Changes:    snap.Changes,
		LastRead:   formatTime(snap.LastRead),
		LastChange: formatTime(snap.LastChange),
	}
	if snap.Status == poller.StatusConnected {
		resp.DeviceName = snap.Info.DeviceName
		resp.Version = snap.Info.String()
		resp.State = snap.State.ADSState.String()
	}
	writeJSON(w, resp)
}

// handleChunks returns the plain-text sum-read report. ?details=N raises
// the level of detail.
func (s *Server) handleChunks(w http.ResponseWriter, r *http.Request) {
	details := 0
	if d := r.URL.Query().Get("details"); d != "" {
		n, err := strconv.Atoi(d)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid details level")
			return
		}
		details = n
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	s.device.Report(w, details)
}

func (s *Server) variableResponse(v *sumread.Variable, now time.Time) VariableResponse {
	resp := VariableResponse{
		Device:    s.device.Snapshot().Name,
		Name:      v.Name,
		Address:   v.Addr.Specifier(),
		Type:      v.Addr.Type.String(),
		Count:     v.Addr.NElem,
		Writable:  v.Addr.Op == sumread.OpWrite,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	}
	if resp.Writable {
		return resp
	}

	result, err := s.device.Read(v.Name)
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	applyResult(&resp, result)
	return resp
}

func applyResult(resp *VariableResponse, result record.Result) {
	if result.OK() {
		resp.Value = result.Value
		return
	}
	resp.Error = result.Status.Error()
	resp.Alarm = result.Alarm.String()
	resp.Severity = result.Severity.String()
}

func (s *Server) handleVariables(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	vars := s.device.Variables()
	response := make([]VariableResponse, 0, len(vars))
	for _, v := range vars {
		response = append(response, s.variableResponse(v, now))
	}
	writeJSON(w, response)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*sumread.Variable, bool) {
	name, err := url.PathUnescape(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid URL encoding in variable name")
		return nil, false
	}
	for _, v := range s.device.Variables() {
		if v.Name == name {
			return v, true
		}
	}
	writeError(w, http.StatusNotFound, "variable not found")
	return nil, false
}

func (s *Server) handleVariable(w http.ResponseWriter, r *http.Request) {
	v, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, s.variableResponse(v, time.Now()))
}

// write performs one write and builds the response shared by the HTTP and
// WebSocket paths.
func (s *Server) write(name string, value interface{}) WriteResponse {
	resp := WriteResponse{
		Device:    s.device.Snapshot().Name,
		Variable:  name,
		Value:     value,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	result, err := s.device.Write(name, value)
	switch {
	case err != nil:
		resp.Error = err.Error()
	case !result.OK():
		resp.Error = result.Status.Error()
		resp.Alarm = result.Alarm.String()
	default:
		resp.Success = true
	}
	return resp
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	v, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if v.Addr.Op != sumread.OpWrite {
		writeError(w, http.StatusForbidden, "variable is not writable")
		return
	}

	var req WriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	resp := s.write(v.Name, req.Value)
	if !resp.Success {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(resp)
		return
	}
	writeJSON(w, resp)
}
