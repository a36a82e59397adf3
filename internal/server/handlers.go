package server

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/gaspardpetit/mirrx/core/logx"
	"github.com/gaspardpetit/mirrx/core/secret"
	"github.com/gaspardpetit/mirrx/internal/broker"
	"github.com/gaspardpetit/mirrx/internal/config"
	"github.com/gaspardpetit/mirrx/internal/serverstate"
	"github.com/gaspardpetit/mirrx/internal/token"
)

// API bundles the HTTP handlers around the broker.
type API struct {
	Broker  *broker.Broker
	Cfg     config.ServerConfig
	Version string
	Start   time.Time
}

// HandlePair issues a pairing token and the connection URL a peer opens to
// join. The URL advertises the configured public host, falling back to the
// outbound interface address.
func (a *API) HandlePair(w http.ResponseWriter, r *http.Request) {
	meta := token.Metadata{
		Device:     "Android Device",
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
	}
	var body struct {
		Device string `json:"device"`
	}
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.Device != "" {
			meta.Device = body.Device
		}
	}
	t := a.Broker.IssueToken(meta)
	ip := a.Cfg.PublicHost
	if ip == "" {
		ip = outboundIP()
	}
	connectionURL := fmt.Sprintf("http://%s:%d/connect?token=%s", ip, a.Cfg.Port, t.ID)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"connection_url": connectionURL,
		"token":          t.ID,
		"server_ip":      ip,
		"port":           a.Cfg.Port,
	})
}

// HandleDevices lists the connected peer sessions.
func (a *API) HandleDevices(w http.ResponseWriter, r *http.Request) {
	devices := a.Broker.ListDevices()
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"devices": devices,
		"count":   len(devices),
	})
}

// HandleStream serves a live multipart JPEG stream of the session's screen
// at up to the configured frame rate, sleeping between empty pulls so an
// idle peer costs nothing but the poll cadence.
func (a *API) HandleStream(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	if !a.Broker.HasSession(sid) {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": "session not found"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")

	interval := time.Second / time.Duration(a.Cfg.FrameRate)
	ctx := r.Context()
	for {
		frame, ok, err := a.Broker.PullFrame(sid)
		if err != nil {
			// Session disconnected mid-stream; end the response.
			return
		}
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
			continue
		}
		if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame)); err != nil {
			return
		}
		if _, err := w.Write(frame); err != nil {
			return
		}
		if _, err := w.Write([]byte("\r\n")); err != nil {
			return
		}
		flusher.Flush()
	}
}

// HandleFrame serves the freshest buffered frame as a single JPEG. An empty
// buffer answers 204; callers retry at their own cadence.
func (a *API) HandleFrame(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	frame, ok, err := a.Broker.PullFrame(sid)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": "session not found"})
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(frame)))
	if _, err := w.Write(frame); err != nil {
		logx.Log.Debug().Err(err).Str("sid", sid).Msg("write frame")
	}
}

// HandleCommand relays a system command to the session. Targeting a device
// that just disconnected is not an error; only command names outside the
// supported set are rejected.
func (a *API) HandleCommand(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	var body struct {
		Command string `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Command == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "missing command"})
		return
	}
	if err := a.Broker.RelayCommand(sid, body.Command); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "unknown command"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// HandleSystem reports process and host information.
func (a *API) HandleSystem(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"version":            a.Version,
		"uptime_seconds":     int64(time.Since(a.Start).Seconds()),
		"connected_sessions": a.Broker.SessionCount(),
		"server_time":        time.Now().UTC().Format(time.RFC3339),
	}
	if hi, err := host.Info(); err == nil {
		resp["hostname"] = hi.Hostname
		resp["os"] = hi.OS
		resp["platform"] = hi.Platform
		resp["host_uptime_seconds"] = hi.Uptime
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		resp["memory_total_bytes"] = vm.Total
		resp["memory_used_percent"] = vm.UsedPercent
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleState reports the broker's view of the server.
func (a *API) HandleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   serverstate.GetState(),
		"draining": serverstate.IsDraining(),
		"sessions": a.Broker.SessionCount(),
		"tokens":   a.Broker.TokenCount(),
		"version":  a.Version,
	})
}

// HandleHealthz is a trivial liveness probe.
func (a *API) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// HandleConnect validates the pairing token a scanned QR code carries. The
// mobile client page itself is served by a collaborator; this endpoint only
// gates it.
func (a *API) HandleConnect(w http.ResponseWriter, r *http.Request) {
	tok := r.URL.Query().Get("token")
	if tok == "" || !a.Broker.ValidatePairingToken(tok) {
		logx.Log.Info().Str("token", secret.Mask(tok)).Msg("connect refused")
		http.Error(w, "Invalid or expired token", http.StatusForbidden)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "token": tok})
}

// outboundIP discovers the address peers on the LAN can reach. The UDP dial
// never sends a packet; it only selects a route.
func outboundIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer func() { _ = conn.Close() }()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok && addr.IP != nil {
		return addr.IP.String()
	}
	return "localhost"
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
