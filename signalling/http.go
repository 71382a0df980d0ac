// Package signalling is the HTTP front door: the SDP handshake on POST /,
// a landing page, the status/metrics surfaces and the live dashboard.
package signalling

import (
	"context"
	"encoding/json"
	"html/template"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"placeserver/logging"
	"placeserver/place"
	"placeserver/wire"
)

// Options carries the presentation knobs of the HTTP surface.
type Options struct {
	AppName        string
	AppDownloadURL string
	AppURLProtocol string
}

// Server serves the place's HTTP routes.
type Server struct {
	place    *place.Place
	opts     Options
	upgrader websocket.Upgrader
}

// NewServer builds the HTTP front end for a place.
func NewServer(p *place.Place, opts Options) *Server {
	return &Server{
		place: p,
		opts:  opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleConnect).Methods("POST")
	r.HandleFunc("/", s.handleLanding).Methods("GET")
	r.HandleFunc("/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/dashboard", s.handleDashboard).Methods("GET")
	r.HandleFunc("/dashboard/live", s.handleDashboardLive).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	return r
}

// handleConnect accepts a JSON offer, creates the transport and session and
// returns the answer with the assigned client id.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var offer wire.SignallingPayload
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
		http.Error(w, "malformed signalling payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	if offer.SDP == "" {
		http.Error(w, "offer is missing its sdp", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	answer, err := s.place.Connect(ctx, &offer)
	if err != nil {
		logging.Error("handshake failed", map[string]interface{}{
			"remote": r.RemoteAddr,
			"error":  err.Error(),
		})
		http.Error(w, "failed to establish connection", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(answer); err != nil {
		logging.Debug("answer write failed", map[string]interface{}{"error": err.Error()})
	}
}

var landingTemplate = template.Must(template.New("landing").Parse(`<!DOCTYPE html>
<html>
<head><title>{{.PlaceName}}</title></head>
<body>
  <h1>{{.PlaceName}}</h1>
  <p>This is a place. Step inside with {{.AppName}}:</p>
  <p><a href="{{.LaunchURL}}">Open {{.PlaceName}} in {{.AppName}}</a></p>
  <p>No app yet? <a href="{{.DownloadURL}}">Download {{.AppName}}</a>.</p>
</body>
</html>
`))

func (s *Server) handleLanding(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := landingTemplate.Execute(w, map[string]string{
		"PlaceName":   s.place.Name(),
		"AppName":     s.opts.AppName,
		"DownloadURL": s.opts.AppDownloadURL,
		"LaunchURL":   s.opts.AppURLProtocol + "://" + r.Host,
	})
	if err != nil {
		logging.Debug("landing render failed", map[string]interface{}{"error": err.Error()})
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.place.CollectStats())
}

var dashboardTemplate = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html>
<head><title>{{.Name}} dashboard</title></head>
<body>
  <h1>{{.Name}}</h1>
  <p>revision {{.Revision}} &middot; {{.Entities}} entities &middot; {{.Announced}}/{{.Connected}} clients announced &middot; {{.Forwarders}} forwarders</p>
  <h2>Clients</h2>
  <table border="1" cellpadding="4">
    <tr><th>client</th><th>announced</th><th>name</th><th>avatar</th><th>acked rev</th></tr>
    {{range .Clients}}<tr><td>{{.ClientID}}</td><td>{{.Announced}}</td><td>{{.DisplayName}}</td><td>{{.Avatar}}</td><td>{{.AckdRev}}</td></tr>
    {{end}}
  </table>
  <h2>Forwardings</h2>
  <ul>{{range .Forwardings}}<li>{{.}}</li>{{end}}</ul>
  <script>
    const ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/dashboard/live");
    ws.onmessage = () => location.reload();
  </script>
</body>
</html>
`))

func (s *Server) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dashboardTemplate.Execute(w, s.place.CollectStats()); err != nil {
		logging.Debug("dashboard render failed", map[string]interface{}{"error": err.Error()})
	}
}

// handleDashboardLive pushes a stats snapshot after a heartbeat firing, at
// most once per second; firings inside that second are skipped.
func (s *Server) handleDashboardLive(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Debug("dashboard upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}
	defer conn.Close()

	ctx := r.Context()
	for {
		if err := s.place.Heartbeat().AwaitNextSync(ctx); err != nil {
			return
		}
		if err := conn.WriteJSON(s.place.CollectStats()); err != nil {
			return
		}
		// The heartbeat can fire 50 times a second under load; one
		// dashboard refresh per second is plenty.
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}
