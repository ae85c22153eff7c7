package server

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jamesdanedu/musicCog-sub000/internal/link"
)

// Server exposes the hardware link to its collaborators: the test-runner
// UI gets live events over WebSocket, plus small JSON APIs for status,
// config, calibration, and stimulus display control. The server only
// consumes link events; it never reaches into the link's internals.
type Server struct {
	cfg *Config
	hw  *link.Link

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader

	unsubscribe []func()
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Envelope is the JSON structure sent to WebSocket clients for every
// link event.
type Envelope struct {
	Type  string      `json:"type"` // connect, disconnect, buttonPress, buttonRelease, calibrationComplete, error
	Stamp int64       `json:"stamp"`
	Data  interface{} `json:"data"`
}

// New creates a Server bound to an existing link.
func New(cfg *Config, hw *link.Link) *Server {
	return &Server{
		cfg:     cfg,
		hw:      hw,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run subscribes to the link and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.subscribe()
	defer s.unsubscribeAll()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/calibrate", s.handleCalibrate)
	mux.HandleFunc("/api/display", s.handleDisplay)

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// subscribe forwards every link event kind to the WebSocket clients.
func (s *Server) subscribe() {
	ev := s.hw.Events()
	s.unsubscribe = append(s.unsubscribe,
		ev.OnConnect(func(v link.ConnectInfo) { s.broadcast("connect", v) }),
		ev.OnDisconnect(func(v link.DisconnectInfo) { s.broadcast("disconnect", v) }),
		ev.OnButtonPress(func(v link.ButtonEvent) { s.broadcast("buttonPress", v) }),
		ev.OnButtonRelease(func(v link.ButtonEvent) { s.broadcast("buttonRelease", v) }),
		ev.OnCalibrationComplete(func(v link.CalibrationResult) { s.broadcast("calibrationComplete", v) }),
		ev.OnError(func(v link.ErrorInfo) { s.broadcast("error", v) }),
	)
}

func (s *Server) unsubscribeAll() {
	for _, u := range s.unsubscribe {
		u()
	}
	s.unsubscribe = nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	total := len(s.clients)
	s.clientsMu.Unlock()

	log.Printf("[ws] client connected (%d total)", total)

	// Seed the new client with current link status.
	if data, err := json.Marshal(Envelope{
		Type:  "status",
		Stamp: time.Now().UnixMilli(),
		Data:  s.hw.Status(),
	}); err == nil {
		client.send <- data
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive / detect hangup)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			total := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			log.Printf("[ws] client disconnected (%d total)", total)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// broadcast fans an event out to every WebSocket client. Slow clients
// are skipped so they can never stall the link's dispatch path.
func (s *Server) broadcast(typ string, data interface{}) {
	payload, err := json.Marshal(Envelope{
		Type:  typ,
		Stamp: time.Now().UnixMilli(),
		Data:  data,
	})
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for client := range s.clients {
		select {
		case client.send <- payload:
		default:
			// Client too slow, skip
		}
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.hw.Status())
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) handleCalibrate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	if err := s.hw.Calibrate(); err != nil {
		http.Error(w, err.Error(), 409)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"calibrating"}`))
}

// displayRequest is the body for /api/display: one action per request.
type displayRequest struct {
	Action     string `json:"action"` // led_on, led_off, pattern, icon, clear, pixel
	Button     int    `json:"button,omitempty"`
	Pattern    int    `json:"pattern,omitempty"`
	Icon       string `json:"icon,omitempty"`
	X          int    `json:"x,omitempty"`
	Y          int    `json:"y,omitempty"`
	Brightness int    `json:"brightness,omitempty"`
}

func (s *Server) handleDisplay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	var req displayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", 400)
		return
	}

	var err error
	switch strings.ToLower(req.Action) {
	case "led_on":
		err = s.hw.SetLED(req.Button, true)
	case "led_off":
		err = s.hw.SetLED(req.Button, false)
	case "pattern":
		err = s.hw.ShowPattern(req.Pattern)
	case "icon":
		err = s.hw.ShowIcon(req.Icon)
	case "clear":
		err = s.hw.ClearDisplay()
	case "pixel":
		err = s.hw.SetPixel(req.X, req.Y, req.Brightness)
	default:
		http.Error(w, "unknown action", 400)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 409)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
