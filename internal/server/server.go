package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/shaunagostinho/meterdash/internal/m6610"
	"github.com/shaunagostinho/meterdash/internal/metrics"
	"github.com/shaunagostinho/meterdash/internal/publish"
)

// Server coordinates meter polling and broadcasts readings to WebSocket
// clients, the metrics registry and the publisher.
type Server struct {
	cfg   *Config
	meter m6610.Provider
	sink  publish.Sink
	webFS fs.FS
	log   *zap.Logger

	reg     *prometheus.Registry
	metrics *metrics.MeterMetrics

	latestMu sync.RWMutex
	latest   *m6610.Reading
	lastErr  string

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader

	publishCh chan *m6610.Reading

	// error log throttling
	errLimit   *rate.Limiter
	suppressMu sync.Mutex
	suppressed int

	initialBackoff time.Duration
	maxBackoff     time.Duration
	connects       int
	stopping       atomic.Bool
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Reading *m6610.Reading `json:"reading,omitempty"`
	Meter   MeterStatus    `json:"meter"`
	Stamp   int64          `json:"stamp"` // Unix ms
}

// MeterStatus describes the provider behind the readings.
type MeterStatus struct {
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
	LastError string `json:"lastError,omitempty"` // Classify label of the last failed read
}

// New creates a new Server. A nil sink disables publishing.
func New(cfg *Config, meter m6610.Provider, sink publish.Sink, webFS fs.FS, log *zap.Logger) *Server {
	if sink == nil {
		sink = publish.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	perSec := cfg.Server.ErrorLogPerSec
	if perSec <= 0 {
		perSec = 1
	}

	reg := metrics.NewRegistry()
	return &Server{
		cfg:     cfg,
		meter:   meter,
		sink:    sink,
		webFS:   webFS,
		log:     log.Named("server"),
		reg:     reg,
		metrics: metrics.NewMeterMetrics(reg),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		publishCh:      make(chan *m6610.Reading, 16),
		errLimit:       rate.NewLimiter(rate.Limit(perSec), 5),
		initialBackoff: time.Second,
		maxBackoff:     60 * time.Second,
	}
}

// Handler returns the HTTP routes without starting any loops.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Serve embedded web files
	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}

	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/latest", s.handleLatest)
	mux.HandleFunc("/healthz", s.handleHealthz)

	path := s.cfg.Server.MetricsPath
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, metrics.Handler(s.reg))
	return mux
}

// Run starts the HTTP server, the poll loop and the publisher. It returns
// once ctx is cancelled and the poll loop has released the meter.
func (s *Server) Run(ctx context.Context) error {
	go s.publishLoop(ctx)

	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		s.pollLoop(ctx)
	}()

	srv := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			s.log.Warn("shutdown", zap.Error(err))
		}
	}()

	s.log.Info("listening", zap.String("addr", s.cfg.Server.ListenAddr))
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-pollDone
	return nil
}

// Latest returns the most recent reading, or nil before the first one.
func (s *Server) Latest() *m6610.Reading {
	s.latestMu.RLock()
	defer s.latestMu.RUnlock()
	return s.latest
}

func (s *Server) status() MeterStatus {
	s.latestMu.RLock()
	lastErr := s.lastErr
	s.latestMu.RUnlock()
	return MeterStatus{
		Name:      s.meter.Name(),
		Connected: s.meter.IsConnected(),
		LastError: lastErr,
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("ws upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	s.log.Info("ws client connected", zap.Int("clients", n))

	// Send the current state so the page does not start blank
	first := Frame{Reading: s.Latest(), Meter: s.status(), Stamp: time.Now().UnixMilli()}
	if data, err := json.Marshal(first); err == nil {
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

	// Reader goroutine (handle incoming messages / keep-alive)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			s.log.Info("ws client disconnected", zap.Int("clients", n))
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.cfg.Save(); err != nil {
			s.log.Warn("config save failed", zap.Error(err))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	latest := s.Latest()
	if latest == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	data, err := json.Marshal(latest)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// handleHealthz always answers 200 while the process serves HTTP; the
// body says whether the meter is attached.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	body := struct {
		Status string      `json:"status"`
		Meter  MeterStatus `json:"meter"`
	}{Status: "ok", Meter: s.status()}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

// publishLoop drains publishCh so a slow broker never stalls polling.
func (s *Server) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-s.publishCh:
			if err := s.sink.Publish(r); err != nil {
				s.warnThrottled("publish failed", zap.Error(err))
			}
		}
	}
}
