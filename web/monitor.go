// Package web has a web based monitor for network training.
package web

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/jnb666/deepdetect/stats"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Options for the monitor server.
type Options struct {
	Addr         string
	Title        string
	User         string // basic auth is enabled if set
	PasswordHash string
	PlotWidth    int
	PlotHeight   int
}

// Monitor serves the training progress. The trainer pushes steps with Observe and rendered
// detections with SetImage, web clients are updated over a websocket.
type Monitor struct {
	sync.Mutex
	Options
	history *stats.History
	image   []byte
	conns   map[*websocket.Conn]bool
	tmpl    *Templates
	log     *zap.Logger
}

type indexPage struct {
	*Templates
	Title    string
	Epoch    int
	Step     stats.Step
	Cls, Reg stats.Average
}

// NewMonitor creates a monitor which reads the loss history from h.
func NewMonitor(h *stats.History, opts Options, log *zap.Logger) (*Monitor, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Title == "" {
		opts.Title = "deepdetect"
	}
	if opts.PlotWidth == 0 {
		opts.PlotWidth, opts.PlotHeight = 800, 400
	}
	if opts.User != "" && opts.PasswordHash == "" {
		return nil, errors.New("web monitor: password hash required when user is set")
	}
	t, err := NewTemplates(log)
	if err != nil {
		return nil, errors.Wrap(err, "web monitor")
	}
	return &Monitor{Options: opts, history: h, conns: make(map[*websocket.Conn]bool), tmpl: t, log: log}, nil
}

// Observe sends the step record to all connected websocket clients.
func (m *Monitor) Observe(s stats.Step) {
	msg, err := json.Marshal(s)
	if err != nil {
		m.log.Error("encode step", zap.Error(err))
		return
	}
	m.Lock()
	defer m.Unlock()
	for conn := range m.conns {
		m.send(conn, msg)
	}
}

// must be called with the lock held
func (m *Monitor) send(conn *websocket.Conn, msg []byte) {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		m.log.Debug("websocket closed", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
		conn.Close()
		delete(m.conns, conn)
	}
}

// SetImage updates the latest rendered detection image.
func (m *Monitor) SetImage(img image.Image) error {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return errors.Wrap(err, "encode image")
	}
	m.Lock()
	m.image = buf.Bytes()
	m.Unlock()
	return nil
}

// Handler returns the router for the monitor pages.
func (m *Monitor) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", m.index).Methods("GET")
	r.HandleFunc("/stats", m.statsJSON).Methods("GET")
	r.HandleFunc("/plot/loss.svg", m.plotSVG).Methods("GET")
	r.HandleFunc("/img/latest", m.latestImage).Methods("GET")
	r.HandleFunc("/ws", m.serveWS)
	if m.User != "" {
		r.Use(NewAuthMiddleware(m.User, m.PasswordHash, m.log).Middleware)
	}
	return r
}

// ListenAndServe runs the server until the context is cancelled.
func (m *Monitor) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{Addr: m.Addr, Handler: m.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	m.log.Info("serving training monitor", zap.String("addr", m.Addr))
	select {
	case err := <-errc:
		return errors.Wrap(err, "web monitor")
	case <-ctx.Done():
	}
	m.Lock()
	for conn := range m.conns {
		conn.Close()
		delete(m.conns, conn)
	}
	m.Unlock()
	sctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	return srv.Shutdown(sctx)
}

func (m *Monitor) index(w http.ResponseWriter, r *http.Request) {
	p := &indexPage{Templates: m.tmpl, Title: m.Title}
	p.Step, _ = m.history.Last()
	p.Epoch, p.Cls, p.Reg = m.history.Epoch()
	m.tmpl.Exec(w, "index", p)
}

func (m *Monitor) statsJSON(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(m.history.Steps()); err != nil {
		m.log.Error("encode stats", zap.Error(err))
	}
}

func (m *Monitor) plotSVG(w http.ResponseWriter, r *http.Request) {
	svg, err := LossPlot(m.history.Steps(), m.PlotWidth, m.PlotHeight)
	if err != nil {
		m.tmpl.logError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/svg+xml")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(svg)
}

func (m *Monitor) latestImage(w http.ResponseWriter, r *http.Request) {
	m.Lock()
	data := m.image
	m.Unlock()
	if data == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(data)
}

// Handler function for websocket connection. The last step is sent on connection.
func (m *Monitor) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Warn("websocket upgrade", zap.Error(err))
		return
	}
	m.Lock()
	m.conns[conn] = true
	if s, ok := m.history.Last(); ok {
		if msg, err := json.Marshal(s); err == nil {
			m.send(conn, msg)
		}
	}
	m.Unlock()
	// discard client messages and detect close
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				m.Lock()
				if m.conns[conn] {
					conn.Close()
					delete(m.conns, conn)
				}
				m.Unlock()
				return
			}
		}
	}()
}
