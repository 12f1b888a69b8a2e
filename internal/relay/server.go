// Package relay is the server-side collaboration endpoint: websocket
// transport for document updates, a per-process room registry, and the
// replication bridge hookup for cross-instance convergence.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/freemannotes/notesync/internal/bridge"
	"github.com/freemannotes/notesync/internal/config"
	"github.com/freemannotes/notesync/internal/crdt"
)

// Server hosts the collab websocket and management endpoints.
type Server struct {
	cfg     *config.Config
	bridge  *bridge.Bridge
	factory crdt.Factory

	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]*room
}

// room is one live document plus its local subscriber connections. Created on
// the first subscriber, destroyed when the last one leaves.
type room struct {
	doc         crdt.Doc
	conns       map[*conn]struct{}
	unsubscribe func()
}

type conn struct {
	ws     *websocket.Conn
	send   chan []byte
	origin string
}

// New builds a relay server. A disabled bridge is a valid argument.
func New(cfg *config.Config, br *bridge.Bridge, factory crdt.Factory) *Server {
	return &Server{
		cfg:     cfg,
		bridge:  br,
		factory: factory,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1 << 16,
			WriteBufferSize: 1 << 16,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		rooms: make(map[string]*room),
	}
}

// Router builds the gin router.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/collab/:docId", s.handleCollab)
	return r
}

// Run serves until ctx is cancelled, then drains within the configured
// timeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(s.cfg.Listener.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: s.cfg.Listener.ReadHeaderTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Relay listening", "addr", srv.Addr, "bridge", s.bridge.Enabled())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("relay serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("Shutting down relay...")
		drainCtx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainTimeout)
		defer cancel()
		if err := srv.Shutdown(drainCtx); err != nil {
			log.Error("Relay shutdown error", "err", err)
		}
		return nil
	})
	return g.Wait()
}

func (s *Server) handleCollab(c *gin.Context) {
	docID := strings.TrimSpace(c.Param("docId"))
	if docID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing docId"})
		return
	}
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("Websocket upgrade failed", "docId", docID, "err", err)
		return
	}
	s.serveConn(docID, ws)
}

func (s *Server) serveConn(docID string, ws *websocket.Conn) {
	cn := &conn{
		ws:     ws,
		send:   make(chan []byte, 64),
		origin: "ws-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8],
	}
	rm, state := s.join(docID, cn)

	go cn.writeLoop()

	// Full current state first, so a joining client converges immediately.
	if len(state) > 0 {
		cn.enqueue(state)
	}

	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		if kind != websocket.BinaryMessage || len(data) == 0 {
			continue
		}
		if err := rm.doc.ApplyUpdate(data, cn.origin); err != nil {
			log.Warn("Rejected inbound document update", "docId", docID, "err", err)
		}
	}

	s.leave(docID, cn)
	close(cn.send)
	ws.Close()
}

// join adds the connection, creating and bridge-registering the room's
// document on first subscriber. Returns the room and the document's current
// encoded state.
func (s *Server) join(docID string, cn *conn) (*room, []byte) {
	s.mu.Lock()
	rm, ok := s.rooms[docID]
	if !ok {
		doc := s.factory()
		rm = &room{doc: doc, conns: make(map[*conn]struct{})}
		rm.unsubscribe = doc.OnUpdate(func(update []byte, origin string) {
			s.fanout(docID, update, origin)
		})
		s.rooms[docID] = rm
		s.bridge.RegisterDoc(docID, doc)
		log.Debug("Opened collab room", "docId", docID)
	}
	rm.conns[cn] = struct{}{}
	s.mu.Unlock()

	state, err := rm.doc.EncodeStateAsUpdate()
	if err != nil {
		log.Error("Failed to encode room state", "docId", docID, "err", err)
		state = nil
	}
	return rm, state
}

func (s *Server) leave(docID string, cn *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm, ok := s.rooms[docID]
	if !ok {
		return
	}
	delete(rm.conns, cn)
	if len(rm.conns) > 0 {
		return
	}
	rm.unsubscribe()
	delete(s.rooms, docID)
	s.bridge.UnregisterDoc(docID)
	log.Debug("Closed collab room", "docId", docID)
}

// fanout delivers one update to every local subscriber except its source
// connection. Bridge-applied updates carry the bridge origin and reach all
// local connections.
func (s *Server) fanout(docID string, update []byte, origin string) {
	s.mu.Lock()
	rm, ok := s.rooms[docID]
	if !ok {
		s.mu.Unlock()
		return
	}
	conns := make([]*conn, 0, len(rm.conns))
	for c := range rm.conns {
		if c.origin == origin {
			continue
		}
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.enqueue(update)
	}
}

func (cn *conn) enqueue(update []byte) {
	defer func() {
		// Racing a concurrent close of cn.send; the connection is going away.
		_ = recover()
	}()
	select {
	case cn.send <- update:
	default:
		log.Warn("Dropping update for slow collab connection")
	}
}

func (cn *conn) writeLoop() {
	for update := range cn.send {
		cn.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := cn.ws.WriteMessage(websocket.BinaryMessage, update); err != nil {
			return
		}
	}
}
