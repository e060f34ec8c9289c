// Package server terminates TLS and splits each connection between the
// static HTTP responder and the WebSocket stream/control path.
package server

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"golang.org/x/net/netutil"

	"github.com/mokulua/kvm/internal/hub"
	"github.com/mokulua/kvm/internal/input"
	"github.com/mokulua/kvm/internal/logging"
	"github.com/mokulua/kvm/internal/metrics"
)

var log = logging.DefaultLogger.WithTag("server")

// Inbound control frames are tiny JSON events; anything larger is a
// protocol violation.
const maxInboundMessageSize = 64 << 10

type Config struct {
	Addr     string
	CertFile string
	KeyFile  string

	// Upper bound on concurrently accepted connections.
	MaxClients int

	// Tar archive holding the web UI.
	Assets []byte
}

type Server struct {
	cfg      Config
	hub      *hub.Hub
	injector *input.Injector

	static *Archive
	certs  *certManager
	httpd  *http.Server

	upgrader websocket.Upgrader
}

func New(cfg Config, h *hub.Hub, in *input.Injector) (*Server, error) {
	certs, err := newCertManager(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		hub:      h,
		injector: in,
		static:   NewArchive(cfg.Assets),
		certs:    certs,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// TLS is transport security only; no origin policy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.httpd = &http.Server{
		Handler: http.HandlerFunc(s.route),
	}
	return s, nil
}

// ListenAndServe accepts TLS connections until Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", s.cfg.Addr)
	}
	ln = noDelayListener{ln.(*net.TCPListener)}
	if s.cfg.MaxClients > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxClients)
	}
	tlsLn := tls.NewListener(ln, s.certs.tlsConfig())

	log.Info("listening on https://%s", s.cfg.Addr)
	err = s.httpd.Serve(tlsLn)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.certs.Close()
	return s.httpd.Shutdown(ctx)
}

// route splits WebSocket upgrades from plain HTTP. The classification
// depends only on the request headers, not the path.
func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	if IsWebSocketUpgrade(r) {
		s.serveWebSocket(w, r)
		return
	}
	if r.URL.Path == "/metrics" {
		metrics.Handler().ServeHTTP(w, r)
		return
	}
	s.static.ServeHTTP(w, r)
}

// serveWebSocket completes the RFC 6455 handshake and owns the
// connection's read loop. Encoded video flows out through the hub;
// inbound text frames are control events for the injector. Any parse,
// protocol, or I/O error closes the connection and detaches the client.
func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("upgrade from %s: %v", r.RemoteAddr, err)
		return
	}
	conn.SetReadLimit(maxInboundMessageSize)

	client := hub.NewClient(conn)
	s.hub.Add(client)
	defer func() {
		s.hub.Remove(client)
		conn.Close()
	}()

	for {
		messageType, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("client %s: %v", client.ID(), err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		// Protocol errors close this client only.
		if err := s.injector.Handle(msg); err != nil {
			log.Warn("client %s: %v", client.ID(), err)
			return
		}
	}
}

// noDelayListener disables Nagle on accepted connections; the stream is
// latency-sensitive and frames are written whole.
type noDelayListener struct {
	*net.TCPListener
}

func (ln noDelayListener) Accept() (net.Conn, error) {
	conn, err := ln.AcceptTCP()
	if err != nil {
		return nil, err
	}
	conn.SetNoDelay(true)
	conn.SetKeepAlive(true)
	conn.SetKeepAlivePeriod(30 * time.Second)
	return conn, nil
}
