// Package server exposes the accessory over HAP's HTTP transport.
package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"hapkit"
	"hapkit/accessory"
	"hapkit/attrdb"
	"hapkit/event"
	"hapkit/pairing"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
)

const (
	contentTypeJSON = "application/hap+json"
	contentTypeTLV8 = "application/pairing+tlv8"

	// StatusConnectionAuthorizationRequired is returned for requests that
	// need a verified session.
	StatusConnectionAuthorizationRequired = 470
)

type Options struct {
	Device      *pairing.DeviceInfo
	Pairings    *pairing.Registry
	Limiter     *pairing.Limiter
	Accessories *accessory.Registry
	Dispatcher  *event.Dispatcher
	// Timeout bounds each item of a characteristics request.
	Timeout time.Duration
}

type Server struct {
	device      *pairing.DeviceInfo
	pairings    *pairing.Registry
	setup       *pairing.Setup
	accessories *accessory.Registry
	dispatcher  *event.Dispatcher
	router      *attrdb.Router
	http        *http.Server

	mu    sync.Mutex
	conns map[*serverConn]struct{}
}

func New(opts Options) *Server {
	if opts.Dispatcher == nil {
		opts.Dispatcher = event.NewDispatcher(event.DefaultQueueSize)
	}
	s := &Server{
		device:      opts.Device,
		pairings:    opts.Pairings,
		setup:       pairing.NewSetup(opts.Device, opts.Pairings, opts.Limiter),
		accessories: opts.Accessories,
		dispatcher:  opts.Dispatcher,
		router:      attrdb.NewRouter(opts.Accessories, opts.Dispatcher, opts.Timeout),
		conns:       make(map[*serverConn]struct{}),
	}
	s.http = &http.Server{
		Handler: s.routes(),
		ConnState: func(c net.Conn, st http.ConnState) {
			c.(*serverConn).HandleStateChange(st)
		},
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			return pairing.WithConn(ctx, c.(*serverConn))
		},
	}
	s.pairings.OnRemove(s.dropPairing)
	return s
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/pair-setup", s.pairSetup).Methods(http.MethodPost)
	r.HandleFunc("/pair-verify", s.pairVerify).Methods(http.MethodPost)
	r.HandleFunc("/identify", s.identify).Methods(http.MethodPost)

	secure := r.NewRoute().Subrouter()
	secure.Use(requireSession)
	secure.HandleFunc("/pairings", s.pairEdit).Methods(http.MethodPost)
	secure.HandleFunc("/accessories", s.getAccessories).Methods(http.MethodGet)
	secure.HandleFunc("/characteristics", s.getCharacteristics).Methods(http.MethodGet)
	secure.HandleFunc("/characteristics", s.putCharacteristics).Methods(http.MethodPut)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		glog.Warningf("unhandled %s %s", r.Method, r.URL)
		http.NotFound(w, r)
	})
	return r
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	glog.Infof("serving HAP on %s", ln.Addr())
	err := s.http.Serve(listener{Listener: ln, srv: s})
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	s.mu.Lock()
	for c := range s.conns {
		c.raw.Close()
	}
	s.mu.Unlock()
	return err
}

func (s *Server) track(c *serverConn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

// dropPairing closes the sessions of a removed controller.
func (s *Server) dropPairing(pairingID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		if p, ok := c.Peer(); ok && p.PairingID == pairingID {
			glog.Infof("%s: closing session of removed controller %s", c.id, pairingID)
			c.closeAfterExchange()
		}
	}
}

func connFrom(r *http.Request) *serverConn {
	c, _ := pairing.FromContext(r.Context())
	return c.(*serverConn)
}

func requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !connFrom(r).Authenticated() {
			writeStatus(w, StatusConnectionAuthorizationRequired, hapkit.StatusInsufficientPrivileges)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		glog.Error(err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(code)
	w.Write(b)
}

func writeStatus(w http.ResponseWriter, code int, status hapkit.Status) {
	writeJSON(w, code, struct {
		Status hapkit.Status `json:"status"`
	}{status})
}

func tlvHandler(w http.ResponseWriter, r *http.Request, handle func(context.Context, []byte) ([]byte, error)) {
	b, err := io.ReadAll(r.Body)
	if err != nil {
		glog.Error(err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rb, err := handle(r.Context(), b)
	if err != nil {
		glog.Errorf("%s %s: %v", r.Method, r.URL.Path, err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", contentTypeTLV8)
	w.Write(rb)
}

func (s *Server) pairSetup(w http.ResponseWriter, r *http.Request) {
	tlvHandler(w, r, s.setup.Handle)
}

func (s *Server) pairVerify(w http.ResponseWriter, r *http.Request) {
	tlvHandler(w, r, connFrom(r).vs.Handle)
}

func (s *Server) pairEdit(w http.ResponseWriter, r *http.Request) {
	tlvHandler(w, r, s.pairings.Handle)
}

func (s *Server) getAccessories(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.router.Database())
}

func (s *Server) getCharacteristics(w http.ResponseWriter, r *http.Request) {
	req, err := attrdb.ParseReadRequest(r.URL.Query())
	if err != nil {
		glog.Warningf("GET /characteristics: %v", err)
		writeStatus(w, http.StatusBadRequest, hapkit.StatusInvalidValue)
		return
	}
	resp, code := s.router.Read(r.Context(), connFrom(r).id, req)
	writeJSON(w, code, resp)
}

func (s *Server) putCharacteristics(w http.ResponseWriter, r *http.Request) {
	req, err := attrdb.DecodeWriteRequest(r.Body)
	if err != nil {
		glog.Warningf("PUT /characteristics: %v", err)
		writeStatus(w, http.StatusBadRequest, hapkit.StatusInvalidValue)
		return
	}
	resp, code := s.router.Write(r.Context(), connFrom(r).id, req)
	if resp == nil {
		w.WriteHeader(code)
		return
	}
	writeJSON(w, code, resp)
}

// identify is only honored while the accessory is unpaired.
func (s *Server) identify(w http.ResponseWriter, r *http.Request) {
	if s.pairings.Paired() {
		writeStatus(w, http.StatusBadRequest, hapkit.StatusInsufficientPrivileges)
		return
	}
	if err := s.accessories.Primary().Identify(r.Context()); err != nil {
		glog.Errorf("identify: %v", err)
		writeStatus(w, http.StatusInternalServerError, hapkit.StatusOf(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
