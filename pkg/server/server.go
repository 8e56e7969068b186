package server

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/kfsoftware/bims-ledger/pkg/hub"
	"github.com/kfsoftware/bims-ledger/pkg/ledger"
	"github.com/kfsoftware/bims-ledger/pkg/session"
	"github.com/pkg/errors"
	"github.com/rs/cors"
	log "github.com/sirupsen/logrus"
)

const maxRangeSize = 1000

// Config is the HTTP surface configuration.
type Config struct {
	CORSOrigins []string
	Heartbeat   time.Duration
	// MaxBodyBytes bounds a submitted transaction.
	MaxBodyBytes int64
}

// Server exposes the ledger over HTTP: submitting transactions, reading
// and verifying the chain, and the live event stream.
type Server struct {
	cfg       Config
	writer    *ledger.Writer
	validator *ledger.Validator
	store     ledger.ChainStore
	hub       *hub.Hub
	gate      session.Gate
	metrics   http.Handler
}

func New(cfg Config, writer *ledger.Writer, validator *ledger.Validator, store ledger.ChainStore, h *hub.Hub, gate session.Gate, metrics http.Handler) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{
		cfg:       cfg,
		writer:    writer,
		validator: validator,
		store:     store,
		hub:       h,
		gate:      gate,
		metrics:   metrics,
	}
}

// Handler returns the routed handler wrapped in CORS.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.Handle("/events", hub.EventStreamHandler(s.hub, s.gate, hub.WithHeartbeat(s.cfg.Heartbeat))).Methods(http.MethodGet)

	chain := api.PathPrefix("/blockchain").Subrouter()
	chain.Use(s.authenticated)
	chain.HandleFunc("", s.listBlocks).Methods(http.MethodGet)
	chain.HandleFunc("/transactions", s.submitTransaction).Methods(http.MethodPost)
	chain.HandleFunc("/verify", s.verifyChain).Methods(http.MethodGet)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		ExposedHeaders:   []string{"set-cookie"},
	})
	return c.Handler(r)
}

func (s *Server) authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.gate.CurrentIdentity(r)
		if err != nil || identity == nil {
			writeError(w, http.StatusUnauthorized, "Not authenticated")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) submitTransaction(w http.ResponseWriter, r *http.Request) {
	body, err := ioutil.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	block, err := s.writer.Append(r.Context(), body)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, block)
	case errors.Is(err, ledger.ErrInvalidTransaction):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrWriteContention):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		log.Infof("Transaction not committed: %v", err)
		writeError(w, http.StatusRequestTimeout, "request ended before the transaction was committed")
	default:
		log.Errorf("Failed to append transaction: %v", err)
		writeError(w, http.StatusServiceUnavailable, err.Error())
	}
}

func (s *Server) listBlocks(w http.ResponseWriter, r *http.Request) {
	from, err := queryUint(r, "from", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := queryUint(r, "to", from+maxRangeSize-1)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if to < from || to-from >= maxRangeSize {
		writeError(w, http.StatusBadRequest, "range must cover 1 to 1000 blocks")
		return
	}
	blocks, err := s.store.ReadRange(r.Context(), from, to)
	if err != nil {
		log.Errorf("Failed to read blocks %d..%d: %v", from, to, err)
		writeError(w, http.StatusServiceUnavailable, "chain store unavailable")
		return
	}
	if blocks == nil {
		blocks = []ledger.Block{}
	}
	writeJSON(w, http.StatusOK, blocks)
}

func (s *Server) verifyChain(w http.ResponseWriter, r *http.Request) {
	result, err := s.validator.VerifyChain(r.Context())
	if err != nil {
		log.Errorf("Chain verification failed: %v", err)
		writeError(w, http.StatusServiceUnavailable, "chain store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func queryUint(r *http.Request, name string, def uint64) (uint64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, errors.Errorf("invalid %s: %s", name, raw)
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnf("Failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}
