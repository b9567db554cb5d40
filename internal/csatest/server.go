// Package csatest implements an in-process fake of the CSA marketplace
// portal API. It serves the endpoints kompot drives — token acquisition,
// offering search and detail, order submission, subscription filter, cancel,
// delete, and instance lookup — with scriptable status sequences and failure
// injection, for unit tests and the standalone testserver binary.
package csatest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Field is an offering field definition served by the fake catalog. A nil
// Value means the field has no default.
type Field struct {
	ID    string
	Name  string
	Value *string
}

// Offering is one catalog entry served by the fake platform.
type Offering struct {
	ID        string
	CatalogID string
	Name      string
	Version   string
	Category  string
	Fields    []Field
}

// Options configures the fake platform.
type Options struct {
	Offerings []Offering
	// StatusScripts maps offering id to the sequence of statuses its
	// subscriptions report on successive filter queries; the last entry is
	// sticky. Defaults to PENDING then ACTIVE.
	StatusScripts map[string][]string
	// TokenTTL is the lifetime of issued tokens. Defaults to one hour.
	TokenTTL time.Duration
	// RejectTokens makes token acquisition fail with 401.
	RejectTokens bool
	// RejectOrders makes order submission fail with 500.
	RejectOrders bool
	// RejectCancels makes cancellation fail with 409.
	RejectCancels bool
}

type subscription struct {
	id         string
	name       string
	catalogID  string
	offeringID string
	script     []string
	step       int
	canceled   bool
	deleted    bool
}

// Server is the fake CSA platform.
type Server struct {
	router *chi.Mux
	logger *slog.Logger
	opts   Options

	mu       sync.Mutex
	tokens   map[string]time.Time
	subs     map[string]*subscription // keyed by generated name
	subsByID map[string]*subscription
	issued   int
}

// New creates a fake platform with the given catalog and behavior.
func New(opts Options, logger *slog.Logger) *Server {
	if opts.TokenTTL == 0 {
		opts.TokenTTL = time.Hour
	}

	s := &Server{
		router:   chi.NewRouter(),
		logger:   logger,
		opts:     opts,
		tokens:   make(map[string]time.Time),
		subs:     make(map[string]*subscription),
		subsByID: make(map[string]*subscription),
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Auth-Token"},
		MaxAge:         300,
	}))

	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Post("/idm-service/v2.0/tokens", s.handleToken)

	s.router.Route("/csa/api/mpp", func(r chi.Router) {
		r.Use(s.requireToken)
		r.Post("/mpp-offering/filter", s.handleOfferingFilter)
		r.Get("/mpp-offering/{id}", s.handleOfferingDetail)
		r.Post("/mpp-request/{id}", s.handleRequest)
		r.Post("/mpp-subscription/filter", s.handleSubscriptionFilter)
		r.Delete("/mpp-subscription/{id}", s.handleSubscriptionDelete)
		r.Post("/mpp-instance/filter", s.handleInstanceFilter)
		r.Get("/mpp-instance/{id}", s.handleInstanceDetail)
	})
}

// Handler returns the router for mounting on httptest or a real listener.
func (s *Server) Handler() http.Handler {
	return s.router
}

// TokensIssued reports how many tokens the fake has handed out.
func (s *Server) TokensIssued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issued
}

// Subscription reports the canceled/deleted flags of a subscription by name.
func (s *Server) Subscription(name string) (canceled, deleted bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, found := s.subs[name]
	if !found {
		return false, false, false
	}
	return sub.canceled, sub.deleted, true
}

// requireToken rejects platform calls without a known unexpired token.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Auth-Token")

		s.mu.Lock()
		expiry, ok := s.tokens[token]
		s.mu.Unlock()

		if !ok || time.Now().After(expiry) {
			s.writeError(w, http.StatusUnauthorized, "missing or expired token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if s.opts.RejectTokens {
		s.writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	var req struct {
		PasswordCredentials struct {
			Username string `json:"username"`
			Password string `json:"password"`
		} `json:"passwordCredentials"`
		TenantName string `json:"tenantName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.PasswordCredentials.Username == "" {
		s.writeError(w, http.StatusUnauthorized, "missing credentials")
		return
	}

	id := ulid.Make().String()
	expiry := time.Now().Add(s.opts.TokenTTL)

	s.mu.Lock()
	s.tokens[id] = expiry
	s.issued++
	s.mu.Unlock()

	s.writeJSON(w, http.StatusOK, map[string]any{
		"token": map[string]string{
			"id":      id,
			"expires": expiry.UTC().Format(time.RFC3339),
		},
	})
}

func (s *Server) handleOfferingFilter(w http.ResponseWriter, r *http.Request) {
	var filter struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&filter); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	members := []map[string]any{}
	for _, o := range s.opts.Offerings {
		if o.Name == filter.Name {
			members = append(members, map[string]any{
				"id":              o.ID,
				"name":            o.Name,
				"catalogId":       o.CatalogID,
				"offeringVersion": o.Version,
				"category":        map[string]string{"name": o.Category},
			})
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"members": members})
}

func (s *Server) handleOfferingDetail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	for _, o := range s.opts.Offerings {
		if o.ID != id {
			continue
		}
		fields := []map[string]any{}
		for _, f := range o.Fields {
			field := map[string]any{"id": f.ID, "name": f.Name}
			if f.Value != nil {
				field["value"] = *f.Value
			}
			fields = append(fields, field)
		}
		s.writeJSON(w, http.StatusOK, map[string]any{
			"id":        o.ID,
			"catalogId": o.CatalogID,
			"category":  map[string]string{"name": o.Category},
			"fields":    fields,
		})
		return
	}
	s.writeError(w, http.StatusNotFound, "offering not found")
}

// handleRequest serves the mpp-request endpoint: the multipart requestForm
// part carries either an ORDER against an offering id or a
// CANCEL_SUBSCRIPTION against a subscription id.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		s.writeError(w, http.StatusBadRequest, "expected multipart form")
		return
	}

	var form struct {
		Action           string `json:"action"`
		SubscriptionName string `json:"subscriptionName"`
	}
	if err := json.Unmarshal([]byte(r.FormValue("requestForm")), &form); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid requestForm payload")
		return
	}

	id := chi.URLParam(r, "id")
	switch form.Action {
	case "ORDER":
		s.handleOrder(w, id, form.SubscriptionName)
	case "CANCEL_SUBSCRIPTION":
		s.handleCancel(w, id)
	default:
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", form.Action))
	}
}

func (s *Server) handleOrder(w http.ResponseWriter, offeringID, name string) {
	if s.opts.RejectOrders {
		s.writeError(w, http.StatusInternalServerError, "order rejected")
		return
	}

	var offering *Offering
	for i := range s.opts.Offerings {
		if s.opts.Offerings[i].ID == offeringID {
			offering = &s.opts.Offerings[i]
		}
	}
	if offering == nil {
		s.writeError(w, http.StatusNotFound, "offering not found")
		return
	}

	script := s.opts.StatusScripts[offeringID]
	if len(script) == 0 {
		script = []string{"PENDING", "ACTIVE"}
	}

	sub := &subscription{
		id:         "SUB-" + ulid.Make().String(),
		name:       name,
		catalogID:  offering.CatalogID,
		offeringID: offeringID,
		script:     script,
	}

	s.mu.Lock()
	s.subs[name] = sub
	s.subsByID[sub.id] = sub
	s.mu.Unlock()

	s.logger.Info("order accepted", "subscription", name, "offering", offeringID)
	s.writeJSON(w, http.StatusOK, map[string]string{"id": sub.id})
}

func (s *Server) handleCancel(w http.ResponseWriter, subscriptionID string) {
	if s.opts.RejectCancels {
		s.writeError(w, http.StatusConflict, "cancel rejected")
		return
	}

	s.mu.Lock()
	sub, ok := s.subsByID[subscriptionID]
	if ok {
		if sub.canceled {
			// The real platform is not idempotent here.
			s.mu.Unlock()
			s.writeError(w, http.StatusConflict, "subscription already canceled")
			return
		}
		sub.canceled = true
	}
	s.mu.Unlock()

	if !ok {
		s.writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"id": subscriptionID})
}

// handleSubscriptionFilter reports the current status of the named
// subscription, advancing its status script one step per query.
func (s *Server) handleSubscriptionFilter(w http.ResponseWriter, r *http.Request) {
	var filter struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&filter); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	s.mu.Lock()
	sub, ok := s.subs[filter.Name]
	members := []map[string]any{}
	if ok && !sub.deleted {
		status := sub.script[sub.step]
		if sub.step < len(sub.script)-1 {
			sub.step++
		}
		if sub.canceled {
			status = "CANCELED"
		}
		members = append(members, map[string]any{
			"id":        sub.id,
			"name":      sub.name,
			"status":    status,
			"catalogId": sub.catalogID,
		})
	}
	s.mu.Unlock()

	s.writeJSON(w, http.StatusOK, map[string]any{"members": members})
}

func (s *Server) handleSubscriptionDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	sub, ok := s.subsByID[id]
	if ok {
		sub.deleted = true
	}
	s.mu.Unlock()

	if !ok {
		s.writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

// handleInstanceFilter matches service instances by subscription name. Only
// subscriptions whose script has reached ACTIVE have an instance.
func (s *Server) handleInstanceFilter(w http.ResponseWriter, r *http.Request) {
	var filter struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&filter); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	s.mu.Lock()
	sub, ok := s.subs[filter.Name]
	members := []map[string]any{}
	if ok && sub.script[sub.step] == "ACTIVE" {
		members = append(members, map[string]any{
			"id":        sub.id,
			"name":      sub.name,
			"catalogId": sub.catalogID,
		})
	}
	s.mu.Unlock()

	s.writeJSON(w, http.StatusOK, map[string]any{"members": members})
}

func (s *Server) handleInstanceDetail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	sub, ok := s.subsByID[id]
	s.mu.Unlock()

	if !ok {
		s.writeError(w, http.StatusNotFound, "instance not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"id":        sub.id,
		"name":      sub.name,
		"catalogId": sub.catalogID,
		"status":    "ACTIVE",
		"offering":  map[string]string{"id": sub.offeringID},
	})
}

// writeJSON writes v as a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
