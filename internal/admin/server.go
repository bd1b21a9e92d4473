// Package admin implements the control plane's operator-facing HTTP
// surface: IOC list maintenance and fleet publish, plus agent and result
// inspection. Stdlib ServeMux with method+path patterns, a
// writeJSON/writeError helper pair, and a bearer-token auth wrapper.
package admin

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Will-Luck/edr-control-plane/internal/agent"
	"github.com/Will-Luck/edr-control-plane/internal/clock"
	"github.com/Will-Luck/edr-control-plane/internal/ioc"
	"github.com/Will-Luck/edr-control-plane/internal/iocpush"
	"github.com/Will-Luck/edr-control-plane/internal/logging"
	"github.com/Will-Luck/edr-control-plane/internal/matchstore"
	"github.com/Will-Luck/edr-control-plane/internal/metrics"
	"github.com/Will-Luck/edr-control-plane/internal/persist"
	"github.com/Will-Luck/edr-control-plane/internal/result"
	"github.com/Will-Luck/edr-control-plane/internal/security"
)

// Server is the admin HTTP surface. It holds no state of its own beyond
// references to the collaborators it exposes read/write access to.
type Server struct {
	token string
	log   *logging.Logger
	clk   clock.Clock

	agents         *agent.Registry
	iocs           *ioc.Store
	matches        *matchstore.Store
	results        *result.Table
	push           *iocpush.Orchestrator
	metricsEnabled bool

	ca           *security.CA
	enrollTokens *persist.Collection
	revoked      *persist.Collection
	iocCol       *persist.Collection
	hmacKey      []byte
	enrollTTL    time.Duration

	mux *http.ServeMux
}

// New builds a Server and registers its routes. token is the bearer token
// every request must present via "Authorization: Bearer <token>"; an empty
// token disables auth entirely (intended only for local/test use). ca,
// enrollTokens, revoked, hmacKey and enrollTTL back the CSR-enrollment and
// certificate-revocation endpoints. iocCol is the persisted backing
// store for the IOC snapshot, written after every successful commit.
func New(token string, log *logging.Logger, clk clock.Clock, agents *agent.Registry, iocs *ioc.Store, matches *matchstore.Store, results *result.Table, push *iocpush.Orchestrator, metricsEnabled bool, ca *security.CA, enrollTokens *persist.Collection, revoked *persist.Collection, iocCol *persist.Collection, hmacKey []byte, enrollTTL time.Duration) *Server {
	s := &Server{
		token:          token,
		log:            log.With("component", "admin"),
		clk:            clk,
		agents:         agents,
		iocs:           iocs,
		matches:        matches,
		results:        results,
		push:           push,
		metricsEnabled: metricsEnabled,
		ca:             ca,
		enrollTokens:   enrollTokens,
		revoked:        revoked,
		iocCol:         iocCol,
		hmacKey:        hmacKey,
		enrollTTL:      enrollTTL,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s
}

// Handler returns the wired http.Handler, suitable for http.Server.Handler.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) routes() {
	authed := s.requireToken

	if s.metricsEnabled {
		s.mux.Handle("GET /metrics", promhttp.Handler())
	}

	s.mux.Handle("POST /admin/iocs/{kind}", authed(s.handleAddIndicator))
	s.mux.Handle("DELETE /admin/iocs/{kind}/{value}", authed(s.handleRemoveIndicator))
	s.mux.Handle("POST /admin/iocs/commit", authed(s.handleCommitIOCs))
	s.mux.Handle("POST /admin/iocs/publish", authed(s.handlePublishIOCs))
	s.mux.Handle("GET /admin/agents", authed(s.handleListAgents))
	s.mux.Handle("GET /admin/agents/{id}", authed(s.handleGetAgent))
	s.mux.Handle("GET /admin/agents/{id}/results", authed(s.handleAgentResults))
	s.mux.Handle("GET /admin/agents/{id}/matches", authed(s.handleAgentMatches))
	s.mux.Handle("POST /admin/enroll-tokens", authed(s.handleIssueEnrollToken))
	s.mux.Handle("POST /admin/certs/revoke", authed(s.handleRevokeCert))
	s.mux.HandleFunc("POST /enroll", s.handleEnroll)
}

// requireToken wraps h with a constant-time bearer-token check. A token
// mismatch (or a missing header) yields 401 without reaching h.
func (s *Server) requireToken(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			h(w, r)
			return
		}
		hdr := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(hdr, prefix) {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		supplied := strings.TrimPrefix(hdr, prefix)
		if subtle.ConstantTimeCompare([]byte(supplied), []byte(s.token)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		h(w, r)
	})
}

// addIndicatorRequest is the POST /admin/iocs/{kind} body.
type addIndicatorRequest struct {
	Value       string `json:"value"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	HashType    string `json:"hash_type,omitempty"`
}

func (s *Server) handleAddIndicator(w http.ResponseWriter, r *http.Request) {
	kind := r.PathValue("kind")
	var req addIndicatorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sev := ioc.Severity(req.Severity)
	if sev == "" {
		sev = ioc.SeverityMedium
	}

	var err error
	switch kind {
	case "ip":
		err = s.iocs.AddIP(req.Value, req.Description, sev)
	case "hash":
		err = s.iocs.AddHash(req.Value, ioc.HashType(req.HashType), req.Description, sev)
	case "url":
		err = s.iocs.AddURL(req.Value, req.Description, sev)
	default:
		writeError(w, http.StatusBadRequest, "kind must be one of ip, hash, url")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "added"})
}

func (s *Server) handleRemoveIndicator(w http.ResponseWriter, r *http.Request) {
	kind := ioc.Kind(r.PathValue("kind"))
	value := r.PathValue("value")
	switch kind {
	case ioc.KindIP, ioc.KindHash, ioc.KindURL:
		s.iocs.Remove(kind, value)
		writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
	default:
		writeError(w, http.StatusBadRequest, "kind must be one of ip, hash, url")
	}
}

// commitIOCsResponse is the POST /admin/iocs/commit response body:
// committing a new IOC version immediately fans it out to every online
// agent, rather than leaving publish as a separate manual step.
type commitIOCsResponse struct {
	Version      int `json:"version"`
	SuccessCount int `json:"success_count"`
	TotalOnline  int `json:"total_online"`
}

func (s *Server) handleCommitIOCs(w http.ResponseWriter, r *http.Request) {
	rec, snap, err := s.iocs.CommitVersion()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.iocCol.Put(ioc.SnapshotKey, snap); err != nil {
		s.log.Error("failed to persist ioc snapshot", "error", err)
	}
	// An empty hash marks a clean commit on a store that has not committed
	// since it was loaded; the persisted version record is left as it is.
	if rec.Hash != "" {
		if err := s.iocCol.Put(ioc.VersionKey, rec); err != nil {
			s.log.Error("failed to persist ioc version record", "error", err)
		}
	}
	if err := s.iocCol.ForceSave(); err != nil {
		s.log.Error("failed to force-save ioc collection", "error", err)
	}
	metrics.IOCVersion.Set(float64(rec.Version))

	success, total := s.push.Publish(s.clk.Now().Unix(), uuid.NewString)
	writeJSON(w, http.StatusOK, commitIOCsResponse{
		Version:      rec.Version,
		SuccessCount: success,
		TotalOnline:  total,
	})
}

// handlePublishIOCs triggers a fleet-wide UPDATE_IOCS fan-out outside
// any single agent's own staleness-driven re-check.
func (s *Server) handlePublishIOCs(w http.ResponseWriter, r *http.Request) {
	success, total := s.push.Publish(s.clk.Now().Unix(), uuid.NewString)
	writeJSON(w, http.StatusOK, map[string]int{"success_count": success, "total_online": total})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	all := s.agents.All()
	out := make([]*agent.Agent, 0, len(all))
	for _, rec := range all {
		out = append(out, rec)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	rec, err := s.agents.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleAgentResults(w http.ResponseWriter, r *http.Request) {
	results, err := s.results.ForAgent(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleAgentMatches(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.matches.ForAgent(r.PathValue("id")))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
