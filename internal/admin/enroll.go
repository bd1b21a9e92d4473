package admin

import (
	"encoding/json"
	"encoding/pem"
	"net/http"

	"github.com/Will-Luck/edr-control-plane/internal/security"
)

// issueEnrollTokenResponse is the POST /admin/enroll-tokens response.
// The plaintext token is returned exactly once; only its HMAC is persisted.
type issueEnrollTokenResponse struct {
	TokenID   string `json:"token_id"`
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

func (s *Server) handleIssueEnrollToken(w http.ResponseWriter, r *http.Request) {
	plaintext, rec, err := security.NewEnrollToken(s.hmacKey, s.enrollTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.enrollTokens.Put(rec.ID, rec); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, issueEnrollTokenResponse{
		TokenID:   rec.ID,
		Token:     plaintext,
		ExpiresAt: rec.ExpiresAt.Unix(),
	})
}

// enrollRequest is the body an agent submits to exchange a one-time
// enrollment token plus its own key pair's CSR for a signed client
// certificate, binding that certificate's CN to agent_id. agent_id is
// expected to already exist via a prior RegisterAgent RPC.
type enrollRequest struct {
	TokenID string `json:"token_id"`
	Token   string `json:"token"`
	AgentID string `json:"agent_id"`
	CSRPEM  string `json:"csr_pem"`
}

type enrollResponse struct {
	CertPEM   string `json:"cert_pem"`
	CACertPEM string `json:"ca_cert_pem"`
	Serial    string `json:"serial"`
}

// handleEnroll is deliberately NOT wrapped in requireToken: an enrolling
// agent has no bearer token, only its one-time enrollment token, which
// carries its own single-use and expiry checks.
func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var rec security.EnrollToken
	ok, err := s.enrollTokens.Get(req.TokenID, &rec)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok || !rec.Verify(s.hmacKey, req.Token) {
		writeError(w, http.StatusUnauthorized, "invalid or expired enrollment token")
		return
	}

	block, _ := pem.Decode([]byte(req.CSRPEM))
	if block == nil {
		writeError(w, http.StatusBadRequest, "csr_pem does not contain a PEM block")
		return
	}

	certPEM, serial, err := s.ca.SignCSR(block.Bytes, req.AgentID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec.Used = true
	if err := s.enrollTokens.Put(rec.ID, rec); err != nil {
		s.log.Error("failed to mark enrollment token used", "token_id", rec.ID, "error", err)
	}

	writeJSON(w, http.StatusOK, enrollResponse{
		CertPEM:   string(certPEM),
		CACertPEM: string(s.ca.CACertPEM()),
		Serial:    serial,
	})
}

// revokeRequest is the POST /admin/certs/revoke body.
type revokeRequest struct {
	Serial string `json:"serial"`
	Reason string `json:"reason"`
}

func (s *Server) handleRevokeCert(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Serial == "" {
		writeError(w, http.StatusBadRequest, "serial is required")
		return
	}
	entry := security.RevocationEntry{RevokedAt: s.clk.Now(), Reason: req.Reason}
	if err := s.revoked.Put(req.Serial, entry); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}
