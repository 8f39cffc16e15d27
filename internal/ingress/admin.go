// Minimal admin CRUD surface: account, token, and model-mapping
// management plumbing with no dashboard or UI attached. Uses
// PathValue route params, writeJSON envelopes, and random token
// generation via crypto/rand + sha256 hash-at-rest.
package ingress

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/cloudcode-relay/relay/internal/accountsync"
	"github.com/cloudcode-relay/relay/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.ListAccounts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "failed to list accounts")
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	row, err := s.store.GetAccount(r.Context(), id)
	if err != nil || row == nil {
		writeError(w, http.StatusNotFound, "not_found_error", "account not found")
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteAccount(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "failed to delete account")
		return
	}
	_ = s.pool.Refresh(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

func (s *Server) handleUpdateAccountStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || (req.Status != "active" && req.Status != "disabled") {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "status must be 'active' or 'disabled'")
		return
	}
	row, err := s.store.GetAccount(r.Context(), id)
	if err != nil || row == nil {
		writeError(w, http.StatusNotFound, "not_found_error", "account not found")
		return
	}
	row.Status = req.Status
	row.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateAccount(r.Context(), row); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "failed to update account")
		return
	}
	_ = s.pool.Refresh(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": req.Status})
}

// handleSyncAccount triggers an on-demand sync outside the
// refresher's regular cadence.
func (s *Server) handleSyncAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.syncer == nil {
		writeError(w, http.StatusServiceUnavailable, "server_error", "sync not available")
		return
	}
	result, err := s.syncer.SyncAccount(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusBadGateway, "server_error", err.Error())
		return
	}
	applySyncResult(r.Context(), s.store, id, result)
	_ = s.pool.Refresh(r.Context())
	writeJSON(w, http.StatusOK, result)
}

func applySyncResult(ctx context.Context, st store.Store, accountID string, result *accountsync.Result) {
	row, err := st.GetAccount(ctx, accountID)
	if err != nil || row == nil {
		return
	}
	row.Tier = result.Tier
	row.IsForbidden = result.IsForbidden
	row.StatusReason = string(result.StatusReason)
	row.StatusDetails = result.StatusDetails
	row.QuotaPercent = result.QuotaPercent
	row.IneligibleTiers = make([]store.IneligibleTierRow, 0, len(result.IneligibleTiers))
	for _, it := range result.IneligibleTiers {
		row.IneligibleTiers = append(row.IneligibleTiers, store.IneligibleTierRow{
			TierID: it.TierID, ReasonCode: it.ReasonCode,
		})
	}
	row.UpdatedAt = time.Now().UTC()
	_ = st.UpdateAccount(ctx, row)
}

func (s *Server) handleListAPITokens(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.ListAPITokens(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "failed to list tokens")
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleCreateAPIToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "name is required")
		return
	}

	plaintext, hash := generateAPIToken(req.Name)
	rec := &store.APIToken{ID: uuid.NewString(), Name: req.Name, TokenHash: hash, Active: true, CreatedAt: time.Now().UTC()}
	if err := s.store.CreateAPIToken(r.Context(), rec); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "failed to create token")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": rec.ID, "name": rec.Name, "token": plaintext})
}

func generateAPIToken(name string) (plaintext, hash string) {
	b := make([]byte, 24)
	_, _ = rand.Read(b)
	plaintext = fmt.Sprintf("sk-%s-%s", name, hex.EncodeToString(b))
	h := sha256.Sum256([]byte(plaintext))
	return plaintext, hex.EncodeToString(h[:])
}

func (s *Server) handleListModelMappings(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.ListModelMappings(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "failed to list model mappings")
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleUpsertModelMapping(w http.ResponseWriter, r *http.Request) {
	var m store.ModelMapping
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil || m.Pattern == "" || m.Target == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "pattern and target are required")
		return
	}
	if err := s.store.UpsertModelMapping(r.Context(), &m); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "failed to save model mapping")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleDeleteModelMapping(w http.ResponseWriter, r *http.Request) {
	idStr := r.PathValue("id")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid id")
		return
	}
	if err := s.store.DeleteModelMapping(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "failed to delete model mapping")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"id": id})
}
