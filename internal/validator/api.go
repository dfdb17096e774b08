package validator

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/incentive-engine/internal/model"
)

// MinerResponse is the JSON body of GET /api/v1/miners/{minerID}.
type MinerResponse struct {
	MinerID     string                   `json:"miner_id"`
	Active      bool                     `json:"active"`
	Stats       *MinerStats              `json:"stats,omitempty"`
	Weight      int                      `json:"weight"`
	Elimination *model.EliminationRecord `json:"elimination,omitempty"`
	Protected   bool                     `json:"protected"`
}

// EliminationsResponse is the JSON body of GET /api/v1/eliminations.
type EliminationsResponse struct {
	Eliminated map[string]model.EliminationRecord `json:"eliminated"`
	Protected  map[string]model.EliminationRecord `json:"protected"`
	Excluded   []string                           `json:"excluded"`
}

// GetWeights handles GET /api/v1/weights
// Returns the last completed round.
func (v *Validator) GetWeights(w http.ResponseWriter, r *http.Request) {
	last := v.LastRound()
	if last == nil {
		writeError(w, "no round completed yet", http.StatusNotFound)
		return
	}
	writeJSON(w, last)
}

// GetMiner handles GET /api/v1/miners/{minerID}
func (v *Validator) GetMiner(w http.ResponseWriter, r *http.Request) {
	minerID := chi.URLParam(r, "minerID")

	v.state.mu.Lock()
	account, ok := v.state.accounts[minerID]
	if !ok {
		v.state.mu.Unlock()
		writeError(w, "miner not found", http.StatusNotFound)
		return
	}
	resp := MinerResponse{
		MinerID:   minerID,
		Active:    account.Active(),
		Protected: v.state.registry.IsProtected(minerID),
	}
	if st, ok := v.state.stats[minerID]; ok {
		resp.Stats = &st
	}
	if rec, ok := v.state.registry.Lookup(minerID); ok {
		resp.Elimination = &rec
	}
	if v.state.last != nil {
		resp.Weight = v.state.last.Weights[minerID]
	}
	v.state.mu.Unlock()

	writeJSON(w, resp)
}

// GetEliminations handles GET /api/v1/eliminations
func (v *Validator) GetEliminations(w http.ResponseWriter, r *http.Request) {
	v.state.mu.Lock()
	resp := EliminationsResponse{
		Eliminated: v.state.registry.Records(),
		Protected:  v.state.registry.Protections(),
		Excluded:   v.state.registry.Excluded(),
	}
	v.state.mu.Unlock()

	if resp.Excluded == nil {
		resp.Excluded = []string{}
	}
	writeJSON(w, resp)
}

// GetTasks handles GET /api/v1/tasks
func (v *Validator) GetTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, v.sched.Statuses())
}

func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
