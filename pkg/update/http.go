package update

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cuemby/shardsched/pkg/types"
)

// registerRequest is the body of a POST to /updates/register.
type registerRequest struct {
	Role        string                    `json:"role"`
	Environment string                    `json:"environment"`
	Name        string                    `json:"name"`
	Shards      []types.ShardUpdateConfig `json:"shards"`
}

// modifyRequest is the body of a POST to /updates/modify.
type modifyRequest struct {
	Role           string `json:"role"`
	Environment    string `json:"environment"`
	Name           string `json:"name"`
	User           string `json:"user"`
	ShardIDs       []int  `json:"shard_ids"`
	Token          string `json:"token"`
	RollingForward bool   `json:"rolling_forward"`
}

// finishRequest is the body of a POST to /updates/finish.
type finishRequest struct {
	Role               string `json:"role"`
	Environment        string `json:"environment"`
	Name               string `json:"name"`
	User               string `json:"user"`
	Token              string `json:"token"`
	Result             string `json:"result"`
	ExpectUpdateConfig bool   `json:"expect_update_config"`
}

// Handler exposes Manager over HTTP so the running daemon has a reachable
// path to drive a rolling update without an in-process caller. Every route
// reads a JSON body and writes a JSON response; an *UpdateException from the
// Manager surfaces as 409 Conflict, any other Manager error as 500 Internal
// Server Error, and a malformed body as 400 Bad Request.
func Handler(mgr *Manager) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /updates/register", handleRegister(mgr))
	mux.HandleFunc("POST /updates/modify", handleModify(mgr))
	mux.HandleFunc("POST /updates/finish", handleFinish(mgr))
	return mux
}

func handleRegister(mgr *Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		key := types.JobKey{Role: req.Role, Environment: req.Environment, Name: req.Name}
		token, err := mgr.RegisterUpdate(key, req.Shards)
		if err != nil {
			writeUpdateErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"token": token})
	}
}

func handleModify(mgr *Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req modifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		key := types.JobKey{Role: req.Role, Environment: req.Environment, Name: req.Name}
		results, err := mgr.ModifyShards(key, req.User, req.ShardIDs, req.Token, req.RollingForward)
		if err != nil {
			writeUpdateErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, results)
	}
}

func handleFinish(mgr *Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req finishRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		key := types.JobKey{Role: req.Role, Environment: req.Environment, Name: req.Name}
		result := UpdateResult(req.Result)
		if result == "" {
			result = UpdateUnknown
		}
		finished, err := mgr.FinishUpdate(key, req.User, req.Token, result, req.ExpectUpdateConfig)
		if err != nil {
			writeUpdateErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"finished": finished})
	}
}

func writeUpdateErr(w http.ResponseWriter, err error) {
	var ue *UpdateException
	if errors.As(err, &ue) {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
