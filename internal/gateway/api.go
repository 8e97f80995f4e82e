// ABOUTME: HTTP API handlers for inspecting and driving the shard fleet.
// ABOUTME: Provides shard status listing, connect/destroy/send actions, and gateway info.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/shard-fleet/internal/fleet"
	"github.com/2389/shard-fleet/internal/shard"
)

// ShardStatusResponse is one entry of GET /api/shards.
type ShardStatusResponse struct {
	ShardID  int    `json:"shard_id"`
	WorkerID int    `json:"worker_id"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

// DestroyRequest is the optional JSON body of POST /api/shards/{id}/destroy.
type DestroyRequest struct {
	Code    int    `json:"code"`
	Reason  string `json:"reason"`
	Recover string `json:"recover"`
}

const statusTimeout = 5 * time.Second

func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/shards", g.handleListShards)
	mux.HandleFunc("GET /api/shards/{id}", g.handleGetShard)
	mux.HandleFunc("POST /api/shards/{id}/connect", g.handleConnectShard)
	mux.HandleFunc("POST /api/shards/{id}/destroy", g.handleDestroyShard)
	mux.HandleFunc("POST /api/shards/{id}/send", g.handleSendShard)
	mux.HandleFunc("GET /api/gateway", g.handleGatewayInfo)
}

func (g *Gateway) workerOf() map[int]int {
	owners := make(map[int]int)
	for workerID, ids := range g.fleet.Assignment() {
		for _, id := range ids {
			owners[id] = workerID
		}
	}
	return owners
}

func (g *Gateway) shardStatus(ctx context.Context, id int, owners map[int]int) ShardStatusResponse {
	resp := ShardStatusResponse{ShardID: id, WorkerID: owners[id]}
	status, err := g.fleet.FetchStatus(ctx, id)
	if err != nil {
		resp.Status = "unknown"
		resp.Error = err.Error()
		return resp
	}
	resp.Status = status.String()
	return resp
}

// handleListShards returns the status of every shard in the fleet.
func (g *Gateway) handleListShards(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), statusTimeout)
	defer cancel()

	owners := g.workerOf()
	ids := g.fleet.ShardIDs()
	response := make([]ShardStatusResponse, 0, len(ids))
	for _, id := range ids {
		response = append(response, g.shardStatus(ctx, id, owners))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// parseShardID reads the {id} path value, writing a 400 when it is invalid.
func (g *Gateway) parseShardID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "shard id must be an integer")
		return 0, false
	}
	return id, true
}

func (g *Gateway) handleGetShard(w http.ResponseWriter, r *http.Request) {
	id, ok := g.parseShardID(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), statusTimeout)
	defer cancel()

	status, err := g.fleet.FetchStatus(ctx, id)
	if err != nil {
		g.sendFleetError(w, err, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ShardStatusResponse{ShardID: id, WorkerID: g.workerOf()[id], Status: status.String()})
}

func (g *Gateway) handleConnectShard(w http.ResponseWriter, r *http.Request) {
	id, ok := g.parseShardID(w, r)
	if !ok {
		return
	}
	if err := g.fleet.Connect(r.Context(), id); err != nil {
		g.sendFleetError(w, err, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleDestroyShard(w http.ResponseWriter, r *http.Request) {
	id, ok := g.parseShardID(w, r)
	if !ok {
		return
	}

	var req DestroyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	recovery := shard.Recovery(req.Recover)
	switch recovery {
	case shard.RecoverNone, shard.RecoverReconnect, shard.RecoverResume:
	default:
		g.sendJSONError(w, http.StatusBadRequest, "recover must be empty, reconnect, or resume")
		return
	}

	opts := shard.DestroyOptions{Code: req.Code, Reason: req.Reason, Recover: recovery}
	if err := g.fleet.Destroy(r.Context(), id, opts); err != nil {
		g.sendFleetError(w, err, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleSendShard(w http.ResponseWriter, r *http.Request) {
	id, ok := g.parseShardID(w, r)
	if !ok {
		return
	}

	var payload any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := g.fleet.Send(r.Context(), id, payload); err != nil {
		g.sendFleetError(w, err, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleGatewayInfo reports the gateway's session start limits.
func (g *Gateway) handleGatewayInfo(w http.ResponseWriter, r *http.Request) {
	info, err := g.provider.FetchGatewayInformation(r.Context())
	if err != nil {
		g.sendJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(info)
}

// sendFleetError maps fleet errors onto HTTP statuses.
func (g *Gateway) sendFleetError(w http.ResponseWriter, err error, message string) {
	var cmdErr *fleet.CommandError
	switch {
	case errors.Is(err, fleet.ErrUnknownShard):
		g.sendJSONError(w, http.StatusNotFound, message)
	case errors.Is(err, fleet.ErrWorkerUnavailable), errors.Is(err, fleet.ErrWorkerExited), errors.Is(err, fleet.ErrClosed):
		g.sendJSONError(w, http.StatusServiceUnavailable, message)
	case errors.As(err, &cmdErr):
		g.sendJSONError(w, http.StatusConflict, message)
	default:
		g.sendJSONError(w, http.StatusInternalServerError, message)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
