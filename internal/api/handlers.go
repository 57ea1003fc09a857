package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/mux"
	"github.com/sajjad-MoBe/corecache/internal/cluster"
	kvErr "github.com/sajjad-MoBe/corecache/internal/errors"
	"github.com/sajjad-MoBe/corecache/internal/shared"
	"github.com/sajjad-MoBe/corecache/internal/storage"
)

// Cluster is the routing layer behind the admin surface
type Cluster interface {
	Add(ctx context.Context, record storage.Record, token string) (storage.Record, error)
	Get(ctx context.Context, key, token string) (storage.Record, error)
	Delete(ctx context.Context, key, token string) (storage.Record, error)
	UpdatePartitionMap(key, nodeDetails string, op cluster.PartitionOperation) error
	PartitionHolders(key string) []string
	Members() []cluster.Member
	IsLeader() bool
	Address() string
}

// StorageStatus reports local engine state for health checks
type StorageStatus interface {
	BufferSize() int
	SegmentCount() int
}

// FailureRecorder counts forwarding failures
type FailureRecorder interface {
	ForwardFailed(operation, errType string)
}

// Handler handles admin HTTP requests
type Handler struct {
	cluster  Cluster
	storage  StorageStatus
	failures FailureRecorder
	logger   *shared.Logger
}

// NewHandler creates a new API handler. storage and failures may be nil.
func NewHandler(c Cluster, storage StorageStatus, failures FailureRecorder, logger *shared.Logger) *Handler {
	if logger == nil {
		logger = shared.DefaultLogger
	}
	return &Handler{
		cluster:  c,
		storage:  storage,
		failures: failures,
		logger:   logger.WithComponent("api"),
	}
}

// PartitionMapRequest is the body of POST /partition-map
type PartitionMapRequest struct {
	Key         string                     `json:"key"`
	NodeDetails string                     `json:"node_details"`
	Operation   cluster.PartitionOperation `json:"operation"`
}

// PartitionMapResponse lists the holders of a key
type PartitionMapResponse struct {
	Key     string   `json:"key"`
	Holders []string `json:"holders"`
}

func keyFrom(r *http.Request) (string, error) {
	raw := mux.Vars(r)["key"]
	key, err := url.PathUnescape(raw)
	if err != nil {
		return "", kvErr.New(kvErr.ErrorTypeInvalidInput, "malformed key", err)
	}
	if key == "" {
		return "", kvErr.New(kvErr.ErrorTypeInvalidInput, "key is required", nil)
	}
	return key, nil
}

func token(r *http.Request) string {
	return r.Header.Get(cluster.LeaderTokenHeader)
}

// PutValue handles PUT /kv/{key}
func (h *Handler) PutValue(w http.ResponseWriter, r *http.Request) {
	key, err := keyFrom(r)
	if err != nil {
		handleError(w, err)
		return
	}

	var body cluster.PutBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		handleError(w, kvErr.New(kvErr.ErrorTypeInvalidInput, "invalid request body", err))
		return
	}

	stored, err := h.cluster.Add(r.Context(), storage.Record{Key: key, Value: body.Value, Timestamp: body.Timestamp}, token(r))
	if err != nil {
		h.fail(w, "add", err)
		return
	}
	writeJSON(w, stored, http.StatusOK)
}

// GetValue handles GET /kv/{key}
func (h *Handler) GetValue(w http.ResponseWriter, r *http.Request) {
	key, err := keyFrom(r)
	if err != nil {
		handleError(w, err)
		return
	}

	record, err := h.cluster.Get(r.Context(), key, token(r))
	if err != nil {
		h.fail(w, "get", err)
		return
	}
	writeJSON(w, record, http.StatusOK)
}

// DeleteValue handles DELETE /kv/{key}
func (h *Handler) DeleteValue(w http.ResponseWriter, r *http.Request) {
	key, err := keyFrom(r)
	if err != nil {
		handleError(w, err)
		return
	}

	tombstone, err := h.cluster.Delete(r.Context(), key, token(r))
	if err != nil {
		h.fail(w, "delete", err)
		return
	}
	writeJSON(w, tombstone, http.StatusOK)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if kvErr.IsRetryable(err) && h.failures != nil {
		h.failures.ForwardFailed(op, string(kvErr.TypeOf(err)))
	}
	handleError(w, err)
}

// UpdatePartitionMap handles POST /partition-map
func (h *Handler) UpdatePartitionMap(w http.ResponseWriter, r *http.Request) {
	var req PartitionMapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		handleError(w, kvErr.New(kvErr.ErrorTypeInvalidInput, "invalid request body", err))
		return
	}
	if err := h.cluster.UpdatePartitionMap(req.Key, req.NodeDetails, req.Operation); err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, PartitionMapResponse{Key: req.Key, Holders: h.cluster.PartitionHolders(req.Key)}, http.StatusOK)
}

// GetPartitionMap handles GET /partition-map/{key}
func (h *Handler) GetPartitionMap(w http.ResponseWriter, r *http.Request) {
	key, err := keyFrom(r)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, PartitionMapResponse{Key: key, Holders: h.cluster.PartitionHolders(key)}, http.StatusOK)
}

// ListNodes handles GET /nodes
func (h *Handler) ListNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"nodes": h.cluster.Members(),
	}, http.StatusOK)
}

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now(),
		"address":   h.cluster.Address(),
		"leader":    h.cluster.IsLeader(),
		"members":   len(h.cluster.Members()),
	}
	if h.storage != nil {
		response["buffer_keys"] = h.storage.BufferSize()
		response["segments"] = h.storage.SegmentCount()
	}
	writeJSON(w, response, http.StatusOK)
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}
