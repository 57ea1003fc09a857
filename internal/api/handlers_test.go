package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sajjad-MoBe/corecache/internal/cluster"
	kvErr "github.com/sajjad-MoBe/corecache/internal/errors"
	"github.com/sajjad-MoBe/corecache/internal/metrics"
	"github.com/sajjad-MoBe/corecache/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockCluster struct {
	mock.Mock
}

func (m *mockCluster) Add(ctx context.Context, record storage.Record, token string) (storage.Record, error) {
	args := m.Called(record, token)
	return args.Get(0).(storage.Record), args.Error(1)
}

func (m *mockCluster) Get(ctx context.Context, key, token string) (storage.Record, error) {
	args := m.Called(key, token)
	return args.Get(0).(storage.Record), args.Error(1)
}

func (m *mockCluster) Delete(ctx context.Context, key, token string) (storage.Record, error) {
	args := m.Called(key, token)
	return args.Get(0).(storage.Record), args.Error(1)
}

func (m *mockCluster) UpdatePartitionMap(key, nodeDetails string, op cluster.PartitionOperation) error {
	args := m.Called(key, nodeDetails, op)
	return args.Error(0)
}

func (m *mockCluster) PartitionHolders(key string) []string {
	args := m.Called(key)
	return args.Get(0).([]string)
}

func (m *mockCluster) Members() []cluster.Member {
	args := m.Called()
	return args.Get(0).([]cluster.Member)
}

func (m *mockCluster) IsLeader() bool {
	return m.Called().Bool(0)
}

func (m *mockCluster) Address() string {
	return m.Called().String(0)
}

type fakeStorage struct{}

func (fakeStorage) BufferSize() int   { return 3 }
func (fakeStorage) SegmentCount() int { return 2 }

func setupTestRouter() (http.Handler, *mockCluster) {
	c := new(mockCluster)
	handler := NewHandler(c, fakeStorage{}, nil, nil)
	return Router(handler, nil, nil, nil), c
}

func serve(router http.Handler, method, target string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, target, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeErrorBody(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestPutValue(t *testing.T) {
	router, c := setupTestRouter()

	c.On("Add", storage.Record{Key: "a", Value: "1", Timestamp: 9}, "n_0000000001").
		Return(storage.Record{Key: "a", Value: "1", Timestamp: 9}, nil).Once()

	rec := serve(router, http.MethodPut, "/kv/a", cluster.PutBody{Value: "1", Timestamp: 9},
		map[string]string{cluster.LeaderTokenHeader: "n_0000000001"})
	assert.Equal(t, http.StatusOK, rec.Code)

	var got storage.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, storage.Record{Key: "a", Value: "1", Timestamp: 9}, got)
	c.AssertExpectations(t)
}

func TestPutValueInvalidBody(t *testing.T) {
	router, c := setupTestRouter()

	req := httptest.NewRequest(http.MethodPut, "/kv/a", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_INPUT", decodeErrorBody(t, rec).Error.Type)
	c.AssertNotCalled(t, "Add", mock.Anything, mock.Anything)
}

func TestGetValueEscapedKey(t *testing.T) {
	router, c := setupTestRouter()

	c.On("Get", "a/b c", "").Return(storage.Record{Key: "a/b c", Value: "v", Timestamp: 1}, nil).Once()

	rec := serve(router, http.MethodGet, "/kv/a%2Fb%20c", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	c.AssertExpectations(t)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		expectedStatus int
		expectedType   string
		retryable      bool
	}{
		{"not found", kvErr.NotFound("k"), http.StatusNotFound, "NOT_FOUND", false},
		{"unauthorized", kvErr.New(kvErr.ErrorTypeUnauthorized, "no token", nil), http.StatusUnauthorized, "UNAUTHORIZED", false},
		{"forwarding", kvErr.New(kvErr.ErrorTypeForwarding, "refused", nil), http.StatusServiceUnavailable, "FORWARDING", true},
		{"timeout", kvErr.New(kvErr.ErrorTypeTimeout, "slow", nil), http.StatusGatewayTimeout, "TIMEOUT", true},
		{"storage", kvErr.Storage("disk", nil), http.StatusInternalServerError, "STORAGE", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, c := setupTestRouter()
			c.On("Get", "k", "").Return(storage.Record{}, tt.err).Once()

			rec := serve(router, http.MethodGet, "/kv/k", nil, nil)
			assert.Equal(t, tt.expectedStatus, rec.Code)

			resp := decodeErrorBody(t, rec)
			assert.Equal(t, tt.expectedType, resp.Error.Type)
			assert.Equal(t, tt.retryable, resp.Error.Retryable)
		})
	}
}

func TestDeleteValue(t *testing.T) {
	router, c := setupTestRouter()

	c.On("Delete", "a", "").Return(storage.Tombstone("a", 5), nil).Once()
	rec := serve(router, http.MethodDelete, "/kv/a", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var got storage.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.Deleted)
}

func TestPartitionMapRoutes(t *testing.T) {
	router, c := setupTestRouter()

	c.On("UpdatePartitionMap", "k", "10.0.0.1:8000", cluster.PartitionNew).Return(nil).Once()
	c.On("PartitionHolders", "k").Return([]string{"10.0.0.1:8000"})

	rec := serve(router, http.MethodPost, "/partition-map", PartitionMapRequest{
		Key: "k", NodeDetails: "10.0.0.1:8000", Operation: cluster.PartitionNew,
	}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(router, http.MethodGet, "/partition-map/k", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var resp PartitionMapResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, PartitionMapResponse{Key: "k", Holders: []string{"10.0.0.1:8000"}}, resp)

	c.On("UpdatePartitionMap", "k", "10.0.0.1:8000", cluster.PartitionOperation("move")).
		Return(kvErr.New(kvErr.ErrorTypeInvalidInput, "bad operation", nil)).Once()
	rec = serve(router, http.MethodPost, "/partition-map", map[string]string{
		"key": "k", "node_details": "10.0.0.1:8000", "operation": "move",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNodesAndHealth(t *testing.T) {
	router, c := setupTestRouter()
	members := []cluster.Member{
		{Name: "n_0000000001", Sequence: 1, Address: "10.0.0.1:8000", Leader: true, Self: true},
		{Name: "n_0000000003", Sequence: 3, Address: "10.0.0.2:8000"},
	}
	c.On("Members").Return(members)
	c.On("IsLeader").Return(true)
	c.On("Address").Return("10.0.0.1:8000")

	rec := serve(router, http.MethodGet, "/nodes", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var nodes struct {
		Nodes []cluster.Member `json:"nodes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &nodes))
	assert.Equal(t, members, nodes.Nodes)

	rec = serve(router, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var health map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, true, health["leader"])
	assert.Equal(t, 2.0, health["members"])
	assert.Equal(t, 3.0, health["buffer_keys"])
	assert.Equal(t, 2.0, health["segments"])
}

func TestRecoveryMiddleware(t *testing.T) {
	router, c := setupTestRouter()
	c.On("Get", "boom", "").Run(func(mock.Arguments) { panic("boom") })

	rec := serve(router, http.MethodGet, "/kv/boom", nil, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "INTERNAL", decodeErrorBody(t, rec).Error.Type)
}

func TestMetricsRouteAndForwardFailures(t *testing.T) {
	c := new(mockCluster)
	collector := metrics.NewCollector(nil)
	router := Router(NewHandler(c, nil, collector, nil), collector, nil, nil)

	c.On("Add", mock.Anything, "").Return(storage.Record{}, kvErr.New(kvErr.ErrorTypeForwarding, "refused", nil)).Once()
	rec := serve(router, http.MethodPut, "/kv/a", cluster.PutBody{Value: "1"}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = serve(router, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `corecache_forward_failures_total{error_type="FORWARDING",operation="add"} 1`)
	assert.Contains(t, body, `corecache_http_requests_total{method="PUT",route="/kv/{key}",status="503"} 1`)
}

func TestTracingMiddlewareWithoutExporter(t *testing.T) {
	tracer, err := NewTracer("corecache-test", "")
	require.NoError(t, err)
	defer tracer.Shutdown(context.Background())

	c := new(mockCluster)
	c.On("Get", "a", "").Return(storage.Record{Key: "a", Value: "1", Timestamp: 1}, nil).Once()
	router := Router(NewHandler(c, nil, nil, nil), nil, tracer, nil)

	rec := serve(router, http.MethodGet, "/kv/a", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
