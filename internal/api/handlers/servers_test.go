package handlers

import (
	"context"
	"net/http"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"

	"creditpanel/internal/core"
	"creditpanel/internal/lifecycle"
	"creditpanel/internal/types"
)

type fakeTransfers struct {
	res   *lifecycle.TransferResult
	err   error
	calls [][2]int64
}

func (f *fakeTransfers) TransferServer(ctx context.Context, serverID, nodeID int64) (*lifecycle.TransferResult, error) {
	f.calls = append(f.calls, [2]int64{serverID, nodeID})
	return f.res, f.err
}

func newServerRouter(s TransferService) http.Handler {
	r := chi.NewRouter()
	r.Route("/v1", NewServerHandler(s, core.NewValidator(nil), nil).RegisterRoutes)
	return r
}

func TestTransfer(t *testing.T) {
	s := &fakeTransfers{res: &lifecycle.TransferResult{ServerID: 7, FromNodeID: 1, ToNodeID: 2, AllocationID: 40, StatusCode: 202}}
	rr := do(t, newServerRouter(s), http.MethodPost, "/v1/servers/7/transfer", `{"node_id":2}`)

	assert.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	assert.Equal(t, [][2]int64{{7, 2}}, s.calls)
	assert.Contains(t, rr.Body.String(), `"allocation_id":40`)
}

func TestTransfer_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		body       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{name: "bad id", path: "/v1/servers/abc/transfer", body: `{"node_id":2}`, wantStatus: http.StatusBadRequest, wantCode: "validation_invalid_identifier"},
		{name: "zero id", path: "/v1/servers/0/transfer", body: `{"node_id":2}`, wantStatus: http.StatusBadRequest, wantCode: "validation_invalid_identifier"},
		{name: "missing node", path: "/v1/servers/7/transfer", body: `{}`, wantStatus: http.StatusBadRequest, wantCode: "validation_missing_required_field"},
		{
			name: "same node", path: "/v1/servers/7/transfer", body: `{"node_id":1}`,
			err:        types.NewAppError(types.ErrCodeConflictSameNode, "server already on node", nil),
			wantStatus: http.StatusConflict, wantCode: "conflict_same_node",
		},
		{
			name: "panel down", path: "/v1/servers/7/transfer", body: `{"node_id":2}`,
			err:        types.NewAppError(types.ErrCodeUpstreamUnavailable, "panel unavailable", nil),
			wantStatus: http.StatusBadGateway, wantCode: "upstream_unavailable",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, newServerRouter(&fakeTransfers{err: tt.err}), http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, rr.Code)
			assert.Contains(t, rr.Body.String(), tt.wantCode)
		})
	}
}
