package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"creditpanel/internal/types"
)

// AuditSink receives a record of every mutating panel call. Implementations
// must not block; failures are theirs to log.
type AuditSink interface {
	Record(ctx context.Context, event types.AuditEvent)
}

type nopAudit struct{}

func (nopAudit) Record(context.Context, types.AuditEvent) {}

// PanelConfig configures a PanelClient.
type PanelConfig struct {
	BaseURL  string
	APIKey   string
	PageSize int
	Audit    AuditSink
	Logger   *slog.Logger
	Now      func() time.Time
}

// PanelClient talks to a Pterodactyl-style application API.
type PanelClient struct {
	base     *BaseClient
	baseURL  string
	apiKey   string
	pageSize int
	audit    AuditSink
	logger   *slog.Logger
	now      func() time.Time
}

// NewPanelClient creates a PanelClient for the panel application API.
func NewPanelClient(base *BaseClient, cfg PanelConfig) *PanelClient {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.Audit == nil {
		cfg.Audit = nopAudit{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &PanelClient{
		base:     base,
		baseURL:  strings.TrimSuffix(cfg.BaseURL, "/") + "/api/application",
		apiKey:   cfg.APIKey,
		pageSize: cfg.PageSize,
		audit:    cfg.Audit,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
}

// Wire format. Every resource arrives wrapped as {"object", "attributes"}.

type envelope[T any] struct {
	Object     string `json:"object"`
	Attributes T      `json:"attributes"`
}

type listEnvelope[T any] struct {
	Data []envelope[T] `json:"data"`
	Meta struct {
		Pagination struct {
			Total       int `json:"total"`
			CurrentPage int `json:"current_page"`
			TotalPages  int `json:"total_pages"`
		} `json:"pagination"`
	} `json:"meta"`
}

type serverAttributes struct {
	ID            int64              `json:"id"`
	Identifier    string             `json:"identifier"`
	Name          string             `json:"name"`
	User          int64              `json:"user"`
	Node          int64              `json:"node"`
	Allocation    int64              `json:"allocation"`
	Suspended     bool               `json:"suspended"`
	Status        *string            `json:"status"`
	Limits        types.ServerLimits `json:"limits"`
	FeatureLimits types.Entitlements `json:"feature_limits"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

func (a serverAttributes) toDomain() types.ProvisionedServer {
	suspended := a.Suspended || (a.Status != nil && *a.Status == "suspended")
	return types.ProvisionedServer{
		ID:              a.ID,
		Identifier:      a.Identifier,
		Name:            a.Name,
		OwnerExternalID: a.User,
		NodeID:          a.Node,
		AllocationID:    a.Allocation,
		Limits:          a.Limits,
		FeatureLimits:   a.FeatureLimits,
		Suspended:       suspended,
		UpdatedAt:       a.UpdatedAt,
	}
}

type nodeAttributes struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	FQDN        string `json:"fqdn"`
	Maintenance bool   `json:"maintenance_mode"`
}

type allocationAttributes struct {
	ID       int64  `json:"id"`
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	Assigned bool   `json:"assigned"`
}

type buildRequest struct {
	Allocation    int64              `json:"allocation"`
	Memory        int64              `json:"memory"`
	Swap          int64              `json:"swap"`
	Disk          int64              `json:"disk"`
	IO            int64              `json:"io"`
	CPU           int64              `json:"cpu"`
	FeatureLimits types.Entitlements `json:"feature_limits"`
}

type transferRequest struct {
	NodeID       int64 `json:"node_id"`
	AllocationID int64 `json:"allocation_id"`
}

// send performs one request and returns the status and body. Non-2xx
// statuses are returned without error so each operation can interpret them.
func (c *PanelClient) send(ctx context.Context, method, path string, query url.Values, payload any) (int, []byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode request", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return 0, nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.base.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, nil, types.NewAppError(types.ErrCodeUpstreamTransient, "failed to read response", err)
	}
	return resp.StatusCode, raw, nil
}

func ok(status int) bool { return status >= 200 && status < 300 }

// snippet keeps the first 256 bytes of an error body for messages and logs,
// dropping any rune split by the cut.
func snippet(b []byte) string {
	if len(b) > 256 {
		return strings.ToValidUTF8(string(b[:256]), "")
	}
	return string(b)
}

func decode(op string, raw []byte, into any) error {
	if err := json.Unmarshal(raw, into); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamError, op+" returned malformed JSON", err)
	}
	return nil
}

// listAll walks every page of a paginated list endpoint.
func listAll[T any](ctx context.Context, c *PanelClient, op, path string) ([]T, error) {
	var out []T
	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("per_page", strconv.Itoa(c.pageSize))
		q.Set("page", strconv.Itoa(page))

		status, raw, err := c.send(ctx, http.MethodGet, path, q, nil)
		if err != nil {
			return nil, fmt.Errorf("%s page %d: %w", op, page, err)
		}
		if !ok(status) {
			return nil, types.NewUpstreamError(op, status, snippet(raw))
		}

		var list listEnvelope[T]
		if err := decode(op, raw, &list); err != nil {
			return nil, err
		}
		for _, item := range list.Data {
			out = append(out, item.Attributes)
		}
		if page >= list.Meta.Pagination.TotalPages || len(list.Data) == 0 {
			return out, nil
		}
	}
}

// ListServers returns every server on the panel.
func (c *PanelClient) ListServers(ctx context.Context) ([]types.ProvisionedServer, error) {
	attrs, err := listAll[serverAttributes](ctx, c, "list_servers", "/servers")
	if err != nil {
		return nil, err
	}
	servers := make([]types.ProvisionedServer, 0, len(attrs))
	for _, a := range attrs {
		servers = append(servers, a.toDomain())
	}
	return servers, nil
}

// GetServer fetches a single server by its panel id.
// A 404 maps to ErrCodeNotFoundServer.
func (c *PanelClient) GetServer(ctx context.Context, id int64) (*types.ProvisionedServer, error) {
	status, raw, err := c.send(ctx, http.MethodGet, fmt.Sprintf("/servers/%d", id), nil, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, types.NewAppError(types.ErrCodeNotFoundServer, "server not found", nil).
			WithDetails(map[string]any{"server_id": id})
	}
	if !ok(status) {
		return nil, types.NewUpstreamError("get_server", status, snippet(raw))
	}
	var env envelope[serverAttributes]
	if err := decode("get_server", raw, &env); err != nil {
		return nil, err
	}
	s := env.Attributes.toDomain()
	return &s, nil
}

// ListNodes returns every node across all result pages.
func (c *PanelClient) ListNodes(ctx context.Context) ([]types.Node, error) {
	attrs, err := listAll[nodeAttributes](ctx, c, "list_nodes", "/nodes")
	if err != nil {
		return nil, err
	}
	nodes := make([]types.Node, 0, len(attrs))
	for _, a := range attrs {
		nodes = append(nodes, types.Node{ID: a.ID, Name: a.Name, FQDN: a.FQDN, Maintenance: a.Maintenance})
	}
	return nodes, nil
}

// GetFreeAllocation returns the first unassigned allocation on a node, or
// nil when the node has none.
func (c *PanelClient) GetFreeAllocation(ctx context.Context, nodeID int64) (*int64, error) {
	allocs, err := listAll[allocationAttributes](ctx, c, "list_allocations", fmt.Sprintf("/nodes/%d/allocations", nodeID))
	if err != nil {
		return nil, err
	}
	for _, a := range allocs {
		if !a.Assigned {
			id := a.ID
			return &id, nil
		}
	}
	return nil, nil
}

// mutate runs a state-changing call and records its audit event whatever the
// outcome.
func (c *PanelClient) mutate(ctx context.Context, op string, serverID, nodeID int64, method, path string, payload any) (int, []byte, error) {
	status, raw, err := c.send(ctx, method, path, nil, payload)

	event := types.AuditEvent{
		Operation:  op,
		ServerID:   serverID,
		NodeID:     nodeID,
		StatusCode: status,
		PassID:     types.GetPassID(ctx),
		Severity:   types.AuditInfo,
		OccurredAt: c.now().UTC(),
	}
	switch {
	case err != nil:
		event.Severity, event.Error = types.AuditError, err.Error()
		if s, found := types.UpstreamStatus(err); found {
			event.StatusCode = s
		}
	case !ok(status) && status != http.StatusNotFound:
		event.Severity, event.Error = types.AuditError, snippet(raw)
	case op == "delete_server":
		event.Severity = types.AuditWarning
	}
	c.audit.Record(ctx, event)

	return status, raw, err
}

// PatchLimits rewrites the server's build to match plan.
func (c *PanelClient) PatchLimits(ctx context.Context, server types.ProvisionedServer, plan types.Plan) error {
	req := buildRequest{
		Allocation:    server.AllocationID,
		Memory:        plan.MemoryMB,
		Swap:          server.Limits.SwapMB,
		Disk:          plan.DiskMB,
		IO:            server.Limits.IO,
		CPU:           plan.CPUPercent,
		FeatureLimits: plan.Entitlements,
	}
	if req.IO == 0 {
		req.IO = 500
	}
	status, raw, err := c.mutate(ctx, "patch_limits", server.ID, server.NodeID,
		http.MethodPatch, fmt.Sprintf("/servers/%d/build", server.ID), req)
	if err != nil {
		return err
	}
	if !ok(status) {
		return types.NewUpstreamError("patch_limits", status, snippet(raw))
	}
	return nil
}

// Suspend suspends the server on the panel.
func (c *PanelClient) Suspend(ctx context.Context, id int64) error {
	return c.simple(ctx, "suspend_server", id, fmt.Sprintf("/servers/%d/suspend", id))
}

// Unsuspend lifts a panel suspension.
func (c *PanelClient) Unsuspend(ctx context.Context, id int64) error {
	return c.simple(ctx, "unsuspend_server", id, fmt.Sprintf("/servers/%d/unsuspend", id))
}

func (c *PanelClient) simple(ctx context.Context, op string, id int64, path string) error {
	status, raw, err := c.mutate(ctx, op, id, 0, http.MethodPost, path, nil)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return types.NewAppError(types.ErrCodeNotFoundServer, "server not found", nil).
			WithDetails(map[string]any{"server_id": id, "operation": op})
	}
	if !ok(status) {
		return types.NewUpstreamError(op, status, snippet(raw))
	}
	return nil
}

// Delete removes a server and returns the panel's status code. A 404 means
// it is already gone and is not an error.
func (c *PanelClient) Delete(ctx context.Context, id int64) (int, error) {
	status, raw, err := c.mutate(ctx, "delete_server", id, 0, http.MethodDelete, fmt.Sprintf("/servers/%d", id), nil)
	if err != nil {
		return status, err
	}
	if !ok(status) && status != http.StatusNotFound {
		return status, types.NewUpstreamError("delete_server", status, snippet(raw))
	}
	return status, nil
}

// Transfer moves a server to another node onto allocationID.
func (c *PanelClient) Transfer(ctx context.Context, id, nodeID, allocationID int64) (int, error) {
	status, raw, err := c.mutate(ctx, "transfer_server", id, nodeID, http.MethodPost,
		fmt.Sprintf("/servers/%d/transfer", id), transferRequest{NodeID: nodeID, AllocationID: allocationID})
	if err != nil {
		return status, err
	}
	if !ok(status) {
		return status, types.NewUpstreamError("transfer_server", status, snippet(raw))
	}
	return status, nil
}
