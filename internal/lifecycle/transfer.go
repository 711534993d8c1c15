// Package lifecycle holds operator-initiated server lifecycle operations
// that sit outside the scheduled passes.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"

	"creditpanel/internal/types"
)

// Panel is the provisioning surface a transfer needs.
type Panel interface {
	GetServer(ctx context.Context, id int64) (*types.ProvisionedServer, error)
	GetFreeAllocation(ctx context.Context, nodeID int64) (*int64, error)
	Transfer(ctx context.Context, id, nodeID, allocationID int64) (int, error)
}

// NodeLookup is satisfied by *external.NodeCache.
type NodeLookup interface {
	Get(ctx context.Context, id int64) (types.Node, bool, error)
}

// Service moves servers between nodes.
type Service struct {
	panel  Panel
	nodes  NodeLookup
	logger *slog.Logger
}

// NewService creates a transfer Service.
func NewService(panel Panel, nodes NodeLookup, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{panel: panel, nodes: nodes, logger: logger}
}

// TransferResult describes an accepted transfer.
type TransferResult struct {
	ServerID     int64 `json:"server_id"`
	FromNodeID   int64 `json:"from_node_id"`
	ToNodeID     int64 `json:"to_node_id"`
	AllocationID int64 `json:"allocation_id"`
	StatusCode   int   `json:"status_code"`
}

// TransferServer moves a server onto targetNodeID. The node must exist, be
// out of maintenance and have a free allocation.
func (s *Service) TransferServer(ctx context.Context, serverID, targetNodeID int64) (*TransferResult, error) {
	if serverID <= 0 || targetNodeID <= 0 {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidID, "server and node ids must be positive", nil)
	}
	logger := types.LoggerFromContext(ctx, s.logger)

	srv, err := s.panel.GetServer(ctx, serverID)
	if err != nil {
		return nil, fmt.Errorf("loading server %d: %w", serverID, err)
	}
	if srv.NodeID == targetNodeID {
		return nil, types.NewAppError(types.ErrCodeConflictSameNode, "server is already on the target node", nil).
			WithDetails(map[string]any{"server_id": serverID, "node_id": targetNodeID})
	}

	node, found, err := s.nodes.Get(ctx, targetNodeID)
	if err != nil {
		return nil, fmt.Errorf("loading node catalog: %w", err)
	}
	if !found {
		return nil, types.NewAppError(types.ErrCodeNotFoundNode, "target node not found", nil).
			WithDetails(map[string]any{"node_id": targetNodeID})
	}
	if node.Maintenance {
		return nil, types.NewAppError(types.ErrCodeConflictMaintenance, "target node is in maintenance", nil).
			WithDetails(map[string]any{"node_id": targetNodeID})
	}

	alloc, err := s.panel.GetFreeAllocation(ctx, targetNodeID)
	if err != nil {
		return nil, fmt.Errorf("finding allocation on node %d: %w", targetNodeID, err)
	}
	if alloc == nil {
		return nil, types.NewAppError(types.ErrCodeConflictNoAllocation, "target node has no free allocation", nil).
			WithDetails(map[string]any{"node_id": targetNodeID})
	}

	status, err := s.panel.Transfer(ctx, serverID, targetNodeID, *alloc)
	if err != nil {
		return nil, fmt.Errorf("transferring server %d: %w", serverID, err)
	}

	logger.InfoContext(ctx, "server transfer started",
		"server_id", serverID,
		"from_node", srv.NodeID,
		"to_node", targetNodeID,
		"allocation_id", *alloc,
		"status", status,
	)
	return &TransferResult{
		ServerID:     serverID,
		FromNodeID:   srv.NodeID,
		ToNodeID:     targetNodeID,
		AllocationID: *alloc,
		StatusCode:   status,
	}, nil
}
