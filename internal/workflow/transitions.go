package workflow

import (
	"sort"

	"clawcontrol/internal/apperr"
	"clawcontrol/internal/domain"
)

var workOrderTransitions = map[domain.WorkOrderState]map[domain.WorkOrderState]bool{
	domain.WorkOrderPlanned: {
		domain.WorkOrderActive:    true,
		domain.WorkOrderCancelled: true,
	},
	domain.WorkOrderActive: {
		domain.WorkOrderBlocked:   true,
		domain.WorkOrderReview:    true,
		domain.WorkOrderCancelled: true,
	},
	domain.WorkOrderBlocked: {
		domain.WorkOrderActive:    true,
		domain.WorkOrderCancelled: true,
	},
	domain.WorkOrderReview: {
		domain.WorkOrderDone:   true,
		domain.WorkOrderActive: true,
	},
	domain.WorkOrderDone: {
		domain.WorkOrderShipped: true,
	},
	domain.WorkOrderShipped:   {},
	domain.WorkOrderCancelled: {},
}

var operationTransitions = map[domain.OperationStatus]map[domain.OperationStatus]bool{
	domain.OperationTodo: {
		domain.OperationInProgress: true,
		domain.OperationBlocked:    true,
	},
	domain.OperationInProgress: {
		domain.OperationReview:  true,
		domain.OperationDone:    true,
		domain.OperationBlocked: true,
		domain.OperationRework:  true,
	},
	domain.OperationReview: {
		domain.OperationDone:   true,
		domain.OperationRework: true,
	},
	domain.OperationRework: {
		domain.OperationInProgress: true,
		domain.OperationBlocked:    true,
	},
	domain.OperationBlocked: {
		domain.OperationInProgress: true,
		domain.OperationTodo:       true,
	},
	domain.OperationDone: {},
}

// Entity names accepted by GetValidTransitions.
const (
	EntityWorkOrder = "work_order"
	EntityOperation = "operation"
)

// ValidWorkOrderTransitions lists the legal next states, sorted.
func ValidWorkOrderTransitions(from domain.WorkOrderState) []domain.WorkOrderState {
	var out []domain.WorkOrderState
	for to := range workOrderTransitions[from] {
		out = append(out, to)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ValidOperationTransitions lists the legal next statuses, sorted.
func ValidOperationTransitions(from domain.OperationStatus) []domain.OperationStatus {
	var out []domain.OperationStatus
	for to := range operationTransitions[from] {
		out = append(out, to)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// GetValidTransitions answers for either entity type by name.
func GetValidTransitions(entity, state string) ([]string, error) {
	out := []string{}
	switch entity {
	case EntityWorkOrder, "workorder", "work-order":
		if _, ok := workOrderTransitions[domain.WorkOrderState(state)]; !ok {
			return nil, apperr.New(apperr.CodeBadRequest, "unknown work order state %q", state)
		}
		for _, s := range ValidWorkOrderTransitions(domain.WorkOrderState(state)) {
			out = append(out, string(s))
		}
	case EntityOperation:
		if _, ok := operationTransitions[domain.OperationStatus(state)]; !ok {
			return nil, apperr.New(apperr.CodeBadRequest, "unknown operation status %q", state)
		}
		for _, s := range ValidOperationTransitions(domain.OperationStatus(state)) {
			out = append(out, string(s))
		}
	default:
		return nil, apperr.New(apperr.CodeBadRequest, "unknown entity %q", entity)
	}
	return out, nil
}

func ensureWorkOrderTransition(from, to domain.WorkOrderState) error {
	if workOrderTransitions[from][to] {
		return nil
	}
	return apperr.New(apperr.CodeInvalidTransition, "invalid work order transition %s -> %s", from, to).
		WithDetails(map[string]any{"from": from, "to": to})
}

func ensureOperationTransition(from, to domain.OperationStatus) error {
	if operationTransitions[from][to] {
		return nil
	}
	return apperr.New(apperr.CodeInvalidTransition, "invalid operation transition %s -> %s", from, to).
		WithDetails(map[string]any{"from": from, "to": to})
}
