// Package state defines the run, confirmation, node, and order lifecycles as
// explicit transition tables. The tables are the single source of truth for
// which status changes are legal; the store consults them inside the same
// transaction that performs the write.
package state

type (
	// RunStatus is the lifecycle state of a run.
	RunStatus string
	// ConfirmationStatus is the lifecycle state of a trade confirmation.
	ConfirmationStatus string
	// NodeStatus is the lifecycle state of a DAG node.
	NodeStatus string
	// OrderStatus is the lifecycle state of an order.
	OrderStatus string
	// ExecutionMode selects the broker provider for a run.
	ExecutionMode string
	// AssetClass partitions the instrument universe.
	AssetClass string
)

const (
	RunCreated   RunStatus = "CREATED"
	RunRunning   RunStatus = "RUNNING"
	RunPaused    RunStatus = "PAUSED"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
)

const (
	ConfirmationPending   ConfirmationStatus = "PENDING"
	ConfirmationConfirmed ConfirmationStatus = "CONFIRMED"
	ConfirmationCancelled ConfirmationStatus = "CANCELLED"
	ConfirmationExpired   ConfirmationStatus = "EXPIRED"
)

const (
	NodePending   NodeStatus = "PENDING"
	NodeRunning   NodeStatus = "RUNNING"
	NodeCompleted NodeStatus = "COMPLETED"
	NodeFailed    NodeStatus = "FAILED"
)

const (
	OrderSubmitted       OrderStatus = "SUBMITTED"
	OrderPendingFill     OrderStatus = "PENDING_FILL"
	OrderOpen            OrderStatus = "OPEN"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderFailed          OrderStatus = "FAILED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderExpired         OrderStatus = "EXPIRED"
	OrderTimeout         OrderStatus = "TIMEOUT"
)

const (
	ModePaper        ExecutionMode = "PAPER"
	ModeLive         ExecutionMode = "LIVE"
	ModeReplay       ExecutionMode = "REPLAY"
	ModeAssistedLive ExecutionMode = "ASSISTED_LIVE"
)

const (
	AssetCrypto AssetClass = "CRYPTO"
	AssetStock  AssetClass = "STOCK"
)

// runTransitions maps each run status to its legal successors. Terminal
// statuses map to the empty set.
var runTransitions = map[RunStatus][]RunStatus{
	RunCreated:   {RunRunning, RunFailed},
	RunRunning:   {RunPaused, RunCompleted, RunFailed},
	RunPaused:    {RunRunning, RunFailed},
	RunCompleted: {},
	RunFailed:    {},
}

var confirmationTransitions = map[ConfirmationStatus][]ConfirmationStatus{
	ConfirmationPending:   {ConfirmationConfirmed, ConfirmationCancelled, ConfirmationExpired},
	ConfirmationConfirmed: {},
	ConfirmationCancelled: {},
	ConfirmationExpired:   {},
}

var nodeTransitions = map[NodeStatus][]NodeStatus{
	NodePending:   {NodeRunning},
	NodeRunning:   {NodeCompleted, NodeFailed},
	NodeCompleted: {},
	NodeFailed:    {},
}

// orderTerminal marks the order statuses past which no transition is legal.
var orderTerminal = map[OrderStatus]bool{
	OrderFilled:   true,
	OrderFailed:   true,
	OrderRejected: true,
	OrderCanceled: true,
	OrderExpired:  true,
	OrderTimeout:  true,
}

// ValidRunTransition reports whether from → to is legal.
func ValidRunTransition(from, to RunStatus) bool {
	return contains(runTransitions[from], to)
}

// RunTerminal reports whether s is a sink.
func RunTerminal(s RunStatus) bool {
	return s == RunCompleted || s == RunFailed
}

// ValidConfirmationTransition reports whether from → to is legal.
func ValidConfirmationTransition(from, to ConfirmationStatus) bool {
	return contains(confirmationTransitions[from], to)
}

// ConfirmationTerminal reports whether s is a sink.
func ConfirmationTerminal(s ConfirmationStatus) bool {
	return s != ConfirmationPending
}

// ValidNodeTransition reports whether from → to is legal.
func ValidNodeTransition(from, to NodeStatus) bool {
	return contains(nodeTransitions[from], to)
}

// OrderTerminal reports whether s is a sink.
func OrderTerminal(s OrderStatus) bool {
	return orderTerminal[s]
}

// ValidOrderTransition enforces monotonic progress toward a terminal status:
// terminal statuses are sinks, any non-terminal status may advance.
func ValidOrderTransition(from, to OrderStatus) bool {
	if orderTerminal[from] {
		return false
	}
	return from != to
}

// ValidExecutionMode reports whether m is one of the supported modes.
func ValidExecutionMode(m ExecutionMode) bool {
	switch m {
	case ModePaper, ModeLive, ModeReplay, ModeAssistedLive:
		return true
	}
	return false
}

func contains[T comparable](set []T, v T) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
