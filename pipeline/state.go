package pipeline

// State is a step of the per-query state machine.
type State int

const (
	StateValidating State = iota
	StateStructuringIntent
	StateShortCircuit
	StateEmbedding
	StateRetrieving
	StateStructuringContext
	StateGenerating
	StateAssemblingCitations
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateValidating:
		return "validating"
	case StateStructuringIntent:
		return "structuring_intent"
	case StateShortCircuit:
		return "short_circuit"
	case StateEmbedding:
		return "embedding"
	case StateRetrieving:
		return "retrieving"
	case StateStructuringContext:
		return "structuring_context"
	case StateGenerating:
		return "generating"
	case StateAssemblingCitations:
		return "assembling_citations"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
