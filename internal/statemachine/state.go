package statemachine

// State is a phase of the biography workflow.
type State string

const (
	Initialized        State = "initialized"
	SourcesValidating  State = "sources_validating"
	ContentGenerating  State = "content_generating"
	ChaptersValidating State = "chapters_validating"
	Concatenating      State = "concatenating"
	Exporting          State = "exporting"
	Completed          State = "completed"
	Failed             State = "failed"
	Paused             State = "paused"
)

// AllStates lists every state, forward chain first.
var AllStates = []State{
	Initialized, SourcesValidating, ContentGenerating, ChaptersValidating,
	Concatenating, Exporting, Completed, Failed, Paused,
}

// forwardChain is the happy path from start to finish.
var forwardChain = []State{
	Initialized, SourcesValidating, ContentGenerating, ChaptersValidating,
	Concatenating, Exporting, Completed,
}

var progressAnchors = map[State]int{
	Initialized:        0,
	SourcesValidating:  10,
	ContentGenerating:  30,
	ChaptersValidating: 70,
	Concatenating:      85,
	Exporting:          95,
	Completed:          100,
	Failed:             0,
	Paused:             0,
}

var allowed = map[State][]State{
	Initialized:        {SourcesValidating, Failed, Paused},
	SourcesValidating:  {ContentGenerating, Failed, Paused},
	ContentGenerating:  {ChaptersValidating, Failed, Paused},
	ChaptersValidating: {Concatenating, ContentGenerating, Failed, Paused},
	Concatenating:      {Exporting, Failed, Paused},
	Exporting:          {Completed, Failed, Paused},
	Paused:             {Initialized, SourcesValidating, ContentGenerating, ChaptersValidating, Concatenating, Exporting, Failed},
	Failed:             {Initialized},
	Completed:          {},
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := progressAnchors[s]
	return ok
}

// Progress is the percentage anchored to s.
func (s State) Progress() int {
	return progressAnchors[s]
}

// Terminal reports whether s ends the workflow.
func (s State) Terminal() bool {
	return s == Completed || s == Failed
}

// Workflow reports whether s is one of the six working phases.
func (s State) Workflow() bool {
	switch s {
	case Initialized, SourcesValidating, ContentGenerating, ChaptersValidating, Concatenating, Exporting:
		return true
	}
	return false
}

// Next returns the successor of s on the forward chain.
func (s State) Next() (State, bool) {
	for i, st := range forwardChain {
		if st == s && i+1 < len(forwardChain) {
			return forwardChain[i+1], true
		}
	}
	return "", false
}

// Previous returns the predecessor of s on the forward chain.
func (s State) Previous() (State, bool) {
	for i, st := range forwardChain {
		if st == s && i > 0 {
			return forwardChain[i-1], true
		}
	}
	return "", false
}

// CanTransition reports whether from -> to is in the allowed table.
func CanTransition(from, to State) bool {
	for _, st := range allowed[from] {
		if st == to {
			return true
		}
	}
	return false
}
