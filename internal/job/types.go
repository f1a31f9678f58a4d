// Package job defines jobs, nodes, manifests, and the failure taxonomy shared by
// the store, scheduler, and supervisors.
package job

import (
	"time"
)

// State is a job lifecycle state.
type State string

// State constants
const (
	StateCreated             State = "created"
	StateScheduled           State = "scheduled"
	StateProcessingInput     State = "processing_input"
	StateProcessingContainer State = "processing_container"
	StateProcessingOutput    State = "processing_output"
	StateSuccess             State = "success"
	StateFailed              State = "failed"
	StateCancelled           State = "cancelled"
)

// States lists every state in lifecycle order.
var States = []State{
	StateCreated,
	StateScheduled,
	StateProcessingInput,
	StateProcessingContainer,
	StateProcessingOutput,
	StateSuccess,
	StateFailed,
	StateCancelled,
}

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailed || s == StateCancelled
}

// Active reports whether s holds a node assignment (claimed and not finished).
func (s State) Active() bool {
	switch s {
	case StateScheduled, StateProcessingInput, StateProcessingContainer, StateProcessingOutput:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	for _, v := range States {
		if s == v {
			return true
		}
	}
	return false
}

var transitions = map[State][]State{
	StateCreated:             {StateScheduled, StateFailed, StateCancelled},
	StateScheduled:           {StateProcessingInput, StateCreated, StateFailed, StateCancelled},
	StateProcessingInput:     {StateProcessingContainer, StateCreated, StateFailed, StateCancelled},
	StateProcessingContainer: {StateProcessingOutput, StateCreated, StateFailed, StateCancelled},
	StateProcessingOutput:    {StateSuccess, StateCreated, StateFailed, StateCancelled},
}

// CanTransition reports whether the lifecycle allows moving from one state to
// another. Moving back to created is the retry path.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ReleasesCapacity reports whether a transition frees the node reservation
// taken at claim time.
func ReleasesCapacity(from, to State) bool {
	return from.Active() && (to.Terminal() || to == StateCreated)
}

// Failure reasons recorded on failed jobs.
const (
	ReasonFatal         = "fatal_execution"
	ReasonExhausted     = "attempts_exhausted"
	ReasonUnschedulable = "unschedulable"
)

// Resources is an amount of node capacity. Zero fields request nothing.
type Resources struct {
	MemoryMB  int64 `json:"memoryMb" yaml:"memoryMb"`
	CPUMillis int64 `json:"cpuMillis,omitempty" yaml:"cpuMillis"`
	GPUs      int64 `json:"gpus,omitempty" yaml:"gpus"`
}

// Fits reports whether r fits inside free.
func (r Resources) Fits(free Resources) bool {
	return r.MemoryMB <= free.MemoryMB && r.CPUMillis <= free.CPUMillis && r.GPUs <= free.GPUs
}

// Add returns r + o.
func (r Resources) Add(o Resources) Resources {
	return Resources{MemoryMB: r.MemoryMB + o.MemoryMB, CPUMillis: r.CPUMillis + o.CPUMillis, GPUs: r.GPUs + o.GPUs}
}

// Sub returns r - o.
func (r Resources) Sub(o Resources) Resources {
	return Resources{MemoryMB: r.MemoryMB - o.MemoryMB, CPUMillis: r.CPUMillis - o.CPUMillis, GPUs: r.GPUs - o.GPUs}
}

// IsZero reports whether no capacity is described.
func (r Resources) IsZero() bool {
	return r == Resources{}
}

// Job is the unit of schedulable work.
type Job struct {
	ID              string    `json:"id"`
	BatchID         string    `json:"batchId"`
	Manifest        Manifest  `json:"manifest"`
	State           State     `json:"state"`
	AssignedNode    string    `json:"assignedNode,omitempty"`
	AttemptCount    int       `json:"attemptCount"`
	MaxAttempts     int       `json:"maxAttempts"`
	NotBefore       time.Time `json:"notBefore,omitzero"`
	CancelRequested bool      `json:"cancelRequested,omitempty"`
	FailureReason   string    `json:"failureReason,omitempty"`
	ContainerID     string    `json:"containerId,omitempty"`
	LeaseOwner      string    `json:"-"`
	LeaseUntil      time.Time `json:"-"`
	SubmittedAt     time.Time `json:"submittedAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
	FinishedAt      time.Time `json:"finishedAt,omitzero"`
}

// AttemptsLeft reports whether the job may still be offered to the scheduler.
func (j *Job) AttemptsLeft() bool {
	return j.AttemptCount < j.MaxAttempts
}

// HistoryEntry is one append-only record of a job's lifecycle.
// Seq is assigned by the store and strictly increases per job.
type HistoryEntry struct {
	Seq    int64     `json:"seq"`
	State  State     `json:"state"`
	Time   time.Time `json:"time"`
	Detail Detail    `json:"detail"`
}

// Detail describes why a history entry was written.
type Detail struct {
	Message string `json:"message,omitempty"`
	Stage   Stage  `json:"stage,omitempty"`
	Node    string `json:"node,omitempty"`
	Class   string `json:"class,omitempty"`
	Error   string `json:"error,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
}

// Health is a node health state.
type Health string

// Health constants
const (
	HealthOnline      Health = "online"
	HealthUnreachable Health = "unreachable"
	HealthDisabled    Health = "disabled"
)

// Valid reports whether h is a known health state.
func (h Health) Valid() bool {
	return h == HealthOnline || h == HealthUnreachable || h == HealthDisabled
}

// Node is a container-runtime endpoint.
type Node struct {
	ID        string    `json:"id"`
	Address   string    `json:"address"`
	Total     Resources `json:"total"`
	Reserved  Resources `json:"reserved"`
	Health    Health    `json:"health"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Free returns the capacity not yet reserved.
func (n Node) Free() Resources {
	return n.Total.Sub(n.Reserved)
}

// Filter selects jobs in List queries. Zero fields match everything.
type Filter struct {
	BatchID string
	States  []State
	Node    string
	Limit   int
}

// BatchSummary aggregates the jobs of one batch.
type BatchSummary struct {
	BatchID string        `json:"batchId"`
	Total   int           `json:"total"`
	States  map[State]int `json:"states"`
	Done    bool          `json:"done"`
	State   State         `json:"state"`
}

// Summarize aggregates jobs into a batch summary. The batch state is the first
// non-terminal state found in lifecycle order, or the dominant terminal state
// (cancelled before failed before success) once all jobs are done.
func Summarize(batchID string, jobs []Job) BatchSummary {
	s := BatchSummary{BatchID: batchID, Total: len(jobs), States: make(map[State]int)}
	for _, j := range jobs {
		s.States[j.State]++
	}
	s.Done = true
	for _, st := range States {
		if !st.Terminal() && s.States[st] > 0 {
			s.Done = false
			s.State = st
			break
		}
	}
	if s.Done {
		switch {
		case s.States[StateCancelled] > 0:
			s.State = StateCancelled
		case s.States[StateFailed] > 0:
			s.State = StateFailed
		default:
			s.State = StateSuccess
		}
	}
	return s
}
