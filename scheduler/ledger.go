package scheduler

import (
	"github.com/philwinder/kibana/protocol"
)

// TaskHandle is the in-memory record of one launched Kibana instance.
type TaskHandle struct {
	ID            string
	ElasticSearch string
	Port          uint64
	State         protocol.TaskState
}

type TargetDelta struct {
	ElasticSearch string
	Delta         int
}

// RequirementLedger tracks, per ElasticSearch URL, how many Kibana instances are
// required and which tasks are currently running for it. It is not synchronized;
// KibanaScheduler serializes all access under a single lock together with the
// port allocator, so requirement changes from the management API never interleave
// with an in-flight offer match.
type RequirementLedger struct {
	required map[string]int
	running  map[string][]*TaskHandle
	order    []string // first-seen order of URLs, so delta traversal is deterministic
}

func NewRequirementLedger() *RequirementLedger {
	return &RequirementLedger{
		required: make(map[string]int),
		running:  make(map[string][]*TaskHandle),
		order:    make([]string, 0),
	}
}

// SetRequirement adds amount to the required instance count for the given URL
// and returns the new count. A resulting count <= 0 removes the entry entirely,
// i.e. the URL is no longer required rather than negatively required.
func (l *RequirementLedger) SetRequirement(elasticSearch string, amount int) int {
	if amount == 0 {
		return l.required[elasticSearch]
	}

	newAmount := l.required[elasticSearch] + amount
	if newAmount <= 0 {
		delete(l.required, elasticSearch)
		l.prune(elasticSearch)
		return 0
	}

	l.track(elasticSearch)
	l.required[elasticSearch] = newAmount
	return newAmount
}

func (l *RequirementLedger) Required(elasticSearch string) int {
	return l.required[elasticSearch]
}

// RequirementDeltas returns required minus running instance counts for the union
// of required and running URLs, in first-seen URL order. A positive delta means
// more instances must be launched, a negative one that the excess must be killed.
func (l *RequirementLedger) RequirementDeltas() []TargetDelta {
	deltas := make([]TargetDelta, 0, len(l.order))
	for _, elasticSearch := range l.order {
		deltas = append(deltas, TargetDelta{
			ElasticSearch: elasticSearch,
			Delta:         l.required[elasticSearch] - len(l.running[elasticSearch]),
		})
	}
	return deltas
}

// RegisterTask appends the handle to the running list of its URL. Append order
// is launch order, which YoungestTask relies on for LIFO scale-down.
func (l *RequirementLedger) RegisterTask(elasticSearch string, handle *TaskHandle) {
	l.track(elasticSearch)
	l.running[elasticSearch] = append(l.running[elasticSearch], handle)
}

// UnregisterTask removes the task from whichever running list holds it and
// reports whether it was found. An unknown id is a no-op, not an error.
func (l *RequirementLedger) UnregisterTask(taskId string) bool {
	for elasticSearch, handles := range l.running {
		for i, handle := range handles {
			if handle.ID == taskId {
				l.running[elasticSearch] = append(handles[:i], handles[i+1:]...)
				if len(l.running[elasticSearch]) == 0 {
					delete(l.running, elasticSearch)
					l.prune(elasticSearch)
				}
				return true
			}
		}
	}
	return false
}

// Task returns the handle with the given id, or nil. Linear over the fleet,
// which stays in the tens of tasks.
func (l *RequirementLedger) Task(taskId string) *TaskHandle {
	for _, handles := range l.running {
		for _, handle := range handles {
			if handle.ID == taskId {
				return handle
			}
		}
	}
	return nil
}

// RunningTasks returns the running list for the given URL in launch order.
func (l *RequirementLedger) RunningTasks(elasticSearch string) []*TaskHandle {
	return l.running[elasticSearch]
}

// YoungestTask returns the most recently launched task for the given URL, or
// nil if none is running. Scale-down always kills the youngest first.
func (l *RequirementLedger) YoungestTask(elasticSearch string) *TaskHandle {
	handles := l.running[elasticSearch]
	if len(handles) == 0 {
		return nil
	}
	return handles[len(handles)-1]
}

// States returns the per-URL requirement state for the management API, in the
// same deterministic order as RequirementDeltas.
func (l *RequirementLedger) States() []*protocol.RequirementState {
	states := make([]*protocol.RequirementState, 0, len(l.order))
	for _, elasticSearch := range l.order {
		states = append(states, &protocol.RequirementState{
			ElasticSearch: elasticSearch,
			Required:      l.required[elasticSearch],
			Running:       len(l.running[elasticSearch]),
		})
	}
	return states
}

// Tasks returns all running task handles as wire statuses, in URL order.
func (l *RequirementLedger) Tasks() []*protocol.TaskStatus {
	statuses := make([]*protocol.TaskStatus, 0)
	for _, elasticSearch := range l.order {
		for _, handle := range l.running[elasticSearch] {
			statuses = append(statuses, &protocol.TaskStatus{
				TaskId:        handle.ID,
				ElasticSearch: handle.ElasticSearch,
				Port:          handle.Port,
				State:         handle.State,
			})
		}
	}
	return statuses
}

func (l *RequirementLedger) track(elasticSearch string) {
	_, isRequired := l.required[elasticSearch]
	_, isRunning := l.running[elasticSearch]
	if !isRequired && !isRunning {
		l.order = append(l.order, elasticSearch)
	}
}

// prune drops the URL from the traversal order once it is neither required nor
// running. A later reappearance is appended at the end again.
func (l *RequirementLedger) prune(elasticSearch string) {
	_, isRequired := l.required[elasticSearch]
	_, isRunning := l.running[elasticSearch]
	if isRequired || isRunning {
		return
	}
	for i, url := range l.order {
		if url == elasticSearch {
			l.order = append(l.order[:i], l.order[i+1:]...)
			return
		}
	}
}
