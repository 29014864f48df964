package protocol

import (
	"encoding/json"
	"fmt"
)

type TaskState int32

const (
	TASK_STATE_ERROR     = TaskState(-1)
	TASK_STATE_LAUNCHING = TaskState(0)
	TASK_STATE_RUNNING   = TaskState(1)
	TASK_STATE_FINISHED  = TaskState(2)
	TASK_STATE_FAILED    = TaskState(3)
	TASK_STATE_KILLED    = TaskState(4)
	TASK_STATE_LOST      = TaskState(5)
)

// RequirementChange is the body of a management API request : add Delta (may be
// negative) to the required instance count for the given ElasticSearch URL.
type RequirementChange struct {
	ElasticSearch string `json:"elasticsearch"`
	Delta         int    `json:"delta"`
}

// RequirementState describes one ElasticSearch URL as the scheduler sees it.
type RequirementState struct {
	ElasticSearch string `json:"elasticsearch"`
	Required      int    `json:"required"`
	Running       int    `json:"running"`
}

// TaskStatus describes one launched Kibana instance.
type TaskStatus struct {
	TaskId        string    `json:"id"`
	ElasticSearch string    `json:"elasticsearch"`
	Port          uint64    `json:"port"`
	State         TaskState `json:"state"`
}

func ToBytes(p interface{}) ([]byte, error) {
	return json.Marshal(p)
}

func ToRequirementChange(bytes []byte) (*RequirementChange, error) {
	var change RequirementChange
	err := json.Unmarshal(bytes, &change)
	if err != nil {
		return nil, err
	} else {
		return &change, nil
	}
}

func ToRequirementState(bytes []byte) (*RequirementState, error) {
	var state RequirementState
	err := json.Unmarshal(bytes, &state)
	if err != nil {
		return nil, err
	} else {
		return &state, nil
	}
}

func ToTaskStatus(bytes []byte) (*TaskStatus, error) {
	var status TaskStatus
	err := json.Unmarshal(bytes, &status)
	if err != nil {
		return nil, err
	} else {
		return &status, nil
	}
}

func (s TaskState) Terminal() bool {
	switch s {
	case TASK_STATE_FINISHED, TASK_STATE_FAILED, TASK_STATE_KILLED, TASK_STATE_LOST, TASK_STATE_ERROR:
		return true
	default:
		return false
	}
}

func (s TaskState) String() string {
	switch s {
	case TASK_STATE_ERROR:
		return "error"
	case TASK_STATE_LAUNCHING:
		return "launching"
	case TASK_STATE_RUNNING:
		return "running"
	case TASK_STATE_FINISHED:
		return "finished"
	case TASK_STATE_FAILED:
		return "failed"
	case TASK_STATE_KILLED:
		return "killed"
	case TASK_STATE_LOST:
		return "lost"
	default:
		return "unknown"
	}
}

func (t *TaskStatus) String() string {
	if bytes, err := json.Marshal(t); err == nil {
		return string(bytes)
	} else {
		return fmt.Sprintf("id=%v,elasticsearch=%v,port=%v,state=%v", t.TaskId, t.ElasticSearch, t.Port, t.State)
	}
}

func (r *RequirementState) String() string {
	if bytes, err := json.Marshal(r); err == nil {
		return string(bytes)
	} else {
		return fmt.Sprintf("elasticsearch=%v,required=%v,running=%v", r.ElasticSearch, r.Required, r.Running)
	}
}
