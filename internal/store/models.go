package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/petrijr/fluxstate/pkg/api"
)

// Tags is a JSON array column.
type Tags []string

func (t *Tags) Scan(src any) error { return scanJSON(src, t) }

// Object is a JSON object column.
type Object map[string]any

func (o *Object) Scan(src any) error { return scanJSON(src, o) }

// RawJSON is a nullable JSON column kept undecoded.
type RawJSON []byte

func (r *RawJSON) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*r = nil
	case []byte:
		*r = append(RawJSON(nil), v...)
	case string:
		*r = RawJSON(v)
	default:
		return fmt.Errorf("scan json: unsupported type %T", src)
	}
	return nil
}

func scanJSON(src, dst any) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("scan json: unsupported type %T", src)
	}
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, dst)
}

// jsonText encodes v for a JSON column. nil slices and maps are stored as
// empty containers.
func jsonText(v any) (string, error) {
	switch x := v.(type) {
	case []string:
		if x == nil {
			return "[]", nil
		}
	case map[string]any:
		if x == nil {
			return "{}", nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode json: %w", err)
	}
	return string(b), nil
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return normalize(t)
}

type Flow struct {
	ID      string    `db:"id"`
	Created time.Time `db:"created"`
	Updated time.Time `db:"updated"`
	Name    string    `db:"name"`
	Tags    Tags      `db:"tags"`
}

type Deployment struct {
	ID               string    `db:"id"`
	Created          time.Time `db:"created"`
	Updated          time.Time `db:"updated"`
	Name             string    `db:"name"`
	FlowID           string    `db:"flow_id"`
	Schedule         RawJSON   `db:"schedule"`
	IsScheduleActive bool      `db:"is_schedule_active"`
	Parameters       Object    `db:"parameters"`
	Tags             Tags      `db:"tags"`
}

type SavedSearch struct {
	ID      string    `db:"id"`
	Created time.Time `db:"created"`
	Updated time.Time `db:"updated"`
	Name    string    `db:"name"`
	Filters RawJSON   `db:"filters"`
}

// Run holds the columns flow and task runs share.
type Run struct {
	ID                     string         `db:"id"`
	Created                time.Time      `db:"created"`
	Updated                time.Time      `db:"updated"`
	Name                   string         `db:"name"`
	Tags                   Tags           `db:"tags"`
	StateID                *string        `db:"state_id"`
	StateType              *api.StateType `db:"state_type"`
	StateName              *string        `db:"state_name"`
	RunCount               int            `db:"run_count"`
	ExpectedStartTime      *time.Time     `db:"expected_start_time"`
	NextScheduledStartTime *time.Time     `db:"next_scheduled_start_time"`
	StartTime              *time.Time     `db:"start_time"`
	EndTime                *time.Time     `db:"end_time"`
}

// CurrentStateType returns the run's state type, or "" before the first
// state is attached.
func (r *Run) CurrentStateType() api.StateType {
	if r.StateType == nil {
		return ""
	}
	return *r.StateType
}

type FlowRun struct {
	Run
	FlowID         string  `db:"flow_id"`
	DeploymentID   *string `db:"deployment_id"`
	IdempotencyKey *string `db:"idempotency_key"`
	Parameters     Object  `db:"parameters"`
}

type TaskRun struct {
	Run
	FlowRunID  string  `db:"flow_run_id"`
	TaskKey    string  `db:"task_key"`
	DynamicKey string  `db:"dynamic_key"`
	CacheKey   *string `db:"cache_key"`
}

// StateInput describes a state to record. Zero Name and Timestamp default to
// the type's canonical name and the store clock.
type StateInput struct {
	Type      api.StateType
	Name      string
	Message   string
	Timestamp time.Time
	Data      []byte
}

func (in StateInput) name() string {
	if in.Name != "" {
		return in.Name
	}
	return in.Type.DefaultName()
}

type stateRow struct {
	ID        string        `db:"id"`
	RunID     string        `db:"run_id"`
	Type      api.StateType `db:"type"`
	Name      string        `db:"name"`
	Message   *string       `db:"message"`
	Timestamp time.Time     `db:"timestamp"`
	Data      RawJSON       `db:"data"`
}

func (r stateRow) state() api.State {
	st := api.State{
		ID:        r.ID,
		RunID:     r.RunID,
		Type:      r.Type,
		Name:      r.Name,
		Timestamp: r.Timestamp.UTC(),
		Data:      []byte(r.Data),
	}
	if r.Message != nil {
		st.Message = *r.Message
	}
	return st
}

type NewFlowRun struct {
	FlowID            string
	DeploymentID      string
	IdempotencyKey    string
	Name              string
	Tags              []string
	Parameters        map[string]any
	ExpectedStartTime time.Time
	// State is the initial state, PENDING when nil.
	State *StateInput
}

type NewTaskRun struct {
	FlowRunID         string
	TaskKey           string
	DynamicKey        string
	CacheKey          string
	Name              string
	Tags              []string
	ExpectedStartTime time.Time
	State             *StateInput
}
