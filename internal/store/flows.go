package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/petrijr/fluxstate/internal/database"
)

var (
	flowColumns        = []string{"id", "created", "updated", "name", "tags"}
	deploymentColumns  = []string{"id", "created", "updated", "name", "flow_id", "schedule", "is_schedule_active", "parameters", "tags"}
	savedSearchColumns = []string{"id", "created", "updated", "name", "filters"}
)

// CreateFlow returns the flow with the given name, creating it if needed.
// Tags of an existing flow are kept.
func (s *Store) CreateFlow(ctx context.Context, name string, tags ...string) (*Flow, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: flow name is required", ErrInvalidInput)
	}
	tagText, err := jsonText(tags)
	if err != nil {
		return nil, err
	}

	var flow Flow
	err = s.transaction(ctx, func(sess *database.Session) error {
		now := s.timestamp()
		ins, err := s.insert(database.TableFlow)
		if err != nil {
			return err
		}
		var id string
		if err := sess.Get(ctx, &id, ins.
			SetMap(map[string]any{"id": uuid.NewString(), "created": now, "updated": now, "name": name, "tags": tagText}).
			OnConflictDoUpdate(s.db.FlowUniqueUpsertColumns(), "updated").
			Returning("id")); err != nil {
			return fmt.Errorf("upsert flow: %w", err)
		}
		return sess.Get(ctx, &flow, selectByID(sess, database.TableFlow, flowColumns, id))
	})
	if err != nil {
		return nil, err
	}
	return &flow, nil
}

func (s *Store) ReadFlow(ctx context.Context, id string) (*Flow, error) {
	if err := checkID(id, ErrFlowNotFound); err != nil {
		return nil, err
	}
	return readOne[Flow](ctx, s, database.TableFlow, flowColumns, squirrel.Eq{"id": id}, ErrFlowNotFound)
}

func (s *Store) ReadFlowByName(ctx context.Context, name string) (*Flow, error) {
	return readOne[Flow](ctx, s, database.TableFlow, flowColumns, squirrel.Eq{"name": name}, ErrFlowNotFound)
}

// DeploymentInput is the writable part of a deployment.
type DeploymentInput struct {
	Name             string
	FlowID           string
	Schedule         []byte
	IsScheduleActive bool
	Parameters       map[string]any
	Tags             []string
}

// UpsertDeployment creates the deployment or overwrites the one with the same
// flow and name.
func (s *Store) UpsertDeployment(ctx context.Context, in DeploymentInput) (*Deployment, error) {
	if in.Name == "" || in.FlowID == "" {
		return nil, fmt.Errorf("%w: deployment name and flow id are required", ErrInvalidInput)
	}
	params, err := jsonText(in.Parameters)
	if err != nil {
		return nil, err
	}
	tags, err := jsonText(in.Tags)
	if err != nil {
		return nil, err
	}

	var d Deployment
	err = s.transaction(ctx, func(sess *database.Session) error {
		if err := requireAll(ctx, sess, database.TableFlow, []string{in.FlowID}, ErrFlowNotFound); err != nil {
			return err
		}
		now := s.timestamp()
		ins, err := s.insert(database.TableDeployment)
		if err != nil {
			return err
		}
		var id string
		if err := sess.Get(ctx, &id, ins.
			SetMap(map[string]any{
				"id":                 uuid.NewString(),
				"created":            now,
				"updated":            now,
				"name":               in.Name,
				"flow_id":            in.FlowID,
				"schedule":           nullableJSON(in.Schedule),
				"is_schedule_active": in.IsScheduleActive,
				"parameters":         params,
				"tags":               tags,
			}).
			OnConflictDoUpdate(s.db.DeploymentUniqueUpsertColumns(),
				"schedule", "is_schedule_active", "parameters", "tags", "updated").
			Returning("id")); err != nil {
			return fmt.Errorf("upsert deployment: %w", err)
		}
		return sess.Get(ctx, &d, selectByID(sess, database.TableDeployment, deploymentColumns, id))
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Store) ReadDeployment(ctx context.Context, id string) (*Deployment, error) {
	if err := checkID(id, ErrNotFound); err != nil {
		return nil, err
	}
	return readOne[Deployment](ctx, s, database.TableDeployment, deploymentColumns, squirrel.Eq{"id": id}, ErrNotFound)
}

// UpsertSavedSearch stores filters under name, replacing earlier filters.
func (s *Store) UpsertSavedSearch(ctx context.Context, name string, filters []byte) (*SavedSearch, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: saved search name is required", ErrInvalidInput)
	}
	if len(filters) == 0 {
		filters = []byte("[]")
	}

	var ss SavedSearch
	err := s.transaction(ctx, func(sess *database.Session) error {
		now := s.timestamp()
		ins, err := s.insert(database.TableSavedSearch)
		if err != nil {
			return err
		}
		var id string
		if err := sess.Get(ctx, &id, ins.
			SetMap(map[string]any{"id": uuid.NewString(), "created": now, "updated": now, "name": name, "filters": string(filters)}).
			OnConflictDoUpdate(s.db.SavedSearchUniqueUpsertColumns(), "filters", "updated").
			Returning("id")); err != nil {
			return fmt.Errorf("upsert saved search: %w", err)
		}
		return sess.Get(ctx, &ss, selectByID(sess, database.TableSavedSearch, savedSearchColumns, id))
	})
	if err != nil {
		return nil, err
	}
	return &ss, nil
}

func (s *Store) ReadSavedSearch(ctx context.Context, name string) (*SavedSearch, error) {
	return readOne[SavedSearch](ctx, s, database.TableSavedSearch, savedSearchColumns, squirrel.Eq{"name": name}, ErrNotFound)
}

func selectByID(sess *database.Session, table string, cols []string, id string) squirrel.SelectBuilder {
	return sess.Builder().Select(cols...).From(table).Where(squirrel.Eq{"id": id})
}

func readOne[T any](ctx context.Context, s *Store, table string, cols []string, where squirrel.Eq, notFound error) (*T, error) {
	var v T
	err := s.transaction(ctx, func(sess *database.Session) error {
		return sess.Get(ctx, &v, sess.Builder().Select(cols...).From(table).Where(where))
	})
	if errors.Is(err, database.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %v", notFound, table, where)
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}
