// Package neo4jproject implements ProjectModelService by reading the
// instance graph out of Neo4j: Instance nodes scoped to a Project node, with
// a parentId property for composite membership and INPUT edges carrying the
// input name and optional hub indirection, the same session.ExecuteRead /
// tx.Run shape the teacher's data/graph readers use.
package neo4jproject

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/ionforge/orchestrator/internal/orchestrator/model"
	"github.com/ionforge/orchestrator/internal/platform/neo4jdb"
	"github.com/ionforge/orchestrator/internal/ports"
)

type Service struct {
	client *neo4jdb.Client
}

func New(client *neo4jdb.Client) *Service {
	return &Service{client: client}
}

func (s *Service) GetProjectModel(ctx context.Context, projectID string, opts ports.ProjectModelOptions) (*model.ProjectModel, error) {
	if s.client == nil || s.client.Driver == nil {
		return nil, fmt.Errorf("neo4jproject: driver not initialized")
	}

	session := s.client.Driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeRead,
		DatabaseName: s.client.Database,
	})
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		instances, err := readInstances(ctx, tx, projectID, opts)
		if err != nil {
			return nil, err
		}
		hubs, err := readHubs(ctx, tx, projectID)
		if err != nil {
			return nil, err
		}
		if err := readInputs(ctx, tx, projectID, instances, hubs); err != nil {
			return nil, err
		}
		return assembleProjectModel(projectID, instances, hubs), nil
	})
	if err != nil {
		return nil, fmt.Errorf("neo4jproject: read project %q: %w", projectID, err)
	}
	return result.(*model.ProjectModel), nil
}

type instanceRow struct {
	inst    model.Instance
	virtual bool
}

func readInstances(ctx context.Context, tx neo4j.ManagedTransaction, projectID string, opts ports.ProjectModelOptions) (map[model.InstanceID]*instanceRow, error) {
	res, err := tx.Run(ctx, `
MATCH (p:Project {id: $projectId})-[:CONTAINS]->(i:Instance)
WHERE $includeGhost OR coalesce(i.virtual, false) = false
RETURN i.id AS id, i.kind AS kind, i.type AS type, i.parentId AS parentId, i.argsJson AS argsJson, coalesce(i.virtual, false) AS virtual
`, map[string]any{"projectId": projectID, "includeGhost": opts.IncludeGhost})
	if err != nil {
		return nil, err
	}

	out := map[model.InstanceID]*instanceRow{}
	for res.Next(ctx) {
		rec := res.Record()
		id, _ := rec.Get("id")
		kind, _ := rec.Get("kind")
		typ, _ := rec.Get("type")
		parentID, _ := rec.Get("parentId")
		argsJSON, _ := rec.Get("argsJson")
		virtual, _ := rec.Get("virtual")

		inst := model.Instance{
			ID:     model.InstanceID(toString(id)),
			Kind:   model.Kind(toString(kind)),
			Type:   toString(typ),
			Inputs: map[string][]model.InputRef{},
		}
		if pid := toString(parentID); pid != "" {
			inst.ParentID = model.InstanceID(pid)
		}
		if raw := toString(argsJSON); raw != "" {
			var args map[string]any
			if err := json.Unmarshal([]byte(raw), &args); err == nil {
				inst.Args = args
			}
		}
		out[inst.ID] = &instanceRow{inst: inst, virtual: toBool(virtual)}
	}
	return out, res.Err()
}

func readHubs(ctx context.Context, tx neo4j.ManagedTransaction, projectID string) (map[model.InstanceID]model.Hub, error) {
	res, err := tx.Run(ctx, `
MATCH (p:Project {id: $projectId})-[:CONTAINS]->(h:Hub)
RETURN h.id AS id
`, map[string]any{"projectId": projectID})
	if err != nil {
		return nil, err
	}
	out := map[model.InstanceID]model.Hub{}
	for res.Next(ctx) {
		rec := res.Record()
		id, _ := rec.Get("id")
		hid := model.InstanceID(toString(id))
		out[hid] = model.Hub{ID: hid, Inputs: map[string][]model.InputRef{}}
	}
	return out, res.Err()
}

// readInputs fetches every INPUT edge (instance or hub consumer, instance or
// hub producer) and appends it onto the right consumer's Inputs map.
func readInputs(ctx context.Context, tx neo4j.ManagedTransaction, projectID string, instances map[model.InstanceID]*instanceRow, hubs map[model.InstanceID]model.Hub) error {
	res, err := tx.Run(ctx, `
MATCH (p:Project {id: $projectId})
MATCH (consumer)-[r:INPUT]->(producer)
WHERE (consumer:Instance OR consumer:Hub) AND (producer:Instance OR producer:Hub)
  AND (p)-[:CONTAINS]->(consumer)
RETURN consumer.id AS consumerId, r.name AS name, producer.id AS producerId, r.output AS output, coalesce(r.hubId, "") AS hubId
`, map[string]any{"projectId": projectID})
	if err != nil {
		return err
	}
	for res.Next(ctx) {
		rec := res.Record()
		consumerID, _ := rec.Get("consumerId")
		name, _ := rec.Get("name")
		producerID, _ := rec.Get("producerId")
		output, _ := rec.Get("output")
		hubID, _ := rec.Get("hubId")

		ref := model.InputRef{InstanceID: model.InstanceID(toString(producerID)), Output: toString(output)}
		if h := toString(hubID); h != "" {
			ref.HubID = model.InstanceID(h)
		}

		cid := model.InstanceID(toString(consumerID))
		inputName := toString(name)
		if row, ok := instances[cid]; ok {
			row.inst.Inputs[inputName] = append(row.inst.Inputs[inputName], ref)
			continue
		}
		if hub, ok := hubs[cid]; ok {
			hub.Inputs[inputName] = append(hub.Inputs[inputName], ref)
			hubs[cid] = hub
		}
	}
	return res.Err()
}

func assembleProjectModel(projectID string, instances map[model.InstanceID]*instanceRow, hubs map[model.InstanceID]model.Hub) *model.ProjectModel {
	pm := &model.ProjectModel{
		ProjectID:        projectID,
		Instances:        map[model.InstanceID]model.Instance{},
		VirtualInstances: map[model.InstanceID]model.Instance{},
		Hubs:             hubs,
	}
	for id, row := range instances {
		if row.virtual {
			pm.VirtualInstances[id] = row.inst
		} else {
			pm.Instances[id] = row.inst
		}
	}
	return pm
}

func toString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func toBool(v any) bool {
	b, _ := v.(bool)
	return b
}

var _ ports.ProjectModelService = (*Service)(nil)
