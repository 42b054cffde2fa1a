// Package gormstate is the postgres-backed implementation of
// InstanceStateService, OperationService, and RecoveryStore, grounded in the
// teacher's repo layer: a thin struct over *gorm.DB, "transaction := tx; if
// transaction == nil { transaction = r.db }" so callers can optionally pass
// an existing transaction, and the same claim-with-SELECT-FOR-UPDATE style
// the teacher used for job_run claiming, applied here to recovery's
// transactional sweep.
package gormstate

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ionforge/orchestrator/internal/orchestrator/model"
	"github.com/ionforge/orchestrator/internal/platform/logger"
	"github.com/ionforge/orchestrator/internal/ports"
)

// OperationRecord is the persisted row backing model.Operation. The
// variable-shape fields (requested ids, options, planned phases) live in
// datatypes.JSON columns the database keeps opaque.
type OperationRecord struct {
	ID                   string `gorm:"primaryKey"`
	ProjectID            string `gorm:"index"`
	Type                 string
	RequestedInstanceIDs datatypes.JSON
	OptionsJSON          datatypes.JSON
	PhasesJSON           datatypes.JSON
	Status               string `gorm:"index"`
	CreatedAt            time.Time
	StartedAt            *time.Time
	FinishedAt           *time.Time
}

func (OperationRecord) TableName() string { return "operations" }

// OperationLogRecord is one appended log line scoped to an operation and,
// optionally, an instance state.
type OperationLogRecord struct {
	ID          uint `gorm:"primaryKey;autoIncrement"`
	OperationID string `gorm:"index"`
	StateID     string
	Message     string
	CreatedAt   time.Time
}

func (OperationLogRecord) TableName() string { return "operation_logs" }

// InstanceStateRecord is the persisted row backing model.InstanceState.
type InstanceStateRecord struct {
	ID                   string `gorm:"primaryKey"`
	ProjectID            string `gorm:"index"`
	InstanceID           string `gorm:"index"`
	ParentInstanceID     string
	Kind                 string
	Source               string
	Status               string `gorm:"index"`
	InputHash            *int64
	OutputHash           *int64
	DependencyOutputHash *int64
	SelfHash             *int64

	ResolvedInputsJSON      datatypes.JSON
	ExportedArtifactIDsJSON datatypes.JSON
	TriggersJSON            datatypes.JSON

	UpdatedAt time.Time
}

func (InstanceStateRecord) TableName() string { return "instance_states" }

// InstanceOperationStateRecord is the per-phase execution row.
type InstanceOperationStateRecord struct {
	ID                   uint   `gorm:"primaryKey;autoIncrement"`
	OperationID          string `gorm:"index"`
	InstanceStateID      string `gorm:"index"`
	Status               string `gorm:"index"`
	CurrentResourceCount int
	TotalResourceCount   int
	StartedAt            *time.Time
	FinishedAt           *time.Time
}

func (InstanceOperationStateRecord) TableName() string { return "instance_operation_states" }

// InstanceLockRecord is one held lock, scoped by unlockToken the way the
// spec's InstanceLockService.unlockInstances expects.
type InstanceLockRecord struct {
	StateID     string `gorm:"primaryKey"`
	ProjectID   string `gorm:"index"`
	OperationID string
	UnlockToken string
	AcquiredAt  time.Time
}

func (InstanceLockRecord) TableName() string { return "instance_locks" }

var transientOperationStatuses = []string{
	string(model.IOPending), string(model.IOUpdating), string(model.IOPreviewing),
	string(model.IORefreshing), string(model.IODestroying), string(model.IOProcessingTriggers),
	string(model.IOCancelling),
}

var nonTerminalOperationStatuses = []string{
	string(model.OperationPending), string(model.OperationRunning), string(model.OperationFailing),
}

// Store wraps a *gorm.DB and implements OperationService, InstanceStateService,
// and RecoveryStore. One Store instance is safe for concurrent use, mirroring
// the teacher's repo structs.
type Store struct {
	db  *gorm.DB
	log *logger.Logger
}

func New(db *gorm.DB, baseLog *logger.Logger) *Store {
	return &Store{db: db, log: baseLog.With("repo", "gormstate.Store")}
}

func (s *Store) tx(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return s.db
}

// --- ports.OperationService ---

func (s *Store) CreateOperation(ctx context.Context, op *model.Operation) error {
	rec := toOperationRecord(op)
	return s.tx(nil).WithContext(ctx).Create(rec).Error
}

func (s *Store) UpdateOperation(ctx context.Context, op *model.Operation) error {
	rec := toOperationRecord(op)
	return s.tx(nil).WithContext(ctx).Model(&OperationRecord{}).Where("id = ?", op.ID).
		Updates(map[string]any{
			"status":      rec.Status,
			"phases_json": rec.PhasesJSON,
			"started_at":  rec.StartedAt,
			"finished_at": rec.FinishedAt,
		}).Error
}

func (s *Store) AppendLog(ctx context.Context, operationID string, stateID model.StateID, message string) error {
	return s.tx(nil).WithContext(ctx).Create(&OperationLogRecord{
		OperationID: operationID,
		StateID:     string(stateID),
		Message:     message,
		CreatedAt:   time.Now(),
	}).Error
}

func (s *Store) MarkOperationFinished(ctx context.Context, operationID string, status model.OperationStatus) error {
	now := time.Now()
	return s.tx(nil).WithContext(ctx).Model(&OperationRecord{}).Where("id = ?", operationID).
		Updates(map[string]any{"status": string(status), "finished_at": &now}).Error
}

// --- ports.InstanceStateService ---

func (s *Store) GetInstanceStates(ctx context.Context, projectID string, stateIDs []model.StateID) ([]model.InstanceState, error) {
	var recs []InstanceStateRecord
	ids := make([]string, len(stateIDs))
	for i, id := range stateIDs {
		ids[i] = string(id)
	}
	q := s.tx(nil).WithContext(ctx).Where("project_id = ?", projectID)
	if len(ids) > 0 {
		q = q.Where("id IN ?", ids)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]model.InstanceState, 0, len(recs))
	for _, r := range recs {
		out = append(out, fromInstanceStateRecord(r))
	}
	return out, nil
}

func (s *Store) CreateOperationStates(ctx context.Context, operationID string, stateIDs []model.StateID) error {
	return s.tx(nil).WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		for _, id := range stateIDs {
			if err := txx.Clauses(clause.OnConflict{DoNothing: true}).Create(&InstanceOperationStateRecord{
				OperationID:     operationID,
				InstanceStateID: string(id),
				Status:          string(model.IOPending),
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) UpdateOperationState(ctx context.Context, st model.InstanceOperationState) error {
	return s.tx(nil).WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		if err := txx.Create(&InstanceOperationStateRecord{
			OperationID:          st.OperationID,
			InstanceStateID:      string(st.InstanceStateID),
			Status:               string(st.Status),
			CurrentResourceCount: st.CurrentResourceCount,
			TotalResourceCount:   st.TotalResourceCount,
			StartedAt:            st.StartedAt,
			FinishedAt:           st.FinishedAt,
		}).Error; err != nil {
			return err
		}
		if len(st.InstanceStatePatch) == 0 {
			return nil
		}
		updates := map[string]any{}
		for k, v := range st.InstanceStatePatch {
			switch k {
			case "status":
				if v, ok := v.(model.InstanceStatus); ok {
					updates["status"] = string(v)
				}
			case "inputHash":
				updates["input_hash"] = v
			case "outputHash":
				updates["output_hash"] = v
			case "dependencyOutputHash":
				updates["dependency_output_hash"] = v
			case "selfHash":
				updates["self_hash"] = v
			case "parentId":
				if v == nil {
					updates["parent_instance_id"] = ""
				} else if id, ok := v.(model.InstanceID); ok {
					updates["parent_instance_id"] = string(id)
				}
			case "resolvedInputs":
				updates["resolved_inputs_json"] = marshalOrNull(v)
			case "exportedArtifactIds":
				updates["exported_artifact_ids_json"] = marshalOrNull(v)
			case "triggers":
				updates["triggers_json"] = marshalOrNull(v)
			}
		}
		if len(updates) == 0 {
			return nil
		}
		return txx.Model(&InstanceStateRecord{}).Where("id = ?", string(st.InstanceStateID)).Updates(updates).Error
	})
}

func (s *Store) PublishGhostInstanceDeletion(ctx context.Context, projectID string, stateID model.StateID) error {
	return s.tx(nil).WithContext(ctx).Where("id = ? AND project_id = ?", string(stateID), projectID).Delete(&InstanceStateRecord{}).Error
}

// --- ports.RecoveryStore ---

// Recover runs the four-step sweep from spec section 5 inside one
// transaction, claiming orphaned rows with the teacher's
// SELECT ... FOR UPDATE SKIP LOCKED pattern so multiple recovery sweeps
// racing at startup never double-process the same operation.
func (s *Store) Recover(ctx context.Context, projectID string) (ports.RecoveryReport, error) {
	var report ports.RecoveryReport
	err := s.tx(nil).WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var orphaned []OperationRecord
		if err := txx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("project_id = ? AND status IN ?", projectID, nonTerminalOperationStatuses).
			Find(&orphaned).Error; err != nil {
			return err
		}
		now := time.Now()
		for _, op := range orphaned {
			if err := txx.Model(&OperationRecord{}).Where("id = ?", op.ID).
				Updates(map[string]any{"status": string(model.OperationFailed), "finished_at": &now}).Error; err != nil {
				return err
			}
			if err := txx.Create(&OperationLogRecord{
				OperationID: op.ID, Message: "Operation was interrupted", CreatedAt: now,
			}).Error; err != nil {
				return err
			}
			report.OperationsFailed++
		}

		lockResult := txx.Where("project_id = ?", projectID).Delete(&InstanceLockRecord{})
		if lockResult.Error != nil {
			return lockResult.Error
		}
		report.LocksDeleted = int(lockResult.RowsAffected)

		opStateResult := txx.Model(&InstanceOperationStateRecord{}).
			Where("instance_state_id IN (SELECT id FROM instance_states WHERE project_id = ?) AND status IN ?", projectID, transientOperationStatuses).
			Updates(map[string]any{"status": string(model.IOFailed), "finished_at": &now})
		if opStateResult.Error != nil {
			return opStateResult.Error
		}
		report.OperationStatesFailed = int(opStateResult.RowsAffected)

		stateResult := txx.Model(&InstanceStateRecord{}).
			Where("project_id = ? AND status = ?", projectID, string(model.StatusAttempted)).
			Update("status", string(model.StatusFailed))
		if stateResult.Error != nil {
			return stateResult.Error
		}
		report.InstanceStatesFailed = int(stateResult.RowsAffected)

		return nil
	})
	if err != nil {
		return ports.RecoveryReport{}, err
	}
	return report, nil
}

// toOperationRecord marshals the operation's variable-shape fields
// (requested ids, options, planned phases) to JSON columns the teacher's
// repo layer leaves opaque to the database, rather than modeling every
// Options flag or Phase shape as its own column.
func toOperationRecord(op *model.Operation) *OperationRecord {
	requested, _ := json.Marshal(op.RequestedInstanceIDs)
	options, _ := json.Marshal(op.Options)
	phases, _ := json.Marshal(op.Phases)
	return &OperationRecord{
		ID:                   op.ID,
		ProjectID:            op.ProjectID,
		Type:                 string(op.Type),
		RequestedInstanceIDs: datatypes.JSON(requested),
		OptionsJSON:          datatypes.JSON(options),
		PhasesJSON:           datatypes.JSON(phases),
		Status:               string(op.Status),
		CreatedAt:            op.CreatedAt,
		StartedAt:            op.StartedAt,
		FinishedAt:           op.FinishedAt,
	}
}

var (
	_ ports.OperationService     = (*Store)(nil)
	_ ports.InstanceStateService = (*Store)(nil)
	_ ports.RecoveryStore        = (*Store)(nil)
)

func fromInstanceStateRecord(r InstanceStateRecord) model.InstanceState {
	st := model.InstanceState{
		ID:                   model.StateID(r.ID),
		InstanceID:           model.InstanceID(r.InstanceID),
		ParentInstanceID:     model.InstanceID(r.ParentInstanceID),
		Kind:                 model.Kind(r.Kind),
		Source:               model.StateSource(r.Source),
		Status:               model.InstanceStatus(r.Status),
		InputHash:            r.InputHash,
		OutputHash:           r.OutputHash,
		DependencyOutputHash: r.DependencyOutputHash,
		SelfHash:             r.SelfHash,
	}
	if len(r.ResolvedInputsJSON) > 0 {
		_ = json.Unmarshal(r.ResolvedInputsJSON, &st.ResolvedInputs)
	}
	if len(r.ExportedArtifactIDsJSON) > 0 {
		_ = json.Unmarshal(r.ExportedArtifactIDsJSON, &st.ExportedArtifactIDs)
	}
	if len(r.TriggersJSON) > 0 {
		_ = json.Unmarshal(r.TriggersJSON, &st.Triggers)
	}
	return st
}

// marshalOrNull renders a patch value to its JSON column form; a nil value
// clears the column to SQL null.
func marshalOrNull(v any) datatypes.JSON {
	if v == nil {
		return datatypes.JSON(`null`)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON(`null`)
	}
	return datatypes.JSON(b)
}
