// Package app wires configuration, logging, tracing, backing stores, and
// the orchestrator's adapters into a runnable process, the way the
// teacher's internal/app wires Postgres/repos/services/router together.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ionforge/orchestrator/internal/adapters/gormstate"
	"github.com/ionforge/orchestrator/internal/adapters/memory"
	"github.com/ionforge/orchestrator/internal/adapters/neo4jproject"
	"github.com/ionforge/orchestrator/internal/adapters/redislock"
	"github.com/ionforge/orchestrator/internal/adapters/redispubsub"
	"github.com/ionforge/orchestrator/internal/observability"
	"github.com/ionforge/orchestrator/internal/orchestrator/model"
	"github.com/ionforge/orchestrator/internal/orchestrator/recovery"
	"github.com/ionforge/orchestrator/internal/orchestrator/runtime"
	"github.com/ionforge/orchestrator/internal/platform/logger"
	"github.com/ionforge/orchestrator/internal/ports"
)

// App is the process-wide collaborator set: one Engine, one RecoveryStore,
// backing clients when not running in demo mode, and the project id the
// demo fixture was seeded under.
type App struct {
	Log     *logger.Logger
	Config  Config
	Clients Clients

	Engine   *runtime.Engine
	Recovery ports.RecoveryStore

	projectID     string
	otelShutdown  func(context.Context) error
	usingRealDeps bool
}

func New() (*App, error) {
	baseLog, err := logger.New("development")
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	cfg := LoadConfig(baseLog)
	log := baseLog.With("service", "app")
	if cfg.Env != "" {
		log = log.With("env", cfg.Env)
	}

	var shutdown func(context.Context) error
	if cfg.OTelEnabled {
		shutdown = observability.InitOTel(context.Background(), log, observability.OtelConfig{
			ServiceName: "orchestrator",
			Environment: cfg.Env,
		})
	}

	if cfg.DemoMode {
		return newDemoApp(log, cfg, shutdown)
	}

	clients, err := wireClients(cfg, log)
	if err != nil {
		return nil, err
	}

	projectSvc, err := projectModelService(clients, log)
	if err != nil {
		clients.Close()
		return nil, err
	}

	store := gormstate.New(clients.Postgres, log)
	lockSvc := redislock.New(clients.Redis)
	pubsub := redispubsub.New(clients.Redis, log)
	runner := memory.NewRunner() // SPEC_FULL section 12: no real IaC engine is in scope; see DESIGN.md.

	engine := runtime.New(log, projectSvc, store, lockSvc, store, runner,
		memory.SecretService{}, memory.ArtifactService{}, pubsub, nil, cfg.WorkerConcurrency, cfg.LockTimeout)

	return &App{
		Log:           log,
		Config:        cfg,
		Clients:       clients,
		Engine:        engine,
		Recovery:      store,
		otelShutdown:  shutdown,
		usingRealDeps: true,
	}, nil
}

// projectModelService prefers Neo4j when configured; otherwise it is the
// caller's responsibility to seed a ProjectModelService externally (demo
// mode below is the only place this repo does that).
func projectModelService(clients Clients, log *logger.Logger) (ports.ProjectModelService, error) {
	if clients.Neo4j != nil {
		return neo4jproject.New(clients.Neo4j), nil
	}
	return nil, fmt.Errorf("no project model backend configured: set NEO4J_URI or run with DEMO_MODE=true")
}

// newDemoApp wires every port to the in-memory adapters and seeds the
// fixture project described in SPEC_FULL.md section 12: a composite holding
// two units, one depending on the other, so a single demo operation
// exercises dependency ordering, composite phase aggregation, and the
// runner watch-stream drain end to end.
func newDemoApp(log *logger.Logger, cfg Config, shutdown func(context.Context) error) (*App, error) {
	const projectID = "demo-project"

	project := &model.ProjectModel{
		ProjectID: projectID,
		Instances: map[model.InstanceID]model.Instance{
			"composite:network": {ID: "composite:network", Kind: model.KindComposite, Type: "network"},
			"unit:vpc": {
				ID: "unit:vpc", Kind: model.KindUnit, Type: "vpc", ParentID: "composite:network",
			},
			"unit:subnet": {
				ID: "unit:subnet", Kind: model.KindUnit, Type: "subnet", ParentID: "composite:network",
				Inputs: map[string][]model.InputRef{
					"vpcId": {{InstanceID: "unit:vpc", Output: "id"}},
				},
			},
		},
		VirtualInstances: map[model.InstanceID]model.Instance{},
		Hubs:             map[model.InstanceID]model.Hub{},
	}

	states := map[model.StateID]*model.InstanceState{
		"composite:network": {ID: "composite:network", InstanceID: "composite:network", Kind: model.KindComposite, Status: model.StatusUndeployed},
		"unit:vpc":           {ID: "unit:vpc", InstanceID: "unit:vpc", Kind: model.KindUnit, Status: model.StatusUndeployed},
		"unit:subnet":        {ID: "unit:subnet", InstanceID: "unit:subnet", Kind: model.KindUnit, Status: model.StatusUndeployed},
	}

	projectSvc := &memory.ProjectModelService{Model: project}
	stateSvc := memory.NewInstanceStateService(states)
	lockSvc := memory.NewInstanceLockService()
	opSvc := memory.NewOperationService()
	runner := memory.NewRunner()
	pubsub := memory.NewPubSubManager()
	recoveryStore := &memory.RecoveryStore{Ops: opSvc, States: stateSvc, Locks: lockSvc}

	engine := runtime.New(log, projectSvc, stateSvc, lockSvc, opSvc, runner,
		memory.SecretService{}, memory.ArtifactService{}, pubsub, nil, cfg.WorkerConcurrency, cfg.LockTimeout)

	return &App{
		Log:          log,
		Config:       cfg,
		Engine:       engine,
		Recovery:     recoveryStore,
		projectID:    projectID,
		otelShutdown: shutdown,
	}, nil
}

// RunDemo plans and runs a single update operation against the demo
// project, then runs Recovery to demonstrate the post-unlock sweep. Outside
// demo mode there is no seeded project and it returns an error.
func (a *App) RunDemo(ctx context.Context) error {
	projectID := a.projectID
	if projectID == "" {
		return fmt.Errorf("app: RunDemo requires demo mode (DEMO_MODE=true)")
	}

	op := &model.Operation{
		ID:                   uuid.NewString(),
		ProjectID:            projectID,
		Type:                 model.OpUpdate,
		RequestedInstanceIDs: []model.InstanceID{"composite:network"},
		Options:              model.DefaultOptions(),
		Status:               model.OperationPending,
		CreatedAt:            time.Now(),
	}

	if err := a.Engine.OpSvc.CreateOperation(ctx, op); err != nil {
		return fmt.Errorf("create operation: %w", err)
	}

	a.Log.Info("running demo operation", "operationId", op.ID, "projectId", projectID)
	if err := a.Engine.OperateSafe(ctx, op); err != nil {
		a.Log.Warn("demo operation finished with error", "operationId", op.ID, "error", err.Error())
	} else {
		a.Log.Info("demo operation completed", "operationId", op.ID, "status", string(op.Status))
	}

	recovery.Run(ctx, a.Log, a.Recovery, projectID)
	return nil
}

// RunRequestFile loads a YAML operation request fixture and runs it the same
// way RunDemo runs the built-in fixture, then sweeps Recovery afterward.
// This is the CLI entrypoint for driving a real operation request without
// writing Go: `cmd/orchestrator <path-to-request.yaml>`.
func (a *App) RunRequestFile(ctx context.Context, path string) error {
	req, err := LoadOperationRequestFile(path)
	if err != nil {
		return err
	}
	op := req.ToOperation(uuid.NewString())
	op.CreatedAt = time.Now()

	if err := a.Engine.OpSvc.CreateOperation(ctx, op); err != nil {
		return fmt.Errorf("create operation: %w", err)
	}

	a.Log.Info("running operation from fixture", "operationId", op.ID, "projectId", op.ProjectID, "fixture", path)
	if err := a.Engine.OperateSafe(ctx, op); err != nil {
		a.Log.Warn("operation finished with error", "operationId", op.ID, "error", err.Error())
	} else {
		a.Log.Info("operation completed", "operationId", op.ID, "status", string(op.Status))
	}

	recovery.Run(ctx, a.Log, a.Recovery, op.ProjectID)
	return nil
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.otelShutdown != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.otelShutdown(shutdownCtx)
		cancel()
	}
	if a.usingRealDeps {
		a.Clients.Close()
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
