// Package runs owns the run lifecycle: creation with a TTL policy, driving
// the scheduler, artifact extraction, webhook delivery, and the expiry
// sweeper that redacts terminal runs past their TTL.
package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/Nano112/polymerase-sub001/internal/auth"
	"github.com/Nano112/polymerase-sub001/internal/flow"
	"github.com/Nano112/polymerase-sub001/internal/openapi"
	"github.com/Nano112/polymerase-sub001/internal/repository"
	"github.com/Nano112/polymerase-sub001/internal/scheduler"
	"github.com/Nano112/polymerase-sub001/internal/storage"
	"github.com/Nano112/polymerase-sub001/internal/worker"
)

const (
	// DefaultTTL applies when neither the request nor the flow API names one.
	DefaultTTL = time.Hour
	// DefaultMaxTTL caps any requested TTL.
	DefaultMaxTTL = 24 * time.Hour
	// DefaultRunTimeout bounds a run when the flow API carries no timeout.
	DefaultRunTimeout = 30 * time.Second
	// DefaultNodeTimeout bounds each script node of a run. Looser than the
	// scheduler's own default; published flows run real workloads.
	DefaultNodeTimeout = 60 * time.Second
	// DefaultSweepInterval is the expiry sweeper cadence.
	DefaultSweepInterval = time.Minute
)

// ExecuteRequest is the body of a published run invocation.
type ExecuteRequest struct {
	Inputs  map[string]any `json:"inputs"`
	Options ExecuteOptions `json:"options"`
}

// ExecuteOptions tune one invocation.
type ExecuteOptions struct {
	TimeoutMS  int    `json:"timeout,omitempty"`
	TTL        *int   `json:"ttl,omitempty"` // seconds
	Async      bool   `json:"async,omitempty"`
	WebhookURL string `json:"webhook,omitempty"`
}

// AsyncAccepted is the immediate response to an async invocation.
type AsyncAccepted struct {
	RunID     string `json:"runId"`
	StatusURL string `json:"statusUrl"`
	ResultURL string `json:"resultUrl"`
}

// StatusUpdate carries the mutable fields of a run status transition. Nil
// fields keep their current value.
type StatusUpdate struct {
	Progress    *int
	CurrentNode *string
	Outputs     map[string]any
	Error       *flow.Error
	NodeResults map[string]flow.NodeResult
	Logs        []string
}

// Options configure a Service.
type Options struct {
	Runs        repository.RunRepository
	Blobs       storage.BlobStore
	Factory     worker.Factory
	Manager     *RunManager
	BaseURL     string
	DefaultTTL  time.Duration
	MaxTTL      time.Duration
	InlineLimit int64
	NodeTimeout time.Duration
	Logger      *slog.Logger
}

// Service orchestrates run execution. Each run gets its own scheduler and
// worker; the service itself is safe for concurrent use.
type Service struct {
	runs        repository.RunRepository
	blobs       storage.BlobStore
	factory     worker.Factory
	manager     *RunManager
	notifier    *Notifier
	log         *slog.Logger
	baseURL     string
	defaultTTL  time.Duration
	maxTTL      time.Duration
	inlineLimit int64
	nodeTimeout time.Duration
	cron        *cron.Cron

	mu     sync.Mutex
	active map[string]*scheduler.Scheduler
}

func NewService(opts Options) *Service {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		runs:        opts.Runs,
		blobs:       opts.Blobs,
		factory:     opts.Factory,
		manager:     opts.Manager,
		notifier:    NewNotifier(log),
		log:         log,
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		defaultTTL:  opts.DefaultTTL,
		maxTTL:      opts.MaxTTL,
		inlineLimit: opts.InlineLimit,
		nodeTimeout: opts.NodeTimeout,
		active:      make(map[string]*scheduler.Scheduler),
	}
	if s.defaultTTL <= 0 {
		s.defaultTTL = DefaultTTL
	}
	if s.maxTTL <= 0 {
		s.maxTTL = DefaultMaxTTL
	}
	if s.inlineLimit == 0 {
		s.inlineLimit = DefaultInlineLimit
	}
	if s.nodeTimeout <= 0 {
		s.nodeTimeout = DefaultNodeTimeout
	}
	if s.manager == nil {
		s.manager = NewRunManager(10 * time.Minute)
	}
	return s
}

// Manager returns the per-run event buffer feeding the SSE endpoint.
func (s *Service) Manager() *RunManager { return s.manager }

// Close stops the sweeper and the event manager.
func (s *Service) Close() {
	s.StopSweeper()
	s.manager.Stop()
}

// ResolveTTL picks the retention for a run: the requested TTL when present,
// otherwise the flow API default, clamped by both the API's and the
// caller's maximums.
func (s *Service) ResolveTTL(requested *int, api *flow.FlowAPI, ac *auth.Context) time.Duration {
	ttl := s.defaultTTL
	if api != nil && api.DefaultTTL > 0 {
		ttl = time.Duration(api.DefaultTTL) * time.Second
	}
	if requested != nil && *requested > 0 {
		ttl = time.Duration(*requested) * time.Second
	}
	max := s.maxTTL
	if api != nil && api.MaxTTL > 0 {
		max = time.Duration(api.MaxTTL) * time.Second
	}
	if ac != nil && ac.MaxTTL > 0 {
		if m := time.Duration(ac.MaxTTL) * time.Second; m < max {
			max = m
		}
	}
	if ttl > max {
		ttl = max
	}
	return ttl
}

// CreateRun persists a pending run record with its TTL already resolved.
func (s *Service) CreateRun(ctx context.Context, f *flow.Flow, api *flow.FlowAPI, ac *auth.Context, inputs map[string]any, ttl time.Duration) (*flow.Run, error) {
	now := time.Now()
	run := &flow.Run{
		ID:        uuid.NewString(),
		FlowID:    f.ID,
		Status:    flow.RunPending,
		Inputs:    inputs,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if api != nil {
		run.FlowAPIID = &api.ID
	}
	if ac != nil && ac.APIKeyID != "" {
		keyID := ac.APIKeyID
		run.APIKeyID = &keyID
	}
	if err := s.runs.Create(ctx, run); err != nil {
		return nil, err
	}
	s.manager.Register(run.ID)
	return run, nil
}

// UpdateRunStatus transitions a run and merges the update's non-nil fields.
// startedAt is stamped on the first move to running, completedAt on any
// terminal status.
func (s *Service) UpdateRunStatus(ctx context.Context, id string, status flow.RunStatus, upd StatusUpdate) (*flow.Run, error) {
	run, err := s.runs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	// Terminal is final. A straggling progress event must not resurrect a
	// finished run.
	if run.Status.Terminal() && !status.Terminal() {
		return run, nil
	}
	now := time.Now()
	run.Status = status
	if status == flow.RunRunning && run.StartedAt == nil {
		run.StartedAt = &now
	}
	if status.Terminal() && run.CompletedAt == nil {
		run.CompletedAt = &now
	}
	if upd.Progress != nil {
		run.Progress = *upd.Progress
	}
	if upd.CurrentNode != nil {
		run.CurrentNode = *upd.CurrentNode
	}
	if upd.Outputs != nil {
		run.Outputs = upd.Outputs
	}
	if upd.Error != nil {
		run.Error = upd.Error
	}
	if upd.NodeResults != nil {
		run.NodeResults = upd.NodeResults
	}
	if upd.Logs != nil {
		run.Logs = append(run.Logs, upd.Logs...)
	}
	if err := s.runs.Update(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// ValidateInputs checks request inputs against the flow's generated input
// schema. A mismatch fails with kind validation before any run is created.
func ValidateInputs(f *flow.Flow, inputs map[string]any) error {
	params, err := openapi.ExtractInputs(f)
	if err != nil {
		return err
	}
	doc := openapi.InputJSONSchema(params)

	// Round-trip so the validator sees plain JSON types.
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal input schema: %w", err)
	}
	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("parse input schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("inputs.json", schemaDoc); err != nil {
		return fmt.Errorf("add input schema: %w", err)
	}
	schema, err := c.Compile("inputs.json")
	if err != nil {
		return fmt.Errorf("compile input schema: %w", err)
	}

	if inputs == nil {
		inputs = map[string]any{}
	}
	instRaw, err := json.Marshal(inputs)
	if err != nil {
		return flow.Errorf(flow.ErrValidation, "inputs not serializable: %v", err)
	}
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(string(instRaw)))
	if err != nil {
		return flow.Errorf(flow.ErrValidation, "inputs not valid JSON: %v", err)
	}
	if err := schema.Validate(inst); err != nil {
		return flow.Errorf(flow.ErrValidation, "invalid inputs: %v", err)
	}
	return nil
}

// ExecuteFlowSync validates, creates, and drives a run to completion,
// returning the finished record.
func (s *Service) ExecuteFlowSync(ctx context.Context, f *flow.Flow, api *flow.FlowAPI, ac *auth.Context, req ExecuteRequest) (*flow.Run, error) {
	if err := ValidateInputs(f, req.Inputs); err != nil {
		return nil, err
	}
	ttl := s.ResolveTTL(req.Options.TTL, api, ac)
	run, err := s.CreateRun(ctx, f, api, ac, req.Inputs, ttl)
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, run, f, api, req), nil
}

// ExecuteFlowAsync validates and creates the run, then finishes it in the
// background. The caller gets the run id and where to poll immediately; a
// webhook fires on completion when requested.
func (s *Service) ExecuteFlowAsync(ctx context.Context, f *flow.Flow, api *flow.FlowAPI, ac *auth.Context, req ExecuteRequest) (*AsyncAccepted, error) {
	if err := ValidateInputs(f, req.Inputs); err != nil {
		return nil, err
	}
	ttl := s.ResolveTTL(req.Options.TTL, api, ac)
	run, err := s.CreateRun(ctx, f, api, ac, req.Inputs, ttl)
	if err != nil {
		return nil, err
	}

	go func() {
		finished := s.execute(context.Background(), run, f, api, req)
		if req.Options.WebhookURL != "" {
			secret := ""
			if api != nil {
				secret = api.WebhookSecret
			}
			wctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			s.notifier.Notify(wctx, req.Options.WebhookURL, secret, finished)
		}
	}()

	return &AsyncAccepted{
		RunID:     run.ID,
		StatusURL: s.baseURL + "/api/v1/runs/" + run.ID,
		ResultURL: s.baseURL + "/api/v1/runs/" + run.ID,
	}, nil
}

// execute drives one run on a dedicated scheduler and returns the final
// record. Errors along the way degrade to a terminal status rather than
// propagating: the run record is the source of truth.
func (s *Service) execute(ctx context.Context, run *flow.Run, f *flow.Flow, api *flow.FlowAPI, req ExecuteRequest) *flow.Run {
	sch := scheduler.New(scheduler.Options{
		Factory:     s.factory,
		NodeTimeout: s.nodeTimeout,
		Logger:      s.log,
	})
	defer sch.Close()

	s.mu.Lock()
	s.active[run.ID] = sch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.active, run.ID)
		s.mu.Unlock()
	}()

	s.watchEvents(run.ID, sch)

	work, err := cloneFlow(f)
	if err != nil {
		fe := flow.AsError(err, flow.ErrValidation)
		return s.finalize(ctx, run.ID, flow.RunFailed, StatusUpdate{Error: fe})
	}
	applyInputs(work, req.Inputs)

	if _, err := s.UpdateRunStatus(ctx, run.ID, flow.RunRunning, StatusUpdate{}); err != nil {
		s.log.Warn("run status update failed", "runId", run.ID, "err", err)
	}

	timeout := DefaultRunTimeout
	if api != nil && api.Timeout > 0 {
		timeout = time.Duration(api.Timeout) * time.Millisecond
	}
	if req.Options.TimeoutMS > 0 {
		timeout = time.Duration(req.Options.TimeoutMS) * time.Millisecond
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	st, execErr := sch.ExecuteFlow(tctx, work)
	results := nodeResults(st)

	if execErr != nil {
		fe := flow.AsError(execErr, flow.ErrScript)
		status := flow.RunFailed
		switch {
		case tctx.Err() == context.DeadlineExceeded:
			status = flow.RunTimeout
			fe = flow.Errorf(flow.ErrTimeout, "run exceeded %s timeout", timeout)
		case st.Status == scheduler.StatusCancelled:
			status = flow.RunCancelled
		case fe.Kind == flow.ErrTimeout:
			status = flow.RunTimeout
		}
		return s.finalize(ctx, run.ID, status, StatusUpdate{Error: fe, NodeResults: results})
	}

	outputs, arts, err := s.extractArtifacts(ctx, sch.Worker(), run.ID, st.Outputs)
	if err != nil {
		fe := flow.AsError(err, flow.ErrStorage)
		return s.finalize(ctx, run.ID, flow.RunFailed, StatusUpdate{Error: fe, NodeResults: results})
	}
	if len(arts) > 0 {
		if err := s.runs.AddArtifacts(ctx, run.ID, arts); err != nil {
			s.log.Warn("artifact persist failed", "runId", run.ID, "err", err)
		}
	}
	return s.finalize(ctx, run.ID, flow.RunCompleted, StatusUpdate{Outputs: outputs, NodeResults: results})
}

func (s *Service) finalize(ctx context.Context, runID string, status flow.RunStatus, upd StatusUpdate) *flow.Run {
	run, err := s.UpdateRunStatus(ctx, runID, status, upd)
	if err != nil {
		s.log.Warn("run finalize failed", "runId", runID, "err", err)
		run = &flow.Run{ID: runID, Status: status, Error: upd.Error, Outputs: upd.Outputs}
	}
	payload := map[string]any{"status": string(status)}
	if run.Error != nil {
		payload["error"] = run.Error.Message
	}
	s.manager.Complete(runID, payload)
	return run
}

// watchEvents mirrors scheduler events into the run's event buffer and the
// progress fields of its record.
func (s *Service) watchEvents(runID string, sch *scheduler.Scheduler) {
	sch.Bus().Subscribe(func(ev scheduler.Event) {
		s.manager.Append(runID, EventRecord{
			Type:      string(ev.Type),
			NodeID:    ev.NodeID,
			Payload:   ev.Payload,
			Timestamp: ev.Timestamp,
		})
		switch ev.Type {
		case scheduler.EventNodeStart:
			node := ev.NodeID
			if _, err := s.UpdateRunStatus(context.Background(), runID, flow.RunRunning, StatusUpdate{CurrentNode: &node}); err != nil {
				s.log.Debug("progress update failed", "runId", runID, "err", err)
			}
		case scheduler.EventProgress:
			if pct, ok := ev.Payload["percent"].(float64); ok {
				p := int(pct)
				if _, err := s.UpdateRunStatus(context.Background(), runID, flow.RunRunning, StatusUpdate{Progress: &p}); err != nil {
					s.log.Debug("progress update failed", "runId", runID, "err", err)
				}
			}
		}
	})
}

// GetRun returns the run record with its artifacts attached.
func (s *Service) GetRun(ctx context.Context, id string) (*flow.Run, error) {
	run, err := s.runs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	arts, err := s.runs.GetArtifacts(ctx, id)
	if err == nil {
		run.Artifacts = arts
	}
	return run, nil
}

// ListRuns pages through run records.
func (s *Service) ListRuns(ctx context.Context, filter repository.RunFilter) ([]*flow.Run, int, error) {
	return s.runs.List(ctx, filter)
}

// ErrNotCancellable reports a cancel request against a finished run.
var ErrNotCancellable = errors.New("run is not pending or running")

// CancelRun requests cooperative cancellation of an in-flight run. Only
// pending and running runs can be cancelled.
func (s *Service) CancelRun(ctx context.Context, id string) (*flow.Run, error) {
	run, err := s.runs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.Status != flow.RunPending && run.Status != flow.RunRunning {
		return nil, ErrNotCancellable
	}

	s.mu.Lock()
	sch := s.active[id]
	s.mu.Unlock()
	if sch != nil {
		// The scheduler will finalize the record as cancelled itself.
		sch.Cancel()
		return run, nil
	}
	return s.UpdateRunStatus(ctx, id, flow.RunCancelled, StatusUpdate{
		Error: flow.Errorf(flow.ErrCancelled, "run cancelled"),
	})
}

// CleanupExpiredRuns redacts terminal runs past their TTL: artifacts and
// blobs are deleted, outputs, node results, and logs nulled, and the status
// moved to expired. Non-terminal runs are never touched.
func (s *Service) CleanupExpiredRuns(ctx context.Context) (int, error) {
	expired, err := s.runs.ListExpired(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	count := 0
	for _, run := range expired {
		arts, err := s.runs.GetArtifacts(ctx, run.ID)
		if err == nil && s.blobs != nil {
			for _, a := range arts {
				if a.URL == "" {
					continue
				}
				blobID := a.URL[strings.LastIndex(a.URL, "/")+1:]
				if err := s.blobs.Delete(ctx, blobID); err != nil {
					s.log.Warn("blob delete failed", "runId", run.ID, "blob", blobID, "err", err)
				}
			}
		}
		if err := s.runs.DeleteArtifacts(ctx, run.ID); err != nil {
			s.log.Warn("artifact delete failed", "runId", run.ID, "err", err)
		}

		run.Outputs = nil
		run.NodeResults = nil
		run.Logs = nil
		run.Artifacts = nil
		run.Status = flow.RunExpired
		if err := s.runs.Update(ctx, run); err != nil {
			s.log.Warn("expire update failed", "runId", run.ID, "err", err)
			continue
		}
		count++
	}
	if count > 0 {
		s.log.Info("expired runs redacted", "count", count)
	}
	return count, nil
}

// StartSweeper schedules CleanupExpiredRuns on a fixed cadence.
func (s *Service) StartSweeper(every time.Duration) error {
	if every <= 0 {
		every = DefaultSweepInterval
	}
	s.cron = cron.New()
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", every), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := s.CleanupExpiredRuns(ctx); err != nil {
			s.log.Warn("expiry sweep failed", "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sweeper: %w", err)
	}
	s.cron.Start()
	return nil
}

// StopSweeper halts the sweeper and waits for an in-flight sweep.
func (s *Service) StopSweeper() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
		s.cron = nil
	}
}

// cloneFlow deep-copies a flow through its wire format so per-run input
// mutation never leaks into the stored document.
func cloneFlow(f *flow.Flow) (*flow.Flow, error) {
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return flow.Parse(raw)
}

// applyInputs writes request values onto matching non-constant input nodes
// by label (node id when unlabeled). Unknown keys are ignored.
func applyInputs(f *flow.Flow, inputs map[string]any) {
	if len(inputs) == 0 {
		return
	}
	for i := range f.Nodes {
		n := &f.Nodes[i]
		if !n.Kind.IsInput() {
			continue
		}
		p, _ := n.Payload().(flow.InputPayload)
		if p.IsConstant {
			continue
		}
		name := p.Label
		if name == "" {
			name = n.ID
		}
		v, ok := inputs[name]
		if !ok {
			continue
		}
		if n.Data == nil {
			n.Data = map[string]any{}
		}
		n.Data["value"] = v
	}
}

func nodeResults(st *scheduler.ExecutionState) map[string]flow.NodeResult {
	if st == nil || len(st.Nodes) == 0 {
		return nil
	}
	out := make(map[string]flow.NodeResult, len(st.Nodes))
	for id, ns := range st.Nodes {
		nr := flow.NodeResult{
			Status:     string(ns.Status),
			DurationMS: ns.Duration.Milliseconds(),
		}
		if ns.Error != nil {
			nr.Error = ns.Error.Message
		}
		out[id] = nr
	}
	return out
}
