// Package flow is the workflow execution engine: a step-at-a-time
// interpreter that advances an activity's position through a directed
// graph of typed nodes, persists progress after every move, and resumes
// via asynchronous task dispatch.
package flow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/flowdesk/flowdesk/internal/alert"
	"github.com/flowdesk/flowdesk/internal/crypto"
	"github.com/flowdesk/flowdesk/internal/log"
	"github.com/flowdesk/flowdesk/pkg/flow/runtime"
	"github.com/flowdesk/flowdesk/pkg/mail"
	"github.com/flowdesk/flowdesk/pkg/queue"
	"github.com/flowdesk/flowdesk/pkg/script"
	"github.com/flowdesk/flowdesk/pkg/signature"
	"github.com/flowdesk/flowdesk/pkg/storage"
)

// StorageResolver maps a tenant name to its storage handle.
type StorageResolver interface {
	Storage(tenant string) (storage.Storage, error)
}

type staticResolver struct {
	store storage.Storage
}

func (r staticResolver) Storage(tenant string) (storage.Storage, error) {
	return r.store, nil
}

// conflictRetries bounds the reload-and-retry loop on revision conflicts.
const conflictRetries = 3

type Engine struct {
	name       string
	stores     StorageResolver
	dispatcher queue.Dispatcher
	mailer     mail.Sender
	alerter    alert.Notifier
	scripts    *script.Host
	signer     signature.Signer
	secrets    *crypto.Cipher
	httpClient *http.Client
	frontend   string
	clock      func() time.Time
	snowflake  *snowflake.Node
	logger     hclog.Logger
}

type EngineOption = func(*Engine)

// NewEngine creates a new engine instance. At minimum a storage resolver
// and a dispatcher must be provided before tasks are handled.
func NewEngine(options ...EngineOption) *Engine {
	keys := storage.NewKeyGenerator()
	engine := Engine{
		name:       fmt.Sprintf("flow-engine-%d", keys.Generate().Int64()),
		mailer:     mail.NoopSender{},
		alerter:    alert.NoopNotifier{},
		httpClient: &http.Client{Timeout: 30 * time.Second},
		clock:      time.Now,
		snowflake:  keys,
		logger:     log.Logger().Named("engine"),
	}

	for _, option := range options {
		option(&engine)
	}

	return &engine
}

func EngineWithStorage(store storage.Storage) EngineOption {
	return func(engine *Engine) {
		engine.stores = staticResolver{store: store}
	}
}

func EngineWithStorageResolver(resolver StorageResolver) EngineOption {
	return func(engine *Engine) {
		engine.stores = resolver
	}
}

func EngineWithDispatcher(dispatcher queue.Dispatcher) EngineOption {
	return func(engine *Engine) {
		engine.dispatcher = dispatcher
	}
}

func EngineWithMailer(mailer mail.Sender) EngineOption {
	return func(engine *Engine) {
		engine.mailer = mailer
	}
}

func EngineWithAlerter(alerter alert.Notifier) EngineOption {
	return func(engine *Engine) {
		engine.alerter = alerter
	}
}

func EngineWithScriptHost(host *script.Host) EngineOption {
	return func(engine *Engine) {
		engine.scripts = host
	}
}

func EngineWithSigner(signer signature.Signer) EngineOption {
	return func(engine *Engine) {
		engine.signer = signer
	}
}

// EngineWithSecrets sets the cipher that unseals tenant secret variables
// before they are handed to scripts and web requests.
func EngineWithSecrets(cipher *crypto.Cipher) EngineOption {
	return func(engine *Engine) {
		engine.secrets = cipher
	}
}

// EngineWithFrontendURL sets the base URL answer links in notification
// emails point at.
func EngineWithFrontendURL(url string) EngineOption {
	return func(engine *Engine) {
		engine.frontend = url
	}
}

func EngineWithHTTPClient(client *http.Client) EngineOption {
	return func(engine *Engine) {
		engine.httpClient = client
	}
}

// EngineWithClock overrides the time source, for tests.
func EngineWithClock(clock func() time.Time) EngineOption {
	return func(engine *Engine) {
		engine.clock = clock
	}
}

func (engine *Engine) generateKey() int64 {
	return engine.snowflake.Generate().Int64()
}

// CreateActivityRequest carries everything needed to open a ticket.
type CreateActivityRequest struct {
	FormKey int64
	// FormSlug selects the form by its public handle when no key is given.
	FormSlug string
	// Values are submitted field values keyed by field id.
	Values    map[string]any
	Requester *runtime.UserRef
	// Parent links a spawned sub-ticket to its originating activity.
	Parent    int64
	Automatic bool
	DueDate   *time.Time
}

// CreateActivity opens a new ticket from a form submission, seeds a
// workflow run at the start node and advances into the first real step.
// Used by the REST surface, the scheduler and the NewTicket executor.
func (engine *Engine) CreateActivity(ctx context.Context, tenant string, req CreateActivityRequest) (*runtime.Activity, error) {
	store, err := engine.stores.Storage(tenant)
	if err != nil {
		return nil, err
	}

	var form runtime.Form
	if req.FormKey != 0 {
		form, err = store.FindFormByKey(ctx, req.FormKey)
		if err != nil {
			return nil, errors.Join(newEngineErrorf("form %d not found", req.FormKey), err)
		}
	} else {
		form, err = store.FindFormBySlug(ctx, req.FormSlug)
		if err != nil {
			return nil, errors.Join(newEngineErrorf("form %q not found", req.FormSlug), err)
		}
	}
	// engine-spawned tickets may still use forms that were taken offline
	if !form.Active && !req.Automatic {
		return nil, newEngineErrorf("form %s is not accepting submissions", form.Slug)
	}

	workflow, err := store.FindWorkflowByKey(ctx, form.WorkflowKey)
	if err != nil {
		return nil, errors.Join(newEngineErrorf("workflow %d for form %d not found", form.WorkflowKey, form.Key), err)
	}
	if workflow.Published == nil {
		return nil, newEngineErrorf("workflow %d has no published graph", workflow.Key)
	}
	if workflow.Published.Start() == nil {
		return nil, newEngineErrorf("workflow %d graph has no start node", workflow.Key)
	}

	status, err := store.FindStatusByKey(ctx, form.InitialStatusKey)
	if err != nil {
		return nil, errors.Join(newEngineErrorf("initial status %d for form %d not found", form.InitialStatusKey, form.Key), err)
	}

	seq, err := store.NextSequence(ctx, "protocol")
	if err != nil {
		return nil, fmt.Errorf("failed to assign protocol: %w", err)
	}

	now := engine.clock()
	draft := form.Published.Clone()
	draft.ApplyValues(req.Values)

	activity := runtime.Activity{
		Key:       engine.generateKey(),
		Tenant:    tenant,
		Name:      form.Name,
		Protocol:  fmt.Sprintf("%d%06d", now.Year(), seq),
		State:     runtime.ActivityStateProcessing,
		Status:    status,
		FormKey:   form.Key,
		FormDraft: draft,
		Parent:    req.Parent,
		Automatic: req.Automatic,
		DueDate:   req.DueDate,
		CreatedAt: now,
	}
	if req.Requester != nil {
		activity.Requesters = []runtime.UserRef{*req.Requester}
	}

	run := runtime.WorkflowRun{
		Key:       engine.generateKey(),
		Graph:     *workflow.Published,
		StartedAt: now,
	}
	startStep := runtime.StepExecution{
		Key:       engine.generateKey(),
		NodeID:    runtime.StartNodeID,
		Status:    runtime.StepStatusInProgress,
		CreatedAt: now,
	}
	run.Steps = append(run.Steps, startStep)
	activity.Workflows = append(activity.Workflows, run)

	if err := store.SaveActivity(ctx, &activity); err != nil {
		return nil, fmt.Errorf("failed to persist activity %d: %w", activity.Key, err)
	}

	// leave the start node and advance into the first real step
	seededRun := activity.RunByKey(run.Key)
	seededStep := seededRun.StepByKey(startStep.Key)
	seededStep.Status = runtime.StepStatusFinished
	if err := engine.advance(ctx, store, &activity, seededRun, seededStep, runtime.EdgeDefault); err != nil {
		return nil, errors.Join(newEngineErrorf("failed to start workflow run %d on activity %d", run.Key, activity.Key), err)
	}

	log.Infof(log.WithTenant(ctx, tenant), "created activity %d with protocol %s", activity.Key, activity.Protocol)
	return &activity, nil
}

// NewInteractionID mints ids for sub-documents.
func NewInteractionID() string {
	return uuid.NewString()
}

// mutateActivity reloads the activity fresh, applies mutate and saves,
// retrying a bounded number of times on revision conflicts.
func mutateActivity(ctx context.Context, store storage.Storage, activityKey int64, mutate func(*runtime.Activity) error) (*runtime.Activity, error) {
	var lastErr error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		activity, err := store.FindActivityByKey(ctx, activityKey)
		if err != nil {
			return nil, fmt.Errorf("activity %d not found: %w", activityKey, err)
		}
		if err := mutate(&activity); err != nil {
			return nil, err
		}
		err = store.SaveActivity(ctx, &activity)
		if err == nil {
			return &activity, nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return nil, fmt.Errorf("failed to persist activity %d: %w", activityKey, err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("gave up persisting activity %d after %d conflicts: %w", activityKey, conflictRetries, lastErr)
}
