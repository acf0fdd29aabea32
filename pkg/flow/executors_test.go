package flow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/flowdesk/flowdesk/pkg/flow/runtime"
	"github.com/flowdesk/flowdesk/pkg/queue"
	"github.com/flowdesk/flowdesk/pkg/script"
	"github.com/flowdesk/flowdesk/pkg/signature"
)

func TestWebRequestPopulatesFormFields(t *testing.T) {
	resetRecorders()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ticket": map[string]any{"external_id": "EXT-99"},
		})
	}))
	defer server.Close()

	fields := []runtime.FormField{
		{ID: "title", Type: runtime.FieldTypeText},
		{ID: "external", Type: runtime.FieldTypeText},
	}
	fix := seedPipeline(t, fields,
		startNode("push"),
		runtime.Node{
			ID:   "push",
			Type: runtime.NodeTypeWebRequest,
			WebRequest: &runtime.WebRequestConfig{
				URL:    server.URL,
				Method: http.MethodPost,
				Body:   `{"title": "${{activity.fields.title}}"}`,
				FieldPopulate: []runtime.FieldMapping{
					{Field: "external", Path: "ticket.external_id"},
				},
			},
		},
	)

	created, err := engine.CreateActivity(t.Context(), "default", CreateActivityRequest{
		FormKey: fix.form.Key,
		Values:  map[string]any{"title": "Broken printer"},
	})
	assert.NoError(t, err)

	activity := reload(t, created.Key)
	assert.Equal(t, runtime.ActivityStateFinished, activity.State)
	assert.Equal(t, "EXT-99", activity.FormDraft.FieldByID("external").Value)
}

func TestWebRequestFailureMarksStepError(t *testing.T) {
	resetRecorders()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	done := seedStatus(t, "Done")
	fix := seedPipeline(t, nil,
		startNode("push"),
		runtime.Node{
			ID:         "push",
			Type:       runtime.NodeTypeWebRequest,
			Name:       "Push to ERP",
			WebRequest: &runtime.WebRequestConfig{URL: server.URL, Method: http.MethodGet},
			Next:       map[runtime.EdgeName]string{runtime.EdgeDefault: "set-done"},
		},
		runtime.Node{ID: "set-done", Type: runtime.NodeTypeChangeStatus, ChangeStatus: &runtime.ChangeStatusConfig{StatusKey: done.Key}},
	)

	created, err := engine.CreateActivity(t.Context(), "default", CreateActivityRequest{FormKey: fix.form.Key})
	assert.NoError(t, err)

	// the first delivery failed but the task is left for redelivery
	activity := reload(t, created.Key)
	run := activity.Workflows[0]
	stepKey := run.Steps[1].Key
	msg := queue.TaskMessage{Tenant: "default", ActivityKey: activity.Key, RunKey: run.Key, StepKey: stepKey}

	_, step := activity.FindStep(stepKey)
	assert.Equal(t, 1, step.Attempts)
	assert.NotEqual(t, runtime.StepStatusError, step.Status)
	assert.Empty(t, alerts.recorded())

	// the next redelivery still rides the retry budget
	err = engine.HandleTask(t.Context(), string(runtime.NodeTypeWebRequest), msg)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, queue.ErrReject)

	// the last one exhausts it: step errored, task rejected, operator alerted
	err = engine.HandleTask(t.Context(), string(runtime.NodeTypeWebRequest), msg)
	assert.ErrorIs(t, err, queue.ErrReject)

	after := reload(t, created.Key)
	// the run halts on the errored step; the follow-up node never runs
	assert.Equal(t, runtime.ActivityStateProcessing, after.State)
	assert.NotEqual(t, done.Key, after.Status.Key)

	_, step = after.FindStep(stepKey)
	assert.Equal(t, runtime.StepStatusError, step.Status)
	assert.Equal(t, 3, step.Attempts)
	for _, s := range after.Workflows[0].Steps {
		assert.NotEqual(t, "set-done", s.NodeID)
	}

	failures := alerts.recorded()
	assert.Len(t, failures, 1)
	assert.Equal(t, "Push to ERP", failures[0].NodeName)
	assert.Equal(t, string(runtime.NodeTypeWebRequest), failures[0].NodeType)
}

func TestAsyncWebRequestParksUntilCallback(t *testing.T) {
	resetRecorders()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	done := seedStatus(t, "Done")
	fields := []runtime.FormField{{ID: "outcome", Type: runtime.FieldTypeText}}
	fix := seedPipeline(t, fields,
		startNode("push"),
		runtime.Node{
			ID:   "push",
			Type: runtime.NodeTypeWebRequest,
			WebRequest: &runtime.WebRequestConfig{
				URL:           server.URL,
				Method:        http.MethodPost,
				Async:         true,
				FieldPopulate: []runtime.FieldMapping{{Field: "outcome", Path: "result"}},
			},
			Next: map[runtime.EdgeName]string{runtime.EdgeDefault: "set-done"},
		},
		runtime.Node{ID: "set-done", Type: runtime.NodeTypeChangeStatus, ChangeStatus: &runtime.ChangeStatusConfig{StatusKey: done.Key}},
	)

	created, err := engine.CreateActivity(t.Context(), "default", CreateActivityRequest{FormKey: fix.form.Key})
	assert.NoError(t, err)

	parked := reload(t, created.Key)
	assert.Equal(t, runtime.ActivityStateProcessing, parked.State)
	stepKey := parked.Workflows[0].Steps[1].Key
	_, step := parked.FindStep(stepKey)
	assert.Equal(t, runtime.StepStatusIdle, step.Status)

	// the remote system posts its outcome back
	err = engine.ResumeWebRequest(t.Context(), "default", stepKey, map[string]any{"result": "accepted"})
	assert.NoError(t, err)

	after := reload(t, created.Key)
	assert.Equal(t, runtime.ActivityStateFinished, after.State)
	assert.Equal(t, done.Key, after.Status.Key)
	assert.Equal(t, "accepted", after.FormDraft.FieldByID("outcome").Value)

	// duplicate callbacks are refused once the step moved on
	assert.Error(t, engine.ResumeWebRequest(t.Context(), "default", stepKey, map[string]any{"result": "again"}))
}

func TestScriptStepStoresResult(t *testing.T) {
	resetRecorders()
	host := script.NewHost(t.Context(), 2, 1)
	EngineWithScriptHost(host)(engine)
	defer EngineWithScriptHost(nil)(engine)

	fields := []runtime.FormField{{ID: "amount", Type: runtime.FieldTypeNumber}}
	fix := seedPipeline(t, fields,
		startNode("calc"),
		runtime.Node{
			ID:     "calc",
			Type:   runtime.NodeTypeScript,
			Script: &runtime.ScriptConfig{Source: `activity.fields.amount * 2`},
		},
	)

	created, err := engine.CreateActivity(t.Context(), "default", CreateActivityRequest{
		FormKey: fix.form.Key,
		Values:  map[string]any{"amount": 21},
	})
	assert.NoError(t, err)

	activity := reload(t, created.Key)
	assert.Equal(t, runtime.ActivityStateFinished, activity.State)
	_, step := activity.FindStep(activity.Workflows[0].Steps[1].Key)
	assert.EqualValues(t, 42, step.Data["result"])
}

func TestScriptFailureMarksStepError(t *testing.T) {
	resetRecorders()
	host := script.NewHost(t.Context(), 2, 1)
	EngineWithScriptHost(host)(engine)
	defer EngineWithScriptHost(nil)(engine)

	fix := seedPipeline(t, nil,
		startNode("explode"),
		runtime.Node{
			ID:     "explode",
			Type:   runtime.NodeTypeScript,
			Script: &runtime.ScriptConfig{Source: `throw new Error("nope")`},
		},
	)

	created, err := engine.CreateActivity(t.Context(), "default", CreateActivityRequest{FormKey: fix.form.Key})
	assert.NoError(t, err)

	activity := reload(t, created.Key)
	run := activity.Workflows[0]
	msg := queue.TaskMessage{Tenant: "default", ActivityKey: activity.Key, RunKey: run.Key, StepKey: run.Steps[1].Key}

	// a script that always throws burns through its retries and errors out
	assert.NotErrorIs(t, engine.HandleTask(t.Context(), string(runtime.NodeTypeScript), msg), queue.ErrReject)
	assert.ErrorIs(t, engine.HandleTask(t.Context(), string(runtime.NodeTypeScript), msg), queue.ErrReject)

	after := reload(t, created.Key)
	assert.Equal(t, runtime.ActivityStateProcessing, after.State)
	_, step := after.FindStep(run.Steps[1].Key)
	assert.Equal(t, runtime.StepStatusError, step.Status)
	assert.Len(t, alerts.recorded(), 1)
}

type fakeSigner struct {
	mu       sync.Mutex
	requests []signature.EnvelopeRequest
}

func (s *fakeSigner) CreateEnvelope(ctx context.Context, req signature.EnvelopeRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	return "env-123", nil
}

func TestSignatureParksUntilEnvelopeCloses(t *testing.T) {
	resetRecorders()
	signer := &fakeSigner{}
	EngineWithSigner(signer)(engine)
	defer EngineWithSigner(nil)(engine)

	done := seedStatus(t, "Signed")
	fix := seedPipeline(t, nil,
		startNode("sign"),
		runtime.Node{
			ID:   "sign",
			Type: runtime.NodeTypeSignature,
			Signature: &runtime.SignatureConfig{
				DocumentKey: "contract.pdf",
				Signers:     []runtime.SignerConfig{{Name: "Ana", Email: "ana@example.com"}},
				Fields:      map[string]string{"protocol": "${{activity.protocol}}"},
			},
			Next: map[runtime.EdgeName]string{runtime.EdgeDefault: "set-signed"},
		},
		runtime.Node{ID: "set-signed", Type: runtime.NodeTypeChangeStatus, ChangeStatus: &runtime.ChangeStatusConfig{StatusKey: done.Key}},
	)

	created, err := engine.CreateActivity(t.Context(), "default", CreateActivityRequest{FormKey: fix.form.Key})
	assert.NoError(t, err)

	parked := reload(t, created.Key)
	assert.Equal(t, runtime.ActivityStateProcessing, parked.State)
	assert.Len(t, parked.Documents, 1)
	envelope := parked.Documents[0]
	assert.Equal(t, "env-123", envelope.EnvelopeID)
	assert.Equal(t, parked.Protocol, envelope.Documents[0].Fields["protocol"])

	// an unrelated event changes nothing
	assert.NoError(t, engine.ResumeSignature(t.Context(), "default", signature.WebhookEvent{
		EnvelopeID: "env-123",
		Event:      "envelope.opened",
	}))
	assert.Equal(t, runtime.ActivityStateProcessing, reload(t, created.Key).State)

	// the closed event finishes the step and the run
	assert.NoError(t, engine.ResumeSignature(t.Context(), "default", signature.WebhookEvent{
		EnvelopeID: "env-123",
		Event:      signature.EventEnvelopeClosed,
	}))

	after := reload(t, created.Key)
	assert.Equal(t, runtime.ActivityStateFinished, after.State)
	assert.Equal(t, done.Key, after.Status.Key)
	assert.True(t, after.Documents[0].Closed)
	assert.True(t, after.Documents[0].Documents[0].Signers[0].Signed)

	// duplicate webhook deliveries are absorbed
	assert.NoError(t, engine.ResumeSignature(t.Context(), "default", signature.WebhookEvent{
		EnvelopeID: "env-123",
		Event:      signature.EventEnvelopeClosed,
	}))
}

func TestSendEmailRendersTemplateAndResolvesRecipients(t *testing.T) {
	resetRecorders()
	template := runtime.EmailTemplate{
		Key:     engineStorage.GenerateId(),
		Slug:    "request-update",
		Subject: "Update on ${{activity.protocol}}",
		HTML:    "<p>Hello ${{activity.#requesters.name}}, your request is moving.</p>",
		CSS:     "p { color: #333; }",
	}
	assert.NoError(t, engineStorage.SeedEmailTemplate(t.Context(), template))
	carla := seedUser(t, "Carla", "carla@example.com")

	fix := seedPipeline(t, nil,
		startNode("notify"),
		runtime.Node{
			ID:   "notify",
			Type: runtime.NodeTypeSendEmail,
			SendEmail: &runtime.SendEmailConfig{
				TemplateKey: template.Key,
				To:          []string{"requesters", "ops@example.com", strconv.FormatInt(carla.Key, 10)},
			},
		},
	)

	requester := runtime.UserRef{Key: 9, Name: "Ana", Email: "ana@example.com"}
	created, err := engine.CreateActivity(t.Context(), "default", CreateActivityRequest{
		FormKey:   fix.form.Key,
		Requester: &requester,
	})
	assert.NoError(t, err)

	activity := reload(t, created.Key)
	assert.Equal(t, runtime.ActivityStateFinished, activity.State)

	sent := mailbox.sent()
	assert.Len(t, sent, 1)
	assert.ElementsMatch(t, []string{"ana@example.com", "ops@example.com", "carla@example.com"}, sent[0].To)
	assert.Equal(t, "Update on "+activity.Protocol, sent[0].Subject)
	assert.Contains(t, sent[0].HTML, "Hello Ana")
	assert.Contains(t, sent[0].HTML, "<style>")
}
