package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/yfei/agendabot/internal/auth"
	"github.com/yfei/agendabot/internal/model"
	"github.com/yfei/agendabot/internal/selection"
)

type fakeTransport struct {
	ch   chan Update
	sent []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{ch: make(chan Update, 8)}
}

func (f *fakeTransport) Updates() <-chan Update { return f.ch }

func (f *fakeTransport) Send(ctx context.Context, userID, text string) error {
	f.sent = append(f.sent, text)
	return nil
}

type fakeProcessor struct {
	batch  model.BatchResult
	inputs []model.RawInput
}

func (f *fakeProcessor) Process(ctx context.Context, in model.RawInput) model.BatchResult {
	f.inputs = append(f.inputs, in)
	return f.batch
}

type fakeAuthorizer struct {
	state      auth.State
	beginURL   string
	submitErr  error
	cancelled  bool
	submitted  []string
	beginCalls int
}

func (f *fakeAuthorizer) BeginAuth(userID string) (string, error) {
	f.beginCalls++
	return f.beginURL, nil
}

func (f *fakeAuthorizer) SubmitCode(ctx context.Context, userID, raw string) error {
	f.submitted = append(f.submitted, raw)
	return f.submitErr
}

func (f *fakeAuthorizer) Cancel(userID string) bool { f.cancelled = true; return true }

func (f *fakeAuthorizer) Revoke(ctx context.Context, userID string) error { return nil }

func (f *fakeAuthorizer) SessionState(ctx context.Context, userID string) auth.State {
	return f.state
}

type fakeSwitcher struct {
	sel     model.ModelSelection
	allowed []string
	setErr  error
	setText string
}

func (f *fakeSwitcher) Current() model.ModelSelection { return f.sel }
func (f *fakeSwitcher) Allowed() []string             { return f.allowed }
func (f *fakeSwitcher) Set(ctx context.Context, textModel, visionModel string) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.setText = textModel
	f.sel.TextModel = textModel
	return nil
}

type fakeUsage struct {
	summary []model.ModelUsage
	err     error
}

func (f *fakeUsage) UsageSummary(ctx context.Context) ([]model.ModelUsage, error) {
	return f.summary, f.err
}

func newTestAdapter(tr *fakeTransport, proc *fakeProcessor, authz *fakeAuthorizer, sw *fakeSwitcher) *Adapter {
	return NewAdapter(tr, proc, authz, sw, &fakeUsage{}, "owner", slog.New(slog.DiscardHandler))
}

func lastSent(t *testing.T, tr *fakeTransport) string {
	t.Helper()
	if len(tr.sent) == 0 {
		t.Fatal("no reply sent")
	}
	return tr.sent[len(tr.sent)-1]
}

func TestPlainTextGoesThroughPipeline(t *testing.T) {
	tr := newFakeTransport()
	proc := &fakeProcessor{batch: model.BatchResult{Succeeded: 1, Results: []model.SyncResult{{
		Draft:   model.Draft{Kind: model.EntryTask, Title: "buy milk"},
		Outcome: model.OutcomeSynced,
	}}}}
	a := newTestAdapter(tr, proc, &fakeAuthorizer{}, &fakeSwitcher{})

	a.handleUpdate(context.Background(), Update{UserID: "owner", MessageID: "m1", Text: "buy milk tomorrow"})

	if len(proc.inputs) != 1 || proc.inputs[0].Source != model.SourceChat {
		t.Fatalf("inputs = %+v", proc.inputs)
	}
	if !strings.Contains(lastSent(t, tr), "buy milk") {
		t.Fatalf("summary missing draft title: %q", lastSent(t, tr))
	}
}

func TestImageBecomesImageSource(t *testing.T) {
	proc := &fakeProcessor{}
	a := newTestAdapter(newFakeTransport(), proc, &fakeAuthorizer{}, &fakeSwitcher{})

	a.handleUpdate(context.Background(), Update{
		UserID: "owner", MessageID: "m2", Image: []byte{0xFF, 0xD8}, ImageMIME: "image/jpeg",
	})

	if proc.inputs[0].Source != model.SourceImage {
		t.Fatalf("source = %q, want image", proc.inputs[0].Source)
	}
}

func TestUnknownUserIsRefused(t *testing.T) {
	tr := newFakeTransport()
	proc := &fakeProcessor{}
	a := newTestAdapter(tr, proc, &fakeAuthorizer{}, &fakeSwitcher{})

	a.handleUpdate(context.Background(), Update{UserID: "stranger", Text: "meet at 5"})

	if len(proc.inputs) != 0 {
		t.Fatal("stranger's message must not reach the pipeline")
	}
	if !strings.Contains(lastSent(t, tr), "private") {
		t.Fatalf("refusal reply = %q", lastSent(t, tr))
	}
}

func TestModelCommandShowsAndSwitches(t *testing.T) {
	tr := newFakeTransport()
	sw := &fakeSwitcher{
		sel:     model.ModelSelection{TextModel: "alpha", VisionModel: "alpha"},
		allowed: []string{"alpha", "beta"},
	}
	a := newTestAdapter(tr, &fakeProcessor{}, &fakeAuthorizer{}, sw)

	a.handleUpdate(context.Background(), Update{UserID: "owner", Text: "/model"})
	if reply := lastSent(t, tr); !strings.Contains(reply, "alpha") || !strings.Contains(reply, "beta") {
		t.Fatalf("status reply = %q", reply)
	}

	a.handleUpdate(context.Background(), Update{UserID: "owner", Text: "/model beta"})
	if sw.setText != "beta" {
		t.Fatalf("switched to %q, want beta", sw.setText)
	}
}

func TestModelCommandRejectionKeepsSelection(t *testing.T) {
	tr := newFakeTransport()
	sw := &fakeSwitcher{
		sel:     model.ModelSelection{TextModel: "alpha"},
		allowed: []string{"alpha"},
		setErr:  &selection.ValidationError{Model: "bogus", Allowed: []string{"alpha"}},
	}
	a := newTestAdapter(tr, &fakeProcessor{}, &fakeAuthorizer{}, sw)

	a.handleUpdate(context.Background(), Update{UserID: "owner", Text: "/model bogus"})

	if reply := lastSent(t, tr); !strings.Contains(reply, "bogus") || !strings.Contains(reply, "alpha") {
		t.Fatalf("rejection reply should name the model and the choices: %q", reply)
	}
	if sw.sel.TextModel != "alpha" {
		t.Fatal("rejected switch must not change the selection")
	}
}

func TestUsageCommandListsPerModelSpend(t *testing.T) {
	tr := newFakeTransport()
	usage := &fakeUsage{summary: []model.ModelUsage{
		{Model: "alpha", Calls: 4, PromptTokens: 900, CompletionTokens: 120},
		{Model: "beta", Calls: 1, PromptTokens: 55, CompletionTokens: 10},
	}}
	a := NewAdapter(tr, &fakeProcessor{}, &fakeAuthorizer{}, &fakeSwitcher{},
		usage, "owner", slog.New(slog.DiscardHandler))

	a.handleUpdate(context.Background(), Update{UserID: "owner", Text: "/usage"})

	reply := lastSent(t, tr)
	if !strings.Contains(reply, "alpha: 4 call(s), 900 prompt + 120 completion") {
		t.Fatalf("usage reply = %q", reply)
	}
	if !strings.Contains(reply, "beta") {
		t.Fatalf("usage reply missing second model: %q", reply)
	}
}

func TestUsageCommandWithNothingRecorded(t *testing.T) {
	tr := newFakeTransport()
	a := newTestAdapter(tr, &fakeProcessor{}, &fakeAuthorizer{}, &fakeSwitcher{})

	a.handleUpdate(context.Background(), Update{UserID: "owner", Text: "/usage"})

	if !strings.Contains(lastSent(t, tr), "No model usage recorded") {
		t.Fatalf("reply = %q", lastSent(t, tr))
	}
}

func TestAuthFlowCommands(t *testing.T) {
	tr := newFakeTransport()
	authz := &fakeAuthorizer{beginURL: "https://accounts.example.com/consent"}
	a := newTestAdapter(tr, &fakeProcessor{}, authz, &fakeSwitcher{})

	a.handleUpdate(context.Background(), Update{UserID: "owner", Text: "/auth"})
	if !strings.Contains(lastSent(t, tr), authz.beginURL) {
		t.Fatalf("auth reply missing consent URL: %q", lastSent(t, tr))
	}

	a.handleUpdate(context.Background(), Update{UserID: "owner", Text: "/code 4/abc123"})
	if len(authz.submitted) != 1 || authz.submitted[0] != "4/abc123" {
		t.Fatalf("submitted = %v", authz.submitted)
	}
	if !strings.Contains(lastSent(t, tr), "Connected") {
		t.Fatalf("success reply = %q", lastSent(t, tr))
	}
}

func TestBadCodeInvitesRetry(t *testing.T) {
	tr := newFakeTransport()
	authz := &fakeAuthorizer{submitErr: errors.New("exchange failed")}
	a := newTestAdapter(tr, &fakeProcessor{}, authz, &fakeSwitcher{})

	a.handleUpdate(context.Background(), Update{UserID: "owner", Text: "/code wrong"})

	// The pending request survives, so the reply must point at retrying.
	if reply := lastSent(t, tr); !strings.Contains(reply, "/code again") {
		t.Fatalf("bad-code reply = %q", reply)
	}
}

func TestCodeWithoutPendingAuth(t *testing.T) {
	tr := newFakeTransport()
	authz := &fakeAuthorizer{submitErr: auth.ErrNoPendingAuth}
	a := newTestAdapter(tr, &fakeProcessor{}, authz, &fakeSwitcher{})

	a.handleUpdate(context.Background(), Update{UserID: "owner", Text: "/code abc"})

	if !strings.Contains(lastSent(t, tr), "/auth") {
		t.Fatalf("reply should point at /auth: %q", lastSent(t, tr))
	}
}

func TestAuthRequiredBatchGetsGuidance(t *testing.T) {
	tr := newFakeTransport()
	proc := &fakeProcessor{batch: model.BatchResult{Err: auth.ErrAuthRequired}}
	a := newTestAdapter(tr, proc, &fakeAuthorizer{}, &fakeSwitcher{})

	a.handleUpdate(context.Background(), Update{UserID: "owner", Text: "lunch friday noon"})

	if !strings.Contains(lastSent(t, tr), "/auth") {
		t.Fatalf("reply should tell the user to /auth: %q", lastSent(t, tr))
	}
}

func TestUnknownCommand(t *testing.T) {
	tr := newFakeTransport()
	a := newTestAdapter(tr, &fakeProcessor{}, &fakeAuthorizer{}, &fakeSwitcher{})

	a.handleUpdate(context.Background(), Update{UserID: "owner", Text: "/frobnicate"})

	if !strings.Contains(lastSent(t, tr), "/help") {
		t.Fatalf("reply = %q", lastSent(t, tr))
	}
}
