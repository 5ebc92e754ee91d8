package reply

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/omnidesk/internal/assistant"
	"github.com/memohai/omnidesk/internal/channel"
	"github.com/memohai/omnidesk/internal/conversation"
	"github.com/memohai/omnidesk/internal/crm"
	"github.com/memohai/omnidesk/internal/llm"
)

type fakeProvider struct {
	mu          sync.Mutex
	configured  bool
	runStatuses []llm.RunStatus
	reply       string
	uploadErr   error
	threadErr   error
	assistants  int
	threads     int
	uploads     []string
	messages    []llm.MessageInput
	polls       int
}

func (f *fakeProvider) Configured() bool { return f.configured }

func (f *fakeProvider) CreateAssistant(context.Context, llm.AssistantSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assistants++
	return "asst_new", nil
}

func (f *fakeProvider) CreateThread(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.threadErr != nil {
		return "", f.threadErr
	}
	f.threads++
	return "thread_new", nil
}

func (f *fakeProvider) UploadFile(_ context.Context, name, _ string, _ []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.uploads = append(f.uploads, name)
	return "file_" + name, nil
}

func (f *fakeProvider) AddMessage(_ context.Context, _ string, msg llm.MessageInput) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	return "msg_1", nil
}

func (f *fakeProvider) StartRun(context.Context, string, string) (llm.Run, error) {
	return llm.Run{ID: "run_1", Status: llm.RunQueued}, nil
}

func (f *fakeProvider) GetRun(context.Context, string, string) (llm.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := llm.RunInProgress
	if f.polls < len(f.runStatuses) {
		status = f.runStatuses[f.polls]
	}
	f.polls++
	return llm.Run{ID: "run_1", Status: status}, nil
}

func (f *fakeProvider) LatestReply(context.Context, string, string) (string, error) {
	return f.reply, nil
}

type fakeThreads struct {
	stored map[string]string
}

func (f *fakeThreads) SetThread(_ context.Context, conversationID, assistantID, threadID string) (string, error) {
	key := conversationID + "/" + assistantID
	if existing, ok := f.stored[key]; ok {
		return existing, nil
	}
	f.stored[key] = threadID
	return threadID, nil
}

type fakeAssistants struct {
	externalIDs map[string]string
}

func (f *fakeAssistants) SetExternalID(_ context.Context, id, externalID string) (string, error) {
	f.externalIDs[id] = externalID
	return externalID, nil
}

type fakeResolver struct {
	upload channel.Upload
	err    error
}

func (f fakeResolver) ResolveMedia(context.Context, channel.Binding, channel.Media) (channel.Upload, error) {
	return f.upload, f.err
}

type resolvers map[channel.ChannelType]channel.MediaResolver

func (r resolvers) GetMediaResolver(ct channel.ChannelType) (channel.MediaResolver, bool) {
	res, ok := r[ct]
	return res, ok
}

func newOrchestrator(p *fakeProvider, media MediaResolvers, extractor crm.Extractor) (*Orchestrator, *fakeThreads, *fakeAssistants) {
	threads := &fakeThreads{stored: map[string]string{}}
	assistants := &fakeAssistants{externalIDs: map[string]string{}}
	o := NewOrchestrator(nil, p, threads, assistants, media, extractor, Options{PollInterval: time.Millisecond, MaxAttempts: 3})
	o.sleep = func(context.Context, time.Duration) error { return nil }
	return o, threads, assistants
}

func textRequest(text string) Request {
	return Request{
		Conversation: conversation.Conversation{ID: "conv-1", TenantID: "tenant-1"},
		Assistant:    assistant.Assistant{ID: "a1", Name: "Sales", ExternalID: "asst_1"},
		Event:        channel.InboundEvent{Channel: channel.ChannelWidget, ContentType: channel.ContentText, Text: text},
		MessageID:    "m-1",
	}
}

func TestReplyFallbackWhenUnconfiguredNeverLeaksPrompt(t *testing.T) {
	o, _, _ := newOrchestrator(&fakeProvider{}, nil, nil)
	res := o.Reply(context.Background(), textRequest("Incoming customer message: please refund my order"))
	assert.True(t, res.Fallback)
	assert.Equal(t, ReasonUnconfigured, res.Reason)
	assert.Equal(t, "Sales: please refund my order", res.Text)
	assert.NotContains(t, strings.ToLower(res.Text), "incoming customer message")
}

func TestReplyCreatesThreadAndAssistantOnce(t *testing.T) {
	p := &fakeProvider{configured: true, runStatuses: []llm.RunStatus{llm.RunInProgress, llm.RunCompleted}, reply: "Hi there!"}
	o, threads, assistants := newOrchestrator(p, nil, nil)

	req := textRequest("hello")
	req.Assistant.ExternalID = ""
	res := o.Reply(context.Background(), req)

	assert.False(t, res.Fallback)
	assert.Equal(t, "Hi there!", res.Text)
	assert.Equal(t, "thread_new", res.ThreadID)
	assert.Equal(t, "thread_new", threads.stored["conv-1/a1"])
	assert.Equal(t, "asst_new", assistants.externalIDs["a1"])
	assert.Equal(t, 1, p.threads)
	require.Len(t, p.messages, 1)
	assert.Contains(t, p.messages[0].Parts[0].Text, promptMarker)
	assert.Contains(t, p.messages[0].Parts[0].Text, "hello")
}

func TestReplyReusesBoundThread(t *testing.T) {
	p := &fakeProvider{configured: true, runStatuses: []llm.RunStatus{llm.RunCompleted}, reply: "again"}
	o, _, _ := newOrchestrator(p, nil, nil)

	req := textRequest("hello again")
	req.Conversation.Metadata = conversation.Metadata{Threads: map[string]conversation.ThreadBinding{"a1": {ThreadID: "thread_old"}}}
	res := o.Reply(context.Background(), req)

	assert.Equal(t, "thread_old", res.ThreadID)
	assert.Zero(t, p.threads)
	assert.Zero(t, p.assistants)
}

func TestReplyTimesOutAfterBoundedPolling(t *testing.T) {
	p := &fakeProvider{configured: true}
	o, _, _ := newOrchestrator(p, nil, nil)
	res := o.Reply(context.Background(), textRequest("slow"))
	assert.True(t, res.Fallback)
	assert.Equal(t, ReasonTimeout, res.Reason)
	assert.Equal(t, 3, p.polls)
	assert.Equal(t, "Sales: slow", res.Text)
}

func TestReplyFailedRunFallsBack(t *testing.T) {
	p := &fakeProvider{configured: true, runStatuses: []llm.RunStatus{llm.RunFailed}}
	o, _, _ := newOrchestrator(p, nil, nil)
	res := o.Reply(context.Background(), textRequest("hi"))
	assert.True(t, res.Fallback)
	assert.Equal(t, ReasonRunFailed, res.Reason)
}

func TestReplyEmptyResponseFallsBack(t *testing.T) {
	p := &fakeProvider{configured: true, runStatuses: []llm.RunStatus{llm.RunCompleted}, reply: "  "}
	o, _, _ := newOrchestrator(p, nil, nil)
	res := o.Reply(context.Background(), textRequest("hi"))
	assert.True(t, res.Fallback)
	assert.Equal(t, ReasonEmpty, res.Reason)
}

func TestReplyThreadFailureFallsBack(t *testing.T) {
	p := &fakeProvider{configured: true, threadErr: errors.New("503")}
	o, _, _ := newOrchestrator(p, nil, nil)
	res := o.Reply(context.Background(), textRequest("hi"))
	assert.Equal(t, ReasonThreadFailed, res.Reason)
}

func TestReplyRunsCRMExtractor(t *testing.T) {
	p := &fakeProvider{configured: true, runStatuses: []llm.RunStatus{llm.RunCompleted},
		reply: `Order noted. <crm-action>{"type":"create_order"}</crm-action>`}
	o, _, _ := newOrchestrator(p, nil, crm.NewTagExtractor(nil, nil))
	res := o.Reply(context.Background(), textRequest("two pizzas"))
	assert.False(t, res.Fallback)
	assert.Equal(t, "Order noted.", res.Text)
}

func TestReplyImageUploadFromEvent(t *testing.T) {
	p := &fakeProvider{configured: true, runStatuses: []llm.RunStatus{llm.RunCompleted}, reply: "nice"}
	o, _, _ := newOrchestrator(p, nil, nil)
	req := textRequest("")
	req.Event.ContentType = channel.ContentImage
	req.Event.Upload = &channel.Upload{Name: "a.jpg", Mime: "image/jpeg", Data: []byte{0xff, 0xd8}}

	o.Reply(context.Background(), req)
	require.Len(t, p.messages, 1)
	parts := p.messages[0].Parts
	require.Len(t, parts, 2)
	assert.Equal(t, llm.PartImageFile, parts[1].Kind)
	assert.Equal(t, "file_a.jpg", parts[1].FileID)
}

func TestReplyImagePublicURLWhenUploadFails(t *testing.T) {
	p := &fakeProvider{configured: true, runStatuses: []llm.RunStatus{llm.RunCompleted}, reply: "ok", uploadErr: errors.New("413")}
	o, _, _ := newOrchestrator(p, resolvers{channel.ChannelTelegram: fakeResolver{upload: channel.Upload{Data: []byte("x")}}}, nil)
	req := textRequest("")
	req.Event.Channel = channel.ChannelTelegram
	req.Event.ContentType = channel.ContentImage
	req.Event.Media = &channel.Media{URL: "https://cdn.example.com/a.jpg", Mime: "image/jpeg", PlatformKey: "f1"}

	o.Reply(context.Background(), req)
	parts := p.messages[0].Parts
	require.Len(t, parts, 2)
	assert.Equal(t, llm.PartImageURL, parts[1].Kind)
	assert.Equal(t, "https://cdn.example.com/a.jpg", parts[1].URL)
}

func TestReplyImageWithPrivateURLDegradesToText(t *testing.T) {
	p := &fakeProvider{configured: true, runStatuses: []llm.RunStatus{llm.RunCompleted}, reply: "ok"}
	o, _, _ := newOrchestrator(p, nil, nil)
	req := textRequest("")
	req.Event.ContentType = channel.ContentImage
	req.Event.Media = &channel.Media{URL: "http://localhost:8080/media/abc"}

	o.Reply(context.Background(), req)
	parts := p.messages[0].Parts
	require.Len(t, parts, 1)
	assert.Contains(t, parts[0].Text, "could not be attached")
}

func TestReplyFileAttachmentRespectsTools(t *testing.T) {
	p := &fakeProvider{configured: true, runStatuses: []llm.RunStatus{llm.RunCompleted}, reply: "read it"}
	o, _, _ := newOrchestrator(p, nil, nil)
	req := textRequest("see file")
	req.Event.ContentType = channel.ContentFile
	req.Event.Upload = &channel.Upload{Name: "report.pdf", Mime: "application/pdf", Data: []byte("%PDF")}

	o.Reply(context.Background(), req)
	require.Len(t, p.messages, 1)
	assert.Empty(t, p.messages[0].Attachments)
	assert.Contains(t, p.messages[0].Parts[0].Text, "cannot be processed")
	assert.Empty(t, p.uploads)

	req.Assistant.Tools = []assistant.Tool{assistant.ToolFileSearch}
	o.Reply(context.Background(), req)
	require.Len(t, p.messages, 2)
	require.Len(t, p.messages[1].Attachments, 1)
	assert.Equal(t, "file_report.pdf", p.messages[1].Attachments[0].FileID)
	assert.Equal(t, []llm.Tool{llm.ToolFileSearch}, p.messages[1].Attachments[0].Tools)
}

func TestReplyIgnoresCallerCancellation(t *testing.T) {
	p := &fakeProvider{configured: true, runStatuses: []llm.RunStatus{llm.RunCompleted}, reply: "done"}
	o, _, _ := newOrchestrator(p, nil, nil)
	o.sleep = sleepCtx
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := o.Reply(ctx, textRequest("hi"))
	assert.False(t, res.Fallback)
	assert.Equal(t, "done", res.Text)
}
