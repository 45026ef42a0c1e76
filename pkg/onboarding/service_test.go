package onboarding

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/nudge/pkg/definition"
	"github.com/kadirpekel/nudge/pkg/llms"
	"github.com/kadirpekel/nudge/pkg/store"
)

// fakeRepo is an in-memory Repository.
type fakeRepo struct {
	mu       sync.Mutex
	nextID   int64
	convs    map[string]*store.Conversation
	messages map[int64][]store.Message
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		nextID:   1,
		convs:    make(map[string]*store.Conversation),
		messages: make(map[int64][]store.Message),
	}
}

func (r *fakeRepo) GetOrCreate(_ context.Context, channel, externalID string, attrs store.CreateAttrs) (*store.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := channel + ":" + externalID
	if conv, ok := r.convs[key]; ok {
		copied := *conv
		return &copied, nil
	}
	conv := &store.Conversation{
		ID:            r.nextID,
		Channel:       channel,
		ExternalID:    externalID,
		Status:        store.StatusActive,
		CollectedData: "{}",
		Token:         attrs.Token,
		DisplayName:   attrs.DisplayName,
	}
	r.nextID++
	r.convs[key] = conv
	copied := *conv
	return &copied, nil
}

func (r *fakeRepo) UpdateData(_ context.Context, id int64, dataJSON string, status ...store.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, conv := range r.convs {
		if conv.ID == id {
			conv.CollectedData = dataJSON
			if len(status) > 0 {
				conv.Status = status[0]
			}
			return nil
		}
	}
	return store.ErrNotFound
}

func (r *fakeRepo) UpdateStatus(_ context.Context, id int64, status store.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, conv := range r.convs {
		if conv.ID == id {
			conv.Status = status
			return nil
		}
	}
	return store.ErrNotFound
}

func (r *fakeRepo) Reset(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, conv := range r.convs {
		if conv.ID == id {
			conv.CollectedData = "{}"
			conv.Status = store.StatusActive
			return nil
		}
	}
	return store.ErrNotFound
}

func (r *fakeRepo) AppendMessage(_ context.Context, conversationID int64, role, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[conversationID] = append(r.messages[conversationID], store.Message{
		ID:             int64(len(r.messages[conversationID]) + 1),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
	})
	return nil
}

func (r *fakeRepo) RecentMessages(_ context.Context, conversationID int64, limit int) ([]store.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := r.messages[conversationID]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]store.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (r *fakeRepo) DeleteMessages(_ context.Context, conversationID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.messages, conversationID)
	return nil
}

func (r *fakeRepo) conversation(t *testing.T, channel, externalID string) *store.Conversation {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.convs[channel+":"+externalID]
	require.True(t, ok, "conversation %s:%s not found", channel, externalID)
	copied := *conv
	return &copied
}

// scriptedProvider replays canned replies in order.
type scriptedProvider struct {
	mu      sync.Mutex
	replies []string
	err     error
	calls   int
	prompts []string
}

func (p *scriptedProvider) Generate(_ context.Context, systemPrompt string, _ []llms.Message, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts = append(p.prompts, systemPrompt)
	if p.err != nil {
		return "", p.err
	}
	if p.calls >= len(p.replies) {
		return `{"message": "ok", "extractedData": {}, "isComplete": false}`, nil
	}
	reply := p.replies[p.calls]
	p.calls++
	return reply, nil
}

func (p *scriptedProvider) ModelName() string { return "scripted" }

type fakeDefs struct {
	def *definition.Definition
}

func (d *fakeDefs) Load(string) (*definition.Definition, error) {
	if d.def == nil {
		return nil, fmt.Errorf("definition not found")
	}
	return d.def, nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	calls    int
	data     definition.CollectedData
	response map[string]interface{}
}

func (n *fakeNotifier) NotifyCompleted(_ context.Context, _ *definition.Definition, _ *store.Conversation, data definition.CollectedData) map[string]interface{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	n.data = data
	return n.response
}

type fakeSink struct {
	mu     sync.Mutex
	events []CompletionEvent
}

func (s *fakeSink) PublishCompleted(_ context.Context, event CompletionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func newTestService(repo *fakeRepo, provider *scriptedProvider, notifier *fakeNotifier, opts ...ServiceOption) *Service {
	def := testDefinition()
	return NewService(repo, &fakeDefs{def: def}, provider, notifier, def.ID, opts...)
}

func TestHandleMessage_CollectsAndCompletes(t *testing.T) {
	repo := newFakeRepo()
	notifier := &fakeNotifier{}
	provider := &scriptedProvider{replies: []string{
		`{"message": "Genial! Qué servicios ofrecés?", "extractedData": {"business_name": "Estudio Sur"}, "isComplete": false}`,
		`{"message": "Perfecto. Te resumo: Estudio Sur, corte y color. Está todo bien?", "extractedData": {"services": ["corte", "color"]}, "isComplete": false}`,
		`{"message": "Listo, quedó configurado!", "extractedData": {}, "isComplete": true}`,
	}}
	svc := newTestService(repo, provider, notifier)
	ctx := context.Background()

	reply, err := svc.HandleMessage(ctx, "telegram", "42", "Mi negocio se llama Estudio Sur")
	require.NoError(t, err)
	assert.Equal(t, "Genial! Qué servicios ofrecés?", reply.Text)
	assert.Equal(t, store.StatusActive, repo.conversation(t, "telegram", "42").Status)

	reply, err = svc.HandleMessage(ctx, "telegram", "42", "Hacemos corte y color")
	require.NoError(t, err)
	assert.Contains(t, reply.Text, "resumo")

	// All required fields collected: the conversation moves to reviewing.
	conv := repo.conversation(t, "telegram", "42")
	assert.Equal(t, store.StatusReviewing, conv.Status)

	var data map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(conv.CollectedData), &data))
	assert.Equal(t, "Estudio Sur", data["business_name"])

	reply, err = svc.HandleMessage(ctx, "telegram", "42", "dale, está perfecto")
	require.NoError(t, err)
	assert.Equal(t, "Listo, quedó configurado!", reply.Text)
	assert.Equal(t, store.StatusCompleted, repo.conversation(t, "telegram", "42").Status)
	assert.Equal(t, 1, notifier.calls)
	assert.Equal(t, "Estudio Sur", notifier.data["business_name"])
}

func TestHandleMessage_CompletedConversationIsInert(t *testing.T) {
	repo := newFakeRepo()
	notifier := &fakeNotifier{}
	provider := &scriptedProvider{}
	svc := newTestService(repo, provider, notifier)
	ctx := context.Background()

	conv, err := repo.GetOrCreate(ctx, "telegram", "42", store.CreateAttrs{})
	require.NoError(t, err)
	require.NoError(t, repo.UpdateStatus(ctx, conv.ID, store.StatusCompleted))

	reply, err := svc.HandleMessage(ctx, "telegram", "42", "hola de nuevo")
	require.NoError(t, err)
	assert.Equal(t, CompletedReply, reply.Text)

	// No provider call, no second notification.
	assert.Equal(t, 0, provider.calls)
	assert.Equal(t, 0, notifier.calls)
}

func TestHandleMessage_WebhookFailureStillCompletes(t *testing.T) {
	repo := newFakeRepo()
	notifier := &fakeNotifier{response: nil} // notifier failed, swallowed internally
	provider := &scriptedProvider{replies: []string{
		`{"message": "Listo!", "extractedData": {"business_name": "X", "services": ["y"]}, "isComplete": true}`,
	}}
	svc := newTestService(repo, provider, notifier)

	reply, err := svc.HandleMessage(context.Background(), "whatsapp", "5491100000000", "confirmo")
	require.NoError(t, err)
	assert.Equal(t, "Listo!", reply.Text)
	assert.Empty(t, reply.FollowUp)
	assert.Equal(t, store.StatusCompleted, repo.conversation(t, "whatsapp", "5491100000000").Status)
}

func TestHandleMessage_CompletionFollowUp(t *testing.T) {
	repo := newFakeRepo()
	notifier := &fakeNotifier{response: map[string]interface{}{"booking_url": "https://yaturno.app/estudio-sur"}}
	provider := &scriptedProvider{replies: []string{
		`{"message": "Quedó todo listo!", "extractedData": {}, "isComplete": true}`,
	}}

	def := testDefinition()
	def.Completion = &definition.CompletionSpec{
		MessageTemplate: "Tu agenda ya está online: {booking_url}",
		ResponseFields:  []string{"booking_url"},
	}
	sink := &fakeSink{}
	svc := NewService(repo, &fakeDefs{def: def}, provider, notifier, def.ID, WithEventSink(sink))

	reply, err := svc.HandleMessage(context.Background(), "telegram", "7", "sí, confirmo")
	require.NoError(t, err)
	assert.Equal(t, "Tu agenda ya está online: https://yaturno.app/estudio-sur", reply.FollowUp)

	require.Len(t, sink.events, 1)
	assert.Equal(t, "onboarding.completed", sink.events[0].Event)
	assert.Equal(t, "telegram", sink.events[0].Channel)
}

func TestHandleMessage_FallbackReplyDoesNotAdvanceState(t *testing.T) {
	repo := newFakeRepo()
	provider := &scriptedProvider{replies: []string{"Perdón, me colgué. Decime de nuevo?"}}
	svc := newTestService(repo, provider, &fakeNotifier{})

	reply, err := svc.HandleMessage(context.Background(), "telegram", "42", "???")
	require.NoError(t, err)
	assert.Equal(t, "Perdón, me colgué. Decime de nuevo?", reply.Text)

	conv := repo.conversation(t, "telegram", "42")
	assert.Equal(t, store.StatusActive, conv.Status)
	assert.Equal(t, "{}", conv.CollectedData)
}

func TestHandleMessage_ProviderErrorKeepsUserTurn(t *testing.T) {
	repo := newFakeRepo()
	provider := &scriptedProvider{err: fmt.Errorf("rate limited")}
	svc := newTestService(repo, provider, &fakeNotifier{})

	_, err := svc.HandleMessage(context.Background(), "telegram", "42", "hola")
	require.Error(t, err)

	// The user's turn is already persisted so a retry replays it as history.
	conv := repo.conversation(t, "telegram", "42")
	msgs, err := repo.RecentMessages(context.Background(), conv.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, store.StatusActive, conv.Status)
}

func TestStartConversation(t *testing.T) {
	repo := newFakeRepo()
	provider := &scriptedProvider{replies: []string{
		`{"message": "Hola! Soy el asistente de YaTurno. Cómo se llama tu negocio?", "extractedData": {}, "isComplete": false}`,
	}}
	svc := newTestService(repo, provider, &fakeNotifier{})

	greeting, err := svc.StartConversation(context.Background(), "telegram", "42", store.CreateAttrs{DisplayName: "Caro"})
	require.NoError(t, err)
	assert.Contains(t, greeting, "Hola!")

	conv := repo.conversation(t, "telegram", "42")
	assert.Equal(t, "Caro", conv.DisplayName)

	// The greeting is the first assistant turn on record.
	msgs, err := repo.RecentMessages(context.Background(), conv.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "assistant", msgs[0].Role)
	assert.Equal(t, greeting, msgs[0].Content)
}

func TestStartConversation_RestartsCompleted(t *testing.T) {
	repo := newFakeRepo()
	provider := &scriptedProvider{replies: []string{
		`{"message": "Arranquemos de nuevo!", "extractedData": {}, "isComplete": false}`,
	}}
	svc := newTestService(repo, provider, &fakeNotifier{})
	ctx := context.Background()

	conv, err := repo.GetOrCreate(ctx, "telegram", "42", store.CreateAttrs{})
	require.NoError(t, err)
	require.NoError(t, repo.UpdateData(ctx, conv.ID, `{"business_name":"Viejo"}`, store.StatusCompleted))
	require.NoError(t, repo.AppendMessage(ctx, conv.ID, "user", "viejo mensaje"))

	_, err = svc.StartConversation(ctx, "telegram", "42", store.CreateAttrs{})
	require.NoError(t, err)

	fresh := repo.conversation(t, "telegram", "42")
	assert.Equal(t, store.StatusActive, fresh.Status)
	assert.Equal(t, "{}", fresh.CollectedData)

	msgs, err := repo.RecentMessages(ctx, fresh.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "assistant", msgs[0].Role)
}

func TestResetConversation_AlwaysWipes(t *testing.T) {
	repo := newFakeRepo()
	provider := &scriptedProvider{replies: []string{
		`{"message": "De cero entonces!", "extractedData": {}, "isComplete": false}`,
	}}
	svc := newTestService(repo, provider, &fakeNotifier{})
	ctx := context.Background()

	conv, err := repo.GetOrCreate(ctx, "telegram", "42", store.CreateAttrs{})
	require.NoError(t, err)
	require.NoError(t, repo.UpdateData(ctx, conv.ID, `{"business_name":"Algo"}`))

	greeting, err := svc.ResetConversation(ctx, "telegram", "42")
	require.NoError(t, err)
	assert.Equal(t, "De cero entonces!", greeting)
	assert.Equal(t, "{}", repo.conversation(t, "telegram", "42").CollectedData)
}

func TestHandleMessage_SerializesPerConversation(t *testing.T) {
	repo := newFakeRepo()
	provider := &scriptedProvider{}
	svc := newTestService(repo, provider, &fakeNotifier{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := svc.HandleMessage(ctx, "telegram", "42", fmt.Sprintf("mensaje %d", n))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	conv := repo.conversation(t, "telegram", "42")
	msgs, err := repo.RecentMessages(ctx, conv.ID, 100)
	require.NoError(t, err)

	// 10 user turns and 10 assistant turns, strictly alternating because
	// turns for one conversation never interleave.
	require.Len(t, msgs, 20)
	for i, msg := range msgs {
		want := "user"
		if i%2 == 1 {
			want = "assistant"
		}
		assert.Equal(t, want, msg.Role, "message %d", i)
	}
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	var km keyedMutex

	unlockA := km.lock("a")
	done := make(chan struct{})
	go func() {
		unlockB := km.lock("b")
		unlockB()
		close(done)
	}()
	<-done // "b" must not block behind "a"
	unlockA()

	km.mu.Lock()
	assert.Empty(t, km.entries, "entries should be reclaimed after release")
	km.mu.Unlock()
}
