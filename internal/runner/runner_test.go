package runner

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kassian/sellagent/internal/marketplace"
	"github.com/kassian/sellagent/internal/models"
)

// mockClient implements marketplace.Client for testing. Only the methods the
// runner actually calls are wired up; everything else returns zero values.
type mockClient struct {
	pollResponses [][]marketplace.PollResponseObject
	pollCall      int
	pollErr       error

	sales      map[string][]models.OrderShortcut // cursor -> page
	histories  map[int64][]models.Message
}

func (m *mockClient) Get(updateSession bool) error { return nil }
func (m *mockClient) GetUser(uid string) (*models.Profile, error) { return nil, nil }

func (m *mockClient) GetSales(cursor string) (*marketplace.SalesPage, error) {
	orders := m.sales[cursor]
	return &marketplace.SalesPage{Orders: orders}, nil
}

func (m *mockClient) GetChatHistories(chatNames map[int64]string, interlocutorIDs []int64) (map[int64][]models.Message, error) {
	result := make(map[int64][]models.Message)
	for id := range chatNames {
		result[id] = m.histories[id]
	}
	return result, nil
}

func (m *mockClient) SendMessage(chatID int64, text string, chatName string, interlocutorID int64, imageID string, leaveAsUnread bool) (*models.Message, error) {
	return nil, nil
}
func (m *mockClient) SendImage(chatID int64, imageID string, chatName string, interlocutorID int64, leaveAsUnread bool) (*models.Message, error) {
	return nil, nil
}
func (m *mockClient) RaiseLots(categoryID string, subcategoryIDs []string) error { return nil }
func (m *mockClient) GetBalance(sampleLotID string) (*models.Balance, error)     { return nil, nil }
func (m *mockClient) GetExchangeRate(target models.Currency) (float64, models.Currency, error) {
	return 0, models.CurrencyUnknown, nil
}
func (m *mockClient) Refund(orderID string) error                             { return nil }
func (m *mockClient) GetLotFields(lotID string) (marketplace.FieldsBag, error) { return nil, nil }
func (m *mockClient) SaveLot(bag marketplace.FieldsBag) error                  { return nil }
func (m *mockClient) UploadImage(data []byte, filename string) (string, error) { return "", nil }

func (m *mockClient) Poll(objects []marketplace.PollRequestObject) ([]marketplace.PollResponseObject, error) {
	if m.pollErr != nil {
		return nil, m.pollErr
	}
	if m.pollCall >= len(m.pollResponses) {
		return nil, fmt.Errorf("mockClient: no more poll responses queued")
	}
	resp := m.pollResponses[m.pollCall]
	m.pollCall++
	return resp, nil
}

var _ marketplace.Client = (*mockClient)(nil)

func bookmarksHTML(chatID int64, name, text string, nodeMsg, userMsg int64) string {
	return fmt.Sprintf(
		`<a class="contact-item" data-id="%d" data-node-msg="%d" data-user-msg="%d">`+
			`<div class="media-user-name">%s</div>`+
			`<div class="contact-item-message">%s</div></a>`,
		chatID, nodeMsg, userMsg, name, text)
}

func TestRunOnce_FirstCycleEmitsInitialChatAndSeedsCursor(t *testing.T) {
	// Setup
	client := &mockClient{
		pollResponses: [][]marketplace.PollResponseObject{
			{
				{Type: "orders_counters", Tag: "t1", Data: `{"buyer":0,"seller":0}`},
				{Type: "chat_bookmarks", Tag: "t2", Data: bookmarksHTML(100, "Alice", "hello", 5, 5)},
			},
		},
	}
	r := New(client)

	// Execute
	events, err := r.RunOnce()

	// Verify
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(events) != 1 || events[0].Kind != KindInitialChat {
		t.Fatalf("expected exactly one InitialChat event, got %+v", events)
	}
	if events[0].Chat.ChatID != 100 {
		t.Errorf("unexpected chat id: %+v", events[0].Chat)
	}
}

func TestRunOnce_DuplicateNodeMsgIsSkipped(t *testing.T) {
	// P1: the same node_msg_id observed twice across cycles produces no
	// duplicate event for that chat.
	// Setup
	client := &mockClient{
		pollResponses: [][]marketplace.PollResponseObject{
			{
				{Type: "orders_counters", Tag: "t1", Data: `{}`},
				{Type: "chat_bookmarks", Tag: "t2", Data: bookmarksHTML(100, "Alice", "hello", 5, 5)},
			},
			{
				{Type: "orders_counters", Tag: "t1", Data: `{}`},
				{Type: "chat_bookmarks", Tag: "t3", Data: bookmarksHTML(100, "Alice", "hello", 5, 5)},
			},
		},
	}
	r := New(client)

	// Execute
	if _, err := r.RunOnce(); err != nil {
		t.Fatalf("first RunOnce: %v", err)
	}
	events, err := r.RunOnce()

	// Verify
	if err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}
	// The orders_counters object still yields OrdersListChanged on every
	// non-first cycle; no chat-derived event may appear.
	for _, e := range events {
		if e.Kind != KindOrdersListChanged {
			t.Fatalf("expected no chat events for an unchanged node_msg_id, got %+v", events)
		}
	}
}

func TestRunOnce_AdvancedNodeMsgEmitsLastChatMessageChangedAndFetchesHistory(t *testing.T) {
	// Setup
	client := &mockClient{
		pollResponses: [][]marketplace.PollResponseObject{
			{
				{Type: "orders_counters", Tag: "t1", Data: `{}`},
				{Type: "chat_bookmarks", Tag: "t2", Data: bookmarksHTML(100, "Alice", "hello", 5, 5)},
			},
			{
				{Type: "orders_counters", Tag: "t1", Data: `{}`},
				{Type: "chat_bookmarks", Tag: "t3", Data: bookmarksHTML(100, "Alice", "new msg", 6, 6)},
			},
		},
		histories: map[int64][]models.Message{
			100: {{ID: 6, ChatID: 100, Text: "new msg"}},
		},
	}
	r := New(client)

	// Execute
	if _, err := r.RunOnce(); err != nil {
		t.Fatalf("first RunOnce: %v", err)
	}
	events, err := r.RunOnce()

	// Verify
	if err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}
	var kinds []string
	for _, e := range events {
		kinds = append(kinds, e.Kind.String())
	}
	joined := strings.Join(kinds, ",")
	if !strings.Contains(joined, "ChatsListChanged") || !strings.Contains(joined, "LastChatMessageChanged") || !strings.Contains(joined, "NewMessage") {
		t.Fatalf("expected ChatsListChanged + LastChatMessageChanged + NewMessage, got %s", joined)
	}
}

func TestRunOnce_OrderStatusChangeEmitsOrderStatusChanged(t *testing.T) {
	// Setup
	order1 := models.OrderShortcut{ID: "ABCD1234", Status: models.OrderPaid, Price: decimal.NewFromInt(100)}
	order2 := order1
	order2.Status = models.OrderClosed

	client := &mockClient{
		pollResponses: [][]marketplace.PollResponseObject{
			{{Type: "orders_counters", Tag: "t1", Data: `{}`}},
			{{Type: "orders_counters", Tag: "t1", Data: `{"buyer":1,"seller":1}`}},
		},
		sales: map[string][]models.OrderShortcut{
			"": {order1},
		},
	}
	r := New(client)

	// Execute: first cycle seeds saved_orders (InitialOrder, no status-changed compare)
	if _, err := r.RunOnce(); err != nil {
		t.Fatalf("first RunOnce: %v", err)
	}
	client.sales[""] = []models.OrderShortcut{order2}
	events, err := r.RunOnce()

	// Verify
	if err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}
	found := false
	for _, e := range events {
		if e.Kind == KindOrderStatusChanged && e.Order.ID == "ABCD1234" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an OrderStatusChanged event, got %+v", events)
	}
}

func TestParseChatUpdates_StripsByBotMarker(t *testing.T) {
	// Setup
	client := &mockClient{}
	r := New(client)
	obj := &marketplace.PollResponseObject{
		Type: "chat_bookmarks",
		Tag:  "t1",
		Data: bookmarksHTML(100, "Alice", r.BotCharacter+"auto reply text", 1, 1),
	}

	// Execute
	events := r.parseChatUpdates(obj)

	// Verify
	if len(events) != 1 {
		t.Fatalf("expected 1 InitialChat event, got %+v", events)
	}
	if events[0].Chat.LastMessageText != "auto reply text" {
		t.Errorf("expected bot marker stripped, got %q", events[0].Chat.LastMessageText)
	}
}

func TestMarkAsByBot_ClassifiesEchoedMessage(t *testing.T) {
	// Setup
	client := &mockClient{
		pollResponses: [][]marketplace.PollResponseObject{
			{{Type: "chat_bookmarks", Tag: "t1", Data: bookmarksHTML(100, "Alice", "hi", 1, 1)}},
			{{Type: "chat_bookmarks", Tag: "t2", Data: bookmarksHTML(100, "Alice", "echo", 2, 2)}},
		},
		histories: map[int64][]models.Message{
			100: {{ID: 2, ChatID: 100, Text: "echo"}},
		},
	}
	r := New(client)
	r.MakeOrderRequests = false
	r.MarkAsByBot(100, 2)

	// Execute
	if _, err := r.RunOnce(); err != nil {
		t.Fatalf("first RunOnce: %v", err)
	}
	events, err := r.RunOnce()

	// Verify
	if err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}
	var msg *models.Message
	for _, e := range events {
		if e.Kind == KindNewMessage {
			msg = e.Message
		}
	}
	if msg == nil {
		t.Fatal("expected a NewMessage event")
	}
	if !msg.ByBot {
		t.Error("expected message echoed back after MarkAsByBot to be classified ByBot")
	}
}

// fakeDegraded mirrors internal/supervisor.Supervisor.EnterDegraded's real
// effect of pausing the runner, so the test doesn't busy-loop.
type fakeDegraded struct {
	runner  *Runner
	reasons []string
}

func (f *fakeDegraded) EnterDegraded(reason string) {
	f.reasons = append(f.reasons, reason)
	f.runner.Pause()
}

// A runner starts paused and must not poll until Resume is called (§2:
// "once healthy, G starts B, E" — the supervisor gates startup).
func TestRun_StaysPausedUntilResumed(t *testing.T) {
	// Setup
	client := &mockClient{
		pollResponses: [][]marketplace.PollResponseObject{
			{{Type: "chat_bookmarks", Tag: "t1", Data: ""}},
		},
	}
	r := New(client)
	r.MakeOrderRequests = false
	stop := make(chan struct{})
	out := make(chan *Event, 8)

	// Execute
	done := make(chan struct{})
	go func() {
		r.Run(stop, out, 0.1)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	close(stop)
	<-done

	// Verify
	if client.pollCall != 0 {
		t.Fatalf("expected no poll calls while paused, got %d", client.pollCall)
	}
}

// S5: a poll cycle that exhausts its retries with a network-shaped failure
// must report degraded("proxy-blocked") instead of exiting the loop.
func TestRun_PersistentNetworkErrorEntersDegraded(t *testing.T) {
	// Setup
	client := &mockClient{pollErr: &marketplace.ErrNetwork{}}
	r := New(client)
	r.MaxPollRetries = 1
	degraded := &fakeDegraded{runner: r}
	r.Degraded = degraded
	r.Resume()
	stop := make(chan struct{})
	out := make(chan *Event, 8)

	// Execute
	done := make(chan struct{})
	go func() {
		r.Run(stop, out, 0.01)
		close(done)
	}()
	time.Sleep(200 * time.Millisecond)
	close(stop)
	<-done

	// Verify
	found := false
	for _, reason := range degraded.reasons {
		if reason == "proxy-blocked" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected EnterDegraded(\"proxy-blocked\"), got %v", degraded.reasons)
	}
}
