package handlers

import (
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kassian/sellagent/internal/config"
	"github.com/kassian/sellagent/internal/dispatch"
	"github.com/kassian/sellagent/internal/inventory"
	"github.com/kassian/sellagent/internal/marketplace"
	"github.com/kassian/sellagent/internal/models"
	"github.com/kassian/sellagent/internal/runner"
)

// mockClient implements marketplace.Client, recording calls the tests assert on.
type mockClient struct {
	mu sync.Mutex

	sentMessages []string

	saveLotCalls  int32
	saveLotErrOn  int32 // 1-indexed call number that returns an error, 0 = never
	saveLotErr    error
	lotFields     marketplace.FieldsBag

	refundCalls int32

	sendFailUntil int32 // fail the first N SendMessage calls
	sendCalls     int32
}

func (m *mockClient) Get(updateSession bool) error                   { return nil }
func (m *mockClient) GetUser(uid string) (*models.Profile, error)    { return nil, nil }
func (m *mockClient) GetSales(cursor string) (*marketplace.SalesPage, error) {
	return &marketplace.SalesPage{}, nil
}
func (m *mockClient) GetChatHistories(chatNames map[int64]string, interlocutorIDs []int64) (map[int64][]models.Message, error) {
	return nil, nil
}

func (m *mockClient) SendMessage(chatID int64, text string, chatName string, interlocutorID int64, imageID string, leaveAsUnread bool) (*models.Message, error) {
	n := atomic.AddInt32(&m.sendCalls, 1)
	if n <= atomic.LoadInt32(&m.sendFailUntil) {
		return nil, errors.New("mock send failure")
	}
	m.mu.Lock()
	m.sentMessages = append(m.sentMessages, text)
	m.mu.Unlock()
	return &models.Message{ChatID: chatID, Text: text}, nil
}
func (m *mockClient) SendImage(chatID int64, imageID string, chatName string, interlocutorID int64, leaveAsUnread bool) (*models.Message, error) {
	return nil, nil
}
func (m *mockClient) RaiseLots(categoryID string, subcategoryIDs []string) error { return nil }
func (m *mockClient) GetBalance(sampleLotID string) (*models.Balance, error)     { return nil, nil }
func (m *mockClient) GetExchangeRate(target models.Currency) (float64, models.Currency, error) {
	return 0, models.CurrencyUnknown, nil
}
func (m *mockClient) Refund(orderID string) error {
	atomic.AddInt32(&m.refundCalls, 1)
	return nil
}
func (m *mockClient) GetLotFields(lotID string) (marketplace.FieldsBag, error) {
	bag := marketplace.FieldsBag{}
	for k, v := range m.lotFields {
		bag[k] = v
	}
	return bag, nil
}
func (m *mockClient) SaveLot(bag marketplace.FieldsBag) error {
	n := atomic.AddInt32(&m.saveLotCalls, 1)
	if m.saveLotErrOn != 0 && n == m.saveLotErrOn {
		return m.saveLotErr
	}
	return nil
}
func (m *mockClient) UploadImage(data []byte, filename string) (string, error) { return "", nil }
func (m *mockClient) Poll(objects []marketplace.PollRequestObject) ([]marketplace.PollResponseObject, error) {
	return nil, nil
}

var _ marketplace.Client = (*mockClient)(nil)

// recordingNotifier captures every notification for assertion.
type recordingNotifier struct {
	mu    sync.Mutex
	calls []string // "kind: text"
}

func (n *recordingNotifier) Notify(kind, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, kind+": "+text)
}

func (n *recordingNotifier) has(kindPrefix string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, c := range n.calls {
		if len(c) >= len(kindPrefix) && c[:len(kindPrefix)] == kindPrefix {
			return true
		}
	}
	return false
}

func newTestCore(t *testing.T, client *mockClient) (*Core, *recordingNotifier, *dispatch.Pool) {
	t.Helper()
	baseDir := t.TempDir()
	cfg := &config.Config{BaseDir: baseDir}
	inv := inventory.New(baseDir)
	notifier := &recordingNotifier{}
	pool := dispatch.NewPool(4)
	d := dispatch.New(pool)
	core := New(cfg, client, inv, notifier, d)
	core.RegisterAll(d)
	t.Cleanup(pool.Close)
	return core, notifier, pool
}

// Covers the self-start half of S1: one's own reply must not itself trigger
// a greeting, and a repeat incoming message within the cooldown window must
// not re-greet.
func TestGreeting_CooldownGatesRepeatGreetings(t *testing.T) {
	// Setup
	client := &mockClient{}
	core, _, pool := newTestCore(t, client)
	core.Config.SendGreetings = true
	core.Config.GreetingsCooldown = 1
	core.Config.GreetingsText = "Hello, $chat_name!"

	msg1 := &models.Message{ChatID: 100, ChatName: "Alice", AuthorID: 7, Author: "Alice", Text: "hi", Type: models.MsgNonSystem}
	own := &models.Message{ChatID: 100, ChatName: "Alice", AuthorID: 0, Author: "me", Text: "hey"}
	msg2 := &models.Message{ChatID: 100, ChatName: "Alice", AuthorID: 7, Author: "Alice", Text: "hi", Type: models.MsgNonSystem}

	// Execute: first incoming message greets
	core.Greeting(pool, &runner.Event{Kind: runner.KindNewMessage, Message: msg1})
	pool.Close()
	time.Sleep(10 * time.Millisecond)

	// Verify
	client.mu.Lock()
	sentAfterFirst := len(client.sentMessages)
	client.mu.Unlock()
	if sentAfterFirst != 1 {
		t.Fatalf("expected 1 greeting sent, got %d", sentAfterFirst)
	}

	// Own message marks the chat seen but must not greet.
	pool2 := dispatch.NewPool(4)
	core.Greeting(pool2, &runner.Event{Kind: runner.KindNewMessage, Message: own})
	core.Greeting(pool2, &runner.Event{Kind: runner.KindNewMessage, Message: msg2})
	pool2.Close()
	time.Sleep(10 * time.Millisecond)

	client.mu.Lock()
	sentAfterSecond := len(client.sentMessages)
	client.mu.Unlock()
	if sentAfterSecond != sentAfterFirst {
		t.Fatalf("expected no new greeting within cooldown, sent count went from %d to %d", sentAfterFirst, sentAfterSecond)
	}
}

// P4 — concurrent NewMessage events for the same chat greet at most once.
func TestGreeting_ConcurrentEventsGreetAtMostOnce(t *testing.T) {
	// Setup
	client := &mockClient{}
	core, _, _ := newTestCore(t, client)
	core.Config.SendGreetings = true
	core.Config.GreetingsCooldown = 1
	core.Config.GreetingsText = "hi"
	pool := dispatch.NewPool(8)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg := &models.Message{ChatID: 5, ChatName: "Bob", AuthorID: 9, Author: "Bob", Text: "hi", Type: models.MsgNonSystem}
			core.Greeting(pool, &runner.Event{Kind: runner.KindNewMessage, Message: msg})
		}()
	}
	wg.Wait()
	pool.Close()
	time.Sleep(20 * time.Millisecond)

	// Verify
	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.sentMessages) != 1 {
		t.Fatalf("expected exactly 1 greeting under concurrent events, got %d", len(client.sentMessages))
	}
}

// S2 — auto-delivery with multi.
func TestDeliverGoods_MultiDeliveryDrawsAndSubstitutes(t *testing.T) {
	// Setup
	client := &mockClient{}
	core, _, pool := newTestCore(t, client)
	core.Config.AutoDelivery = true
	core.Config.MultiDelivery = true

	invDir := core.Config.BaseDir + "/inventory"
	if err := os.MkdirAll(invDir, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	core.Inventory = inventory.New(invDir)
	if err := os.WriteFile(invDir+"/wow.txt", []byte("A\nB\nC\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	rule := models.AutoDeliveryRule{
		LotTitle:         "Gold, WoW EU",
		Response:         "Your key: $product\nThanks!",
		ProductsFileName: "wow.txt",
	}
	core.AutoDeliveryRules["Gold, WoW EU"] = rule

	ev := &runner.Event{
		Kind: runner.KindNewOrder,
		Order: &models.OrderShortcut{
			ID:              "ABCD1234",
			SubcategoryName: "Gold, WoW EU",
			Amount:          2,
			ChatID:          42,
		},
	}

	// Execute
	if err := core.ClassifyAgainstADCfg(pool, ev); err != nil {
		t.Fatalf("ClassifyAgainstADCfg: %v", err)
	}
	if ev.ADRule == nil {
		t.Fatalf("expected ADRule to be attached")
	}
	if err := core.DeliverGoods(pool, ev); err != nil {
		t.Fatalf("DeliverGoods: %v", err)
	}
	pool.Close()
	time.Sleep(10 * time.Millisecond)

	// Verify
	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.sentMessages) != 1 || client.sentMessages[0] != "Your key: A\nB\nThanks!" {
		t.Fatalf("unexpected sent messages: %v", client.sentMessages)
	}
	remaining, err := core.Inventory.Count("wow.txt")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if remaining != 1 {
		t.Fatalf("expected 1 line remaining in wow.txt, got %d", remaining)
	}
}

// S4 — empty-secrets reactivation.
func TestSaveLotStateWithRetry_EmptySecretsWorkaroundAppliesOnce(t *testing.T) {
	// Setup
	client := &mockClient{
		saveLotErrOn: 1,
		saveLotErr:   &marketplace.ErrLotSaving{Fields: []string{"secrets"}},
	}
	core, notifier, _ := newTestCore(t, client)
	lot := &models.Lot{ID: "L1", Title: "Diamond Sword"}

	// Execute
	ok := core.saveLotStateWithRetry(lot, true)

	// Verify
	if !ok {
		t.Fatalf("expected save to eventually succeed via the empty-secrets workaround")
	}
	if atomic.LoadInt32(&client.saveLotCalls) != 2 {
		t.Fatalf("expected exactly 2 save_lot calls (original + workaround), got %d", client.saveLotCalls)
	}
	_ = notifier
}

// P6 — activation consistency.
func TestReconcileLotStates_DeactivatesOnEmptyStockAndRestoresOnStock(t *testing.T) {
	// Setup
	client := &mockClient{}
	core, notifier, _ := newTestCore(t, client)
	core.Config.AutoDisable = true
	core.Config.AutoRestore = true

	invDir := core.Config.BaseDir + "/inventory"
	os.MkdirAll(invDir, 0755)
	os.WriteFile(invDir+"/empty.txt", []byte(""), 0644)
	os.WriteFile(invDir+"/stocked.txt", []byte("X\n"), 0644)
	core.Inventory = inventory.New(invDir)

	core.AutoDeliveryRules["Out of stock lot"] = models.AutoDeliveryRule{
		LotTitle: "Out of stock lot", ProductsFileName: "empty.txt",
	}
	core.AutoDeliveryRules["Stocked lot"] = models.AutoDeliveryRule{
		LotTitle: "Stocked lot", ProductsFileName: "stocked.txt",
	}

	profile := &models.Profile{
		Categories: []*models.Category{{
			ID: "cat1",
			Subcategories: []*models.Subcategory{{
				ID:   "sub1",
				Type: models.SubcategoryCommon,
				Lots: map[string]*models.Lot{
					"1": {ID: "1", Title: "Out of stock lot", SubcategoryID: "sub1", SubcategoryType: models.SubcategoryCommon, Active: true},
					"2": {ID: "2", Title: "Stocked lot", SubcategoryID: "sub1", SubcategoryType: models.SubcategoryCommon, Active: false},
				},
			}},
		}},
	}

	// Execute
	core.reconcileLotStates(profile)

	// Verify
	if !notifier.has("lot-deactivate") {
		t.Errorf("expected a lot-deactivate notification for the out-of-stock lot")
	}
	if !notifier.has("lot-activate") {
		t.Errorf("expected a lot-activate notification for the restocked lot")
	}
}

// S6 — review auto-reply retry.
func TestReviewProcessor_RetriesBeforeSucceeding(t *testing.T) {
	// Setup
	client := &mockClient{sendFailUntil: 2}
	core, notifier, pool := newTestCore(t, client)
	core.Config.StarReply[5] = true
	core.Config.StarReplyText[5] = "Thanks for the $order_title review!"

	core.recordOrder(&models.OrderShortcut{
		ID:          "DEADBEEF",
		Description: "Diamond Sword",
		Review:      &models.Review{Stars: 5},
	})

	msg := &models.Message{
		ChatID: 10, AuthorID: 3, Author: "buyer1",
		Text: "Покупатель buyer1 написал отзыв к заказу #DEADBEEF.",
		Type: models.MsgNewFeedback,
	}

	// Execute
	if err := core.ReviewProcessor(pool, &runner.Event{Kind: runner.KindNewMessage, Message: msg}); err != nil {
		t.Fatalf("ReviewProcessor: %v", err)
	}
	pool.Close()
	time.Sleep(7 * time.Second)

	// Verify
	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.sentMessages) != 1 {
		t.Fatalf("expected exactly one successful review reply, got %d sends", len(client.sentMessages))
	}
	if notifier.has("critical") {
		t.Errorf("expected no error notification once the third attempt succeeds")
	}
}
