// Package webclient is the concrete HTTP+HTML-scraping implementation of
// marketplace.Client, grounded on the teacher's internal/market/alpaca
// provider: a struct wrapping the transport, a var _ Interface = (*T)(nil)
// assertion, and one method per interface operation translating upstream
// wire shapes into the generic domain models.
package webclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"

	"github.com/kassian/sellagent/internal/marketplace"
	"github.com/kassian/sellagent/internal/models"
)

// Client is the concrete webclient.Client. It is safe for concurrent use:
// the exchange-rate cache and CSRF token are guarded by mu.
type Client struct {
	httpClient *http.Client
	baseURL    string
	userAgent  string

	mu        sync.Mutex
	goldenKey string
	csrfToken string

	rateCache map[string]rateCacheEntry
}

var _ marketplace.Client = (*Client)(nil)

type rateCacheEntry struct {
	rate      float64
	accCur    models.Currency
	expiresAt time.Time
}

// New builds a webclient.Client. proxyURL may be empty.
func New(baseURL, userAgent, goldenKey, proxyURL string) (*Client, error) {
	transport := &http.Transport{}
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("webclient: bad proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(u)
	}

	return &Client{
		httpClient: &http.Client{Transport: transport, Timeout: 30 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		userAgent:  userAgent,
		goldenKey:  goldenKey,
		rateCache:  make(map[string]rateCacheEntry),
	}, nil
}

func (c *Client) newRequest(method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	c.mu.Lock()
	req.AddCookie(&http.Cookie{Name: "golden_key", Value: c.goldenKey})
	c.mu.Unlock()
	return req, nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &marketplace.ErrNetwork{Cause: err}
	}
	return resp, nil
}

// Get refreshes the session cookie + CSRF token. Idempotent.
func (c *Client) Get(updateSession bool) error {
	req, err := c.newRequest(http.MethodGet, "/", nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &marketplace.ErrUnauthorized{Op: "get"}
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return &marketplace.ErrRequestFailed{Status: resp.StatusCode, Body: string(body)}
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err == nil {
		if token, ok := doc.Find(`input[name="csrf_token"]`).Attr("value"); ok {
			c.mu.Lock()
			c.csrfToken = token
			c.mu.Unlock()
		}
	}
	return nil
}

// GetUser parses the public profile page at /users/<uid>/.
func (c *Client) GetUser(uid string) (*models.Profile, error) {
	req, err := c.newRequest(http.MethodGet, "/users/"+uid+"/", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &marketplace.ErrRequestFailed{Status: resp.StatusCode, Body: string(body)}
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, &marketplace.ErrRequestFailed{Status: resp.StatusCode, Body: err.Error()}
	}

	profile := &models.Profile{FetchedAt: time.Now()}
	pos := 0
	doc.Find(".offer-list[data-category]").Each(func(_ int, s *goquery.Selection) {
		catID, _ := s.Attr("data-category")
		name := strings.TrimSpace(s.Find(".offer-list-title a").First().Text())
		cat := &models.Category{ID: catID, Name: name, Position: pos}
		pos++

		sub := &models.Subcategory{ID: catID, Name: name, Type: models.SubcategoryCommon, Lots: make(map[string]*models.Lot)}
		s.Find("a.tc-item").Each(func(_ int, li *goquery.Selection) {
			lotID, _ := li.Attr("data-offer")
			title := strings.TrimSpace(li.Find(".tc-desc-text").First().Text())
			sub.Lots[lotID] = &models.Lot{ID: lotID, Title: title, SubcategoryID: catID, SubcategoryType: models.SubcategoryCommon, Active: true}
		})
		cat.Subcategories = append(cat.Subcategories, sub)
		profile.Categories = append(profile.Categories, cat)
	})

	return profile, nil
}

// GetSales is paginated.
func (c *Client) GetSales(cursor string) (*marketplace.SalesPage, error) {
	path := "/orders/trade"
	if cursor != "" {
		path += "?" + url.Values{"next": {cursor}}.Encode()
	}
	req, err := c.newRequest(http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &marketplace.ErrRequestFailed{Status: resp.StatusCode, Body: string(body)}
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, &marketplace.ErrRequestFailed{Status: resp.StatusCode, Body: err.Error()}
	}

	page := &marketplace.SalesPage{
		OwnBuyerStats:  make(map[string]int),
		OwnSellerStats: make(map[string]int),
	}

	doc.Find("a.tc-item[data-order]").Each(func(_ int, s *goquery.Selection) {
		id, _ := s.Attr("data-order")
		priceText := strings.TrimSpace(s.Find(".tc-price").Text())
		price, cur := parsePrice(priceText)
		page.Orders = append(page.Orders, models.OrderShortcut{
			ID:          id,
			Description: strings.TrimSpace(s.Find(".tc-item-name").Text()),
			Price:       price,
			Currency:    cur,
			Status:      models.OrderPaid,
			Amount:      1,
		})
	})

	if next, ok := doc.Find("[data-next-cursor]").Attr("data-next-cursor"); ok {
		page.NextCursor = next
	}

	return page, nil
}

func parsePrice(text string) (decimal.Decimal, models.Currency) {
	text = strings.TrimSpace(text)
	cur := models.CurrencyUnknown
	switch {
	case strings.Contains(text, "₽"):
		cur = models.CurrencyRUB
	case strings.Contains(text, "$"):
		cur = models.CurrencyUSD
	case strings.Contains(text, "€"):
		cur = models.CurrencyEUR
	}
	numeric := regexp.MustCompile(`[^\d.,]`).ReplaceAllString(text, "")
	numeric = strings.Replace(numeric, ",", ".", 1)
	d, err := decimal.NewFromString(numeric)
	if err != nil {
		return decimal.Zero, cur
	}
	return d, cur
}

// GetChatHistories batch-fetches message history. The upstream endpoint
// accepts a comma-joined chat-id list per call; results are filtered by the
// caller (internal/runner) to ids greater than its own from_id cursor, but we
// still parse ascending-by-id here since that is a wire-shape concern.
func (c *Client) GetChatHistories(chatNames map[int64]string, interlocutorIDs []int64) (map[int64][]models.Message, error) {
	out := make(map[int64][]models.Message, len(chatNames))
	if len(chatNames) == 0 {
		return out, nil
	}

	ids := make([]string, 0, len(chatNames))
	for id := range chatNames {
		ids = append(ids, strconv.FormatInt(id, 10))
	}

	form := url.Values{"chat_ids": {strings.Join(ids, ",")}}
	req, err := c.newRequest(http.MethodPost, "/chat/history", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &marketplace.ErrRequestFailed{Status: resp.StatusCode, Body: string(body)}
	}

	var wire map[string][]struct {
		ID       int64  `json:"id"`
		AuthorID int64  `json:"author_id"`
		Author   string `json:"author"`
		Text     string `json:"text"`
		Badge    string `json:"badge"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, &marketplace.ErrRequestFailed{Status: resp.StatusCode, Body: err.Error()}
	}

	for idStr, msgs := range wire {
		chatID, _ := strconv.ParseInt(idStr, 10, 64)
		list := make([]models.Message, 0, len(msgs))
		for _, m := range msgs {
			list = append(list, models.Message{
				ID:       m.ID,
				ChatID:   chatID,
				ChatName: chatNames[chatID],
				AuthorID: m.AuthorID,
				Author:   m.Author,
				Text:     m.Text,
				Badge:    m.Badge,
				Type:     models.MsgNonSystem,
			})
		}
		sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
		out[chatID] = list
	}
	return out, nil
}

const refreshMarker = "refresh the page" // matched case-insensitively against several locales

func looksLikeRefreshPrompt(body string) bool {
	lower := strings.ToLower(body)
	return strings.Contains(lower, refreshMarker) || strings.Contains(lower, "обновите страницу")
}

// SendMessage posts one message, retrying exactly once after a session
// refresh if the upstream demands it.
func (c *Client) SendMessage(chatID int64, text string, chatName string, interlocutorID int64, imageID string, leaveAsUnread bool) (*models.Message, error) {
	return c.send(chatID, text, imageID, false)
}

// SendImage has the same retry contract as SendMessage.
func (c *Client) SendImage(chatID int64, imageID string, chatName string, interlocutorID int64, leaveAsUnread bool) (*models.Message, error) {
	return c.send(chatID, "", imageID, true)
}

func (c *Client) send(chatID int64, text, imageID string, isImage bool) (*models.Message, error) {
	msg, err := c.sendOnce(chatID, text, imageID)
	if err == nil {
		return msg, nil
	}

	if rf, ok := asRequestFailed(err); ok && rf.Status == http.StatusBadRequest && looksLikeRefreshPrompt(rf.Body) {
		if refreshErr := c.Get(true); refreshErr != nil {
			return nil, refreshErr
		}
		return c.sendOnce(chatID, text, imageID)
	}
	return nil, err
}

func asRequestFailed(err error) (*marketplace.ErrRequestFailed, bool) {
	rf, ok := err.(*marketplace.ErrRequestFailed)
	return rf, ok
}

func (c *Client) sendOnce(chatID int64, text, imageID string) (*models.Message, error) {
	form := url.Values{
		"chat_id": {strconv.FormatInt(chatID, 10)},
		"content": {text},
	}
	if imageID != "" {
		form.Set("image_id", imageID)
	}
	c.mu.Lock()
	form.Set("csrf_token", c.csrfToken)
	c.mu.Unlock()

	req, err := c.newRequest(http.MethodPost, "/chat/send", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &marketplace.ErrUnauthorized{Op: "send_message"}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &marketplace.ErrRequestFailed{Status: resp.StatusCode, Body: string(body)}
	}

	return &models.Message{ChatID: chatID, Text: text, ImageRef: imageID}, nil
}

// RaiseLots requests a raise; wait-time cooldowns are parsed from the body
// via marketplace.ParseWaitTime.
func (c *Client) RaiseLots(categoryID string, subcategoryIDs []string) error {
	form := url.Values{"category_id": {categoryID}}
	for _, id := range subcategoryIDs {
		form.Add("subcategory[]", id)
	}
	c.mu.Lock()
	form.Set("csrf_token", c.csrfToken)
	c.mu.Unlock()

	req, err := c.newRequest(http.MethodPost, "/lots/raise", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &marketplace.ErrUnauthorized{Op: "raise_lots"}
	}
	if resp.StatusCode != http.StatusOK {
		msg := string(body)
		if looksLikeWaitResponse(msg) {
			return &marketplace.ErrRaise{WaitTime: marketplace.ParseWaitTime(msg), ErrorMessage: msg}
		}
		return &marketplace.ErrRequestFailed{Status: resp.StatusCode, Body: msg}
	}
	return nil
}

func looksLikeWaitResponse(body string) bool {
	lower := strings.ToLower(body)
	return strings.Contains(lower, "wait") || strings.Contains(lower, "подожд")
}

// GetBalance samples a lot id to read seller balance.
func (c *Client) GetBalance(sampleLotID string) (*models.Balance, error) {
	req, err := c.newRequest(http.MethodGet, "/lots/"+sampleLotID+"/proplatezh", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &marketplace.ErrRequestFailed{Status: resp.StatusCode, Body: string(body)}
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, &marketplace.ErrRequestFailed{Status: resp.StatusCode, Body: err.Error()}
	}

	bal := &models.Balance{}
	doc.Find(".balances-value").Each(func(_ int, s *goquery.Selection) {
		val, cur := parsePrice(s.Text())
		switch cur {
		case models.CurrencyRUB:
			bal.TotalRUB = val
			bal.AvailableRUB = val
		case models.CurrencyUSD:
			bal.TotalUSD = val
			bal.AvailableUSD = val
		case models.CurrencyEUR:
			bal.TotalEUR = val
			bal.AvailableEUR = val
		}
	})
	return bal, nil
}

// GetExchangeRate implements the two-probe reconciliation the original
// source's cortex.get_exchange_rate performs: the account's displayed
// currency can silently flip between calls, so we sample balance twice and
// only trust the rate when both probes agree, then cache per-pair for >= 60s.
func (c *Client) GetExchangeRate(target models.Currency) (float64, models.Currency, error) {
	key := string(target)

	c.mu.Lock()
	if entry, ok := c.rateCache[key]; ok && time.Now().Before(entry.expiresAt) {
		c.mu.Unlock()
		return entry.rate, entry.accCur, nil
	}
	c.mu.Unlock()

	bal1, accCur1, err := c.probeRate(target)
	if err != nil {
		return 0, models.CurrencyUnknown, err
	}
	bal2, accCur2, err := c.probeRate(target)
	if err != nil {
		return 0, models.CurrencyUnknown, err
	}
	if accCur1 != accCur2 {
		// Account currency flipped mid-reconcile: one more probe, trust the
		// majority of the three if it forms one, otherwise surface the
		// third reading (most recent observation wins).
		bal3, accCur3, err := c.probeRate(target)
		if err != nil {
			return 0, models.CurrencyUnknown, err
		}
		if accCur3 == accCur2 {
			bal1, accCur1 = bal2, accCur3
		} else {
			bal1, accCur1 = bal3, accCur3
		}
	}

	c.mu.Lock()
	c.rateCache[key] = rateCacheEntry{rate: bal1, accCur: accCur1, expiresAt: time.Now().Add(60 * time.Second)}
	c.mu.Unlock()

	return bal1, accCur1, nil
}

func (c *Client) probeRate(target models.Currency) (float64, models.Currency, error) {
	bal, err := c.GetBalance("0")
	if err != nil {
		return 0, models.CurrencyUnknown, err
	}
	switch target {
	case models.CurrencyUSD:
		if !bal.TotalUSD.IsZero() {
			return bal.TotalUSD.InexactFloat64(), models.CurrencyUSD, nil
		}
	case models.CurrencyEUR:
		if !bal.TotalEUR.IsZero() {
			return bal.TotalEUR.InexactFloat64(), models.CurrencyEUR, nil
		}
	}
	return 1.0, models.CurrencyRUB, nil
}

// Refund may succeed after the caller's own retries; this call itself is a
// single attempt.
func (c *Client) Refund(orderID string) error {
	form := url.Values{"order_id": {orderID}}
	c.mu.Lock()
	form.Set("csrf_token", c.csrfToken)
	c.mu.Unlock()

	req, err := c.newRequest(http.MethodPost, "/orders/refund", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &marketplace.ErrUnauthorized{Op: "refund"}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &marketplace.ErrRequestFailed{Status: resp.StatusCode, Body: string(body)}
	}
	return nil
}

// GetLotFields/SaveLot round-trip the opaque fields bag.
func (c *Client) GetLotFields(lotID string) (marketplace.FieldsBag, error) {
	req, err := c.newRequest(http.MethodGet, "/lots/offerEdit?offer="+lotID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &marketplace.ErrRequestFailed{Status: resp.StatusCode, Body: string(body)}
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, &marketplace.ErrRequestFailed{Status: resp.StatusCode, Body: err.Error()}
	}

	bag := make(marketplace.FieldsBag)
	doc.Find("input[name], select[name], textarea[name]").Each(func(_ int, s *goquery.Selection) {
		name, _ := s.Attr("name")
		val, _ := s.Attr("value")
		bag[name] = val
	})
	bag["offer_id"] = lotID
	return bag, nil
}

func (c *Client) SaveLot(bag marketplace.FieldsBag) error {
	form := url.Values{}
	for k, v := range bag {
		form.Set(k, v)
	}
	c.mu.Lock()
	form.Set("csrf_token", c.csrfToken)
	c.mu.Unlock()

	req, err := c.newRequest(http.MethodPost, "/lots/offerSave", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &marketplace.ErrUnauthorized{Op: "save_lot"}
	}
	if resp.StatusCode != http.StatusOK {
		if fields := extractRejectedFields(string(body)); len(fields) > 0 {
			return &marketplace.ErrLotSaving{Fields: fields}
		}
		return &marketplace.ErrRequestFailed{Status: resp.StatusCode, Body: string(body)}
	}
	return nil
}

var fieldErrorRe = regexp.MustCompile(`"field"\s*:\s*"([a-zA-Z_]+)"`)

func extractRejectedFields(body string) []string {
	matches := fieldErrorRe.FindAllStringSubmatch(body, -1)
	fields := make([]string, 0, len(matches))
	for _, m := range matches {
		fields = append(fields, m[1])
	}
	return fields
}

// UploadImage uploads local bytes and returns an upstream image id.
func (c *Client) UploadImage(data []byte, filename string) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	w.Close()

	req, err := c.newRequest(http.MethodPost, "/file/addChatImage", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", &marketplace.ErrRequestFailed{Status: resp.StatusCode, Body: string(body)}
	}

	var wire struct {
		ImageID string `json:"fileId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return "", &marketplace.ErrRequestFailed{Status: resp.StatusCode, Body: err.Error()}
	}
	return wire.ImageID, nil
}

// Poll submits one long-poll cycle's interest set.
func (c *Client) Poll(objects []marketplace.PollRequestObject) ([]marketplace.PollResponseObject, error) {
	type wireObj struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Tag  string `json:"tag"`
		Data string `json:"data,omitempty"`
	}
	wire := make([]wireObj, 0, len(objects))
	for _, o := range objects {
		wire = append(wire, wireObj{Type: o.Type, Tag: o.Tag, Data: o.Data})
	}
	encoded, err := json.Marshal(wire)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	csrf := c.csrfToken
	c.mu.Unlock()

	form := url.Values{"objects": {string(encoded)}, "csrf_token": {csrf}}
	req, err := c.newRequest(http.MethodPost, "/runner/", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &marketplace.ErrUnauthorized{Op: "poll"}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &marketplace.ErrRequestFailed{Status: resp.StatusCode, Body: string(body)}
	}

	var parsed struct {
		Objects []wireObj `json:"objects"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &marketplace.ErrRequestFailed{Status: resp.StatusCode, Body: err.Error()}
	}

	out := make([]marketplace.PollResponseObject, 0, len(parsed.Objects))
	for _, o := range parsed.Objects {
		out = append(out, marketplace.PollResponseObject{Type: o.Type, Tag: o.Tag, Data: o.Data})
	}
	return out, nil
}
