package handlers

import (
	"strings"
	"time"

	"github.com/kassian/sellagent/internal/classify"
	"github.com/kassian/sellagent/internal/dispatch"
	"github.com/kassian/sellagent/internal/expand"
	"github.com/kassian/sellagent/internal/models"
	"github.com/kassian/sellagent/internal/runner"
)

const reviewResolutionTTL = 3600 * time.Second

// ReviewProcessor replies to a buyer's review with the configured per-star
// text, per §4.D. It dedupes by order id within reviewResolutionTTL so a
// FEEDBACK_CHANGED event immediately following NEW_FEEDBACK doesn't double-reply.
func (c *Core) ReviewProcessor(pool *dispatch.Pool, ev *runner.Event) error {
	if ev.Kind != runner.KindNewMessage || ev.Message == nil {
		return nil
	}
	msg := ev.Message
	if msg.Type != models.MsgNewFeedback && msg.Type != models.MsgFeedbackChanged {
		return nil
	}
	if msg.AuthorID == 0 {
		return nil
	}

	orderID := classify.ExtractOrderID(msg.Text)
	if orderID == "" {
		return nil
	}

	if c.recentlyResolved(orderID) {
		return nil
	}

	order, ok := c.lookupOrder(orderID)
	if !ok || order.Review == nil {
		return nil
	}
	stars := order.Review.Stars
	if stars < 1 || stars > 5 || !c.Config.StarReply[stars] {
		return nil
	}
	text := c.Config.StarReplyText[stars]
	if text == "" {
		return nil
	}
	text = formatReviewReply(text)

	pool.Submit(func() {
		var err error
		for attempt := 0; attempt < 3; attempt++ {
			if attempt > 0 {
				time.Sleep(3 * time.Second)
			}
			vars := expand.Vars{
				Username:   order.BuyerUsername,
				OrderID:    orderID,
				OrderTitle: order.Description,
				OrderDesc:  order.Description,
				Category:   order.SubcategoryName,
			}
			if err = c.sendExpanded(msg.ChatID, msg.ChatName, msg.InterlocutorID, false, text, vars); err == nil {
				return
			}
		}
		c.Notifier.Notify("critical", "review reply failed for order "+orderID+" after 3 attempts: "+err.Error())
	})
	return nil
}

func (c *Core) recentlyResolved(orderID string) bool {
	c.reviewMu.Lock()
	defer c.reviewMu.Unlock()
	if t, ok := c.reviewCache[orderID]; ok && time.Since(t) < reviewResolutionTTL {
		return true
	}
	c.reviewCache[orderID] = time.Now()
	return false
}

// formatReviewReply truncates to 999 chars and reduces the total newline
// count to at most 9 by repeatedly replacing the last "\n" with a space,
// per §4.D.
func formatReviewReply(s string) string {
	r := []rune(s)
	if len(r) > 999 {
		r = r[:999]
	}
	s = string(r)
	for strings.Count(s, "\n") > 9 {
		idx := strings.LastIndex(s, "\n")
		if idx < 0 {
			break
		}
		s = s[:idx] + " " + s[idx+1:]
	}
	return s
}
