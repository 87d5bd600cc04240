package handlers

import (
	"log"
	"strconv"

	"github.com/kassian/sellagent/internal/config"
	"github.com/kassian/sellagent/internal/dispatch"
	"github.com/kassian/sellagent/internal/runner"
)

func itoa64(id int64) string {
	return strconv.FormatInt(id, 10)
}

// Log is the chain's first handler on NewMessage/NewOrder: a terse one-line
// trace, matching the teacher's practice of logging at the dispatcher's
// entry point rather than inside every handler.
func (c *Core) Log(pool *dispatch.Pool, ev *runner.Event) error {
	switch ev.Kind {
	case runner.KindNewMessage:
		if ev.Message != nil {
			log.Printf("chat %d: %s: %s", ev.Message.ChatID, ev.Message.Author, truncate(ev.Message.Text, 120))
		}
	case runner.KindNewOrder:
		if ev.Order != nil {
			log.Printf("new order %s from %s: %s", ev.Order.ID, ev.Order.BuyerUsername, ev.Order.Description)
		}
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

// NotifyNewMessage forwards a chat message to the control-plane unless
// blockNewMessageNotification is set, skipping own messages unless
// includeMyMessages is set and bot messages unless includeBotMessages is set.
// The includeFPMessages and notifyOnly* settings are not applied here.
func (c *Core) NotifyNewMessage(pool *dispatch.Pool, ev *runner.Event) error {
	if ev.Kind != runner.KindNewMessage || ev.Message == nil {
		return nil
	}
	if c.Config.BlockNewMessageNotification {
		return nil
	}
	m := ev.Message
	if m.AuthorID == 0 && !c.Config.IncludeMyMessages {
		return nil
	}
	if m.ByBot && !c.Config.IncludeBotMessages {
		return nil
	}
	pool.Submit(func() {
		c.Notifier.Notify("message", m.Author+" ("+itoa64(m.ChatID)+"): "+m.Text)
	})
	return nil
}

// NotifyCommand alerts the control-plane when an auto-reply rule fires with
// telegramNotification set, using the rule's custom notification text when
// provided.
func (c *Core) NotifyCommand(pool *dispatch.Pool, ev *runner.Event) error {
	if ev.Kind != runner.KindNewMessage || ev.Message == nil || c.Config.BlockCommandNotification {
		return nil
	}
	key := config.NormalizeCommand(ev.Message.Text)
	rule, ok := c.AutoReplyRules[key]
	if !ok || !rule.TelegramNotification {
		return nil
	}
	text := rule.NotificationText
	if text == "" {
		text = ev.Message.Author + " triggered command \"" + key + "\""
	}
	pool.Submit(func() {
		c.Notifier.Notify("command", text)
	})
	return nil
}

// NotifyNewOrder alerts the control-plane of every fresh order, unless
// blocked.
func (c *Core) NotifyNewOrder(pool *dispatch.Pool, ev *runner.Event) error {
	if ev.Kind != runner.KindNewOrder || ev.Order == nil {
		return nil
	}
	o := ev.Order
	c.recordOrder(o)
	if c.Config.BlockNewOrderNotification {
		return nil
	}
	pool.Submit(func() {
		c.Notifier.Notify("order", "order "+o.ID+" from "+o.BuyerUsername+": "+o.Description+" x"+itoa64(int64(o.Amount)))
	})
	return nil
}
