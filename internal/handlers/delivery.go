package handlers

import (
	"strings"
	"time"

	"github.com/kassian/sellagent/internal/dispatch"
	"github.com/kassian/sellagent/internal/expand"
	"github.com/kassian/sellagent/internal/models"
	"github.com/kassian/sellagent/internal/runner"
)

// sentinelTestOrderID marks a synthesized test-delivery order; DeliverGoods
// recognizes it and skips the refund-on-failure path (§4.D).
const sentinelTestOrderID = "ADTEST"

// ClassifyAgainstADCfg matches a fresh order's lot title against the
// auto-delivery rule table and attaches the result to the event so later
// handlers in the same chain don't re-look it up.
func (c *Core) ClassifyAgainstADCfg(pool *dispatch.Pool, ev *runner.Event) error {
	if ev.Kind != runner.KindNewOrder || ev.Order == nil {
		return nil
	}
	rule, ok := c.AutoDeliveryRules[ev.Order.SubcategoryName]
	if !ok {
		return nil
	}
	ev.ADRule = &rule
	return nil
}

// TestAutoDelivery recognizes "!автовыдача <key>" and feeds a synthetic
// NewOrder event with the bound lot title back through the NewOrder chain.
func (c *Core) TestAutoDelivery(pool *dispatch.Pool, ev *runner.Event) error {
	if ev.Kind != runner.KindNewMessage || ev.Message == nil {
		return nil
	}
	const prefix = "!автовыдача "
	text := ev.Message.Text
	if !strings.HasPrefix(text, prefix) {
		return nil
	}
	key := strings.TrimSpace(strings.TrimPrefix(text, prefix))
	lotTitle, ok := c.consumeTestDeliveryKey(key)
	if !ok {
		return nil
	}

	synthetic := &runner.Event{
		Kind:      runner.KindNewOrder,
		Tag:       ev.Tag,
		Synthetic: true,
		Order: &models.OrderShortcut{
			ID:              sentinelTestOrderID,
			SubcategoryName: lotTitle,
			ChatID:          ev.Message.ChatID,
			BuyerUsername:   ev.Message.Author,
			Amount:          1,
		},
	}
	pool.Submit(func() {
		c.Dispatch.Dispatch(synthetic)
	})
	return nil
}

// DeliverGoods draws the configured number of inventory lines and sends
// them, restoring the draw on send failure (§4.D).
func (c *Core) DeliverGoods(pool *dispatch.Pool, ev *runner.Event) error {
	if ev.Kind != runner.KindNewOrder || ev.Order == nil || ev.ADRule == nil {
		return nil
	}
	if !c.Config.AutoDelivery || ev.ADRule.Disable {
		return nil
	}
	if c.Config.BlockDelivery && c.IsBlacklisted(ev.Order.BuyerUsername) {
		return nil
	}

	order := ev.Order
	rule := ev.ADRule
	amount := 1
	if c.Config.MultiDelivery && !rule.DisableMultiDelivery {
		amount = order.Amount
	}
	if amount < 1 {
		amount = 1
	}

	pool.Submit(func() {
		c.deliverGoodsNow(order, rule, ev, amount)
	})
	return nil
}

func (c *Core) deliverGoodsNow(order *models.OrderShortcut, rule *models.AutoDeliveryRule, ev *runner.Event, amount int) {
	var drawn []string
	if rule.ProductsFileName != "" {
		lines, remaining, err := c.Inventory.Draw(rule.ProductsFileName, amount)
		if err != nil {
			ev.Errored = true
			ev.ErrorMessage = err.Error()
			c.Notifier.Notify("critical", "delivery failed for order "+order.ID+": "+err.Error())
			c.refundOnFailure(order, ev)
			return
		}
		drawn = lines
		ev.GoodsLeft = remaining
	}

	// \n inside a drawn record is a literal escape sequence, not a real
	// newline, until it reaches the buyer.
	product := strings.ReplaceAll(strings.Join(drawn, "\n"), `\n`, "\n")
	vars := expand.Vars{
		Product:    product,
		Username:   order.BuyerUsername,
		OrderID:    order.ID,
		OrderTitle: order.Description,
	}

	if err := c.sendExpanded(order.ChatID, "", 0, false, rule.Response, vars); err != nil {
		if len(drawn) > 0 {
			if restoreErr := c.Inventory.PushFront(rule.ProductsFileName, drawn); restoreErr != nil {
				c.Notifier.Notify("critical", "failed to restore undelivered goods for order "+order.ID+": "+restoreErr.Error())
			}
		}
		ev.Errored = true
		ev.ErrorMessage = err.Error()
		c.Notifier.Notify("critical", "delivery send failed for order "+order.ID+": "+err.Error())
		c.refundOnFailure(order, ev)
		return
	}

	ev.Delivered = true
	ev.DeliveryText = rule.Response
	ev.GoodsDelivered = amount
	c.Notifier.Notify("delivery", "delivered "+itoa64(int64(amount))+" item(s) for order "+order.ID)
}

// refundOnFailure issues a refund (3 attempts, 1s gap, per §7's retry
// budget) when goods could not be delivered. The ADTEST sentinel has no
// real order behind it, so it is never refunded.
func (c *Core) refundOnFailure(order *models.OrderShortcut, ev *runner.Event) {
	if ev.Synthetic || order.ID == sentinelTestOrderID {
		return
	}
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Second)
		}
		if err = c.Client.Refund(order.ID); err == nil {
			c.Notifier.Notify("delivery", "order "+order.ID+" refunded after delivery failure")
			return
		}
	}
	c.Notifier.Notify("critical", "refund failed for order "+order.ID+" after delivery failure: "+err.Error())
}
