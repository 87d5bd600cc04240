package handlers

import (
	"github.com/kassian/sellagent/internal/dispatch"
	"github.com/kassian/sellagent/internal/expand"
	"github.com/kassian/sellagent/internal/models"
	"github.com/kassian/sellagent/internal/runner"
)

// ThankYou sends the configured reply-text once an order closes, with
// watermark suppression per the [OrderConfirm] settings.
func (c *Core) ThankYou(pool *dispatch.Pool, ev *runner.Event) error {
	if ev.Kind != runner.KindOrderStatusChanged || ev.Order == nil {
		return nil
	}
	c.recordOrder(ev.Order)
	if !c.Config.SendReply || ev.Order.Status != models.OrderClosed || ev.Order.ChatID == 0 {
		return nil
	}
	order := ev.Order
	pool.Submit(func() {
		vars := expand.Vars{
			Username:    order.BuyerUsername,
			OrderID:     order.ID,
			OrderTitle:  order.Description,
		}
		text := c.Config.ReplyText
		if c.Config.Watermark != "" {
			text = text + "\n" + c.Config.Watermark
		}
		if err := c.sendExpanded(order.ChatID, "", 0, false, text, vars); err != nil {
			c.Notifier.Notify("critical", "thank-you reply failed for order "+order.ID+": "+err.Error())
		}
	})
	return nil
}

// NotifyConfirmed forwards an order-status change to the control-plane.
func (c *Core) NotifyConfirmed(pool *dispatch.Pool, ev *runner.Event) error {
	if ev.Kind != runner.KindOrderStatusChanged || ev.Order == nil {
		return nil
	}
	order := ev.Order
	pool.Submit(func() {
		c.Notifier.Notify("order", "order "+order.ID+" status -> "+string(order.Status))
	})
	return nil
}

// ScheduleProfileRefresh re-fetches the seller's own profile after the
// order list changes, tagging the snapshot with the triggering event's tag
// so UpdateLotStates knows it has observed the post-change state.
func (c *Core) ScheduleProfileRefresh(pool *dispatch.Pool, ev *runner.Event) error {
	if ev.Kind != runner.KindOrdersListChanged {
		return nil
	}
	tag := ev.Tag
	pool.Submit(func() {
		profile, err := c.Client.GetUser("")
		if err != nil {
			c.Notifier.Notify("critical", "profile refresh failed: "+err.Error())
			return
		}
		c.SetProfile(profile, tag)
	})
	return nil
}
