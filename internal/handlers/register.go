package handlers

import (
	"github.com/kassian/sellagent/internal/dispatch"
	"github.com/kassian/sellagent/internal/runner"
)

// RegisterAll wires every chain named in §4.C's dispatch table onto d.
func (c *Core) RegisterAll(d *dispatch.Dispatcher) {
	d.Register(runner.KindInitialChat, c.SaveOldUserMark)

	if c.Config.OldMsgGetMode {
		d.Register(runner.KindLastChatMessageChanged, c.LegacyMirror)
	}

	d.Register(runner.KindNewMessage,
		c.Log,
		c.Greeting,
		c.AutoReply,
		c.ReviewProcessor,
		c.NotifyNewMessage,
		c.NotifyCommand,
		c.TestAutoDelivery,
	)

	d.Register(runner.KindOrdersListChanged, c.ScheduleProfileRefresh)

	d.Register(runner.KindNewOrder,
		c.Log,
		c.ClassifyAgainstADCfg,
		c.NotifyNewOrder,
		c.DeliverGoods,
		c.UpdateLotStates,
	)

	d.Register(runner.KindOrderStatusChanged,
		c.ThankYou,
		c.NotifyConfirmed,
	)
}
