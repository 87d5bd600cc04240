package handlers

import (
	"github.com/kassian/sellagent/internal/classify"
	"github.com/kassian/sellagent/internal/dispatch"
	"github.com/kassian/sellagent/internal/models"
	"github.com/kassian/sellagent/internal/runner"
)

// LegacyMirror re-plays the NewMessage chain from a LastChatMessageChanged
// event's chat shortcut, for oldMsgGetMode installs that never fetch full
// chat history (§4.C: "(legacy mode only) mirror of NewMessage chain").
func (c *Core) LegacyMirror(pool *dispatch.Pool, ev *runner.Event) error {
	if ev.Kind != runner.KindLastChatMessageChanged || ev.Chat == nil {
		return nil
	}
	chat := ev.Chat
	msg := &models.Message{
		ChatID:   chat.ChatID,
		ChatName: chat.CounterpartyName,
		AuthorID: 1, // unknown in legacy mode: assume interlocutor, never self
		Author:   chat.CounterpartyName,
		Text:     chat.LastMessageText,
		Type:     models.MessageType(classify.Classify(chat.LastMessageText)),
	}

	mirrored := &runner.Event{Kind: runner.KindNewMessage, Tag: ev.Tag, Message: msg}
	c.Log(pool, mirrored)
	c.Greeting(pool, mirrored)
	c.AutoReply(pool, mirrored)
	c.ReviewProcessor(pool, mirrored)
	c.NotifyNewMessage(pool, mirrored)
	c.NotifyCommand(pool, mirrored)
	c.TestAutoDelivery(pool, mirrored)
	return nil
}
