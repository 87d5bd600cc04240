// Package classify detects system-notice message types by locale-insensitive
// regex over normalized chat text (§3, §9's "localized regex classification"
// design note). The alternations are compiled once into a package-level
// singleton at import time and never touched again — this is deliberately
// not "language agnostic": preserving the literal alternations is the point.
package classify

import "regexp"

var (
	orderPurchasedRe = regexp.MustCompile(`(Покупатель|The buyer) [a-zA-Z0-9]+ (оплатил заказ|has paid for order) #[A-Z0-9]{8}\.`)
	orderConfirmedRe = regexp.MustCompile(`(Покупатель|The buyer) [a-zA-Z0-9]+ (подтвердил успешное выполнение заказа|has confirmed that order) #[A-Z0-9]{8} (и отправил деньги продавцу|has been fulfilled successfully and that the seller) [a-zA-Z0-9]+( has been paid)?\.`)
	orderReopenedRe  = regexp.MustCompile(`(Заказ|Order) #[A-Z0-9]{8} (открыт повторно|has been reopened)\.`)
	refundRe         = regexp.MustCompile(`(Продавец|The seller) [a-zA-Z0-9]+ (вернул деньги покупателю|has refunded the buyer) [a-zA-Z0-9]+ (по заказу|on order) #[A-Z0-9]{8}\.`)
	refundByAdminRe  = regexp.MustCompile(`(Администратор|The administrator) [a-zA-Z0-9]+ (вернул деньги покупателю|has refunded the buyer) [a-zA-Z0-9]+ (по заказу|on order) #[A-Z0-9]{8}\.`)
	partialRefundRe  = regexp.MustCompile(`(Часть средств по заказу|A part of the funds pertaining to the order) #[A-Z0-9]{8} (возвращена покупателю|has been refunded)\.`)
	newFeedbackRe    = regexp.MustCompile(`(Покупатель|The buyer) [a-zA-Z0-9]+ (написал отзыв к заказу|has given feedback to the order) #[A-Z0-9]{8}\.`)
	feedbackChangedRe = regexp.MustCompile(`(Покупатель|The buyer) [a-zA-Z0-9]+ (изменил отзыв к заказу|has edited their feedback to the order) #[A-Z0-9]{8}\.`)
	feedbackDeletedRe = regexp.MustCompile(`(Покупатель|The buyer) [a-zA-Z0-9]+ (удалил отзыв к заказу|has deleted their feedback to the order) #[A-Z0-9]{8}\.`)
	newFeedbackAnswerRe = regexp.MustCompile(`(Продавец|The seller) [a-zA-Z0-9]+ (ответил на отзыв к заказу|has replied to their feedback to the order) #[A-Z0-9]{8}\.`)
	orderConfirmedByAdminRe = regexp.MustCompile(`(Администратор|The administrator) [a-zA-Z0-9]+ (подтвердил успешное выполнение заказа|has confirmed that order) #[A-Z0-9]{8} (и отправил деньги продавцу|has been fulfilled successfully and that the seller) [a-zA-Z0-9]+( has been paid)?\.`)
	dearVendorsRe    = regexp.MustCompile(`(Уважаемые продавцы|Dear vendors), (не доверяйте сообщениям в чате|do not rely on chat messages)! (Перед выполнением заказа всегда проверяйте наличие оплаты в разделе «Мои продажи»|Before you process an order, you should always check whether you've been paid in «My sales» section)\.`)
	discordRe        = regexp.MustCompile(`(You can switch to|Вы можете перейти в) Discord\. (However, note that friending someone is considered a violation rules|Внимание: общение за пределами сервера FunPay считается нарушением правил)\.`)

	// OrderIDRe extracts the 8-char order id referenced by a system notice
	// (§4.D review processor).
	OrderIDRe = regexp.MustCompile(`#[A-Z0-9]{8}`)
)

// Kind mirrors models.MessageType's closed enum as plain strings, so this
// package has no import-cycle dependency on internal/models.
type Kind string

const (
	KindOrderPurchased        Kind = "ORDER_PURCHASED"
	KindOrderConfirmed        Kind = "ORDER_CONFIRMED"
	KindOrderReopened         Kind = "ORDER_REOPENED"
	KindRefund                Kind = "REFUND"
	KindRefundByAdmin         Kind = "REFUND_BY_ADMIN"
	KindPartialRefund         Kind = "PARTIAL_REFUND"
	KindNewFeedback           Kind = "NEW_FEEDBACK"
	KindFeedbackChanged       Kind = "FEEDBACK_CHANGED"
	KindFeedbackDeleted       Kind = "FEEDBACK_DELETED"
	KindNewFeedbackAnswer     Kind = "NEW_FEEDBACK_ANSWER"
	KindOrderConfirmedByAdmin Kind = "ORDER_CONFIRMED_BY_ADMIN"
	KindDearVendors           Kind = "DEAR_VENDORS"
	KindDiscord               Kind = "DISCORD"
	KindNonSystem             Kind = "NON_SYSTEM"
)

// ordered so that more specific alternations (e.g. ORDER_CONFIRMED_BY_ADMIN)
// are tried before any prefix-overlapping pattern could mismatch it.
var matchers = []struct {
	kind Kind
	re   *regexp.Regexp
}{
	{KindOrderConfirmedByAdmin, orderConfirmedByAdminRe},
	{KindOrderPurchased, orderPurchasedRe},
	{KindOrderConfirmed, orderConfirmedRe},
	{KindOrderReopened, orderReopenedRe},
	{KindRefundByAdmin, refundByAdminRe},
	{KindRefund, refundRe},
	{KindPartialRefund, partialRefundRe},
	{KindNewFeedbackAnswer, newFeedbackAnswerRe},
	{KindNewFeedback, newFeedbackRe},
	{KindFeedbackChanged, feedbackChangedRe},
	{KindFeedbackDeleted, feedbackDeletedRe},
	{KindDearVendors, dearVendorsRe},
	{KindDiscord, discordRe},
}

// Classify returns the system-notice kind matching text, or NON_SYSTEM if no
// alternation matches (i.e. this is a plain chat message).
func Classify(text string) Kind {
	for _, m := range matchers {
		if m.re.MatchString(text) {
			return m.kind
		}
	}
	return KindNonSystem
}

// ExtractOrderID pulls the first #XXXXXXXX order reference out of text, or
// "" if none is present.
func ExtractOrderID(text string) string {
	m := OrderIDRe.FindString(text)
	if m == "" {
		return ""
	}
	return m[1:]
}
