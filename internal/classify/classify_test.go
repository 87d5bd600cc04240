package classify

import "testing"

func TestClassify_RussianAndEnglishAlternationsMatchTheSameKind(t *testing.T) {
	cases := []struct {
		text string
		want Kind
	}{
		{"Покупатель ivan123 оплатил заказ #A1B2C3D4.", KindOrderPurchased},
		{"The buyer ivan123 has paid for order #A1B2C3D4.", KindOrderPurchased},
		{"Заказ #A1B2C3D4 открыт повторно.", KindOrderReopened},
		{"Order #A1B2C3D4 has been reopened.", KindOrderReopened},
		{"Покупатель ivan123 написал отзыв к заказу #A1B2C3D4.", KindNewFeedback},
		{"Часть средств по заказу #A1B2C3D4 возвращена покупателю.", KindPartialRefund},
		{"Уважаемые продавцы, не доверяйте сообщениям в чате! Перед выполнением заказа всегда проверяйте наличие оплаты в разделе «Мои продажи».", KindDearVendors},
		{"hey, how much for a rank boost?", KindNonSystem},
	}
	for _, c := range cases {
		if got := Classify(c.text); got != c.want {
			t.Errorf("Classify(%q) = %s, want %s", c.text, got, c.want)
		}
	}
}

func TestClassify_OrderConfirmedByAdminDoesNotMismatchAsPlainOrderConfirmed(t *testing.T) {
	text := "Администратор admin1 подтвердил успешное выполнение заказа #A1B2C3D4 и отправил деньги продавцу seller1."
	if got := Classify(text); got != KindOrderConfirmedByAdmin {
		t.Errorf("Classify(%q) = %s, want %s", text, got, KindOrderConfirmedByAdmin)
	}
}

func TestExtractOrderID(t *testing.T) {
	id := ExtractOrderID("Покупатель ivan123 написал отзыв к заказу #A1B2C3D4.")
	if id != "A1B2C3D4" {
		t.Errorf("ExtractOrderID = %q, want A1B2C3D4", id)
	}
}

func TestExtractOrderID_NoMatchReturnsEmpty(t *testing.T) {
	if id := ExtractOrderID("just chatting"); id != "" {
		t.Errorf("expected empty string, got %q", id)
	}
}
