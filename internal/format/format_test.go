package format

import (
	"errors"
	"strings"
	"testing"
	"time"

	"signalbot/internal/workitem"
)

func signalItem() workitem.Item {
	return workitem.Item{
		ID:       "s1",
		Kind:     workitem.KindSignal,
		Category: workitem.CategoryPremium,
		Status:   workitem.StatusSending,
		Signal: &workitem.Signal{
			Pair:       "eur/usd",
			Direction:  "long",
			Entry:      1.085,
			StopLoss:   1.08,
			TakeProfit: 1.095,
			Timeframe:  "4h",
		},
		CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestFormatSignalRequiredFields(t *testing.T) {
	t.Parallel()
	msg, err := Formatter{}.Format(signalItem())
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	if msg.ParseMode != ParseModeHTML || !msg.DisablePreview {
		t.Fatalf("options = %+v", msg)
	}
	for _, want := range []string{
		"Premium Signal",
		"<b>EUR/USD</b>",
		"<b>BUY</b>",
		"<b>Entry:</b> <code>1.085</code>",
		"<b>Stop Loss:</b> <code>1.08</code>",
		"<b>Take Profit:</b> <code>1.095</code>",
		"<i>" + DefaultDisclaimer + "</i>",
	} {
		if !strings.Contains(msg.Text, want) {
			t.Fatalf("text missing %q:\n%s", want, msg.Text)
		}
	}
	for _, absent := range []string{"Confidence", "Risk/Reward", "Analysis", "Warnings"} {
		if strings.Contains(msg.Text, absent) {
			t.Fatalf("text has optional field %q without data:\n%s", absent, msg.Text)
		}
	}
}

func TestFormatSignalOptionalFieldsAndEscaping(t *testing.T) {
	t.Parallel()
	it := signalItem()
	it.Category = workitem.CategoryFree
	it.Signal.Direction = "SELL"
	it.Signal.Confidence = 72.5
	it.Signal.RiskReward = 2
	it.Signal.Reasoning = "RSI < 30 & divergence"
	it.Signal.Warnings = []string{"", "NFP <today>"}

	msg, err := Formatter{Disclaimer: "DYOR"}.Format(it)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	for _, want := range []string{
		"Free Signal",
		"🔴 <b>SELL</b>",
		"<b>Confidence:</b> 72.5%",
		"<b>Risk/Reward:</b> 1:2",
		"RSI &lt; 30 &amp; divergence",
		"• NFP &lt;today&gt;",
		"<i>DYOR</i>",
	} {
		if !strings.Contains(msg.Text, want) {
			t.Fatalf("text missing %q:\n%s", want, msg.Text)
		}
	}
	if strings.Count(msg.Text, "• ") != 1 {
		t.Fatalf("blank warnings should be skipped:\n%s", msg.Text)
	}
}

func TestFormatIsDeterministic(t *testing.T) {
	t.Parallel()
	it := signalItem()
	it.Signal.Warnings = []string{"a", "b"}
	a, _ := Formatter{}.Format(it)
	b, _ := Formatter{}.Format(it)
	if a != b {
		t.Fatalf("Format not deterministic:\n%s\n---\n%s", a.Text, b.Text)
	}
}

func TestFormatNews(t *testing.T) {
	t.Parallel()
	it := workitem.Item{
		ID:       "n1",
		Kind:     workitem.KindNews,
		Category: workitem.CategoryNews,
		News: &workitem.News{
			Title:     "Fed holds rates",
			Summary:   "<p>The <b>FOMC</b> kept rates.</p><p>Markets &amp; bonds rallied.</p><script>x()</script>",
			Source:    "Reuters",
			URL:       "https://example.com/a?b=1&c=2",
			Sentiment: "bullish",
			Symbols:   []string{"DXY", "XAUUSD"},
		},
	}
	msg, err := Formatter{}.Format(it)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	if msg.DisablePreview {
		t.Fatal("news with a link should allow the preview")
	}
	for _, want := range []string{
		"Market News",
		"<b>Fed holds rates</b>",
		"The FOMC kept rates. Markets &amp; bonds rallied.",
		"<b>Sentiment:</b> bullish",
		"<code>DXY</code>, <code>XAUUSD</code>",
		`<a href="https://example.com/a?b=1&amp;c=2">Reuters</a>`,
	} {
		if !strings.Contains(msg.Text, want) {
			t.Fatalf("text missing %q:\n%s", want, msg.Text)
		}
	}
	if strings.Contains(msg.Text, "x()") {
		t.Fatalf("script content leaked:\n%s", msg.Text)
	}
}

func TestFormatNewsTruncatesAndRejectsUnsafeLinks(t *testing.T) {
	t.Parallel()
	it := workitem.Item{
		Kind:     workitem.KindNews,
		Category: workitem.CategoryNews,
		News: &workitem.News{
			Title:   "t",
			Summary: strings.Repeat("word ", 50),
			Source:  "Wire",
			URL:     "javascript:alert(1)",
		},
	}
	msg, err := Formatter{SummaryLimit: 19}.Format(it)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	if !strings.Contains(msg.Text, "word word word word…") {
		t.Fatalf("summary not truncated:\n%s", msg.Text)
	}
	if strings.Contains(msg.Text, "<a ") || !strings.Contains(msg.Text, "<b>Source:</b> Wire") {
		t.Fatalf("unsafe link rendered:\n%s", msg.Text)
	}
	if !msg.DisablePreview {
		t.Fatal("news without a link should disable the preview")
	}
}

func TestFormatInvalid(t *testing.T) {
	t.Parallel()
	it := signalItem()
	it.Signal.StopLoss = 0
	if _, err := (Formatter{}).Format(it); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("Format err = %v, want ErrInvalidPayload", err)
	}
}

func TestPrice(t *testing.T) {
	t.Parallel()
	cases := map[float64]string{
		1.085:   "1.085",
		65432.1: "65,432.1",
		2000:    "2,000",
	}
	for in, want := range cases {
		if got := Price(in); got != want {
			t.Fatalf("Price(%v) = %q, want %q", in, got, want)
		}
	}
}
