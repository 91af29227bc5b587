// Package format renders work items as Telegram HTML messages.
//
// Formatting is pure: the same item always yields the same text.
package format

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	"signalbot/internal/workitem"
	"signalbot/pkg/tgui"
)

// ErrInvalidPayload is returned when the item lacks the fields needed to render.
var ErrInvalidPayload = workitem.ErrInvalidPayload

const (
	ParseModeHTML = "HTML"

	DefaultDisclaimer   = "Not financial advice. Trade at your own risk."
	DefaultSummaryLimit = 600
)

// Message is a rendered item ready for a transport.
type Message struct {
	Text           string
	ParseMode      string
	DisablePreview bool
}

// Formatter holds the presentation settings. The zero value uses the defaults.
type Formatter struct {
	Disclaimer   string
	SummaryLimit int
}

var printer = message.NewPrinter(language.English)

func (f Formatter) disclaimer() string {
	if s := strings.TrimSpace(f.Disclaimer); s != "" {
		return s
	}
	return DefaultDisclaimer
}

func (f Formatter) summaryLimit() int {
	if f.SummaryLimit > 0 {
		return f.SummaryLimit
	}
	return DefaultSummaryLimit
}

// Format renders it or returns an error wrapping ErrInvalidPayload.
func (f Formatter) Format(it workitem.Item) (Message, error) {
	if err := it.Validate(); err != nil {
		return Message{}, err
	}
	switch it.Kind {
	case workitem.KindSignal:
		return Message{Text: f.signal(it), ParseMode: ParseModeHTML, DisablePreview: true}, nil
	case workitem.KindNews:
		text, hasLink := f.news(it)
		return Message{Text: text, ParseMode: ParseModeHTML, DisablePreview: !hasLink}, nil
	default:
		return Message{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, it.Kind)
	}
}

func (f Formatter) signal(it workitem.Item) string {
	s := it.Signal
	dir, _ := workitem.NormalizeDirection(s.Direction)
	marker := "🟢"
	if dir == "SELL" {
		marker = "🔴"
	}

	headline := tgui.B(strings.ToUpper(strings.TrimSpace(s.Pair))).String() + " " + marker + " " + tgui.B(dir).String()
	if tf := strings.TrimSpace(s.Timeframe); tf != "" {
		headline += " · " + tgui.Esc(tf).String()
	}

	lines := []tgui.H{
		tgui.B("📊 " + it.Category.Label()),
		tgui.Raw(headline),
		"",
		tgui.Field("Entry", tgui.Code(Price(s.Entry))),
		tgui.Field("Stop Loss", tgui.Code(Price(s.StopLoss))),
		tgui.Field("Take Profit", tgui.Code(Price(s.TakeProfit))),
	}
	if s.Confidence > 0 {
		lines = append(lines, tgui.Field("Confidence", tgui.Esc(strconv.FormatFloat(s.Confidence, 'f', -1, 64)+"%")))
	}
	if s.RiskReward > 0 {
		lines = append(lines, tgui.Field("Risk/Reward", tgui.Esc("1:"+strconv.FormatFloat(s.RiskReward, 'f', -1, 64))))
	}
	if r := strings.TrimSpace(s.Reasoning); r != "" {
		lines = append(lines, "", tgui.Field("Analysis", tgui.Esc(r)))
	}
	if warns := nonEmpty(s.Warnings); len(warns) > 0 {
		lines = append(lines, "", tgui.B("⚠️ Warnings"))
		for _, w := range warns {
			lines = append(lines, tgui.Raw("• "+tgui.Esc(w).String()))
		}
	}
	lines = append(lines, "", tgui.I(f.disclaimer()))
	return join(lines)
}

func (f Formatter) news(it workitem.Item) (string, bool) {
	n := it.News
	lines := []tgui.H{
		tgui.B("📰 " + it.Category.Label()),
		"",
		tgui.B(strings.TrimSpace(n.Title)),
	}
	if summary := tgui.TruncRunes(PlainText(n.Summary), f.summaryLimit()); summary != "" {
		lines = append(lines, "", tgui.Esc(summary))
	}

	var meta []tgui.H
	if s := strings.TrimSpace(n.Sentiment); s != "" {
		meta = append(meta, tgui.Field("Sentiment", tgui.Esc(s)))
	}
	if syms := nonEmpty(n.Symbols); len(syms) > 0 {
		codes := make([]tgui.H, 0, len(syms))
		for _, sym := range syms {
			codes = append(codes, tgui.Code(sym))
		}
		meta = append(meta, tgui.Field("Symbols", tgui.JoinH(", ", codes...)))
	}
	if len(meta) > 0 {
		lines = append(lines, "", tgui.JoinH(" · ", meta...))
	}

	source := strings.TrimSpace(n.Source)
	link := safeURL(n.URL)
	switch {
	case link != "":
		label := source
		if label == "" {
			label = "Read more"
		}
		lines = append(lines, "", tgui.Field("Source", tgui.Link(label, link)))
	case source != "":
		lines = append(lines, "", tgui.Field("Source", tgui.Esc(source)))
	}

	lines = append(lines, "", tgui.I(f.disclaimer()))
	return join(lines), link != ""
}

// Price renders v with English digit grouping and up to five decimals.
func Price(v float64) string {
	return printer.Sprintf("%v", number.Decimal(v, number.MaxFractionDigits(5)))
}

// PlainText strips markup from an HTML fragment and collapses whitespace.
func PlainText(fragment string) string {
	fragment = strings.TrimSpace(fragment)
	if fragment == "" {
		return ""
	}
	if !strings.ContainsAny(fragment, "<&") {
		return strings.Join(strings.Fields(fragment), " ")
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return strings.Join(strings.Fields(fragment), " ")
	}
	doc.Find("script, style").Remove()
	doc.Find("p, div, li, br, h1, h2, h3, h4, tr").Each(func(_ int, s *goquery.Selection) {
		s.AfterHtml(" ")
	})
	return strings.Join(strings.Fields(doc.Text()), " ")
}

func safeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return u.String()
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func join(lines []tgui.H) string {
	parts := make([]string, len(lines))
	for i, l := range lines {
		parts[i] = l.String()
	}
	return strings.Join(parts, "\n")
}
