package email

import (
	"fmt"
	"strings"
	"time"

	"tourwatch/pkg/tourwatch"
)

var alertHeadlines = map[tourwatch.AlertType]string{
	tourwatch.AlertPriceDrop:      "Price dropped below your target",
	tourwatch.AlertPriceIncrease:  "Price rose above your limit",
	tourwatch.AlertPercentageDrop: "Price dropped by your target percentage",
	tourwatch.AlertPriceChange:    "Price changed",
}

func (s *Sender) formatAlertBody(a *Alert) string {
	n := a.Notification

	headline := alertHeadlines[n.AlertType]
	if headline == "" {
		headline = "Price changed"
	}

	changeClass := "up"
	if n.PriceChange < 0 {
		changeClass = "down"
	}

	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 640px; margin: 0 auto; padding: 20px; background: #fff; }\n")
	b.WriteString(".header { border-bottom: 2px solid #16a085; padding-bottom: 10px; margin-bottom: 20px; }\n")
	b.WriteString(".prices { font-size: 1.4em; margin: 15px 0; }\n")
	b.WriteString(".old { color: #7f8c8d; text-decoration: line-through; margin-right: 10px; }\n")
	b.WriteString(".down { color: #27ae60; }\n")
	b.WriteString(".up { color: #c0392b; }\n")
	b.WriteString(".footer { margin-top: 30px; padding-top: 15px; border-top: 1px solid #ddd; font-size: 0.9em; color: #7f8c8d; }\n")
	b.WriteString("a { color: #16a085; text-decoration: none; }\n")
	b.WriteString("@media (prefers-color-scheme: dark) {\n")
	b.WriteString("body { background: #1a1a1a; color: #e0e0e0; }\n")
	b.WriteString(".footer { border-top-color: #444; color: #a0a0a0; }\n")
	b.WriteString("}\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	b.WriteString("<div class=\"header\">\n")
	b.WriteString(fmt.Sprintf("<h2>%s</h2>\n", escapeHTML(headline)))
	b.WriteString(fmt.Sprintf("<p><strong>%s</strong></p>\n", escapeHTML(a.TourName)))
	b.WriteString("</div>\n")

	b.WriteString("<div class=\"prices\">\n")
	b.WriteString(fmt.Sprintf("<span class=\"old\">%s</span>\n", escapeHTML(tourwatch.FormatPrice(n.OldPrice, n.Currency))))
	b.WriteString(fmt.Sprintf("<span class=\"%s\">%s</span>\n", changeClass, escapeHTML(tourwatch.FormatPrice(n.NewPrice, n.Currency))))
	b.WriteString("</div>\n")

	b.WriteString(fmt.Sprintf("<p class=\"%s\">%s (%+.1f%%)</p>\n",
		changeClass, escapeHTML(tourwatch.FormatPrice(n.PriceChange, n.Currency)), n.PriceChangePercent))
	b.WriteString(fmt.Sprintf("<p>Observed %s UTC</p>\n", formatTime(n.SentAt)))

	b.WriteString("<div class=\"footer\">\n")
	if a.TourURL != "" {
		b.WriteString(fmt.Sprintf("<a href=\"%s\">View tour</a> &bull; \n", escapeHTML(a.TourURL)))
	}
	b.WriteString(fmt.Sprintf("<a href=\"%s/alerts/%d\">Manage this alert</a>\n", escapeHTML(strings.TrimSuffix(s.baseURL, "/")), n.AlertID))
	b.WriteString("</div>\n")

	b.WriteString("</body>\n</html>")

	return b.String()
}

func formatTime(t time.Time) string {
	return t.UTC().Format("Jan 2, 2006 at 3:04 PM")
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}
