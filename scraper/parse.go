package scraper

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"tourwatch/pkg/tourwatch"

	"github.com/PuerkitoBio/goquery"
)

// ErrNoPrice is returned when a page parses but carries no recognizable price.
var ErrNoPrice = errors.New("no price found")

// Parser extracts a quote from a fetched tour page.
type Parser interface {
	Parse(body []byte, locator string) (*tourwatch.Quote, error)
}

// Selectors tried in order; the first non-empty match wins.
var priceSelectors = []string{
	".m-activity-info__price-container .price",
	".o-activity-price__amount",
	"[class*='price'] [class*='amount']",
	".m-activity-card__price",
}

var (
	symbolBefore = regexp.MustCompile(`([€$£])\s*(\d[\d.,\x{00a0}\x{202f}]*\d|\d)`)
	symbolAfter  = regexp.MustCompile(`(\d[\d.,\x{00a0}\x{202f}]*\d|\d)\s*(€|\$|£|EUR|USD|GBP)`)
	digits       = regexp.MustCompile(`\d[\d.,\x{00a0}\x{202f}]*\d|\d`)
)

var currencySymbols = map[string]string{
	"€":   "EUR",
	"$":   "USD",
	"£":   "GBP",
	"EUR": "EUR",
	"USD": "USD",
	"GBP": "GBP",
}

// HTMLParser reads tour pages with goquery.
type HTMLParser struct {
	DefaultCurrency string
}

// Parse implements Parser.
func (p *HTMLParser) Parse(body []byte, locator string) (*tourwatch.Quote, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	q := &tourwatch.Quote{
		Name:     tourName(doc),
		Metadata: map[string]string{"locator": locator},
	}

	// Microdata is the most reliable source when present.
	if content, ok := doc.Find("[itemprop='price']").First().Attr("content"); ok {
		if price, err := normalizePrice(content); err == nil {
			q.Price = price
			q.Metadata["source"] = "itemprop"
		}
	}

	if q.Price == 0 {
		for _, sel := range priceSelectors {
			text := strings.TrimSpace(doc.Find(sel).First().Text())
			if text == "" {
				continue
			}
			price, currency, err := priceFromText(text)
			if err != nil {
				continue
			}
			q.Price = price
			q.Currency = currency
			q.Metadata["source"] = sel
			break
		}
	}

	if q.Price == 0 {
		// Last resort: first currency-marked amount anywhere in the body text.
		price, currency, err := priceFromText(doc.Find("body").Text())
		if err != nil {
			return nil, fmt.Errorf("%w on %s", ErrNoPrice, locator)
		}
		q.Price = price
		q.Currency = currency
		q.Metadata["source"] = "text"
	}

	if c, ok := doc.Find("[itemprop='priceCurrency']").First().Attr("content"); ok && c != "" {
		q.Currency = strings.ToUpper(strings.TrimSpace(c))
	}
	if q.Currency == "" {
		q.Currency = p.DefaultCurrency
	}

	if dest := strings.TrimSpace(doc.Find("[itemprop='addressLocality']").First().Text()); dest != "" {
		q.Metadata["destination"] = dest
	}

	return q, nil
}

func tourName(doc *goquery.Document) string {
	if name := strings.TrimSpace(doc.Find("h1").First().Text()); name != "" {
		return name
	}
	if og, ok := doc.Find("meta[property='og:title']").Attr("content"); ok && strings.TrimSpace(og) != "" {
		return strings.TrimSpace(og)
	}
	raw := strings.TrimSpace(doc.Find("title").First().Text())
	if idx := strings.Index(raw, " | "); idx > 0 {
		return raw[:idx]
	}
	return raw
}

// priceFromText finds an amount in free text, preferring one marked with a currency.
func priceFromText(text string) (float64, string, error) {
	if m := symbolBefore.FindStringSubmatch(text); m != nil {
		price, err := normalizePrice(m[2])
		return price, currencySymbols[m[1]], err
	}
	if m := symbolAfter.FindStringSubmatch(text); m != nil {
		price, err := normalizePrice(m[1])
		return price, currencySymbols[m[2]], err
	}
	if m := digits.FindString(text); m != "" && len(text) < 64 {
		// A bare number is only trusted inside a short price element.
		price, err := normalizePrice(m)
		return price, "", err
	}
	return 0, "", ErrNoPrice
}

// normalizePrice accepts "59", "59,00", "1.234,56", "1,234.56" and "1 234,56".
func normalizePrice(s string) (float64, error) {
	s = strings.Map(func(r rune) rune {
		if r == ' ' || r == '\u00a0' || r == '\u202f' {
			return -1
		}
		return r
	}, strings.TrimSpace(s))
	if s == "" {
		return 0, ErrNoPrice
	}

	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")

	switch {
	case lastDot >= 0 && lastComma >= 0:
		// Whichever separator comes last is the decimal point.
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(s, ",") == 1 && len(s)-lastComma-1 <= 2 {
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastDot >= 0:
		if strings.Count(s, ".") > 1 || len(s)-lastDot-1 == 3 {
			s = strings.ReplaceAll(s, ".", "")
		}
	}

	price, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", s, err)
	}
	if price <= 0 {
		return 0, fmt.Errorf("%w: non-positive amount %q", ErrNoPrice, s)
	}
	return price, nil
}
