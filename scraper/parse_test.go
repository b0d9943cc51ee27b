package scraper

import (
	"errors"
	"testing"
	"time"
)

func TestNormalizePrice(t *testing.T) {
	tests := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{in: "59", want: 59},
		{in: "59,00", want: 59},
		{in: "59,5", want: 59.5},
		{in: "1.234,56", want: 1234.56},
		{in: "1,234.56", want: 1234.56},
		{in: "1.234", want: 1234},
		{in: "1,234", want: 1234},
		{in: "12.50", want: 12.5},
		{in: "1 234,56", want: 1234.56},
		{in: "1\u00a0234,56", want: 1234.56},
		{in: "0", wantErr: true},
		{in: "", wantErr: true},
		{in: "abc", wantErr: true},
	}

	for _, tt := range tests {
		got, err := normalizePrice(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("normalizePrice(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("normalizePrice(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestPriceFromText(t *testing.T) {
	tests := []struct {
		text     string
		price    float64
		currency string
	}{
		{text: "€59", price: 59, currency: "EUR"},
		{text: "59 €", price: 59, currency: "EUR"},
		{text: "From € 1.250,00 per person", price: 1250, currency: "EUR"},
		{text: "$45.99", price: 45.99, currency: "USD"},
		{text: "£30", price: 30, currency: "GBP"},
		{text: "120 EUR", price: 120, currency: "EUR"},
		{text: "75", price: 75, currency: ""},
	}

	for _, tt := range tests {
		price, currency, err := priceFromText(tt.text)
		if err != nil {
			t.Errorf("priceFromText(%q) error = %v", tt.text, err)
			continue
		}
		if price != tt.price || currency != tt.currency {
			t.Errorf("priceFromText(%q) = (%v, %q), want (%v, %q)", tt.text, price, currency, tt.price, tt.currency)
		}
	}
}

func TestHTMLParserSelectors(t *testing.T) {
	tests := []struct {
		name     string
		html     string
		price    float64
		currency string
		tour     string
	}{
		{
			name:     "activity price amount",
			html:     `<html><body><h1>Sagrada Familia</h1><div class="o-activity-price__amount">€ 35</div></body></html>`,
			price:    35,
			currency: "EUR",
			tour:     "Sagrada Familia",
		},
		{
			name:     "generic price amount",
			html:     `<html><body><h1>Louvre</h1><div class="card-price"><b class="price-amount">49,90</b></div></body></html>`,
			price:    49.9,
			currency: "EUR",
			tour:     "Louvre",
		},
		{
			name:     "microdata wins",
			html:     `<html><body><h1>Alhambra</h1><meta itemprop="price" content="42.50"><meta itemprop="priceCurrency" content="usd"><div class="o-activity-price__amount">€ 99</div></body></html>`,
			price:    42.5,
			currency: "USD",
			tour:     "Alhambra",
		},
		{
			name:     "body text fallback and og title",
			html:     `<html><head><meta property="og:title" content="Vatican Museums"></head><body><p>Tickets from 27 € only</p></body></html>`,
			price:    27,
			currency: "EUR",
			tour:     "Vatican Museums",
		},
	}

	p := &HTMLParser{DefaultCurrency: "EUR"}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := p.Parse([]byte(tt.html), "https://example.com/tour")
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if q.Price != tt.price {
				t.Errorf("Parse() price = %v, want %v", q.Price, tt.price)
			}
			if q.Currency != tt.currency {
				t.Errorf("Parse() currency = %q, want %q", q.Currency, tt.currency)
			}
			if q.Name != tt.tour {
				t.Errorf("Parse() name = %q, want %q", q.Name, tt.tour)
			}
		})
	}
}

func TestHTMLParserNoPrice(t *testing.T) {
	p := &HTMLParser{DefaultCurrency: "EUR"}
	_, err := p.Parse([]byte(`<html><body><h1>Sold out</h1><p>No dates available for this activity at the moment, please check back later.</p></body></html>`), "u")
	if !errors.Is(err, ErrNoPrice) {
		t.Errorf("Parse() error = %v, want ErrNoPrice", err)
	}
}

func TestPolicyNext(t *testing.T) {
	p := Policy{MaxRetries: 3, BaseDelay: 2 * time.Second, MaxDelay: 10 * time.Second}
	transient := &FetchError{Kind: Transient, Reason: "request failed"}
	permanent := &FetchError{Kind: Permanent, Reason: "tour page gone"}

	tests := []struct {
		name    string
		attempt uint
		err     error
		want    Decision
	}{
		{name: "first failure", attempt: 1, err: transient, want: Decision{RetryAfter: 2 * time.Second}},
		{name: "second failure doubles", attempt: 2, err: transient, want: Decision{RetryAfter: 4 * time.Second}},
		{name: "third failure doubles", attempt: 3, err: transient, want: Decision{RetryAfter: 8 * time.Second}},
		{name: "retries exhausted", attempt: 4, err: transient, want: Decision{GiveUp: true}},
		{name: "permanent gives up", attempt: 1, err: permanent, want: Decision{GiveUp: true}},
		{name: "plain error retried", attempt: 1, err: errors.New("eof"), want: Decision{RetryAfter: 2 * time.Second}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Next(tt.attempt, tt.err); got != tt.want {
				t.Errorf("Next(%d, %v) = %+v, want %+v", tt.attempt, tt.err, got, tt.want)
			}
		})
	}
}

func TestPolicyNextCapsDelay(t *testing.T) {
	p := Policy{MaxRetries: 10, BaseDelay: 2 * time.Second, MaxDelay: 10 * time.Second}
	if got := p.Next(8, errors.New("timeout")); got.RetryAfter != 10*time.Second {
		t.Errorf("Next(8) delay = %v, want capped 10s", got.RetryAfter)
	}
}
