// Package news builds per-symbol news briefs and the sentiment gate that can
// block a BUY. Classification is deterministic keyword scoring; the brief and
// the gate result are persisted as run evidence so replay reconstructs them
// without touching the news tables.
package news

import (
	"strings"
)

type (
	// Headline is one classified news item inside a brief.
	Headline struct {
		Title      string  `json:"title"`
		Source     string  `json:"source,omitempty"`
		URL        string  `json:"url,omitempty"`
		Sentiment  string  `json:"sentiment"` // bullish | bearish | neutral
		Confidence float64 `json:"confidence"`
		Critical   bool    `json:"critical"`
	}

	// Brief is the aggregate news view for one symbol.
	Brief struct {
		Symbol    string     `json:"symbol"`
		Headlines []Headline `json:"headlines"`
		Gate      Gate       `json:"sentiment_gate"`
	}

	// Gate is the aggregate sentiment decision. Critical blockers are
	// unoverridable; plain sentiment gates allow a risk override.
	Gate struct {
		Gated           bool    `json:"gated"`
		Critical        bool    `json:"critical"`
		NetSentiment    float64 `json:"net_sentiment"`
		Confidence      float64 `json:"confidence"`
		BearishCount    int     `json:"bearish_count"`
		BullishCount    int     `json:"bullish_count"`
		CriticalKeyword string  `json:"critical_keyword,omitempty"`
		Reason          string  `json:"reason,omitempty"`
	}
)

// criticalKeywords always gate a BUY regardless of aggregate sentiment.
var criticalKeywords = []string{"hack", "exploit", "delist", "rug pull", "bridge attack", "flash loan attack"}

var bearishWords = []string{"crash", "plunge", "drop", "dump", "selloff", "sell-off", "lawsuit", "ban", "fraud", "bankrupt", "drain", "attack", "liquidation", "fear"}

var bullishWords = []string{"surge", "rally", "soar", "record", "adoption", "approval", "etf", "breakout", "bullish", "upgrade", "partnership"}

// Classify scores a single title.
func Classify(title string) Headline {
	lower := strings.ToLower(title)
	h := Headline{Title: title, Sentiment: "neutral", Confidence: 0.5}
	for _, kw := range criticalKeywords {
		if strings.Contains(lower, kw) {
			h.Critical = true
			h.Sentiment = "bearish"
			h.Confidence = 0.95
			return h
		}
	}
	bear, bull := 0, 0
	for _, w := range bearishWords {
		if strings.Contains(lower, w) {
			bear++
		}
	}
	for _, w := range bullishWords {
		if strings.Contains(lower, w) {
			bull++
		}
	}
	switch {
	case bear > bull:
		h.Sentiment = "bearish"
		h.Confidence = 0.6 + 0.1*float64(min(bear, 3))
	case bull > bear:
		h.Sentiment = "bullish"
		h.Confidence = 0.6 + 0.1*float64(min(bull, 3))
	}
	return h
}

// Aggregate computes the gate over classified headlines. The gate fires when
// net sentiment < -0.3 with confidence > 0.65 and at least two bearish
// headlines, or when any critical keyword appears.
func Aggregate(headlines []Headline) Gate {
	gate := Gate{}
	var confidenceSum float64
	for _, h := range headlines {
		confidenceSum += h.Confidence
		switch h.Sentiment {
		case "bearish":
			gate.BearishCount++
		case "bullish":
			gate.BullishCount++
		}
		if h.Critical && !gate.Critical {
			gate.Critical = true
			gate.CriticalKeyword = criticalIn(h.Title)
		}
	}
	if n := len(headlines); n > 0 {
		gate.NetSentiment = float64(gate.BullishCount-gate.BearishCount) / float64(n)
		gate.Confidence = confidenceSum / float64(n)
	}
	if gate.Critical {
		gate.Gated = true
		gate.Reason = "critical keyword: " + gate.CriticalKeyword
		return gate
	}
	if gate.NetSentiment < -0.3 && gate.Confidence > 0.65 && gate.BearishCount >= 2 {
		gate.Gated = true
		gate.Reason = "bearish sentiment with high confidence"
	}
	return gate
}

// BuildBrief classifies titles and aggregates the gate for symbol.
func BuildBrief(symbol string, headlines []Headline) Brief {
	return Brief{Symbol: symbol, Headlines: headlines, Gate: Aggregate(headlines)}
}

func criticalIn(title string) string {
	lower := strings.ToLower(title)
	for _, kw := range criticalKeywords {
		if strings.Contains(lower, kw) {
			return kw
		}
	}
	return ""
}
