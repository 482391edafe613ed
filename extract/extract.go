// Package extract pulls a document reference and a payment amount out of remittance text.
package extract

import (
	"regexp"
	"strings"

	"github.com/dhcgn/remittance-runner/model"
)

// Rule is a named extraction step. Match reports the captured value, if any.
type Rule struct {
	Name  string
	Match func(text string) (string, bool)
}

const money = `(-?\d[\d,]*\.\d{2})`

// AmountRules are evaluated in order; the most specific label comes first.
var AmountRules = []Rule{
	patternRule("total-amount-label", `(?i)TOTAL\s+AMOUNT\s+\$?\s*`+money, stripCommas),
	patternRule("total-label", `(?i)(?:grand\s+total|total\s+amount|amount\s+paid|total\s+paid|net\s+total)\s*\$?\s*`+money, stripCommas),
	patternRule("currency-code", `(?i)(?:AUD|NZD)\s*\$?\s*`+money, stripCommas),
	patternRule("total-paid-via", `(?i)Total\s+Paid\s+[\w\s]*\$\s*`+money, stripCommas),
}

// ReferenceRules are evaluated in order.
var ReferenceRules = []Rule{
	patternRule("document-ref-no", `(?i)Document\s+Ref[\s\S]{0,120}?No[:\s]+([A-Za-z0-9-]+)`, strings.TrimSpace),
	patternRule("reference-number", `(?i)Reference\s+Number[:\s]+([A-Za-z0-9-]+)`, strings.TrimSpace),
	patternRule("our-ref", `(?i)Our\s+Ref[:\s]+([A-Za-z0-9-]+)`, strings.TrimSpace),
}

// First returns the value of the first rule that matches.
func First(rules []Rule, text string) (value, rule string, ok bool) {
	for _, r := range rules {
		if v, ok := r.Match(text); ok {
			return v, r.Name, true
		}
	}
	return "", "", false
}

// Amount returns the first labelled amount with thousands separators removed.
func Amount(text string) (string, bool) {
	v, _, ok := First(AmountRules, text)
	return v, ok
}

// Reference returns the first labelled document reference.
func Reference(text string) (string, bool) {
	v, _, ok := First(ReferenceRules, text)
	return v, ok
}

// Extract runs both cascades. Missing fields are left empty.
func Extract(text string) model.Metadata {
	var meta model.Metadata
	if text == "" {
		return meta
	}
	meta.Amount, _ = Amount(text)
	meta.Reference, _ = Reference(text)
	return meta
}

func patternRule(name, pattern string, clean func(string) string) Rule {
	re := regexp.MustCompile(pattern)
	return Rule{
		Name: name,
		Match: func(text string) (string, bool) {
			m := re.FindStringSubmatch(text)
			if m == nil {
				return "", false
			}
			v := clean(m[1])
			return v, v != ""
		},
	}
}

func stripCommas(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), ",", "")
}
