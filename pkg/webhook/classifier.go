package webhook

import (
	"regexp"
	"strings"

	"utility-ussd-bridge/pkg/models"
)

var (
	stsTokenPattern  = regexp.MustCompile(`\b\d{4}(?:[ -]?\d{4}){4}\b`)
	balancePattern   = regexp.MustCompile(`(?i)\b(?:balance|bal|amount|bill)\b`)
	purchasePattern  = regexp.MustCompile(`(?i)\btokens?\b|\bunits\b|ksh|\bpurchase\b`)
	normalizeSpacing = strings.NewReplacer("\r", " ", "\n", " ", "\t", " ")
)

type classRule struct {
	name  string
	kind  models.MessageKind
	match func(text, sender string) bool
}

// Classifier assigns a MessageKind to inbound text. Rules are evaluated in order and the
// first match wins.
type Classifier struct {
	rules []classRule
}

func NewClassifier(providerSenders []string) *Classifier {
	senders := make(map[string]struct{}, len(providerSenders))
	for _, s := range providerSenders {
		if s = normalizeSender(s); s != "" {
			senders[s] = struct{}{}
		}
	}

	return &Classifier{
		rules: []classRule{
			// A bare 20 digit STS code is a vend reply even when the text also says "amount".
			{name: "sts_token", kind: models.MessageToken, match: func(text, _ string) bool {
				return stsTokenPattern.MatchString(text)
			}},
			{name: "balance_keyword", kind: models.MessageBalance, match: func(text, _ string) bool {
				return balancePattern.MatchString(text)
			}},
			{name: "purchase_keyword", kind: models.MessageToken, match: func(text, _ string) bool {
				return purchasePattern.MatchString(text)
			}},
			{name: "provider_sender", kind: models.MessageGeneral, match: func(_, sender string) bool {
				_, ok := senders[normalizeSender(sender)]
				return ok
			}},
		},
	}
}

// Classify returns the kind of the first matching rule, or user_command when none matches.
func (c *Classifier) Classify(text, sender string) models.MessageKind {
	kind, _ := c.classify(text, sender)
	return kind
}

func (c *Classifier) classify(text, sender string) (models.MessageKind, string) {
	text = normalizeSpacing.Replace(text)
	for _, r := range c.rules {
		if r.match(text, sender) {
			return r.kind, r.name
		}
	}
	return models.MessageUserCommand, "default"
}

func normalizeSender(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
