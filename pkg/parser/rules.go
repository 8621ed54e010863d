package parser

import "regexp"

const number = `(-?\d[\d,]*(?:\.\d+)?)`

// numberEnd stops a figure from being cut out of a date or a longer number.
const numberEnd = `(?:[^\d/]|$)`

const currency = `(?:ksh|kes)`

// fieldRule extracts one field. Rules for the same field are tried in order and the first
// pattern that matches wins; the value is always capture group 1.
type fieldRule struct {
	field   string
	pattern *regexp.Regexp
}

func rule(field, pattern string) fieldRule {
	return fieldRule{field: field, pattern: regexp.MustCompile(pattern)}
}

const (
	fieldOutstandingBalance = "outstanding_balance"
	fieldMeterReading       = "meter_reading"
	fieldDueDate            = "due_date"
	fieldAccountNumber      = "account_number"
	fieldTokenCode          = "token_code"
	fieldUnits              = "units"
	fieldAmount             = "amount"
	fieldReceiptNumber      = "receipt_number"
)

const balanceKeyword = `\b(?:outstanding|balance|bal|amount\s+due)\b`

const date = `\b(?:\d{4}-\d{2}-\d{2}|\d{1,2}[/-]\d{1,2}[/-]\d{2,4})\b`

// balanceRules run on text stripped by withoutUnrelatedFigures. The keyword rules come
// first and never look past the end of the keyword's sentence. The bare currency rules
// only apply when no keyword is followed by a figure.
var balanceRules = []fieldRule{
	rule(fieldOutstandingBalance, `(?i)`+balanceKeyword+`[^.]*?\b`+currency+`\.?\s*`+number+numberEnd),
	rule(fieldOutstandingBalance, `(?i)`+balanceKeyword+`[^.]*?`+number+`\s*`+currency+`\b`),
	rule(fieldOutstandingBalance, `(?i)`+balanceKeyword+`[^\d.-]*?`+number+numberEnd),
	rule(fieldOutstandingBalance, `(?i)\b`+currency+`\.?\s*`+number+numberEnd),
	rule(fieldOutstandingBalance, `(?i)`+number+`\s*`+currency+`\b`),
}

var billRules = []fieldRule{
	rule(fieldMeterReading, `(?i)\breading\b[^\d]*?`+number),
	rule(fieldDueDate, `(?i)\bdue(?:\s+date)?\b[:\s]*(?:on\s+)?(`+date+`)`),
	rule(fieldAccountNumber, `(?i)\b(?:account|acc|a/c)(?:\s*(?:no|number))?[.:\s#]*(\d{4,})`),
}

// Figures that sit next to these phrases are never the outstanding balance.
var (
	datePattern       = regexp.MustCompile(date)
	identifierPattern = regexp.MustCompile(`(?i)\b(?:meter|account|acc|a/c)(?:\s*(?:no|number))?[.:\s#]*\d+`)
	readingPattern    = regexp.MustCompile(`(?i)\breading\b[^\d]*?` + number)
	paymentPattern    = regexp.MustCompile(`(?i)\b(?:payment|paid|received|deposit(?:ed)?|purchased?|bought)\b(?:\s+(?:of|for))?[:\s]*(?:` + currency + `\.?\s*)?` + number + `(?:\s*` + currency + `\b)?`)
	paidAfterPattern  = regexp.MustCompile(`(?i)(?:` + currency + `\.?\s*)?` + number + `(?:\s*` + currency + `\b)?\s+(?:has\s+been\s+|was\s+)?(?:received|paid|deposited)\b`)
)

func withoutUnrelatedFigures(text string) string {
	for _, p := range []*regexp.Regexp{datePattern, paymentPattern, paidAfterPattern, identifierPattern, readingPattern} {
		text = p.ReplaceAllString(text, " ")
	}
	return text
}

const tokenCode = `\b(\d{4}(?:[ -]?\d{4}){4})\b`

var tokenRules = []fieldRule{
	rule(fieldTokenCode, tokenCode),
	rule(fieldReceiptNumber, `(?i)\b(?:receipt|reference|ref|txn)\b(?:\s*(?:no|number))?[.:\s#]*([A-Z0-9]{6,})\b`),
}

// amountRules run on text stripped by withoutTokenFigures. A figure named as the paid
// amount wins over any other currency figure.
var amountRules = []fieldRule{
	rule(fieldAmount, `(?i)\b(?:amount|paid|payment(?:\s+of)?|purchase(?:\s+of)?)\b[:\s]*(?:`+currency+`\.?\s*)?`+number+numberEnd),
	rule(fieldAmount, `(?i)\b`+currency+`\.?\s*`+number+numberEnd),
}

var (
	tokenCodePattern     = regexp.MustCompile(tokenCode)
	balancePhrasePattern = regexp.MustCompile(`(?i)` + balanceKeyword + `[^.\d]*?(?:` + currency + `\.?\s*)?` + number + `(?:\s*` + currency + `\b)?`)
)

func withoutTokenCodes(text string) string {
	return tokenCodePattern.ReplaceAllString(text, " ")
}

func withoutTokenFigures(text string) string {
	text = withoutTokenCodes(text)
	text = datePattern.ReplaceAllString(text, " ")
	return balancePhrasePattern.ReplaceAllString(text, " ")
}

// unitsRules run on text stripped by withoutUnitsNoise, so neither a code group nor a
// meter number is read as units.
var unitsRules = []fieldRule{
	rule(fieldUnits, `(?i)\bunits\b(?:\s+(?:remaining|left|available|balance))?(?:\s+(?:is|are))?[:\s]+(\d+(?:\.\d+)?)`),
	rule(fieldUnits, `(?i)(\d+(?:\.\d+)?)\s*(?:units|kwh)\b`),
}

func withoutUnitsNoise(text string) string {
	text = withoutTokenCodes(text)
	text = datePattern.ReplaceAllString(text, " ")
	return identifierPattern.ReplaceAllString(text, " ")
}

// extract applies rules to text and returns the first capture for each field.
func extract(rules []fieldRule, text string) map[string]string {
	out := make(map[string]string)
	for _, r := range rules {
		if _, done := out[r.field]; done {
			continue
		}
		if m := r.pattern.FindStringSubmatch(text); m != nil {
			out[r.field] = m[1]
		}
	}
	return out
}
