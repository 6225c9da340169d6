// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// Detector names, in chain order.
const (
	DetectorCreditCard  = "credit_card"
	DetectorSSN         = "ssn"
	DetectorEmail       = "email"
	DetectorPhone       = "phone"
	DetectorIBAN        = "iban"
	DetectorBankAccount = "bank_account"
	DetectorAPIKey      = "api_key"
	DetectorContextual  = "contextual"
)

// Detection is one detector hit. Only span indices are kept; the raw
// matched text never leaves the firewall unmasked.
type Detection struct {
	Detector   string
	Start      int
	End        int
	Confidence float64
}

// inconclusiveBelow is the confidence under which a hit is considered
// ambiguous enough to consult the contextual detector.
const inconclusiveBelow = 0.8

type detectorPattern struct {
	name     string
	pattern  *regexp.Regexp
	validate func(match, context string) (bool, float64)
	minLen   int
	maxLen   int
}

// DetectorChain runs an ordered list of deterministic pattern detectors
// with checksum and context validation. The same text always yields the
// same detections in the same order.
type DetectorChain struct {
	patterns      []*detectorPattern
	contextWindow int
	minConfidence float64
}

var allDetectorPatterns = []*detectorPattern{
	{
		name: DetectorCreditCard,
		// Visa, MasterCard, Amex, Discover, Diners, JCB, plus generic
		// 4x4 groupings. Luhn decides what survives.
		pattern:  regexp.MustCompile(`\b(?:4[0-9]{12}(?:[0-9]{3})?|5[1-5][0-9]{14}|3[47][0-9]{13}|3(?:0[0-5]|[68][0-9])[0-9]{11}|6(?:011|5[0-9]{2})[0-9]{12}|(?:2131|1800|35\d{3})\d{11})\b|\b(\d{4})[- ]?(\d{4})[- ]?(\d{4})[- ]?(\d{4})\b`),
		validate: validateCardNumber,
		minLen:   13,
		maxLen:   19,
	},
	{
		name:     DetectorSSN,
		pattern:  regexp.MustCompile(`\b(\d{3})[- ]?(\d{2})[- ]?(\d{4})\b`),
		validate: validateSocialSecurity,
		minLen:   9,
		maxLen:   11,
	},
	{
		name:     DetectorEmail,
		pattern:  regexp.MustCompile(`\b[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}\b`),
		validate: validateEmailAddress,
		minLen:   5,
		maxLen:   254,
	},
	{
		name:     DetectorPhone,
		pattern:  regexp.MustCompile(`(?:\+?1[-.\s]?)?\(?[0-9]{3}\)?[-.\s]?[0-9]{3}[-.\s]?[0-9]{4}\b|\+[0-9]{1,3}[-.\s]?[0-9]{6,14}\b`),
		validate: validatePhoneNumber,
		minLen:   7,
		maxLen:   20,
	},
	{
		name:     DetectorIBAN,
		pattern:  regexp.MustCompile(`\b[A-Z]{2}[0-9]{2}[A-Z0-9]{4}[0-9]{7}(?:[A-Z0-9]?){0,16}\b`),
		validate: validateIBANNumber,
		minLen:   15,
		maxLen:   34,
	},
	{
		name:     DetectorBankAccount,
		pattern:  regexp.MustCompile(`\b[0-9]{9}[- ]?[0-9]{8,17}\b`),
		validate: validateRoutingAccount,
		minLen:   17,
		maxLen:   27,
	},
	{
		name:     DetectorAPIKey,
		pattern:  regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b|\bsk-ant-[A-Za-z0-9\-]{24,}\b|\bsk-[A-Za-z0-9]{32,}\b|\bgh[pousr]_[A-Za-z0-9]{36,}\b|\bxox[baprs]-[A-Za-z0-9\-]{10,48}\b|\bAIza[0-9A-Za-z\-_]{35}\b|\beyJ[A-Za-z0-9_\-]+\.eyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\b|(?i:api[_\-]?key|secret|token)[:\s=]+['"]?[A-Za-z0-9_\-\.]{20,}['"]?`),
		validate: validateSecret,
		minLen:   15,
		maxLen:   512,
	},
}

// NewDetectorChain builds a chain from policy config. An empty Enabled
// list runs every detector.
func NewDetectorChain(cfg DetectorConfig) *DetectorChain {
	dc := &DetectorChain{
		contextWindow: 50,
		minConfidence: cfg.MinConfidence,
	}
	if dc.minConfidence <= 0 {
		dc.minConfidence = 0.5
	}

	if len(cfg.Enabled) == 0 {
		dc.patterns = allDetectorPatterns
		return dc
	}
	enabled := make(map[string]bool, len(cfg.Enabled))
	for _, name := range cfg.Enabled {
		enabled[name] = true
	}
	for _, p := range allDetectorPatterns {
		if enabled[p.name] {
			dc.patterns = append(dc.patterns, p)
		}
	}
	return dc
}

// Scan runs the chain against text. inconclusive is set when a match
// validated but landed below the high-confidence band, which is the
// signal for the optional contextual detector.
func (dc *DetectorChain) Scan(text string) (hits []Detection, inconclusive bool) {
	for _, p := range dc.patterns {
		for _, match := range p.pattern.FindAllStringIndex(text, -1) {
			start, end := match[0], match[1]
			span := text[start:end]
			if len(span) < p.minLen || len(span) > p.maxLen {
				continue
			}

			ok, confidence := p.validate(span, dc.surrounding(text, start, end))
			if !ok {
				continue
			}
			if confidence < inconclusiveBelow {
				inconclusive = true
			}
			if confidence < dc.minConfidence {
				continue
			}
			hits = append(hits, Detection{
				Detector:   p.name,
				Start:      start,
				End:        end,
				Confidence: confidence,
			})
		}
	}
	return hits, inconclusive
}

func (dc *DetectorChain) surrounding(text string, start, end int) string {
	lo := start - dc.contextWindow
	if lo < 0 {
		lo = 0
	}
	hi := end + dc.contextWindow
	if hi > len(text) {
		hi = len(text)
	}
	return text[lo:hi]
}

// maskSpan hides a matched span. At most the 4 trailing characters stay
// visible, and only when the span is long enough that they reveal
// nothing useful on their own.
func maskSpan(span string) string {
	visible := 4
	if len(span) < 10 {
		visible = 0
	}
	return strings.Repeat("*", len(span)-visible) + span[len(span)-visible:]
}

func digitsOf(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}

// luhnValid checks the Luhn checksum over a digit string.
func luhnValid(number string) bool {
	sum := 0
	alternate := false
	for i := len(number) - 1; i >= 0; i-- {
		digit := int(number[i] - '0')
		if alternate {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}
		sum += digit
		alternate = !alternate
	}
	return sum%10 == 0
}

func cardNetwork(number string) string {
	if len(number) < 2 {
		return ""
	}
	prefix2, _ := strconv.Atoi(number[0:2])
	if len(number) >= 4 {
		prefix4, _ := strconv.Atoi(number[0:4])
		if prefix4 >= 3528 && prefix4 <= 3589 {
			return "jcb"
		}
		if prefix4 == 6011 || (prefix2 >= 64 && prefix2 <= 65) {
			return "discover"
		}
	}
	switch {
	case number[0] == '4':
		return "visa"
	case prefix2 >= 51 && prefix2 <= 55, prefix2 >= 22 && prefix2 <= 27:
		return "mastercard"
	case prefix2 == 34 || prefix2 == 37:
		return "amex"
	case prefix2 == 36 || prefix2 == 38 || (prefix2 >= 30 && prefix2 <= 35):
		return "diners"
	}
	return ""
}

func validateCardNumber(match, context string) (bool, float64) {
	clean := digitsOf(match)
	if len(clean) < 13 || len(clean) > 19 {
		return false, 0
	}
	if !luhnValid(clean) {
		return false, 0
	}
	if cardNetwork(clean) == "" {
		return true, 0.5
	}

	lower := strings.ToLower(context)
	for _, neg := range []string{"phone", "fax", "tel:", "tracking"} {
		if strings.Contains(lower, neg) {
			return false, 0.2
		}
	}
	for _, pos := range []string{"card", "credit", "debit", "visa", "mastercard", "amex", "payment", "cc#"} {
		if strings.Contains(lower, pos) {
			return true, 0.95
		}
	}
	return true, 0.85
}

// Area 000/666/9xx, group 00, and serial 0000 are never issued.
func validateSocialSecurity(match, context string) (bool, float64) {
	clean := digitsOf(match)
	if len(clean) != 9 {
		return false, 0
	}
	area, _ := strconv.Atoi(clean[0:3])
	group, _ := strconv.Atoi(clean[3:5])
	serial, _ := strconv.Atoi(clean[5:9])
	if area == 0 || area == 666 || area >= 900 || group == 0 || serial == 0 {
		return false, 0
	}

	lower := strings.ToLower(context)
	for _, neg := range []string{"order", "invoice", "tracking", "confirmation", "receipt", "ticket", "sku"} {
		if strings.Contains(lower, neg) {
			return false, 0.3
		}
	}
	for _, pos := range []string{"ssn", "social security", "ss#", "taxpayer", "tax id"} {
		if strings.Contains(lower, pos) {
			return true, 0.95
		}
	}
	return true, 0.7
}

func validateEmailAddress(match, context string) (bool, float64) {
	at := strings.LastIndex(match, "@")
	if at < 1 || at >= len(match)-4 {
		return false, 0
	}
	domain := match[at+1:]
	if !strings.Contains(domain, ".") || strings.Contains(match, "..") || strings.HasPrefix(match, ".") {
		return false, 0
	}
	for _, throwaway := range []string{"example.com", "test.com", "localhost", "mailinator"} {
		if strings.Contains(strings.ToLower(domain), throwaway) {
			return true, 0.5
		}
	}
	return true, 0.9
}

func validatePhoneNumber(match, context string) (bool, float64) {
	digits := digitsOf(match)
	if len(digits) < 7 || len(digits) > 15 {
		return false, 0
	}
	if allSameDigit(digits) {
		return false, 0.1
	}

	lower := strings.ToLower(context)
	for _, neg := range []string{"zip", "postal", "year", "amount", "price", "total", "qty"} {
		if strings.Contains(lower, neg) {
			return false, 0.2
		}
	}
	for _, pos := range []string{"phone", "tel", "call", "mobile", "cell", "contact", "dial"} {
		if strings.Contains(lower, pos) {
			return true, 0.95
		}
	}
	return true, 0.7
}

func validateIBANNumber(match, context string) (bool, float64) {
	clean := strings.ReplaceAll(strings.ToUpper(match), " ", "")
	if len(clean) < 15 || len(clean) > 34 {
		return false, 0
	}
	if !unicode.IsLetter(rune(clean[0])) || !unicode.IsLetter(rune(clean[1])) {
		return false, 0
	}
	if !ibanMod97(clean) {
		return false, 0
	}
	return true, 0.9
}

// ibanMod97 rearranges the IBAN, expands letters to two-digit numbers,
// and checks the remainder mod 97 equals 1.
func ibanMod97(iban string) bool {
	rearranged := iban[4:] + iban[0:4]
	var numeric strings.Builder
	for _, ch := range rearranged {
		if unicode.IsLetter(ch) {
			numeric.WriteString(strconv.Itoa(int(unicode.ToUpper(ch) - 'A' + 10)))
		} else {
			numeric.WriteRune(ch)
		}
	}
	remainder := 0
	for _, digit := range numeric.String() {
		remainder = (remainder*10 + int(digit-'0')) % 97
	}
	return remainder == 1
}

func validateRoutingAccount(match, context string) (bool, float64) {
	clean := digitsOf(match)
	if len(clean) < 17 || len(clean) > 26 {
		return false, 0
	}
	if !abaChecksumValid(clean[0:9]) {
		return false, 0.3
	}
	lower := strings.ToLower(context)
	for _, pos := range []string{"routing", "account", "bank", "aba", "ach", "wire"} {
		if strings.Contains(lower, pos) {
			return true, 0.95
		}
	}
	return true, 0.7
}

// abaChecksumValid checks the ABA routing checksum:
// 3(d1+d4+d7) + 7(d2+d5+d8) + (d3+d6+d9) mod 10 == 0.
func abaChecksumValid(routing string) bool {
	if len(routing) != 9 || routing == "000000000" {
		return false
	}
	weights := []int{3, 7, 1, 3, 7, 1, 3, 7, 1}
	sum := 0
	for i, ch := range routing {
		sum += int(ch-'0') * weights[i]
	}
	return sum%10 == 0
}

var knownKeyPrefixes = []string{"AKIA", "sk-ant-", "sk-", "ghp_", "gho_", "ghu_", "ghs_", "ghr_", "xox", "AIza", "eyJ"}

func validateSecret(match, context string) (bool, float64) {
	for _, prefix := range knownKeyPrefixes {
		if strings.HasPrefix(match, prefix) {
			return true, 0.95
		}
	}
	// Assignment-style matches ("api_key = ...") are weaker evidence.
	lower := strings.ToLower(context)
	for _, pos := range []string{"key", "secret", "token", "credential", "auth"} {
		if strings.Contains(lower, pos) {
			return true, 0.75
		}
	}
	return true, 0.6
}

func allSameDigit(s string) bool {
	if len(s) == 0 {
		return false
	}
	for i := 1; i < len(s); i++ {
		if s[i] != s[0] {
			return false
		}
	}
	return true
}
