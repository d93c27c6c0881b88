package pipeline

import (
	"regexp"
	"strings"
)

// OCR output cleanup. The OCR model returns free-form text; these rules turn
// it into one fact per line before the parse stage sees it.

var (
	bulletPrefix = regexp.MustCompile(`^\s*(?:[-*•‣]+|\d+[.)])\s+`)
	whitespace   = regexp.MustCompile(`\s+`)

	// totalKeyword finds label boundaries inside a line that merged several
	// totals (e.g. "SUBTOTAL 10.00 TOTAL 11.30").
	totalKeyword = regexp.MustCompile(`(?i)(sub\s?total|grand\s?total|total|amount\s+due|rounding)`)

	// currencyAmount finds a currency marker followed by an amount; a line
	// with more than one carries several facts.
	currencyAmount = regexp.MustCompile(`(?i)(?:RM|MYR|SGD|S\$|\$)\s*\d[\d.,]*`)
)

// noisePhrases are receipt boilerplate with no signal for the parse stage.
var noisePhrases = []string{
	"thank you",
	"please come again",
	"terima kasih",
	"sila datang lagi",
	"customer copy",
	"have a nice day",
	"follow us on",
}

// CleanOCRText applies the post-processing rules to raw OCR output and
// returns the cleaned lines.
func CleanOCRText(raw string) []string {
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		line = bulletPrefix.ReplaceAllString(line, "")
		line = strings.TrimSpace(whitespace.ReplaceAllString(line, " "))
		if line == "" || isNoise(line) {
			continue
		}
		for _, part := range splitCombined(line) {
			part = strings.TrimSpace(part)
			if part != "" && !isNoise(part) {
				out = append(out, part)
			}
		}
	}
	return out
}

func isNoise(line string) bool {
	folded := strings.ToLower(line)
	for _, phrase := range noisePhrases {
		if strings.Contains(folded, phrase) {
			return true
		}
	}
	return false
}

// splitCombined breaks a line holding several totals or several currency
// amounts into one line per fact. Lines with a single fact pass through.
func splitCombined(line string) []string {
	if idxs := totalKeyword.FindAllStringIndex(line, -1); len(idxs) > 1 {
		return splitAt(line, idxs)
	}
	if idxs := currencyAmount.FindAllStringIndex(line, -1); len(idxs) > 1 {
		return splitAfter(line, idxs)
	}
	return []string{line}
}

// splitAt cuts line at the start of every match after the first, keeping any
// leading text attached to the first piece.
func splitAt(line string, idxs [][]int) []string {
	var parts []string
	prev := 0
	for i, idx := range idxs {
		if i == 0 {
			continue
		}
		parts = append(parts, line[prev:idx[0]])
		prev = idx[0]
	}
	parts = append(parts, line[prev:])
	return parts
}

// splitAfter cuts line after every match except the last, so each amount ends
// its own piece (used for multi-currency lines, where the label precedes the
// amount).
func splitAfter(line string, idxs [][]int) []string {
	var parts []string
	prev := 0
	for i, idx := range idxs {
		if i == len(idxs)-1 {
			break
		}
		parts = append(parts, line[prev:idx[1]])
		prev = idx[1]
	}
	parts = append(parts, line[prev:])
	return parts
}
