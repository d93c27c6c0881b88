package pipeline

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gitlab.com/timkado/api/daisi-contest-engine/internal/model"
)

// Verdict is the outcome of applying a contest's purchase rules to parsed
// receipt fields.
type Verdict struct {
	Status string // EntryStatusApproved or EntryStatusRejected
	Reason string // set when rejected
}

var amountPattern = regexp.MustCompile(`\d[\d,]*(?:\.\d+)?`)

// parseAmount extracts the numeric value from an amount string such as
// "RM 45.90" or "SGD12,340.00". Returns false when no number is present.
func parseAmount(raw string) (float64, bool) {
	match := amountPattern.FindString(raw)
	if match == "" {
		return 0, false
	}
	value, err := strconv.ParseFloat(strings.ReplaceAll(match, ",", ""), 64)
	if err != nil {
		return 0, false
	}
	return value, true
}

// Adjudicate applies the contest's purchase rules: every required product
// must appear as a substring of some item name, and the spent amount must
// reach the minimum after stripping the currency prefix.
func Adjudicate(contest *model.Contest, fields model.ReceiptFields) Verdict {
	for _, required := range contest.RequiredProductList() {
		if !hasProduct(fields.Items, required) {
			return Verdict{
				Status: model.EntryStatusRejected,
				Reason: fmt.Sprintf("missing required product: %s", required),
			}
		}
	}

	if contest.MinPurchaseAmount > 0 {
		amount, ok := parseAmount(fields.AmountSpent)
		if !ok {
			return Verdict{
				Status: model.EntryStatusRejected,
				Reason: "amount spent not readable",
			}
		}
		if amount < contest.MinPurchaseAmount {
			return Verdict{
				Status: model.EntryStatusRejected,
				Reason: fmt.Sprintf("amount %.2f below minimum %.2f", amount, contest.MinPurchaseAmount),
			}
		}
	}

	return Verdict{Status: model.EntryStatusApproved}
}

func hasProduct(items []model.ReceiptItem, required string) bool {
	folded := strings.ToLower(required)
	for _, item := range items {
		if strings.Contains(strings.ToLower(item.Name), folded) {
			return true
		}
	}
	return false
}
