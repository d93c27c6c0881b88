package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"gitlab.com/timkado/api/daisi-contest-engine/internal/model"
)

func rulesContest(minAmount float64, products ...string) *model.Contest {
	return &model.Contest{
		ID:                "contest-1",
		Name:              "Mega Sale",
		MinPurchaseAmount: minAmount,
		RequiredProducts:  model.EncodeTokenList(products),
	}
}

func TestParseAmount(t *testing.T) {
	cases := []struct {
		raw  string
		want float64
		ok   bool
	}{
		{"RM 45.90", 45.90, true},
		{"SGD12,340.00", 12340.00, true},
		{"11.30", 11.30, true},
		{"$ 7", 7, true},
		{"no digits here", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		got, ok := parseAmount(tc.raw)
		assert.Equal(t, tc.ok, ok, tc.raw)
		assert.InDelta(t, tc.want, got, 0.001, tc.raw)
	}
}

func TestAdjudicateApproves(t *testing.T) {
	v := Adjudicate(rulesContest(30, "milo"), model.ReceiptFields{
		AmountSpent: "RM 45.90",
		Items: []model.ReceiptItem{
			{Name: "MILO ACTIV-GO 1KG", Qty: 2},
			{Name: "Eggs", Qty: 1},
		},
	})
	assert.Equal(t, model.EntryStatusApproved, v.Status)
	assert.Empty(t, v.Reason)
}

func TestAdjudicateRejectsMissingProduct(t *testing.T) {
	v := Adjudicate(rulesContest(0, "milo", "nescafe"), model.ReceiptFields{
		AmountSpent: "RM 99.00",
		Items:       []model.ReceiptItem{{Name: "Milo 1KG", Qty: 1}},
	})
	assert.Equal(t, model.EntryStatusRejected, v.Status)
	assert.Equal(t, "missing required product: nescafe", v.Reason)
}

func TestAdjudicateRejectsBelowMinimum(t *testing.T) {
	v := Adjudicate(rulesContest(50), model.ReceiptFields{AmountSpent: "RM 45.90"})
	assert.Equal(t, model.EntryStatusRejected, v.Status)
	assert.Contains(t, v.Reason, "below minimum")
}

func TestAdjudicateRejectsUnreadableAmount(t *testing.T) {
	v := Adjudicate(rulesContest(50), model.ReceiptFields{AmountSpent: "illegible"})
	assert.Equal(t, model.EntryStatusRejected, v.Status)
	assert.Equal(t, "amount spent not readable", v.Reason)
}

func TestAdjudicateNoRulesApprovesEmptyFields(t *testing.T) {
	v := Adjudicate(rulesContest(0), model.ReceiptFields{})
	assert.Equal(t, model.EntryStatusApproved, v.Status)
}
