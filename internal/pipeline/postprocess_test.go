package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanOCRTextStripsBulletsAndWhitespace(t *testing.T) {
	lines := CleanOCRText("- Milo  3 in 1   RM 12.90\n*  Nescafe Gold\n\n   \n1) Eggs 10pcs")
	assert.Equal(t, []string{"Milo 3 in 1 RM 12.90", "Nescafe Gold", "Eggs 10pcs"}, lines)
}

func TestCleanOCRTextDropsNoisePhrases(t *testing.T) {
	lines := CleanOCRText("Milo RM 12.90\nTHANK YOU\nPlease Come Again\nTerima Kasih!\nTotal RM 12.90")
	assert.Equal(t, []string{"Milo RM 12.90", "Total RM 12.90"}, lines)
}

func TestCleanOCRTextSplitsCombinedTotals(t *testing.T) {
	lines := CleanOCRText("SUBTOTAL 10.00 TOTAL 11.30 ROUNDING 0.00")
	assert.Equal(t, []string{"SUBTOTAL 10.00", "TOTAL 11.30", "ROUNDING 0.00"}, lines)
}

func TestCleanOCRTextSeparatesMultiCurrencyLines(t *testing.T) {
	lines := CleanOCRText("Paid RM 50.00 Change RM 4.70")
	assert.Equal(t, []string{"Paid RM 50.00", "Change RM 4.70"}, lines)
}

func TestCleanOCRTextKeepsSingleFactLines(t *testing.T) {
	lines := CleanOCRText("Total RM 11.30")
	assert.Equal(t, []string{"Total RM 11.30"}, lines)
}

func TestCleanOCRTextEmptyInput(t *testing.T) {
	assert.Empty(t, CleanOCRText(""))
	assert.Empty(t, CleanOCRText("\n\n  \n"))
}
