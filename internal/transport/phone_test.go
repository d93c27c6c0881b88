package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"gitlab.com/timkado/api/daisi-contest-engine/internal/apperrors"
)

func TestNormalizePhone(t *testing.T) {
	testCases := []struct {
		name      string
		raw       string
		defaultCC string
		expected  string
		wantErr   bool
	}{
		{
			name:      "Already internationalized",
			raw:       "60123456789",
			defaultCC: "60",
			expected:  "60123456789",
		},
		{
			name:      "Plus prefix stripped",
			raw:       "+60123456789",
			defaultCC: "60",
			expected:  "60123456789",
		},
		{
			name:      "Local format with trunk zero",
			raw:       "0123456789",
			defaultCC: "60",
			expected:  "60123456789",
		},
		{
			name:      "Spaces and dashes stripped",
			raw:       "012-345 6789",
			defaultCC: "60",
			expected:  "60123456789",
		},
		{
			name:      "Foreign country code kept",
			raw:       "6591234567",
			defaultCC: "60",
			expected:  "6591234567",
		},
		{
			name:      "WhatsApp jid suffix digits only",
			raw:       "60123456789@c.us",
			defaultCC: "60",
			expected:  "60123456789",
		},
		{
			name:      "Too short",
			raw:       "01234",
			defaultCC: "60",
			wantErr:   true,
		},
		{
			name:      "No digits",
			raw:       "not-a-phone",
			defaultCC: "60",
			wantErr:   true,
		},
		{
			name:      "Empty",
			raw:       "",
			defaultCC: "60",
			wantErr:   true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizePhone(tc.raw, tc.defaultCC)
			if tc.wantErr {
				assert.Error(t, err)
				assert.ErrorIs(t, err, apperrors.ErrValidation)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.expected, got)
		})
	}
}
