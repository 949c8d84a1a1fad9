package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsValidID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"acct_0123456789abcdef01234567", true},
		{"esc_0123456789abcdef01234567", true},
		{"bk_0123456789abcdef01234567", true},
		{"dsp_0123456789abcdef01234567", true},
		{"", false},
		{"acct_", false},
		{"acct_short", false},
		{"acct_0123456789ABCDEF01234567", false}, // uppercase hex
		{"0123456789abcdef01234567", false},      // no prefix
		{"toolongprefix_0123456789abcdef01234567", false},
		{"acct_0123456789abcdef012345678", false}, // too long
	}
	for _, tt := range tests {
		assert.Equal(t, tt.valid, IsValidID(tt.id), "id=%q", tt.id)
	}
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "hello", SanitizeString("  hello  ", 100))
	assert.Equal(t, "ab", SanitizeString("abcdef", 2))
	assert.Equal(t, "ab", SanitizeString("a\x00b", 100))
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("payer_id", ""),
		PositiveAmount("amount", -5),
	)
	assert.Len(t, errs, 2)
	assert.Equal(t, "payer_id", errs[0].Field)
	assert.Equal(t, "amount", errs[1].Field)

	errs = Validate(
		Required("payer_id", "acct_0123456789abcdef01234567"),
		ValidID("payer_id", "acct_0123456789abcdef01234567"),
		PositiveAmount("amount", 5000),
	)
	assert.Empty(t, errs)
}

func TestSplitRatio(t *testing.T) {
	assert.Nil(t, SplitRatio("ratio", 0)())
	assert.Nil(t, SplitRatio("ratio", 0.5)())
	assert.Nil(t, SplitRatio("ratio", 1)())
	assert.NotNil(t, SplitRatio("ratio", -0.1)())
	assert.NotNil(t, SplitRatio("ratio", 1.5)())
}

func TestValidationErrors_Error(t *testing.T) {
	var empty ValidationErrors
	assert.Equal(t, "validation failed", empty.Error())

	errs := ValidationErrors{{Field: "amount", Message: "must be greater than zero"}}
	assert.Equal(t, "amount: must be greater than zero", errs.Error())
}
