package validation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/forensync/internal/notify"
)

func validForm() SignUp {
	return SignUp{Name: "Ada Lovelace", Email: "ada@example.com", Password: "Engine#1843", Confirm: "Engine#1843"}
}

func TestSignUp_Valid(t *testing.T) {
	assert.NoError(t, validForm().Validate())
}

func TestSignUp_Failures(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*SignUp)
		rules   []string
		message string
	}{
		{"missing name", func(s *SignUp) { s.Name = "  " }, []string{RuleRequired}, "Please fill in all fields"},
		{"missing confirm", func(s *SignUp) { s.Confirm = "" }, []string{RuleRequired}, "Please fill in all fields"},
		{"bad email", func(s *SignUp) { s.Email = "not-an-email" }, []string{RuleEmail}, "Please enter a valid email address"},
		{"mismatch", func(s *SignUp) { s.Confirm = "Engine#1844" }, []string{RuleMatch}, "Passwords do not match"},
		{"weak", func(s *SignUp) { s.Password, s.Confirm = "short", "short" },
			[]string{RuleLength, RuleUppercase, RuleNumber, RuleSpecial}, "Please ensure your password meets all requirements"},
		{"no special", func(s *SignUp) { s.Password, s.Confirm = "Engine1843", "Engine1843" },
			[]string{RuleSpecial}, "Please ensure your password meets all requirements"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			form := validForm()
			tt.mutate(&form)

			err := form.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidForm))

			var verr *Error
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.rules, verr.Rules)
			assert.Equal(t, tt.message, verr.Message)
			assert.Equal(t, notify.VariantDestructive, verr.Notification().Variant)
		})
	}
}

func TestFailedRequirements(t *testing.T) {
	assert.Empty(t, FailedRequirements("Aa1!aaaa"))
	assert.Equal(t, []string{RuleLength}, FailedRequirements("Aa1!"))
	// Eight characters even though more than eight bytes.
	assert.Empty(t, FailedRequirements("Aa1éééééé"))
	assert.Equal(t, []string{RuleLength, RuleUppercase, RuleLowercase, RuleNumber, RuleSpecial}, FailedRequirements(""))
}

func TestLogin_Validate(t *testing.T) {
	assert.NoError(t, Login{Email: "a@b.c", Password: "x"}.Validate())
	assert.ErrorIs(t, Login{Email: "a@b.c"}.Validate(), ErrInvalidForm)
}
