// Package validation checks user input before it is sent to the backend.
package validation

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"unicode/utf8"

	"github.com/xkilldash9x/forensync/internal/notify"
)

// ErrInvalidForm matches every *Error.
var ErrInvalidForm = errors.New("validation: invalid form")

// Rule ids reported in Error.Rules.
const (
	RuleRequired  = "required"
	RuleEmail     = "email"
	RuleMatch     = "match"
	RuleLength    = "length"
	RuleUppercase = "uppercase"
	RuleLowercase = "lowercase"
	RuleNumber    = "number"
	RuleSpecial   = "special"
)

// MinPasswordLength is counted in characters, not bytes.
const MinPasswordLength = 8

// Requirement is a single password rule with the label shown next to it.
type Requirement struct {
	ID    string
	Label string
	Test  func(password string) bool
}

// PasswordRequirements are evaluated in order.
var PasswordRequirements = []Requirement{
	{RuleLength, "At least 8 characters", func(p string) bool { return utf8.RuneCountInString(p) >= MinPasswordLength }},
	{RuleUppercase, "Contains uppercase letter", containsAny(isUpper)},
	{RuleLowercase, "Contains lowercase letter", containsAny(isLower)},
	{RuleNumber, "Contains number", containsAny(isDigit)},
	{RuleSpecial, "Contains special character", containsAny(func(r rune) bool { return !isUpper(r) && !isLower(r) && !isDigit(r) })},
}

// The character classes are ASCII only; a non-ASCII letter counts as special.
func isUpper(r rune) bool { return r >= 'A' && r <= 'Z' }
func isLower(r rune) bool { return r >= 'a' && r <= 'z' }
func isDigit(r rune) bool { return r >= '0' && r <= '9' }

func containsAny(pred func(rune) bool) func(string) bool {
	return func(s string) bool { return strings.IndexFunc(s, pred) >= 0 }
}

// Error lists the rules a form failed. Title and Message are suitable for a
// user-facing notification.
type Error struct {
	Rules   []string
	Title   string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (%s)", strings.ToLower(e.Title), e.Message, strings.Join(e.Rules, ", "))
}

func (e *Error) Is(target error) bool { return target == ErrInvalidForm }

// Notification renders the error as a destructive notification.
func (e *Error) Notification() notify.Notification {
	return notify.Notification{Title: e.Title, Description: e.Message, Variant: notify.VariantDestructive}
}

// SignUp is the registration form.
type SignUp struct {
	Name     string
	Email    string
	Password string
	Confirm  string
}

// Validate checks, in order: every field present, a well-formed email, the
// confirmation matches, and every password requirement. The first failing
// stage is reported.
func (s SignUp) Validate() error {
	var missing []string
	for _, f := range []struct{ name, value string }{
		{"name", s.Name}, {"email", s.Email}, {"password", s.Password}, {"confirm", s.Confirm},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return &Error{
			Rules:   []string{RuleRequired},
			Title:   "Error",
			Message: "Please fill in all fields",
		}
	}

	if _, err := mail.ParseAddress(s.Email); err != nil || strings.ContainsAny(s.Email, "<> ") {
		return &Error{Rules: []string{RuleEmail}, Title: "Error", Message: "Please enter a valid email address"}
	}

	if s.Password != s.Confirm {
		return &Error{Rules: []string{RuleMatch}, Title: "Error", Message: "Passwords do not match"}
	}

	if failed := FailedRequirements(s.Password); len(failed) > 0 {
		return &Error{
			Rules:   failed,
			Title:   "Password requirements not met",
			Message: "Please ensure your password meets all requirements",
		}
	}
	return nil
}

// FailedRequirements returns the ids of the password rules p does not meet.
func FailedRequirements(p string) []string {
	var failed []string
	for _, req := range PasswordRequirements {
		if !req.Test(p) {
			failed = append(failed, req.ID)
		}
	}
	return failed
}

// Login is the sign-in form.
type Login struct {
	Email    string
	Password string
}

// Validate requires both fields.
func (l Login) Validate() error {
	if strings.TrimSpace(l.Email) == "" || l.Password == "" {
		return &Error{Rules: []string{RuleRequired}, Title: "Error", Message: "Please fill in all fields"}
	}
	return nil
}
