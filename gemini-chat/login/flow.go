// Package login simulates phone number login with a one-time code. Codes
// are generated locally and never leave the Flow; there is no expiry,
// lockout or rate limiting.
package login

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/gosuda/portal-chat/gemini-chat/session"
)

// CountryCodes lists the accepted dialing prefixes.
var CountryCodes = []string{"+91", "+1", "+44", "+61"}

const (
	minPhoneLen = 6
	maxPhoneLen = 15
	codeLen     = 6
)

// Step is a state of the login flow.
type Step int

const (
	CollectingPhone Step = iota
	AwaitingOTP
	Verified
)

func (s Step) String() string {
	switch s {
	case CollectingPhone:
		return "phone"
	case AwaitingOTP:
		return "otp"
	case Verified:
		return "verified"
	default:
		return fmt.Sprintf("Step(%d)", int(s))
	}
}

var (
	ErrMismatch = errors.New("otp does not match")
	ErrNoCode   = errors.New("no code has been requested")
)

// MismatchMessage is shown to the user after a wrong code.
const MismatchMessage = "Invalid OTP. Please try again."

// FieldError is a validation failure of a single form field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// FieldErrors collects every failed field of a submission.
type FieldErrors []FieldError

func (fe FieldErrors) Error() string {
	msgs := make([]string, len(fe))
	for i, e := range fe {
		msgs[i] = e.Field + ": " + e.Message
	}
	return strings.Join(msgs, "; ")
}

// Flow is the two-step login state machine. It is safe for concurrent use.
type Flow struct {
	mu          sync.Mutex
	step        Step
	countryCode string
	phone       string
	code        string
	lastErr     string
	newCode     func() (string, error)
}

// NewFlow returns a flow collecting a phone number.
func NewFlow() *Flow {
	return &Flow{newCode: randomCode}
}

// ValidatePhone checks a country code and phone number submission.
func ValidatePhone(countryCode, phone string) error {
	var errs FieldErrors
	if !slices.Contains(CountryCodes, countryCode) {
		errs = append(errs, FieldError{Field: "code", Message: "Select a valid code"})
	}
	// every failed rule is reported
	n := utf8.RuneCountInString(phone)
	if n < minPhoneLen {
		errs = append(errs, FieldError{Field: "phone", Message: "Phone number must be at least 6 digits"})
	}
	if n > maxPhoneLen {
		errs = append(errs, FieldError{Field: "phone", Message: "Phone number must be at most 15 digits"})
	}
	if !allDigits(phone) {
		errs = append(errs, FieldError{Field: "phone", Message: "Phone number must contain only digits"})
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// RequestCode validates the submission, generates a fresh 6-digit code and
// moves to AwaitingOTP. The code is returned so the caller can deliver it;
// this is the simulated SMS.
func (f *Flow) RequestCode(countryCode, phone string) (string, error) {
	countryCode = strings.TrimSpace(countryCode)
	phone = strings.TrimSpace(phone)
	if err := ValidatePhone(countryCode, phone); err != nil {
		return "", err
	}
	code, err := f.newCode()
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.countryCode = countryCode
	f.phone = phone
	f.code = code
	f.step = AwaitingOTP
	f.lastErr = ""
	return code, nil
}

// Verify compares otp against the generated code. A match moves to Verified
// and returns the user; a mismatch keeps the flow in AwaitingOTP so the
// user can retry.
func (f *Flow) Verify(otp string) (session.User, error) {
	otp = strings.TrimSpace(otp)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.step != AwaitingOTP {
		return session.User{}, ErrNoCode
	}
	if len(otp) != codeLen {
		err := FieldErrors{{Field: "otp", Message: "OTP must be 6 digits"}}
		f.lastErr = err[0].Message
		return session.User{}, err
	}
	if otp != f.code {
		f.lastErr = MismatchMessage
		return session.User{}, ErrMismatch
	}
	f.step = Verified
	f.lastErr = ""
	f.code = ""
	return session.User{Phone: f.countryCode + f.phone}, nil
}

// Reset returns to CollectingPhone and forgets any code.
func (f *Flow) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.step = CollectingPhone
	f.countryCode, f.phone, f.code, f.lastErr = "", "", "", ""
}

func (f *Flow) Step() Step {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.step
}

// LastError is the message shown under the OTP field, if any.
func (f *Flow) LastError() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastErr
}

func randomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
