// Package password validates, scores and hashes account passwords.
package password

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"
)

const (
	MinLength = 8
	// MaxBytes is bcrypt's input limit.
	MaxBytes = 72

	// Symbols is the punctuation set that satisfies the symbol rule.
	Symbols = "!@#$%^&*()_+-=[]{}|;:,.<>?"

	minUsernameCheck = 3
)

// Strength labels returned by Score.
const (
	StrengthWeak       = "weak"
	StrengthMedium     = "medium"
	StrengthStrong     = "strong"
	StrengthVeryStrong = "very strong"
)

// Rule messages. Validate reports every violated rule, in this order.
const (
	ErrMsgTooShort     = "Password must be at least 8 characters long"
	ErrMsgTooLong      = "Password must be at most 72 bytes long"
	ErrMsgNoUpper      = "Password must contain at least one uppercase letter"
	ErrMsgNoLower      = "Password must contain at least one lowercase letter"
	ErrMsgNoDigit      = "Password must contain at least one number"
	ErrMsgNoSymbol     = "Password must contain at least one special character (" + Symbols + ")"
	ErrMsgTooCommon    = "Password is too common, please choose a less predictable password"
	ErrMsgSameAsUser   = "Password must not be the same as your username"
	ErrMsgContainsUser = "Password must not contain your username"
	ErrMsgTooWeak      = "Password is too weak, add length or variety"
)

// Result is the outcome of Validate.
type Result struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Strength string   `json:"strength"`
	Score    int      `json:"score"`
}

// Requirements describes the composition rules for clients rendering a checklist.
type Requirements struct {
	MinLength        int    `json:"min_length"`
	RequireUppercase bool   `json:"require_uppercase"`
	RequireLowercase bool   `json:"require_lowercase"`
	RequireNumber    bool   `json:"require_number"`
	RequireSpecial   bool   `json:"require_special"`
	SpecialChars     string `json:"special_chars"`
}

// Policy validates and hashes passwords.
type Policy struct {
	cost int
}

// NewPolicy creates a Policy hashing with the given bcrypt cost.
func NewPolicy(cost int) *Policy {
	if cost < bcrypt.MinCost {
		cost = bcrypt.DefaultCost
	}
	return &Policy{cost: cost}
}

// Requirements returns the composition rules enforced by Validate.
func (p *Policy) Requirements() Requirements {
	return Requirements{
		MinLength:        MinLength,
		RequireUppercase: true,
		RequireLowercase: true,
		RequireNumber:    true,
		RequireSpecial:   true,
		SpecialChars:     Symbols,
	}
}

// Validate checks password against every rule and scores it. The username
// rules only apply when username has at least 3 characters. A password that
// passes every rule but scores as weak is still rejected.
func (p *Policy) Validate(password, username string) Result {
	var errs []string

	if utf8.RuneCountInString(password) < MinLength {
		errs = append(errs, ErrMsgTooShort)
	}
	if len(password) > MaxBytes {
		errs = append(errs, ErrMsgTooLong)
	}

	c := classify(password)
	if !c.upper {
		errs = append(errs, ErrMsgNoUpper)
	}
	if !c.lower {
		errs = append(errs, ErrMsgNoLower)
	}
	if !c.digit {
		errs = append(errs, ErrMsgNoDigit)
	}
	if !c.symbol {
		errs = append(errs, ErrMsgNoSymbol)
	}

	lowered := strings.ToLower(password)
	if _, common := commonPasswords[lowered]; common {
		errs = append(errs, ErrMsgTooCommon)
	}

	if u := strings.ToLower(strings.TrimSpace(username)); len(u) >= minUsernameCheck {
		switch {
		case lowered == u:
			errs = append(errs, ErrMsgSameAsUser)
		case strings.Contains(lowered, u):
			errs = append(errs, ErrMsgContainsUser)
		}
	}

	strength, score := Score(password)
	if len(errs) == 0 && strength == StrengthWeak {
		errs = append(errs, ErrMsgTooWeak)
	}

	if errs == nil {
		errs = []string{}
	}
	return Result{
		Valid:    len(errs) == 0,
		Errors:   errs,
		Strength: strength,
		Score:    score,
	}
}

type classes struct {
	upper, lower, digit, symbol bool
}

func (c classes) count() int {
	n := 0
	for _, ok := range []bool{c.upper, c.lower, c.digit, c.symbol} {
		if ok {
			n++
		}
	}
	return n
}

func classify(password string) classes {
	var c classes
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			c.upper = true
		case unicode.IsLower(r):
			c.lower = true
		case unicode.IsDigit(r):
			c.digit = true
		case strings.ContainsRune(Symbols, r):
			c.symbol = true
		}
	}
	return c
}

// Score rates password strength on 0-100 and returns its label.
//
// Length earns 10 points at each of 8, 12 and 16 characters, plus up to 10 more
// beyond 16. Each character class earns 10, with 10 more when all four are
// present. Every run of three identical characters costs 15 and every
// three-character ascending or descending letter/digit sequence costs 10.
func Score(password string) (string, int) {
	n := utf8.RuneCountInString(password)
	score := 0

	for _, threshold := range []int{8, 12, 16} {
		if n >= threshold {
			score += 10
		}
	}
	if n > 16 {
		score += min(2*(n-16), 10)
	}

	c := classify(password)
	score += 10 * c.count()
	if c.count() == 4 {
		score += 10
	}

	score -= 15 * countRepeats(password)
	score -= 10 * countSequences(password)

	score = max(0, min(score, 100))
	return label(score), score
}

func label(score int) string {
	switch {
	case score < 40:
		return StrengthWeak
	case score < 60:
		return StrengthMedium
	case score < 80:
		return StrengthStrong
	default:
		return StrengthVeryStrong
	}
}

// countRepeats counts maximal runs of 3+ identical characters.
func countRepeats(password string) int {
	rs := []rune(password)
	runs := 0
	for i := 0; i < len(rs); {
		j := i
		for j < len(rs) && rs[j] == rs[i] {
			j++
		}
		if j-i >= 3 {
			runs++
		}
		i = j
	}
	return runs
}

// countSequences counts 3-character windows such as "abc", "321" or "XYZ".
func countSequences(password string) int {
	rs := []rune(strings.ToLower(password))
	count := 0
	for i := 0; i+2 < len(rs); i++ {
		a, b, c := rs[i], rs[i+1], rs[i+2]
		if !sameSeqClass(a, b, c) {
			continue
		}
		if (b-a == 1 && c-b == 1) || (a-b == 1 && b-c == 1) {
			count++
		}
	}
	return count
}

func sameSeqClass(rs ...rune) bool {
	digits, letters := 0, 0
	for _, r := range rs {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r >= 'a' && r <= 'z':
			letters++
		}
	}
	return digits == len(rs) || letters == len(rs)
}

// Hash returns a bcrypt hash of password with a fresh random salt.
func (p *Policy) Hash(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), p.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

// Verify reports whether password matches hash. Comparison is constant-time.
func (p *Policy) Verify(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
