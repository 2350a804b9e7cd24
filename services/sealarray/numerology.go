package sealarray

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	svcerrors "github.com/anoint-array/platform/internal/errors"
)

// BirthDateLayout is the accepted birth date format.
const BirthDateLayout = "2006-01-02"

// Profile is the numerology profile a seal array is drawn from.
type Profile struct {
	Name        string `json:"name"`
	BirthDate   string `json:"birth_date"`
	LifePath    int    `json:"life_path"`
	Expression  int    `json:"expression"`
	SoulUrge    int    `json:"soul_urge"`
	Personality int    `json:"personality"`
	Seed        uint64 `json:"seed,string"`
}

// CoreNumbers returns the numbers in ring order, innermost first.
func (p Profile) CoreNumbers() []int {
	return []int{p.LifePath, p.Expression, p.SoulUrge, p.Personality}
}

// IsMaster reports whether n is a master number.
func IsMaster(n int) bool {
	return n == 11 || n == 22 || n == 33
}

// Reduce sums the digits of n until one digit remains, keeping master
// numbers.
func Reduce(n int) int {
	if n < 0 {
		n = -n
	}
	for n > 9 && !IsMaster(n) {
		sum := 0
		for n > 0 {
			sum += n % 10
			n /= 10
		}
		n = sum
	}
	return n
}

// LetterValue is the Pythagorean value of an ASCII letter, or 0.
func LetterValue(r rune) int {
	r = unicode.ToUpper(r)
	if r < 'A' || r > 'Z' {
		return 0
	}
	return int(r-'A')%9 + 1
}

func isVowel(r rune) bool {
	switch unicode.ToUpper(r) {
	case 'A', 'E', 'I', 'O', 'U':
		return true
	}
	return false
}

func sumLetters(name string, keep func(rune) bool) int {
	total := 0
	for _, r := range name {
		if v := LetterValue(r); v > 0 && keep(r) {
			total += v
		}
	}
	return Reduce(total)
}

// Expression uses every letter of the name.
func Expression(name string) int {
	return sumLetters(name, func(rune) bool { return true })
}

// SoulUrge uses the vowels. Y counts as a consonant.
func SoulUrge(name string) int {
	return sumLetters(name, isVowel)
}

// Personality uses the consonants.
func Personality(name string) int {
	return sumLetters(name, func(r rune) bool { return !isVowel(r) })
}

// LifePath reduces month, day and year separately, then reduces their sum.
func LifePath(birth time.Time) int {
	return Reduce(Reduce(int(birth.Month())) + Reduce(birth.Day()) + Reduce(birth.Year()))
}

// NormalizeName lowercases name and collapses whitespace.
func NormalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// ParseBirthDate parses a YYYY-MM-DD date that is not in the future.
func ParseBirthDate(raw string) (time.Time, error) {
	t, err := time.Parse(BirthDateLayout, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, svcerrors.InvalidFormat("birth_date", "YYYY-MM-DD")
	}
	if t.Year() < 1900 || t.After(time.Now().UTC()) {
		return time.Time{}, svcerrors.InvalidInput("birth_date is out of range")
	}
	return t, nil
}

// NewProfile computes the profile for a name and birth date. Equal input,
// after name normalization, yields an equal profile.
func NewProfile(name, birthDate string) (Profile, error) {
	clean := strings.Join(strings.Fields(name), " ")
	if clean == "" {
		return Profile{}, svcerrors.InvalidInput("name is required")
	}
	if Expression(clean) == 0 {
		return Profile{}, svcerrors.InvalidInput("name must contain letters")
	}
	if len(clean) > 200 {
		return Profile{}, svcerrors.InvalidInput("name is too long")
	}
	birth, err := ParseBirthDate(birthDate)
	if err != nil {
		return Profile{}, err
	}
	date := birth.Format(BirthDateLayout)

	sum := sha256.Sum256([]byte(NormalizeName(clean) + "|" + date))
	return Profile{
		Name:        clean,
		BirthDate:   date,
		LifePath:    LifePath(birth),
		Expression:  Expression(clean),
		SoulUrge:    SoulUrge(clean),
		Personality: Personality(clean),
		Seed:        binary.BigEndian.Uint64(sum[:8]),
	}, nil
}

// Summary is a one-line description used in emails and certificates.
func (p Profile) Summary() string {
	return fmt.Sprintf("Life Path %s, Expression %s, Soul Urge %s, Personality %s",
		label(p.LifePath), label(p.Expression), label(p.SoulUrge), label(p.Personality))
}

func label(n int) string {
	if IsMaster(n) {
		return strconv.Itoa(n) + " (master)"
	}
	return strconv.Itoa(n)
}
