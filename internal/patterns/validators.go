// Package patterns — validators.go
//
// Checksum predicates applied to raw regex matches. Each validator accepts
// the matched text as-is (separators included) and normalizes internally,
// so the regexes stay readable and the arithmetic stays in one place.
package patterns

import (
	"strconv"
	"strings"
)

// digitsOf strips spaces and hyphens, returning only the decimal digits.
// Any other character makes the value invalid (empty return).
func digitsOf(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-':
		default:
			return ""
		}
	}
	return b.String()
}

// ValidIPv4 checks that every dotted octet is in 0..255.
func ValidIPv4(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if len(p) == 0 || len(p) > 3 {
			return false
		}
		n, err := strconv.Atoi(p)
		if err != nil || n > 255 {
			return false
		}
	}
	return true
}

// ValidCreditCard strips separators and applies the Luhn check to 13-19
// digit numbers.
func ValidCreditCard(s string) bool {
	d := digitsOf(s)
	if len(d) < 13 || len(d) > 19 {
		return false
	}
	return luhn(d)
}

// luhn is the standard mod-10 double-every-second-digit checksum.
func luhn(digits string) bool {
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

var auTFNWeights = [9]int{1, 2, 3, 4, 5, 6, 7, 8, 10}

// ValidAUTFN checks a 9-digit tax file number: the weighted digit sum must
// be divisible by 11.
func ValidAUTFN(s string) bool {
	d := digitsOf(s)
	if len(d) != 9 {
		return false
	}
	sum := 0
	for i, w := range auTFNWeights {
		sum += int(d[i]-'0') * w
	}
	return sum%11 == 0
}

var auMedicareWeights = [10]int{1, 3, 7, 9, 1, 3, 7, 9, 1, 3}

// ValidAUMedicare checks a 10-digit Medicare number: the weighted digit sum
// must be divisible by 10.
func ValidAUMedicare(s string) bool {
	d := digitsOf(s)
	if len(d) != 10 {
		return false
	}
	sum := 0
	for i, w := range auMedicareWeights {
		sum += int(d[i]-'0') * w
	}
	return sum%10 == 0
}

var auABNWeights = [11]int{10, 1, 3, 5, 7, 9, 11, 13, 15, 17, 19}

// ValidAUABN checks an 11-digit business number: subtract one from the
// leading digit, then the weighted sum must be divisible by 89.
func ValidAUABN(s string) bool {
	d := digitsOf(s)
	if len(d) != 11 {
		return false
	}
	sum := (int(d[0]-'0') - 1) * auABNWeights[0]
	for i := 1; i < 11; i++ {
		sum += int(d[i]-'0') * auABNWeights[i]
	}
	return sum >= 0 && sum%89 == 0
}

var nzIRDWeights = [8]int{3, 2, 7, 6, 5, 4, 3, 2}

// ValidNZIRD checks an 8 or 9 digit IRD number, left-padded to 9 digits.
// The check digit is 11 minus the weighted sum mod 11 (11 maps to 0); a
// computed check of 10 means the number is invalid.
func ValidNZIRD(s string) bool {
	d := digitsOf(s)
	if len(d) < 8 || len(d) > 9 {
		return false
	}
	d = strings.Repeat("0", 9-len(d)) + d
	sum := 0
	for i, w := range nzIRDWeights {
		sum += int(d[i]-'0') * w
	}
	check := 11 - sum%11
	if check == 11 {
		check = 0
	}
	if check == 10 {
		return false
	}
	return check == int(d[8]-'0')
}

var ukNHSWeights = [9]int{10, 9, 8, 7, 6, 5, 4, 3, 2}

// ValidUKNHS checks a 10-digit NHS number with the mod-11 scheme. A
// computed check digit of 10 is never assigned, so such numbers are
// rejected outright.
func ValidUKNHS(s string) bool {
	d := digitsOf(s)
	if len(d) != 10 {
		return false
	}
	sum := 0
	for i, w := range ukNHSWeights {
		sum += int(d[i]-'0') * w
	}
	check := 11 - sum%11
	if check == 11 {
		check = 0
	}
	if check == 10 {
		return false
	}
	return check == int(d[9]-'0')
}

var vinWeights = [17]int{8, 7, 6, 5, 4, 3, 2, 10, 0, 9, 8, 7, 6, 5, 4, 3, 2}

// vinValues transliterates VIN characters to their numeric values. I, O and
// Q are not legal VIN characters and are absent.
var vinValues = map[byte]int{
	'A': 1, 'B': 2, 'C': 3, 'D': 4, 'E': 5, 'F': 6, 'G': 7, 'H': 8,
	'J': 1, 'K': 2, 'L': 3, 'M': 4, 'N': 5, 'P': 7, 'R': 9,
	'S': 2, 'T': 3, 'U': 4, 'V': 5, 'W': 6, 'X': 7, 'Y': 8, 'Z': 9,
}

// ValidVIN checks the 17-character vehicle identification number: position 9
// holds a check digit (0-9 or X for ten) derived from the weighted sum of
// the transliterated characters mod 11.
func ValidVIN(s string) bool {
	if len(s) != 17 {
		return false
	}
	sum := 0
	for i := 0; i < 17; i++ {
		c := s[i]
		var v int
		switch {
		case c >= '0' && c <= '9':
			v = int(c - '0')
		default:
			var ok bool
			v, ok = vinValues[c]
			if !ok {
				return false
			}
		}
		sum += v * vinWeights[i]
	}
	rem := sum % 11
	check := s[8]
	if rem == 10 {
		return check == 'X'
	}
	return check == byte('0'+rem)
}

// ValidIBAN applies the ISO 13616 mod-97 check: move the first four
// characters to the end, expand letters to two-digit values, and the
// resulting number must be congruent to 1 mod 97. The modulus is computed
// incrementally so arbitrary lengths fit in an int.
func ValidIBAN(s string) bool {
	if len(s) < 15 || len(s) > 34 {
		return false
	}
	rearranged := s[4:] + s[:4]
	rem := 0
	for i := 0; i < len(rearranged); i++ {
		c := rearranged[i]
		switch {
		case c >= '0' && c <= '9':
			rem = (rem*10 + int(c-'0')) % 97
		case c >= 'A' && c <= 'Z':
			v := int(c-'A') + 10
			rem = (rem*100 + v) % 97
		default:
			return false
		}
	}
	return rem == 1
}
