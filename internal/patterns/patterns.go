// Package patterns is the declarative catalogue of regex-based PII
// detectors: universal patterns (email, IP, card numbers, ...) plus
// country-specific identifiers for AU, NZ, UK and US.
//
// The catalogue is immutable after process start. Each entry couples a
// compiled regex with an optional checksum validator; a match that fails
// its validator is discarded as if the pattern had not matched, which is
// what keeps look-alike digit runs (an invalid card number, a phone number
// shaped like an NHS number) out of the results.
package patterns

import (
	"regexp"
	"sort"

	"anonamoose/internal/pii"
)

// Pattern is one catalogue entry. Countries nil means the pattern applies
// under every locale.
type Pattern struct {
	ID         string
	Name       string
	Regex      *regexp.Regexp
	Validator  func(string) bool
	Confidence float64
	Countries  []string
}

// Locale values accepted by the catalogue filter. The empty string selects
// every pattern.
const (
	LocaleAU = "AU"
	LocaleNZ = "NZ"
	LocaleUK = "UK"
	LocaleUS = "US"
)

// ValidLocale reports whether s is a recognized locale tag ("" included).
func ValidLocale(s string) bool {
	switch s {
	case "", LocaleAU, LocaleNZ, LocaleUK, LocaleUS:
		return true
	}
	return false
}

var catalogue = []Pattern{
	// Universal
	{
		ID:         "email",
		Name:       "EMAIL",
		Regex:      regexp.MustCompile(`\b[A-Za-z0-9][A-Za-z0-9._%+-]*@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
		Confidence: 0.95,
	},
	{
		ID:         "url",
		Name:       "URL",
		Regex:      regexp.MustCompile(`\bhttps?://[^\s<>"']+`),
		Confidence: 0.9,
	},
	{
		ID:         "ipv4",
		Name:       "IPV4",
		Regex:      regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
		Validator:  ValidIPv4,
		Confidence: 0.95,
	},
	{
		ID:   "ipv6",
		Name: "IPV6",
		Regex: regexp.MustCompile(`\b(?:[0-9A-Fa-f]{1,4}:){7}[0-9A-Fa-f]{1,4}\b` +
			`|\b(?:[0-9A-Fa-f]{1,4}:){1,6}:[0-9A-Fa-f]{1,4}(?::[0-9A-Fa-f]{1,4}){0,5}\b` +
			`|\b(?:[0-9A-Fa-f]{1,4}:){1,7}:`),
		Confidence: 0.9,
	},
	{
		ID:         "mac-address",
		Name:       "MAC_ADDRESS",
		Regex:      regexp.MustCompile(`\b[0-9A-Fa-f]{2}(?:[:-][0-9A-Fa-f]{2}){5}\b`),
		Confidence: 0.9,
	},
	{
		ID:         "iban",
		Name:       "IBAN",
		Regex:      regexp.MustCompile(`\b[A-Z]{2}\d{2}[A-Z0-9]{11,30}\b`),
		Validator:  ValidIBAN,
		Confidence: 0.9,
	},
	{
		ID:         "credit-card",
		Name:       "CREDIT_CARD",
		Regex:      regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`),
		Validator:  ValidCreditCard,
		Confidence: 0.9,
	},
	{
		ID:         "vin",
		Name:       "VIN",
		Regex:      regexp.MustCompile(`\b[A-HJ-NPR-Z0-9]{17}\b`),
		Validator:  ValidVIN,
		Confidence: 0.9,
	},
	{
		ID:         "medical-record",
		Name:       "MEDICAL_RECORD",
		Regex:      regexp.MustCompile(`(?i)\b(?:MRN|medical record(?: number)?|patient (?:id|number))[ #:.-]*[A-Za-z0-9][A-Za-z0-9-]{2,}\b`),
		Confidence: 0.85,
	},
	{
		ID:         "certificate",
		Name:       "CERTIFICATE_NUMBER",
		Regex:      regexp.MustCompile(`(?i)\b(?:certificate|licen[cs]e)(?: (?:number|no))?[ #:.-]+[A-Za-z0-9][A-Za-z0-9-]{2,}\b`),
		Confidence: 0.75,
	},

	// Australia
	{
		ID:         "au-tfn",
		Name:       "AU_TFN",
		Regex:      regexp.MustCompile(`\b\d{3}[ -]?\d{3}[ -]?\d{3}\b`),
		Validator:  ValidAUTFN,
		Confidence: 0.9,
		Countries:  []string{LocaleAU},
	},
	{
		ID:         "au-medicare",
		Name:       "AU_MEDICARE",
		Regex:      regexp.MustCompile(`\b[2-6]\d{3}[ -]?\d{5}[ -]?\d\b`),
		Validator:  ValidAUMedicare,
		Confidence: 0.9,
		Countries:  []string{LocaleAU},
	},
	{
		ID:         "au-abn",
		Name:       "AU_ABN",
		Regex:      regexp.MustCompile(`\b\d{2}[ ]?\d{3}[ ]?\d{3}[ ]?\d{3}\b`),
		Validator:  ValidAUABN,
		Confidence: 0.9,
		Countries:  []string{LocaleAU},
	},
	{
		ID:         "au-passport",
		Name:       "AU_PASSPORT",
		Regex:      regexp.MustCompile(`\b[A-Z]{1,2}\d{7}\b`),
		Confidence: 0.7,
		Countries:  []string{LocaleAU},
	},
	{
		ID:         "au-bank-account",
		Name:       "AU_BANK_ACCOUNT",
		Regex:      regexp.MustCompile(`\b\d{3}-\d{3}[ ]?\d{6,10}\b`),
		Confidence: 0.85,
		Countries:  []string{LocaleAU},
	},
	{
		ID:   "au-address",
		Name: "AU_ADDRESS",
		Regex: regexp.MustCompile(`\b\d+[A-Za-z]?(?:/\d+[A-Za-z]?)? +[A-Z][A-Za-z']*(?: [A-Z][A-Za-z']*){0,3} +` +
			`(?:Street|St|Road|Rd|Avenue|Ave|Drive|Dr|Court|Ct|Place|Pl|Crescent|Cres|Parade|Pde|Highway|Hwy|Lane|Ln|Terrace|Tce|Way|Close|Cl|Boulevard|Blvd)\b`),
		Confidence: 0.75,
		Countries:  []string{LocaleAU},
	},
	{
		ID:         "au-dob",
		Name:       "AU_DOB",
		Regex:      regexp.MustCompile(`(?i)\b(?:dob|date of birth|born(?: on)?)[ :]*\d{1,2}[/.-]\d{1,2}[/.-]\d{2,4}\b`),
		Confidence: 0.85,
		Countries:  []string{LocaleAU},
	},
	{
		ID:         "au-landline",
		Name:       "AU_LANDLINE",
		Regex:      regexp.MustCompile(`(?:\+61[ ]?[2378]|\(0[2378]\)|\b0[2378])[ ]?\d{4}[ ]?\d{4}\b`),
		Confidence: 0.85,
		Countries:  []string{LocaleAU},
	},
	{
		ID:         "au-mobile",
		Name:       "AU_MOBILE",
		Regex:      regexp.MustCompile(`(?:\+61[ ]?4\d{2}|\b04\d{2})[ ]?\d{3}[ ]?\d{3}\b`),
		Confidence: 0.9,
		Countries:  []string{LocaleAU},
	},
	{
		ID:         "anz-postcode",
		Name:       "POSTCODE",
		Regex:      regexp.MustCompile(`(?i)\b(?:postcode|post code)[ :]*\d{4}\b|\b(?:NSW|VIC|QLD|SA|WA|TAS|NT|ACT)[ ,]+\d{4}\b`),
		Confidence: 0.6,
		Countries:  []string{LocaleAU, LocaleNZ},
	},

	// New Zealand
	{
		ID:         "nz-ird",
		Name:       "NZ_IRD",
		Regex:      regexp.MustCompile(`\b\d{2,3}[ -]?\d{3}[ -]?\d{3}\b`),
		Validator:  ValidNZIRD,
		Confidence: 0.9,
		Countries:  []string{LocaleNZ},
	},
	{
		ID:         "nz-nhi",
		Name:       "NZ_NHI",
		Regex:      regexp.MustCompile(`\b[A-HJ-NP-Z]{3}\d{4}\b`),
		Confidence: 0.9,
		Countries:  []string{LocaleNZ},
	},
	{
		ID:         "nz-passport",
		Name:       "NZ_PASSPORT",
		Regex:      regexp.MustCompile(`\b[A-Z]{1,2}\d{6}\b`),
		Confidence: 0.7,
		Countries:  []string{LocaleNZ},
	},
	{
		ID:         "nz-bank-account",
		Name:       "NZ_BANK_ACCOUNT",
		Regex:      regexp.MustCompile(`\b\d{2}-\d{4}-\d{7}-\d{2,3}\b`),
		Confidence: 0.9,
		Countries:  []string{LocaleNZ},
	},
	{
		ID:         "nz-landline",
		Name:       "NZ_LANDLINE",
		Regex:      regexp.MustCompile(`(?:\+64[ ]?[34679]|\b0[34679])[ ]?\d{3}[ ]?\d{4}\b`),
		Confidence: 0.85,
		Countries:  []string{LocaleNZ},
	},
	{
		ID:         "nz-mobile",
		Name:       "NZ_MOBILE",
		Regex:      regexp.MustCompile(`(?:\+64[ ]?2\d|\b02\d)[ ]?\d{3}[ ]?\d{3,5}\b`),
		Confidence: 0.9,
		Countries:  []string{LocaleNZ},
	},
	{
		ID:   "nz-address",
		Name: "NZ_ADDRESS",
		Regex: regexp.MustCompile(`\b\d+[A-Za-z]?(?:/\d+[A-Za-z]?)? +[A-Z][A-Za-z']*(?: [A-Z][A-Za-z']*){0,3} +` +
			`(?:Street|St|Road|Rd|Avenue|Ave|Drive|Dr|Crescent|Cres|Terrace|Tce|Place|Pl|Way|Grove|Rise|Esplanade)\b`),
		Confidence: 0.75,
		Countries:  []string{LocaleNZ},
	},
	{
		ID:         "nz-dob",
		Name:       "NZ_DOB",
		Regex:      regexp.MustCompile(`(?i)\b(?:dob|date of birth|born(?: on)?)[ :]*\d{1,2}[/.-]\d{1,2}[/.-]\d{2,4}\b`),
		Confidence: 0.85,
		Countries:  []string{LocaleNZ},
	},

	// United Kingdom
	{
		ID:         "uk-nino",
		Name:       "UK_NINO",
		Regex:      regexp.MustCompile(`\b[A-CEGHJ-PR-TW-Z][A-CEGHJ-NPR-TW-Z]\d{6}[A-D]\b`),
		Confidence: 0.9,
		Countries:  []string{LocaleUK},
	},
	{
		ID:         "uk-nhs",
		Name:       "UK_NHS",
		Regex:      regexp.MustCompile(`\b\d{3}[ -]?\d{3}[ -]?\d{4}\b`),
		Validator:  ValidUKNHS,
		Confidence: 0.9,
		Countries:  []string{LocaleUK},
	},
	{
		ID:         "uk-passport",
		Name:       "UK_PASSPORT",
		Regex:      regexp.MustCompile(`(?i)\bpassport(?: (?:no|number))?[ #:.]*\d{9}\b`),
		Confidence: 0.8,
		Countries:  []string{LocaleUK},
	},
	{
		ID:         "uk-driving-licence",
		Name:       "UK_DRIVING_LICENCE",
		Regex:      regexp.MustCompile(`\b[A-Z9]{5}\d{6}[A-Z9]{2}\d[A-Z]{2}\b`),
		Confidence: 0.9,
		Countries:  []string{LocaleUK},
	},
	{
		ID:         "uk-sort-code",
		Name:       "UK_SORT_CODE",
		Regex:      regexp.MustCompile(`\b\d{2}-\d{2}-\d{2}\b`),
		Confidence: 0.8,
		Countries:  []string{LocaleUK},
	},
	{
		ID:         "uk-postcode",
		Name:       "UK_POSTCODE",
		Regex:      regexp.MustCompile(`\b[A-Z]{1,2}\d[A-Z\d]?[ ]?\d[A-Z]{2}\b`),
		Confidence: 0.85,
		Countries:  []string{LocaleUK},
	},
	{
		ID:   "uk-address",
		Name: "UK_ADDRESS",
		Regex: regexp.MustCompile(`\b\d+[A-Za-z]? +[A-Z][A-Za-z']*(?: [A-Z][A-Za-z']*){0,3} +` +
			`(?:Street|St|Road|Rd|Avenue|Ave|Close|Court|Gardens|Lane|Ln|Mews|Place|Pl|Square|Terrace|Way|Crescent|Drive|Dr|Grove|Hill|Park|Rise|Row|View|Walk)\b`),
		Confidence: 0.75,
		Countries:  []string{LocaleUK},
	},
	{
		ID:         "uk-dob",
		Name:       "UK_DOB",
		Regex:      regexp.MustCompile(`(?i)\b(?:dob|date of birth|born(?: on)?)[ :]*\d{1,2}[/.-]\d{1,2}[/.-]\d{2,4}\b`),
		Confidence: 0.85,
		Countries:  []string{LocaleUK},
	},
	{
		ID:         "uk-landline",
		Name:       "UK_LANDLINE",
		Regex:      regexp.MustCompile(`(?:\+44[ ]?1\d{2,3}|\b01\d{2,3}|\+44[ ]?2\d|\b02\d)[ ]?\d{3,4}[ ]?\d{4}\b`),
		Confidence: 0.85,
		Countries:  []string{LocaleUK},
	},
	{
		ID:         "uk-mobile",
		Name:       "UK_MOBILE",
		Regex:      regexp.MustCompile(`(?:\+44[ ]?7\d{3}|\b07\d{3})[ ]?\d{3}[ ]?\d{3}\b`),
		Confidence: 0.9,
		Countries:  []string{LocaleUK},
	},

	// United States
	{
		ID:         "us-phone",
		Name:       "US_PHONE",
		Regex:      regexp.MustCompile(`(?:\+1[ .-]?)?(?:\(\d{3}\)[ .-]?|\b\d{3}[ .-])\d{3}[ .-]?\d{4}\b`),
		Confidence: 0.85,
		Countries:  []string{LocaleUS},
	},
	{
		ID:         "us-ssn",
		Name:       "US_SSN",
		Regex:      regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
		Confidence: 0.9,
		Countries:  []string{LocaleUS},
	},
}

// Catalogue returns the patterns applying under the given locale: universal
// entries plus those tagged with the locale. The empty locale returns the
// full table. The returned slice is shared; callers must not mutate it.
func Catalogue(locale string) []Pattern {
	if locale == "" {
		return catalogue
	}
	out := make([]Pattern, 0, len(catalogue))
	for _, p := range catalogue {
		if len(p.Countries) == 0 {
			out = append(out, p)
			continue
		}
		for _, c := range p.Countries {
			if c == locale {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

// All returns the complete table regardless of locale.
func All() []Pattern { return catalogue }

// Scan runs every applicable pattern over text, applies validators, and
// returns the surviving detections with overlaps resolved: when two spans
// overlap the leftmost wins, and on equal start the longer wins.
func Scan(text, locale string) []pii.Detection {
	var found []pii.Detection
	for _, p := range Catalogue(locale) {
		for _, loc := range p.Regex.FindAllStringIndex(text, -1) {
			value := text[loc[0]:loc[1]]
			if p.Validator != nil && !p.Validator(value) {
				continue
			}
			found = append(found, pii.Detection{
				Layer:      pii.LayerRegex,
				Category:   p.Name,
				Value:      value,
				StartIndex: loc[0],
				EndIndex:   loc[1],
				Confidence: p.Confidence,
			})
		}
	}
	return resolveOverlaps(found)
}

func resolveOverlaps(dets []pii.Detection) []pii.Detection {
	sort.SliceStable(dets, func(i, j int) bool {
		if dets[i].StartIndex != dets[j].StartIndex {
			return dets[i].StartIndex < dets[j].StartIndex
		}
		return dets[i].EndIndex > dets[j].EndIndex
	})
	out := dets[:0]
	lastEnd := -1
	for _, d := range dets {
		if d.StartIndex < lastEnd {
			continue
		}
		out = append(out, d)
		lastEnd = d.EndIndex
	}
	return out
}
