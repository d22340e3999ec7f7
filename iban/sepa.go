package iban

// sepaCountries is the closed set of SEPA member country codes.
var sepaCountries = map[string]struct{}{
	"AD": {}, "AT": {}, "BE": {}, "BG": {}, "CH": {}, "CY": {}, "CZ": {},
	"DE": {}, "DK": {}, "EE": {}, "ES": {}, "FI": {}, "FR": {}, "GB": {},
	"GI": {}, "GR": {}, "HR": {}, "HU": {}, "IE": {}, "IS": {}, "IT": {},
	"LI": {}, "LT": {}, "LU": {}, "LV": {}, "MC": {}, "MT": {}, "NL": {},
	"NO": {}, "PL": {}, "PT": {}, "RO": {}, "SE": {}, "SI": {}, "SK": {},
	"SM": {}, "VA": {}, "PM": {},
}

// IsSEPACountry reports whether the given two letter country code is part
// of the Single Euro Payments Area.
func IsSEPACountry(code string) bool {
	_, ok := sepaCountries[code]
	return ok
}

// IsSEPA reports whether the IBAN belongs to a SEPA country.
func IsSEPA(raw string) bool {
	return IsSEPACountry(Country(raw))
}

// SEPACountries returns a copy of the SEPA country set.
func SEPACountries() []string {
	out := make([]string, 0, len(sepaCountries))
	for c := range sepaCountries {
		out = append(out, c)
	}
	return out
}
