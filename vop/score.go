// Package vop scores debtors for Verification of Payee: a deterministic
// 0-100 score built from the IBAN checksum, SEPA membership, the bank
// registry and a bank account verification name match for a sampled subset.
package vop

import (
	"gitlab.com/arcapay/recoup/iban"
	"gitlab.com/arcapay/recoup/models/banks"
	"gitlab.com/arcapay/recoup/models/debtors"
	"gitlab.com/arcapay/recoup/models/voplogs"
)

// Score component weights. The full name match weight and the other four
// components sum to 100; a partial match earns a reduced tier.
const (
	weightIbanValid    = 20
	weightSepaCountry  = 15
	weightBankKnown    = 25
	weightBankSdd      = 25
	weightNameMatch    = 15
	weightPartialMatch = 10
)

// Score computes the VOP score for a debtor. bankFound says whether the
// bank registry identified the institution; match is the BAV name match
// outcome, unavailable until a verification call completes. The same inputs
// always produce the same score.
func Score(debtor debtors.Debtor, bank banks.Bank, bankFound bool,
	match voplogs.NameMatch) int {

	score := 0
	if debtor.IbanValid {
		score += weightIbanValid
	}
	if debtor.IbanValid && iban.IsSEPA(debtor.Iban) {
		score += weightSepaCountry
	}
	if bankFound {
		score += weightBankKnown
		if bank.SupportsSdd {
			score += weightBankSdd
		}
	}
	return score + MatchPoints(match)
}

// MatchPoints is the score contribution of a BAV name match outcome. A
// failed or never-run verification contributes nothing.
func MatchPoints(match voplogs.NameMatch) int {
	switch match {
	case voplogs.MatchYes:
		return weightNameMatch
	case voplogs.MatchPartial:
		return weightPartialMatch
	}
	return 0
}

// Verified reports whether a BAV outcome counts as a completed
// verification. Partial and negative matches are definitive answers; only
// an unavailable outcome leaves the account unverified.
func Verified(match voplogs.NameMatch) bool {
	return match != voplogs.MatchUnavailable
}

// Bucket maps a score onto its result bucket.
func Bucket(score int) voplogs.Result {
	switch {
	case score >= 80:
		return voplogs.ResultVerified
	case score >= 60:
		return voplogs.ResultLikelyVerified
	case score >= 40:
		return voplogs.ResultInconclusive
	case score >= 20:
		return voplogs.ResultMismatch
	}
	return voplogs.ResultRejected
}
