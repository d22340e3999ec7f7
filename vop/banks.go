package vop

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gitlab.com/arcapay/recoup/db"
	"gitlab.com/arcapay/recoup/iban"
	"gitlab.com/arcapay/recoup/kv"
	"gitlab.com/arcapay/recoup/models/banks"
)

// bankCacheTTL is how long a registry answer stays cached in the KV store.
const bankCacheTTL = 24 * time.Hour

// BankDirectory is a remote source of bank data, consulted when the local
// registry has no entry for a bank code.
type BankDirectory interface {
	// Lookup resolves a (country, bank code) pair. The second return value
	// is false when the directory doesn't know the bank either.
	Lookup(ctx context.Context, country, bankCode string) (banks.Bank, bool, error)
}

// Registry resolves IBANs to banks: KV cache first, then the banks table,
// then the remote directory, writing back on the way out.
type Registry struct {
	DB        *db.DB
	KV        *kv.KV
	Directory BankDirectory
}

type cachedBank struct {
	Found bool       `json:"found"`
	Bank  banks.Bank `json:"bank"`
}

// Lookup identifies the bank behind an IBAN.
func (r *Registry) Lookup(ctx context.Context, rawIban string) (banks.Bank, bool, error) {
	country := iban.Country(rawIban)
	bankCode := iban.BankCode(rawIban)
	if country == "" || bankCode == "" {
		return banks.Bank{}, false, nil
	}

	cacheKey := fmt.Sprintf("bank:%s:%s", country, bankCode)
	if r.KV != nil {
		if value, found, err := r.KV.Get(ctx, cacheKey); err == nil && found {
			var cached cachedBank
			if err := json.Unmarshal([]byte(value), &cached); err == nil {
				return cached.Bank, cached.Found, nil
			}
		}
	}

	bank, found, err := r.resolve(ctx, country, bankCode)
	if err != nil {
		return banks.Bank{}, false, err
	}

	if r.KV != nil {
		if encoded, err := json.Marshal(cachedBank{Found: found, Bank: bank}); err == nil {
			if err := r.KV.Set(ctx, cacheKey, string(encoded), bankCacheTTL); err != nil {
				log.WithError(err).Warn("Could not cache bank lookup")
			}
		}
	}
	return bank, found, nil
}

func (r *Registry) resolve(ctx context.Context, country, bankCode string) (banks.Bank, bool, error) {
	bank, err := banks.Get(r.DB, country, bankCode)
	if err == nil {
		return bank, true, nil
	}
	if err != banks.ErrNotFound {
		return banks.Bank{}, false, err
	}

	if r.Directory == nil {
		return banks.Bank{}, false, nil
	}
	bank, found, err := r.Directory.Lookup(ctx, country, bankCode)
	if err != nil {
		log.WithError(err).WithField("country", country).
			Warn("Bank directory lookup failed")
		return banks.Bank{}, false, nil
	}
	if !found {
		return banks.Bank{}, false, nil
	}

	if err := banks.Upsert(r.DB, bank); err != nil {
		log.WithError(err).Warn("Could not store directory bank")
	}
	return bank, true, nil
}
