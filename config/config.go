// Package config holds the closed set of runtime options and reads them
// from CLI flags. Every knob the pipeline honors lives here; nothing else
// is configurable.
package config

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	cli "github.com/urfave/cli"

	"gitlab.com/arcapay/recoup/models/profiles"
)

// AmountRange bounds the amounts a billing model accepts.
type AmountRange struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

// Contains reports whether the amount is inside the range, inclusive.
func (r AmountRange) Contains(amount decimal.Decimal) bool {
	return amount.GreaterThanOrEqual(r.Min) && amount.LessThanOrEqual(r.Max)
}

// Chargeback options
type Chargeback struct {
	// BlacklistCodes are the gateway reason codes that trigger an
	// automatic blacklist entry
	BlacklistCodes []string
	// ExcludedCbReasonCodes are excluded from chargeback rate statistics
	ExcludedCbReasonCodes []string
	// DeclineBlacklistAfter auto-blacklists a debtor after this many
	// declined attempts. Zero disables the rule.
	DeclineBlacklistAfter int
}

// HasBlacklistCode reports whether the given reason code auto-blacklists.
func (c Chargeback) HasBlacklistCode(code string) bool {
	for _, candidate := range c.BlacklistCodes {
		if candidate == code {
			return true
		}
	}
	return false
}

// Bav options
type Bav struct {
	Enabled            bool
	SamplingPercentage int
	DailyLimit         int
}

// Billing options
type Billing struct {
	// AmountRanges per model; the resolver never hard-codes intervals
	AmountRanges map[profiles.BillingModel]AmountRange
	// CycleDays is the billing cycle length per recurring model
	CycleDays map[profiles.BillingModel]int
	// RatePerSecond is the gateway call budget of the billing worker
	RatePerSecond int
	// CircuitThreshold is how many consecutive failures open the circuit
	CircuitThreshold int
	// CircuitOpenFor is how long the billing circuit stays open
	CircuitOpenFor time.Duration
}

// Cycle returns the billing cycle for the given model as a duration.
func (b Billing) Cycle(model profiles.BillingModel) time.Duration {
	return time.Duration(b.CycleDays[model]) * 24 * time.Hour
}

// Range returns the amount range for a model, and whether one is
// configured.
func (b Billing) Range(model profiles.BillingModel) (AmountRange, bool) {
	r, ok := b.AmountRanges[model]
	return r, ok
}

// Reconciliation options
type Reconciliation struct {
	MinAge           time.Duration
	MaxAttempts      int
	RatePerSecond    int
	CircuitThreshold int
	CircuitOpenFor   time.Duration
}

// Config is the full option set.
type Config struct {
	Chargeback     Chargeback
	Bav            Bav
	Billing        Billing
	Reconciliation Reconciliation
}

// Default returns the configuration used when no flags override it. Tests
// build on this.
func Default() Config {
	return Config{
		Chargeback: Chargeback{
			BlacklistCodes:        []string{"AC04", "AC06", "MD01", "MD06", "SL01"},
			DeclineBlacklistAfter: 3,
		},
		Bav: Bav{
			Enabled:            true,
			SamplingPercentage: 10,
			DailyLimit:         500,
		},
		Billing: Billing{
			AmountRanges: map[profiles.BillingModel]AmountRange{
				profiles.ModelFlywheel: {
					Min: decimal.New(1, 0),
					Max: decimal.New(999, -2), // 9.99
				},
				profiles.ModelRecovery: {
					Min: decimal.New(10, 0),
					Max: decimal.New(50000, 0),
				},
			},
			CycleDays: map[profiles.BillingModel]int{
				profiles.ModelFlywheel: 90,
				profiles.ModelRecovery: 30,
			},
			RatePerSecond:    50,
			CircuitThreshold: 10,
			CircuitOpenFor:   5 * time.Minute,
		},
		Reconciliation: Reconciliation{
			MinAge:           12 * time.Hour,
			MaxAttempts:      10,
			RatePerSecond:    20,
			CircuitThreshold: 5,
			CircuitOpenFor:   10 * time.Minute,
		},
	}
}

// Flags are the CLI flags the pipeline accepts.
var Flags = []cli.Flag{
	cli.StringFlag{
		Name:  "chargeback.blacklistcodes",
		Usage: "comma separated gateway reason codes that auto-blacklist",
	},
	cli.StringFlag{
		Name:  "chargeback.excludedcbreasoncodes",
		Usage: "comma separated reason codes excluded from cb-rate stats",
	},
	cli.IntFlag{
		Name:  "chargeback.declineblacklistafter",
		Usage: "declined attempts before a debtor is auto-blacklisted, 0 disables",
		Value: 3,
	},
	cli.BoolTFlag{
		Name:  "iban.bavenabled",
		Usage: "whether bank account verification runs at all",
	},
	cli.IntFlag{
		Name:  "iban.bavsamplingpercentage",
		Usage: "percentage of debtors sampled for BAV (0-100)",
		Value: 10,
	},
	cli.IntFlag{
		Name:  "iban.bavdailylimit",
		Usage: "maximum BAV calls per day",
		Value: 500,
	},
	cli.StringFlag{
		Name:  "billing.flywheelrange",
		Usage: "flywheel amount range, min:max",
		Value: "1:9.99",
	},
	cli.StringFlag{
		Name:  "billing.recoveryrange",
		Usage: "recovery amount range, min:max",
		Value: "10:50000",
	},
	cli.IntFlag{
		Name:  "billing.flywheelcycledays",
		Usage: "flywheel billing cycle in days",
		Value: 90,
	},
	cli.IntFlag{
		Name:  "billing.recoverycycledays",
		Usage: "recovery billing cycle in days",
		Value: 30,
	},
	cli.IntFlag{
		Name:  "billing.ratepersecond",
		Usage: "gateway calls per second during billing",
		Value: 50,
	},
	cli.IntFlag{
		Name:  "billing.circuitthreshold",
		Usage: "consecutive failures before the billing circuit opens",
		Value: 10,
	},
	cli.IntFlag{
		Name:  "reconciliation.minagehours",
		Usage: "minimum age of pending attempts before reconciliation",
		Value: 12,
	},
	cli.IntFlag{
		Name:  "reconciliation.maxattempts",
		Usage: "reconciliation attempts per billing attempt",
		Value: 10,
	},
	cli.IntFlag{
		Name:  "reconciliation.ratepersecond",
		Usage: "gateway calls per second during reconciliation",
		Value: 20,
	},
}

// Read builds the configuration from CLI flags, falling back to defaults.
func Read(c *cli.Context) Config {
	conf := Default()

	if codes := c.GlobalString("chargeback.blacklistcodes"); codes != "" {
		conf.Chargeback.BlacklistCodes = splitCodes(codes)
	}
	if codes := c.GlobalString("chargeback.excludedcbreasoncodes"); codes != "" {
		conf.Chargeback.ExcludedCbReasonCodes = splitCodes(codes)
	}
	conf.Chargeback.DeclineBlacklistAfter = c.GlobalInt("chargeback.declineblacklistafter")

	conf.Bav.Enabled = c.GlobalBoolT("iban.bavenabled")
	if pct := c.GlobalInt("iban.bavsamplingpercentage"); pct != 0 {
		conf.Bav.SamplingPercentage = pct
	}
	if limit := c.GlobalInt("iban.bavdailylimit"); limit != 0 {
		conf.Bav.DailyLimit = limit
	}

	if r, ok := parseRange(c.GlobalString("billing.flywheelrange")); ok {
		conf.Billing.AmountRanges[profiles.ModelFlywheel] = r
	}
	if r, ok := parseRange(c.GlobalString("billing.recoveryrange")); ok {
		conf.Billing.AmountRanges[profiles.ModelRecovery] = r
	}
	if days := c.GlobalInt("billing.flywheelcycledays"); days != 0 {
		conf.Billing.CycleDays[profiles.ModelFlywheel] = days
	}
	if days := c.GlobalInt("billing.recoverycycledays"); days != 0 {
		conf.Billing.CycleDays[profiles.ModelRecovery] = days
	}
	if rate := c.GlobalInt("billing.ratepersecond"); rate != 0 {
		conf.Billing.RatePerSecond = rate
	}
	if threshold := c.GlobalInt("billing.circuitthreshold"); threshold != 0 {
		conf.Billing.CircuitThreshold = threshold
	}

	if hours := c.GlobalInt("reconciliation.minagehours"); hours != 0 {
		conf.Reconciliation.MinAge = time.Duration(hours) * time.Hour
	}
	if attempts := c.GlobalInt("reconciliation.maxattempts"); attempts != 0 {
		conf.Reconciliation.MaxAttempts = attempts
	}
	if rate := c.GlobalInt("reconciliation.ratepersecond"); rate != 0 {
		conf.Reconciliation.RatePerSecond = rate
	}

	return conf
}

func splitCodes(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseRange(raw string) (AmountRange, bool) {
	parts := strings.SplitN(raw, ":", 2)
	if len(parts) != 2 {
		return AmountRange{}, false
	}
	min, err := decimal.NewFromString(strings.TrimSpace(parts[0]))
	if err != nil {
		return AmountRange{}, false
	}
	max, err := decimal.NewFromString(strings.TrimSpace(parts[1]))
	if err != nil {
		return AmountRange{}, false
	}
	return AmountRange{Min: min, Max: max}, true
}
