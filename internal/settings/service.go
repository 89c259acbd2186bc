package settings

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
)

// Tax account types. The zero-tax ones are tax-advantaged wrappers where
// capital gains are not taxed at withdrawal.
const (
	AccountTaxable     = "taxable"
	AccountNISAGeneral = "nisa_general"
	AccountNISAGrowth  = "nisa_growth"
	AccountISA         = "isa"
	AccountIDeCo       = "ideco"
	AccountDCPension   = "dc_pension"
)

// LongTermHoldingDays is the holding period at which capital gains switch
// from the short-term to the long-term rate.
const LongTermHoldingDays = 365

const (
	defaultShortTermRate = 0.35
	defaultLongTermRate  = 0.15
	defaultRiskFreeRate  = 0.04
)

// Settings keys consumed by the typed accessors.
const (
	keyInstrumentUniverse = "instrument_universe"
	keyCommissionType     = "commission_type"
	keyCommissionValue    = "commission_value"
	keyShortTermRate      = "tax_short_term_rate"
	keyLongTermRate       = "tax_long_term_rate"
	keyRiskFreeRate       = "risk_free_rate"
)

// Default annual contribution limits per account type, in the account's
// native currency. Zero means no limit. Overridable via the
// "contribution_limit_<account_type>" settings keys.
var defaultContributionLimits = map[string]float64{
	AccountNISAGeneral: 1200000,
	AccountNISAGrowth:  2400000,
	AccountIDeCo:       276000,
	AccountISA:         20000,
}

var zeroTaxAccounts = map[string]bool{
	AccountNISAGeneral: true,
	AccountNISAGrowth:  true,
	AccountISA:         true,
	AccountIDeCo:       true,
	AccountDCPension:   true,
}

// Instrument describes one tradable fund in the configured universe.
type Instrument struct {
	Symbol       string  `json:"symbol"`
	Name         string  `json:"name,omitempty"`
	Market       string  `json:"market,omitempty"`
	Sector       string  `json:"sector,omitempty"`
	ExpenseRatio float64 `json:"expense_ratio"`
}

// Commission describes the commission model applied per trade.
// Type is "flat_per_trade" (Value in currency units) or
// "percent" (Value as a fraction of trade size).
type Commission struct {
	Type  string  `json:"type"`
	Value float64 `json:"value"`
}

// AccountTaxRates holds the capital-gains rates for one account type.
type AccountTaxRates struct {
	ShortTermRate float64 `json:"short_term_rate"`
	LongTermRate  float64 `json:"long_term_rate"`
}

// Service exposes typed accessors over the raw settings repository.
type Service struct {
	repo *Repository
	log  zerolog.Logger
}

// NewService creates the typed settings service.
func NewService(repo *Repository, log zerolog.Logger) *Service {
	return &Service{
		repo: repo,
		log:  log.With().Str("component", "settings").Logger(),
	}
}

// Repo exposes the underlying repository for raw key access.
func (s *Service) Repo() *Repository {
	return s.repo
}

// Instruments returns the configured instrument universe. An unset universe
// is an empty slice, not an error.
func (s *Service) Instruments() ([]Instrument, error) {
	raw, err := s.repo.Get(keyInstrumentUniverse)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return []Instrument{}, nil
	}

	var instruments []Instrument
	if err := json.Unmarshal([]byte(*raw), &instruments); err != nil {
		return nil, fmt.Errorf("failed to parse instrument universe: %w", err)
	}
	return instruments, nil
}

// SaveInstruments replaces the configured instrument universe.
func (s *Service) SaveInstruments(instruments []Instrument) error {
	data, err := json.Marshal(instruments)
	if err != nil {
		return fmt.Errorf("failed to encode instrument universe: %w", err)
	}
	desc := "Tradable instrument universe (JSON array)"
	return s.repo.Set(keyInstrumentUniverse, string(data), &desc)
}

// Symbols returns the symbols of the configured universe, in stored order.
func (s *Service) Symbols() ([]string, error) {
	instruments, err := s.Instruments()
	if err != nil {
		return nil, err
	}
	symbols := make([]string, len(instruments))
	for i, inst := range instruments {
		symbols[i] = inst.Symbol
	}
	return symbols, nil
}

// ExpenseRatios returns symbol → annual expense ratio for the universe.
func (s *Service) ExpenseRatios() (map[string]float64, error) {
	instruments, err := s.Instruments()
	if err != nil {
		return nil, err
	}
	ratios := make(map[string]float64, len(instruments))
	for _, inst := range instruments {
		ratios[inst.Symbol] = inst.ExpenseRatio
	}
	return ratios, nil
}

// SectorMap returns symbol → sector for instruments that declare one.
func (s *Service) SectorMap() (map[string]string, error) {
	instruments, err := s.Instruments()
	if err != nil {
		return nil, err
	}
	sectors := make(map[string]string, len(instruments))
	for _, inst := range instruments {
		if inst.Sector != "" {
			sectors[inst.Symbol] = inst.Sector
		}
	}
	return sectors, nil
}

// Commission returns the configured commission model, defaulting to a flat
// 1.00 per trade.
func (s *Service) Commission() (Commission, error) {
	commissionType, err := s.repo.Get(keyCommissionType)
	if err != nil {
		return Commission{}, err
	}
	value, err := s.repo.GetFloat(keyCommissionValue, 1.0)
	if err != nil {
		return Commission{}, err
	}

	c := Commission{Type: "flat_per_trade", Value: value}
	if commissionType != nil {
		c.Type = *commissionType
	}
	return c, nil
}

// TaxRates returns the capital-gains rates for an account type.
// Tax-advantaged accounts are always zero; the taxable rates can be
// overridden through settings.
func (s *Service) TaxRates(accountType string) (AccountTaxRates, error) {
	if zeroTaxAccounts[accountType] {
		return AccountTaxRates{}, nil
	}

	shortTerm, err := s.repo.GetFloat(keyShortTermRate, defaultShortTermRate)
	if err != nil {
		return AccountTaxRates{}, err
	}
	longTerm, err := s.repo.GetFloat(keyLongTermRate, defaultLongTermRate)
	if err != nil {
		return AccountTaxRates{}, err
	}
	return AccountTaxRates{ShortTermRate: shortTerm, LongTermRate: longTerm}, nil
}

// TaxRateForAccount returns the applicable capital-gains rate for an account
// type and holding period. Holdings of LongTermHoldingDays or more qualify
// for the long-term rate.
func (s *Service) TaxRateForAccount(accountType string, holdingPeriodDays int) (float64, error) {
	rates, err := s.TaxRates(accountType)
	if err != nil {
		return 0, err
	}
	if holdingPeriodDays >= LongTermHoldingDays {
		return rates.LongTermRate, nil
	}
	return rates.ShortTermRate, nil
}

// ContributionLimit returns the annual contribution limit for an account
// type. Zero means no limit applies.
func (s *Service) ContributionLimit(accountType string) (float64, error) {
	return s.repo.GetFloat("contribution_limit_"+accountType, defaultContributionLimits[accountType])
}

// RiskFreeRate returns the annual risk-free rate used in Sharpe computations
// and the optimizer objective.
func (s *Service) RiskFreeRate() (float64, error) {
	return s.repo.GetFloat(keyRiskFreeRate, defaultRiskFreeRate)
}
