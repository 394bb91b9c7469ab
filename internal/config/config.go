// Package config holds the clearing house's immutable parameters. A Config
// is built once at startup and passed by value into every operation.
package config

import (
	"fmt"

	"PerpClearing/internal/amm"
	"PerpClearing/internal/funding"
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/oracle"
)

// Risk defines margin and liquidation thresholds. All ratios are fractions
// at fixed-point scale (0.1 = 10%).
type Risk struct {
	InitialMarginRatio     fpmath.Fixed
	MaintenanceMarginRatio fpmath.Fixed

	// Below this ratio a liquidation closes the whole position at once.
	FullLiquidationRatio fpmath.Fixed
	// Share of the position closed by each partial liquidation step.
	PartialLiquidationFraction fpmath.Fixed
	// Charged on exit notional of liquidated size, paid to the fee pool.
	LiquidationFeeRate  fpmath.Fixed
	MaxLiquidationSteps int
}

type Fees struct {
	TakerFeeRate fpmath.Fixed
}

type Trading struct {
	DefaultMaxSlippage fpmath.Fixed
}

type Config struct {
	Risk    Risk
	Fees    Fees
	Funding funding.Params
	Oracle  oracle.Guard
	Repeg   amm.RepegController
	Trading Trading
}

func Default() Config {
	return Config{
		Risk: Risk{
			InitialMarginRatio:         fpmath.MustParse("0.1"),
			MaintenanceMarginRatio:     fpmath.MustParse("0.0625"),
			FullLiquidationRatio:       fpmath.MustParse("0.03"),
			PartialLiquidationFraction: fpmath.MustParse("0.25"),
			LiquidationFeeRate:         fpmath.MustParse("0.01"),
			MaxLiquidationSteps:        8,
		},
		Fees: Fees{
			TakerFeeRate: fpmath.MustParse("0.001"),
		},
		Funding: funding.Params{
			Interval: 3600,
			Horizon:  8 * 3600,
		},
		Oracle: oracle.Guard{
			MaxStaleness:       60,
			MaxConfidenceRatio: fpmath.MustParse("0.02"),
		},
		Repeg: amm.RepegController{
			MaxPegChangeFraction: fpmath.MustParse("0.05"),
			BudgetFraction:       fpmath.MustParse("0.5"),
			Period:               3600,
		},
		Trading: Trading{
			DefaultMaxSlippage: fpmath.MustParse("0.05"),
		},
	}
}

// Validate checks that parameters are within valid ranges.
func (c Config) Validate() error {
	r := c.Risk
	if !r.MaintenanceMarginRatio.IsPositive() {
		return fmt.Errorf("maintenance_margin_ratio must be > 0, got %s", r.MaintenanceMarginRatio)
	}
	if r.InitialMarginRatio <= r.MaintenanceMarginRatio {
		return fmt.Errorf("initial_margin_ratio (%s) must be > maintenance_margin_ratio (%s)",
			r.InitialMarginRatio, r.MaintenanceMarginRatio)
	}
	if r.InitialMarginRatio > fpmath.One {
		return fmt.Errorf("initial_margin_ratio must be <= 1, got %s", r.InitialMarginRatio)
	}
	if r.FullLiquidationRatio < 0 || r.FullLiquidationRatio > r.MaintenanceMarginRatio {
		return fmt.Errorf("full_liquidation_ratio must be in [0, %s], got %s",
			r.MaintenanceMarginRatio, r.FullLiquidationRatio)
	}
	if !r.PartialLiquidationFraction.IsPositive() || r.PartialLiquidationFraction > fpmath.One {
		return fmt.Errorf("partial_liquidation_fraction must be in (0, 1], got %s", r.PartialLiquidationFraction)
	}
	if r.LiquidationFeeRate < 0 || r.LiquidationFeeRate >= r.MaintenanceMarginRatio {
		return fmt.Errorf("liquidation_fee_rate must be in [0, %s), got %s",
			r.MaintenanceMarginRatio, r.LiquidationFeeRate)
	}
	if r.MaxLiquidationSteps <= 0 {
		return fmt.Errorf("max_liquidation_steps must be > 0, got %d", r.MaxLiquidationSteps)
	}

	if c.Fees.TakerFeeRate < 0 || c.Fees.TakerFeeRate >= fpmath.One {
		return fmt.Errorf("taker_fee_rate must be in [0, 1), got %s", c.Fees.TakerFeeRate)
	}

	if c.Funding.Interval <= 0 {
		return fmt.Errorf("funding interval must be > 0, got %d", c.Funding.Interval)
	}
	if c.Funding.Horizon < c.Funding.Interval {
		return fmt.Errorf("funding horizon (%d) must be >= interval (%d)", c.Funding.Horizon, c.Funding.Interval)
	}
	if c.Funding.MaxRate < 0 {
		return fmt.Errorf("funding max_rate must be >= 0, got %s", c.Funding.MaxRate)
	}

	if c.Oracle.MaxStaleness < 0 {
		return fmt.Errorf("oracle max_staleness must be >= 0, got %d", c.Oracle.MaxStaleness)
	}
	if !c.Oracle.MaxConfidenceRatio.IsPositive() || c.Oracle.MaxConfidenceRatio > fpmath.One {
		return fmt.Errorf("oracle max_confidence_ratio must be in (0, 1], got %s", c.Oracle.MaxConfidenceRatio)
	}

	if !c.Repeg.MaxPegChangeFraction.IsPositive() || c.Repeg.MaxPegChangeFraction >= fpmath.One {
		return fmt.Errorf("repeg max_peg_change_fraction must be in (0, 1), got %s", c.Repeg.MaxPegChangeFraction)
	}
	if c.Repeg.BudgetFraction < 0 || c.Repeg.BudgetFraction > fpmath.One {
		return fmt.Errorf("repeg budget_fraction must be in [0, 1], got %s", c.Repeg.BudgetFraction)
	}
	if c.Repeg.Period <= 0 {
		return fmt.Errorf("repeg period must be > 0, got %d", c.Repeg.Period)
	}

	if !c.Trading.DefaultMaxSlippage.IsPositive() {
		return fmt.Errorf("default_max_slippage must be > 0, got %s", c.Trading.DefaultMaxSlippage)
	}
	return nil
}
