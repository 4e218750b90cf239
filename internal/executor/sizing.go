package executor

import (
	"fmt"

	"github.com/shopspring/decimal"

	"pairtrade-engine/pkg/types"
)

// NormalizeLots rounds a raw lot quantity down to the symbol's lot step
// and clamps it into [min_lot, max_lot]. Rounding happens in decimal
// space: broker lot grids are exact decimals and float arithmetic on
// 0.01-steps accumulates error.
func NormalizeLots(raw float64, spec types.SymbolSpec) (float64, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("sizing %s: non-positive volume %.4f", spec.Symbol, raw)
	}
	step := decimal.NewFromFloat(spec.LotStep)
	if step.IsZero() {
		step = decimal.NewFromFloat(0.01)
	}

	lots := decimal.NewFromFloat(raw).Div(step).Floor().Mul(step)

	minLot := decimal.NewFromFloat(spec.MinLot)
	maxLot := decimal.NewFromFloat(spec.MaxLot)
	if lots.LessThan(minLot) {
		lots = minLot
	}
	if maxLot.IsPositive() && lots.GreaterThan(maxLot) {
		lots = maxLot
	}

	f, _ := lots.Float64()
	return f, nil
}

// SpreadLots converts the equity fraction into a hedged lot pair.
//
// Primary sizing: fraction × equity / (primary_price × contract_size).
// Secondary is sized so the lot imbalance is zero under the current beta:
// imbalance = primary − β × secondary, hence secondary = primary / β.
func SpreadLots(
	equity, fraction, primaryPrice, hedgeRatio float64,
	primarySpec, secondarySpec types.SymbolSpec,
) (primaryLots, secondaryLots float64, err error) {
	if primaryPrice <= 0 {
		return 0, 0, fmt.Errorf("sizing: non-positive primary price %.4f", primaryPrice)
	}
	if hedgeRatio <= 0 {
		return 0, 0, fmt.Errorf("sizing: non-positive hedge ratio %.4f", hedgeRatio)
	}

	contract := primarySpec.ContractSize
	if contract <= 0 {
		contract = 1
	}

	rawPrimary := fraction * equity / (primaryPrice * contract)
	primaryLots, err = NormalizeLots(rawPrimary, primarySpec)
	if err != nil {
		return 0, 0, err
	}

	secondaryLots, err = NormalizeLots(primaryLots/hedgeRatio, secondarySpec)
	if err != nil {
		return 0, 0, err
	}
	return primaryLots, secondaryLots, nil
}
