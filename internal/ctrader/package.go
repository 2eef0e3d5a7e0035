package ctrader

import (
	"fmt"

	"github.com/timmye/neurosensefx-sub013/internal/market"
)

// m1FromTrendbar expands the provider's delta-compressed bar into absolute
// prices, rounded to the symbol's precision.
func m1FromTrendbar(symbol string, tb trendbar, digits int) market.M1Bar {
	low := float64(tb.Low)
	return market.M1Bar{
		Symbol:    symbol,
		Source:    market.SourceCTrader,
		Open:      market.RoundTo((low+float64(tb.DeltaOpen))/priceScale, digits),
		High:      market.RoundTo((low+float64(tb.DeltaHigh))/priceScale, digits),
		Low:       market.RoundTo(low/priceScale, digits),
		Close:     market.RoundTo((low+float64(tb.DeltaClose))/priceScale, digits),
		Timestamp: tb.UTCTimestampInMinutes * 60_000,
	}
}

func d1FromTrendbar(tb trendbar, digits int) market.D1Bar {
	low := float64(tb.Low)
	return market.D1Bar{
		Open:      market.RoundTo((low+float64(tb.DeltaOpen))/priceScale, digits),
		High:      market.RoundTo((low+float64(tb.DeltaHigh))/priceScale, digits),
		Low:       market.RoundTo(low/priceScale, digits),
		Close:     market.RoundTo((low+float64(tb.DeltaClose))/priceScale, digits),
		Timestamp: tb.UTCTimestampInMinutes * 60_000,
	}
}

// buildPackage assembles the bootstrap package from fetched history. The
// daily series is expected ascending with today's partial bar last; the ADR
// excludes that partial bar. With no intraday bars yet (just after
// midnight) today's open falls back to the last daily close.
func buildPackage(symbol string, info market.SymbolInfo, daily []market.D1Bar, intraday []market.M1Bar, adrLookbackDays int) (*market.SymbolDataPackage, error) {
	if len(daily) < 2 {
		return nil, fmt.Errorf("%s: need at least 2 daily bars, got %d", symbol, len(daily))
	}
	adr := market.AverageDailyRange(daily, adrLookbackDays)
	last := daily[len(daily)-1]
	prev := daily[len(daily)-2]

	var todaysOpen, todaysHigh, todaysLow, initialPrice float64
	if len(intraday) > 0 {
		first := intraday[0]
		todaysOpen, todaysHigh, todaysLow = first.Open, first.High, first.Low
		for _, b := range intraday[1:] {
			if b.High > todaysHigh {
				todaysHigh = b.High
			}
			if b.Low < todaysLow {
				todaysLow = b.Low
			}
		}
		initialPrice = intraday[len(intraday)-1].Close
	} else {
		todaysOpen = last.Close
		todaysHigh = last.High
		todaysLow = last.Low
		initialPrice = last.Close
	}

	return &market.SymbolDataPackage{
		Symbol:               symbol,
		Source:               market.SourceCTrader,
		Digits:               info.Digits,
		ADR:                  adr,
		TodaysOpen:           todaysOpen,
		TodaysHigh:           todaysHigh,
		TodaysLow:            todaysLow,
		ProjectedADRHigh:     todaysOpen + adr/2,
		ProjectedADRLow:      todaysOpen - adr/2,
		InitialPrice:         initialPrice,
		InitialMarketProfile: intraday,
		PipPosition:          info.PipPosition,
		PipSize:              info.PipSize,
		PipetteSize:          info.PipetteSize,
		BucketSize:           market.BucketSize(symbol),
		HasPrevDay:           true,
		PrevDayOpen:          prev.Open,
		PrevDayHigh:          prev.High,
		PrevDayLow:           prev.Low,
		PrevDayClose:         prev.Close,
	}, nil
}
