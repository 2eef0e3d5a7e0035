package gateway

import (
	"github.com/timmye/neurosensefx-sub013/internal/market"
	"github.com/timmye/neurosensefx-sub013/internal/profile"
	"github.com/timmye/neurosensefx-sub013/internal/twap"
)

// Downstream wire schema. Every message is a closed struct; optional
// fields are explicit pointers with omitempty, never ad-hoc maps.

type clientMessage struct {
	Type            string   `json:"type"`
	Symbol          string   `json:"symbol,omitempty"`
	Symbols         []string `json:"symbols,omitempty"`
	ADRLookbackDays int      `json:"adrLookbackDays,omitempty"`
	Source          string   `json:"source,omitempty"`
}

type statusMessage struct {
	Type             string   `json:"type"`
	Status           string   `json:"status"`
	AvailableSymbols []string `json:"availableSymbols"`
	Message          string   `json:"message,omitempty"`
}

type readyMessage struct {
	Type             string   `json:"type"`
	AvailableSymbols []string `json:"availableSymbols"`
}

type packageMessage struct {
	Type                 string         `json:"type"`
	Source               market.Source  `json:"source"`
	Symbol               string         `json:"symbol"`
	Digits               int            `json:"digits"`
	ADR                  float64        `json:"adr"`
	TodaysOpen           float64        `json:"todaysOpen"`
	TodaysHigh           float64        `json:"todaysHigh"`
	TodaysLow            float64        `json:"todaysLow"`
	ProjectedADRHigh     float64        `json:"projectedAdrHigh"`
	ProjectedADRLow      float64        `json:"projectedAdrLow"`
	InitialPrice         float64        `json:"initialPrice"`
	InitialMarketProfile []market.M1Bar `json:"initialMarketProfile"`
	PipPosition          int            `json:"pipPosition"`
	PipSize              float64        `json:"pipSize"`
	PipetteSize          float64        `json:"pipetteSize"`
	PrevDayOpen          *float64       `json:"prevDayOpen,omitempty"`
	PrevDayHigh          *float64       `json:"prevDayHigh,omitempty"`
	PrevDayLow           *float64       `json:"prevDayLow,omitempty"`
	PrevDayClose         *float64       `json:"prevDayClose,omitempty"`
}

// quoteTickMessage is the bid/ask tick shape (provider A).
type quoteTickMessage struct {
	Type        string        `json:"type"`
	Source      market.Source `json:"source"`
	Symbol      string        `json:"symbol"`
	Bid         float64       `json:"bid"`
	Ask         float64       `json:"ask"`
	Timestamp   int64         `json:"timestamp"`
	PipPosition *int          `json:"pipPosition,omitempty"`
	PipSize     *float64      `json:"pipSize,omitempty"`
	PipetteSize *float64      `json:"pipetteSize,omitempty"`
}

// priceTickMessage is the last-price tick shape (provider B).
type priceTickMessage struct {
	Type      string        `json:"type"`
	Source    market.Source `json:"source"`
	Symbol    string        `json:"symbol"`
	Price     float64       `json:"price"`
	Current   float64       `json:"current"`
	Timestamp int64         `json:"timestamp"`
}

type profileBody struct {
	Levels     []profile.Level `json:"levels"`
	BucketSize float64         `json:"bucketSize"`
}

type profileUpdateMessage struct {
	Type    string        `json:"type"`
	Symbol  string        `json:"symbol"`
	Profile profileBody   `json:"profile"`
	Seq     int64         `json:"seq"`
	Source  market.Source `json:"source"`
}

type twapUpdateMessage struct {
	Type          string        `json:"type"`
	Symbol        string        `json:"symbol"`
	Source        market.Source `json:"source"`
	TWAPValue     float64       `json:"twapValue"`
	Timestamp     int64         `json:"timestamp"`
	Contributions int64         `json:"contributions"`
	IsHistorical  bool          `json:"isHistorical"`
}

type profileErrorMessage struct {
	Type    string `json:"type"`
	Symbol  string `json:"symbol"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Symbol  string `json:"symbol,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type reinitStartedMessage struct {
	Type      string `json:"type"`
	Source    string `json:"source"`
	Timestamp int64  `json:"timestamp"`
}

func newPackageMessage(pkg *market.SymbolDataPackage) packageMessage {
	msg := packageMessage{
		Type:                 "symbolDataPackage",
		Source:               pkg.Source,
		Symbol:               pkg.Symbol,
		Digits:               pkg.Digits,
		ADR:                  pkg.ADR,
		TodaysOpen:           pkg.TodaysOpen,
		TodaysHigh:           pkg.TodaysHigh,
		TodaysLow:            pkg.TodaysLow,
		ProjectedADRHigh:     pkg.ProjectedADRHigh,
		ProjectedADRLow:      pkg.ProjectedADRLow,
		InitialPrice:         pkg.InitialPrice,
		InitialMarketProfile: pkg.InitialMarketProfile,
		PipPosition:          pkg.PipPosition,
		PipSize:              pkg.PipSize,
		PipetteSize:          pkg.PipetteSize,
	}
	if msg.InitialMarketProfile == nil {
		msg.InitialMarketProfile = []market.M1Bar{}
	}
	if pkg.HasPrevDay {
		msg.PrevDayOpen = f64ptr(pkg.PrevDayOpen)
		msg.PrevDayHigh = f64ptr(pkg.PrevDayHigh)
		msg.PrevDayLow = f64ptr(pkg.PrevDayLow)
		msg.PrevDayClose = f64ptr(pkg.PrevDayClose)
	}
	return msg
}

func newProfileUpdateMessage(u profile.Update) profileUpdateMessage {
	return profileUpdateMessage{
		Type:    "profileUpdate",
		Symbol:  u.Symbol,
		Profile: profileBody{Levels: u.Levels, BucketSize: u.BucketSize},
		Seq:     u.Seq,
		Source:  u.Source,
	}
}

func newTwapUpdateMessage(u twap.Update) twapUpdateMessage {
	return twapUpdateMessage{
		Type:          "twapUpdate",
		Symbol:        u.Symbol,
		Source:        u.Source,
		TWAPValue:     u.TWAPValue,
		Timestamp:     u.Timestamp,
		Contributions: u.Contributions,
		IsHistorical:  u.IsHistorical,
	}
}

func f64ptr(v float64) *float64 { return &v }
func intptr(v int) *int         { return &v }
