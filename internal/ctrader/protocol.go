package ctrader

import "encoding/json"

// Provider A speaks the JSON flavor of its open API: every frame on the
// length-prefixed stream is one {payloadType, clientMsgId?, payload}
// object. Payload type numbers follow the provider's published enum.
const (
	ptHeartbeat          = 51
	ptApplicationAuthReq = 2100
	ptApplicationAuthRes = 2101
	ptAccountAuthReq     = 2102
	ptAccountAuthRes     = 2103
	ptSymbolsListReq     = 2114
	ptSymbolsListRes     = 2115
	ptSymbolByIDReq      = 2116
	ptSymbolByIDRes      = 2117
	ptSubscribeSpotsReq  = 2127
	ptSubscribeSpotsRes  = 2128
	ptUnsubSpotsReq      = 2129
	ptUnsubSpotsRes      = 2130
	ptSpotEvent          = 2131
	ptGetTrendbarsReq    = 2137
	ptGetTrendbarsRes    = 2138
	ptErrorRes           = 2142
)

// Trendbar period enum values.
const (
	periodM1 = 1
	periodD1 = 12
)

// priceScale converts the provider's integer price representation
// (1/100000 units) to a float price.
const priceScale = 100000.0

type wireFrame struct {
	PayloadType int             `json:"payloadType"`
	ClientMsgID string          `json:"clientMsgId,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

type applicationAuthReq struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

type accountAuthReq struct {
	AccountID   int64  `json:"ctidTraderAccountId"`
	AccessToken string `json:"accessToken"`
}

type symbolsListReq struct {
	AccountID int64 `json:"ctidTraderAccountId"`
}

type symbolsListRes struct {
	Symbol []lightSymbol `json:"symbol"`
}

type lightSymbol struct {
	SymbolID   int64  `json:"symbolId"`
	SymbolName string `json:"symbolName"`
}

type symbolByIDReq struct {
	AccountID int64   `json:"ctidTraderAccountId"`
	SymbolID  []int64 `json:"symbolId"`
}

type symbolByIDRes struct {
	Symbol []symbolDetail `json:"symbol"`
}

type symbolDetail struct {
	SymbolID    int64 `json:"symbolId"`
	Digits      int   `json:"digits"`
	PipPosition int   `json:"pipPosition"`
}

type spotsReq struct {
	AccountID int64   `json:"ctidTraderAccountId"`
	SymbolID  []int64 `json:"symbolId"`
}

type getTrendbarsReq struct {
	AccountID     int64 `json:"ctidTraderAccountId"`
	SymbolID      int64 `json:"symbolId"`
	Period        int   `json:"period"`
	FromTimestamp int64 `json:"fromTimestamp"`
	ToTimestamp   int64 `json:"toTimestamp"`
}

type getTrendbarsRes struct {
	SymbolID int64      `json:"symbolId"`
	Period   int        `json:"period"`
	Trendbar []trendbar `json:"trendbar"`
}

// trendbar is the provider's compressed OHLC form: an absolute low plus
// deltas for open/high/close, all in 1/100000 price units.
type trendbar struct {
	Low                   int64  `json:"low"`
	DeltaOpen             uint64 `json:"deltaOpen"`
	DeltaHigh             uint64 `json:"deltaHigh"`
	DeltaClose            uint64 `json:"deltaClose"`
	Volume                int64  `json:"volume"`
	Period                int    `json:"period,omitempty"`
	UTCTimestampInMinutes int64  `json:"utcTimestampInMinutes"`
}

type spotEvent struct {
	SymbolID  int64      `json:"symbolId"`
	Bid       *int64     `json:"bid,omitempty"`
	Ask       *int64     `json:"ask,omitempty"`
	Trendbar  []trendbar `json:"trendbar,omitempty"`
	Timestamp int64      `json:"timestamp,omitempty"`
}

type errorRes struct {
	ErrorCode   string `json:"errorCode"`
	Description string `json:"description"`
}
