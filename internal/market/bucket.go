package market

import "strings"

// Market-profile bucket sizing per instrument class. Crypto majors and the
// big indices trade in whole points, metals in 1.0 increments, everything
// else (FX) in pipettes.
func BucketSize(symbol string) float64 {
	s := strings.ToUpper(symbol)
	switch {
	case strings.Contains(s, "BTC") || strings.Contains(s, "ETH"):
		return 10
	case strings.Contains(s, "US30") || strings.Contains(s, "NAS100"):
		return 10
	case strings.Contains(s, "XAU") || strings.Contains(s, "XAG"):
		return 1.0
	default:
		return 0.0001
	}
}
