package tradingview

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Provider B multiplexes JSON messages over one websocket using a
// "~m~<length>~m~<payload>" envelope. A payload of "~h~<n>" is a heartbeat
// that must be echoed back verbatim, envelope included.

const envelopeMark = "~m~"

// message is one decoded protocol message. Method carries the server-side
// event name; Params are positional and heterogeneous.
type message struct {
	Method string            `json:"m"`
	Params []json.RawMessage `json:"p"`
}

// encodeMessage wraps one method call in the length envelope.
func encodeMessage(method string, params ...any) ([]byte, error) {
	body, err := json.Marshal(struct {
		Method string `json:"m"`
		Params []any  `json:"p"`
	}{Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	return envelope(body), nil
}

func envelope(payload []byte) []byte {
	return []byte(fmt.Sprintf("%s%d%s%s", envelopeMark, len(payload), envelopeMark, payload))
}

// splitEnvelope breaks one websocket frame into its enveloped payloads.
// Anything that does not parse as an envelope is dropped; the next payload
// cannot be found without a valid length.
func splitEnvelope(data []byte) []string {
	var out []string
	s := string(data)
	for len(s) > 0 {
		if !strings.HasPrefix(s, envelopeMark) {
			break
		}
		rest := s[len(envelopeMark):]
		sep := strings.Index(rest, envelopeMark)
		if sep < 0 {
			break
		}
		n, err := strconv.Atoi(rest[:sep])
		if err != nil || n < 0 {
			break
		}
		body := rest[sep+len(envelopeMark):]
		if len(body) < n {
			break
		}
		out = append(out, body[:n])
		s = body[n:]
	}
	return out
}

// isHeartbeat reports whether payload is a "~h~<n>" keepalive.
func isHeartbeat(payload string) bool {
	return strings.HasPrefix(payload, "~h~")
}

// seriesBar is one OHLC entry inside a timescale_update / du payload:
// v = [unix seconds, open, high, low, close, volume].
type seriesBar struct {
	Index int       `json:"i"`
	V     []float64 `json:"v"`
}

type seriesPayload struct {
	S []seriesBar `json:"s"`
}
