// sign.go implements request signing for the Binance-Futures-compatible API.
//
// Signed endpoints expect the query string URL-encoded in parameter
// insertion order, with signature=HMAC_SHA256(secret, query) appended and
// the API key sent in the X-MBX-APIKEY header. Server clock drift is
// absorbed by a signed offset refreshed from /fapi/v1/time.
package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

const recvWindowMS = "5000"

// Params is an ordered list of query parameters. The venue signs the query
// string exactly as encoded, so insertion order must survive — url.Values
// would sort keys and break the signature.
type Params struct {
	pairs [][2]string
}

// NewParams starts an empty parameter list.
func NewParams() *Params { return &Params{} }

// Set appends a key/value pair, preserving insertion order.
func (p *Params) Set(key, value string) *Params {
	p.pairs = append(p.pairs, [2]string{key, value})
	return p
}

// Encode renders the pairs as an URL-encoded query string in order.
func (p *Params) Encode() string {
	var b strings.Builder
	for i, kv := range p.pairs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(kv[0]))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(kv[1]))
	}
	return b.String()
}

// Auth signs requests with the venue API key/secret pair.
// The timeOffset is the last observed serverTime - localTime in
// milliseconds, stored atomically so any goroutine may refresh it.
type Auth struct {
	apiKey     string
	secret     []byte
	timeOffset atomic.Int64 // ms
}

// NewAuth creates a signer from the configured credentials.
func NewAuth(apiKey, apiSecret string) *Auth {
	return &Auth{apiKey: apiKey, secret: []byte(apiSecret)}
}

// APIKey returns the key sent in X-MBX-APIKEY.
func (a *Auth) APIKey() string { return a.apiKey }

// HasCredentials reports whether both key and secret are configured.
func (a *Auth) HasCredentials() bool { return a.apiKey != "" && len(a.secret) > 0 }

// SetTimeOffset records serverTime - localTime in milliseconds.
func (a *Auth) SetTimeOffset(offsetMS int64) { a.timeOffset.Store(offsetMS) }

// Timestamp returns the current drift-corrected timestamp in milliseconds.
func (a *Auth) Timestamp() int64 {
	return time.Now().UnixMilli() + a.timeOffset.Load()
}

// SignQuery appends timestamp, recvWindow, and the HMAC signature to the
// given parameters and returns the final query string.
func (a *Auth) SignQuery(p *Params) string {
	p.Set("recvWindow", recvWindowMS)
	p.Set("timestamp", strconv.FormatInt(a.Timestamp(), 10))

	query := p.Encode()
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(query))
	return query + "&signature=" + hex.EncodeToString(mac.Sum(nil))
}
