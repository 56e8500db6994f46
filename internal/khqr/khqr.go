// Package khqr builds and reads Bakong KHQR payment payloads (EMVCo TLV with a CRC16 trailer).
package khqr

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount       = errors.New("khqr: amount must be greater than zero")
	ErrUnsupportedCurrency = errors.New("khqr: unsupported currency")
)

// Currency ISO 4217 alpha code accepted by the network.
type Currency string

const (
	USD Currency = "USD"
	KHR Currency = "KHR"
)

// NumericCode returns the ISO 4217 numeric code embedded under tag 53.
func (c Currency) NumericCode() (string, error) {
	switch c {
	case USD:
		return "840", nil
	case KHR:
		return "116", nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedCurrency, string(c))
}

const (
	tagFormatIndicator   = "00"
	tagInitiationMethod  = "01"
	tagMerchantAccount   = "29"
	tagCurrency          = "53"
	tagAmount            = "54"
	tagCountry           = "58"
	tagMerchantName      = "59"
	tagMerchantCity      = "60"
	tagAdditionalData    = "62"
	tagCRC               = "63"
	crcHeader            = tagCRC + "04"
	accountTagProvider   = "00"
	accountTagUsername   = "01"
	accountTagName       = "02"
	additionalTagRef     = "05"
	additionalTagExpiry  = "99"
	providerDomain       = "com.bakong"
	referenceMarker      = "***"
	countryCambodia      = "KH"
	dynamicInitiation    = "12"
	payloadFormatVersion = "01"
	maxMerchantName      = 25
	expirySuffixDigits   = 10
)

// DefaultTTL is how long a generated code stays payable.
const DefaultTTL = 5 * time.Minute

// Merchant identifies the receiving Bakong account.
type Merchant struct {
	AccountID string
	Name      string
	City      string
}

// Code is a generated payment payload. MD5 is the gateway lookup key and is unrelated to the embedded CRC.
type Code struct {
	Payload   string
	MD5       string
	ExpiresAt time.Time
}

// Build encodes a dynamic KHQR payload for amount in currency, expiring at expiresAt.
// Only the last 10 digits of the expiry in epoch milliseconds are embedded.
func Build(amount decimal.Decimal, currency Currency, m Merchant, expiresAt time.Time) (Code, error) {
	if amount.Round(2).Sign() <= 0 {
		return Code{}, ErrInvalidAmount
	}
	currencyCode, err := currency.NumericCode()
	if err != nil {
		return Code{}, err
	}

	account, err := Encode(
		Field{accountTagProvider, providerDomain},
		Field{accountTagUsername, m.AccountID},
		Field{accountTagName, m.Name},
	)
	if err != nil {
		return Code{}, fmt.Errorf("merchant account: %w", err)
	}

	expiryMs := strconv.FormatInt(expiresAt.UnixMilli(), 10)
	if len(expiryMs) > expirySuffixDigits {
		expiryMs = expiryMs[len(expiryMs)-expirySuffixDigits:]
	}
	additional, err := Encode(
		Field{additionalTagRef, referenceMarker},
		Field{additionalTagExpiry, expiryMs},
	)
	if err != nil {
		return Code{}, fmt.Errorf("additional data: %w", err)
	}

	body, err := Encode(
		Field{tagFormatIndicator, payloadFormatVersion},
		Field{tagInitiationMethod, dynamicInitiation},
		Field{tagMerchantAccount, account},
		Field{tagCurrency, currencyCode},
		Field{tagAmount, amount.StringFixed(2)},
		Field{tagCountry, countryCambodia},
		Field{tagMerchantName, truncate(m.Name, maxMerchantName)},
		Field{tagMerchantCity, m.City},
		Field{tagAdditionalData, additional},
	)
	if err != nil {
		return Code{}, err
	}

	payload := body + crcHeader
	payload += CRC16Hex(payload)
	sum := md5.Sum([]byte(payload))
	return Code{
		Payload:   payload,
		MD5:       hex.EncodeToString(sum[:]),
		ExpiresAt: expiresAt,
	}, nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

// Builder generates codes for a fixed merchant using the wall clock.
type Builder struct {
	merchant Merchant
	ttl      time.Duration
	now      func() time.Time
}

type Option func(*Builder)

func WithTTL(ttl time.Duration) Option {
	return func(b *Builder) {
		if ttl > 0 {
			b.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

func NewBuilder(m Merchant, opts ...Option) *Builder {
	b := &Builder{merchant: m, ttl: DefaultTTL, now: time.Now}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Build generates a code expiring ttl from now, truncated to millisecond precision.
func (b *Builder) Build(amount decimal.Decimal, currency Currency) (Code, error) {
	expiresAt := b.now().Add(b.ttl).Truncate(time.Millisecond)
	return Build(amount, currency, b.merchant, expiresAt)
}
