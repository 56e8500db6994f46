package khqr

import (
	"fmt"
	"strings"
)

// Payload holds the fields a reader recovers from a KHQR string.
type Payload struct {
	FormatIndicator  string
	InitiationMethod string
	Provider         string
	AccountID        string
	AccountName      string
	CurrencyCode     string
	Amount           string
	Country          string
	MerchantName     string
	MerchantCity     string
	CRC              string
}

// Verify checks the trailing "6304"+CRC against a recomputation over everything before the 4 hex digits.
func Verify(payload string) error {
	if len(payload) < len(crcHeader)+4 {
		return fmt.Errorf("%w: too short", ErrMalformed)
	}
	head, crc := payload[:len(payload)-4], payload[len(payload)-4:]
	if !strings.HasSuffix(head, crcHeader) {
		return fmt.Errorf("%w: missing crc tag", ErrMalformed)
	}
	if want := CRC16Hex(head); want != crc {
		return fmt.Errorf("%w: got %s want %s", ErrChecksum, crc, want)
	}
	return nil
}

// Parse verifies the CRC and decodes the top-level and merchant-account fields.
// The embedded expiry suffix is lossy and is deliberately not returned.
func Parse(payload string) (*Payload, error) {
	if err := Verify(payload); err != nil {
		return nil, err
	}
	fields, err := Decode(payload[:len(payload)-len(crcHeader)-4])
	if err != nil {
		return nil, err
	}
	p := &Payload{CRC: payload[len(payload)-4:]}
	p.FormatIndicator, _ = Lookup(fields, tagFormatIndicator)
	p.InitiationMethod, _ = Lookup(fields, tagInitiationMethod)
	p.CurrencyCode, _ = Lookup(fields, tagCurrency)
	p.Amount, _ = Lookup(fields, tagAmount)
	p.Country, _ = Lookup(fields, tagCountry)
	p.MerchantName, _ = Lookup(fields, tagMerchantName)
	p.MerchantCity, _ = Lookup(fields, tagMerchantCity)

	if raw, ok := Lookup(fields, tagMerchantAccount); ok {
		account, err := Decode(raw)
		if err != nil {
			return nil, fmt.Errorf("merchant account: %w", err)
		}
		p.Provider, _ = Lookup(account, accountTagProvider)
		p.AccountID, _ = Lookup(account, accountTagUsername)
		p.AccountName, _ = Lookup(account, accountTagName)
	}
	return p, nil
}
