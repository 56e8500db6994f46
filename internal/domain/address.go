package domain

import "strings"

// ShippingInfo адрес доставки; все поля обязательны
type ShippingInfo struct {
	Name    string `json:"name" binding:"required"`
	Email   string `json:"email" binding:"required,email"`
	Phone   string `json:"phone" binding:"required"`
	Address string `json:"address" binding:"required"`
	City    string `json:"city" binding:"required"`
	State   string `json:"state" binding:"required"`
	Zip     string `json:"zip" binding:"required"`
	Country string `json:"country" binding:"required"`
}

// Validate returns false when any required field is blank.
func (s ShippingInfo) Validate() bool {
	for _, v := range []string{s.Name, s.Email, s.Phone, s.Address, s.City, s.State, s.Zip, s.Country} {
		if strings.TrimSpace(v) == "" {
			return false
		}
	}
	return strings.Contains(s.Email, "@")
}

// BillingInfo платёжный адрес; пустые поля берутся из адреса доставки
type BillingInfo struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	City    string `json:"city"`
	State   string `json:"state"`
	Zip     string `json:"zip"`
	Country string `json:"country"`
}

// ResolveBilling fills every missing billing field from shipping. A nil billing copies shipping entirely.
func ResolveBilling(shipping ShippingInfo, billing *BillingInfo) BillingInfo {
	var b BillingInfo
	if billing != nil {
		b = *billing
	}
	b.Name = orDefault(b.Name, shipping.Name)
	b.Address = orDefault(b.Address, shipping.Address)
	b.City = orDefault(b.City, shipping.City)
	b.State = orDefault(b.State, shipping.State)
	b.Zip = orDefault(b.Zip, shipping.Zip)
	b.Country = orDefault(b.Country, shipping.Country)
	return b
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
