package api

import (
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/warp/billing-engine/generic"
)

// MoneyDisplay renders minor-unit amounts for humans, e.g. "VND 1.600.000"
// in vi-VN. Amounts on the wire stay integers; display strings ride along.
type MoneyDisplay struct {
	printer *message.Printer
	unit    currency.Unit
	scale   int32
}

// NewMoneyDisplay builds a formatter for a BCP 47 locale and ISO 4217 code.
func NewMoneyDisplay(locale, code string) (*MoneyDisplay, error) {
	tag, err := language.Parse(locale)
	if err != nil {
		return nil, fmt.Errorf("locale %q: %w", locale, err)
	}
	unit, err := currency.ParseISO(code)
	if err != nil {
		return nil, fmt.Errorf("currency %q: %w", code, err)
	}
	scale, _ := currency.Standard.Rounding(unit)
	return &MoneyDisplay{
		printer: message.NewPrinter(tag),
		unit:    unit,
		scale:   int32(scale),
	}, nil
}

// Format renders m, which is in the currency's minor units.
func (d *MoneyDisplay) Format(m generic.Money) string {
	if d == nil {
		return ""
	}
	var amount any = int64(m)
	if d.scale > 0 {
		amount = decimal.New(int64(m), -d.scale).InexactFloat64()
	}
	return d.printer.Sprint(currency.ISO(d.unit.Amount(amount)))
}

// Currency is the ISO code.
func (d *MoneyDisplay) Currency() string {
	if d == nil {
		return ""
	}
	return d.unit.String()
}
