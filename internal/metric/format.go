package metric

import (
	"math"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

var (
	printer   = message.NewPrinter(language.AmericanEnglish)
	byteUnits = []string{"Bytes", "KB", "MB", "GB", "TB"}
)

// FormatValue renders a value for display in its unit.
func FormatValue(v float64, unit Unit) string {
	switch unit {
	case UnitPercentage:
		return plain(v) + "%"
	case UnitTemperature:
		return plain(v) + "°C"
	case UnitCurrency:
		return "$" + grouped(v)
	case UnitCount:
		return grouped(v)
	case UnitBytes:
		return FormatBytes(v)
	case UnitMilliseconds:
		return plain(v) + "ms"
	case UnitSeconds:
		return plain(v) + "s"
	}
	return plain(v)
}

// FormatBytes renders a byte count with a binary unit and up to two decimals.
func FormatBytes(b float64) string {
	if b == 0 {
		return "0 Bytes"
	}
	i := int(math.Floor(math.Log(math.Abs(b)) / math.Log(1024)))
	i = max(0, min(i, len(byteUnits)-1))
	scaled := decimal.NewFromFloat(b / math.Pow(1024, float64(i))).Round(2)
	return scaled.String() + " " + byteUnits[i]
}

func plain(v float64) string {
	return decimal.NewFromFloat(v).String()
}

// grouped uses thousands separators and at most three fraction digits.
func grouped(v float64) string {
	rounded := decimal.NewFromFloat(v).Round(3).InexactFloat64()
	return printer.Sprint(number.Decimal(rounded, number.MaxFractionDigits(3)))
}
