package strategy

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Params tune the smart-order algorithms. Zero values take the defaults.
type Params struct {
	Intervals        int             // twap/vwap child count, default 10
	IntervalDuration time.Duration   // pause between twap/vwap children, default 60s
	Timeframe        string          // vwap candle timeframe, default "1m"
	VisibleQty       decimal.Decimal // iceberg slice size
	Price            decimal.Decimal // iceberg limit price; zero sends market slices
	PollInterval     time.Duration   // iceberg active-table poll, default 1s
}

func (p Params) withDefaults() Params {
	if p.Intervals == 0 {
		p.Intervals = 10
	}
	if p.IntervalDuration == 0 {
		p.IntervalDuration = 60 * time.Second
	}
	if p.Timeframe == "" {
		p.Timeframe = "1m"
	}
	if p.PollInterval <= 0 {
		p.PollInterval = time.Second
	}
	return p
}

// ParseParams reads the loosely typed parameter map sent by API callers.
// Durations accept Go duration strings or a number of seconds.
func ParseParams(m map[string]any) (Params, error) {
	var p Params
	for k, v := range m {
		var err error
		switch k {
		case "intervals":
			var f float64
			f, err = asFloat(v)
			p.Intervals = int(f)
		case "interval_duration":
			p.IntervalDuration, err = asDuration(v)
		case "timeframe":
			s, ok := v.(string)
			if !ok {
				err = fmt.Errorf("want string")
			}
			p.Timeframe = s
		case "visible_qty":
			p.VisibleQty, err = asDecimal(v)
		case "price":
			p.Price, err = asDecimal(v)
		case "poll_interval":
			p.PollInterval, err = asDuration(v)
		default:
			continue
		}
		if err != nil {
			return Params{}, fmt.Errorf("%w: %s: %v", ErrInvalidParams, k, err)
		}
	}
	return p, nil
}

func asFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case int:
		return float64(x), nil
	case string:
		return strconv.ParseFloat(x, 64)
	}
	return 0, fmt.Errorf("want number, got %T", v)
}

func asDuration(v any) (time.Duration, error) {
	if s, ok := v.(string); ok {
		if d, err := time.ParseDuration(s); err == nil {
			return d, nil
		}
	}
	f, err := asFloat(v)
	if err != nil {
		return 0, err
	}
	return time.Duration(f * float64(time.Second)), nil
}

func asDecimal(v any) (decimal.Decimal, error) {
	switch x := v.(type) {
	case string:
		return decimal.NewFromString(x)
	case float64:
		return decimal.NewFromFloat(x), nil
	case int:
		return decimal.NewFromInt(int64(x)), nil
	}
	return decimal.Zero, fmt.Errorf("want number, got %T", v)
}
