package marketdata

import (
	"errors"

	"go.uber.org/multierr"

	"github.com/atlas-trading/engine/internal/types"
)

// Validation errors. ValidateOHLCV combines every failing rule so the log
// shows the full picture of a bad bar, not just the first fault.
var (
	ErrNegativePrice    = errors.New("negative or zero price")
	ErrHighBelowLow     = errors.New("high below low")
	ErrOpenOutsideRange = errors.New("open outside high-low range")
	ErrCloseOutsideRange = errors.New("close outside high-low range")
	ErrNegativeVolume   = errors.New("negative volume")
	ErrNoPriceFields    = errors.New("quote has no usable price")
)

// ValidateOHLCV checks bar consistency: high > 0, high >= low >= 0, open
// and close inside the range, volume non-negative.
func ValidateOHLCV(bar types.OHLCV) error {
	var err error
	if bar.Low.IsNegative() || bar.High.IsNegative() || !bar.High.IsPositive() {
		err = multierr.Append(err, ErrNegativePrice)
	}
	if bar.High.LessThan(bar.Low) {
		err = multierr.Append(err, ErrHighBelowLow)
	}
	if bar.Open.GreaterThan(bar.High) || bar.Open.LessThan(bar.Low) {
		err = multierr.Append(err, ErrOpenOutsideRange)
	}
	if bar.Close.GreaterThan(bar.High) || bar.Close.LessThan(bar.Low) {
		err = multierr.Append(err, ErrCloseOutsideRange)
	}
	if bar.Volume.IsNegative() {
		err = multierr.Append(err, ErrNegativeVolume)
	}
	return err
}

// ValidateQuote checks a streaming quote carries at least one positive
// price and no negative fields.
func ValidateQuote(q types.Quote) error {
	var err error
	hasPrice := q.Last.IsPositive() || q.Bid.IsPositive() || q.Ask.IsPositive()
	if !hasPrice {
		err = multierr.Append(err, ErrNoPriceFields)
	}
	if q.Last.IsNegative() || q.Bid.IsNegative() || q.Ask.IsNegative() {
		err = multierr.Append(err, ErrNegativePrice)
	}
	if q.Volume.IsNegative() {
		err = multierr.Append(err, ErrNegativeVolume)
	}
	return err
}
