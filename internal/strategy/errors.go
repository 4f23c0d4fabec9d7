package strategy

import "errors"

// ErrQuoteUnavailable means a leg could not be priced this tick: no bid, no
// ask and no last trade. The caller skips the evaluation and retries next
// tick; the forced-close backstop does not depend on quotes.
var ErrQuoteUnavailable = errors.New("quote unavailable for spread leg")
