package validation

import (
	"fmt"

	validatorv10 "github.com/go-playground/validator/v10"
)

// New returns a configured validator with custom struct-level validation registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	v.RegisterStructValidation(createBookingStructValidation, CreateBookingRequest{})
	v.RegisterStructValidation(submitQuoteStructValidation, SubmitQuoteRequest{})

	return v
}

// createBookingStructValidation verifies the money breakdown adds up and the
// service window is well-formed.
func createBookingStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(CreateBookingRequest)

	if sum := req.SubtotalMinor + req.TaxMinor + req.FeesMinor; sum != req.TotalMinor {
		sl.ReportError(req.TotalMinor, "total_minor", "TotalMinor", "total_match_breakdown",
			fmt.Sprintf("subtotal+tax+fees %d != total %d", sum, req.TotalMinor))
	}
	if !req.ServiceWindowEnd.After(req.ServiceWindowStart) {
		sl.ReportError(req.ServiceWindowEnd, "service_window_end", "ServiceWindowEnd", "window_order", "")
	}
}

// submitQuoteStructValidation verifies the quote lines sum to the quoted total.
func submitQuoteStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(SubmitQuoteRequest)

	var sum int64
	for _, line := range req.Lines {
		sum += line.AmountMinor
	}
	if sum != req.TotalMinor {
		sl.ReportError(req.TotalMinor, "total_minor", "TotalMinor", "total_match_lines",
			fmt.Sprintf("lines sum %d != total %d", sum, req.TotalMinor))
	}
}
