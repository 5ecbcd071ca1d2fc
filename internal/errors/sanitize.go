// Package errors maps internal failures to the short codes returned to
// remote producers, preventing information disclosure over the ingestion
// boundary.
package errors

import (
	stderrors "errors"

	"hostguard/internal/bus"
	"hostguard/internal/schema"
)

// Producer-facing response codes. Full detail stays in the local log and
// the quarantine sink.
const (
	CodeBackpressure = "backpressure"
	CodeHalted       = "halted"
	CodeInternal     = "internal"
)

// ProducerCode returns the code a remote producer may see for an ingest
// failure. Rejections keep their reason code; everything else collapses to
// a generic category.
func ProducerCode(err error) string {
	if err == nil {
		return ""
	}

	var rej *schema.Rejection
	if stderrors.As(err, &rej) {
		return rej.Code
	}

	switch {
	case stderrors.Is(err, bus.ErrBackpressure):
		return CodeBackpressure
	case stderrors.Is(err, bus.ErrHalted), stderrors.Is(err, bus.ErrSequenceExhausted):
		return CodeHalted
	}
	return CodeInternal
}
