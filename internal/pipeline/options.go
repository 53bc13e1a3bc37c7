package pipeline

import (
	"time"

	"github.com/memora-health/platform/internal/analysis"
)

// Options carries the caller's identity, context and callbacks.
// Every callback is optional.
type Options struct {
	PatientID      string
	PatientContext *analysis.PatientContext
	OnProgress     func(percent int, message string)
	OnComplete     func(result analysis.Result)
	OnError        func(err error)
}

// StreamOptions adds the sampling cadence for live streams.
// Zero values fall back to the configured defaults.
type StreamOptions struct {
	Options
	Interval time.Duration
	Segment  time.Duration
}

func (o Options) progress(percent int, message string) {
	if o.OnProgress != nil {
		o.OnProgress(percent, message)
	}
}

func (o Options) complete(result analysis.Result) {
	if o.OnComplete != nil {
		o.OnComplete(result)
	}
}

func (o Options) fail(err error) {
	if o.OnError != nil {
		o.OnError(err)
	}
}
