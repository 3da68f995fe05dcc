package rp

import "time"

// Option defines a common functional options type which can be used in a
// variadic parameter pattern.
type Option func(interface{})

// ApplyOpts takes a pointer to the options struct as a set of default
// options and applies the slice of opts as overrides.
func ApplyOpts(opts interface{}, opt ...Option) {
	for _, o := range opt {
		if o == nil {
			continue
		}
		o(opts)
	}
}

// requestOptions is the set of available options for NewRequest.
type requestOptions struct {
	withNowFunc func() time.Time
}

func requestDefaults() requestOptions {
	return requestOptions{}
}

// getRequestOpts gets the defaults and applies the opt overrides passed in.
func getRequestOpts(opt ...Option) requestOptions {
	opts := requestDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithRPNow provides an optional time source for request expiry, which
// tests use to control the clock.
func WithRPNow(now func() time.Time) Option {
	return func(o interface{}) {
		if o, ok := o.(*requestOptions); ok {
			o.withNowFunc = now
		}
	}
}
