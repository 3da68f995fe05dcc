package op

import (
	"time"

	"github.com/hashicorp/go-hclog"
)

// Option defines a common functional options type.
type Option func(interface{})

// ApplyOpts takes a pointer to the options struct as a set of default options
// and applies the slice of opts as overrides.
func ApplyOpts(opts interface{}, opt ...Option) {
	for _, o := range opt {
		if o != nil {
			o(opts)
		}
	}
}

// WithNow provides an optional func to determine the current time, which is
// handy for tests that need a deterministic clock.
func WithNow(now func() time.Time) Option {
	return func(o interface{}) {
		if now == nil {
			return
		}
		switch v := o.(type) {
		case *providerOptions:
			v.withNowFunc = now
		}
	}
}

// WithLogger provides an optional hclog.Logger.
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *providerOptions:
			v.withLogger = l
		}
	}
}

// WithExpirySkew provides an optional expiry skew duration used when
// checking token and interaction expirations.
func WithExpirySkew(d time.Duration) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *providerOptions:
			v.withExpirySkew = d
		}
	}
}

// WithPrefix provides an optional prefix for a generated id.
func WithPrefix(prefix string) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *idOptions:
			v.withPrefix = prefix
		}
	}
}

// WithByteLength provides an optional entropy length (in bytes) for a
// generated opaque value.
func WithByteLength(n int) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *idOptions:
			if n > 0 {
				v.withByteLength = n
			}
		}
	}
}

// providerOptions is the set of available options for Provider functions.
type providerOptions struct {
	withNowFunc    func() time.Time
	withLogger     hclog.Logger
	withExpirySkew time.Duration
}

// providerDefaults is a handy way to get the defaults at runtime and during
// unit tests.
func providerDefaults() providerOptions {
	return providerOptions{
		withLogger:     hclog.NewNullLogger(),
		withExpirySkew: DefaultExpirySkew,
	}
}

// getProviderOpts gets the provider defaults and applies the opt overrides
// passed in.
func getProviderOpts(opt ...Option) providerOptions {
	opts := providerDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// DefaultExpirySkew defines a default time skew when checking expirations.
const DefaultExpirySkew = 1 * time.Second
