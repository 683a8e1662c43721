package installer

import "strings"

// Options is an immutable set of install options.
type Options struct {
	allowDebuggable bool
	grantAll        bool
	flags           []string
}

// Option configures Options.
type Option func(*Options)

// AllowDebuggable lets test-only (debuggable) packages install.
func AllowDebuggable() Option {
	return func(o *Options) { o.allowDebuggable = true }
}

// GrantAllPermissions grants every runtime permission at install time.
func GrantAllPermissions() Option {
	return func(o *Options) { o.grantAll = true }
}

// WithFlags appends raw pm install flags, in order.
func WithFlags(flags ...string) Option {
	return func(o *Options) {
		for _, f := range flags {
			if f = strings.TrimSpace(f); f != "" {
				o.flags = append(o.flags, f)
			}
		}
	}
}

// NewOptions builds Options.
func NewOptions(opts ...Option) Options {
	var o Options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// ExtraFlags returns a copy of the raw flags.
func (o Options) ExtraFlags() []string {
	return append([]string(nil), o.flags...)
}

// Flags renders the pm install-create flags.
func (o Options) Flags() []string {
	var out []string
	if o.allowDebuggable {
		out = append(out, "-t")
	}
	if o.grantAll {
		out = append(out, "-g")
	}
	return append(out, o.flags...)
}

func (o Options) String() string {
	return strings.Join(o.Flags(), " ")
}
