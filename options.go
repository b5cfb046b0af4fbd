package mtgateway

import "time"

// RetryOptions controls RPC retry backoff and the post-lock cooldown, per
// spec.md §6's retryOpts.* table.
type RetryOptions struct {
	Retries                  int
	MinDelay                 time.Duration
	MaxDelay                 time.Duration
	SubscribeCooldown        time.Duration
}

func defaultRetryOptions() RetryOptions {
	return RetryOptions{
		Retries:           5,
		MinDelay:          time.Second,
		MaxDelay:          30 * time.Second,
		SubscribeCooldown: 600 * time.Second,
	}
}

// ThrottlerOptions controls the synchronization throttler (C3).
type ThrottlerOptions struct {
	MaxConcurrentSynchronizations int
	QueueTimeout                  time.Duration
}

func defaultThrottlerOptions() ThrottlerOptions {
	return ThrottlerOptions{
		MaxConcurrentSynchronizations: 10,
		QueueTimeout:                  300 * time.Second,
	}
}

// Options bundles every configuration knob spec.md §6 enumerates. It is
// populated via functional Option values, the way the teacher's Config
// struct is populated by env.Parse but expressed programmatically for a
// library rather than a long-running server.
type Options struct {
	Application string
	Domain      string
	Region      string

	RequestTimeout time.Duration
	ConnectTimeout time.Duration

	Retry      RetryOptions
	Throttler  ThrottlerOptions

	PacketOrderingTimeout             time.Duration
	UseSharedClientAPI                bool
	UnsubscribeThrottlingInterval     time.Duration

	PacketLoggerEnabled bool
	PacketLoggerDir     string
	NATSRelayURL        string // optional, empty disables the relay sink

	MaxAccountsPerInstance int
}

// DefaultOptions returns the option set spec.md §6's table lists as
// defaults.
func DefaultOptions() Options {
	return Options{
		Application:                   "MetaApi",
		Domain:                        "agiliumtrade.agiliumtrade.ai",
		RequestTimeout:                60 * time.Second,
		ConnectTimeout:                60 * time.Second,
		Retry:                         defaultRetryOptions(),
		Throttler:                     defaultThrottlerOptions(),
		PacketOrderingTimeout:         60 * time.Second,
		UnsubscribeThrottlingInterval: 10 * time.Second,
		MaxAccountsPerInstance:        100,
	}
}

// Option mutates an Options value during Client construction.
type Option func(*Options)

func WithApplication(app string) Option { return func(o *Options) { o.Application = app } }
func WithDomain(domain string) Option   { return func(o *Options) { o.Domain = domain } }
func WithRegion(region string) Option   { return func(o *Options) { o.Region = region } }

func WithRequestTimeout(d time.Duration) Option { return func(o *Options) { o.RequestTimeout = d } }
func WithConnectTimeout(d time.Duration) Option { return func(o *Options) { o.ConnectTimeout = d } }

func WithRetryOptions(r RetryOptions) Option { return func(o *Options) { o.Retry = r } }
func WithThrottlerOptions(t ThrottlerOptions) Option {
	return func(o *Options) { o.Throttler = t }
}

func WithPacketOrderingTimeout(d time.Duration) Option {
	return func(o *Options) { o.PacketOrderingTimeout = d }
}

func WithSharedClientAPI(shared bool) Option {
	return func(o *Options) { o.UseSharedClientAPI = shared }
}

func WithUnsubscribeThrottlingInterval(d time.Duration) Option {
	return func(o *Options) { o.UnsubscribeThrottlingInterval = d }
}

// WithPacketLogger enables the on-disk packet logger (ambient, see
// internal/obslog) writing newline-delimited JSON under dir.
func WithPacketLogger(dir string) Option {
	return func(o *Options) {
		o.PacketLoggerEnabled = true
		o.PacketLoggerDir = dir
	}
}

// WithNATSRelay enables a best-effort NATS publish of every
// synchronization packet, as it arrives and before reordering, to subject
// "mtgateway.packets.{accountId}", in
// addition to (or instead of) the disk packet logger.
func WithNATSRelay(url string) Option {
	return func(o *Options) { o.NATSRelayURL = url }
}
