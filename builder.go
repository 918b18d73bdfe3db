package sessionkit

import (
	"context"
	"errors"
	"time"

	"github.com/sessionkit/sessionkit/claims"
	"github.com/sessionkit/sessionkit/core"
	"github.com/sessionkit/sessionkit/token"
)

// Builder assembles a [Manager]. Configure it during initialization, call
// [Builder.Build] once, and discard it; a builder is not safe for concurrent
// use and refuses to build twice.
type Builder struct {
	config Config

	coreClient *core.Client
	claimSet   []claims.Claim
	auditSink  AuditSink
	overrides  []Override
	now        func() time.Time

	built bool
}

// New returns a builder seeded with the default configuration.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the entire configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithCoreClient supplies a preconstructed auth core client, overriding
// [CoreConfig].
func (b *Builder) WithCoreClient(client *core.Client) *Builder {
	b.coreClient = client
	return b
}

// WithClaims registers claims in the manager's registry. Keys must be
// unique; Build fails on a collision.
func (b *Builder) WithClaims(cs ...claims.Claim) *Builder {
	b.claimSet = append(b.claimSet, cs...)
	return b
}

// WithDefaultValidators sets the validators run on every GetSession.
func (b *Builder) WithDefaultValidators(vs ...claims.Validator) *Builder {
	b.config.DefaultValidators = vs
	return b
}

// WithClaimBuilders sets the builders applied to every new session's
// payload.
func (b *Builder) WithClaimBuilders(cbs ...ClaimBuilder) *Builder {
	b.config.ClaimBuilders = cbs
	return b
}

// WithAuditSink supplies the sink behind the audit dispatcher and enables
// audit.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	b.config.Audit.Enabled = true
	return b
}

// WithOverride registers implementation overrides, applied in order at
// build time.
func (b *Builder) WithOverride(ovs ...Override) *Builder {
	b.overrides = append(b.overrides, ovs...)
	return b
}

// WithClock replaces the process time source. Test-only in practice.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// WithMetricsEnabled toggles the in-process metrics system.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms toggles the GetSession latency histogram.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration, wires the token codec, handshake cache,
// claim registry, audit dispatcher and metrics, folds the overrides, and
// returns the ready Manager.
func (b *Builder) Build() (*Manager, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client := b.coreClient
	if client == nil {
		if cfg.Core.BaseURL == "" {
			return nil, errors.New("core client or Core.BaseURL required")
		}
		var err error
		client, err = core.NewClient(cfg.coreClientConfig())
		if err != nil {
			return nil, err
		}
	}

	now := b.now
	if now == nil {
		now = time.Now
	}

	// -------- CLAIM REGISTRY --------
	registry := claims.NewRegistry()
	for _, c := range b.claimSet {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}

	m := &Manager{
		config:   cfg,
		core:     client,
		registry: registry,
		now:      now,
	}

	m.metrics = NewMetrics(cfg.Metrics)
	m.audit = newAuditDispatcher(cfg.Audit, b.auditSink)

	// -------- TOKEN CODEC --------
	codec := token.NewCodec(cfg.Token.ClockSkewLeeway, now)
	if cfg.Token.SigningKeyGrace > 0 {
		codec.KeyGrace = cfg.Token.SigningKeyGrace
	}
	m.codec = codec

	// -------- HANDSHAKE CACHE --------
	fetch := func(ctx context.Context) (token.HandshakeInfo, error) {
		m.metrics.Inc(MetricHandshakeFetch)
		return client.GetHandshakeInfo(ctx)
	}
	m.handshake = token.NewHandshakeCache(fetch, cfg.Token.HandshakeValidity, now)

	// -------- IMPLEMENTATION TABLE --------
	impl := applyOverrides(m.baseImplementation(), b.overrides)
	if err := checkImplementation(impl); err != nil {
		return nil, err
	}
	m.impl = impl

	b.built = true

	return m, nil
}
