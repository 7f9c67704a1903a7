// Package config defines the enumerated configuration record for the
// orchestrator core. Every recognized option is a named field; unknown
// settings are a load error rather than a silently ignored attribute.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config enumerates the orchestrator settings. Zero values are replaced
	// by defaults in Default; Validate rejects out-of-range combinations.
	Config struct {
		// WindowSeconds is W, the telemetry window size in seconds.
		WindowSeconds int `yaml:"window_seconds"`
		// EditFreqMin is the struggle threshold on edits per window.
		EditFreqMin int `yaml:"edit_freq_min"`
		// DistinctErrorsMin is the struggle threshold on distinct error signatures.
		DistinctErrorsMin int `yaml:"distinct_errors_min"`
		// CooldownSeconds suppresses repeat lessons for the same dominant
		// error signature.
		CooldownSeconds int `yaml:"cooldown_seconds"`
		// CoalescenceTTLSeconds is how long a terminal result satisfies a
		// repeated submission with the same fingerprint.
		CoalescenceTTLSeconds int `yaml:"coalescence_ttl_seconds"`
		// VerdictConfidenceThreshold dismisses audit candidates whose verdict
		// confidence falls below it.
		VerdictConfidenceThreshold float64 `yaml:"verdict_confidence_threshold"`
		// RetrievalTopKDefault is the default k for knowledge retrieval.
		RetrievalTopKDefault int `yaml:"retrieval_top_k_default"`
		// EmbeddingDimension is the vector dimension every ingested chunk
		// must match.
		EmbeddingDimension int `yaml:"embedding_dimension"`
		// CancellationGraceSeconds is how long a cancelled node may keep its
		// worker before the slot is reclaimed.
		CancellationGraceSeconds int `yaml:"cancellation_grace_seconds"`
		// BucketCapacityDefault is the default token bucket capacity.
		BucketCapacityDefault int `yaml:"bucket_capacity_default"`
		// BucketRefillRateDefault is the default refill rate in tokens/second.
		BucketRefillRateDefault float64 `yaml:"bucket_refill_rate_default"`
		// MaxInflightPerTenant bounds concurrently admitted jobs per tenant.
		MaxInflightPerTenant int `yaml:"max_inflight_per_tenant"`
		// MaxInflightGlobal bounds concurrently executing jobs overall.
		MaxInflightGlobal int `yaml:"max_inflight_global"`
		// ResultRetentionSeconds is the Intervention retention TTL.
		ResultRetentionSeconds int `yaml:"result_retention_seconds"`

		// Quotas holds optional per-tenant bucket overrides loaded from the
		// quota profile file.
		Quotas map[string]QuotaProfile `yaml:"quotas"`
	}

	// QuotaProfile overrides the default bucket parameters for one tenant.
	QuotaProfile struct {
		Capacity   int     `yaml:"capacity"`
		RefillRate float64 `yaml:"refill_rate"`
	}
)

// Default returns the configuration used when no environment override is set.
func Default() Config {
	return Config{
		WindowSeconds:              60,
		EditFreqMin:                10,
		DistinctErrorsMin:          3,
		CooldownSeconds:            300,
		CoalescenceTTLSeconds:      120,
		VerdictConfidenceThreshold: 0.85,
		RetrievalTopKDefault:       3,
		EmbeddingDimension:         1536,
		CancellationGraceSeconds:   5,
		BucketCapacityDefault:      5,
		BucketRefillRateDefault:    1,
		MaxInflightPerTenant:       16,
		MaxInflightGlobal:          256,
		ResultRetentionSeconds:     7 * 24 * 3600,
	}
}

// FromEnv builds a Config from AURA_* environment variables layered over the
// defaults. When AURA_QUOTA_PROFILES names a YAML file, per-tenant quota
// profiles are loaded from it.
func FromEnv() (Config, error) {
	cfg := Default()
	var err error
	set := func(name string, apply func(string) error) {
		if err != nil {
			return
		}
		v, ok := os.LookupEnv(name)
		if !ok || v == "" {
			return
		}
		if aerr := apply(v); aerr != nil {
			err = fmt.Errorf("%s: %w", name, aerr)
		}
	}
	setInt := func(name string, dst *int) {
		set(name, func(v string) error {
			n, perr := strconv.Atoi(v)
			if perr != nil {
				return perr
			}
			*dst = n
			return nil
		})
	}
	setFloat := func(name string, dst *float64) {
		set(name, func(v string) error {
			f, perr := strconv.ParseFloat(v, 64)
			if perr != nil {
				return perr
			}
			*dst = f
			return nil
		})
	}

	setInt("AURA_WINDOW_SECONDS", &cfg.WindowSeconds)
	setInt("AURA_EDIT_FREQ_MIN", &cfg.EditFreqMin)
	setInt("AURA_DISTINCT_ERRORS_MIN", &cfg.DistinctErrorsMin)
	setInt("AURA_COOLDOWN_SECONDS", &cfg.CooldownSeconds)
	setInt("AURA_COALESCENCE_TTL_SECONDS", &cfg.CoalescenceTTLSeconds)
	setFloat("AURA_VERDICT_CONFIDENCE_THRESHOLD", &cfg.VerdictConfidenceThreshold)
	setInt("AURA_RETRIEVAL_TOP_K_DEFAULT", &cfg.RetrievalTopKDefault)
	setInt("AURA_EMBEDDING_DIMENSION", &cfg.EmbeddingDimension)
	setInt("AURA_CANCELLATION_GRACE_SECONDS", &cfg.CancellationGraceSeconds)
	setInt("AURA_BUCKET_CAPACITY_DEFAULT", &cfg.BucketCapacityDefault)
	setFloat("AURA_BUCKET_REFILL_RATE_DEFAULT", &cfg.BucketRefillRateDefault)
	setInt("AURA_MAX_INFLIGHT_PER_TENANT", &cfg.MaxInflightPerTenant)
	setInt("AURA_MAX_INFLIGHT_GLOBAL", &cfg.MaxInflightGlobal)
	setInt("AURA_RESULT_RETENTION", &cfg.ResultRetentionSeconds)
	if err != nil {
		return Config{}, err
	}

	if path := os.Getenv("AURA_QUOTA_PROFILES"); path != "" {
		quotas, qerr := loadQuotaProfiles(path)
		if qerr != nil {
			return Config{}, qerr
		}
		cfg.Quotas = quotas
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot drive the orchestrator.
func (c Config) Validate() error {
	if c.WindowSeconds <= 0 {
		return fmt.Errorf("window_seconds must be positive, got %d", c.WindowSeconds)
	}
	if c.EmbeddingDimension <= 0 {
		return fmt.Errorf("embedding_dimension must be positive, got %d", c.EmbeddingDimension)
	}
	if c.VerdictConfidenceThreshold < 0 || c.VerdictConfidenceThreshold > 1 {
		return fmt.Errorf("verdict_confidence_threshold must be in [0,1], got %g", c.VerdictConfidenceThreshold)
	}
	if c.RetrievalTopKDefault <= 0 || c.RetrievalTopKDefault > 10 {
		return fmt.Errorf("retrieval_top_k_default must be in [1,10], got %d", c.RetrievalTopKDefault)
	}
	if c.BucketCapacityDefault <= 0 {
		return fmt.Errorf("bucket_capacity_default must be positive, got %d", c.BucketCapacityDefault)
	}
	if c.BucketRefillRateDefault <= 0 {
		return fmt.Errorf("bucket_refill_rate_default must be positive, got %g", c.BucketRefillRateDefault)
	}
	if c.MaxInflightPerTenant <= 0 || c.MaxInflightGlobal <= 0 {
		return fmt.Errorf("in-flight bounds must be positive, got per-tenant %d global %d", c.MaxInflightPerTenant, c.MaxInflightGlobal)
	}
	if c.MaxInflightPerTenant > c.MaxInflightGlobal {
		return fmt.Errorf("max_inflight_per_tenant %d exceeds max_inflight_global %d", c.MaxInflightPerTenant, c.MaxInflightGlobal)
	}
	return nil
}

// Window returns W as a duration.
func (c Config) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// Cooldown returns the struggle cooldown as a duration.
func (c Config) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

// CoalescenceTTL returns the coalescence window as a duration.
func (c Config) CoalescenceTTL() time.Duration {
	return time.Duration(c.CoalescenceTTLSeconds) * time.Second
}

// CancellationGrace returns the cancellation grace period as a duration.
func (c Config) CancellationGrace() time.Duration {
	return time.Duration(c.CancellationGraceSeconds) * time.Second
}

// ResultRetention returns the Intervention retention TTL as a duration.
func (c Config) ResultRetention() time.Duration {
	return time.Duration(c.ResultRetentionSeconds) * time.Second
}

// QuotaFor resolves the bucket parameters for a tenant, falling back to the
// configured defaults when no profile exists.
func (c Config) QuotaFor(tenant string) QuotaProfile {
	if p, ok := c.Quotas[tenant]; ok {
		if p.Capacity <= 0 {
			p.Capacity = c.BucketCapacityDefault
		}
		if p.RefillRate <= 0 {
			p.RefillRate = c.BucketRefillRateDefault
		}
		return p
	}
	return QuotaProfile{Capacity: c.BucketCapacityDefault, RefillRate: c.BucketRefillRateDefault}
}

func loadQuotaProfiles(path string) (map[string]QuotaProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read quota profiles: %w", err)
	}
	var doc struct {
		Quotas map[string]QuotaProfile `yaml:"quotas"`
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse quota profiles: %w", err)
	}
	return doc.Quotas, nil
}
