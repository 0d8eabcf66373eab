package types

import (
	"math"
	"slices"
	"time"
)

// CacheConfig enables response caching for the listed endpoints. TTL is in milliseconds.
type CacheConfig struct {
	TTL       int64    `json:"ttl" yaml:"ttl"`
	MaxSize   int      `json:"maxSize" yaml:"max_size"`
	Endpoints []string `json:"endpoints" yaml:"endpoints"`
}

// RetryConfig governs retries of failed calls. InitialDelay is in milliseconds.
type RetryConfig struct {
	MaxAttempts       int     `json:"maxAttempts" yaml:"max_attempts"`
	BackoffMultiplier float64 `json:"backoffMultiplier" yaml:"backoff_multiplier"`
	InitialDelay      int64   `json:"initialDelay" yaml:"initial_delay"`
}

// BatchConfig enables call coalescing for the listed endpoints. BatchDelay is in milliseconds.
type BatchConfig struct {
	MaxBatchSize int      `json:"maxBatchSize" yaml:"max_batch_size"`
	BatchDelay   int64    `json:"batchDelay" yaml:"batch_delay"`
	Endpoints    []string `json:"endpoints" yaml:"endpoints"`
}

// PrefetchConfig enables speculative fetches for actions matching Patterns.
type PrefetchConfig struct {
	Patterns    []string `json:"patterns" yaml:"patterns"`
	MaxPrefetch int      `json:"maxPrefetch" yaml:"max_prefetch"`
}

// PolicyState is the live policy read by the request layer. A nil field is an inactive policy.
type PolicyState struct {
	Cache    *CacheConfig    `json:"cacheConfig,omitempty" yaml:"cache,omitempty"`
	Retry    *RetryConfig    `json:"retryConfig,omitempty" yaml:"retry,omitempty"`
	Batch    *BatchConfig    `json:"batchConfig,omitempty" yaml:"batch,omitempty"`
	Prefetch *PrefetchConfig `json:"prefetchConfig,omitempty" yaml:"prefetch,omitempty"`
}

func DefaultCacheConfig() CacheConfig {
	return CacheConfig{TTL: 300000, MaxSize: 100, Endpoints: []string{}}
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BackoffMultiplier: 2, InitialDelay: 1000}
}

func DefaultBatchConfig() BatchConfig {
	return BatchConfig{MaxBatchSize: 10, BatchDelay: 50, Endpoints: []string{}}
}

func DefaultPrefetchConfig() PrefetchConfig {
	return PrefetchConfig{Patterns: []string{}, MaxPrefetch: 5}
}

func (c CacheConfig) Merge(p CachePatch) CacheConfig {
	if p.TTL != nil {
		c.TTL = *p.TTL
	}
	if p.MaxSize != nil {
		c.MaxSize = *p.MaxSize
	}
	if p.Endpoints != nil {
		c.Endpoints = slices.Clone(p.Endpoints)
	}
	return c
}

func (c RetryConfig) Merge(p RetryPatch) RetryConfig {
	if p.MaxAttempts != nil {
		c.MaxAttempts = *p.MaxAttempts
	}
	if p.BackoffMultiplier != nil {
		c.BackoffMultiplier = *p.BackoffMultiplier
	}
	if p.InitialDelay != nil {
		c.InitialDelay = *p.InitialDelay
	}
	return c
}

func (c BatchConfig) Merge(p BatchPatch) BatchConfig {
	if p.MaxBatchSize != nil {
		c.MaxBatchSize = *p.MaxBatchSize
	}
	if p.BatchDelay != nil {
		c.BatchDelay = *p.BatchDelay
	}
	if p.Endpoints != nil {
		c.Endpoints = slices.Clone(p.Endpoints)
	}
	return c
}

func (c PrefetchConfig) Merge(p PrefetchPatch) PrefetchConfig {
	if p.Patterns != nil {
		c.Patterns = slices.Clone(p.Patterns)
	}
	if p.MaxPrefetch != nil {
		c.MaxPrefetch = *p.MaxPrefetch
	}
	return c
}

// Clone returns a deep copy safe to hand to readers.
func (s PolicyState) Clone() PolicyState {
	var out PolicyState
	if s.Cache != nil {
		c := *s.Cache
		c.Endpoints = slices.Clone(c.Endpoints)
		out.Cache = &c
	}
	if s.Retry != nil {
		r := *s.Retry
		out.Retry = &r
	}
	if s.Batch != nil {
		b := *s.Batch
		b.Endpoints = slices.Clone(b.Endpoints)
		out.Batch = &b
	}
	if s.Prefetch != nil {
		p := *s.Prefetch
		p.Patterns = slices.Clone(p.Patterns)
		out.Prefetch = &p
	}
	return out
}

// Delay is the wait before retry attempt n (1-based).
func (c RetryConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := c.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(c.InitialDelay) * math.Pow(mult, float64(attempt-1))
	return time.Duration(d) * time.Millisecond
}
