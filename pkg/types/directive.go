package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DirectiveKind names a policy family.
type DirectiveKind string

const (
	KindCache    DirectiveKind = "cache"
	KindRetry    DirectiveKind = "retry"
	KindBatch    DirectiveKind = "batch"
	KindPrefetch DirectiveKind = "prefetch"
)

// Directive is a policy change returned by the learning service.
// The set of implementations is closed: CacheDirective, RetryDirective,
// BatchDirective, PrefetchDirective, UnknownDirective and MalformedDirective.
type Directive interface {
	Kind() DirectiveKind
	directive()
}

// CachePatch carries the cache fields a directive sets. Nil fields keep their prior value.
type CachePatch struct {
	TTL       *int64   `json:"ttl,omitempty"`
	MaxSize   *int     `json:"maxSize,omitempty"`
	Endpoints []string `json:"endpoints,omitempty"`
}

type RetryPatch struct {
	MaxAttempts       *int     `json:"maxAttempts,omitempty"`
	BackoffMultiplier *float64 `json:"backoffMultiplier,omitempty"`
	InitialDelay      *int64   `json:"initialDelay,omitempty"`
}

type BatchPatch struct {
	MaxBatchSize *int     `json:"maxBatchSize,omitempty"`
	BatchDelay   *int64   `json:"batchDelay,omitempty"`
	Endpoints    []string `json:"endpoints,omitempty"`
}

type PrefetchPatch struct {
	Patterns    []string `json:"patterns,omitempty"`
	MaxPrefetch *int     `json:"maxPrefetch,omitempty"`
}

type CacheDirective struct{ Patch CachePatch }
type RetryDirective struct{ Patch RetryPatch }
type BatchDirective struct{ Patch BatchPatch }
type PrefetchDirective struct{ Patch PrefetchPatch }

// UnknownDirective holds a wire directive whose type is not recognised.
type UnknownDirective struct {
	Type   string
	Config json.RawMessage
}

func (CacheDirective) Kind() DirectiveKind    { return KindCache }
func (RetryDirective) Kind() DirectiveKind    { return KindRetry }
func (BatchDirective) Kind() DirectiveKind    { return KindBatch }
func (PrefetchDirective) Kind() DirectiveKind { return KindPrefetch }
func (d UnknownDirective) Kind() DirectiveKind {
	return DirectiveKind(d.Type)
}

// MalformedDirective holds a directive of a known type whose config failed to decode.
type MalformedDirective struct {
	Type   string
	Config json.RawMessage
	Err    error
}

func (d MalformedDirective) Kind() DirectiveKind { return DirectiveKind(d.Type) }

func (CacheDirective) directive()     {}
func (RetryDirective) directive()     {}
func (BatchDirective) directive()     {}
func (PrefetchDirective) directive()  {}
func (UnknownDirective) directive()   {}
func (MalformedDirective) directive() {}

// RawDirective is the wire form `{type, config}`.
type RawDirective struct {
	Type   string          `json:"type"`
	Config json.RawMessage `json:"config,omitempty"`
}

var kindAliases = map[string]DirectiveKind{
	"cache":             KindCache,
	"caching":           KindCache,
	"caching_strategy":  KindCache,
	"retry":             KindRetry,
	"retry_strategy":    KindRetry,
	"retry_policy":      KindRetry,
	"batch":             KindBatch,
	"batching":          KindBatch,
	"batching_strategy": KindBatch,
	"request_batching":  KindBatch,
	"prefetch":          KindPrefetch,
	"prefetching":       KindPrefetch,
	"prefetch_strategy": KindPrefetch,
}

// ParseKind resolves a wire type name, accepting the learning service's aliases.
func ParseKind(s string) (DirectiveKind, bool) {
	k, ok := kindAliases[strings.ToLower(strings.TrimSpace(s))]
	return k, ok
}

// DecodeDirective turns a wire directive into its variant. Unrecognised types
// decode to UnknownDirective without error; a malformed config for a known
// type is an error.
func DecodeDirective(raw RawDirective) (Directive, error) {
	kind, ok := ParseKind(raw.Type)
	if !ok {
		return UnknownDirective{Type: raw.Type, Config: raw.Config}, nil
	}
	cfg := raw.Config
	if len(cfg) == 0 || string(cfg) == "null" {
		cfg = json.RawMessage("{}")
	}
	switch kind {
	case KindCache:
		var d CacheDirective
		if err := json.Unmarshal(cfg, &d.Patch); err != nil {
			return nil, fmt.Errorf("decode %s directive: %w", raw.Type, err)
		}
		return d, nil
	case KindRetry:
		var d RetryDirective
		if err := json.Unmarshal(cfg, &d.Patch); err != nil {
			return nil, fmt.Errorf("decode %s directive: %w", raw.Type, err)
		}
		return d, nil
	case KindBatch:
		var d BatchDirective
		if err := json.Unmarshal(cfg, &d.Patch); err != nil {
			return nil, fmt.Errorf("decode %s directive: %w", raw.Type, err)
		}
		return d, nil
	default:
		var d PrefetchDirective
		if err := json.Unmarshal(cfg, &d.Patch); err != nil {
			return nil, fmt.Errorf("decode %s directive: %w", raw.Type, err)
		}
		return d, nil
	}
}

// EncodeDirective is the inverse of DecodeDirective.
func EncodeDirective(d Directive) (RawDirective, error) {
	var patch any
	switch v := d.(type) {
	case CacheDirective:
		patch = v.Patch
	case RetryDirective:
		patch = v.Patch
	case BatchDirective:
		patch = v.Patch
	case PrefetchDirective:
		patch = v.Patch
	case UnknownDirective:
		return RawDirective{Type: v.Type, Config: v.Config}, nil
	case MalformedDirective:
		return RawDirective{Type: v.Type, Config: v.Config}, nil
	default:
		return RawDirective{}, fmt.Errorf("unsupported directive %T", d)
	}
	b, err := json.Marshal(patch)
	if err != nil {
		return RawDirective{}, err
	}
	return RawDirective{Type: string(d.Kind()), Config: b}, nil
}
