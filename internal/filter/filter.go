package filter

import (
	"path"
	"regexp"
	"strings"

	"github.com/yourorg/selfopt/internal/config"
)

// FilterConfig is an alias of config.FilterConfig.
type FilterConfig = config.FilterConfig

// Filter decides which outbound calls are worth tracking.
type Filter struct {
	methods map[string]struct{}
	exts    map[string]struct{}
	paths   []string
}

func New(cfg FilterConfig) *Filter {
	f := &Filter{
		methods: make(map[string]struct{}, len(cfg.IgnoreMethods)),
		exts:    make(map[string]struct{}, len(cfg.IgnoreExtensions)),
	}
	for _, m := range cfg.IgnoreMethods {
		if m = strings.ToUpper(strings.TrimSpace(m)); m != "" {
			f.methods[m] = struct{}{}
		}
	}
	for _, e := range cfg.IgnoreExtensions {
		if e = strings.ToLower(strings.TrimSpace(e)); e != "" {
			f.exts[e] = struct{}{}
		}
	}
	for _, p := range cfg.IgnorePaths {
		if p = strings.TrimSpace(p); p != "" {
			f.paths = append(f.paths, p)
		}
	}
	return f
}

// Track reports whether a call should be recorded as a metric.
func (f *Filter) Track(method, p string) bool {
	if f == nil {
		return true
	}
	if _, ok := f.methods[strings.ToUpper(method)]; ok {
		return false
	}
	if ext := strings.ToLower(path.Ext(p)); ext != "" {
		if _, ok := f.exts[ext]; ok {
			return false
		}
	}
	for _, pref := range f.paths {
		if strings.HasPrefix(p, pref) {
			return false
		}
	}
	return true
}

var (
	numericSegment = regexp.MustCompile(`^\d+$`)
	uuidSegment    = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	hexSegment     = regexp.MustCompile(`^[0-9a-fA-F]{24,}$`)
)

// NormalizePath replaces identifier-like path segments with ":id" so that
// calls to the same logical operation share one metric bucket.
func NormalizePath(p string) string {
	trimmed := strings.Trim(p, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	for i, seg := range parts {
		if numericSegment.MatchString(seg) || uuidSegment.MatchString(seg) || hexSegment.MatchString(seg) {
			parts[i] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}

// Endpoint is the metric bucket key for a call.
func Endpoint(method, p string) string {
	return strings.ToUpper(method) + " " + NormalizePath(p)
}

// Successful reports whether a response status counts as a successful call.
// Server errors, throttling and aborted requests (status 0) are failures.
func Successful(status int) bool {
	return status > 0 && status < 500 && status != 429
}
