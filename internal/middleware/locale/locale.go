package locale

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/wudi/webserver/internal/config"
	"github.com/wudi/webserver/internal/logging"
	"github.com/wudi/webserver/internal/middleware"
	"github.com/wudi/webserver/internal/wire"
)

// DefaultLocale is used when neither the cookie nor Accept-Language yields a tag.
const DefaultLocale = "en-US"

// DefaultCookie names the cookie carrying the user's choice.
const DefaultCookie = "user-lang"

// Filter resolves the preferred locale of each request.
type Filter struct {
	def    string
	cookie string
}

// New creates a locale filter.
func New(cfg config.LocaleConfig) *Filter {
	f := &Filter{def: cfg.Default, cookie: cfg.Cookie}
	if f.def == "" {
		f.def = DefaultLocale
	}
	if f.cookie == "" {
		f.cookie = DefaultCookie
	}
	return f
}

// Resolve picks the cookie value, then the first Accept-Language tag, then
// the default.
func (f *Filter) Resolve(req *wire.Request) string {
	if tag := f.fromCookie(req); tag != "" {
		return tag
	}
	if tag := fromAcceptLanguage(req.Header("Accept-Language")); tag != "" {
		return tag
	}
	return f.def
}

// Handle implements middleware.Filter. The response is never touched.
func (f *Filter) Handle(ctx context.Context, req *wire.Request, res *wire.Response, next middleware.Chain) error {
	tag := f.Resolve(req)
	ctx = context.WithValue(ctx, localeKey{}, tag)
	logging.FromContext(ctx).Debug("locale resolved", zap.String("locale", tag))
	return next.Next(ctx, req, res)
}

func (f *Filter) fromCookie(req *wire.Request) string {
	for _, header := range req.HeaderValues("Cookie") {
		for _, c := range strings.Split(header, ";") {
			name, value, ok := strings.Cut(strings.TrimSpace(c), "=")
			if !ok || strings.TrimSpace(name) != f.cookie {
				continue
			}
			value = strings.Trim(strings.TrimSpace(value), `"`)
			if validTag(value) {
				return value
			}
		}
	}
	return ""
}

func fromAcceptLanguage(header string) string {
	if strings.TrimSpace(header) == "" {
		return ""
	}
	first, _, _ := strings.Cut(header, ",")
	tag, _, _ := strings.Cut(first, ";")
	tag = strings.TrimSpace(tag)
	if tag == "*" || !validTag(tag) {
		return ""
	}
	return tag
}

// validTag accepts BCP 47 shaped values: alphanumeric subtags joined by '-'
// or '_'.
func validTag(tag string) bool {
	if tag == "" || len(tag) > 35 {
		return false
	}
	for i := 0; i < len(tag); i++ {
		c := tag[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case (c == '-' || c == '_') && i > 0 && i < len(tag)-1:
		default:
			return false
		}
	}
	return true
}

type localeKey struct{}

// FromContext returns the locale resolved for the request, or DefaultLocale.
func FromContext(ctx context.Context) string {
	if tag, ok := ctx.Value(localeKey{}).(string); ok {
		return tag
	}
	return DefaultLocale
}
