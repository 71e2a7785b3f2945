package httpapi

import (
	"net/http"

	"github.com/dmitrijs2005/gophupload/internal/server/health"
	"github.com/dmitrijs2005/gophupload/internal/server/metrics"
	"github.com/dmitrijs2005/gophupload/internal/server/tracing"
)

// StorePrefix is where the in-memory object store serves presigned requests.
const StorePrefix = "/_store"

type RouterOptions struct {
	Checker *health.Checker
	Metrics *metrics.Metrics
	// Store serves presigned URLs when the object store lives in process.
	Store http.Handler
}

// NewRouter assembles the API, health, metrics and optional store routes and
// wraps them in tracing and request metrics.
func NewRouter(api *Handler, opts RouterOptions) http.Handler {
	mux := http.NewServeMux()
	api.Register(mux)

	mux.Handle("GET /livez", health.LiveHandler())
	if opts.Checker != nil {
		mux.Handle("GET /readyz", opts.Checker.ReadyHandler())
	}
	if opts.Store != nil {
		mux.Handle(StorePrefix+"/", http.StripPrefix(StorePrefix, opts.Store))
	}

	var h http.Handler = mux
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics.Handler())
		h = opts.Metrics.Middleware(h)
	}
	return tracing.Middleware(h)
}
