package middleware

import "net/http"

// Chain composes middleware into a single wrapper. The first middleware is
// outermost: Chain(a, b)(h) serves a request as a -> b -> h.
func Chain(mws ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		for i := len(mws) - 1; i >= 0; i-- {
			h = mws[i](h)
		}
		return h
	}
}
