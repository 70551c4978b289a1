package registry

import "coinstream/internal/granularity"

// Sub identifies one client's subscription to a (product, granularity) pair.
type Sub struct {
	Product string
	Label   granularity.Label
}

type gKey struct {
	Product string
	Seconds int64
}

type emitKey struct {
	Client  string
	Product string
	Label   granularity.Label
}
