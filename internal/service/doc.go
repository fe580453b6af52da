// Package service is the application layer, the only component that
// references more than one subsystem. It owns the broadcast path
// (admission, registry, dispatch, fan-out, backplane) and the
// fire-and-forget persistence around it.
package service
