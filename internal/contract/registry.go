// Package contract resolves logical instrument descriptors into broker-confirmed identifiers.
package contract

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnresolved is returned when a contract reply has not arrived yet.
var ErrUnresolved = errors.New("contract not resolved")

// Instrument is the logical descriptor a subscription starts from.
type Instrument struct {
	Symbol   string `json:"symbol"`
	SecType  string `json:"sec_type"`
	Exchange string `json:"exchange"`
	Currency string `json:"currency"`
}

// Key identifies the descriptor independent of any request id.
func (i Instrument) Key() string {
	return strings.ToUpper(fmt.Sprintf("%s:%s:%s:%s", i.Symbol, i.SecType, i.Exchange, i.Currency))
}

// Details is the broker-confirmed contract. Everything downstream keys off ConID.
type Details struct {
	ConID       int64   `json:"con_id"`
	Symbol      string  `json:"symbol"`
	LocalSymbol string  `json:"local_symbol"`
	Exchange    string  `json:"exchange"`
	MinTick     float64 `json:"min_tick"`
	Multiplier  float64 `json:"multiplier"`
}

// Registry maps contract request ids to their instrument and, once known, their details.
// Each resolution is written once; later replies for the same request are ignored.
type Registry struct {
	requested map[int64]Instrument
	resolved  map[int64]Details
	byConID   map[int64]Details
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		requested: make(map[int64]Instrument),
		resolved:  make(map[int64]Details),
		byConID:   make(map[int64]Details),
	}
}

// Track records an outstanding contract request.
func (r *Registry) Track(reqID int64, inst Instrument) {
	r.requested[reqID] = inst
}

// Instrument returns the descriptor behind a request.
func (r *Registry) Instrument(reqID int64) (Instrument, bool) {
	inst, ok := r.requested[reqID]
	return inst, ok
}

// Resolve stores the reply for reqID. It reports false when the request is unknown or already resolved.
func (r *Registry) Resolve(reqID int64, d Details) bool {
	if _, ok := r.requested[reqID]; !ok {
		return false
	}
	if _, done := r.resolved[reqID]; done {
		return false
	}
	if d.Multiplier == 0 {
		d.Multiplier = 1
	}
	r.resolved[reqID] = d
	r.byConID[d.ConID] = d
	return true
}

// Lookup returns the resolved details for a request.
func (r *Registry) Lookup(reqID int64) (Details, bool) {
	d, ok := r.resolved[reqID]
	return d, ok
}

// ByConID returns the resolved details for a broker contract id.
func (r *Registry) ByConID(conID int64) (Details, bool) {
	d, ok := r.byConID[conID]
	return d, ok
}
