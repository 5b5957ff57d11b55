// Package hub defines the contract of a bidirectional hub connection.
//
// A hub connection:
//   - Reports its lifecycle as State transitions (never redundant)
//   - Signals an in-place reconnection separately from state changes
//   - Hands out proxies that invoke remote methods and receive server calls
//
// The connection manager consumes this contract; internal/wshub implements it.
package hub
