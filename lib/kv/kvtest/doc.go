// Package kvtest provides a shared conformance suite every storage engine
// must pass. Engine packages call RunEngineTests from their own test files
// with a factory creating fresh, initialized engines, so all backends are
// held to the same contract without duplicating test logic.
package kvtest
