// Package model defines the provider-agnostic abstractions and concrete
// helpers for interacting with language / reasoning models inside Orchestra.
//
// Core goals:
//   - Unify streaming + non-streaming generation behind a single interface
//   - Normalize message, tool call and streaming frame representation
//   - Centralize retry, timeout and empty-response policy in Caller
//   - Facilitate lightweight mocking for tests (MockModel)
//
// Providers (e.g. OpenAI, Anthropic) implement the Model interface from this
// package so higher layers (flows, dispatch) remain decoupled from vendor
// SDKs.
package model
