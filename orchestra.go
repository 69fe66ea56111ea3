// Package orchestra provides a high-level façade over the run supervisor,
// enabling rapid construction of multi-agent research systems. Most
// applications interact with this package by:
//  1. Loading agent profiles from a directory via LoadProfiles()
//  2. Creating an Orchestra via New() (optionally overriding configuration,
//     logging or the model factory)
//  3. Starting runs asynchronously (StartRun) or synchronously (RunSync)
//
// The façade delegates orchestration to run.Run while keeping setup and
// usage ergonomics concise. All defaults are safe for local development and
// testing; production deployments typically supply an OpenAI-compatible
// endpoint per profile through llm_configs and a structured logger.
package orchestra

import (
	"context"

	"github.com/orchestrahq/orchestra/bus"
	"github.com/orchestrahq/orchestra/config"
	"github.com/orchestrahq/orchestra/flow"
	"github.com/orchestrahq/orchestra/logging"
	"github.com/orchestrahq/orchestra/model"
	"github.com/orchestrahq/orchestra/profile"
	"github.com/orchestrahq/orchestra/run"
)

// Options configures the Orchestra instance.
type Options struct {
	// Config carries the recognized runtime options (turn caps, timeouts,
	// concurrency bounds, state dump). Defaults to config.Default().
	Config config.Config

	// Logger (defaults to NoOp logger if nil).
	Logger logging.Logger

	// ModelFor overrides model construction per profile; tests use scripted
	// models here.
	ModelFor func(p *profile.Profile) model.Model
}

// Orchestra is the high-level façade aggregating profiles and configuration.
type Orchestra struct {
	opts     Options
	profiles *profile.Registry
}

// LoadProfiles reads every profile document in dir.
func LoadProfiles(dir string) (*profile.Registry, error) {
	return profile.LoadAll(dir)
}

// New creates a new Orchestra instance over a populated profile registry.
func New(profiles *profile.Registry, optFns ...func(o *Options)) *Orchestra {
	opts := Options{
		Config: config.Default(),
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Orchestra{opts: opts, profiles: profiles}
}

// Profiles returns the underlying registry.
func (o *Orchestra) Profiles() *profile.Registry { return o.profiles }

// StartRun creates and starts a run driven by the named Principal profile.
// The returned Run exposes the event stream, cancellation and the terminal
// result.
func (o *Orchestra) StartRun(ctx context.Context, principalName, userPrompt string) (*run.Run, error) {
	r, err := run.New(o.profiles, principalName, func(ro *run.Options) {
		ro.Config = o.opts.Config
		ro.Logger = o.opts.Logger
		ro.ModelFor = o.opts.ModelFor
	})
	if err != nil {
		return nil, err
	}
	if err := r.Start(ctx, userPrompt); err != nil {
		return nil, err
	}
	return r, nil
}

// RunSync is a synchronous helper that starts a run, drains its event
// stream and returns the collected events with the terminal result.
func (o *Orchestra) RunSync(
	ctx context.Context,
	principalName, userPrompt string,
) (*run.Run, []bus.Event, flow.Result, error) {
	r, err := run.New(o.profiles, principalName, func(ro *run.Options) {
		ro.Config = o.opts.Config
		ro.Logger = o.opts.Logger
		ro.ModelFor = o.opts.ModelFor
	})
	if err != nil {
		return nil, nil, flow.Result{}, err
	}

	sub := r.Subscribe()
	if err := r.Start(ctx, userPrompt); err != nil {
		return nil, nil, flow.Result{}, err
	}

	var events []bus.Event
	for ev := range sub.C {
		events = append(events, ev)
	}
	result, err := r.Wait(ctx)
	return r, events, result, err
}
