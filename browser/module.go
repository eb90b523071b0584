// Package browser provides an entry point to the web client extension.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dop251/goja"
	"github.com/sirupsen/logrus"

	"github.com/grafana/xk6-webclient/env"
	"github.com/grafana/xk6-webclient/k6ext"
	"github.com/grafana/xk6-webclient/log"
	"github.com/grafana/xk6-webclient/otel"
	"github.com/grafana/xk6-webclient/trace"

	k6common "go.k6.io/k6/js/common"
	k6modules "go.k6.io/k6/js/modules"
)

const version = "0.1.0"

type (
	// RootModule is the global module instance that will create module
	// instances for each VU.
	RootModule struct {
		lookupEnv env.LookupFunc
		loadEnv   func() (*env.Config, error)

		initOnce       sync.Once
		initErr        error
		cfg            *env.Config
		tracesProvider otel.TraceProvider
	}

	// JSModule exposes the properties available to the JS script.
	JSModule struct {
		NewClient func(opts goja.Value) (mapping, error) `js:"newClient"`
		Version   string                                 `js:"version"`
	}

	// ModuleInstance represents an instance of the JS module.
	ModuleInstance struct {
		mod *JSModule
	}
)

// moduleVU carries module specific VU information.
//
// Currently, it is used to carry the VU object to the
// inner objects along with what every web client of the VU shares.
type moduleVU struct {
	k6modules.VU

	cfg     *env.Config
	logger  *log.Logger
	metrics *k6ext.CustomMetrics
	tracer  *trace.Tracer
}

func (vu moduleVU) Context() context.Context {
	// inner objects need the VU object to be able to use
	// k6-core specific functionality.
	return k6ext.WithVU(vu.VU.Context(), vu.VU)
}

var (
	_ k6modules.Module   = &RootModule{}
	_ k6modules.Instance = &ModuleInstance{}
)

// New returns a pointer to a new RootModule instance.
func New() *RootModule {
	return &RootModule{
		lookupEnv: env.Lookup,
		loadEnv:   env.Load,
	}
}

// NewModuleInstance implements the k6modules.Module interface to return
// a new instance for each VU.
func (m *RootModule) NewModuleInstance(vu k6modules.VU) k6modules.Instance {
	rt := vu.Runtime()
	if _, ok := m.lookupEnv(env.DisableRun); ok {
		msg := "Disable run flag enabled, web client test run aborted. Please contact support."
		if s, ok := m.lookupEnv(env.DisableRunMessage); ok {
			msg = s
		}

		k6common.Throw(rt, errors.New(msg))
	}

	m.initOnce.Do(func() {
		m.initErr = m.initialize()
	})
	if m.initErr != nil {
		k6common.Throw(rt, m.initErr)
	}

	var fl logrus.FieldLogger
	if ie := vu.InitEnv(); ie != nil && ie.TestPreInitState != nil {
		fl = ie.Logger
	}
	logger, err := newLogger(fl, m.cfg)
	if err != nil {
		k6common.Throw(rt, err)
	}

	// using our custom VU so that we can be ready for the future
	// changes to the k6-core VU code. And we can have a fine-grained
	// control over it, now and in the future.
	mvu := moduleVU{
		VU:      vu,
		cfg:     m.cfg,
		logger:  logger,
		metrics: k6ext.RegisterCustomMetrics(vu.InitEnv().Registry),
		tracer:  trace.NewTracer(logger.Logger, m.tracesProvider, m.cfg.TracesMetadata),
	}

	return &ModuleInstance{
		mod: &JSModule{
			NewClient: func(opts goja.Value) (mapping, error) {
				return newClient(mvu, opts)
			},
			Version: version,
		},
	}
}

// initialize loads the environment configuration and sets up tracing once
// for all the VUs.
func (m *RootModule) initialize() error {
	cfg, err := m.loadEnv()
	if err != nil {
		return err
	}
	m.cfg = cfg

	if cfg.TracesEndpoint == "" {
		m.tracesProvider = otel.NewNoopTraceProvider()
		return nil
	}
	tp, err := otel.NewTraceProvider(context.Background(), cfg.TracesProtocol, cfg.TracesEndpoint, cfg.TracesInsecure)
	if err != nil {
		return fmt.Errorf("creating traces provider: %w", err)
	}
	m.tracesProvider = tp

	return nil
}

// Exports returns the exports of the JS module so that it can be used in test
// scripts.
func (mi *ModuleInstance) Exports() k6modules.Exports {
	return k6modules.Exports{Default: mi.mod}
}

// newLogger returns a logger writing where the k6 logger writes, with
// its own level and category filter.
func newLogger(fl logrus.FieldLogger, cfg *env.Config) (*log.Logger, error) {
	ll := logrus.New()
	var k6Logger *logrus.Logger
	switch l := fl.(type) {
	case *logrus.Logger:
		k6Logger = l
	case *logrus.Entry:
		k6Logger = l.Logger
	}
	if k6Logger != nil {
		ll.SetOutput(k6Logger.Out)
		ll.SetFormatter(k6Logger.Formatter)
	}

	logger := log.New(ll, cfg.Debug, nil)
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		return nil, err //nolint:wrapcheck
	}
	if err := logger.SetCategoryFilter(cfg.LogCategoryFilter); err != nil {
		return nil, err //nolint:wrapcheck
	}

	return logger, nil
}
