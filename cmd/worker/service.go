package main

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/angelmondragon/grosir-backend/pkg/logger"
)

// component is a long-running part of the worker. Run blocks until ctx is done or the
// component fails.
type component struct {
	name string
	run  func(context.Context) error
}

type ServiceParams struct {
	Logger     *logger.Logger
	Readiness  map[string]func(context.Context) error
	Components []component
}

// Service gates startup on dependency readiness, then runs every component until the
// first one stops.
type Service struct {
	logg       *logger.Logger
	readiness  map[string]func(context.Context) error
	components []component
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if len(params.Components) == 0 {
		return nil, errors.New("at least one component is required")
	}
	for _, c := range params.Components {
		if c.name == "" || c.run == nil {
			return nil, errors.New("components need a name and a run func")
		}
	}
	return &Service{
		logg:       params.Logger,
		readiness:  params.Readiness,
		components: params.Components,
	}, nil
}

func (s *Service) ensureReadiness(ctx context.Context) error {
	names := make([]string, 0, len(s.readiness))
	for name := range s.readiness {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := s.readiness[name](ctx); err != nil {
			s.logg.Error(s.logg.WithField(ctx, "dependency", name), "dependency not ready", err)
			return fmt.Errorf("%s not ready: %w", name, err)
		}
	}
	s.logg.Info(ctx, "all worker dependencies are ready")
	return nil
}

func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.ensureReadiness(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type exit struct {
		name string
		err  error
	}
	exits := make(chan exit, len(s.components))
	for _, c := range s.components {
		go func(c component) {
			exits <- exit{name: c.name, err: c.run(ctx)}
		}(c)
	}

	select {
	case <-ctx.Done():
		s.logg.Info(ctx, "worker context canceled")
		return ctx.Err()
	case e := <-exits:
		if e.err != nil && !errors.Is(e.err, context.Canceled) {
			s.logg.Error(s.logg.WithField(ctx, "component", e.name), "worker component stopped unexpectedly", e.err)
			return fmt.Errorf("%s: %w", e.name, e.err)
		}
		if e.err == nil {
			return fmt.Errorf("%s exited", e.name)
		}
		return e.err
	}
}
