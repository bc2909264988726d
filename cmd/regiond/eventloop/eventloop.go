// Package eventloop wires the region process's long-running services
// together: dependency-ordered construction, concurrent startup, and
// periodic work scheduling.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/metalgrid/regiond/common/logger"
)

// Role gates which process roles run a service.
type Role string

const (
	RoleWorker Role = "worker"
	RoleMaster Role = "master"
	RoleAll    Role = "all"
)

// Service is one long-running component of the region process.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Factory builds a service once its dependencies are running. deps holds
// the named dependencies in registration order.
type Factory func(ctx context.Context, deps map[string]Service) (Service, error)

// Spec declares one service and its place in the dependency graph.
type Spec struct {
	Name string

	// Requires names services that must be constructed first.
	Requires []string

	// OnlyOnMaster restricts the service to the elected master process.
	OnlyOnMaster bool

	// ImportService restricts the service to processes that run the
	// image-import workload.
	ImportService bool

	Factory Factory
}

// Graph resolves service specs into constructed services in dependency
// order. Construction is memoized; asking for the same service twice
// returns the same instance.
type Graph struct {
	role  Role
	log   *logger.Logger
	specs map[string]Spec
	order []string

	// ImportServices enables services flagged ImportService. Set before
	// Populate.
	ImportServices bool

	mu    sync.Mutex
	built map[string]Service
	stack []string
}

func NewGraph(role Role, log *logger.Logger) *Graph {
	return &Graph{
		role:  role,
		log:   log,
		specs: make(map[string]Spec),
		built: make(map[string]Service),
	}
}

// Add registers a spec. Re-registering a name is a programming error.
func (g *Graph) Add(spec Spec) error {
	if spec.Name == "" {
		return errors.New("service spec requires a name")
	}
	if spec.Factory == nil {
		return fmt.Errorf("service %s: spec requires a factory", spec.Name)
	}
	if _, dup := g.specs[spec.Name]; dup {
		return fmt.Errorf("service %s: already registered", spec.Name)
	}
	g.specs[spec.Name] = spec
	g.order = append(g.order, spec.Name)
	return nil
}

// MustAdd is Add for static registration tables.
func (g *Graph) MustAdd(spec Spec) {
	if err := g.Add(spec); err != nil {
		panic(err)
	}
}

// Populate constructs every registered service eligible for this process
// role, dependencies first. A worker-role service requiring a master-only
// service is a wiring error, reported immediately.
func (g *Graph) Populate(ctx context.Context) ([]Service, error) {
	var services []Service
	for _, name := range g.order {
		spec := g.specs[name]
		if spec.OnlyOnMaster && g.role == RoleWorker {
			continue
		}
		if spec.ImportService && !g.ImportServices {
			continue
		}
		svc, err := g.resolve(ctx, name)
		if err != nil {
			return nil, err
		}
		services = append(services, svc)
	}
	return services, nil
}

// Get returns an already constructed service by name.
func (g *Graph) Get(name string) (Service, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	svc, ok := g.built[name]
	return svc, ok
}

func (g *Graph) resolve(ctx context.Context, name string) (Service, error) {
	g.mu.Lock()
	if svc, ok := g.built[name]; ok {
		g.mu.Unlock()
		return svc, nil
	}
	for _, on := range g.stack {
		if on == name {
			cycle := append(append([]string(nil), g.stack...), name)
			g.mu.Unlock()
			return nil, fmt.Errorf("service dependency cycle: %v", cycle)
		}
	}
	g.stack = append(g.stack, name)
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.stack = g.stack[:len(g.stack)-1]
		g.mu.Unlock()
	}()

	spec, ok := g.specs[name]
	if !ok {
		return nil, fmt.Errorf("service %s: not registered", name)
	}

	deps := make(map[string]Service, len(spec.Requires))
	for _, dep := range spec.Requires {
		depSpec, ok := g.specs[dep]
		if !ok {
			return nil, fmt.Errorf("service %s: unknown dependency %s", name, dep)
		}
		if depSpec.OnlyOnMaster && !spec.OnlyOnMaster && g.role == RoleWorker {
			return nil, fmt.Errorf("service %s: depends on master-only service %s", name, dep)
		}
		if depSpec.ImportService && !spec.ImportService && !g.ImportServices {
			return nil, fmt.Errorf("service %s: depends on import-only service %s", name, dep)
		}
		svc, err := g.resolve(ctx, dep)
		if err != nil {
			return nil, err
		}
		deps[dep] = svc
	}

	svc, err := spec.Factory(ctx, deps)
	if err != nil {
		return nil, fmt.Errorf("construct service %s: %w", name, err)
	}
	g.mu.Lock()
	g.built[name] = svc
	g.mu.Unlock()
	g.log.Debug("service constructed", "service", name)
	return svc, nil
}

// Supervisor starts and stops a set of services as a unit.
type Supervisor struct {
	log      *logger.Logger
	services []Service
}

func NewSupervisor(services []Service, log *logger.Logger) *Supervisor {
	return &Supervisor{log: log, services: services}
}

// Start launches every service concurrently and waits for all of them,
// collecting every failure rather than stopping at the first.
func (s *Supervisor) Start(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs *multierror.Error
	)
	for _, svc := range s.services {
		wg.Add(1)
		go func(svc Service) {
			defer wg.Done()
			if err := svc.Start(ctx); err != nil {
				s.log.Error("service failed to start", "service", svc.Name(), "error", err)
				mu.Lock()
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", svc.Name(), err))
				mu.Unlock()
				return
			}
			s.log.Info("service started", "service", svc.Name())
		}(svc)
	}
	wg.Wait()
	return errs.ErrorOrNil()
}

// Stop halts services in reverse start order.
func (s *Supervisor) Stop(ctx context.Context) error {
	var errs *multierror.Error
	for i := len(s.services) - 1; i >= 0; i-- {
		svc := s.services[i]
		if err := svc.Stop(ctx); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", svc.Name(), err))
		}
	}
	return errs.ErrorOrNil()
}

// BackgroundService adapts a blocking run function into a Service. The
// function should return promptly once its context ends.
type BackgroundService struct {
	name string
	run  func(ctx context.Context) error
	log  *logger.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewBackgroundService(name string, log *logger.Logger, run func(ctx context.Context) error) *BackgroundService {
	return &BackgroundService{name: name, run: run, log: log}
}

func (b *BackgroundService) Name() string { return b.name }

func (b *BackgroundService) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.cancel != nil {
		b.mu.Unlock()
		return fmt.Errorf("service %s: already started", b.name)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.cancel = cancel
	b.done = make(chan struct{})
	b.mu.Unlock()

	go func() {
		defer close(b.done)
		if err := b.run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			b.log.Error("background service exited", "service", b.name, "error", err)
		}
	}()
	return nil
}

func (b *BackgroundService) Stop(ctx context.Context) error {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LoopingCall runs fn on a fixed interval until its context ends. Errors
// are logged and the loop keeps going.
type LoopingCall struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context) error
	log      *logger.Logger

	// RunImmediately fires fn once at Start before the first tick.
	RunImmediately bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewLoopingCall(name string, interval time.Duration, log *logger.Logger, fn func(ctx context.Context) error) *LoopingCall {
	return &LoopingCall{name: name, interval: interval, fn: fn, log: log}
}

func (l *LoopingCall) Name() string { return l.name }

func (l *LoopingCall) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.cancel != nil {
		l.mu.Unlock()
		return fmt.Errorf("looping call %s: already started", l.name)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l.cancel = cancel
	l.done = make(chan struct{})
	l.mu.Unlock()

	go l.run(runCtx)
	return nil
}

func (l *LoopingCall) run(ctx context.Context) {
	defer close(l.done)
	if l.RunImmediately {
		l.call(ctx)
	}
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.call(ctx)
		}
	}
}

func (l *LoopingCall) call(ctx context.Context) {
	if err := l.fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
		l.log.Error("periodic task failed", "task", l.name, "error", err)
	}
}

func (l *LoopingCall) Stop(ctx context.Context) error {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
