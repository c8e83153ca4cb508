package beancore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// InstanceFactory builds component instances for a home.
type InstanceFactory interface {
	New(ctx context.Context) (any, error)
}

// FactoryFunc adapts a function to InstanceFactory.
type FactoryFunc func(ctx context.Context) (any, error)

func (f FactoryFunc) New(ctx context.Context) (any, error) { return f(ctx) }

// Lifecycle callbacks a component instance may implement.
type (
	// PostConstructor runs once after the instance is built and before it
	// serves any call.
	PostConstructor interface {
		PostConstruct(ctx context.Context) error
	}

	// PreDestroyer runs once when the container destroys the instance.
	PreDestroyer interface {
		PreDestroy(ctx context.Context) error
	}

	// PrePassivator serializes the conversational state of a stateful
	// instance before it is evicted from memory.
	PrePassivator interface {
		PrePassivate(ctx context.Context) ([]byte, error)
	}

	// PostActivator restores state produced by PrePassivate into a freshly
	// built instance.
	PostActivator interface {
		PostActivate(ctx context.Context, state []byte) error
	}

	// SessionSynchronizer is told the outcome of each transaction a
	// stateful instance took part in.
	SessionSynchronizer interface {
		AfterCompletion(committed bool)
	}
)

// beanFactory is the per-kind construction policy. Each home owns the
// factory matching its Kind.
type beanFactory interface {
	newBean(ctx context.Context, h *Home) (*Bean, error)
}

func factoryFor(k Kind) beanFactory {
	switch k {
	case KindStateful:
		return statefulFactory{}
	case KindSingleton:
		return singletonFactory{}
	case KindManaged:
		return managedFactory{}
	default:
		return statelessFactory{}
	}
}

// construct builds the user instance and runs its PostConstruct hook.
func construct(ctx context.Context, h *Home, key Key) (*Bean, error) {
	inst, err := h.cfg.Factory.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("new instance for %s: %w", h.name, err)
	}
	if inst == nil {
		return nil, fmt.Errorf("new instance for %s: factory returned nil", h.name)
	}
	if pc, ok := inst.(PostConstructor); ok {
		if err := pc.PostConstruct(ctx); err != nil {
			return nil, fmt.Errorf("post-construct %s: %w", h.name, err)
		}
	}
	h.container.metrics.beanCreated(h.name)
	return newBean(h, inst, key), nil
}

// statelessFactory builds identity-free beans destined for the pool.
type statelessFactory struct{}

func (statelessFactory) newBean(ctx context.Context, h *Home) (*Bean, error) {
	return construct(ctx, h, "")
}

// statefulFactory mints a fresh session key per bean and can rebuild a
// passivated session under its original key.
type statefulFactory struct{}

func (statefulFactory) newBean(ctx context.Context, h *Home) (*Bean, error) {
	return construct(ctx, h, Key(uuid.NewString()))
}

func (statefulFactory) restore(ctx context.Context, h *Home, key Key, state []byte) (*Bean, error) {
	inst, err := h.cfg.Factory.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("new instance for %s/%s: %w", h.name, key, err)
	}
	pa, ok := inst.(PostActivator)
	if !ok {
		return nil, fmt.Errorf("restore %s/%s: instance does not implement PostActivator", h.name, key)
	}
	if err := pa.PostActivate(ctx, state); err != nil {
		return nil, fmt.Errorf("post-activate %s/%s: %w", h.name, key, err)
	}
	h.container.metrics.beanActivated(h.name)
	return newBean(h, inst, key), nil
}

// singletonFactory builds the one instance of a singleton home.
type singletonFactory struct{}

func (singletonFactory) newBean(ctx context.Context, h *Home) (*Bean, error) {
	return construct(ctx, h, "")
}

// managedFactory builds one bean per wrapper; the key ties the wrapper to
// its reclaim cache entry.
type managedFactory struct{}

func (managedFactory) newBean(ctx context.Context, h *Home) (*Bean, error) {
	return construct(ctx, h, Key(uuid.NewString()))
}
