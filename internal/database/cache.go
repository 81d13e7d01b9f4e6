package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/fluxstate/internal/resource"
)

type engineKey struct {
	scope   string
	url     string
	echo    bool
	timeout time.Duration
}

func (k engineKey) Scope() string { return k.scope }
func (k engineKey) String() string {
	return fmt.Sprintf("%s|%s|%t|%s", k.scope, k.url, k.echo, k.timeout)
}

type sessionKey struct {
	scope  string
	engine *Engine
}

func (k sessionKey) Scope() string  { return k.scope }
func (k sessionKey) String() string { return fmt.Sprintf("%s|%p", k.scope, k.engine) }

var (
	engines          = resource.NewCache[engineKey, *Engine]()
	sessionFactories = resource.NewCache[sessionKey, *SessionFactory]()
)

func cachedEngine(ctx context.Context, connectionURL string, echo bool, timeout time.Duration,
	create func(context.Context) (*Engine, error),
) (*Engine, error) {
	key := engineKey{scope: resource.ScopeFrom(ctx), url: connectionURL, echo: echo, timeout: timeout}
	return engines.LookupOrCreate(ctx, key, create)
}

func cachedSessionFactory(ctx context.Context, engine *Engine) (*SessionFactory, error) {
	if engine == nil {
		return nil, errors.New("session factory: nil engine")
	}
	key := sessionKey{scope: resource.ScopeFrom(ctx), engine: engine}
	return sessionFactories.LookupOrCreate(ctx, key, func(context.Context) (*SessionFactory, error) {
		return &SessionFactory{engine: engine}, nil
	})
}

// ReleaseScope closes every engine created under scope and forgets its
// session factories.
func ReleaseScope(scope string) error {
	return errors.Join(sessionFactories.Release(scope), engines.Release(scope))
}

// CloseAll closes every cached engine.
func CloseAll() error {
	return errors.Join(sessionFactories.Close(), engines.Close())
}
