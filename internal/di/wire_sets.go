package di

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/wire"
)

// SuperSet combines all provider sets for the daemon.
var SuperSet = wire.NewSet(
	ConfigProviders,
	InfrastructureProviders,
	DomainProviders,
	ApplicationProviders,
	InterfaceProviders,
	provideContainer,
	wire.Bind(new(http.Handler), new(*chi.Mux)),
)

// ConfigProviders provides logging. The configuration itself is an injector
// argument.
var ConfigProviders = wire.NewSet(
	provideLogger,
	provideZapLogger,
)

// InfrastructureProviders provides the store, AWS clients and observability.
var InfrastructureProviders = wire.NewSet(
	provideTracing,
	provideCollector,
	provideBackend,
	provideEventBridgeClient,
)

// DomainProviders provides the outline's in-memory state and the event bus.
var DomainProviders = wire.NewSet(
	provideEventBus,
	provideTree,
	provideNodeCache,
)

// ApplicationProviders provides the mutation engine and its sync companions.
var ApplicationProviders = wire.NewSet(
	provideEngine,
	provideListener,
	provideForwarder,
)

// InterfaceProviders provides the HTTP router.
var InterfaceProviders = wire.NewSet(
	provideRouter,
)
