//go:build wireinject
// +build wireinject

package di

import (
	"context"

	"github.com/google/wire"

	"outliner-backend/internal/config"
)

// InitializeContainer builds the daemon from cfg. The returned cleanup
// releases resources in reverse construction order.
func InitializeContainer(ctx context.Context, cfg *config.Config) (*Container, func(), error) {
	wire.Build(SuperSet)
	return nil, nil, nil
}
