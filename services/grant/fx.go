package grant

import (
	"promo-engine/pkg/config"
	"promo-engine/pkg/kvcache"

	"go.uber.org/fx"
)

var Module = fx.Module("grant",
	fx.Provide(NewService),
	fx.Provide(func(cache kvcache.Cache, cfg *config.Config) *Locker {
		return NewLocker(cache, cfg.Engine.GrantLockTTL)
	}),
)
