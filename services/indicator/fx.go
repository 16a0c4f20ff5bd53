package indicator

import "go.uber.org/fx"

var Module = fx.Module("indicator",
	fx.Provide(NewResolver),
)
