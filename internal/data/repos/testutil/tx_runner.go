package testutil

import (
	"context"

	"github.com/strandchat/strand-backend/internal/data/repos"
	"github.com/strandchat/strand-backend/internal/platform/dbctx"
)

// InjectedTxRunner satisfies repos.TxRunner without a database: fn runs
// directly against the injected handle (nil for memory repos). A configured
// Err short-circuits, simulating a failed commit.
type InjectedTxRunner struct {
	Err   error
	Calls int
}

func (r *InjectedTxRunner) InTx(ctx context.Context, fn func(dbc dbctx.Context) error) error {
	r.Calls++
	if r.Err != nil {
		return r.Err
	}
	return fn(dbctx.Context{Ctx: ctx})
}

var _ repos.TxRunner = (*InjectedTxRunner)(nil)
