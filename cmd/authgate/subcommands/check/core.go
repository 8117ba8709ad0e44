//
//  Copyright © Maatini. All rights reserved.
//

package check

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/maatini/authgate/pkg/gateway/config"
	"github.com/maatini/authgate/pkg/gateway/policy"
)

// Execute compiles the policy directory exactly the way the serving
// gateway would, so policy authors can validate changes before they land
// on a live pod.
func Execute(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	dirs := cfg.Opa.Embedded.PolicyDirs
	if d := cmd.String("dir"); d != "" {
		dirs = []string{d}
	}

	engine := policy.NewEmbedded(cfg.Opa.Package, cfg.Opa.Rule)
	loader := policy.NewLoader(dirs, cfg.Opa.Embedded.ReloadDebounce, engine)
	if err := loader.Load(); err != nil {
		return err
	}

	fmt.Printf("ok: compiled policies from %s (query data.%s.%s)\n",
		loader.Dir(), cfg.Opa.Package, cfg.Opa.Rule)
	return nil
}
