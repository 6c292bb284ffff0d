package main

import (
	"fmt"
	"os"

	"github.com/ekaya-inc/ekaya-migrate/pkg/cli"

	// Register record store adapters
	_ "github.com/ekaya-inc/ekaya-migrate/pkg/adapters/recordstore/memory"
	_ "github.com/ekaya-inc/ekaya-migrate/pkg/adapters/recordstore/mssql"
	_ "github.com/ekaya-inc/ekaya-migrate/pkg/adapters/recordstore/odoo"
	_ "github.com/ekaya-inc/ekaya-migrate/pkg/adapters/recordstore/postgres"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	if err := cli.NewRootCommand(Version).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
