package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/aferraz/cmsync/internal/config"
	"github.com/aferraz/cmsync/internal/daemon"
	"github.com/aferraz/cmsync/internal/profile"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	flag.Parse()

	name := *profileFlag
	if name == "" {
		cfg, err := config.Load(profile.ConfigPath())
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		name = cfg.DefaultProfile
	}
	if name == "" {
		name = "default"
	}

	app := fx.New(
		daemon.Module(daemon.Params{Profile: name}),
	)

	app.Run()
}
