package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/ensemblechat/ensemble/internal/config"
	"github.com/ensemblechat/ensemble/internal/daemon"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	userFlag := flag.String("user", "", "signed-in user id")
	nameFlag := flag.String("name", "", "signed-in user display name")
	flag.Parse()

	cfg := config.LoadOrDefault(config.ConfigPath())
	profile := config.Resolve(*profileFlag, cfg)
	if err := config.ValidateProfileName(profile); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *userFlag == "" {
		fmt.Fprintln(os.Stderr, "error: -user is required")
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			Profile:  profile,
			UserID:   *userFlag,
			UserName: *nameFlag,
			Config:   cfg,
		}),
	)

	app.Run()
}
