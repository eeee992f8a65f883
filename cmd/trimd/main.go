package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/rfarah/trim/internal/config"
	"github.com/rfarah/trim/internal/daemon"
	"github.com/rfarah/trim/internal/session"
	"go.uber.org/fx"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	userFlag := flag.String("user", "", "authenticated user id")
	flag.Parse()

	cfgPath, err := session.ConfigPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		cfg = config.Default()
	}

	sessionName, err := session.Resolve(*sessionFlag, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	userID := *userFlag
	if userID == "" {
		userID = os.Getenv("TRIM_USER_ID")
	}
	if userID == "" {
		fmt.Fprintln(os.Stderr, "error: user id required (-user flag or TRIM_USER_ID)")
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			SessionName: sessionName,
			UserID:      userID,
			Token:       os.Getenv("TRIM_API_TOKEN"),
			Config:      cfg,
		}),
	)

	app.Run()
}
