package cmd

import (
	"github.com/mailroom/mailroom/cfg"
	"github.com/mailroom/mailroom/service"
)

type GlobalFlags struct {
	configFile string
	quiet      bool
	verbose    bool
}

var (
	global GlobalFlags
	config *cfg.Config
	svc    *service.Service
)
