package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"tdl/commands"
	"tdl/config"

	log "github.com/sirupsen/logrus"
)

func setLogLevel(level string) {
	l, err := log.ParseLevel(level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	log.SetLevel(l)
}

func registerGlobalFlags(fset *flag.FlagSet) {
	flag.VisitAll(func(f *flag.Flag) {
		fset.Var(f.Value, f.Name, f.Usage)
	})
}

func checkConfig(cfg string) {
	if cfg == "" {
		log.Fatal("Config file not specified")
	}
}

// loadConfig reads the config file, or returns defaults when none was given.
func loadConfig(file string) *config.Config {
	if file == "" {
		return config.NewEmptyConfig("")
	}
	cfg, err := config.NewConfigFromFile(file)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func parseNodeID(s string) uint32 {
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		log.Fatalf("Invalid node ID %q: %v", s, err)
	}
	return uint32(id)
}

func isNumeric(s string) bool {
	_, err := strconv.ParseUint(s, 10, 32)
	return err == nil
}

// main is the entry point of the application.
//
//	tdl [node-id]                 run a node with default settings
//	tdl serve [flags] [node-id]   run a node
//	tdl init -config FILE         write a default config
//	tdl info -config FILE         list peers stored by a previous run
func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	configFile := flag.String("config", "", "Path to config file")
	logLevel := flag.String("loglevel", "info", "Log level")

	initCmd := flag.NewFlagSet("init", flag.ExitOnError)
	registerGlobalFlags(initCmd)

	serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
	registerGlobalFlags(serveCmd)

	infoCmd := flag.NewFlagSet("info", flag.ExitOnError)
	registerGlobalFlags(infoCmd)

	// A bare node ID, flags only, or nothing at all runs a node
	cmd, args := "serve", os.Args[1:]
	if len(os.Args) >= 2 && !isNumeric(os.Args[1]) && !strings.HasPrefix(os.Args[1], "-") {
		cmd, args = os.Args[1], os.Args[2:]
	}

	switch cmd {
	case "init":
		initCmd.Parse(args)
		checkConfig(*configFile)
		setLogLevel(*logLevel)
		cfg := config.NewEmptyConfig(*configFile)
		commands.RunInit(ctx, cfg)
	case "serve":
		serveCmd.Parse(args)
		setLogLevel(*logLevel)
		cfg := loadConfig(*configFile)
		if serveCmd.NArg() > 0 {
			cfg.Node.NodeID = parseNodeID(serveCmd.Arg(0))
		}
		commands.RunServe(ctx, cfg)
	case "info":
		infoCmd.Parse(args)
		checkConfig(*configFile)
		setLogLevel(*logLevel)
		cfg := loadConfig(*configFile)
		commands.RunInfo(ctx, cfg)
	default:
		log.Fatalf("Invalid subcommand '%s'", cmd)
	}
}
