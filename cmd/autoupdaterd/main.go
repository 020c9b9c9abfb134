// autoupdaterd
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/modelingevolution/autoupdater/internal/config"
	"github.com/modelingevolution/autoupdater/internal/eventbus"
	"github.com/modelingevolution/autoupdater/internal/gitprovider"
	"github.com/modelingevolution/autoupdater/internal/logging"
	"github.com/modelingevolution/autoupdater/internal/orchestrator"
	"github.com/modelingevolution/autoupdater/internal/registry"
	"github.com/modelingevolution/autoupdater/internal/scheduler"
	"github.com/modelingevolution/autoupdater/internal/sshchannel"
)

const progVersion = "v1.0.0"

const usage = `
Examples:
    autoupdaterd --config </etc/autoupdaterd.yaml>
    autoupdaterd --config </etc/autoupdaterd.yaml> --once

Options:
    -c, --config </path/to/yaml>    Path to the configuration file [default: autoupdaterd.yaml]
    -o, --once                      Check every package a single time, then exit, instead of looping
    -V, --version                   Show version and packages
    -v, --versionid                 Show only version number
    -h, --help                      Show this help menu

Documentation: <https://github.com/modelingevolution/autoupdater>
`

func main() {
	var configFilePath string
	var runOnce bool
	var versionFlagExists bool
	var versionNumberFlagExists bool

	flag.StringVar(&configFilePath, "c", "autoupdaterd.yaml", "")
	flag.StringVar(&configFilePath, "config", "autoupdaterd.yaml", "")
	flag.BoolVar(&runOnce, "o", false, "")
	flag.BoolVar(&runOnce, "once", false, "")
	flag.BoolVar(&versionFlagExists, "V", false, "")
	flag.BoolVar(&versionFlagExists, "version", false, "")
	flag.BoolVar(&versionNumberFlagExists, "v", false, "")
	flag.BoolVar(&versionNumberFlagExists, "versionid", false, "")

	flag.Usage = func() { fmt.Printf("Usage: %s [OPTIONS]...\n%s", os.Args[0], usage) }
	flag.Parse()

	if versionFlagExists {
		fmt.Printf("autoupdaterd %s compiled using %s(%s) on %s architecture %s\n", progVersion, runtime.Version(), runtime.Compiler, runtime.GOOS, runtime.GOARCH)
		fmt.Printf("Third party packages: github.com/bramvdbogaerde/go-scp github.com/coreos/go-systemd/v22/journal github.com/go-git/go-git/v5 github.com/pkg/sftp golang.org/x/crypto/ssh gopkg.in/yaml.v2\n")
		os.Exit(0)
	}
	if versionNumberFlagExists {
		fmt.Println(progVersion)
		os.Exit(0)
	}

	cfg, err := config.Load(configFilePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Verbosity, cfg.LogToJournald)

	channel := sshchannel.NewClient(sshchannel.Options{
		Host:              cfg.SSHHost,
		Port:              cfg.SSHPort,
		User:              cfg.SSHUser,
		Password:          cfg.SSHPwd,
		KeyPath:           cfg.SSHKeyPath,
		KeyPassphrase:     cfg.SSHKeyPassphrase,
		AuthMethod:        authMethodFor(cfg.SSHAuthMethod),
		ConnectTimeout:    time.Duration(cfg.SSHTimeoutSeconds) * time.Second,
		KeepAlive:         time.Duration(cfg.SSHKeepAliveSeconds) * time.Second,
		EnableCompression: cfg.SSHEnableCompression,
	})

	git := gitprovider.New()
	reg := registry.New(cfg)
	bus := eventbus.New()
	orch := orchestrator.New(channel, git, bus, logger)
	orch.ArchiveDir = cfg.BackupArchiveDir
	sched := scheduler.New(reg, git, orch, bus, logger, time.Duration(cfg.PollIntervalSeconds)*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Printf(logging.VerbosityStandard, "autoupdaterd: shutting down\n")
		cancel()
	}()

	fmt.Printf("==== Autoupdater ====\n")
	if runOnce {
		fmt.Printf("Checking %d package(s) once\n", len(reg.All()))
		sched.Tick(ctx)
	} else {
		fmt.Printf("Polling %d package(s) every %s\n", len(reg.All()), sched.Interval)
		sched.Run(ctx)
	}
	fmt.Printf("======================\n")
}

// authMethodFor maps config.AuthMethod onto sshchannel.AuthMethod, which
// stays free of the config package to avoid an import cycle back into
// its own callers (tests included).
func authMethodFor(method config.AuthMethod) sshchannel.AuthMethod {
	switch method {
	case config.AuthPassword:
		return sshchannel.Password
	case config.AuthPrivateKey:
		return sshchannel.PrivateKey
	case config.AuthPrivateKeyWithPassphrase:
		return sshchannel.PrivateKeyWithPassphrase
	case config.AuthKeyWithPasswordFallback:
		return sshchannel.KeyWithPasswordFallback
	default:
		return sshchannel.Password
	}
}
