package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
// It doubles as the firmware string the device reports at registration.
var Version = "v0.9-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DEVICE MODE (default):
  %s                          Start the device loop (capture + background sync)
  %s run                      Same, explicit

SUBCOMMANDS:
  %s sync [-json]             Run one sync cycle and exit
  %s note [-category <c>] <text>
                              Queue a note without starting the device loop
  %s status [-json] [-cycles <n>]
                              Show queue depth, tasks and recent sync cycles
  %s doctor [-json]           Run diagnostic checks
  %s reset -force             Factory reset: clear the queue and sync journal

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  FIELDKIT_HOME           Data directory (default: ~/.fieldkit)
  FIELDKIT_SERVER_URL     Sync server base URL
  FIELDKIT_WORKER_ID      Worker identifier sent at registration

EXAMPLES:
  Run the collector:      %s
  One manual sync:        %s sync
  Capture a note:         %s note -category delivery "gate code is 4711"
  Queue status:           %s status
  Diagnostics:            %s doctor
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("fieldkit %s\n", Version)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	cmd := "run"
	if len(args) > 0 {
		cmd = strings.ToLower(strings.TrimSpace(args[0]))
		args = args[1:]
	}

	switch cmd {
	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)
	case "run":
		os.Exit(runRunCommand(ctx, args))
	case "sync":
		os.Exit(runSyncCommand(ctx, args))
	case "note":
		os.Exit(runNoteCommand(args))
	case "status":
		os.Exit(runStatusCommand(ctx, args))
	case "doctor":
		os.Exit(runDoctorCommand(ctx, args))
	case "reset":
		os.Exit(runResetCommand(ctx, args))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		printUsage()
		os.Exit(2)
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"device","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
