package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mil-ad/inputscan/internal/config"
	"github.com/mil-ad/inputscan/internal/tui"
)

const usage = "usage: inputscan <run|daemon|status|scan <code>|select <title>|instructions|log|connect [--new]|camera-error <message>>"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = runTUI()
	case "daemon":
		err = runDaemon()
	case "status":
		err = runStatus()
	case "scan":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: inputscan scan <code>")
			os.Exit(1)
		}
		err = runScan(os.Args[2], true)
	case "select":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: inputscan select <title>")
			os.Exit(1)
		}
		err = runSelect(strings.Join(os.Args[2:], " "))
	case "instructions":
		err = runInstructions()
	case "log":
		err = runLog()
	case "connect":
		err = runConnect(len(os.Args) > 2 && os.Args[2] == "--new")
	case "camera-error":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: inputscan camera-error <message>")
			os.Exit(1)
		}
		err = runCameraError(strings.Join(os.Args[2:], " "))
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// runTUI runs the scan station in the terminal and serves IPC alongside it
// so that camera decoders and scripts can still submit codes.
func runTUI() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	f, err := logFile()
	if err != nil {
		return err
	}
	defer f.Close()
	log := newLogger(cfg.LogLevel, f)

	st, err := newStation(cfg, log)
	if err != nil {
		return err
	}
	defer st.close()

	if _, err := watchConfig(st, log); err != nil {
		log.WithError(err).Warn("config hot reload disabled")
	}
	st.start()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := serve(ctx, st, log); err != nil {
			log.WithError(err).Error("ipc server stopped")
		}
	}()

	var bt tui.Scanner
	if st.session != nil {
		bt = st.session
	}
	return tui.Run(ctx, st.orch, bt)
}
