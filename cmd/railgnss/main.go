package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"railgnss/internal/config"
	"railgnss/internal/web"
)

func main() {
	var (
		configPath string
		exportPath string
		summary    string
		noConsole  bool
	)
	flag.StringVar(&configPath, "config", "./railgnss.yaml", "Path to YAML config")
	flag.StringVar(&exportPath, "export", "", "Export the track log to this xlsx file and exit")
	flag.StringVar(&summary, "capture-summary", "", "Print a summary of a capture log and exit")
	flag.BoolVar(&noConsole, "no-console", false, "Do not read console commands from stdin")
	flag.Parse()

	if summary != "" {
		if err := printCaptureSummary(os.Stdout, summary); err != nil {
			log.Fatalf("capture summary failed: %v", err)
		}
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	if exportPath != "" {
		if err := exportTrackLog(cfg, exportPath); err != nil {
			log.Fatalf("export failed: %v", err)
		}
		return
	}

	logs := web.NewLogBuffer(cfg.Web.LogLines)
	log.SetOutput(io.MultiWriter(os.Stderr, logs))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Printf("railgnss starting config=%s", configPath)

	d, err := newDaemon(cfg)
	if err != nil {
		log.Fatalf("init failed: %v", err)
	}
	defer d.close()

	if err := d.start(ctx); err != nil {
		log.Printf("start failed: %v", err)
		return
	}

	if cfg.Web.Enable {
		go func() {
			log.Printf("web listen=%s", cfg.Web.Listen)
			err := web.Serve(ctx, cfg.Web.Listen, d.webDeps(logs))
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("web server stopped: %v", err)
				cancel()
			}
		}()
	}

	if !noConsole {
		go func() {
			if err := d.cons.Serve(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
				log.Printf("console stopped: %v", err)
			}
		}()
	}

	<-ctx.Done()
	log.Printf("railgnss stopping")
}
