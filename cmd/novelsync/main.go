package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/kballard/go-shellquote"

	"novelsync/internal/app"
	"novelsync/internal/config"
	"novelsync/internal/domain"
	"novelsync/internal/logging"
	"novelsync/internal/repl"
	"novelsync/internal/storage"
)

func main() {
	importPath := flag.String("import", "", "import a library snapshot and exit")
	check := flag.Bool("check", false, "check every series for new episodes and exit")
	update := flag.Bool("update", false, "fetch every pending episode and exit")
	quiet := flag.Bool("quiet", false, "do not print progress")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	home, err := os.UserHomeDir()
	if err != nil {
		log.Fatalf("failed to resolve home directory: %v", err)
	}

	baseDir := filepath.Join(home, ".novelsync")
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		log.Fatalf("failed to create config directory: %v", err)
	}

	logPath := filepath.Join(baseDir, "novelsync.log")
	logging.Configure(logPath)

	configPath := filepath.Join(baseDir, "config.yaml")
	cfg, err := config.Ensure(ctx, configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		log.Fatalf("failed to create data directory: %v", err)
	}

	db, err := storage.Open(cfg.DatabasePath())
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}

	application := app.New(cfg, configPath, db)
	defer application.Close()

	var batch []string
	if *importPath != "" {
		batch = append(batch, "import "+shellquote.Join(*importPath))
	}
	if *check {
		batch = append(batch, "check")
	}
	if *update {
		batch = append(batch, "update")
	}

	if len(batch) > 0 {
		onProgress := printProgress
		if *quiet {
			onProgress = nil
		}
		for _, command := range batch {
			result, err := application.ExecuteWithProgress(ctx, command, onProgress)
			if err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintln(os.Stdout, result.Message)
			if ctx.Err() != nil {
				os.Exit(130)
			}
		}
		return
	}

	if err := repl.Run(ctx, application); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printProgress(p domain.Progress) {
	if p.Total > 0 {
		fmt.Fprintf(os.Stderr, "[%s] %3.0f%% %d/%d %s\n", p.Phase, p.Fraction*100, p.Current, p.Total, p.Message)
		return
	}
	fmt.Fprintf(os.Stderr, "[%s] %3.0f%% %s\n", p.Phase, p.Fraction*100, p.Message)
}
