// ABOUTME: Entry point for the imagesmith dispatch CLI
// ABOUTME: Submits workflow graphs to configured backends and streams progress

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/jtyszkiew/ImageSmith/internal/comfy"
	"github.com/jtyszkiew/ImageSmith/internal/config"
	"github.com/jtyszkiew/ImageSmith/internal/dispatch"
	"github.com/jtyszkiew/ImageSmith/internal/hooks"
)

// Version is set at build time.
var version = "dev"

const banner = `
  _                                     _ _   _
 (_)_ __ ___   __ _  __ _  ___ ___ _ __ (_) |_| |__
 | | '_ ' _ \ / _' |/ _' |/ _ \ __| '_ \| | __| '_ \
 | | | | | | | (_| | (_| |  __\__ \ | | | | |_| | | |
 |_|_| |_| |_|\__,_|\__, |\___|___/_| |_|_|\__|_| |_|
                    |___/
`

// getConfigPath returns the path to the config file.
// Priority: IMAGESMITH_CONFIG env var > ./configuration.yml
func getConfigPath() string {
	if envPath := os.Getenv("IMAGESMITH_CONFIG"); envPath != "" {
		return envPath
	}
	return "configuration.yml"
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: imagesmith <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  generate -workflow FILE  Dispatch a workflow graph and stream progress")
		fmt.Println("  status                   Show configured instances and queue depths")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "generate":
		err = runGenerate(ctx, os.Args[2:])
	case "status":
		err = runStatus(ctx, os.Args[2:])
	default:
		err = fmt.Errorf("unknown command: %s", os.Args[1])
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runGenerate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	configPath := fs.String("config", getConfigPath(), "configuration file")
	workflowPath := fs.String("workflow", "", "workflow graph JSON file (required)")
	outDir := fs.String("out", ".", "directory for fetched artifacts")
	subject := fs.String("user", "", "subject passed to the security check hook")
	fs.Parse(args)

	if *workflowPath == "" {
		return fmt.Errorf("-workflow is required")
	}

	workflow, err := os.ReadFile(*workflowPath)
	if err != nil {
		return fmt.Errorf("reading workflow: %w", err)
	}
	if !json.Valid(workflow) {
		return fmt.Errorf("workflow file %s is not valid JSON", *workflowPath)
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", *configPath)
	green.Print("    ▶ ")
	fmt.Printf("Workflow:  %s\n", *workflowPath)
	green.Print("    ▶ ")
	fmt.Printf("Strategy:  %s\n", cfg.ComfyUI.LoadBalancer.Strategy)
	green.Print("    ▶ ")
	fmt.Printf("Instances: %d\n", len(cfg.ComfyUI.Instances))
	fmt.Println()

	hookMgr := hooks.NewManager(logger)
	dispatcher, err := dispatch.NewFromConfig(ctx, cfg, hookMgr, logger)
	if err != nil {
		return fmt.Errorf("creating dispatcher: %w", err)
	}
	defer dispatcher.Registry().Close()

	events, err := dispatcher.Dispatch(ctx, dispatch.SubmitRequest{
		Workflow: workflow,
		Subject:  *subject,
	})
	if err != nil {
		return fmt.Errorf("dispatching: %w", err)
	}

	return streamEvents(ctx, dispatcher, events, *outDir, logger)
}

// streamEvents prints job progress and downloads artifacts on completion.
func streamEvents(ctx context.Context, dispatcher *dispatch.Dispatcher, events <-chan dispatch.Event, outDir string, logger *slog.Logger) error {
	yellow := color.New(color.FgYellow)
	green := color.New(color.FgGreen)

	for event := range events {
		switch event.Type {
		case dispatch.EventQueued:
			fmt.Println("queued")

		case dispatch.EventNodeStarted:
			yellow.Printf("node %s started\n", event.Node)

		case dispatch.EventNodeProgress:
			fmt.Printf("node %s: %s\n", event.Node, progressBar(event.Value, event.Max))

		case dispatch.EventPreview:
			// Previews are intermediate frames; the CLI only notes them.
			fmt.Printf("preview frame (%d bytes)\n", len(event.Preview))

		case dispatch.EventCompleted:
			green.Println("generation complete")
			return fetchArtifacts(ctx, dispatcher, event, outDir, logger)

		case dispatch.EventFailed:
			return fmt.Errorf("generation failed: %s", event.Reason)
		}
	}

	return ctx.Err()
}

// fetchArtifacts downloads every produced file referenced by a completed event.
func fetchArtifacts(ctx context.Context, dispatcher *dispatch.Dispatcher, event dispatch.Event, outDir string, logger *slog.Logger) error {
	if len(event.Artifacts) == 0 {
		fmt.Println("no artifacts produced")
		return nil
	}

	inst, ok := dispatcher.Registry().ByURL(event.InstanceURL)
	if !ok {
		return fmt.Errorf("instance %s no longer configured", event.InstanceURL)
	}
	conn, err := dispatcher.Registry().EnsureConnected(ctx, inst)
	if err != nil {
		return fmt.Errorf("fetching artifacts: %w", err)
	}

	for _, ref := range event.Artifacts {
		data, err := conn.FetchArtifact(ctx, ref)
		if err != nil {
			logger.Warn("artifact fetch failed", "filename", ref.Filename, "error", err)
			continue
		}
		path := filepath.Join(outDir, filepath.Base(ref.Filename))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("writing artifact: %w", err)
		}
		fmt.Printf("saved %s (%s, %d bytes)\n", path, ref.Kind, len(data))
	}
	return nil
}

func runStatus(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", getConfigPath(), "configuration file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	hookMgr := hooks.NewManager(logger)

	instances := make([]*comfy.Instance, len(cfg.ComfyUI.Instances))
	for i, ic := range cfg.ComfyUI.Instances {
		instances[i] = comfy.NewInstance(ic)
	}
	registry := comfy.NewRegistry(comfy.RegistryParams{
		Instances:      instances,
		Hooks:          hookMgr,
		Logger:         logger,
		ConnectTimeout: cfg.ComfyUI.ConnectTimeout,
	})
	defer registry.Close()

	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)

	for _, inst := range registry.Instances() {
		conn, err := registry.EnsureConnected(ctx, inst)
		if err != nil {
			red.Print("  ✗ ")
			fmt.Printf("%s (weight %d): %v\n", inst.BaseURL, inst.Weight, err)
			continue
		}
		running, queued, err := conn.QueueStatus(ctx)
		if err != nil {
			red.Print("  ✗ ")
			fmt.Printf("%s (weight %d): %v\n", inst.BaseURL, inst.Weight, err)
			continue
		}
		green.Print("  ✓ ")
		fmt.Printf("%s (weight %d): %d running, %d queued\n", inst.BaseURL, inst.Weight, running, queued)
	}
	return nil
}

// progressBar renders a ten-segment text progress bar.
func progressBar(value, max int) string {
	if max <= 0 {
		max = 100
	}
	filled := value * 10 / max
	if filled > 10 {
		filled = 10
	}
	return fmt.Sprintf("[%s%s] %d%%",
		strings.Repeat("█", filled),
		strings.Repeat("░", 10-filled),
		value*100/max,
	)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: append(newGroups, name),
	}
}
