package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/tasksync/internal/daemon"
	"github.com/mschirtzinger/tasksync/internal/dashboard"
	"github.com/mschirtzinger/tasksync/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "sync",
	Short:   "Run the webhook receiver and queue drainer (foreground)",
	Long: `Run the sync daemon in the foreground.

The daemon:
  1. Accepts remote webhooks on POST /webhook
  2. Drains the retry queue periodically and whenever it changes
  3. Serves /health, /status, and a live dashboard feed on /ws

Use a process manager to keep it running.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		c := mustConfig()

		server := dashboard.NewServer(&dashboard.Config{Logger: logger("dashboard")})
		handler := dashboard.NewHandler(server, logger("dashboard"))

		a := mustApp(appOptions{OnBreakerChange: handler.OnBreakerChange})
		defer a.Close()
		a.engine.AddObserver(handler)
		a.prune(cmd.Context())

		secret, err := c.WebhookSecret()
		if err != nil {
			fatalf("%v", err)
		}

		dc := daemon.DefaultConfig()
		dc.Addr = c.Daemon.Listen
		dc.DrainInterval = c.Daemon.DrainInterval
		dc.DebounceInterval = c.Daemon.Debounce
		dc.WebhookSecret = secret
		dc.Queue = a.queue
		dc.Breaker = a.breaker
		if a.journal != nil {
			dc.Journal = a.journal
		}
		dc.Dashboard = server
		dc.OnDrain = handler.OnDrain
		dc.Logger = logger("daemon")

		d, err := daemon.New(a.engine, dc)
		if err != nil {
			fatalf("creating daemon: %v", err)
		}

		server.Start()
		defer server.Stop()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Printf("%s Starting tasksync daemon...\n", ui.RenderAccent("🚀"))
		fmt.Printf("   %s\n", ui.RenderKV("Backend", c.Backend))
		fmt.Printf("   %s\n", ui.RenderKV("Listen", c.Daemon.Listen))
		fmt.Printf("   %s\n", ui.RenderKV("Queue", a.queue.Path()))
		if secret == "" {
			fmt.Printf("   %s\n", ui.RenderWarn("Webhook signatures are not checked (webhook.secret_file unset)"))
		}
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		if err := d.Run(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Daemon stopped with error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
