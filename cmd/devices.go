package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"nas-connector/pkg/diagnose"
	"nas-connector/pkg/models"
	"nas-connector/pkg/monitor"
	"nas-connector/pkg/pairing"
)

var pairCmd = &cobra.Command{
	Use:   "pair [identity]",
	Short: "Discover a device by its cloud identity, log in and register it",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := mustApp(ctx)
		defer a.Close()
		a.requirePersistent("pair")

		username, _ := cmd.Flags().GetString("username")
		password, _ := cmd.Flags().GetString("password")
		if password == "" {
			password = os.Getenv("NASCONN_PASSWORD")
		}
		name, _ := cmd.Flags().GetString("name")
		address, _ := cmd.Flags().GetString("address")
		if name == "" {
			name = args[0]
		}

		e := a.engine
		orch := pairing.NewOrchestrator(e.Enumerator(), e.Racer(), e.Sessions(), e.Registry(), nil, a.settings.PairingTTL, logger)

		id, events := orch.Discover(args[0])
		var last pairing.Event
		for ev := range events {
			if ev.Kind == pairing.KindProgress {
				fmt.Printf("  %-8s %-7s %s\n", ev.Progress.Status, ev.Progress.Candidate.Origin, ev.Progress.Candidate.Address)
				continue
			}
			last = ev
		}

		switch last.Kind {
		case pairing.KindSuccess:
			logger.Info("Device found", "address", last.Address)
		case pairing.KindInvalid:
			logger.Error("Unknown device identity", "identity", args[0], "error", last.Err)
			os.Exit(1)
		default:
			logger.Error("Device discovery failed", "identity", args[0], "error", last.Err)
			os.Exit(1)
		}

		if _, err := orch.Login(ctx, id, username, password, address); err != nil {
			logger.Error("Login failed", "identity", args[0], "error", err)
			os.Exit(1)
		}

		dev, err := orch.Finalize(ctx, id, name)
		if err != nil {
			logger.Error("Error registering device", "identity", args[0], "error", err)
			os.Exit(1)
		}
		logger.Info("Device paired successfully", "identity", dev.Identity, "address", dev.WorkingAddress)
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve [identity]",
	Short: "Print a reachable address of a registered device",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := mustApp(ctx)
		defer a.Close()

		force, _ := cmd.Flags().GetBool("force")
		address, err := a.engine.ResolveAddress(ctx, args[0], force)
		if err != nil {
			logger.Error("Error resolving device", "identity", args[0], "error", err)
			os.Exit(1)
		}
		fmt.Println(address)
	},
}

var sessionCmd = &cobra.Command{
	Use:   "session [identity]",
	Short: "Print a session id valid for the device's working address",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := mustApp(ctx)
		defer a.Close()

		token, err := a.engine.EnsureSession(ctx, args[0])
		if err != nil {
			logger.Error("Error establishing session", "identity", args[0], "error", err)
			os.Exit(1)
		}
		fmt.Println(token)
	},
}

var callCmd = &cobra.Command{
	Use:     "call [identity] [path] [key=value...]",
	Short:   "Perform an authenticated API call and print its data as JSON",
	Example: "call abc123 api/system/info detail=full",
	Args:    cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		params := url.Values{}
		for _, kv := range args[2:] {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				logger.Error("Invalid parameter, expected key=value", "param", kv)
				os.Exit(1)
			}
			params.Add(k, v)
		}

		a := mustApp(ctx)
		defer a.Close()

		var data json.RawMessage
		if err := a.engine.Call(ctx, args[0], args[1], params, &data); err != nil {
			logger.Error("API call failed", "identity", args[0], "path", args[1], "error", err)
			os.Exit(1)
		}
		fmt.Println(string(data))
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Periodically revalidate every registered device and log availability changes",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a := mustApp(ctx)
		defer a.Close()

		a.engine.States().Subscribe(func(identity string, state models.ConnectivityState, availability models.Availability) {
			logger.Info("Availability changed",
				"identity", identity,
				"state", state,
				"available", availability.Available,
				"reason", availability.Reason)
		})

		m := monitor.New(a.engine, a.engine.Registry(), a.settings.MonitorWorkers, a.settings.MonitorInterval, nil, logger)
		logger.Info("Watching devices", "interval", a.settings.MonitorInterval, "workers", a.settings.MonitorWorkers)
		_ = m.Run(ctx, nil)
		logger.Info("Stopped")
	},
}

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose [identity]",
	Short: "Check DNS resolution of every hostname the device is reached through",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := mustApp(ctx)
		defer a.Close()

		resolver, _ := cmd.Flags().GetString("resolver")
		protos, _ := cmd.Flags().GetStringSlice("proto")

		if !models.ValidIdentity(args[0]) {
			logger.Error("Invalid device identity", "identity", args[0])
			os.Exit(1)
		}

		set, err := a.engine.Enumerator().Enumerate(ctx, args[0])
		if err != nil {
			logger.Warn("Candidate lookup failed, checking fixed hostnames only", "identity", args[0], "error", err)
			set = models.CandidateSet{Identity: args[0], Candidates: []models.Candidate{
				{Address: a.engine.Enumerator().DDNSAddress(args[0]), Origin: models.OriginDDNS},
			}}
		}

		hosts := diagnose.Hosts(set, args[0]+"."+a.settings.LookupDomain)
		d := diagnose.New(a.transport, resolver, a.settings.LookupTimeout, logger)
		failed := false
		for _, report := range d.Run(ctx, hosts, protos) {
			out, err := json.Marshal(report)
			if err != nil {
				logger.Error("Error encoding report", "error", err)
				os.Exit(1)
			}
			fmt.Println(string(out))
			failed = failed || !report.IsSuccess()
		}
		if failed {
			os.Exit(2)
		}
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered devices and their availability",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := mustApp(ctx)
		defer a.Close()

		devices, err := a.engine.Registry().List(ctx)
		if err != nil {
			logger.Error("Error listing devices", "error", err)
			os.Exit(1)
		}
		for _, dev := range devices {
			fmt.Printf("%-16s %-20s %-12s %s\n", dev.Identity, dev.Name, dev.State, dev.WorkingAddress)
		}
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove [identity]",
	Short: "Unregister a device and destroy its session",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := mustApp(ctx)
		defer a.Close()
		a.requirePersistent("remove")

		if err := a.engine.Remove(ctx, args[0]); err != nil {
			logger.Error("Error removing device", "identity", args[0], "error", err)
			os.Exit(1)
		}
		logger.Info("Device removed", "identity", args[0])
	},
}
