// Package main provides the approvald binary entry point.
// Approvald runs a file approval workflow over a shared filesystem:
// submissions move through team leader and admin review, approved
// artifacts are delivered into the project tree, and every participant
// has a durable notification inbox.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/crestline/approvald/approval"
	"github.com/crestline/approvald/config"
	"github.com/crestline/approvald/engine"
	"github.com/crestline/approvald/identity"
	"github.com/crestline/approvald/notify"
)

const (
	Version = "0.1.0"
	appName = "approvald"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// cliOpts are the persistent flags shared by every command.
type cliOpts struct {
	configPath string
	actor      string
	logLevel   string
	jsonOut    bool
}

func rootCmd() *cobra.Command {
	opts := &cliOpts{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "File approval workflow over a shared filesystem",
		Long: `Approvald coordinates a two-stage file approval workflow on top of a
shared filesystem. Submissions move DRAFT -> PENDING_TEAM_LEADER ->
PENDING_ADMIN -> APPROVED, with rejection and withdrawal exits along the
way. Approved artifacts are delivered into the project tree, terminal
submissions are archived, and participants receive durable
notifications.

All state lives in JSON documents under the configured store roots, so
any number of approvald processes on any number of hosts can operate on
the same workflow concurrently.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&opts.actor, "as", "", "Acting username")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "Emit JSON instead of text")

	cmd.AddCommand(
		submitCmd(opts),
		withdrawCmd(opts),
		approveCmd(opts),
		rejectCmd(opts),
		commentCmd(opts),
		showCmd(opts),
		listCmd(opts),
		inboxCmd(opts),
		markReadCmd(opts),
		retrierCmd(opts),
		serveCmd(opts),
		versionCmd(),
	)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s\n", appName, Version)
		},
	}
}

// setup loads config, configures logging, and wires the app.
func setup(opts *cliOpts) (*app, error) {
	level := slog.LevelWarn
	switch strings.ToLower(opts.logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	var cfg *config.Config
	var err error
	if opts.configPath != "" {
		cfg, err = config.LoadFromFile(opts.configPath)
		if err == nil {
			err = cfg.Validate()
		}
	} else {
		cfg, err = config.NewLoader(logger).Load()
	}
	if err != nil {
		return nil, err
	}
	return buildApp(cfg, logger)
}

func requireActor(opts *cliOpts) error {
	if opts.actor == "" {
		return fmt.Errorf("--as is required")
	}
	return nil
}

func submitCmd(opts *cliOpts) *cobra.Command {
	var (
		name        string
		description string
		tags        []string
	)
	cmd := &cobra.Command{
		Use:   "submit <upload-path>",
		Short: "Submit an uploaded file for approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireActor(opts); err != nil {
				return err
			}
			a, err := setup(opts)
			if err != nil {
				return err
			}
			defer a.close()

			upload, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			info, err := os.Stat(upload)
			if err != nil {
				return fmt.Errorf("upload not readable: %w", err)
			}
			filename := name
			if filename == "" {
				filename = filepath.Base(upload)
			}

			sub, err := a.engine.Submit(cmd.Context(), opts.actor, engine.SubmitRequest{
				Filename:    filename,
				UploadPath:  upload,
				SizeBytes:   info.Size(),
				Description: description,
				Tags:        tags,
			})
			if err != nil {
				return err
			}
			return printSubmission(opts, sub)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Filename to submit as (default: upload basename)")
	cmd.Flags().StringVar(&description, "description", "", "Submission description")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "Tag (repeatable)")
	return cmd
}

func withdrawCmd(opts *cliOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "withdraw <submission-id>",
		Short: "Withdraw a pending submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireActor(opts); err != nil {
				return err
			}
			a, err := setup(opts)
			if err != nil {
				return err
			}
			defer a.close()

			sub, err := a.engine.Withdraw(cmd.Context(), opts.actor, args[0])
			if err != nil {
				return err
			}
			return printSubmission(opts, sub)
		},
	}
}

func approveCmd(opts *cliOpts) *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "approve <submission-id>",
		Short: "Approve at the stage the actor's role reviews",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireActor(opts); err != nil {
				return err
			}
			a, err := setup(opts)
			if err != nil {
				return err
			}
			defer a.close()

			actor, err := a.identity.GetIdentity(cmd.Context(), opts.actor)
			if err != nil {
				return err
			}
			var sub *approval.Submission
			switch actor.Role {
			case identity.RoleTeamLeader:
				sub, err = a.engine.TLApprove(cmd.Context(), opts.actor, args[0], note)
			case identity.RoleAdmin:
				sub, err = a.engine.AdminApprove(cmd.Context(), opts.actor, args[0])
			default:
				return fmt.Errorf("role %s reviews nothing", actor.Role)
			}
			if err != nil {
				return err
			}
			return printSubmission(opts, sub)
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "Review note (team leader stage)")
	return cmd
}

func rejectCmd(opts *cliOpts) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <submission-id>",
		Short: "Reject at the stage the actor's role reviews",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireActor(opts); err != nil {
				return err
			}
			a, err := setup(opts)
			if err != nil {
				return err
			}
			defer a.close()

			actor, err := a.identity.GetIdentity(cmd.Context(), opts.actor)
			if err != nil {
				return err
			}
			var sub *approval.Submission
			switch actor.Role {
			case identity.RoleTeamLeader:
				sub, err = a.engine.TLReject(cmd.Context(), opts.actor, args[0], reason)
			case identity.RoleAdmin:
				sub, err = a.engine.AdminReject(cmd.Context(), opts.actor, args[0], reason)
			default:
				return fmt.Errorf("role %s reviews nothing", actor.Role)
			}
			if err != nil {
				return err
			}
			return printSubmission(opts, sub)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Rejection reason (required)")
	return cmd
}

func commentCmd(opts *cliOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "comment <submission-id> <body>...",
		Short: "Comment on a submission",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireActor(opts); err != nil {
				return err
			}
			a, err := setup(opts)
			if err != nil {
				return err
			}
			defer a.close()

			comment, err := a.engine.AddComment(cmd.Context(), opts.actor, args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(comment)
			}
			fmt.Printf("%s commented on %s\n", comment.Author, comment.SubmissionID)
			return nil
		},
	}
}

func showCmd(opts *cliOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "show <submission-id>",
		Short: "Show one submission with its comment thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireActor(opts); err != nil {
				return err
			}
			a, err := setup(opts)
			if err != nil {
				return err
			}
			defer a.close()

			sub, err := a.engine.Get(cmd.Context(), opts.actor, args[0])
			if err != nil {
				return err
			}
			thread, err := a.engine.Comments(cmd.Context(), opts.actor, args[0])
			if err != nil {
				// Thread standing is narrower than submission visibility;
				// show the record without the thread in that case.
				if engine.KindOf(err) != engine.KindForbidden {
					return err
				}
				thread = nil
			}
			if opts.jsonOut {
				return printJSON(map[string]any{"submission": sub, "comments": thread})
			}
			printSubmissionText(sub)
			for _, comment := range thread {
				fmt.Printf("  [%s] %s: %s\n",
					comment.At.Format(time.RFC3339), comment.Author, comment.Body)
			}
			return nil
		},
	}
}

func listCmd(opts *cliOpts) *cobra.Command {
	var (
		states    []string
		team      string
		submitter string
		text      string
		glob      string
		archived  bool
		sortBy    string
		ascending bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List submissions visible to the actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireActor(opts); err != nil {
				return err
			}
			a, err := setup(opts)
			if err != nil {
				return err
			}
			defer a.close()

			filter := engine.ListFilter{
				Team:            team,
				Submitter:       submitter,
				Text:            text,
				Glob:            glob,
				IncludeArchived: archived,
				SortBy:          engine.SortKey(sortBy),
				Ascending:       ascending,
			}
			for _, state := range states {
				filter.States = append(filter.States, approval.State(strings.ToUpper(state)))
			}

			listing, err := a.engine.List(cmd.Context(), opts.actor, filter)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(listing)
			}
			for _, sub := range listing.Submissions {
				fmt.Printf("%s  %-24s %-12s %-10s %s\n",
					sub.ID, truncate(sub.OriginalFilename, 24), sub.SubmitterTeam, sub.Submitter, sub.State)
			}
			if len(listing.Counts) > 0 {
				var parts []string
				for state, count := range listing.Counts {
					parts = append(parts, fmt.Sprintf("%s=%d", state, count))
				}
				fmt.Printf("total %d (%s)\n", len(listing.Submissions), strings.Join(parts, " "))
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&states, "state", nil, "Filter by state (repeatable)")
	cmd.Flags().StringVar(&team, "team", "", "Filter by team")
	cmd.Flags().StringVar(&submitter, "submitter", "", "Filter by submitter")
	cmd.Flags().StringVar(&text, "text", "", "Free-text filter over filename, description, tags")
	cmd.Flags().StringVar(&glob, "glob", "", "Filename glob filter (doublestar syntax)")
	cmd.Flags().BoolVar(&archived, "archived", false, "Include archived submissions")
	cmd.Flags().StringVar(&sortBy, "sort", "", "Sort key (submitted_at, filename, state)")
	cmd.Flags().BoolVar(&ascending, "asc", false, "Sort ascending")
	return cmd
}

func inboxCmd(opts *cliOpts) *cobra.Command {
	var (
		unread bool
		watch  bool
	)
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Show the actor's notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireActor(opts); err != nil {
				return err
			}
			a, err := setup(opts)
			if err != nil {
				return err
			}
			defer a.close()

			show := func() error {
				inbox, err := a.engine.Inbox(cmd.Context(), opts.actor, unread)
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return printJSON(inbox)
				}
				for _, notif := range inbox {
					marker := " "
					if !notif.Read {
						marker = "*"
					}
					fmt.Printf("%s %s  %-16s %s %s\n",
						marker, notif.ID, notif.Kind, notif.SubmissionID, notif.Payload)
				}
				return nil
			}
			if err := show(); err != nil {
				return err
			}
			if !watch {
				return nil
			}

			watcher, err := notify.NewWatcher(a.notify, opts.actor, 0, a.logger)
			if err != nil {
				return err
			}
			defer watcher.Close()
			for {
				if err := watcher.WaitForChange(cmd.Context()); err != nil {
					return nil
				}
				if err := show(); err != nil {
					return err
				}
			}
		},
	}
	cmd.Flags().BoolVar(&unread, "unread", false, "Only unread notifications")
	cmd.Flags().BoolVar(&watch, "watch", false, "Keep watching for new notifications")
	return cmd
}

func markReadCmd(opts *cliOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "mark-read <notification-id>",
		Short: "Mark one of the actor's notifications as read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireActor(opts); err != nil {
				return err
			}
			a, err := setup(opts)
			if err != nil {
				return err
			}
			defer a.close()
			return a.engine.MarkRead(cmd.Context(), opts.actor, args[0])
		},
	}
}

func retrierCmd(opts *cliOpts) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "retrier",
		Short: "Run the placement retrier",
		Long: `The retrier sweeps the pending delivery queue and promotes staged and
manual entries to DELIVERED once the project tree accepts them. With
--once it performs a single sweep and exits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(opts)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := signalContext(cmd.Context())
			if once {
				return a.retrier.SweepOnce(ctx)
			}
			err = a.retrier.Run(ctx)
			if err == context.Canceled {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "Sweep once and exit")
	return cmd
}

func serveCmd(opts *cliOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the background services",
		Long: `Runs the placement retrier and, when configured, the Prometheus
metrics listener until interrupted. Interactive commands work against
the same store roots from any process, so serve is optional; it exists
to drain staged deliveries without a human running sweeps.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(opts)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := signalContext(cmd.Context())
			errs := make(chan error, 2)
			go func() { errs <- a.retrier.Run(ctx) }()
			if a.metrics != nil {
				go func() { errs <- a.metrics.Serve(ctx, a.cfg.Metrics.ListenAddr, a.logger) }()
			}

			a.logger.Info("Approvald serving",
				slog.String("version", Version),
				slog.String("network_root", a.cfg.Stores.NetworkRoot))
			err = <-errs
			if err == context.Canceled {
				return nil
			}
			return err
		},
	}
}

// signalContext cancels on SIGINT or SIGTERM.
func signalContext(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
	}()
	return ctx
}

func printSubmission(opts *cliOpts, sub *approval.Submission) error {
	if opts.jsonOut {
		return printJSON(sub)
	}
	printSubmissionText(sub)
	return nil
}

func printSubmissionText(sub *approval.Submission) {
	fmt.Printf("%s  %s\n", sub.ID, sub.State)
	fmt.Printf("  file:      %s (%d bytes)\n", sub.OriginalFilename, sub.SizeBytes)
	fmt.Printf("  submitter: %s (%s)\n", sub.Submitter, sub.SubmitterTeam)
	if sub.TLReviewer != "" {
		fmt.Printf("  tl:        %s\n", sub.TLReviewer)
	}
	if sub.AdminReviewer != "" {
		fmt.Printf("  admin:     %s\n", sub.AdminReviewer)
	}
	if sub.TLRejectionReason != "" {
		fmt.Printf("  reason:    %s\n", sub.TLRejectionReason)
	}
	if sub.AdminRejectionReason != "" {
		fmt.Printf("  reason:    %s\n", sub.AdminRejectionReason)
	}
	if sub.PlacementOutcome != "" {
		fmt.Printf("  placement: %s %s\n", sub.PlacementOutcome, sub.PlacementTargetPath)
	}
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
