package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"missionline/internal/app"
	"missionline/internal/config"
	"missionline/internal/dispatch"
	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/entity"
)

func actorCmd() *cobra.Command {
	act := &cobra.Command{Use: "actor", Short: "Manage actor profiles"}
	act.AddCommand(actorSetCmd())
	act.AddCommand(actorShowCmd())
	act.AddCommand(actorListCmd())
	return act
}

func actorSetCmd() *cobra.Command {
	var role, first, last string
	cmd := &cobra.Command{
		Use:   "set <actor-id>",
		Short: "Create or update an actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := domain.ParseRole(role)
			if err != nil {
				return err
			}
			return withBackend(cmd.Context(), func(ctx context.Context, _ *config.Config, _ zerolog.Logger, b *backend) error {
				a, err := b.actors.UpsertActor(ctx, domain.Actor{ID: args[0], Role: r, FirstName: first, LastName: last})
				if err != nil {
					return err
				}
				return printActors([]domain.Actor{a})
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "assigner or assignee (manager and technician are accepted)")
	cmd.Flags().StringVar(&first, "first-name", "", "first name")
	cmd.Flags().StringVar(&last, "last-name", "", "last name")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func actorShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [actor-id]",
		Short: "Show an actor; defaults to --actor",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, _ *config.Config, _ zerolog.Logger, b *backend) error {
				var a domain.Actor
				var err error
				if len(args) == 1 {
					a, err = b.actors.GetActor(ctx, args[0])
				} else {
					a, err = resolveActor(ctx, b)
				}
				if err != nil {
					return err
				}
				return printActors([]domain.Actor{a})
			})
		},
	}
}

func actorListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List actors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, _ *config.Config, _ zerolog.Logger, b *backend) error {
				items, err := b.actors.ListActors(ctx)
				if err != nil {
					return err
				}
				return printActors(items)
			})
		},
	}
}

func missionCmd() *cobra.Command {
	m := &cobra.Command{Use: "mission", Short: "Create missions and move them through their lifecycle"}
	m.AddCommand(missionCreateCmd())
	m.AddCommand(missionListCmd())
	m.AddCommand(missionShowCmd())
	m.AddCommand(transitionCmd(engine.EventClaim, "claim <mission-id>", "Claim an open mission"))
	m.AddCommand(transitionCmd(engine.EventStart, "start <mission-id>", "Start an assigned mission"))
	m.AddCommand(transitionCmd(engine.EventApprove, "approve <mission-id>", "Approve a submitted deliverable"))
	m.AddCommand(missionAssignCmd())
	m.AddCommand(missionSubmitCmd())
	m.AddCommand(missionRejectCmd())
	m.AddCommand(missionCancelCmd())
	return m
}

func missionCreateCmd() *cobra.Command {
	var opts engine.MissionCreateOptions
	var xp int
	var deadline string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a mission",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("xp") {
				opts.XPReward = &xp
			}
			if deadline != "" {
				t, err := time.Parse(time.RFC3339, deadline)
				if err != nil {
					return fmt.Errorf("--deadline: %w", err)
				}
				opts.Deadline = &t
			}
			return withClient(cmd.Context(), func(ctx context.Context, c *app.Client, _ *backend) error {
				m, err := c.CreateMission(ctx, opts)
				if err != nil {
					return err
				}
				return printMission(m)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "mission id (generated when empty)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Urgency, "urgency", "", "low, medium, high or critical")
	cmd.Flags().IntVar(&xp, "xp", 0, "XP reward (config default when unset)")
	cmd.Flags().StringVar(&opts.AssigneeID, "assignee", "", "assign directly to this actor")
	cmd.Flags().BoolVar(&opts.NeedsAttachment, "needs-attachment", false, "require an attachment on submit")
	cmd.Flags().StringVar(&deadline, "deadline", "", "deadline (RFC3339)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func missionListCmd() *cobra.Command {
	var status, assignee string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List missions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, _ *config.Config, _ zerolog.Logger, b *backend) error {
				f := domain.MissionFilter{AssignedTo: assignee}
				if status != "" {
					f.Status = domain.Status(strings.ToLower(strings.TrimSpace(status)))
					if !f.Status.Valid() {
						return fmt.Errorf("invalid status %q", status)
					}
				}
				items, err := b.store.ListMissions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Urgency", "Assignee", "XP"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.ID, m.Title, m.Status, m.Urgency, optionalString(assigneeLabel(m)), m.XPReward})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee filter")
	return cmd
}

func missionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <mission-id>",
		Short: "Show a mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, _ *config.Config, _ zerolog.Logger, b *backend) error {
				m, err := b.store.GetMission(ctx, args[0])
				if err != nil {
					return err
				}
				return printMission(m)
			})
		},
	}
}

func transitionCmd(ev engine.Event, use, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransition(cmd.Context(), args[0], ev, engine.Payload{})
		},
	}
}

func missionAssignCmd() *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "assign <mission-id>",
		Short: "Assign an open mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransition(cmd.Context(), args[0], engine.EventAssign, engine.Payload{AssigneeID: to})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "assignee actor id")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func missionSubmitCmd() *cobra.Command {
	var p engine.Payload
	cmd := &cobra.Command{
		Use:   "submit <mission-id>",
		Short: "Submit a deliverable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransition(cmd.Context(), args[0], engine.EventSubmit, p)
		},
	}
	cmd.Flags().StringVar(&p.AttachmentURL, "attachment", "", "attachment URL")
	cmd.Flags().StringVar(&p.Notes, "notes", "", "completion notes")
	return cmd
}

func missionRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <mission-id>",
		Short: "Send a deliverable back for rework",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransition(cmd.Context(), args[0], engine.EventReject, engine.Payload{Reason: reason})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the deliverable was rejected")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func missionCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <mission-id>",
		Short: "Cancel a mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransition(cmd.Context(), args[0], engine.EventCancel, engine.Payload{Reason: reason})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func runTransition(ctx context.Context, missionID string, ev engine.Event, p engine.Payload) error {
	return withClient(ctx, func(ctx context.Context, c *app.Client, _ *backend) error {
		m, err := c.RequestTransition(ctx, missionID, ev, p)
		if err != nil {
			if engine.Classify(err) == engine.KindConflict {
				if current, ok := c.Mission(missionID); ok {
					fmt.Fprintf(os.Stderr, "mission is now %s\n", current.Status)
				}
			}
			return err
		}
		return printMission(m)
	})
}

func threadCmd() *cobra.Command {
	th := &cobra.Command{Use: "thread", Short: "Read and post mission messages"}
	th.AddCommand(&cobra.Command{
		Use:   "show <mission-id>",
		Short: "Show a mission thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *app.Client, _ *backend) error {
				entries, err := c.GetThread(ctx, args[0])
				if err != nil {
					return err
				}
				return printThread(entries)
			})
		},
	})
	th.AddCommand(&cobra.Command{
		Use:   "send <mission-id> <message>...",
		Short: "Post a message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *app.Client, _ *backend) error {
				msg, err := c.SendMessage(ctx, args[0], strings.Join(args[1:], " "))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(msg)
				}
				fmt.Printf("%s  %s: %s\n", msg.CreatedAt.Local().Format(time.Kitchen), authorLabel(msg), msg.Content)
				return nil
			})
		},
	})
	return th
}

func watchCmd() *cobra.Command {
	var missionID string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow mission changes, or one mission's thread, until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withClient(ctx, func(ctx context.Context, c *app.Client, b *backend) error {
				if b.poller != nil {
					go func() { _ = b.poller.Run(ctx) }()
				}
				if _, err := c.ListMissions(ctx); err != nil {
					return err
				}
				if missionID != "" {
					entries, err := c.GetThread(ctx, missionID)
					if err != nil {
						return err
					}
					if err := printThread(entries); err != nil {
						return err
					}
				}
				changes := make(chan entity.Change, 64)
				unsubscribe := c.OnChange(func(ch entity.Change) {
					select {
					case changes <- ch:
					default:
					}
				})
				defer unsubscribe()
				seen := len(threadOf(c, missionID))
				for {
					select {
					case <-ctx.Done():
						return nil
					case ch := <-changes:
						switch ch.Kind {
						case entity.ChangeMission:
							if m, ok := c.Mission(ch.MissionID); ok && (missionID == "" || ch.MissionID == missionID) {
								fmt.Printf("%s  %-20s %s  %s\n", time.Now().Format(time.Kitchen), m.Status, m.ID, m.Title)
							}
						case entity.ChangeMissionRemoved:
							fmt.Printf("%s  %-20s %s\n", time.Now().Format(time.Kitchen), "removed", ch.MissionID)
						case entity.ChangeThread:
							if ch.MissionID != missionID {
								continue
							}
							entries := threadOf(c, missionID)
							for _, e := range entries[min(seen, len(entries)):] {
								if !e.IsPending() {
									fmt.Printf("%s  %s: %s\n", e.Message.CreatedAt.Local().Format(time.Kitchen), authorLabel(e.Message), e.Message.Content)
								}
							}
							seen = len(entries)
						}
					}
				}
			})
		},
	}
	cmd.Flags().StringVar(&missionID, "mission", "", "also follow this mission's thread")
	return cmd
}

func threadOf(c *app.Client, missionID string) []domain.ThreadEntry {
	if missionID == "" {
		return nil
	}
	entries, _ := c.Thread(missionID)
	return entries
}

func notificationsCmd() *cobra.Command {
	var unread bool
	var limit int
	cmd := &cobra.Command{
		Use:   "notifications",
		Short: "List the acting actor's notifications, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, _ *config.Config, _ zerolog.Logger, b *backend) error {
				actor, err := resolveActor(ctx, b)
				if err != nil {
					return err
				}
				items, err := b.inbox.ListNotifications(ctx, actor.ID, unread, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"When", "Title", "Body", "Read"})
				for _, n := range items {
					tw.AppendRow(table.Row{n.CreatedAt.Local().Format(time.DateTime), n.Title, n.Body, n.Read})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&unread, "unread", false, "only unread notifications")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum notifications")
	return cmd
}

func xpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "xp [actor-id]",
		Short: "Show XP total and level; defaults to --actor",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, _ *config.Config, _ zerolog.Logger, b *backend) error {
				actorID := ""
				if len(args) == 1 {
					actorID = args[0]
				} else {
					actor, err := resolveActor(ctx, b)
					if err != nil {
						return err
					}
					actorID = actor.ID
				}
				total, err := b.totalXP(ctx, actorID)
				if err != nil {
					return err
				}
				level := dispatch.LevelForXP(total)
				into, span := dispatch.Progress(total)
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"actor_id": actorID,
						"total":    total,
						"level":    level,
						"title":    dispatch.LevelTitle(level),
						"into":     into,
						"span":     span,
					})
				}
				if span == 0 {
					fmt.Printf("%s: %d XP, level %d %s (max)\n", actorID, total, level, dispatch.LevelTitle(level))
					return nil
				}
				fmt.Printf("%s: %d XP, level %d %s (%d/%d to next)\n", actorID, total, level, dispatch.LevelTitle(level), into, span)
				return nil
			})
		},
	}
}

func printActors(items []domain.Actor) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Name", "Role"})
	for _, a := range items {
		tw.AppendRow(table.Row{a.ID, a.DisplayName(), a.Role})
	}
	tw.Render()
	return nil
}

func printMission(m domain.Mission) error {
	if viper.GetBool("json") {
		return printJSON(m)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRow(table.Row{"ID", m.ID})
	tw.AppendRow(table.Row{"Title", m.Title})
	tw.AppendRow(table.Row{"Status", m.Status})
	tw.AppendRow(table.Row{"Urgency", m.Urgency})
	tw.AppendRow(table.Row{"XP", m.XPReward})
	tw.AppendRow(table.Row{"Assignee", optionalString(assigneeLabel(m))})
	tw.AppendRow(table.Row{"Creator", optionalString(firstNonEmpty(m.CreatorName, m.CreatedBy))})
	if m.Deadline != nil {
		tw.AppendRow(table.Row{"Deadline", m.Deadline.Local().Format(time.DateTime)})
	}
	if m.AttachmentURL != nil {
		tw.AppendRow(table.Row{"Attachment", *m.AttachmentURL})
	}
	if m.CompletionNotes != nil {
		tw.AppendRow(table.Row{"Notes", *m.CompletionNotes})
	}
	if m.CancellationReason != nil {
		tw.AppendRow(table.Row{"Cancelled", *m.CancellationReason})
	}
	tw.Render()
	return nil
}

func printThread(entries []domain.ThreadEntry) error {
	if viper.GetBool("json") {
		return printJSON(entries)
	}
	for _, e := range entries {
		mark := ""
		if e.IsPending() {
			mark = " (sending)"
		}
		fmt.Printf("%s  %s: %s%s\n", e.Message.CreatedAt.Local().Format(time.Kitchen), authorLabel(e.Message), e.Message.Content, mark)
	}
	return nil
}

func assigneeLabel(m domain.Mission) string {
	if m.AssignedTo == nil {
		return ""
	}
	return firstNonEmpty(m.AssigneeName, *m.AssignedTo)
}

func authorLabel(m domain.Message) string {
	return firstNonEmpty(m.AuthorName, m.AuthorID)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
