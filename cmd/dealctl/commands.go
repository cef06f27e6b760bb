package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/gigmarket/gigmarket/internal/app"
	"github.com/gigmarket/gigmarket/internal/application/timeline"
	"github.com/gigmarket/gigmarket/internal/domain/proposal"
	"github.com/gigmarket/gigmarket/internal/infrastructure/postgres"
	"github.com/gigmarket/gigmarket/migrations"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, true, func(ctx context.Context, a *app.App) error {
				applied, err := postgres.RunMigrations(ctx, a.Pool, migrations.FS)
				if err != nil {
					return err
				}
				if len(applied) == 0 {
					fmt.Println("schema is up to date")
				}
				for _, name := range applied {
					fmt.Println("applied", name)
				}
				return nil
			})
		},
	}
}

func conversationsCmd() *cobra.Command {
	convs := &cobra.Command{Use: "conversations", Short: "Inspect conversations"}
	var limit, offset int
	list := &cobra.Command{
		Use:   "list",
		Short: "List the actor's conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), false, true, func(ctx context.Context, a *app.App) error {
				items, err := a.Messaging.ListConversations(ctx, actor, limit, offset)
				if err != nil {
					return err
				}
				if v.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Counterpart", "Unread", "Proposal", "Created"})
				for _, c := range items {
					prop := ""
					if c.ProposalID != nil {
						prop = c.ProposalID.String()
					}
					tw.AppendRow(table.Row{c.ConversationID, c.Type, c.Counterpart, c.Unread, prop, c.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "page size")
	list.Flags().IntVar(&offset, "offset", 0, "page offset")
	convs.AddCommand(list)
	return convs
}

func timelineCmd() *cobra.Command {
	tl := &cobra.Command{Use: "timeline", Short: "Render conversation timelines"}
	var limit int
	show := &cobra.Command{
		Use:   "show <conversation-id>",
		Short: "Show the merged message and negotiation timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseConversationID(args[0])
			if err != nil {
				return err
			}
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), false, true, func(ctx context.Context, a *app.App) error {
				conv, err := a.Messaging.GetConversation(ctx, id, actor)
				if err != nil {
					return err
				}
				msgs, err := a.Messaging.ListMessages(ctx, id, actor, nil, limit)
				if err != nil {
					return err
				}
				var p *proposal.Proposal
				var acts []*proposal.Activity
				if conv.ProposalID != nil {
					if p, err = a.Negotiation.GetProposal(ctx, *conv.ProposalID, actor); err != nil {
						return err
					}
					if acts, err = a.Negotiation.ListActivities(ctx, id); err != nil {
						return err
					}
				}
				var merger timeline.Merger
				entries, _ := merger.Merge(msgs, acts, timeline.Viewer{ActorID: actor, Proposal: p})
				if v.GetBool("json") {
					return printJSON(entries)
				}
				if p != nil {
					printProposal(p)
				}
				renderTimeline(entries)
				return nil
			})
		},
	}
	show.Flags().IntVar(&limit, "limit", 50, "number of latest messages")
	tl.AddCommand(show)
	return tl
}

func gateCmd() *cobra.Command {
	g := &cobra.Command{Use: "gate", Short: "Inspect and manage send permissions"}

	check := &cobra.Command{
		Use:   "check <conversation-id>",
		Short: "Show whether the actor may send into a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseConversationID(args[0])
			if err != nil {
				return err
			}
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), false, true, func(ctx context.Context, a *app.App) error {
				verdict, err := a.Gate.Check(ctx, actor, id)
				if err != nil {
					return err
				}
				if v.GetBool("json") {
					return printJSON(verdict)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				until := ""
				if verdict.BlockedUntil != nil {
					until = verdict.BlockedUntil.Format(time.RFC3339)
				}
				tw.AppendHeader(table.Row{"Blocked", "Source", "Until", "Reason"})
				tw.AppendRow(table.Row{verdict.Blocked, verdict.Source, until, verdict.Reason})
				tw.Render()
				return nil
			})
		},
	}

	var d time.Duration
	var reason string
	blk := &cobra.Command{
		Use:   "block <user-id>",
		Short: "Block a user from messaging (permanent unless --for is set)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, true, func(ctx context.Context, a *app.App) error {
				b, err := a.Gate.Block(ctx, args[0], d, reason)
				if err != nil {
					return err
				}
				if v.GetBool("json") {
					return printJSON(b)
				}
				fmt.Printf("blocked %s (%s)\n", b.UserID, b.BlockID)
				return nil
			})
		},
	}
	blk.Flags().DurationVar(&d, "for", 0, "block duration, 0 for permanent")
	blk.Flags().StringVar(&reason, "reason", "", "reason shown to the user")

	g.AddCommand(check, blk)
	return g
}

func releasesCmd() *cobra.Command {
	rel := &cobra.Command{Use: "releases", Short: "Escrow release sweep"}
	run := &cobra.Command{
		Use:   "run",
		Short: "Release escrow for every proposal past its confirmation window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, true, func(ctx context.Context, a *app.App) error {
				res, err := a.Releases.RunOnce(ctx)
				if err != nil {
					return err
				}
				if v.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("released %d proposal(s)\n", res.Released)
				return nil
			})
		},
	}
	rel.AddCommand(run)
	return rel
}

func printProposal(p *proposal.Proposal) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Proposal", "Status", "Work", "Payment", "Amount", "Days", "Awaiting"})
	awaiting := ""
	if p.AwaitingAcceptanceFrom != nil {
		awaiting = string(*p.AwaitingAcceptanceFrom)
	}
	tw.AppendRow(table.Row{p.ProposalID, p.Status, p.WorkStatus, p.PaymentStatus, p.CurrentProposalAmount, p.CurrentDeliveryDays, awaiting})
	tw.Render()
}

func renderTimeline(entries []*timeline.Entry) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"At", "From", "Kind", "Text", "State"})
	for _, e := range entries {
		tw.AppendRow(timelineRow(e))
	}
	tw.Render()
}

func timelineRow(e *timeline.Entry) table.Row {
	at := e.CreatedAt.Local().Format("01-02 15:04:05")
	if e.Message != nil {
		m := e.Message
		text := ""
		switch {
		case m.IsDeleted:
			text = "(deleted)"
		case m.Content != nil:
			text = *m.Content
		}
		if m.Attachment != nil && !m.IsDeleted {
			text += " [" + m.Attachment.Name + "]"
		}
		return table.Row{at, m.SenderID, "message", text, m.Status}
	}
	act := e.Activity
	text := string(act.Type)
	if act.NewValue != "" {
		text += " " + act.NewValue
	}
	if act.Message != "" {
		text += ": " + act.Message
	}
	state := ""
	if e.Actionable {
		state = "awaiting you"
	}
	return table.Row{at, act.ChangedBy, "activity", text, state}
}
