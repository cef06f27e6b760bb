package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/gigmarket/gigmarket/internal/app"
	"github.com/gigmarket/gigmarket/internal/application/negotiation"
	"github.com/gigmarket/gigmarket/internal/application/session"
	"github.com/gigmarket/gigmarket/internal/application/timeline"
	"github.com/gigmarket/gigmarket/internal/domain/attachment"
)

const chatHelp = `commands:
  <text>                       send a message
  /file <path> [caption]       send a file with an optional caption
  /counter <amount> <days> [message]
  /accept  /reject  /unlock  /complete  /confirm
  /dispute <reason>
  /more                        load older messages
  /read                        mark the conversation read
  /quit`

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat <conversation-id>",
		Short: "Open a live session in a conversation as --actor-id",
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
			return withApp(cmd.Context(), false, false, func(ctx context.Context, a *app.App) error {
				ctx, cancel := context.WithCancel(ctx)
				defer cancel()
				go func() { _ = a.Feed.Run(ctx) }()

				ctl, err := session.Open(ctx, id, actor, session.Deps{
					Store:         a.Messaging,
					Conversations: a.Messaging,
					Negotiator:    a.Negotiation,
					Gate:          a.Gate,
					Feed:          a.Feed,
					Uploader:      a.Uploader,
					Moderator:     a.Moderator,
					Logger:        a.Logger,
				}, session.Options{GateInterval: a.Config.GateInterval})
				if err != nil {
					return err
				}

				runErr := make(chan error, 1)
				go func() { runErr <- ctl.Run(ctx) }()

				p := &printer{shown: make(map[string]*timeline.Entry)}
				p.render(ctl)
				go func() {
					for {
						select {
						case <-ctx.Done():
							return
						case <-ctl.Updates():
							p.render(ctl)
						}
					}
				}()

				fmt.Println(chatHelp)
				lines := make(chan string)
				go func() {
					sc := bufio.NewScanner(os.Stdin)
					for sc.Scan() {
						lines <- sc.Text()
					}
					close(lines)
				}()

				for {
					select {
					case err := <-runErr:
						return err
					case line, ok := <-lines:
						if !ok {
							return nil
						}
						quit, err := handleLine(ctx, ctl, strings.TrimSpace(line))
						if err != nil {
							fmt.Println("!", err)
						}
						if quit {
							return nil
						}
					}
				}
			})
		},
	}
}

func handleLine(ctx context.Context, ctl *session.Controller, line string) (bool, error) {
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		_ = ctl.Typing(ctx)
		_, err := ctl.Send(ctx, line, nil)
		return false, err
	}

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	var res *negotiation.Result
	var err error
	switch cmd {
	case "/quit":
		return true, nil
	case "/more":
		n, err := ctl.LoadMore(ctx)
		if err == nil {
			fmt.Printf("loaded %d older message(s)\n", n)
		}
		return false, err
	case "/read":
		return false, ctl.MarkRead(ctx)
	case "/file":
		return false, sendFile(ctx, ctl, rest)
	case "/counter":
		fields := strings.SplitN(rest, " ", 3)
		if len(fields) < 2 {
			return false, errors.New("usage: /counter <amount> <days> [message]")
		}
		amount, aerr := strconv.ParseInt(fields[0], 10, 64)
		days, derr := strconv.Atoi(fields[1])
		if aerr != nil || derr != nil {
			return false, errors.New("amount and days must be numbers")
		}
		msg := ""
		if len(fields) == 3 {
			msg = fields[2]
		}
		res, err = ctl.Counter(ctx, amount, days, msg)
	case "/accept":
		res, err = ctl.Accept(ctx)
	case "/reject":
		res, err = ctl.Reject(ctx)
	case "/unlock":
		res, err = ctl.Unlock(ctx)
	case "/complete":
		res, err = ctl.MarkCompleted(ctx)
	case "/confirm":
		res, err = ctl.ConfirmCompletion(ctx)
	case "/dispute":
		res, err = ctl.OpenDispute(ctx, rest)
	default:
		return false, fmt.Errorf("unknown command %s", cmd)
	}
	if err != nil {
		return false, err
	}
	if res.AlreadyProcessed {
		fmt.Println("already done")
	}
	if res.PaymentRequired {
		fmt.Println("accepted; the owner must now pay into escrow")
	}
	return false, nil
}

func sendFile(ctx context.Context, ctl *session.Controller, rest string) error {
	path, caption, _ := strings.Cut(rest, " ")
	if path == "" {
		return errors.New("usage: /file <path> [caption]")
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	res, err := ctl.Send(ctx, strings.TrimSpace(caption), &attachment.File{
		Name:     filepath.Base(path),
		MimeType: mime.TypeByExtension(filepath.Ext(path)),
		Size:     st.Size(),
		Body:     f,
	})
	if err != nil {
		return err
	}
	if res.AttachmentErr != nil {
		return res.AttachmentErr
	}
	return nil
}

// printer prints timeline entries that are new or changed since the last
// render. Unchanged entries keep their pointer between merges.
type printer struct {
	shown map[string]*timeline.Entry
}

func (p *printer) render(ctl *session.Controller) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	rows := 0
	for _, e := range ctl.Timeline() {
		if p.shown[e.Key] == e {
			continue
		}
		p.shown[e.Key] = e
		tw.AppendRow(timelineRow(e))
		rows++
	}
	if rows > 0 {
		tw.Render()
	}
	verdict := ctl.Verdict()
	if verdict.Blocked {
		fmt.Printf("(sending blocked: %s)\n", verdict.Reason)
	}
	if ctl.IsPeerTyping() {
		fmt.Println("(typing...)")
	}
}
