package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/liliang-cn/medichat/internal/domain"
	"github.com/liliang-cn/medichat/internal/session"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const replHelp = `Commands:
  /new           start a new conversation
  /load <id>     open a stored conversation
  /clear         delete the current conversation
  /history       print the current conversation
  /quit          exit`

func newChatCmd(a *app) *cobra.Command {
	var (
		conversationID string
		fresh          bool
		stream         bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat interactively with the assistant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := a.store.LoadSettings()
			if err != nil {
				a.logger.Warn("Using default settings", zap.Error(err))
			}
			if cmd.Flags().Changed("stream") {
				settings.StreamMode = stream
			}

			if conversationID == "" && !fresh {
				conversationID, err = a.store.LastConversation()
				if err != nil {
					a.logger.Warn("Could not read last conversation", zap.Error(err))
				}
			}
			return a.runChat(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), conversationID, settings)
		},
	}

	cmd.Flags().StringVarP(&conversationID, "conversation", "c", "", "Conversation to resume")
	cmd.Flags().BoolVar(&fresh, "new", false, "Start a new conversation instead of resuming the last one")
	cmd.Flags().BoolVar(&stream, "stream", true, "Receive answers incrementally (overrides the saved setting)")
	return cmd
}

func (a *app) runChat(ctx context.Context, in io.Reader, out io.Writer, conversationID string, settings domain.Settings) error {
	ch := a.client.Channel(a.cfg.Client.ChannelPath, a.channelOptions())
	m := session.NewManager(a.client, ch, a.logger)
	defer m.Close()

	if conversationID != "" {
		if err := m.LoadConversation(ctx, conversationID); err != nil {
			fmt.Fprintf(out, "Could not resume %s: %v\n", conversationID, err)
			_ = a.store.SetLastConversation("")
		} else {
			printMessages(out, m.Messages())
		}
	}

	m.Subscribe(newPrinter(out).handle)
	opts := session.OptionsFromSettings(settings)

	fmt.Fprintln(out, "MediChat - type /help for commands.")
	fmt.Fprintln(out, "Answers are informational and do not replace a healthcare professional.")

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "\nyou> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := a.replCommand(ctx, out, m, line)
			if err != nil {
				fmt.Fprintln(out, "Error:", err)
			}
			if quit {
				return nil
			}
			continue
		}

		err := m.Send(ctx, line, opts)
		if id := m.ConversationID(); id != "" {
			if err := a.store.SetLastConversation(id); err != nil {
				a.logger.Warn("Could not remember conversation", zap.Error(err))
			}
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil
		}
	}
}

func (a *app) replCommand(ctx context.Context, out io.Writer, m *session.Manager, line string) (bool, error) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		fmt.Fprintln(out, replHelp)
	case "/new":
		if err := m.LoadConversation(ctx, ""); err != nil {
			return false, err
		}
		fmt.Fprintln(out, "Started a new conversation.")
		return false, a.store.SetLastConversation("")
	case "/load":
		if len(fields) != 2 {
			return false, errors.New("usage: /load <id>")
		}
		if err := m.LoadConversation(ctx, fields[1]); err != nil {
			return false, err
		}
		printMessages(out, m.Messages())
		return false, a.store.SetLastConversation(fields[1])
	case "/clear":
		m.ClearConversation(ctx)
		fmt.Fprintln(out, "Conversation cleared.")
		return false, a.store.SetLastConversation("")
	case "/history":
		printMessages(out, m.Messages())
	default:
		return false, fmt.Errorf("unknown command %s", fields[0])
	}
	return false, nil
}

// printer renders session events as they arrive
type printer struct {
	out io.Writer

	// answering is set while an assistant answer is being printed
	answering bool
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out}
}

func (p *printer) handle(ev session.Event) {
	switch ev.Type {
	case session.MessageAppended:
		if ev.Message.Role == domain.RoleAssistant {
			p.answering = ev.Message.Status == domain.MessageStreaming
			fmt.Fprintf(p.out, "assistant> %s", ev.Message.Content)
		}
	case session.ChunkAppended:
		fmt.Fprint(p.out, ev.Chunk)
	case session.ExchangeFinished:
		p.answering = false
		fmt.Fprintln(p.out)
		printSources(p.out, ev.Message.Sources)
	case session.ExchangeFailed:
		p.answering = false
		fmt.Fprintf(p.out, "\n[failed: %v]\n", ev.Err)
	case session.ConnectionChanged:
		// Connections dropped between answers are redialed on the next send.
		if !ev.Connected && p.answering {
			fmt.Fprintln(p.out, "\n[connection lost, reconnecting]")
		}
	}
}

func printMessages(out io.Writer, messages []domain.Message) {
	for _, msg := range messages {
		fmt.Fprintf(out, "%s (%s)> %s\n", msg.Role, humanize.Time(msg.Timestamp), msg.Content)
		printSources(out, msg.Sources)
	}
}

func printSources(out io.Writer, sources []domain.Source) {
	for i, src := range sources {
		name := src.Filename
		if name == "" {
			name = src.DocumentID
		}
		line := fmt.Sprintf("  [%d] %s", i+1, name)
		if src.Page != nil {
			line += fmt.Sprintf(" p.%d", *src.Page)
		}
		if src.Score != nil {
			line += fmt.Sprintf(" (%.2f)", *src.Score)
		}
		fmt.Fprintln(out, line)
	}
}

func newHistoryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "history [conversation-id]",
		Short: "Print a conversation (the last one by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := a.conversationArg(args)
			if err != nil {
				return err
			}
			var entries []domain.HistoryEntry
			if err := a.client.Get(cmd.Context(), "/chat/history/"+url.PathEscape(id), &entries); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range entries {
				fmt.Fprintf(out, "%s (%s)> %s\n", e.Role, humanize.Time(e.Timestamp), e.Content)
				printSources(out, e.Sources)
			}
			return nil
		},
	}
}

func newClearCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "clear [conversation-id]",
		Short: "Delete a conversation (the last one by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := a.conversationArg(args)
			if err != nil {
				return err
			}
			if err := a.client.Delete(cmd.Context(), "/chat/history/"+url.PathEscape(id), nil); err != nil {
				return err
			}
			if last, _ := a.store.LastConversation(); last == id {
				_ = a.store.SetLastConversation("")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s.\n", id)
			return nil
		},
	}
}

func newConversationsCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "conversations",
		Short: "List stored conversations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Conversations []domain.Conversation `json:"conversations"`
			}
			if err := a.client.Get(cmd.Context(), fmt.Sprintf("/chat/conversations?limit=%d", limit), &resp); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(resp.Conversations) == 0 {
				fmt.Fprintln(out, "No conversations.")
				return nil
			}
			for _, c := range resp.Conversations {
				title := c.Title
				if title == "" {
					title = "(untitled)"
				}
				fmt.Fprintf(out, "%s  %-40s  updated %s\n", c.ID, title, humanize.Time(c.UpdatedAt))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of conversations")
	return cmd
}

func (a *app) conversationArg(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	id, err := a.store.LastConversation()
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", errors.New("no conversation given and none open")
	}
	return id, nil
}
