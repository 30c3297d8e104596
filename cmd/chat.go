package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/psds-microservice/support-session/internal/attachment"
	"github.com/psds-microservice/support-session/internal/draft"
	"github.com/psds-microservice/support-session/internal/engine"
	"github.com/psds-microservice/support-session/internal/lifecycle"
	"github.com/psds-microservice/support-session/internal/model"
	"github.com/psds-microservice/support-session/internal/storeclient"
	"github.com/psds-microservice/support-session/internal/transport"
	"github.com/psds-microservice/support-session/internal/watchdog"
	"github.com/spf13/cobra"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive terminal support client",
	Long: `Connects to the session store as the user behind SUPPORT_TOKEN.

Commands:
  /list                      list your sessions
  /new <subject> | <text>    open a session and focus it
  /open <id>                 focus a session
  /attach <path>             queue a file for the next message (max 4)
  /discard <client-id>       drop a failed message
  /end                       end the focused session
  /rate <1-5> [comment]      rate a closed session
  /quit                      exit
Any other line is sent as a message.`,
	RunE: runChat,
}

// chatUI печатает обновления движка; хуки приходят из горутин таймеров и транспорта.
type chatUI struct {
	mu   sync.Mutex
	out  io.Writer
	seen map[string]struct{}
}

func (u *chatUI) printf(format string, args ...any) {
	u.mu.Lock()
	defer u.mu.Unlock()
	fmt.Fprintf(u.out, format+"\n", args...)
}

func (u *chatUI) messages(_ string, msgs []model.Message) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, m := range msgs {
		key := m.ID + "/" + m.ClientID + "/" + string(m.State)
		if _, ok := u.seen[key]; ok {
			continue
		}
		u.seen[key] = struct{}{}
		who := m.SenderName
		if who == "" {
			who = string(m.Sender)
		}
		line := fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Local().Format("15:04"), who, m.Body)
		for _, a := range m.Attachments {
			line += fmt.Sprintf("\n    📎 %s (%s)", a.Filename, a.URL)
		}
		switch m.State {
		case model.DeliveryPending:
			line += "  …"
		case model.DeliveryFailed:
			line += fmt.Sprintf("  ✗ not sent (/discard %s)", m.ClientID)
		}
		fmt.Fprintln(u.out, line)
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateClient(); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	drafts, err := draft.Open(cfg.Client.DraftPath)
	if err != nil {
		log.Warn("drafts disabled", slog.Any("error", err))
	}
	defer drafts.Close()

	ui := &chatUI{out: cmd.OutOrStdout(), seen: make(map[string]struct{})}
	store := storeclient.NewClient(cfg.Client.ServerURL, cfg.Client.Token, storeclient.WithLogger(log))
	tr := transport.NewManager(transport.WebSocketDialer{URL: cfg.Client.WSURL}, transport.Config{
		ReconnectInterval: cfg.Client.ReconnectInterval,
		AllowDegraded:     cfg.Client.AllowDegraded,
	}, log)
	eng := engine.New(engine.Config{
		Token:      cfg.Client.Token,
		TypingIdle: cfg.Client.TypingIdle,
		Watchdog: watchdog.Config{
			WarnAfter:  cfg.Client.WarnAfter,
			CloseAfter: cfg.Client.CloseAfter,
		},
		PollInterval: cfg.Client.PollInterval,
	}, store, tr, engine.Hooks{
		OnMessages: ui.messages,
		OnStatus: func(st lifecycle.State) {
			switch {
			case st.AutoClosed():
				ui.printf("* session closed after %d minutes of inactivity; /rate to leave feedback", st.InactiveMinutes)
			case st.Status == model.SessionStatusClosed:
				ui.printf("* session closed (%s); /rate to leave feedback", st.Reason)
			default:
				ui.printf("* status: %s", st.Status)
			}
		},
		OnTyping: func(_ string, names []string) {
			if len(names) > 0 {
				ui.printf("  %s typing…", strings.Join(names, ", "))
			}
		},
		OnWarning: func(left int) {
			ui.printf("! no activity: this session closes in %ds. Type anything to keep it open.", left)
		},
		OnCountdown: func(left int) {
			if left%30 == 0 || left <= 10 {
				ui.printf("! closing in %ds", left)
			}
		},
		OnWarningCleared: func() { ui.printf("  (inactivity warning cleared)") },
		OnPhase: func(p transport.Phase) {
			ui.printf("  [%s]", p)
		},
		OnNotice: func(err error) { ui.printf("! %v", err) },
	}, engine.WithDrafts(drafts), engine.WithLogger(log))
	defer eng.Close()

	if err := eng.Start(ctx); err != nil {
		var ce *transport.ConnectionError
		if !errors.As(err, &ce) {
			return err
		}
		ui.printf("! realtime unavailable, retrying in the background")
	}

	in := bufio.NewScanner(cmd.InOrStdin())
	lines := make(chan string)
	go func() {
		defer close(lines)
		for in.Scan() {
			lines <- in.Text()
		}
	}()
	confirm := func(ctx context.Context) bool {
		ui.printf("End this session? [y/N]")
		select {
		case l, ok := <-lines:
			return ok && strings.EqualFold(strings.TrimSpace(l), "y")
		case <-ctx.Done():
			return false
		}
	}

	var pending []attachment.File
	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}
		eng.Activity(watchdog.ActivityKey)
		if line == "" {
			continue
		}

		cmdName, rest, _ := strings.Cut(line, " ")
		rest = strings.TrimSpace(rest)
		switch cmdName {
		case "/quit":
			return nil
		case "/list":
			list, err := eng.ListSessions(ctx)
			if err != nil {
				ui.printf("! %v", err)
				continue
			}
			for _, s := range list {
				ui.printf("%s  %-11s %-8s %s (%d messages)", s.ID, s.Status, s.Priority, s.Subject, s.MessageCount)
			}
		case "/new":
			subject, body, ok := strings.Cut(rest, "|")
			if !ok || strings.TrimSpace(subject) == "" || strings.TrimSpace(body) == "" {
				ui.printf("usage: /new <subject> | <first message>")
				continue
			}
			s, err := eng.CreateSession(ctx, model.CreateSessionRequest{
				Subject: strings.TrimSpace(subject),
				Body:    strings.TrimSpace(body),
			})
			if err != nil {
				ui.printf("! %v", err)
				continue
			}
			ui.printf("* opened %s", s.ID)
		case "/open":
			if err := eng.Focus(ctx, rest); err != nil {
				ui.printf("! %v", err)
				continue
			}
			if d := eng.Draft(); d != "" {
				ui.printf("  draft: %s", d)
			}
		case "/attach":
			data, err := os.ReadFile(rest)
			if err != nil {
				ui.printf("! %v", err)
				continue
			}
			pending = append(pending, attachment.File{Name: filepath.Base(rest), Data: data})
			ui.printf("  %d file(s) queued", len(pending))
		case "/discard":
			if !eng.Discard(rest) {
				ui.printf("! no failed message %q", rest)
			}
		case "/end":
			if err := eng.EndSession(ctx, confirm); err != nil {
				ui.printf("! %v", err)
			}
		case "/rate":
			ratingStr, comment, _ := strings.Cut(rest, " ")
			rating, err := strconv.Atoi(ratingStr)
			if err != nil {
				ui.printf("usage: /rate <1-5> [comment]")
				continue
			}
			if err := eng.SubmitFeedback(ctx, rating, strings.TrimSpace(comment)); err != nil {
				ui.printf("! %v", err)
				continue
			}
			ui.printf("* thanks for the feedback")
		default:
			eng.Input(ctx)
			files := pending
			pending = nil
			if _, err := eng.Send(ctx, line, files); err != nil {
				ui.printf("! %v", err)
				var ve *attachment.ValidationError
				if errors.As(err, &ve) {
					ui.printf("  attachments cleared, /attach again")
				}
			}
		}
	}
}
