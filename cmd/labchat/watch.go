package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"lab_collab/internal/alert"
	"lab_collab/internal/chat"
	"lab_collab/internal/notify"
	"lab_collab/internal/presence"
	"lab_collab/internal/tui"
)

const (
	appName     = "labchat"
	appIcon     = "mail-message-new"
	toastBuffer = 32
)

// online публикует присутствие текущего пользователя и держит его до Stop
func (s *session) online(ctx context.Context) (*presence.Tracker, error) {
	s.client.Realtime().Connect()
	tracker := presence.NewTracker(s.client.Realtime(), s.profile.UID, s.profile.DisplayName(), s.log)
	if err := tracker.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to publish presence: %w", err)
	}
	return tracker, nil
}

func (s *session) desktop() (alert.Desktop, func()) {
	if !s.cfg.DesktopNotify {
		return alert.NoDesktop{}, func() {}
	}
	d := alert.NewDBusDesktop(appName, appIcon)
	return d, func() {
		if err := d.Close(); err != nil {
			s.log.Warn("Failed to close D-Bus connection", "error", err)
		}
	}
}

func (s *session) fanOut(toaster alert.Toaster, desktop alert.Desktop, focus *alert.Focus) (*notify.FanOut, error) {
	return notify.New(notify.Config{
		Store:   s.client.Documents(),
		Me:      s.profile.UID,
		Toaster: toaster,
		Desktop: desktop,
		Focus:   focus,
		Grace:   s.cfg.NotifyGrace,
		Log:     s.log,
	})
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stay online and show notifications for new messages",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := openSession(ctx, false)
		if err != nil {
			return err
		}
		defer s.close()

		tracker, err := s.online(ctx)
		if err != nil {
			return err
		}
		defer tracker.Stop()

		desktop, closeDesktop := s.desktop()
		defer closeDesktop()
		// окна чата нет, поэтому пользователь всегда считается вне фокуса
		fanout, err := s.fanOut(alert.NewLogToaster(s.log), desktop, alert.NewFocus(false))
		if err != nil {
			return err
		}
		if err := fanout.Start(ctx, tui.RoutePeers); err != nil {
			return err
		}
		defer fanout.Stop()

		fmt.Fprintf(cmd.OutOrStdout(), "Watching %d conversations as %s, press Ctrl+C to stop\n",
			len(fanout.Channels()), s.profile.DisplayName())
		<-ctx.Done()
		return nil
	},
}

var onlineCmd = &cobra.Command{
	Use:   "online",
	Short: "Go online and follow who else is online",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := openSession(ctx, false)
		if err != nil {
			return err
		}
		defer s.close()

		tracker, err := s.online(ctx)
		if err != nil {
			return err
		}
		defer tracker.Stop()

		out := cmd.OutOrStdout()
		sub, err := presence.WatchRoster(s.client.Realtime(), s.log, func(r presence.Roster) {
			fmt.Fprintf(out, "%d online: %s\n", r.Count(), strings.Join(r.Names(), ", "))
		})
		if err != nil {
			return err
		}
		defer sub.Unsubscribe()

		<-ctx.Done()
		return nil
	},
}

// runChat - интерактивный режим: присутствие, уведомления и TUI
func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openSession(ctx, true)
	if err != nil {
		return err
	}
	defer s.close()

	tracker, err := s.online(ctx)
	if err != nil {
		return err
	}
	defer tracker.Stop()

	toasts := alert.NewFeed(toastBuffer)
	focus := alert.NewFocus(true)
	desktop, closeDesktop := s.desktop()
	defer closeDesktop()

	fanout, err := s.fanOut(toasts, desktop, focus)
	if err != nil {
		return err
	}
	if err := fanout.Start(ctx, tui.RoutePeers); err != nil {
		return err
	}
	defer fanout.Stop()

	var previewer *chat.LinkPreviewer
	if s.cfg.LinkPreviewURL != "" {
		previewer = chat.NewLinkPreviewer(s.cfg.LinkPreviewURL, s.cfg.RequestTimeout)
	}

	model := tui.New(ctx, tui.Deps{
		Store:           s.client.Documents(),
		Realtime:        s.client.Realtime(),
		Directory:       s.dir,
		FanOut:          fanout,
		Uploader:        s.client.Storage(),
		Previewer:       previewer,
		Toasts:          toasts,
		Focus:           focus,
		Me:              s.me(),
		TypingQuiet:     s.cfg.TypingQuiet,
		AttachmentLimit: s.cfg.AttachmentLimit,
		Log:             s.log,
	})

	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithReportFocus(), tea.WithContext(ctx))
	final, err := p.Run()
	if m, ok := final.(tui.Model); ok {
		m.Close()
	}
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("failed to run UI: %w", err)
	}
	return nil
}
