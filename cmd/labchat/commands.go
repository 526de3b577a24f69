package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"lab_collab/internal/chat"
	"lab_collab/internal/client"
	"lab_collab/internal/directory"
	"lab_collab/internal/domain"
	"lab_collab/internal/presence"
)

const (
	commandTimeout = 30 * time.Second
	rosterWait     = 3 * time.Second
)

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), commandTimeout)
}

// withSession выполняет команду от имени вошедшего пользователя
func withSession(fn func(ctx context.Context, cmd *cobra.Command, s *session, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		s, err := openSession(ctx, false)
		if err != nil {
			return err
		}
		defer s.close()
		return fn(ctx, cmd, s, args)
	}
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create an account and sign in",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Email == "" || cfg.Password == "" || name == "" {
			return fmt.Errorf("--email, --password and --name are required")
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		log, logFile, err := newLogger(cfg, false)
		if err != nil {
			return err
		}
		c, err := client.New(cfg, log)
		if err != nil {
			return err
		}
		s := &session{cfg: cfg, log: log, client: c, dir: directory.New(c.Documents(), log), logFile: logFile}
		defer s.close()

		if _, err := c.Auth().Register(ctx, cfg.Email, cfg.Password, name); err != nil {
			return fmt.Errorf("failed to register: %w", err)
		}
		user, err := c.Auth().SignIn(ctx, cfg.Email, cfg.Password)
		if err != nil {
			return fmt.Errorf("failed to sign in: %w", err)
		}
		profile, err := s.dir.EnsureProfile(ctx, user.ID.String(), user.DisplayName, user.Email)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Registered %s (%s)\n", profile.DisplayName(), profile.UID)
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in with --email and --password and remember the session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Email == "" || cfg.Password == "" {
			return fmt.Errorf("--email and --password are required")
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		log, logFile, err := newLogger(cfg, false)
		if err != nil {
			return err
		}
		c, err := client.New(cfg, log)
		if err != nil {
			return err
		}
		s := &session{cfg: cfg, log: log, client: c, dir: directory.New(c.Documents(), log), logFile: logFile}
		defer s.close()

		user, err := c.Auth().SignIn(ctx, cfg.Email, cfg.Password)
		if err != nil {
			return fmt.Errorf("failed to sign in: %w", err)
		}
		profile, err := s.dir.EnsureProfile(ctx, user.ID.String(), user.DisplayName, user.Email)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s\n", profile.DisplayName())
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Revoke the stored session",
	Args:  cobra.NoArgs,
	RunE: withSession(func(ctx context.Context, cmd *cobra.Command, s *session, _ []string) error {
		if err := s.client.Auth().SignOut(ctx); err != nil {
			return fmt.Errorf("failed to sign out: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
		return nil
	}),
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed in profile",
	Args:  cobra.NoArgs,
	RunE: withSession(func(_ context.Context, cmd *cobra.Command, s *session, _ []string) error {
		p := s.profile
		fmt.Fprintf(cmd.OutOrStdout(), "%s <%s>\nid:   %s\nrole: %s\n", p.DisplayName(), p.Email, p.UID, p.Role)
		return nil
	}),
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Update your name, photo or role",
	Args:  cobra.NoArgs,
	RunE: withSession(func(ctx context.Context, cmd *cobra.Command, s *session, _ []string) error {
		var upd directory.ProfileUpdate
		flags := cmd.Flags()
		if flags.Changed("name") {
			v, _ := flags.GetString("name")
			upd.Name = &v
		}
		if flags.Changed("photo-url") {
			v, _ := flags.GetString("photo-url")
			upd.PhotoURL = &v
		}
		if flags.Changed("role") {
			v, _ := flags.GetString("role")
			upd.Role = &v
		}
		if upd == (directory.ProfileUpdate{}) {
			return fmt.Errorf("nothing to update: pass --name, --photo-url or --role")
		}
		if err := s.dir.UpdateProfile(ctx, s.profile.UID, upd); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Profile updated")
		return nil
	}),
}

// currentRoster ждет первое значение списка присутствия
func currentRoster(s *session) (presence.Roster, bool) {
	got := make(chan presence.Roster, 1)
	sub, err := presence.WatchRoster(s.client.Realtime(), s.log, func(r presence.Roster) {
		select {
		case got <- r:
		default:
		}
	})
	if err != nil {
		return presence.Roster{}, false
	}
	defer sub.Unsubscribe()
	select {
	case r := <-got:
		return r, true
	case <-time.After(rosterWait):
		return presence.Roster{}, false
	}
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List lab members and who is online",
	Args:  cobra.NoArgs,
	RunE: withSession(func(ctx context.Context, cmd *cobra.Command, s *session, _ []string) error {
		peers, err := s.dir.ListPeers(ctx, s.profile.UID)
		if err != nil {
			return err
		}
		roster, known := currentRoster(s)
		online := make(map[string]bool, roster.Count())
		for _, m := range roster.Online {
			online[m.UID] = true
		}

		out := cmd.OutOrStdout()
		for _, p := range peers {
			state := "?"
			if known {
				state = "○"
				if online[p.UID] {
					state = "●"
				}
			}
			fmt.Fprintf(out, "%s %-24s %-28s %s\n", state, p.DisplayName(), p.Email, p.UID)
		}
		if known {
			fmt.Fprintf(out, "%d online\n", roster.Count())
		}
		return nil
	}),
}

func printMessage(out io.Writer, m domain.Message, conv *chat.Conversation) {
	who := conv.Peer().Name
	if m.SenderID == conv.Me().ID {
		who = "You"
	}
	when := "pending"
	if m.CreatedAt != nil {
		when = m.CreatedAt.Local().Format("2006-01-02 15:04")
	}
	var flags []string
	if m.IsPinned {
		flags = append(flags, "pinned")
	}
	if m.IsEdited {
		flags = append(flags, "edited")
	}
	if m.SenderID == conv.Me().ID && m.IsRead {
		flags = append(flags, "read")
	}
	suffix := ""
	if len(flags) > 0 {
		suffix = " (" + strings.Join(flags, ", ") + ")"
	}

	fmt.Fprintf(out, "[%s] %s %s%s\n", m.ID, when, who, suffix)
	if m.ReplyTo != nil {
		fmt.Fprintf(out, "    > %s: %s\n", m.ReplyTo.SenderName, m.ReplyTo.Text)
	}
	if m.Text != "" {
		fmt.Fprintf(out, "    %s\n", m.Text)
	}
	if m.Attachment != nil {
		fmt.Fprintf(out, "    [%s] %s\n", m.Attachment.Type, m.Attachment.Name)
	}
	if len(m.Reactions) > 0 {
		var parts []string
		for _, rc := range chat.GroupReactions(m.Reactions, m.ReactedAt) {
			parts = append(parts, fmt.Sprintf("%s %d", rc.Emoji, rc.Count))
		}
		fmt.Fprintf(out, "    %s\n", strings.Join(parts, "  "))
	}
}

var historyCmd = &cobra.Command{
	Use:   "history <member>",
	Short: "Print the conversation with a lab member",
	Args:  cobra.ExactArgs(1),
	RunE: withSession(func(ctx context.Context, cmd *cobra.Command, s *session, args []string) error {
		conv, err := s.conversation(ctx, args[0])
		if err != nil {
			return err
		}
		defer conv.Close()

		messages := conv.Messages()
		if q, _ := cmd.Flags().GetString("search"); q != "" {
			messages = chat.Search(messages, q)
		}
		if pinned, _ := cmd.Flags().GetBool("pinned"); pinned {
			messages = chat.Pinned(messages)
		}
		if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 && len(messages) > limit {
			messages = messages[len(messages)-limit:]
		}
		out := cmd.OutOrStdout()
		for _, m := range messages {
			printMessage(out, m, conv)
		}
		return nil
	}),
}

func findMessage(conv *chat.Conversation, id string) (*domain.Message, error) {
	for _, m := range conv.Messages() {
		if m.ID == id {
			m := m
			return &m, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", chat.ErrMessageNotFound, id)
}

var sendCmd = &cobra.Command{
	Use:   "send <member> [text...]",
	Short: "Send a message, an attachment or a sticker",
	Args:  cobra.MinimumNArgs(1),
	RunE: withSession(func(ctx context.Context, cmd *cobra.Command, s *session, args []string) error {
		conv, err := s.conversation(ctx, args[0])
		if err != nil {
			return err
		}
		defer conv.Close()
		flags := cmd.Flags()

		if stickerID, _ := flags.GetString("sticker"); stickerID != "" {
			sticker, ok := chat.FindSticker(stickerID)
			if !ok {
				return fmt.Errorf("unknown sticker %q, see `labchat stickers`", stickerID)
			}
			id, err := chat.NewComposer(conv, nil).SendSticker(ctx, sticker)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		}

		draft := chat.Draft{Text: strings.Join(args[1:], " ")}
		if replyID, _ := flags.GetString("reply"); replyID != "" {
			if draft.ReplyTo, err = findMessage(conv, replyID); err != nil {
				return err
			}
		}
		if path, _ := flags.GetString("attach"); path != "" {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", path, err)
			}
			name := filepath.Base(path)
			if provider, _ := flags.GetString("upload"); provider != "" {
				draft.Attachment, err = chat.UploadAttachment(ctx, s.client.Storage(), provider, s.profile.UID, name, "", data, s.cfg.AttachmentLimit)
			} else {
				draft.Attachment, err = chat.NewAttachment(name, "", data, s.cfg.AttachmentLimit)
			}
			if err != nil {
				return err
			}
		}

		id, err := conv.Send(ctx, draft)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	}),
}

// messageCommand - команда над одним сообщением переписки
func messageCommand(use, short string, nargs int, fn func(ctx context.Context, conv *chat.Conversation, id string, rest []string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.MinimumNArgs(nargs),
		RunE: withSession(func(ctx context.Context, cmd *cobra.Command, s *session, args []string) error {
			conv, err := s.conversation(ctx, args[0])
			if err != nil {
				return err
			}
			defer conv.Close()
			return fn(ctx, conv, args[1], args[2:])
		}),
	}
}

var reactCmd = messageCommand("react <member> <message-id> <emoji>", "Toggle your reaction on a message", 3,
	func(ctx context.Context, conv *chat.Conversation, id string, rest []string) error {
		return conv.ToggleReaction(ctx, id, rest[0])
	})

var pinCmd = messageCommand("pin <member> <message-id>", "Pin or unpin a message", 2,
	func(ctx context.Context, conv *chat.Conversation, id string, _ []string) error {
		return conv.TogglePin(ctx, id)
	})

var editCmd = messageCommand("edit <member> <message-id> <text...>", "Edit one of your messages", 3,
	func(ctx context.Context, conv *chat.Conversation, id string, rest []string) error {
		return conv.Edit(ctx, id, strings.Join(rest, " "))
	})

var deleteCmd = messageCommand("delete <member> <message-id>", "Delete one of your messages", 2,
	func(ctx context.Context, conv *chat.Conversation, id string, _ []string) error {
		return conv.Delete(ctx, id)
	})

var stickersCmd = &cobra.Command{
	Use:   "stickers",
	Short: "List available stickers",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		for _, s := range chat.Stickers {
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", s.ID, s.Name)
		}
	},
}

func init() {
	registerCmd.Flags().String("name", "", "display name")

	profileCmd.Flags().String("name", "", "display name")
	profileCmd.Flags().String("photo-url", "", "avatar URL")
	profileCmd.Flags().String("role", "", "role in the lab")

	historyCmd.Flags().String("search", "", "only messages containing this text")
	historyCmd.Flags().Bool("pinned", false, "only pinned messages")
	historyCmd.Flags().Int("limit", 0, "only the last N messages")

	sendCmd.Flags().String("reply", "", "id of the message to reply to")
	sendCmd.Flags().String("attach", "", "file to attach")
	sendCmd.Flags().String("upload", "", "upload the attachment to this storage provider (local, postgres) instead of inlining it")
	sendCmd.Flags().String("sticker", "", "send a sticker by id")
}
