package main

import (
	"context"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/hatch-run/hatch/pkg/client"
	"github.com/hatch-run/hatch/pkg/store"
	"github.com/hatch-run/hatch/pkg/tui"
)

var (
	chatServer    string
	chatSession   string
	chatWorkDir   string
	chatModel     string
	chatMode      string
	chatSkipPerms bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Open a terminal chat against a hatch server",
	Long: `Open a terminal chat against a hatch server.

Without --session a new session is created for the current directory. If
the named session still has a turn running, the chat reattaches and
catches up instead of starting over.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		api := client.New(chatServer)
		ctx := context.Background()

		sessionID := chatSession
		if sessionID == "" {
			workDir := chatWorkDir
			if workDir == "" {
				wd, err := os.Getwd()
				if err != nil {
					return fmt.Errorf("failed to resolve working directory: %w", err)
				}
				workDir = wd
			}
			sess, err := api.CreateSession(ctx, client.CreateSessionRequest{
				WorkDir:         workDir,
				Model:           chatModel,
				Mode:            store.Mode(chatMode),
				SkipPermissions: chatSkipPerms,
			})
			if err != nil {
				return fmt.Errorf("failed to create session: %w", err)
			}
			sessionID = sess.ID
		} else if _, err := api.GetSession(ctx, sessionID); err != nil {
			return fmt.Errorf("failed to open session %s: %w", sessionID, err)
		}

		program := tea.NewProgram(tui.NewApp(api, sessionID), tea.WithReportFocus())
		_, err := program.Run()
		return err
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions on a hatch server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		api := client.New(chatServer)
		sessions, err := api.ListSessions(context.Background())
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Println("No sessions.")
			return nil
		}
		for _, s := range sessions {
			title := s.Title
			if title == "" {
				title = "(untitled)"
			}
			fmt.Printf("%s  %-8s %-50s %s\n", s.ID, s.Mode, title, s.WorkDir)
		}
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{chatCmd, sessionsCmd} {
		c.Flags().StringVar(&chatServer, "server", "http://127.0.0.1:8420", "Hatch server URL")
	}
	chatCmd.Flags().StringVar(&chatSession, "session", "", "Existing session id to reattach")
	chatCmd.Flags().StringVarP(&chatWorkDir, "workdir", "w", "", "Workspace directory for a new session")
	chatCmd.Flags().StringVarP(&chatModel, "model", "m", "", "Model override for a new session")
	chatCmd.Flags().StringVar(&chatMode, "mode", "code", "Interaction mode: code, plan")
	chatCmd.Flags().BoolVar(&chatSkipPerms, "skip-permissions", false, "Skip tool permission prompts")
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(sessionsCmd)
}
