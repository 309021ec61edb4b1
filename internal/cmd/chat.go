package cmd

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tetherhq/tether/internal/acphost"
	"github.com/tetherhq/tether/internal/appdir"
	"github.com/tetherhq/tether/internal/controller"
	"github.com/tetherhq/tether/internal/conversation"
	"github.com/tetherhq/tether/internal/logging"
	"github.com/tetherhq/tether/internal/providers"
	"github.com/tetherhq/tether/internal/store"
)

var (
	chatProvider     string
	chatDir          string
	chatConversation string
	chatProjectPath  string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start or resume an interactive conversation with an agent",
	Long: `Chat starts an agent session bound to a working directory and reads
prompts from stdin. With --conversation, an existing conversation is
resumed: its history is shown and, when the agent supports session
loading, the agent-side session is restored as well.

Interactive commands: /restart replaces the session, /quit exits.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatProvider, "provider", "p", "claude", "Provider id to launch (see providers.yaml)")
	chatCmd.Flags().StringVarP(&chatDir, "dir", "d", "", "Working directory for the agent (default: current directory)")
	chatCmd.Flags().StringVarP(&chatConversation, "conversation", "c", "", "Conversation id to resume (default: a new conversation)")
	chatCmd.Flags().StringVar(&chatProjectPath, "project-path", "", "Project path passed through to the agent runtime")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	log := logging.CLI()

	workingDir := chatDir
	if workingDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to resolve working directory: %w", err)
		}
		workingDir = wd
	}
	workingDir, err := filepath.Abs(workingDir)
	if err != nil {
		return fmt.Errorf("failed to resolve working directory: %w", err)
	}
	if info, err := os.Stat(workingDir); err != nil || !info.IsDir() {
		return fmt.Errorf("not a directory: %s", workingDir)
	}

	convDir, err := appdir.ConversationsDir()
	if err != nil {
		return err
	}
	st, err := store.NewStore(convDir)
	if err != nil {
		return err
	}
	defer st.Close()

	providersPath, err := appdir.ProvidersPath()
	if err != nil {
		return err
	}
	registry, err := providers.NewRegistry(providersPath)
	if err != nil {
		return err
	}
	watcher, err := providers.NewWatcher(registry, logging.Providers(), nil)
	if err != nil {
		log.Warn("provider reloading disabled", "error", err)
	} else {
		watcher.Start()
		defer watcher.Close()
	}

	runtime := acphost.New(acphost.Config{
		Registry:    registry,
		Store:       st,
		AutoApprove: autoApprove,
		OnEvent:     printLiveEvent,
	})
	defer runtime.Close()

	conversationID := chatConversation
	if conversationID == "" {
		conversationID = uuid.NewString()
		fmt.Printf("Conversation: %s\n", conversationID)
	}

	ctrl := controller.New(controller.Config{
		Runtime:        runtime,
		ConversationID: conversationID,
		ProviderID:     chatProvider,
		WorkingDir:     workingDir,
		ProjectPath:    chatProjectPath,
	})
	defer ctrl.Close()

	ctx := cmd.Context()
	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}

	for _, msg := range ctrl.Messages() {
		printMessage(msg)
	}

	if sess := ctrl.Session(); sess != nil && sess.Resumed != nil && *sess.Resumed {
		fmt.Println("(resumed agent session)")
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch line {
		case "/quit", "/exit":
			return nil
		case "/restart":
			if err := ctrl.Restart(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "restart failed: %v\n", err)
			} else {
				fmt.Println("(session restarted)")
			}
			continue
		}

		if err := ctrl.Transport().Send(ctx, line); err != nil {
			fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
			continue
		}
		fmt.Println()
	}
	return scanner.Err()
}

// printLiveEvent renders one streamed event to stdout as it arrives.
func printLiveEvent(sessionKey string, ev conversation.HistoryEvent) {
	switch ev.Type {
	case conversation.EventAgentMessageChunk:
		fmt.Print(ev.Text)
	case conversation.EventAgentThoughtChunk:
		// Thoughts stream inline but marked so they read apart from the answer.
		fmt.Printf("\x1b[2m%s\x1b[0m", ev.Text)
	case conversation.EventToolCall:
		fmt.Printf("\n[%s] %s\n", ev.ToolStatus, ev.ToolName)
	case conversation.EventToolCallUpdate:
		if ev.ToolStatus != "" {
			fmt.Printf("[%s] %s\n", ev.ToolStatus, ev.ToolCallID)
		}
	}
}

// printMessage renders one stored message.
func printMessage(msg conversation.Message) {
	prefix := "agent"
	if msg.Role == conversation.RoleUser {
		prefix = "you"
	}
	for _, part := range msg.Parts {
		switch part.Type {
		case conversation.PartTypeText:
			fmt.Printf("%s: %s\n", prefix, part.Text)
		case conversation.PartTypeReasoning:
			fmt.Printf("%s (thinking): %s\n", prefix, part.Text)
		case conversation.PartTypeToolInvocation:
			fmt.Printf("%s [tool %s: %s]\n", prefix, part.ToolName, part.State)
		}
	}
}
