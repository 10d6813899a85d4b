package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	chatsync "github.com/partybooker/chatsync-go"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// conversations
	conversationsJSON bool

	// open
	openWatch bool
	openJSON  bool

	// support
	supportMessage string

	// guest
	guestName    string
	guestEmail   string
	guestTopic   string
	guestSubject string
	guestMessage string

	// end
	endEmail string
)

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List your conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		userID := requireUserID(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		conversations, err := client.ListConversations(ctx, userID)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if conversationsJSON {
			b, _ := json.MarshalIndent(conversations, "", "  ")
			fmt.Println(string(b))
			return nil
		}

		if len(conversations) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}

		for _, c := range conversations {
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
			}
			name := c.OtherPartyName
			if name == "" {
				name = string(c.Kind)
			}
			fmt.Printf("  %s: %s%s\n", c.ID, name, unread)
			if c.LastMessageContent != "" {
				fmt.Printf("      last: %s\n", c.LastMessageContent)
			}
		}
		return nil
	},
}

// ============================================================================
// open
// ============================================================================

var openCmd = &cobra.Command{
	Use:   "open <conversation-id>",
	Short: "Open a conversation and print its messages",
	Long:  "Open a conversation and print its history. With --watch the command keeps the conversation open and prints new messages and typing updates as they arrive.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		client, cfg := getClient()
		userID := requireUserID(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		conv, err := findConversation(ctx, client, userID, conversationID)
		if err != nil {
			return err
		}

		if openWatch {
			return watchConversation(client, userID, *conv)
		}

		session := chatsync.NewSession(client, userID)
		if err := session.OpenConversation(ctx, *conv); err != nil {
			return fmt.Errorf("open failed: %w", err)
		}

		msgs := session.Store().Snapshot()
		if openJSON {
			b, _ := json.MarshalIndent(msgs, "", "  ")
			fmt.Println(string(b))
			return nil
		}
		if len(msgs) == 0 {
			fmt.Println("No messages yet.")
			return nil
		}
		for _, msg := range msgs {
			printMessage(msg, userID)
		}
		return nil
	},
}

// watchConversation runs the engine until interrupted, printing events.
func watchConversation(client *chatsync.Client, userID string, conv chatsync.Conversation) error {
	engine := chatsync.NewEngine(client, userID)
	defer engine.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := engine.Open(ctx, conv); err != nil {
		return fmt.Errorf("open failed: %w", err)
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	fmt.Printf("Watching conversation %s. Press Ctrl-C to stop.\n", conv.ID)
	seen := 0
	for {
		select {
		case <-interrupt:
			return nil
		case ev, ok := <-engine.Events():
			if !ok {
				return nil
			}
			switch ev.Type {
			case chatsync.EventMessages:
				for _, msg := range ev.Messages[seen:] {
					printMessage(msg, userID)
				}
				seen = len(ev.Messages)
			case chatsync.EventTyping:
				if ev.Typing != nil && ev.Typing.IsTyping {
					fmt.Println("  ... other party is typing")
				}
			}
		}
	}
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a message to a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID, text := args[0], args[1]
		client, cfg := getClient()
		userID := requireUserID(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		conv, err := findConversation(ctx, client, userID, conversationID)
		if err != nil {
			return err
		}

		session := chatsync.NewSession(client, userID)
		if err := session.OpenConversation(ctx, *conv); err != nil {
			return fmt.Errorf("open failed: %w", err)
		}
		msg, err := session.SendMessage(ctx, text)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		fmt.Printf("Message sent to conversation %s\n", conversationID)
		fmt.Printf("  Message ID: %s\n", msg.ID)
		fmt.Printf("  Content:    %s\n", msg.Content)
		return nil
	},
}

// ============================================================================
// support
// ============================================================================

var supportCmd = &cobra.Command{
	Use:   "support",
	Short: "Start a support chat",
	Long:  "Open your support conversation, reusing today's if one exists. With --message the text is sent immediately.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		requireUserID(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		session := chatsync.NewSession(client, cfg.Default.UserID)
		if err := session.StartSupportChat(ctx); err != nil {
			return fmt.Errorf("support chat failed: %w", err)
		}

		conv := session.Conversation()
		fmt.Printf("Support conversation: %s\n", conv.ID)

		if supportMessage != "" {
			if _, err := session.SendMessage(ctx, supportMessage); err != nil {
				return fmt.Errorf("send failed: %w", err)
			}
			fmt.Println("Message sent.")
		}

		for _, msg := range session.Store().Snapshot() {
			printMessage(msg, cfg.Default.UserID)
		}
		return nil
	},
}

// ============================================================================
// guest
// ============================================================================

var guestCmd = &cobra.Command{
	Use:   "guest",
	Short: "Start an anonymous guest support chat",
	Long:  "Start a support chat without an account. Requires --name, --email, --topic, and --subject. The generated reference number is saved to the config for follow-ups.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getGuestClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		session := chatsync.NewSession(client, "")
		if err := session.BeginGuestForm(); err != nil {
			return err
		}

		info := chatsync.GuestInfo{Name: guestName, Email: guestEmail}
		if err := session.StartGuestChat(ctx, info, guestTopic, guestSubject); err != nil {
			return fmt.Errorf("guest chat failed: %w", err)
		}

		conv := session.Conversation()
		fmt.Printf("Guest conversation: %s\n", conv.ID)
		if conv.Guest != nil {
			fmt.Printf("Reference number:   %s\n", conv.Guest.ReferenceNumber)
			cfg.Guest.Name = guestName
			cfg.Guest.Email = guestEmail
			cfg.Guest.Reference = conv.Guest.ReferenceNumber
			if err := saveConfig(cfg); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: could not save reference: %v\n", err)
			}
		}

		if guestMessage != "" {
			if _, err := session.SendMessage(ctx, guestMessage); err != nil {
				return fmt.Errorf("send failed: %w", err)
			}
			fmt.Println("Message sent.")
		}

		for _, msg := range session.Store().Snapshot() {
			printMessage(msg, session.ViewerID())
		}
		return nil
	},
}

// ============================================================================
// end
// ============================================================================

var endCmd = &cobra.Command{
	Use:   "end <conversation-id>",
	Short: "End a support chat",
	Long:  "End a support or guest conversation. The backend emails the transcript to --email.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := client.EndChat(ctx, conversationID, endEmail); err != nil {
			return fmt.Errorf("end chat failed: %w", err)
		}

		fmt.Printf("Conversation %s ended.", conversationID)
		if endEmail != "" {
			fmt.Printf(" Transcript sent to %s.", endEmail)
		}
		fmt.Println()
		return nil
	},
}

// ============================================================================
// Helpers
// ============================================================================

// findConversation resolves a conversation id against the user's list.
func findConversation(ctx context.Context, client *chatsync.Client, userID, conversationID string) (*chatsync.Conversation, error) {
	conversations, err := client.ListConversations(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	for i := range conversations {
		if conversations[i].ID == conversationID {
			return &conversations[i], nil
		}
	}
	return nil, fmt.Errorf("conversation %s not found", conversationID)
}

func printMessage(msg chatsync.Message, viewerID string) {
	sender := msg.SenderID
	if sender == viewerID {
		sender = "you"
	}
	pending := ""
	if msg.Optimistic {
		pending = " (sending)"
	}
	fmt.Printf("[%s] %s: %s%s\n", msg.CreatedAt, sender, msg.Content, pending)
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output raw JSON")

	openCmd.Flags().BoolVar(&openWatch, "watch", false, "Keep the conversation open and print updates")
	openCmd.Flags().BoolVar(&openJSON, "json", false, "Output raw JSON")

	supportCmd.Flags().StringVar(&supportMessage, "message", "", "Message to send after opening")

	guestCmd.Flags().StringVar(&guestName, "name", "", "Your name (required)")
	guestCmd.Flags().StringVar(&guestEmail, "email", "", "Your email address (required)")
	guestCmd.Flags().StringVar(&guestTopic, "topic", "", "Topic category (required)")
	guestCmd.Flags().StringVar(&guestSubject, "subject", "", "Short subject line (required)")
	guestCmd.Flags().StringVar(&guestMessage, "message", "", "Message to send after opening")

	endCmd.Flags().StringVar(&endEmail, "email", "", "Email address to receive the transcript")

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(openCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(supportCmd)
	rootCmd.AddCommand(guestCmd)
	rootCmd.AddCommand(endCmd)
}
