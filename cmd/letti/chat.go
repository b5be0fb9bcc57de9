package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	letti "github.com/lettiapp/letti-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <property-id>",
	Short: "Open the chat room for a property",
	Long:  "Connect to the realtime socket, join the property's chat room and talk to the landlord.\nType a message and press enter to send; /quit leaves the room.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		propertyID := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Auth.Token == "" {
			return fmt.Errorf("not logged in, run 'letti login <token>' first")
		}

		client := requireClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		me, err := client.Users.Me(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to fetch profile: %w", err)
		}

		sock := client.Realtime(&letti.SocketConfig{AutoReconnect: true})
		sock.OnDisconnected(func(reason string) {
			fmt.Printf("! disconnected: %s\n", reason)
		})
		sock.OnReconnecting(func(attempt int, delay time.Duration) {
			fmt.Printf("! reconnecting (attempt %d, in %s)\n", attempt, delay)
		})
		sock.OnNewMessage(func(m letti.ChatMessage) {
			if m.Sender.ID == me.ID {
				return
			}
			fmt.Printf("%s: %s\n", m.Sender.DisplayName, m.Content)
		})
		sock.OnTypingStatus(func(p letti.TypingStatusPayload) {
			if p.UserID == me.ID {
				return
			}
			if p.IsTyping {
				fmt.Println("... typing")
			}
		})

		if err := sock.Connect(context.Background()); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		defer sock.Disconnect()

		var store letti.TranscriptStore
		if dir, err := configDir(); err == nil {
			if s, err := letti.OpenSQLiteStore(filepath.Join(dir, "transcripts.db")); err == nil {
				store = s
				defer s.Close()
			}
		}

		room, err := letti.OpenChatRoom(context.Background(), sock, propertyID, letti.ChatOptions{
			Sender: me,
			Store:  store,
			Notify: func(n letti.Notice) {
				fmt.Printf("! %s\n", n.Message)
			},
		})
		if err != nil {
			return fmt.Errorf("failed to open chat room: %w", err)
		}
		defer room.Close(context.Background())

		// Replay cached history.
		for _, entry := range room.Timeline() {
			if entry.DateHeader != "" {
				fmt.Printf("--- %s ---\n", entry.DateHeader)
				continue
			}
			m := entry.Message
			if m.Deleted {
				fmt.Printf("%s: (deleted)\n", m.Sender.DisplayName)
				continue
			}
			fmt.Printf("%s: %s\n", m.Sender.DisplayName, m.Content)
		}

		fmt.Printf("Joined chat for property %s. /quit to leave.\n", propertyID)

		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if line == "/quit" {
				break
			}
			if _, err := room.Send(context.Background(), line); err != nil {
				fmt.Printf("! send failed: %v\n", err)
			}
		}
		return scanner.Err()
	},
}
