package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kalambet/docq/internal/chat"
	"github.com/kalambet/docq/internal/client"
	"github.com/kalambet/docq/internal/config"
	"github.com/kalambet/docq/internal/stream"
	"github.com/kalambet/docq/internal/watch"
)

// --- upload ---

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Upload a document and create a chat for it",
	Long: `Upload a document for indexing. The service streams its progress and
creates a new chat bound to the document once processing completes.

Examples:
  docq upload report.pdf
  docq upload notes.txt`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening file: %w", err)
		}
		defer f.Close()

		ctx := cmd.Context()
		body, err := c.Upload(ctx, filepath.Base(args[0]), f)
		if err != nil {
			return err
		}
		defer body.Close()

		finished, err := drainIngestion(body)
		if err != nil {
			return err
		}
		printSuccess("Created chat %s for %s", finished.ID, finished.Title)
		return nil
	},
}

// drainIngestion reads an upload stream, narrating progress, until a terminal
// frame arrives.
func drainIngestion(body io.Reader) (chat.Chat, error) {
	dec := stream.NewDecoder()
	buf := make([]byte, 4096)
	for {
		n, readErr := body.Read(buf)
		events := dec.Feed(buf[:n])
		if readErr == io.EOF {
			events = append(events, dec.Flush()...)
		}
		for _, ev := range events {
			switch e := ev.(type) {
			case stream.StepEvent:
				printStep("[%s] %s", e.Step, e.Message)
			case stream.ErrorEvent:
				return chat.Chat{}, fmt.Errorf("processing failed: %s", e.Message)
			case stream.CompleteEvent:
				return e.Chat, nil
			}
		}
		if readErr == io.EOF {
			return chat.Chat{}, errors.New("the stream ended without a result")
		}
		if readErr != nil {
			return chat.Chat{}, readErr
		}
	}
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask a question about a document",
	Long: `Ask a question against a chat's document. Without a question argument an
interactive prompt opens against the most recent chat.

Examples:
  docq ask "What were the Q3 results?"
  docq ask --chat 4f1f... "Who are the authors?"
  docq ask`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		chatFlag, _ := cmd.Flags().GetString("chat")
		target, err := resolveChat(ctx, c, chatFlag)
		if err != nil {
			return err
		}

		if len(args) == 0 {
			return runRepl(ctx, c, target, cfg.Query.TopK)
		}
		return askOnce(ctx, c, target, args[0], cfg.Query.TopK)
	},
}

func init() {
	askCmd.Flags().String("chat", "", "chat id to ask in (default: most recent)")
}

// resolveChat picks the target chat: an explicit id, or the newest one.
func resolveChat(ctx context.Context, c *client.Client, chatFlag string) (chat.ChatID, error) {
	if chatFlag != "" {
		return chat.DurableID(chatFlag), nil
	}
	chats, err := c.ListChats(ctx)
	if err != nil {
		return chat.ChatID{}, err
	}
	if len(chats) == 0 {
		return chat.ChatID{}, errors.New("no chats yet; upload a document first")
	}
	printStatus("Chat", "%s (%s)", chats[0].Title, chats[0].ID)
	return chats[0].ID, nil
}

func askOnce(ctx context.Context, c *client.Client, id chat.ChatID, question string, k int) error {
	body, err := c.Query(ctx, id, question, k)
	if err != nil {
		return err
	}
	defer body.Close()

	if err := streamAnswer(body, os.Stdout); err != nil {
		return err
	}
	return nil
}

// streamAnswer prints answer fragments as they arrive and a context summary
// when retrieval results come in.
func streamAnswer(body io.Reader, out io.Writer) error {
	dec := stream.NewDecoder()
	buf := make([]byte, 4096)
	wrote := false
	for {
		n, readErr := body.Read(buf)
		events := dec.Feed(buf[:n])
		if readErr == io.EOF {
			events = append(events, dec.Flush()...)
		}
		for _, ev := range events {
			switch e := ev.(type) {
			case stream.ContextEvent:
				printStep("Retrieved %d context chunks", len(e.Chunks))
			case stream.ChunkEvent:
				fmt.Fprint(out, e.Content)
				wrote = true
			}
		}
		if readErr == io.EOF {
			if wrote {
				fmt.Fprintln(out)
			}
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

// --- chats ---

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "Manage document chats",
}

var chatsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all chats, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		chats, err := c.ListChats(cmd.Context())
		if err != nil {
			return err
		}
		if len(chats) == 0 {
			fmt.Println("No chats yet. Upload a document to start one.")
			return nil
		}
		for _, ch := range chats {
			fmt.Printf("%s  %s  %s\n",
				colorize(colorCyan, shortID(ch.ID.String())),
				ch.CreatedAt,
				ch.Title,
			)
		}
		return nil
	},
}

var chatsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a chat transcript as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		detail, err := c.GetChat(cmd.Context(), chat.DurableID(args[0]))
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(detail)
	},
}

var chatsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a chat (and its document if nothing else references it)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		result, err := c.DeleteChat(cmd.Context(), chat.DurableID(args[0]))
		if err != nil {
			return err
		}
		if result.DocumentDeleted {
			printSuccess("Deleted chat %s and its document", result.ChatID)
		} else {
			printSuccess("Deleted chat %s", result.ChatID)
		}
		return nil
	},
}

func init() {
	chatsCmd.AddCommand(chatsListCmd)
	chatsCmd.AddCommand(chatsShowCmd)
	chatsCmd.AddCommand(chatsDeleteCmd)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// --- auth ---

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage the service API key",
}

var authSetCmd = &cobra.Command{
	Use:   "set <api-key>",
	Short: "Validate and store the API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		c := client.New(cfg.Server.BaseURL, key)
		if err := c.ValidateKey(cmd.Context()); err != nil {
			if errors.Is(err, client.ErrUnauthorized) {
				return errors.New("the service rejected this API key")
			}
			return fmt.Errorf("validating key: %w", err)
		}

		if err := config.SetAPIKey(key); err != nil {
			return fmt.Errorf("storing key: %w", err)
		}
		printSuccess("API key validated and stored")
		return nil
	},
}

var authValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the stored API key against the service",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		if err := c.ValidateKey(cmd.Context()); err != nil {
			if errors.Is(err, client.ErrUnauthorized) {
				return errors.New("the stored API key is no longer valid")
			}
			return err
		}
		printSuccess("API key is valid")
		return nil
	},
}

var authClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the stored API key",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.ClearAPIKey(); err != nil {
			return fmt.Errorf("clearing key: %w", err)
		}
		printSuccess("API key cleared")
		return nil
	},
}

func init() {
	authCmd.AddCommand(authSetCmd)
	authCmd.AddCommand(authValidateCmd)
	authCmd.AddCommand(authClearCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

// --- watch ---

var watchCmd = &cobra.Command{
	Use:   "watch <dir>",
	Short: "Auto-upload documents dropped into a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		workers, _ := cmd.Flags().GetInt("workers")
		s := newWatchSession(c)
		w := watch.New(s, watch.Options{Workers: workers})

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		printStep("Watching %s (ctrl-c to stop)", args[0])
		if err := w.Run(ctx, args[0]); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	watchCmd.Flags().Int("workers", 2, "maximum concurrent uploads")
}
