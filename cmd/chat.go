package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/sagedesk/sage/internal/conversation"
)

var (
	chatCustomer string
	chatProduct  string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive support conversation",
	Long: `Chat starts a conversation in which every user turn first retrieves the
most relevant stored documentation and grounds the model's answer in it.

Commands inside the chat:
  /history   show the conversation so far
  /end       end the conversation, archive the transcript and exit`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatCustomer, "customer", "", "customer name (optional)")
	chatCmd.Flags().StringVar(&chatProduct, "product", "", "product ID scoping context retrieval")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	conv, err := a.manager.Create(chatCustomer, chatProduct, nil)
	if err != nil {
		return err
	}

	fmt.Printf("Conversation %s started", conv.ID)
	if conv.CustomerName != "" {
		fmt.Printf(" for %s", conv.CustomerName)
	}
	if conv.ProductID != "" {
		fmt.Printf(" (product %s)", conv.ProductID)
	}
	fmt.Println(". Type /end to finish.")

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		switch input {
		case "/end":
			if err := a.manager.End(ctx, conv.ID); err != nil {
				return err
			}
			fmt.Println("Conversation ended and archived.")
			return nil
		case "/history":
			printHistory(a, conv.ID)
			continue
		}

		reply, err := chatTurn(ctx, a, conv.ID, input)
		if err != nil {
			return err
		}
		fmt.Println(reply)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	// EOF without /end still closes the conversation cleanly.
	if err := a.manager.End(ctx, conv.ID); err != nil {
		return err
	}
	fmt.Println("\nConversation ended and archived.")
	return nil
}

// chatTurn runs one full turn: record the user message, refresh the retrieved
// context for it, assemble the prompt and generate the reply.
func chatTurn(ctx context.Context, a *app, convID uuid.UUID, input string) (string, error) {
	if err := a.manager.AddMessage(convID, conversation.RoleUser, input, nil); err != nil {
		return "", err
	}

	if _, err := a.manager.RetrieveRelevantContext(ctx, convID, input); err != nil {
		return "", err
	}

	messages, err := a.manager.ChatContext(convID)
	if err != nil {
		return "", err
	}

	response, err := genkit.Generate(ctx, a.genkit,
		ai.WithModelName(a.cfg.ModelName),
		ai.WithMessages(messages...),
	)
	if err != nil {
		return "", fmt.Errorf("generating reply: %w", err)
	}

	reply := response.Text()
	if err := a.manager.AddMessage(convID, conversation.RoleAssistant, reply, nil); err != nil {
		return "", err
	}
	return reply, nil
}

func printHistory(a *app, convID uuid.UUID) {
	messages, err := a.manager.History(convID, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "history: %v\n", err)
		return
	}
	if len(messages) == 0 {
		fmt.Println("(no messages yet)")
		return
	}
	for _, msg := range messages {
		fmt.Printf("[%s] %s: %s\n",
			msg.Timestamp.Format("15:04:05"), strings.ToUpper(string(msg.Role)), msg.Content)
	}
}
