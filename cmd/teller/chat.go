package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/teller/internal/core/domain"
	"github.com/tjfontaine/teller/pkg/teller"
)

type submitFunc func(ctx context.Context, req teller.SubmitRequest) (*teller.SubmitResponse, error)

func runChat(cmd *cobra.Command, args []string) error {
	threadID, _ := cmd.Flags().GetString("thread")
	customerID, _ := cmd.Flags().GetString("customer")
	local, _ := cmd.Flags().GetBool("local")

	// Logs go to stderr.
	t, _, cleanup, err := setup(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer cleanup()
	defer t.Shutdown(context.Background())

	submit := t.Submit
	if local {
		if !t.Config().Local.Enabled {
			return fmt.Errorf("--local needs local.enabled in the configuration")
		}
		submit = t.SubmitLocal
	}
	return chatLoop(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), submit, threadID, customerID)
}

// chatLoop reads one message per line and prints each reply. It returns when
// in is exhausted or the user types /exit.
func chatLoop(ctx context.Context, in io.Reader, out io.Writer, submit submitFunc, threadID, customerID string) error {
	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, "> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			fmt.Fprint(out, "> ")
			continue
		case "/exit", "/quit":
			return nil
		case "/thread":
			fmt.Fprintln(out, threadID)
			fmt.Fprint(out, "> ")
			continue
		}

		resp, err := submit(ctx, teller.SubmitRequest{ThreadID: threadID, Text: line, CustomerID: customerID})
		if err != nil {
			fmt.Fprintf(out, "error: %s\n", domain.AsTurnError(err).UserMessage())
			fmt.Fprint(out, "> ")
			continue
		}
		threadID = resp.ThreadID
		fmt.Fprintln(out, resp.Response)
		fmt.Fprint(out, "> ")
	}
	return scanner.Err()
}
