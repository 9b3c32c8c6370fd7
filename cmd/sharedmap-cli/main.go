// Command sharedmap-cli is a thin HTTP client for sharedmapd, addressing a
// session by its explicit ID.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var serverAddr string

	root := &cobra.Command{
		Use:   "sharedmap-cli",
		Short: "sharedmap-cli talks to a sharedmapd session over HTTP",
	}
	root.PersistentFlags().StringVar(&serverAddr, "server", "http://127.0.0.1:8080", "sharedmapd base URL")

	root.AddCommand(
		newAttachCommand(&serverAddr),
		newSetCommand(&serverAddr),
		newGetCommand(&serverAddr),
		newDeleteCommand(&serverAddr),
		newClearCommand(&serverAddr),
		newEntriesCommand(&serverAddr),
		newMetricsCommand(&serverAddr),
	)
	return root
}

func newAttachCommand(addr *string) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "attach",
		Short: "attach a new session, minting an id if one isn't given",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, _ := json.Marshal(map[string]any{"id": id})
			resp, err := http.Post(*addr+"/attach", "application/json", bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("post %s/attach: %w", *addr, err)
			}
			defer resp.Body.Close()
			return printResponse(resp)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "session id to attach (minted if omitted)")
	return cmd
}

func newSetCommand(addr *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <session> <key> <value>",
		Short: "set a key's value in a session",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var value any = args[2]
			if err := json.Unmarshal([]byte(args[2]), &value); err != nil {
				value = args[2] // not valid JSON: treat it as a plain string
			}
			body, _ := json.Marshal(map[string]any{"key": args[1], "value": value})
			return postAndPrint(*addr, args[0], "set", body)
		},
	}
	return cmd
}

func newDeleteCommand(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session> <key>",
		Short: "delete a key from a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, _ := json.Marshal(map[string]any{"key": args[1]})
			return postAndPrint(*addr, args[0], "delete", body)
		},
	}
}

func newClearCommand(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <session>",
		Short: "clear every key in a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postAndPrint(*addr, args[0], "clear", nil)
		},
	}
}

func newGetCommand(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <session> <key>",
		Short: "get a key's value from a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			url := fmt.Sprintf("%s/%s/get?key=%s", *addr, args[0], args[1])
			return getAndPrint(url)
		},
	}
}

func newEntriesCommand(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "entries <session>",
		Short: "list every entry in a session, in insertion order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getAndPrint(fmt.Sprintf("%s/%s/entries", *addr, args[0]))
		},
	}
}

func newMetricsCommand(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "fetch the sequencer-wide metrics snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return getAndPrint(fmt.Sprintf("%s/metrics", *addr))
		},
	}
}

func postAndPrint(base, session, op string, body []byte) error {
	url := fmt.Sprintf("%s/%s/%s", base, session, op)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func getAndPrint(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func printResponse(resp *http.Response) error {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server responded %d: %s", resp.StatusCode, string(raw))
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}
