// Command lesc is the les client: it formats user input into a Query,
// sends it to lesd over the local socket, and renders results. See
// spec.md §6 for the CLI surface this command implements.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"les/internal/config"
	"les/internal/protocol"
	"les/internal/query"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("LES")
	v.AutomaticEnv()

	var interactive bool

	cmd := &cobra.Command{
		Use:   "lesc [pattern]",
		Short: "query the les daemon for file names",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			cliCfg, err := config.LoadClientConfig(v)
			if err != nil {
				return err
			}

			q, err := buildQuery(cmd, args)
			if err != nil {
				return err
			}

			if interactive {
				return runInteractive(cliCfg.SocketPath, q)
			}
			return runOnce(cliCfg.SocketPath, q)
		},
	}

	flags := cmd.Flags()
	flags.String("mode", "substring", "pattern mode: substring, glob, or regex")
	flags.Bool("files-only", false, "only match files")
	flags.Bool("dirs-only", false, "only match directories")
	flags.Uint64("min-size", 0, "minimum size in bytes (inclusive)")
	flags.Uint64("max-size", 0, "maximum size in bytes (inclusive)")
	flags.Int64("min-mtime", 0, "minimum modification time, seconds since epoch (inclusive)")
	flags.Int64("max-mtime", 0, "maximum modification time, seconds since epoch (inclusive)")
	flags.StringSlice("roots", nil, "restrict results to entries under this root (repeatable)")
	flags.StringSlice("exclude", nil, "substring to exclude from results (repeatable)")
	flags.String("content", "", "substring to search for in file contents")
	flags.Int("limit", query.DefaultLimit, "maximum number of results")
	flags.String("socket", config.DefaultSocket, "path to the daemon's unix socket")
	flags.BoolVar(&interactive, "interactive", false, "read patterns from stdin in a loop until an empty line")

	return cmd
}

func buildQuery(cmd *cobra.Command, args []string) (query.Query, error) {
	flags := cmd.Flags()

	filesOnly, _ := flags.GetBool("files-only")
	dirsOnly, _ := flags.GetBool("dirs-only")
	if filesOnly && dirsOnly {
		return query.Query{}, fmt.Errorf("lesc: --files-only and --dirs-only are mutually exclusive")
	}

	mode, _ := flags.GetString("mode")
	roots, _ := flags.GetStringSlice("roots")
	excludes, _ := flags.GetStringSlice("exclude")
	content, _ := flags.GetString("content")
	limit, _ := flags.GetInt("limit")

	q := query.Query{
		Mode:      query.Mode(mode),
		FilesOnly: filesOnly,
		DirsOnly:  dirsOnly,
		Roots:     roots,
		Excludes:  excludes,
		Content:   content,
		Limit:     limit,
	}
	if len(args) == 1 {
		q.Pattern = args[0]
	}

	if v, _ := flags.GetUint64("min-size"); v != 0 {
		q.MinSize = &v
	}
	if v, _ := flags.GetUint64("max-size"); v != 0 {
		q.MaxSize = &v
	}
	if v, _ := flags.GetInt64("min-mtime"); v != 0 {
		q.MinMTime = &v
	}
	if v, _ := flags.GetInt64("max-mtime"); v != 0 {
		q.MaxMTime = &v
	}
	return q, nil
}

func runOnce(sock string, q query.Query) error {
	resp, err := send(sock, q)
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("lesc: %s", resp.Error)
	}
	printResults(resp)
	return nil
}

// runInteractive reads patterns from stdin in a loop until an empty line,
// reusing every flag from q (mode, roots, excludes, size/mtime bounds,
// content, limit) for each query and replacing only Pattern per line.
func runInteractive(sock string, q query.Query) error {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("les> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := scanner.Text()
		if line == "" {
			return nil
		}
		lineQuery := q
		lineQuery.Pattern = line
		resp, err := send(sock, lineQuery)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			continue
		}
		if !resp.OK {
			fmt.Fprintln(os.Stderr, resp.Error)
			continue
		}
		printResults(resp)
	}
}

func send(sock string, q query.Query) (protocol.Response, error) {
	conn, err := net.DialTimeout("unix", sock, 5*time.Second)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("lesc: connect to %s: %w", sock, err)
	}
	defer conn.Close()

	req := protocol.Request{Op: protocol.OpQuery, Query: q}
	b, err := json.Marshal(req)
	if err != nil {
		return protocol.Response{}, err
	}
	b = append(b, '\n')
	if _, err := conn.Write(b); err != nil {
		return protocol.Response{}, fmt.Errorf("lesc: write request: %w", err)
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return protocol.Response{}, fmt.Errorf("lesc: read response: %w", err)
	}
	var resp protocol.Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return protocol.Response{}, fmt.Errorf("lesc: decode response: %w", err)
	}
	return resp, nil
}

func printResults(resp protocol.Response) {
	for _, e := range resp.Entries {
		fmt.Printf("%s\t%d\t%d\t%s\n", e.Kind, e.Size, e.ModTime, e.Path)
	}
	if resp.Truncated {
		fmt.Fprintln(os.Stderr, "(results truncated)")
	}
}
