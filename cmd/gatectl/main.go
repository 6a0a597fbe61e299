// Package main is gatectl, the operator CLI for the gateway: configuration
// checks and block list administration.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/af-corp/gaianet-gateway/internal/blocklist"
	"github.com/af-corp/gaianet-gateway/internal/config"
	"github.com/af-corp/gaianet-gateway/internal/ratelimit"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	addr       string
	token      string
	timeout    time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "gatectl",
		Short:         "Operate a GaiaNet chat gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "configs/gateway.yaml", "Path to the gateway configuration file")
	root.PersistentFlags().StringVar(&opts.addr, "addr", "http://localhost:8080", "Gateway base URL for admin calls")
	root.PersistentFlags().StringVar(&opts.token, "token", "", "Admin token (defaults to admin.token from the config)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "Timeout for admin calls")

	root.AddCommand(newValidateCmd(opts), newBlocksCmd(opts))
	return root
}

func newValidateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration for issues and warnings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runValidate(cmd.OutOrStdout(), opts.configPath)
		},
	}
}

// errInvalidConfig is returned when validation finds critical issues.
var errInvalidConfig = errors.New("configuration has critical issues")

func runValidate(out io.Writer, path string) error {
	cfg := config.DefaultConfig()
	if err := config.LoadFile(path, cfg); err != nil {
		return err
	}
	issues, warnings := cfg.Validate()

	fmt.Fprintf(out, "Validating %s\n", path)
	for _, i := range issues {
		fmt.Fprintf(out, "  ISSUE    %s\n", i)
	}
	for _, w := range warnings {
		fmt.Fprintf(out, "  WARNING  %s\n", w)
	}
	if len(issues) > 0 {
		fmt.Fprintf(out, "%d issue(s), %d warning(s)\n", len(issues), len(warnings))
		return errInvalidConfig
	}
	fmt.Fprintf(out, "configuration OK (%d warning(s))\n", len(warnings))
	return nil
}

func newBlocksCmd(opts *options) *cobra.Command {
	blocks := &cobra.Command{
		Use:   "blocks",
		Short: "Inspect and lift rate limit blocks",
	}

	var fromDB bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List blocked clients",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			var (
				entries []ratelimit.BlockEntry
				err     error
			)
			if fromDB {
				entries, err = listFromDB(ctx, opts.configPath)
			} else {
				entries, err = newAdminClient(opts).List(ctx)
			}
			if err != nil {
				return err
			}
			printBlocks(cmd.OutOrStdout(), entries)
			return nil
		},
	}
	list.Flags().BoolVar(&fromDB, "db", false, "Read the durable block list from the database instead of the gateway")

	unblock := &cobra.Command{
		Use:   "unblock CLIENT_ID",
		Short: "Lift the block on a client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			if err := newAdminClient(opts).Unblock(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "unblocked %s\n", args[0])
			return nil
		},
	}

	blocks.AddCommand(list, unblock)
	return blocks
}

func listFromDB(ctx context.Context, path string) ([]ratelimit.BlockEntry, error) {
	cfg := config.DefaultConfig()
	if err := config.LoadFile(path, cfg); err != nil {
		return nil, err
	}
	pool, err := blocklist.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	defer pool.Close()
	return blocklist.NewStore(pool).List(ctx)
}

func printBlocks(out io.Writer, entries []ratelimit.BlockEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(out, "no blocked clients")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CLIENT\tBLOCKED AT\tEXPIRES\tREASON")
	for _, e := range entries {
		expires := "never"
		if !e.ExpiresAt.IsZero() {
			expires = e.ExpiresAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.ClientID, e.BlockedAt.UTC().Format(time.RFC3339), expires, e.Reason)
	}
	tw.Flush()
}

// adminClient calls the gateway admin API.
type adminClient struct {
	base  string
	token string
	http  *http.Client
}

func newAdminClient(opts *options) *adminClient {
	token := opts.token
	if token == "" {
		cfg := config.DefaultConfig()
		if err := config.LoadFile(opts.configPath, cfg); err == nil {
			token = cfg.Admin.Token
		}
	}
	return &adminClient{
		base:  strings.TrimRight(opts.addr, "/"),
		token: token,
		http:  &http.Client{},
	}
}

func (c *adminClient) List(ctx context.Context) ([]ratelimit.BlockEntry, error) {
	resp, err := c.do(ctx, http.MethodGet, "/admin/v1/blocks")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body struct {
		Blocks []ratelimit.BlockEntry `json:"blocks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode blocks: %w", err)
	}
	return body.Blocks, nil
}

func (c *adminClient) Unblock(ctx context.Context, clientID string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/admin/v1/blocks/"+url.PathEscape(clientID))
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *adminClient) do(ctx context.Context, method, path string) (*http.Response, error) {
	if c.token == "" {
		return nil, errors.New("admin token is required (--token or admin.token)")
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call gateway: %w", err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&apiErr)
		if apiErr.Error.Message != "" {
			return nil, fmt.Errorf("gateway returned %d: %s", resp.StatusCode, apiErr.Error.Message)
		}
		return nil, fmt.Errorf("gateway returned %d", resp.StatusCode)
	}
	return resp, nil
}
