package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kubeflow/data-catalog/pkg/audit"
	"github.com/kubeflow/data-catalog/pkg/catalog"
)

func newRemoteCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Query a running catalog server",
		Long: `Query a running catalog server over its HTTP API.

Requests carry the --token bearer token when set, otherwise --user as the
X-Remote-User header.`,
	}
	cmd.PersistentFlags().String("server", "http://localhost:8000", "Catalog server URL")
	cmd.PersistentFlags().String("user", "", "User name sent as X-Remote-User")
	cmd.PersistentFlags().String("token", "", "Bearer token")

	cmd.AddCommand(newRemoteHealthCmd(c))
	cmd.AddCommand(newRemoteListCmd(c))
	cmd.AddCommand(newRemoteGetCmd(c))
	cmd.AddCommand(newRemoteAuditCmd(c))
	return cmd
}

func (c *cli) remoteClient() *remoteClient {
	return newRemoteClient(c.vip.GetString("server"), c.vip.GetString("user"), c.vip.GetString("token"))
}

func newRemoteHealthCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check server liveness and readiness; fails when not ready",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.remoteHealth(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func (c *cli) remoteHealth(ctx context.Context, w io.Writer) error {
	format, err := c.outputFormat()
	if err != nil {
		return err
	}
	client := c.remoteClient()

	var live map[string]any
	if err := client.getJSON(ctx, "/healthz", nil, &live); err != nil {
		return fmt.Errorf("server unreachable: %w", err)
	}
	var ready map[string]any
	readyErr := client.getJSON(ctx, "/readyz", nil, &ready)
	readiness := "ready"
	if readyErr != nil {
		readiness = "not_ready"
	}

	status, _ := live["status"].(string)
	uptime, _ := live["uptime"].(string)
	if err := printOutput(w, format,
		map[string]string{"liveness": status, "uptime": uptime, "readiness": readiness},
		[]string{"check", "status"},
		[][]string{{"liveness", status}, {"uptime", uptime}, {"readiness", readiness}},
	); err != nil {
		return err
	}
	if readyErr != nil {
		return fmt.Errorf("server not ready: %w", readyErr)
	}
	return nil
}

func newRemoteListCmd(c *cli) *cobra.Command {
	var (
		filters []string
		sort    string
		limit   int
		offset  int
	)
	cmd := &cobra.Command{
		Use:     "ls [path]",
		Short:   "List the children of a node",
		Example: `  catalog remote ls raw --filter 'color = "red"' --sort -time_created`,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			q := url.Values{}
			for _, f := range filters {
				q.Add("filter", f)
			}
			if sort != "" {
				q.Set("sort", sort)
			}
			if limit > 0 {
				q.Set("page[limit]", strconv.Itoa(limit))
			}
			if offset > 0 {
				q.Set("page[offset]", strconv.Itoa(offset))
			}
			return c.remoteList(cmd.Context(), cmd.OutOrStdout(), path, q)
		},
	}
	cmd.Flags().StringArrayVar(&filters, "filter", nil, "Filter expression; repeat to combine")
	cmd.Flags().StringVar(&sort, "sort", "", "Comma-separated sort keys; prefix with - to descend")
	cmd.Flags().IntVar(&limit, "limit", 0, "Page size (server default when 0)")
	cmd.Flags().IntVar(&offset, "offset", 0, "Page offset")
	return cmd
}

func (c *cli) remoteList(ctx context.Context, w io.Writer, path string, q url.Values) error {
	format, err := c.outputFormat()
	if err != nil {
		return err
	}
	route := "/api/v1/list/"
	if len(q["filter"]) > 0 {
		route = "/api/v1/search/"
	}
	var page catalog.Page
	if err := c.remoteClient().getJSON(ctx, route+escapePath(path), q, &page); err != nil {
		return err
	}
	if page.Items == nil {
		page.Items = []*catalog.Node{}
	}

	rows := make([][]string, 0, len(page.Items))
	for _, n := range page.Items {
		rows = append(rows, []string{
			n.Key,
			n.StructureFamily,
			truncate(specNames(n.Specs), 40),
			n.TimeUpdated.Format(time.RFC3339),
		})
	}
	return printOutput(w, format, page, []string{"key", "family", "specs", "updated"}, rows)
}

func newRemoteGetCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "get <path>",
		Short: "Show one node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.remoteGet(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}
}

func (c *cli) remoteGet(ctx context.Context, w io.Writer, path string) error {
	format, err := c.outputFormat()
	if err != nil {
		return err
	}
	var node catalog.Node
	if err := c.remoteClient().getJSON(ctx, "/api/v1/metadata/"+escapePath(path), nil, &node); err != nil {
		return err
	}
	full := strings.Join(append(append([]string{}, node.Ancestors...), node.Key), "/")
	rows := [][]string{
		{"path", full},
		{"family", node.StructureFamily},
		{"specs", specNames(node.Specs)},
		{"metadata keys", strconv.Itoa(len(node.Metadata))},
		{"data sources", strconv.Itoa(len(node.DataSources))},
		{"updated", node.TimeUpdated.Format(time.RFC3339)},
	}
	return printOutput(w, format, node, []string{"field", "value"}, rows)
}

func newRemoteAuditCmd(c *cli) *cobra.Command {
	var (
		filter audit.Filter
		limit  int
		token  string
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recorded catalog mutations, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			for k, v := range map[string]string{
				"actor": filter.Actor, "action": filter.Action,
				"outcome": filter.Outcome, "path": filter.Path, "page_token": token,
			} {
				if v != "" {
					q.Set(k, v)
				}
			}
			if limit > 0 {
				q.Set("page_size", strconv.Itoa(limit))
			}
			return c.remoteAudit(cmd.Context(), cmd.OutOrStdout(), q)
		},
	}
	cmd.Flags().StringVar(&filter.Actor, "actor", "", "Only events by this user")
	cmd.Flags().StringVar(&filter.Action, "action", "", "Only this action, for example move or delete")
	cmd.Flags().StringVar(&filter.Outcome, "outcome", "", "Only success, denied or failure")
	cmd.Flags().StringVar(&filter.Path, "path", "", "Only events on this node and its descendants")
	cmd.Flags().IntVar(&limit, "limit", 0, "Page size")
	cmd.Flags().StringVar(&token, "page-token", "", "Continue from a previous page")
	return cmd
}

type auditPage struct {
	Events        []audit.Event `json:"events" yaml:"events"`
	NextPageToken string        `json:"next_page_token,omitempty" yaml:"next_page_token,omitempty"`
	Total         int64         `json:"total" yaml:"total"`
}

func (c *cli) remoteAudit(ctx context.Context, w io.Writer, q url.Values) error {
	format, err := c.outputFormat()
	if err != nil {
		return err
	}
	var page auditPage
	if err := c.remoteClient().getJSON(ctx, "/api/v1/audit/events", q, &page); err != nil {
		return err
	}
	rows := make([][]string, 0, len(page.Events))
	for _, e := range page.Events {
		rows = append(rows, []string{
			e.CreatedAt.Format(time.RFC3339),
			e.Actor,
			e.Action,
			truncate(e.NodePath, 40),
			e.Outcome,
			strconv.Itoa(e.StatusCode),
		})
	}
	if err := printOutput(w, format, page,
		[]string{"time", "actor", "action", "path", "outcome", "status"}, rows); err != nil {
		return err
	}
	if format == outputTable && page.NextPageToken != "" {
		fmt.Fprintf(w, "\nMore events: --page-token %s\n", page.NextPageToken)
	}
	return nil
}

func specNames(specs catalog.Specs) string {
	names := make([]string, 0, len(specs))
	for _, s := range specs {
		names = append(names, s.Name)
	}
	return strings.Join(names, ",")
}
