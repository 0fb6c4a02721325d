package main

import (
	"context"
	"errors"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kubeflow/data-catalog/pkg/adapters"
	"github.com/kubeflow/data-catalog/pkg/catalog"
)

func newAdminCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Administer a catalog database directly",
	}
	cmd.AddCommand(newInitializeDatabaseCmd(c))
	cmd.AddCommand(newCollapseCmd(c))
	cmd.AddCommand(newTreeCmd(c))
	return cmd
}

func newInitializeDatabaseCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "initialize-database <database-uri>",
		Short: "Create the catalog schema in an empty database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.initialize(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}
}

func newCollapseCmd(c *cli) *cobra.Command {
	var (
		spec string
		path string
	)
	cmd := &cobra.Command{
		Use:   "collapse <database-uri>",
		Short: "Move the children of containers up one level and drop the containers",
		Long: `Collapse containers: each child moves up to the container's parent and
the emptied container is deleted.

With --path a single container is collapsed. With --spec every container
whose children all carry that spec is collapsed, one transaction each;
a failure stops the run and reports what was already done.`,
		Example: `  catalog admin collapse --spec BlueskyEventStream sqlite:///catalog.db
  catalog admin collapse --path raw/2024 postgresql://localhost/catalog`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (spec == "") == (path == "") {
				return errors.New("exactly one of --spec or --path is required")
			}
			return c.collapse(cmd.Context(), cmd.OutOrStdout(), args[0], spec, path)
		},
	}
	cmd.Flags().StringVar(&spec, "spec", "", "Collapse every container whose children all carry this spec")
	cmd.Flags().StringVar(&path, "path", "", "Collapse the container at this path")
	return cmd
}

func (c *cli) collapse(ctx context.Context, w io.Writer, uri, spec, path string) error {
	format, err := c.outputFormat()
	if err != nil {
		return err
	}
	mgr, err := c.openDatabase(uri)
	if err != nil {
		return err
	}
	defer mgr.Close()
	cat, err := c.openCatalog(ctx, mgr)
	if err != nil {
		return err
	}

	var res *catalog.CollapseResult
	if spec != "" {
		res, err = cat.CollapseBySpec(ctx, spec)
	} else {
		res, err = cat.Collapse(ctx, path)
	}
	if res != nil {
		if perr := printOutput(w, format, res,
			[]string{"collapsed", "moved"},
			[][]string{{strconv.Itoa(res.Collapsed), strconv.Itoa(res.Moved)}},
		); perr != nil {
			return perr
		}
	}
	return err
}

// treeEntry is one child in the output of admin tree.
type treeEntry struct {
	Key             string   `json:"key" yaml:"key"`
	StructureFamily string   `json:"structure_family" yaml:"structure_family"`
	Specs           []string `json:"specs,omitempty" yaml:"specs,omitempty"`
	DataSources     int      `json:"data_sources" yaml:"data_sources"`
	Assets          int      `json:"assets" yaml:"assets"`
	Size            int64    `json:"size" yaml:"size"`
}

func newTreeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "tree <database-uri> [path]",
		Short: "List the children of a node with their data sizes",
		Long: `List the children of the node at path (the root by default) with their
data sources and the total size of their assets. Sizes come from the
recorded asset size or, for local files, from the file itself.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 2 {
				path = args[1]
			}
			return c.tree(cmd.Context(), cmd.OutOrStdout(), args[0], path)
		},
	}
}

func (c *cli) tree(ctx context.Context, w io.Writer, uri, path string) error {
	format, err := c.outputFormat()
	if err != nil {
		return err
	}
	mgr, err := c.openDatabase(uri)
	if err != nil {
		return err
	}
	defer mgr.Close()
	cat, err := c.openCatalog(ctx, mgr)
	if err != nil {
		return err
	}

	entries := []treeEntry{}
	req := catalog.PageRequest{Limit: cat.Config().MaxPageLimit, Sort: []catalog.SortKey{{Field: "key"}}}
	for {
		page, err := cat.List(ctx, path, req)
		if err != nil {
			return err
		}
		for _, n := range page.Items {
			entries = append(entries, summarize(n))
		}
		if page.Next == nil {
			break
		}
		req.Offset = *page.Next
	}

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			e.Key,
			e.StructureFamily,
			truncate(strings.Join(e.Specs, ","), 40),
			strconv.Itoa(e.DataSources),
			strconv.Itoa(e.Assets),
			humanize.Bytes(uint64(e.Size)),
		})
	}
	return printOutput(w, format, entries,
		[]string{"key", "family", "specs", "sources", "assets", "size"}, rows)
}

func summarize(n *catalog.Node) treeEntry {
	e := treeEntry{
		Key:             n.Key,
		StructureFamily: n.StructureFamily,
		DataSources:     len(n.DataSources),
	}
	for _, s := range n.Specs {
		e.Specs = append(e.Specs, s.Name)
	}
	for _, ds := range n.DataSources {
		for _, a := range ds.Assets {
			e.Assets++
			e.Size += assetSize(a.Asset)
		}
	}
	return e
}

func assetSize(a catalog.Asset) int64 {
	if a.Size != nil {
		return *a.Size
	}
	path, err := adapters.LocalPath(a.DataURI)
	if err != nil {
		return 0
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return 0
	}
	return info.Size()
}
