package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"k8s.io/client-go/kubernetes"

	"github.com/kubeflow/data-catalog/pkg/audit"
	"github.com/kubeflow/data-catalog/pkg/authz"
	"github.com/kubeflow/data-catalog/pkg/catalog"
	"github.com/kubeflow/data-catalog/pkg/catalog/policy"
	"github.com/kubeflow/data-catalog/pkg/ha"
	"github.com/kubeflow/data-catalog/pkg/server"
)

// Policy names accepted by --policy. Several may be combined with commas,
// in which case every one of them must admit a node.
const (
	policyNone   = "none"
	policySimple = "simple"
	policyRemote = "remote"
)

func newServeCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the catalog over HTTP",
		Long: `Serve the catalog over HTTP until interrupted.

Pending schema migrations are applied at startup. Identities come from
the X-Remote-User and X-Remote-Group headers set by an authenticating
proxy, or from bearer tokens when CATALOG_AUTH_MODE=jwt.

Access policies:
  none     everything is visible to everyone
  simple   path grants read from --policy-file, reloaded when it changes
  remote   every node decision is delegated to the CATALOG_AUTHZ_MODE authorizer

Mutating requests are recorded in the audit log unless
CATALOG_AUDIT_ENABLED=false. Expired events are purged by one replica,
chosen through a Kubernetes Lease when CATALOG_LEADER_ELECTION_ENABLED=true.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.serve(ctx)
		},
	}

	defaults := server.ConfigFromEnv()
	cmd.Flags().String("listen-addr", defaults.ListenAddr, "Address to listen on")
	cmd.Flags().String("database-uri", "", "Database URI (sqlite:///path, postgresql://..., mysql://...)")
	cmd.Flags().String("policy", policyNone, "Access policy: none, simple, remote or a comma-separated stack")
	cmd.Flags().String("policy-file", "", "Grants file for the simple policy")
	cmd.Flags().Int("policy-concurrency", policy.DefaultConcurrency, "Concurrent checks per listing for the remote policy")
	cmd.Flags().Bool("no-migrate", false, "Skip applying pending migrations at startup")
	return cmd
}

func (c *cli) serve(ctx context.Context) error {
	mgr, err := c.openDatabase(c.vip.GetString("database-uri"))
	if err != nil {
		return err
	}
	defer mgr.Close()

	if !c.vip.GetBool("no-migrate") {
		applied, err := mgr.Migrate(ctx)
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		c.logger.Info("database schema up to date", "applied", applied, "dialect", mgr.Dialect())
	}

	authzCfg, err := authz.ConfigFromEnv()
	if err != nil {
		return err
	}
	pol, err := c.buildPolicy(ctx, authzCfg)
	if err != nil {
		return err
	}
	cat, err := c.openCatalog(ctx, mgr, catalog.WithPolicy(pol))
	if err != nil {
		return err
	}

	verifier, err := authzCfg.NewVerifier(c.logger)
	if err != nil {
		return fmt.Errorf("token verifier: %w", err)
	}
	auditCfg, err := audit.ConfigFromEnv()
	if err != nil {
		return err
	}
	haCfg, err := ha.ConfigFromEnv()
	if err != nil {
		return err
	}

	srvCfg := server.ConfigFromEnv()
	srvCfg.ListenAddr = c.vip.GetString("listen-addr")
	opts := []server.Option{
		server.WithLogger(c.logger),
		server.WithTokenVerifier(verifier),
	}
	if authzCfg.Mode != authz.AuthzModeNone && authzCfg.Mode != "" {
		requests, err := authz.NewAuthorizer(authzCfg, c.logger)
		if err != nil {
			return err
		}
		opts = append(opts, server.WithAuthorizer(requests))
	}
	var auditStore *audit.Store
	if auditCfg.Enabled {
		auditStore = audit.NewStore(mgr)
		opts = append(opts, server.WithAudit(auditStore, auditCfg))
	}
	srv := server.New(cat, srvCfg, opts...)

	g, ctx := errgroup.WithContext(ctx)
	if auditStore != nil && auditCfg.RetentionDays > 0 {
		elector, err := c.newElector(haCfg)
		if err != nil {
			return err
		}
		worker := audit.NewRetentionWorker(auditStore, auditCfg, c.logger.With("component", "audit-retention"))
		g.Go(func() error { return elector.Run(ctx, worker.Run) })
	}
	g.Go(func() error {
		c.logger.Info("starting catalog server", "version", version, "listen", srvCfg.ListenAddr, "policy", c.vip.GetString("policy"))
		return srv.ListenAndServe(ctx)
	})
	return g.Wait()
}

func (c *cli) newElector(cfg *ha.Config) (*ha.Elector, error) {
	var client kubernetes.Interface
	if cfg.Enabled {
		var err error
		if client, err = ha.InClusterClient(); err != nil {
			return nil, err
		}
	}
	return ha.NewElector(cfg, client, c.logger.With("component", "leader-election"))
}

// buildPolicy assembles the policies named by --policy. A single policy is
// used as is; several are stacked.
func (c *cli) buildPolicy(ctx context.Context, authzCfg *authz.Config) (catalog.AccessPolicy, error) {
	opts := []policy.Option{
		policy.WithSlogHandler(c.logger.Handler()),
		policy.WithConcurrency(c.vip.GetInt("policy-concurrency")),
	}

	var members []catalog.AccessPolicy
	for _, name := range strings.Split(c.vip.GetString("policy"), ",") {
		switch strings.TrimSpace(name) {
		case policyNone, "":
			members = append(members, policy.AllowAll{})
		case policySimple:
			file := c.vip.GetString("policy-file")
			if file == "" {
				return nil, errors.New("the simple policy needs --policy-file")
			}
			p, err := policy.LoadSimple(file, opts...)
			if err != nil {
				return nil, err
			}
			if err := p.Watch(ctx); err != nil {
				return nil, fmt.Errorf("watch %s: %w", file, err)
			}
			members = append(members, p)
		case policyRemote:
			a, err := authz.NewAuthorizer(authzCfg, c.logger)
			if err != nil {
				return nil, err
			}
			members = append(members, policy.NewRemote(a, opts...))
		default:
			return nil, fmt.Errorf("unknown policy %q (expected none, simple or remote)", name)
		}
	}
	if len(members) == 1 {
		return members[0], nil
	}
	c.logger.Debug("stacking access policies", "count", len(members))
	return policy.NewStack(members...), nil
}
