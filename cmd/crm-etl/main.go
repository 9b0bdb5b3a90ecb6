// Command crm-etl exports one CRM module through the Bulk Read API and
// appends it to a Snowflake table.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/Sternrassler/crm-bulk-etl/pkg/archive"
	"github.com/Sternrassler/crm-bulk-etl/pkg/auth"
	"github.com/Sternrassler/crm-bulk-etl/pkg/client"
	"github.com/Sternrassler/crm-bulk-etl/pkg/extract"
	"github.com/Sternrassler/crm-bulk-etl/pkg/history"
	"github.com/Sternrassler/crm-bulk-etl/pkg/logging"
	"github.com/Sternrassler/crm-bulk-etl/pkg/metrics"
	"github.com/Sternrassler/crm-bulk-etl/pkg/pipeline"
	"github.com/Sternrassler/crm-bulk-etl/pkg/warehouse"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := newViper()
	var configFile string

	root := &cobra.Command{
		Use:           "crm-etl",
		Short:         "Bulk export a CRM module into the warehouse",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(c *cobra.Command, args []string) error {
			if configFile == "" {
				return nil
			}
			v.SetConfigFile(configFile)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return fmt.Errorf("read config %s: %w", configFile, err)
			}
			return nil
		},
		RunE: func(c *cobra.Command, args []string) error {
			s, err := loadSettings(v)
			if err != nil {
				return err
			}
			logger := logging.Setup(s.Logging)

			ctx, stop := signal.NotifyContext(c.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			report, err := run(ctx, s)
			if s.PushgatewayURL != "" {
				pushErr := metrics.Push(context.WithoutCancel(ctx), metrics.PushConfig{
					URL:      s.PushgatewayURL,
					Grouping: map[string]string{"module": s.Extract.Module},
				})
				if pushErr != nil {
					logger.Warn().Err(pushErr).Msg("Could not push metrics")
				}
			}
			if err != nil {
				logger.Error().Err(err).Str("run_id", report.RunID).Msg("ETL run failed")
				return err
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configFile, "config", "", "YAML config file")
	addFlags(root)
	if err := bindFlags(v, root); err != nil {
		panic(err)
	}

	root.AddCommand(newRunsCmd(v))
	return root
}

// newRunsCmd lists the run history of a module.
func newRunsCmd(v *viper.Viper) *cobra.Command {
	var limit int

	c := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs of a module",
		RunE: func(c *cobra.Command, args []string) error {
			path := v.GetString("history_db")
			if path == "" {
				return fmt.Errorf("history_db is required")
			}
			module := v.GetString("module")
			if module == "" {
				return fmt.Errorf("module is required")
			}

			store, err := history.Open(c.Context(), path)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(c.Context(), module, limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(c.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tSTARTED\tMODE\tOUTCOME\tSTOP\tROWS")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
					r.ID, r.StartedAt.Format(time.RFC3339), r.Mode, r.Outcome, r.Stop, r.Rows)
			}
			return w.Flush()
		},
	}
	c.Flags().IntVar(&limit, "limit", 20, "Number of runs to show")
	return c
}

// run opens the warehouse and executes one pipeline run.
func run(ctx context.Context, s *settings) (pipeline.Report, error) {
	db, err := warehouse.OpenSnowflake(ctx, s.Snowflake)
	if err != nil {
		return pipeline.Report{}, err
	}
	defer db.Close()

	loader, err := warehouse.NewSQLLoader(db, warehouse.DefaultConfig())
	if err != nil {
		return pipeline.Report{}, err
	}

	p, cleanup, err := buildPipeline(ctx, s, loader)
	if err != nil {
		return pipeline.Report{}, err
	}
	defer cleanup()

	return p.Run(ctx)
}

// buildPipeline wires authentication, the CRM client, the extraction driver
// and the optional stages around loader.
func buildPipeline(ctx context.Context, s *settings, loader warehouse.Loader) (*pipeline.Pipeline, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*pipeline.Pipeline, func(), error) {
		cleanup()
		return nil, func() {}, err
	}

	logger := logging.NewLogger(logging.ComponentMain)

	var rdb *redis.Client
	var store auth.TokenStore = auth.NewMemoryStore()
	if s.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: s.RedisAddr})
		closers = append(closers, func() { rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fail(fmt.Errorf("connect redis %s: %w", s.RedisAddr, err))
		}
		logger.Info().Str("addr", s.RedisAddr).Msg("Connected to Redis")
		store = auth.NewRedisStore(rdb)
	}

	tokens, err := auth.NewSource(s.Auth, store, logging.NewLogger(logging.ComponentAuth))
	if err != nil {
		return fail(err)
	}

	// authenticate before the first job is created
	token, err := tokens.Token(ctx)
	if err != nil {
		return fail(fmt.Errorf("authenticate: %w", err))
	}

	apiDomain := s.APIDomain
	if apiDomain == "" {
		apiDomain = token.APIDomain
	}
	if apiDomain == "" {
		apiDomain = client.DefaultAPIDomain
	}

	cc := client.DefaultConfig(tokens, s.UserAgent)
	cc.APIDomain = apiDomain
	cc.Redis = rdb
	cc.RateLimit = s.RateLimit
	crm, err := client.New(cc)
	if err != nil {
		return fail(err)
	}

	driver, err := extract.NewDriver(crm, s.Extract)
	if err != nil {
		return fail(err)
	}

	pc := pipeline.Config{
		Module:    s.Extract.Module,
		Table:     s.Table,
		Full:      s.Extract.Full,
		Strategy:  s.Extract.Strategy,
		Extractor: driver,
		Loader:    loader,
	}

	if s.S3Bucket != "" {
		archiver, err := archive.NewS3Archiver(archive.Config{
			Bucket: s.S3Bucket,
			Region: s.S3Region,
			Prefix: s.S3Prefix,
		})
		if err != nil {
			return fail(err)
		}
		pc.Archiver = archiver
	}

	if s.HistoryDB != "" {
		hs, err := history.Open(ctx, s.HistoryDB)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() { hs.Close() })
		pc.History = hs
	}

	p, err := pipeline.New(pc)
	if err != nil {
		return fail(err)
	}

	logStartup(logger, s, apiDomain)
	return p, cleanup, nil
}

func logStartup(logger zerolog.Logger, s *settings, apiDomain string) {
	logger.Info().
		Str("module", s.Extract.Module).
		Str("strategy", string(s.Extract.Strategy)).
		Bool("full", s.Extract.Full).
		Int("period_days", s.Extract.PeriodDays).
		Str("api_domain", apiDomain).
		Str("table", s.Table).
		Bool("archive", s.S3Bucket != "").
		Bool("history", s.HistoryDB != "").
		Msg("Pipeline configured")
}
