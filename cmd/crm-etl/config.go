package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/crm-bulk-etl/pkg/auth"
	"github.com/Sternrassler/crm-bulk-etl/pkg/client"
	"github.com/Sternrassler/crm-bulk-etl/pkg/extract"
	"github.com/Sternrassler/crm-bulk-etl/pkg/logging"
	"github.com/Sternrassler/crm-bulk-etl/pkg/warehouse"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// envPrefix makes every key settable as CRMETL_<KEY>, e.g. CRMETL_CLIENT_SECRET.
const envPrefix = "CRMETL"

// Flag binds a persistent flag to a viper key.
type Flag struct {
	Key      string
	DefValue interface{}
	Usage    string
}

var flags = map[string]Flag{
	"module":           {Key: "module", DefValue: "", Usage: "CRM module API name, e.g. Leads"},
	"full":             {Key: "full", DefValue: false, Usage: "Export every record instead of the last period"},
	"periodDays":       {Key: "period_days", DefValue: 7, Usage: "Days back for incremental exports"},
	"timezone":         {Key: "timezone", DefValue: "Local", Usage: "Time zone of the date cutoff"},
	"createdColumn":    {Key: "created_column", DefValue: client.DefaultCreatedColumn, Usage: "Creation timestamp field"},
	"updatedColumn":    {Key: "updated_column", DefValue: client.DefaultUpdatedColumn, Usage: "Modification timestamp field"},
	"fields":           {Key: "fields", DefValue: "", Usage: "Comma separated fields to export (default: all)"},
	"strategy":         {Key: "strategy", DefValue: string(extract.StrategyPage), Usage: "Pagination strategy: page or token"},
	"pollInterval":     {Key: "poll_interval", DefValue: time.Duration(0), Usage: "Status poll interval (default: 60s full, 10s incremental)"},
	"cooldown":         {Key: "cooldown", DefValue: extract.DefaultCooldown, Usage: "Pause between job creations"},
	"maxPolls":         {Key: "max_polls", DefValue: 0, Usage: "Max status polls per job (0 = unbounded)"},
	"pollTimeout":      {Key: "poll_timeout", DefValue: time.Duration(0), Usage: "Max monitoring time per job (0 = unbounded)"},
	"maxInFlight":      {Key: "max_in_flight", DefValue: extract.DefaultMaxInFlight, Usage: "Concurrent jobs in token mode"},
	"trustEarlyStatus": {Key: "trust_early_status", DefValue: false, Usage: "Continue from a next_page_token seen before COMPLETED"},
	"createAttempts":   {Key: "create_attempts", DefValue: 1, Usage: "Attempts per job creation"},
	"clientId":         {Key: "client_id", DefValue: "", Usage: "OAuth client id"},
	"clientSecret":     {Key: "client_secret", DefValue: "", Usage: "OAuth client secret"},
	"refreshToken":     {Key: "refresh_token", DefValue: "", Usage: "OAuth refresh token"},
	"accountsUrl":      {Key: "accounts_url", DefValue: auth.DefaultAccountsURL, Usage: "OAuth accounts server"},
	"apiDomain":        {Key: "api_domain", DefValue: "", Usage: "CRM API domain (default: from the token)"},
	"userAgent":        {Key: "user_agent", DefValue: "crm-bulk-etl/0.1.0", Usage: "User-Agent header"},
	"rateLimit":        {Key: "rate_limit", DefValue: 5.0, Usage: "Client side requests per second (0 = unlimited)"},
	"redisAddr":        {Key: "redis_addr", DefValue: "", Usage: "Redis address for token cache and credit state (optional)"},
	"table":            {Key: "table", DefValue: "", Usage: "Destination table (default: data_<module>_consolidado)"},
	"sfAccount":        {Key: "snowflake_account", DefValue: "", Usage: "Snowflake account"},
	"sfUser":           {Key: "snowflake_user", DefValue: "", Usage: "Snowflake user"},
	"sfPassword":       {Key: "snowflake_password", DefValue: "", Usage: "Snowflake password"},
	"sfDatabase":       {Key: "snowflake_database", DefValue: "", Usage: "Snowflake database"},
	"sfSchema":         {Key: "snowflake_schema", DefValue: "", Usage: "Snowflake schema"},
	"sfWarehouse":      {Key: "snowflake_warehouse", DefValue: "", Usage: "Snowflake warehouse"},
	"sfRole":           {Key: "snowflake_role", DefValue: "", Usage: "Snowflake role"},
	"s3Bucket":         {Key: "s3_bucket", DefValue: "", Usage: "S3 bucket for raw payloads (optional)"},
	"s3Region":         {Key: "s3_region", DefValue: "eu-west-1", Usage: "S3 region"},
	"s3Prefix":         {Key: "s3_prefix", DefValue: "crm-bulk", Usage: "S3 key prefix"},
	"historyDb":        {Key: "history_db", DefValue: "", Usage: "SQLite file for run history (optional)"},
	"pushgatewayUrl":   {Key: "pushgateway_url", DefValue: "", Usage: "Prometheus Pushgateway (optional)"},
	"logLevel":         {Key: "log_level", DefValue: string(logging.LevelInfo), Usage: "Log level"},
	"logPretty":        {Key: "log_pretty", DefValue: false, Usage: "Human readable logs"},
}

// addFlags registers every flag on root as a persistent flag.
func addFlags(root *cobra.Command) {
	pf := root.PersistentFlags()
	for name, f := range flags {
		switch def := f.DefValue.(type) {
		case string:
			pf.String(name, def, f.Usage)
		case bool:
			pf.Bool(name, def, f.Usage)
		case int:
			pf.Int(name, def, f.Usage)
		case float64:
			pf.Float64(name, def, f.Usage)
		case time.Duration:
			pf.Duration(name, def, f.Usage)
		default:
			panic(fmt.Sprintf("flag %s: unsupported default %T", name, def))
		}
	}
}

// bindFlags binds the persistent flags of root to v.
func bindFlags(v *viper.Viper, root *cobra.Command) error {
	for name, f := range flags {
		if err := v.BindPFlag(f.Key, root.PersistentFlags().Lookup(name)); err != nil {
			return err
		}
		v.SetDefault(f.Key, f.DefValue)
	}
	return nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// settings is the validated configuration of one run.
type settings struct {
	Extract   extract.Config
	Auth      auth.Config
	APIDomain string
	UserAgent string
	RateLimit float64
	RedisAddr string

	Table     string
	Snowflake warehouse.SnowflakeConfig

	S3Bucket string
	S3Region string
	S3Prefix string

	HistoryDB      string
	PushgatewayURL string

	Logging logging.Config
}

func loadSettings(v *viper.Viper) (*settings, error) {
	module := v.GetString("module")
	if module == "" {
		return nil, fmt.Errorf("module is required")
	}

	loc, err := time.LoadLocation(v.GetString("timezone"))
	if err != nil {
		return nil, fmt.Errorf("timezone: %w", err)
	}

	strategy := extract.Strategy(strings.ToLower(v.GetString("strategy")))
	if strategy != extract.StrategyPage && strategy != extract.StrategyToken {
		return nil, fmt.Errorf("unknown strategy %q (want page or token)", strategy)
	}

	ec := extract.DefaultConfig(module)
	ec.Full = v.GetBool("full")
	ec.PeriodDays = v.GetInt("period_days")
	ec.Location = loc
	ec.CreatedColumn = v.GetString("created_column")
	ec.UpdatedColumn = v.GetString("updated_column")
	ec.Fields = splitList(v.GetString("fields"))
	ec.Strategy = strategy
	ec.PollInterval = v.GetDuration("poll_interval")
	ec.Cooldown = v.GetDuration("cooldown")
	ec.MaxPolls = v.GetInt("max_polls")
	ec.PollTimeout = v.GetDuration("poll_timeout")
	ec.MaxInFlight = v.GetInt("max_in_flight")
	ec.TrustEarlyStatus = v.GetBool("trust_early_status")
	ec.CreateRetry.MaxAttempts = v.GetInt("create_attempts")

	if !ec.Full && ec.PeriodDays < 0 {
		return nil, fmt.Errorf("period_days must be >= 0 (got %d)", ec.PeriodDays)
	}
	if ec.CreateRetry.MaxAttempts < 1 {
		return nil, fmt.Errorf("create_attempts must be >= 1 (got %d)", ec.CreateRetry.MaxAttempts)
	}

	s := &settings{
		Extract: ec,
		Auth: auth.Config{
			AccountsURL:  v.GetString("accounts_url"),
			ClientID:     v.GetString("client_id"),
			ClientSecret: v.GetString("client_secret"),
			RefreshToken: v.GetString("refresh_token"),
		},
		APIDomain: v.GetString("api_domain"),
		UserAgent: v.GetString("user_agent"),
		RateLimit: v.GetFloat64("rate_limit"),
		RedisAddr: v.GetString("redis_addr"),
		Table:     v.GetString("table"),
		Snowflake: warehouse.SnowflakeConfig{
			Account:   v.GetString("snowflake_account"),
			User:      v.GetString("snowflake_user"),
			Password:  v.GetString("snowflake_password"),
			Database:  v.GetString("snowflake_database"),
			Schema:    v.GetString("snowflake_schema"),
			Warehouse: v.GetString("snowflake_warehouse"),
			Role:      v.GetString("snowflake_role"),
		},
		S3Bucket:       v.GetString("s3_bucket"),
		S3Region:       v.GetString("s3_region"),
		S3Prefix:       v.GetString("s3_prefix"),
		HistoryDB:      v.GetString("history_db"),
		PushgatewayURL: v.GetString("pushgateway_url"),
		Logging:        logging.DefaultConfig(),
	}
	s.Logging.Level = logging.LogLevel(v.GetString("log_level"))
	s.Logging.Pretty = v.GetBool("log_pretty")
	if s.Table == "" {
		s.Table = warehouse.DefaultTable(module)
	}
	return s, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
