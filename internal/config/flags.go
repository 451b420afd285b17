package config

import (
	"github.com/spf13/pflag"

	"github.com/dreamware/pingd/internal/logger"
)

// BindCoordinatorFlags declares the coordinator flags with defaults from d.
func BindCoordinatorFlags(fs *pflag.FlagSet, d Coordinator) {
	fs.String(FileFlag, "", "path to a YAML config file")
	fs.String("listen", d.Listen, "HTTP listen address")
	fs.String("inventory", d.Inventory, "YAML file of nodes known at startup")
	fs.String("auth-token-file", d.AuthTokenFile, "file holding the bearer token sent with probes")
	fs.String("ca-file", d.CAFile, "CA bundle for probing agents over HTTPS")
	fs.Duration("ping-interval", d.PingInterval, "period of the sweep scheduler")
	fs.Duration("stale-after", d.StaleAfter, "re-probe nodes not heard from for this long")
	fs.Duration("probe-timeout", d.ProbeTimeout, "per-node probe timeout")
	fs.Duration("sync-timeout", d.SyncTimeout, "default bound for /sync")
	fs.Duration("slow-threshold", d.SlowThreshold, "warn when a merge or dispatch takes longer, 0 disables")
	fs.Int("failure-threshold", d.FailureThreshold, "consecutive failed probes before a node is DOWN")
	fs.Int("batch-size", d.BatchSize, "max nodes per probe batch")
	fs.Int("probe-concurrency", d.ProbeConcurrency, "max probes in flight across all batches")
	bindEtcdFlags(fs, d.Etcd)
	bindLogFlags(fs, d.Log)
}

// BindNodeFlags declares the node agent flags with defaults from d.
func BindNodeFlags(fs *pflag.FlagSet, d Node) {
	fs.String(FileFlag, "", "path to a YAML config file")
	fs.String("id", d.ID, "node name, unique in the cluster")
	fs.String("listen", d.Listen, "HTTP listen address")
	fs.String("addr", d.Addr, "URL the coordinator probes")
	fs.String("coordinator", d.Coordinator, "coordinator base URL")
	fs.String("auth-token-file", d.AuthTokenFile, "file holding the bearer token probes must carry")
	fs.Duration("register-timeout", d.RegisterTimeout, "give up registering after this long")
	fs.Duration("lease-ttl", d.LeaseTTL, "TTL of the etcd registration lease")
	bindEtcdFlags(fs, d.Etcd)
	bindLogFlags(fs, d.Log)
}

func bindEtcdFlags(fs *pflag.FlagSet, d Etcd) {
	fs.StringSlice("etcd-endpoints", d.Endpoints, "etcd endpoints, discovery is off when empty")
	fs.String("etcd-prefix", d.Prefix, "etcd key prefix")
	fs.Duration("etcd-dial-timeout", d.DialTimeout, "etcd dial timeout")
}

func bindLogFlags(fs *pflag.FlagSet, d logger.Config) {
	fs.String("log-level", d.Level, "debug, info, warn or error")
	fs.String("log-format", d.Format, "console or json")
	fs.String("log-output", d.Output, "stdout, file or both")
	fs.String("log-file", d.FilePath, "log file path")
	fs.Int("log-max-size-mb", d.MaxSizeMB, "rotate the log file at this size")
	fs.Int("log-max-backups", d.MaxBackups, "rotated files to keep")
	fs.Int("log-max-age-days", d.MaxAgeDays, "days to keep rotated files")
}
