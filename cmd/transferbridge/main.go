package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bitrise-io/go-transferbridge/config"
	"github.com/bitrise-io/go-transferbridge/transfer"
	"github.com/bitrise-io/go-transferbridge/transfer/network"
	"github.com/bitrise-io/go-transferbridge/transfer/source"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

const lockKeyPrefix = "transferbridge:lock:"

type options struct {
	destination string
	chunkSize   string
	concurrent  bool
	allowEmpty  bool
	publicRead  bool
	debug       bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "transferbridge [flags] <source-url> [destination-name]",
		Short: "Stream an HTTP source into an object store",
		Long: `Streams the body of an HTTP(S) source into a destination object store through
a chunked, resumable upload. The object is never buffered in full.

Settings are read from TRANSFERBRIDGE_* environment variables, flags override them.`,
		Args:         cobra.RangeArgs(1, 2),
		SilenceUsage: true,
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := config.ParseEnv(nil)
			if err != nil {
				return err
			}
			if err := opts.apply(c, &cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			var name string
			if len(args) > 1 {
				name = args[1]
			}
			return run(c.Context(), cfg, args[0], name)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.destination, "destination", "d", "", "destination kind: resumable, s3, minio or sink")
	flags.StringVar(&opts.chunkSize, "chunk-size", "", "size of every non-final chunk, e.g. 8MiB")
	flags.BoolVar(&opts.concurrent, "concurrent", false, "read the next chunks while uploading the current one")
	flags.BoolVar(&opts.allowEmpty, "allow-empty", false, "accept a source without content")
	flags.BoolVar(&opts.publicRead, "public-read", false, "share the object with anyone holding the link")
	flags.BoolVar(&opts.debug, "debug", false, "enable debug logs")
	return cmd
}

// apply overrides the environment with the flags set on the command line.
func (o options) apply(c *cobra.Command, cfg *config.Config) error {
	flags := c.Flags()
	if flags.Changed("destination") {
		cfg.Destination = o.destination
	}
	if flags.Changed("chunk-size") {
		if err := cfg.ChunkSize.UnmarshalText([]byte(o.chunkSize)); err != nil {
			return err
		}
	}
	if flags.Changed("concurrent") {
		cfg.Concurrent = o.concurrent
	}
	if flags.Changed("allow-empty") {
		cfg.AllowEmpty = o.allowEmpty
	}
	if flags.Changed("public-read") {
		cfg.PublicRead = o.publicRead
	}
	if flags.Changed("debug") {
		cfg.Debug = o.debug
	}
	return nil
}

func run(ctx context.Context, cfg config.Config, sourceURL, name string) error {
	logger := log.NewLogger()
	logger.EnableDebugLog(cfg.Debug)
	cfg.Print(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	dest, publisher, err := newDestination(ctx, cfg, logger)
	if err != nil {
		return err
	}

	orchestrator := transfer.NewOrchestrator(source.NewOpener(cfg.SourceConfig(), logger), dest, cfg.TransferConfig(), logger)
	if publisher != nil {
		orchestrator.WithPublisher(publisher)
	}
	if cfg.LockRedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.LockRedisAddr, Password: string(cfg.LockRedisPassword)})
		defer func() {
			if err := client.Close(); err != nil {
				logger.Warnf("Failed to close redis client: %s", err)
			}
		}()
		orchestrator.WithLocker(transfer.NewRedisLocker(client, lockKeyPrefix, cfg.LockTTL, logger))
	} else {
		logger.Warnf("%sLOCK_REDIS_ADDR is not set, destination names are only locked within this process", config.EnvPrefix)
	}

	registry := prometheus.NewRegistry()
	tracker, err := transfer.NewTracker(registry)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	orchestrator.WithTracker(tracker)

	result, transferErr := orchestrator.Transfer(ctx, sourceURL, name)

	if cfg.PushgatewayURL != "" {
		if err := push.New(cfg.PushgatewayURL, "transferbridge").Gatherer(registry).Push(); err != nil {
			logger.Warnf("Failed to push metrics: %s", err)
		}
	}

	if err := printResult(result); err != nil {
		logger.Warnf("Failed to print result: %s", err)
	}
	if transferErr != nil {
		return transferErr
	}

	logger.Printf("Transferred %s", units.HumanSizeWithPrecision(float64(result.AcknowledgedBytes), 3))
	return nil
}

func newDestination(ctx context.Context, cfg config.Config, logger log.Logger) (network.Destination, transfer.Publisher, error) {
	switch cfg.Destination {
	case config.DestinationResumable:
		client := network.NewResumableClient(cfg.ResumableClientConfig(), logger)
		return client, network.NewResumablePublisher(client), nil
	case config.DestinationS3:
		dest, err := network.NewS3Destination(ctx, cfg.S3DestinationConfig(), logger)
		if err != nil {
			return nil, nil, err
		}
		return dest, network.NewS3Publisher(dest), nil
	case config.DestinationMinIO:
		dest, err := network.NewMinIODestination(cfg.MinIODestinationConfig(), logger)
		if err != nil {
			return nil, nil, err
		}
		return dest, network.NewMinIOPublisher(dest), nil
	case config.DestinationSink:
		return network.NewSinkDestination(logger), nil, nil
	}
	return nil, nil, fmt.Errorf("unknown destination %q", cfg.Destination)
}

type resultJSON struct {
	Status            transfer.Status `json:"status"`
	ObjectID          string          `json:"object_id,omitempty"`
	Link              string          `json:"link,omitempty"`
	Access            transfer.Access `json:"access"`
	SourcedBytes      int64           `json:"sourced_bytes"`
	AcknowledgedBytes int64           `json:"acknowledged_bytes"`
	Session           string          `json:"session"`
	UploadSession     string          `json:"upload_session,omitempty"`
	Reason            string          `json:"reason,omitempty"`
}

func printResult(result *transfer.Result) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(resultJSON{
		Status:            result.Status,
		ObjectID:          result.ObjectID,
		Link:              result.Link,
		Access:            result.Access,
		SourcedBytes:      result.SourcedBytes,
		AcknowledgedBytes: result.AcknowledgedBytes,
		Session:           result.Session.ID,
		UploadSession:     result.UploadSession,
		Reason:            string(result.Session.Reason),
	})
}
