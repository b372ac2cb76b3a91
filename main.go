package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/prl900/tilebot/config"
	"github.com/prl900/tilebot/mosaic"
	"github.com/prl900/tilebot/objstore"
	"github.com/prl900/tilebot/rastreader"
	"github.com/prl900/tilebot/tilebot"
	"github.com/prl900/tilebot/tilecodec"
	"github.com/prl900/tilebot/worker"
)

var (
	verbose bool
	envFile string
	logger  *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "tilebot",
	Short: "Render analytic raster tiles from queued jobs",
	Long: `tilebot reads tile jobs, composites the tile of every dataset of a job
out of rasters or mosaics, and uploads one encoded tile per dataset.

Configuration is read from the environment:

` + config.Usage(),
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Consume jobs from the queue until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runWork,
}

var processCmd = &cobra.Command{
	Use:   "process [job.json|-]",
	Short: "Process a single job read from a file or stdin",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runProcess,
}

var emitCmd = &cobra.Command{
	Use:   "emit [tiles.txt|-]",
	Short: "Publish one job per z-x-y tile line",
	Long: `Publishes a job for every tile of a tile list, one z-x-y per line.

Example:
  cat list_z14.txt | tilebot emit - \
      --dataset mosaicid://mydataset \
      --expression "B02,B8A,(B08-B04)/(B08+B04)"`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEmit,
}

var emitFlags struct {
	msg         tilebot.Message
	queue       string
	chunkSize   int
	concurrency int
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional file of environment variables")

	f := emitCmd.Flags()
	f.StringVar(&emitFlags.msg.Dataset, "dataset", "", "comma separated datasets of each job")
	f.StringVar(&emitFlags.msg.Indexes, "layers", "", "band indexes, asset or band names")
	f.StringVar(&emitFlags.msg.Expression, "expression", "", "band math expression")
	f.StringVar(&emitFlags.msg.Reader, "reader", "", "reader variant: "+fmt.Sprint(readerNames()))
	f.StringVar(&emitFlags.msg.PixelSelection, "pixel-selection", "", "mosaic pixel selection: "+fmt.Sprint(mosaic.PixelSelections()))
	f.StringVar(&emitFlags.queue, "queue", "", "queue to publish to, defaults to QUEUE_NAME")
	f.IntVar(&emitFlags.chunkSize, "chunk-size", worker.DefaultChunkSize, "jobs published per channel")
	f.IntVar(&emitFlags.concurrency, "concurrency", worker.DefaultConcurrency, "channels publishing at once")
	emitCmd.MarkFlagRequired("dataset")

	rootCmd.AddCommand(workCmd, processCmd, emitCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func readerNames() []string {
	return rastreader.NewRegistry(rastreader.DefaultVariants(nil, 0)...).Names()
}

// newProcessor wires the stores, readers and mosaic backends described by s.
func newProcessor(s config.Settings, log *zap.Logger) (*tilebot.Processor, error) {
	s3, err := objstore.NewS3(objstore.S3Options{
		Endpoint:  s.S3.Endpoint,
		AccessKey: s.S3.AccessKey,
		SecretKey: s.S3.SecretKey,
		Region:    s.S3.Region,
		UseSSL:    s.S3.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	store := objstore.Default(s3)

	sink, err := objstore.NewSink(store, s.Output.Bucket)
	if err != nil {
		return nil, err
	}
	codec, err := tilecodec.Lookup(s.Output.Format)
	if err != nil {
		return nil, err
	}

	readers := rastreader.NewRegistry(rastreader.DefaultVariants(store, s.TileSize)...)
	loader := &mosaic.Loader{Fetcher: store, Dynamo: mosaic.NewDynamoClient}

	return tilebot.NewProcessor(tilebot.Deps{
		Readers: readers,
		Mosaics: tilebot.MosaicLoader(loader),
		Sink:    sink,
		Codec:   codec,
		Mosaic:  s.Mosaic,
		Logger:  log,
	})
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runWork(cmd *cobra.Command, args []string) error {
	s, err := config.Load(envFile)
	if err != nil {
		return err
	}
	proc, err := newProcessor(s, logger)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	srv := newServer(s.MetricsAddr, logger)
	go srv.serve()
	defer srv.shutdown()

	conn, err := amqp.Dial(s.Queue.URL)
	if err != nil {
		return fmt.Errorf("rabbitmq connect failed: %w", err)
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq channel open failed: %w", err)
	}
	defer ch.Close()

	w, err := worker.New(ch, proc, worker.Config{
		Queue:           s.Queue.Name,
		DeadLetter:      s.Queue.DeadLetterName(),
		MaxReceiveCount: s.Queue.MaxReceiveCount,
	}, logger)
	if err != nil {
		return err
	}
	if err := w.Setup(); err != nil {
		return err
	}
	return w.Run(ctx)
}

func openInput(args []string) (io.ReadCloser, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(args[0])
}

func runProcess(cmd *cobra.Command, args []string) error {
	s, err := config.Load(envFile)
	if err != nil {
		return err
	}
	proc, err := newProcessor(s, logger)
	if err != nil {
		return err
	}

	in, err := openInput(args)
	if err != nil {
		return err
	}
	defer in.Close()
	payload, err := io.ReadAll(in)
	if err != nil {
		return err
	}
	job, err := tilebot.ParseJob(payload)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()
	rep, err := proc.Process(ctx, job)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(map[string][]string{"produced": rep.Produced, "skipped": rep.Skipped})
}

func runEmit(cmd *cobra.Command, args []string) error {
	q, err := config.LoadQueue(envFile)
	if err != nil {
		return err
	}
	queue := emitFlags.queue
	if queue == "" {
		queue = q.Name
	}

	in, err := openInput(args)
	if err != nil {
		return err
	}
	defer in.Close()
	tiles, err := worker.ReadTiles(in)
	if err != nil {
		return err
	}
	msgs, err := worker.BuildMessages(tiles, emitFlags.msg)
	if err != nil {
		return err
	}

	conn, err := amqp.Dial(q.URL)
	if err != nil {
		return fmt.Errorf("rabbitmq connect failed: %w", err)
	}
	defer conn.Close()

	ctx, stop := signalContext()
	defer stop()

	e := &worker.Emitter{
		Open: func() (worker.PublishChannel, error) {
			ch, err := conn.Channel()
			if err != nil {
				return nil, err
			}
			return ch, nil
		},
		Queue:       queue,
		ChunkSize:   emitFlags.chunkSize,
		Concurrency: emitFlags.concurrency,
		Logger:      logger,
	}
	n, err := e.Emit(ctx, msgs)
	logger.Info("jobs published", zap.Int("published", n), zap.Int("tiles", len(tiles)), zap.String("queue", queue))
	return err
}
