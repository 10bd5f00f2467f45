package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/facebookincubator/go-belt"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/xaionaro-go/observability"
	"github.com/xaionaro-go/screencapture"
	"github.com/xaionaro-go/screencapture/aperture"
	"github.com/xaionaro-go/screencapture/aperture/process"
	"github.com/xaionaro-go/screencapture/metrics"
)

var (
	loggerLevel       = logger.LevelWarning
	configPath        string
	binaryPath        string
	tempDir           string
	startTimeout      time.Duration
	metricsListenAddr string
	netPprofAddr      string

	cfg     screencapture.Config
	factory *aperture.Factory
)

var rootCmd = &cobra.Command{
	Use:               "screenrecord",
	Short:             "Records the screen using the aperture recorder",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

var recordCmd = &cobra.Command{
	Use:   "record <output-file>",
	Short: "Record the screen until interrupted (Ctrl+C)",
	Args:  cobra.ExactArgs(1),
	RunE:  record,
}

var compressCmd = &cobra.Command{
	Use:   "compress <input-file> <output-file>",
	Short: "Compress a recording",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return factory.Compress(cmd.Context(), args[0], args[1])
	},
}

var listScreensCmd = &cobra.Command{
	Use:   "list-screens",
	Short: "List the screens available for recording",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := factory.Screens(cmd.Context())
		if err != nil {
			return err
		}
		return printDeviceList(l)
	},
}

var listAudioDevicesCmd = &cobra.Command{
	Use:   "list-audio-devices",
	Short: "List the audio devices available for recording",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := factory.AudioDevices(cmd.Context())
		if err != nil {
			return err
		}
		return printDeviceList(l)
	},
}

var codecsCmd = &cobra.Command{
	Use:   "codecs",
	Short: "List the video codecs supported on this host",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		codecs := factory.Codecs()
		for codec := screencapture.VideoCodecUndefined + 1; codec < screencapture.EndOfVideoCodec; codec++ {
			if name, ok := codecs[codec]; ok {
				fmt.Printf("%s\t%s\n", codec, name)
			}
		}
		return nil
	},
}

var recordFlags struct {
	FramesPerSecond int
	Crop            []float64
	HideCursor      bool
	HighlightClicks bool
	ScreenID        uint32
	AudioDeviceID   string
	VideoCodec      screencapture.VideoCodec
	ScaleFactor     float64
	Compress        bool
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.Var(&loggerLevel, "log-level", "Log level")
	flags.StringVar(&configPath, "config", "", "path to a YAML config file")
	flags.StringVar(&binaryPath, "recorder-path", "", "path to the aperture binary (default: $"+aperture.EnvKeyBinaryPath+" or 'aperture' from $PATH)")
	flags.StringVar(&tempDir, "temp-dir", "", "a directory for intermediate recordings")
	flags.DurationVar(&startTimeout, "start-timeout", 0, "how long to wait for the recorder to start capturing")
	flags.StringVar(&metricsListenAddr, "metrics-listen-addr", "", "an address to serve Prometheus metrics on")
	flags.StringVar(&netPprofAddr, "net-pprof-listen-addr", "", "an address to listen for incoming net/pprof connections")

	addRecordingFlags(recordCmd.Flags())

	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(compressCmd)
	rootCmd.AddCommand(listScreensCmd)
	rootCmd.AddCommand(listAudioDevicesCmd)
	rootCmd.AddCommand(codecsCmd)
}

func addRecordingFlags(flags *pflag.FlagSet) {
	flags.IntVar(&recordFlags.FramesPerSecond, "fps", 0, "frames per second (default 30)")
	flags.Float64SliceVar(&recordFlags.Crop, "crop", nil, "crop area: x,y,width,height")
	flags.BoolVar(&recordFlags.HideCursor, "hide-cursor", false, "do not show the mouse cursor")
	flags.BoolVar(&recordFlags.HighlightClicks, "highlight-clicks", false, "highlight mouse clicks (implies showing the cursor)")
	flags.Uint32Var(&recordFlags.ScreenID, "screen-id", 0, "the screen to record (see list-screens)")
	flags.StringVar(&recordFlags.AudioDeviceID, "audio-device-id", "", "the audio device to record (see list-audio-devices)")
	flags.Var(&recordFlags.VideoCodec, "video-codec", "h264, hevc, proRes422 or proRes4444 (see codecs)")
	flags.Float64Var(&recordFlags.ScaleFactor, "scale", 0, "scale factor of the video (default 1)")
	flags.BoolVar(&recordFlags.Compress, "compress", false, "compress the recording before saving it")
}

func main() {
	defer process.DisposeChildProcessManager()
	err := rootCmd.Execute()
	if factory != nil {
		err = multierror.Append(err, factory.Close()).ErrorOrNil()
	}
	if ctx := rootCmd.Context(); ctx != nil {
		belt.Flush(ctx)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		process.DisposeChildProcessManager()
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command, args []string) error {
	if configPath != "" {
		c, err := screencapture.ReadConfigFile(configPath)
		if err != nil {
			return err
		}
		cfg = *c
	}
	if cfg.LogLevel != "" && !cmd.Flags().Changed("log-level") {
		if err := loggerLevel.Set(cfg.LogLevel); err != nil {
			return fmt.Errorf("unable to parse log level '%s': %w", cfg.LogLevel, err)
		}
	}

	l := logrus.Default().WithLevel(loggerLevel)
	ctx := logger.CtxWithLogger(context.Background(), l)
	logger.Default = func() logger.Logger {
		return l
	}
	cmd.SetContext(ctx)
	cmd.Root().SetContext(ctx)

	if netPprofAddr != "" {
		observability.Go(ctx, func(ctx context.Context) { l.Error(http.ListenAndServe(netPprofAddr, nil)) })
	}

	opts := screencapture.CustomOptions{}
	if metricsListenAddr != "" {
		reg := prometheus.NewRegistry()
		opts = append(opts, aperture.OptionMetrics{Metrics: metrics.New(reg)})
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		observability.Go(ctx, func(ctx context.Context) { l.Error(http.ListenAndServe(metricsListenAddr, mux)) })
	}
	if v := firstNonEmpty(binaryPath, cfg.BinaryPath); v != "" {
		opts = append(opts, aperture.OptionBinaryPath(v))
	}
	if v := firstNonEmpty(tempDir, cfg.TempDir); v != "" {
		opts = append(opts, aperture.OptionTempDir(v))
	}
	switch {
	case startTimeout > 0:
		opts = append(opts, aperture.OptionStartTimeout(startTimeout))
	case cfg.StartTimeout > 0:
		opts = append(opts, aperture.OptionStartTimeout(cfg.StartTimeout))
	}

	f, err := aperture.NewFactory(ctx, opts...)
	if err != nil {
		return fmt.Errorf("unable to initialize: %w", err)
	}
	factory = f
	return nil
}

func recordingOptions(cmd *cobra.Command) (screencapture.RecordingOptions, error) {
	opts := cfg.Recording
	flags := cmd.Flags()
	if flags.Changed("fps") {
		opts.FramesPerSecond = recordFlags.FramesPerSecond
	}
	if flags.Changed("crop") {
		if len(recordFlags.Crop) != 4 {
			return opts, fmt.Errorf("%w: --crop expects 4 values, got %d", screencapture.ErrInvalidOptions, len(recordFlags.Crop))
		}
		c := recordFlags.Crop
		opts.CropArea = screencapture.NewCropArea(c[0], c[1], c[2], c[3])
	}
	if flags.Changed("hide-cursor") {
		showCursor := !recordFlags.HideCursor
		opts.ShowCursor = &showCursor
	}
	if flags.Changed("highlight-clicks") {
		opts.HighlightClicks = recordFlags.HighlightClicks
	}
	if flags.Changed("screen-id") {
		opts.ScreenID = recordFlags.ScreenID
	}
	if flags.Changed("audio-device-id") {
		opts.AudioDeviceID = recordFlags.AudioDeviceID
	}
	if flags.Changed("video-codec") {
		opts.VideoCodec = recordFlags.VideoCodec
	}
	if flags.Changed("scale") {
		opts.ScaleFactor = recordFlags.ScaleFactor
	}
	return opts, nil
}

func record(cmd *cobra.Command, args []string) (_err error) {
	ctx := cmd.Context()
	outputPath := args[0]

	opts, err := recordingOptions(cmd)
	if err != nil {
		return err
	}

	r, err := factory.NewRecorder(ctx)
	if err != nil {
		return err
	}

	sigCtx, stopSignals := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	tmpPath, err := r.Start(sigCtx, opts)
	if err != nil {
		return fmt.Errorf("unable to start recording: %w", err)
	}
	logger.Infof(ctx, "recording to '%s'; press Ctrl+C to stop", tmpPath)
	fmt.Fprintln(os.Stderr, "recording; press Ctrl+C to stop")

	endedCh := make(chan error, 1)
	observability.Go(ctx, func(ctx context.Context) {
		endedCh <- r.WaitForRecordingEnd(ctx)
	})

	var mErr *multierror.Error
	select {
	case <-sigCtx.Done():
		if _, err := r.Stop(ctx); err != nil {
			mErr = multierror.Append(mErr, fmt.Errorf("unable to stop recording: %w", err))
		}
	case err := <-endedCh:
		if err != nil {
			return fmt.Errorf("the recording ended unexpectedly: %w", err)
		}
		logger.Warnf(ctx, "the recorder finished on its own")
	}

	if _, err := os.Stat(tmpPath); err != nil {
		return multierror.Append(mErr, fmt.Errorf("the recording was not saved: %w", err)).ErrorOrNil()
	}

	if recordFlags.Compress {
		if err := factory.Compress(ctx, tmpPath, outputPath); err != nil {
			return multierror.Append(mErr, err).ErrorOrNil()
		}
		if err := os.Remove(tmpPath); err != nil {
			logger.Errorf(ctx, "unable to remove '%s': %v", tmpPath, err)
		}
	} else if err := moveFile(tmpPath, outputPath); err != nil {
		mErr = multierror.Append(mErr, err)
	}
	if err := mErr.ErrorOrNil(); err != nil {
		return err
	}
	fmt.Println(outputPath)
	return nil
}

func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) {
		return fmt.Errorf("unable to move '%s' to '%s': %w", src, dst, err)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("unable to open '%s': %w", src, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("unable to create '%s': %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("unable to copy '%s' to '%s': %w", src, dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("unable to close '%s': %w", dst, err)
	}
	return os.Remove(src)
}

func printDeviceList[T any](l *screencapture.DeviceList[T]) error {
	if l.IsRaw() {
		fmt.Print(l.Raw)
		return nil
	}
	b, err := json.MarshalIndent(l.Items, "", "  ")
	if err != nil {
		return fmt.Errorf("unable to serialize the list: %w", err)
	}
	fmt.Println(string(b))
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
