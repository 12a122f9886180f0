package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"image/draw"
	"os"

	"github.com/eligwz/spectrogram"

	"github.com/woodshedhq/shedcache/pkg/logger"
	"github.com/woodshedhq/shedcache/pkg/shedcache"
	"github.com/woodshedhq/shedcache/pkg/shedcache/audio"
)

var (
	cacheRoot  string
	configPath string
	workers    int
	algorithm  string
)

func registerGlobalFlags(fs *flag.FlagSet) {
	fs.StringVar(&cacheRoot, "cache", getEnvOrDefault("SHEDCACHE_ROOT", ".shedcache"), "Cache root directory")
	fs.StringVar(&configPath, "config", os.Getenv("SHEDCACHE_CONFIG"), "Optional TOML config file")
	fs.IntVar(&workers, "workers", 0, "Worker count (0 = CPUs minus one)")
	fs.StringVar(&algorithm, "algorithm", "", "Match algorithm: cosine or correlation")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func newEngine() (shedcache.Engine, error) {
	opts := []shedcache.Option{
		shedcache.WithCacheRoot(cacheRoot),
		shedcache.WithDecodeBackend(audio.NewFFmpegBackend()),
	}
	if configPath != "" {
		opts = append(opts, shedcache.WithConfigFile(configPath))
	}
	if workers > 0 {
		opts = append(opts, shedcache.WithWorkers(workers))
	}
	if algorithm != "" {
		opts = append(opts, shedcache.WithAlgorithm(shedcache.Algorithm(algorithm)))
	}
	return shedcache.New(opts...)
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "generate":
		err = handleGenerate(os.Args[2:])
	case "match":
		err = handleMatch(os.Args[2:])
	case "sweep":
		err = handleSweep(os.Args[2:])
	case "list":
		err = handleList(os.Args[2:])
	case "render":
		err = handleRender(os.Args[2:])
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`shedcache - practice recording fingerprint & waveform cache

Usage:
  shedcache generate [flags] <folder>          pre-generate peaks and fingerprints
  shedcache match    [flags] <file> <folder>   rank recordings of the same song
  shedcache sweep    [flags] <folder>          drop cache entries for deleted files
  shedcache list     [flags] <folder>          show audio metadata (ffprobe)
  shedcache render   [flags] <file>            write a spectrogram PNG

Flags:
  -cache dir        cache root (default .shedcache, env SHEDCACHE_ROOT)
  -config file      TOML config file (env SHEDCACHE_CONFIG)
  -workers n        worker count
  -algorithm name   cosine | correlation
`)
}

func parseProducts(s string) (shedcache.Products, error) {
	switch s {
	case "", "all":
		return shedcache.ProductAll, nil
	case "peaks":
		return shedcache.ProductPeaks, nil
	case "fingerprint":
		return shedcache.ProductFingerprint, nil
	default:
		return 0, fmt.Errorf("unknown products %q (want peaks, fingerprint or all)", s)
	}
}

func handleGenerate(args []string) error {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	registerGlobalFlags(fs)
	productsFlag := fs.String("products", "all", "Products to generate: peaks, fingerprint or all")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: shedcache generate [flags] <folder>")
	}

	products, err := parseProducts(*productsFlag)
	if err != nil {
		return err
	}

	paths, err := shedcache.ScanFolder(fs.Arg(0))
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		logger.Infof("no audio files under %s", fs.Arg(0))
		return nil
	}

	engine, err := newEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	ctx := context.Background()
	tickets := make([]*shedcache.Ticket, 0, len(paths))
	misses := 0
	for _, p := range paths {
		t, err := engine.EnsureReady(ctx, p, products)
		if err != nil {
			return err
		}
		if !t.Ready() {
			misses++
		}
		tickets = append(tickets, t)
	}
	logger.Infof("%d files, %d already cached, %d to generate", len(paths), len(paths)-misses, misses)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range engine.Events() {
			switch ev.State {
			case shedcache.JobFailed:
				logger.Warnf("(%d/%d) %s failed: %s", ev.Completed, ev.Total, ev.Identity.Base(), ev.Err)
			default:
				logger.Infof("(%d/%d) %s %s", ev.Completed, ev.Total, ev.Identity.Base(), ev.State)
			}
		}
	}()

	failed := 0
	for _, t := range tickets {
		if _, err := t.Wait(ctx); err != nil {
			failed++
		}
	}
	engine.Close()
	<-done

	if failed > 0 {
		logger.Warnf("done with %d failures", failed)
	} else {
		logger.Infof("done")
	}
	return nil
}

func handleMatch(args []string) error {
	fs := flag.NewFlagSet("match", flag.ExitOnError)
	registerGlobalFlags(fs)
	fs.Parse(args)
	if fs.NArg() != 2 {
		return fmt.Errorf("usage: shedcache match [flags] <file> <folder>")
	}
	queryPath, refDir := fs.Arg(0), fs.Arg(1)

	candidates, err := shedcache.ScanFolder(refDir)
	if err != nil {
		return err
	}

	engine, err := newEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	// Fingerprint everything that is not cached yet, query included.
	ctx := context.Background()
	for _, p := range append([]string{queryPath}, candidates...) {
		t, err := engine.EnsureReady(ctx, p, shedcache.ProductFingerprint)
		if err != nil {
			return err
		}
		if _, err := t.Wait(ctx); err != nil {
			logger.Warnf("skipping %s: %v", p, err)
		}
	}

	results, err := engine.FindBestMatches(ctx, queryPath, candidates)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		logger.Infof("no comparable recordings found in %s", refDir)
		return nil
	}

	cfg, err := matchConfig()
	if err != nil {
		return err
	}
	fmt.Printf("%-50s %7s %-10s %s\n", "CANDIDATE", "SCORE", "BAND", "ALGORITHM")
	for _, r := range results {
		fmt.Printf("%-50s %7.3f %-10s %s\n",
			truncate(r.Candidate.Path, 50), r.Score, cfg.BandFor(r.Score), r.Algorithm)
	}
	return nil
}

// matchConfig rebuilds the effective config for confidence banding.
func matchConfig() (*shedcache.Config, error) {
	if configPath != "" {
		return shedcache.LoadConfig(configPath)
	}
	cfg := &shedcache.Config{HighConfidence: 0.7, LowConfidence: 0.3}
	return cfg, nil
}

func handleSweep(args []string) error {
	fs := flag.NewFlagSet("sweep", flag.ExitOnError)
	registerGlobalFlags(fs)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: shedcache sweep [flags] <folder>")
	}

	paths, err := shedcache.ScanFolder(fs.Arg(0))
	if err != nil {
		return err
	}

	engine, err := newEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	removed, err := engine.Sweep(paths)
	if err != nil {
		return err
	}
	logger.Infof("swept %d stale cache entries", removed)
	return nil
}

func handleList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	registerGlobalFlags(fs)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: shedcache list [flags] <folder>")
	}

	paths, err := shedcache.ScanFolder(fs.Arg(0))
	if err != nil {
		return err
	}

	backend := audio.NewFFmpegBackend()
	ctx := context.Background()
	fmt.Printf("%-40s %9s %7s %3s %s\n", "FILE", "DURATION", "RATE", "CH", "FORMAT")
	for _, p := range paths {
		meta, err := backend.Probe(ctx, p)
		if err != nil {
			logger.Warnf("probe %s: %v", p, err)
			continue
		}
		fmt.Printf("%-40s %8.1fs %7d %3d %s\n",
			truncate(meta.Filename, 40), meta.DurationSec, meta.SampleRate, meta.Channels, meta.Format)
	}
	return nil
}

func handleRender(args []string) error {
	fs := flag.NewFlagSet("render", flag.ExitOnError)
	registerGlobalFlags(fs)
	out := fs.String("o", "", "Output PNG path (default <file>.png)")
	width := fs.Int("width", 2048, "Image width in pixels")
	height := fs.Int("height", 512, "Image height (frequency bins)")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: shedcache render [flags] <file>")
	}
	path := fs.Arg(0)

	dec := audio.NewDecoder(audio.NewFFmpegBackend())
	buf, err := dec.Decode(context.Background(), path)
	if err != nil {
		return err
	}
	samples := buf.MonoFloat64()

	img := spectrogram.NewImage128(image.Rect(0, 0, *width, *height))
	black := spectrogram.ParseColor("000000")
	draw.Draw(img, img.Bounds(), image.NewUniform(black), image.Point{}, draw.Src)

	// Hamming window, FFT, linear magnitude.
	spectrogram.Drawfft(img, samples, uint32(buf.SampleRate), uint32(*height), false, false, true, false)

	outPath := *out
	if outPath == "" {
		outPath = path + ".png"
	}
	if err := spectrogram.SavePng(img, outPath); err != nil {
		return err
	}
	logger.Infof("wrote %s", outPath)
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-(n-3):]
}
