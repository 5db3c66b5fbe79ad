package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/openfluke/neuralstyle/gpu"
	"github.com/openfluke/neuralstyle/imageio"
	"github.com/openfluke/neuralstyle/monitor"
	"github.com/openfluke/neuralstyle/nn"
	"github.com/openfluke/neuralstyle/style"
	"github.com/openfluke/neuralstyle/weights"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: stylize <command> [flags]

commands:
  run       optimize an image towards content + style
  describe  print the VGG16 feature extractor as JSON
  solid     write a solid or gradient test image
  gpu       inspect the WebGPU adapter
`)
	os.Exit(2)
}

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		usage()
	}

	switch os.Args[1] {
	case "run":
		runCmd(os.Args[2:])
	case "describe":
		describeCmd(os.Args[2:])
	case "solid":
		solidCmd(os.Args[2:])
	case "gpu":
		gpuCmd(os.Args[2:])
	default:
		usage()
	}
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "JSON config file (flags override it)")
	contentPath := fs.String("content", "", "Content image")
	stylePath := fs.String("style", "", "Style image")
	weightsPath := fs.String("weights", "", "VGG16 weights (.safetensors, .onnx or .npy)")
	randomSeed := fs.Int64("random-weights", 0, "Use seeded random weights instead of a file (testing)")
	steps := fs.Int("steps", 0, "Optimization steps")
	lr := fs.Float64("lr", 0, "Learning rate")
	contentWeight := fs.Float64("content-weight", 0, "Content loss weight")
	styleWeight := fs.Float64("style-weight", 0, "Style loss weight")
	contentLayers := fs.String("content-layers", "", "Comma separated content layers")
	styleLayers := fs.String("style-layers", "", "Comma separated style layers")
	out := fs.String("out", "", "Output directory for frames")
	seed := fs.Int64("seed", 0, "Seed for the initial result")
	saveEvery := fs.Int("save-every", 0, "Write a frame every N steps (0 disables)")
	optimizer := fs.String("optimizer", "", "adam, sgd, momentum or rmsprop")
	resize := fs.Bool("resize", false, "Resize inputs to 224x224")
	useGPU := fs.Bool("gpu", false, "Run convolutions on WebGPU")
	record := fs.String("record", "", "SQLite database to record the run in")
	live := fs.String("live", "", "Serve live progress on this address (e.g. :8090)")
	traceLayers := fs.Bool("trace-layers", false, "Print per-layer activation stats")
	fs.Parse(args)

	cfg := style.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = style.LoadConfig(*configPath); err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}

	// Only flags given on the command line override the config file
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "steps":
			cfg.Steps = *steps
		case "lr":
			cfg.LearningRate = float32(*lr)
		case "content-weight":
			cfg.ContentWeight = *contentWeight
		case "style-weight":
			cfg.StyleWeight = *styleWeight
		case "content-layers":
			cfg.ContentLayers = splitList(*contentLayers)
		case "style-layers":
			cfg.StyleLayers = splitList(*styleLayers)
		case "out":
			cfg.OutputDir = *out
		case "seed":
			cfg.Seed = *seed
		case "save-every":
			cfg.SaveEvery = *saveEvery
		case "optimizer":
			cfg.Optimizer = *optimizer
		}
	})
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	if *contentPath == "" || *stylePath == "" {
		log.Fatal("Please provide -content and -style images")
	}
	opts := imageio.LoadOptions{Size: nn.InputSize, Resize: *resize}
	content, err := imageio.Load(*contentPath, opts)
	if err != nil {
		log.Fatalf("Failed to load content image: %v", err)
	}
	styleImg, err := imageio.Load(*stylePath, opts)
	if err != nil {
		log.Fatalf("Failed to load style image: %v", err)
	}

	var store *weights.Store
	switch {
	case *weightsPath != "":
		if store, err = weights.Load(*weightsPath); err != nil {
			log.Fatalf("Failed to load weights: %v", err)
		}
	case *randomSeed != 0:
		store = weights.Random(*randomSeed)
	default:
		log.Fatal("Please provide -weights (or -random-weights for a smoke test)")
	}
	fmt.Printf("Loaded %d conv layers (%d parameters) from %s\n", store.Len(), store.Params(), store.Source)

	if cfg.SaveEvery > 0 {
		if err := imageio.EnsureDir(cfg.OutputDir); err != nil {
			log.Fatalf("Output directory unusable: %v", err)
		}
	}

	var sessionOpts []style.Option
	if *useGPU {
		backend, err := gpu.NewConvBackend()
		if err != nil {
			log.Fatalf("Failed to initialize GPU: %v", err)
		}
		if rep, err := gpu.Inspect(); err == nil && !rep.Fits {
			log.Fatalf("Adapter %s cannot run VGG16: %s", rep.Name, strings.Join(rep.Problems, "; "))
		}
		defer backend.Release()
		sessionOpts = append(sessionOpts, style.WithBackend(backend))
		fmt.Printf("Using %s backend\n", backend.Name())
	}

	reporters := []style.Reporter{&style.ConsoleReporter{}}

	var hub *monitor.Hub
	if *live != "" {
		hub = monitor.NewHub()
		defer hub.Close()
		srv := &http.Server{Addr: *live, Handler: hub.Mux(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("Live server stopped: %v", err)
			}
		}()
		defer srv.Close()
		reporters = append(reporters, hub)
		fmt.Printf("Live progress on ws://%s/ws\n", *live)
	}

	var observers []nn.LayerObserver
	if *traceLayers {
		observers = append(observers, &nn.ConsoleObserver{})
	}
	if hub != nil {
		obs := nn.NewChannelObserver(256)
		hub.ForwardLayers(obs)
		defer close(obs.Events)
		observers = append(observers, obs)
	}
	switch len(observers) {
	case 0:
	case 1:
		sessionOpts = append(sessionOpts, style.WithObserver(observers[0]))
	default:
		sessionOpts = append(sessionOpts, style.WithObserver(nn.MultiObserver(observers)))
	}

	var rec *monitor.Recorder
	if *record != "" {
		if rec, err = monitor.OpenRecorder(*record); err != nil {
			log.Fatalf("Failed to open run database: %v", err)
		}
		defer rec.Close()
		id, err := rec.Begin(store.Source, cfg)
		if err != nil {
			log.Fatalf("Failed to record run: %v", err)
		}
		reporters = append(reporters, rec)
		fmt.Printf("Recording run %d in %s\n", id, *record)
	}

	session, err := style.NewSession(cfg, store, content, styleImg, sessionOpts...)
	if err != nil {
		log.Fatalf("Failed to build session: %v", err)
	}

	start := time.Now()
	runErr := session.Run(imageio.NewWriter(), reporters...)
	if rec != nil {
		if err := rec.Finish(runErr); err != nil {
			log.Printf("Failed to finish run record: %v", err)
		}
	}
	if hub != nil {
		hub.Done(runErr)
	}
	if runErr != nil {
		log.Fatalf("Run failed after %d steps: %v", session.StepCount(), runErr)
	}
	fmt.Printf("Done: %d steps in %v\n", session.StepCount(), time.Since(start).Round(time.Millisecond))
}

func describeCmd(args []string) {
	fs := flag.NewFlagSet("describe", flag.ExitOnError)
	id := fs.String("id", "vgg16", "Model id in the output")
	fs.Parse(args)

	data, err := json.MarshalIndent(nn.DescribeVGG16(*id), "", "  ")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(string(data))
}

func solidCmd(args []string) {
	fs := flag.NewFlagSet("solid", flag.ExitOnError)
	color := fs.String("color", "#808080", "Hex colour")
	to := fs.String("to", "", "Second hex colour for a vertical gradient")
	size := fs.Int("size", nn.InputSize, "Image side in pixels")
	out := fs.String("out", "solid.png", "Output file (.png or .jpeg)")
	fs.Parse(args)

	var (
		t   *nn.Tensor
		err error
	)
	if *to != "" {
		t, err = imageio.Gradient(*color, *to, *size)
	} else {
		t, err = imageio.Solid(*color, *size)
	}
	if err != nil {
		log.Fatal(err)
	}
	if err := imageio.NewWriter().Save(t, *out); err != nil {
		log.Fatalf("Failed to write %s: %v", *out, err)
	}
	fmt.Printf("Wrote %s\n", *out)
}

func gpuCmd(args []string) {
	fs := flag.NewFlagSet("gpu", flag.ExitOnError)
	verbose := fs.Bool("v", false, "Log adapter selection")
	fs.Parse(args)

	gpu.Verbose = *verbose
	rep, err := gpu.Inspect()
	if err != nil {
		log.Fatalf("GPU inspection failed: %v", err)
	}
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(string(data))
	if !rep.Fits {
		os.Exit(1)
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
